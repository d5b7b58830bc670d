package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	iapgin "github.com/PaulFidika/iapkit/adapters/gin"
	"github.com/PaulFidika/iapkit/adapters/ginutil"
	"github.com/PaulFidika/iapkit/appstore"
	"github.com/PaulFidika/iapkit/core"
	"github.com/PaulFidika/iapkit/jobs"
	"github.com/PaulFidika/iapkit/metrics"
	memorylimiter "github.com/PaulFidika/iapkit/ratelimit/memory"
	redislimiter "github.com/PaulFidika/iapkit/ratelimit/redis"
	memorystore "github.com/PaulFidika/iapkit/storage/memory"
	pgstore "github.com/PaulFidika/iapkit/storage/postgres"
	redisstore "github.com/PaulFidika/iapkit/storage/redis"
)

var rateLimits = map[string]struct {
	limit  int
	window time.Duration
}{
	ginutil.RLDefault:       {120, time.Minute},
	ginutil.RLRefresh:       {10, time.Minute},
	ginutil.RLRestore:       {5, time.Minute},
	ginutil.RLNotifications: {600, time.Minute},
}

func runServeCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background refresh",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config) error {
	v := cfg.v
	log := cfg.logger()

	signer, err := cfg.signer(log)
	if err != nil {
		return fmt.Errorf("load App Store credentials: %w", err)
	}
	verifierOpts := []appstore.VerifierOpt{appstore.WithBundleID(v.GetString("bundle-id"))}
	if paths := v.GetStringSlice("root-certs"); len(paths) > 0 {
		pool, err := appstore.LoadRootCertificates(paths...)
		if err != nil {
			return err
		}
		verifierOpts = append(verifierOpts, appstore.WithRootCertificates(pool))
	}
	clientOpts := []appstore.OptFunc{
		appstore.WithEnvironment(v.GetString("environment")),
		appstore.WithVerifier(appstore.NewVerifier(verifierOpts...)),
		appstore.WithLogger(log),
	}
	if v.GetBool("sandbox-fallback") {
		clientOpts = append(clientOpts, appstore.WithSandboxFallback())
	}
	client := appstore.NewClient(signer, clientOpts...)

	catalogSource, catalog, err := cfg.loadCatalog()
	if err != nil {
		return err
	}

	var (
		store core.TransactionStore
		pool  *pgxpool.Pool
	)
	if dsn := v.GetString("database-url"); dsn != "" {
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		store = pgstore.NewStore(pool, v.GetString("schema"))
	} else {
		log.Warn("iapkitd: no database-url, transactions are kept in memory")
		store = memorystore.NewTransactionStore()
	}

	var (
		cache core.TransactionCache
		rl    ginutil.RateLimiter
	)
	if addr := v.GetString("redis-addr"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		cache = redisstore.NewTransactionCache(rdb, "", 5*time.Minute)
		limits := map[string]redislimiter.Limit{}
		for k, l := range rateLimits {
			limits[k] = redislimiter.Limit{Limit: l.limit, Window: l.window}
		}
		rl = redislimiter.New(rdb, limits)
	} else {
		mc := memorystore.NewTransactionCache(5 * time.Minute)
		defer mc.Close()
		cache = mc
		limits := map[string]memorylimiter.Limit{}
		for k, l := range rateLimits {
			limits[k] = memorylimiter.Limit{Limit: l.limit, Window: l.window}
		}
		rl = memorylimiter.New(limits)
	}

	m := metrics.NewManager()
	opts := []core.Option{core.WithCache(cache), core.WithObserver(m.Observer())}
	if catalogSource != nil {
		opts = append(opts, core.WithCatalogSource(catalogSource))
	}
	svc, err := core.NewService(core.Config{
		Catalog:       catalog,
		MinRefreshAge: v.GetDuration("min-refresh-age"),
		Logger:        log,
	}, client, store, opts...)
	if err != nil {
		return err
	}
	if catalogSource != nil {
		if _, err := svc.LoadProducts(ctx); err != nil {
			return err
		}
	}

	var enqueue func(ctx context.Context, userID string, ids ...string) error
	if v.GetBool("river") {
		if pool == nil {
			return errors.New("--river needs --database-url")
		}
		riverClient, err := jobs.NewRiverClient(pool, jobs.NewRiverWorkers(svc, log), 0)
		if err != nil {
			return fmt.Errorf("river client: %w", err)
		}
		if err := riverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river: %w", err)
		}
		defer stopRiver(riverClient, log)
		enqueue = func(ctx context.Context, userID string, ids ...string) error {
			return jobs.EnqueueRefresh(ctx, riverClient, userID, ids...)
		}
	}

	sched := jobs.NewScheduler(svc,
		jobs.WithSpec(v.GetString("refresh-spec")),
		jobs.WithTimeout(v.GetDuration("refresh-timeout")),
		jobs.WithLogger(log))
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = sched.Stop(stopCtx)
	}()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/metrics", gin.WrapH(m.Handler()))
	iapgin.Register(r.Group("/v1"), svc, iapgin.Options{
		RateLimiter: rl,
		UserHeader:  v.GetString("user-header"),
		Enqueue:     enqueue,
	})

	srv := &http.Server{Addr: v.GetString("listen"), Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.WithField("addr", srv.Addr).Info("iapkitd: listening")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Info("iapkitd: shutting down")
	return srv.Shutdown(shutdownCtx)
}

func stopRiver(c *river.Client[pgx.Tx], log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		log.WithError(err).Warn("iapkitd: river stop")
	}
}
