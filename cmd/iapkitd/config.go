package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/PaulFidika/iapkit/entitlements"
	jwtkit "github.com/PaulFidika/iapkit/jwt"
)

// config is read through viper: flags, then IAPKIT_* environment variables,
// then an optional config file.
type config struct {
	v *viper.Viper
}

func bindConfig(root *cobra.Command) *config {
	v := viper.New()
	v.SetEnvPrefix("IAPKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	f := root.PersistentFlags()
	f.String("config", "", "Path to a config file (yaml, toml or json)")
	f.String("listen", ":8080", "HTTP listen address")
	f.String("log-level", "info", "Log level")
	f.String("bundle-id", "", "App bundle id")
	f.String("environment", "production", "App Store environment (production or sandbox)")
	f.Bool("sandbox-fallback", false, "Retry sandbox when production does not know a transaction")
	f.String("keys-dir", jwtkit.DefaultKeysPath, "Directory with AuthKey.p8, key_id and issuer_id")
	f.String("dev-keys", "", "Generate and keep a development key here when keys-dir has no AuthKey.p8")
	f.String("key-id", "", "App Store Connect key id")
	f.String("issuer-id", "", "App Store Connect issuer id")
	f.StringSlice("root-certs", nil, "Trusted root certificates (PEM or DER); the embedded Apple Root CA - G3 when empty")
	f.String("products-file", "", "JSON product catalog")
	f.Bool("strict-catalog", false, "Reject products missing from the catalog")
	f.String("database-url", "", "Postgres DSN; in-memory storage when empty")
	f.String("schema", "iap", "Postgres schema")
	f.String("redis-addr", "", "Redis address for cache and rate limits")
	f.String("refresh-spec", "@every 1h", "Cron spec for background refresh")
	f.Duration("refresh-timeout", 10*time.Minute, "Timeout of one refresh cycle")
	f.Duration("min-refresh-age", time.Hour, "Skip users refreshed more recently than this")
	f.Bool("river", false, "Run River workers for async refresh (needs database-url)")
	f.String("user-header", "", "Trusted header carrying the authenticated user id")
	_ = v.BindPFlags(f)

	cobra.OnInitialize(func() {
		if path := v.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				logrus.WithError(err).Fatal("failed to read config file")
			}
		}
	})
	return &config{v: v}
}

func (c *config) logger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(c.v.GetString("log-level")); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

func (c *config) signer(log logrus.FieldLogger) (*jwtkit.ES256Signer, error) {
	s, err := jwtkit.LoadSigner(c.v.GetString("keys-dir"), jwtkit.SignerConfig{
		KeyID:    c.v.GetString("key-id"),
		IssuerID: c.v.GetString("issuer-id"),
		BundleID: c.v.GetString("bundle-id"),
	})
	dev := c.v.GetString("dev-keys")
	if err == nil || dev == "" || !errors.Is(err, fs.ErrNotExist) {
		return s, err
	}
	log.WithField("dir", dev).Warn("no App Store key found, using a development key Apple will reject")
	return jwtkit.NewDevSigner(dev, c.v.GetString("bundle-id"), log)
}

// productEntry is one element of the products file.
type productEntry struct {
	ID              string                   `json:"id"`
	DisplayName     string                   `json:"display_name"`
	Description     string                   `json:"description"`
	Price           decimal.Decimal          `json:"price"`
	Currency        string                   `json:"currency"`
	Type            entitlements.ProductType `json:"type"`
	Span            entitlements.Span        `json:"span,omitempty"`
	Level           entitlements.Level       `json:"level,omitempty"`
	FamilyShareable bool                     `json:"family_shareable"`
	FreeTrial       bool                     `json:"free_trial"`
	Recommended     bool                     `json:"recommended"`
}

// fileCatalog serves a static product list as a core.CatalogSource.
type fileCatalog struct {
	products []entitlements.ProductInfo
}

func (f *fileCatalog) Products(_ context.Context) ([]entitlements.ProductInfo, error) {
	return f.products, nil
}

// loadCatalog reads the products file. Both results are nil without a file.
func (c *config) loadCatalog() (*fileCatalog, *entitlements.Catalog, error) {
	path := c.v.GetString("products-file")
	if path == "" {
		return nil, nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read products file: %w", err)
	}
	var entries []productEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, nil, fmt.Errorf("parse products file: %w", err)
	}
	src := &fileCatalog{}
	mapping := make([]entitlements.CatalogEntry, 0, len(entries))
	for _, e := range entries {
		src.products = append(src.products, entitlements.ProductInfo{
			ID:              e.ID,
			DisplayName:     e.DisplayName,
			Description:     e.Description,
			Price:           e.Price,
			CurrencyCode:    e.Currency,
			Type:            e.Type,
			FamilyShareable: e.FamilyShareable,
			FreeTrial:       e.FreeTrial,
			Recommended:     e.Recommended,
		})
		mapping = append(mapping, entitlements.CatalogEntry{ProductID: e.ID, Span: e.Span, Level: e.Level})
	}
	var opts []entitlements.CatalogOpt
	if c.v.GetBool("strict-catalog") {
		opts = append(opts, entitlements.Strict())
	}
	return src, entitlements.NewCatalog(mapping, opts...), nil
}
