package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/iapkit/core"
	"github.com/PaulFidika/iapkit/entitlements"
)

// RefreshUserArgs asks a worker to re-fetch one user's App Store history.
type RefreshUserArgs struct {
	UserID                 string   `json:"user_id"`
	OriginalTransactionIDs []string `json:"original_transaction_ids,omitempty"`
}

func (RefreshUserArgs) Kind() string { return "iapkit.refresh_user" }

func (RefreshUserArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 5,
		UniqueOpts:  river.UniqueOpts{ByArgs: true, ByPeriod: time.Minute},
	}
}

// UserRefresher is the part of core.Service the worker needs.
type UserRefresher interface {
	Refresh(ctx context.Context, userID string, originalTransactionIDs ...string) ([]entitlements.Entitlement, error)
}

type RefreshUserWorker struct {
	river.WorkerDefaults[RefreshUserArgs]
	svc UserRefresher
	log logrus.FieldLogger
}

func NewRefreshUserWorker(svc UserRefresher, log logrus.FieldLogger) *RefreshUserWorker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RefreshUserWorker{svc: svc, log: log}
}

func (w *RefreshUserWorker) Timeout(*river.Job[RefreshUserArgs]) time.Duration { return time.Minute }

func (w *RefreshUserWorker) Work(ctx context.Context, job *river.Job[RefreshUserArgs]) error {
	ents, err := w.svc.Refresh(ctx, job.Args.UserID, job.Args.OriginalTransactionIDs...)
	if errors.Is(err, core.ErrMissingUser) {
		// retrying cannot fix a job without a user
		return river.JobCancel(err)
	}
	if err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{"user_id": job.Args.UserID, "entitlements": len(ents), "attempt": job.Attempt}).Debug("iapkit: background refresh done")
	return nil
}

// NewRiverWorkers registers the refresh worker.
func NewRiverWorkers(svc UserRefresher, log logrus.FieldLogger) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker(workers, NewRefreshUserWorker(svc, log))
	return workers
}

// NewRiverClient builds a pgx-backed River client working the default queue.
func NewRiverClient(pool *pgxpool.Pool, workers *river.Workers, maxWorkers int) (*river.Client[pgx.Tx], error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  map[string]river.QueueConfig{river.QueueDefault: {MaxWorkers: maxWorkers}},
		Workers: workers,
	})
}

// Inserter is satisfied by *river.Client.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// EnqueueRefresh schedules a background refresh for userID.
func EnqueueRefresh(ctx context.Context, client Inserter, userID string, originalTransactionIDs ...string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return core.ErrMissingUser
	}
	_, err := client.Insert(ctx, RefreshUserArgs{UserID: userID, OriginalTransactionIDs: originalTransactionIDs}, nil)
	return err
}
