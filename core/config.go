package core

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/iapkit/appstore"
	"github.com/PaulFidika/iapkit/entitlements"
)

// Config configures the refresh/restore service.
type Config struct {
	// Catalog maps product ids to span/level. Nil classifies by naming convention.
	Catalog *entitlements.Catalog
	// MinRefreshAge skips users in RefreshAll whose records were fetched more recently.
	MinRefreshAge time.Duration
	// RefreshBatchSize bounds how many users one RefreshAll cycle visits.
	RefreshBatchSize int
	// RefreshConcurrency bounds parallel App Store calls in RefreshAll.
	RefreshConcurrency int
	// RefreshTimeout bounds one user's refresh, shared by every caller waiting on it.
	RefreshTimeout time.Duration
	Logger         logrus.FieldLogger
	Now            func() time.Time
}

func (c Config) defaulted() Config {
	if c.MinRefreshAge <= 0 {
		c.MinRefreshAge = time.Hour
	}
	if c.RefreshBatchSize <= 0 {
		c.RefreshBatchSize = 500
	}
	if c.RefreshConcurrency <= 0 {
		c.RefreshConcurrency = 4
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = time.Minute
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// CatalogSource lists the purchasable offerings.
type CatalogSource interface {
	Products(ctx context.Context) ([]entitlements.ProductInfo, error)
}

// TransactionSource fetches verified transactions (the App Store client).
type TransactionSource interface {
	GetTransactionInfo(ctx context.Context, transactionID string) (entitlements.Transaction, error)
	GetTransactionHistory(ctx context.Context, transactionID string) ([]entitlements.Transaction, error)
	ParseNotification(ctx context.Context, signedPayload string) (appstore.Notification, error)
}

// TransactionStore keeps durable copies of raw transaction records per user.
// Classified statuses are never stored.
type TransactionStore interface {
	// SaveTransactions upserts by transaction id and stamps the user's fetched_at.
	// A transaction id belongs to one user: saving it for another user moves it.
	SaveTransactions(ctx context.Context, userID string, txs []entitlements.Transaction, fetchedAt time.Time) error
	Transactions(ctx context.Context, userID string) ([]entitlements.Transaction, error)
	// UserByOriginalTransaction resolves the owner of an original transaction id.
	UserByOriginalTransaction(ctx context.Context, originalID string) (string, bool, error)
	// StaleUsers lists users last fetched before cutoff, oldest first.
	StaleUsers(ctx context.Context, cutoff time.Time, limit int) ([]UserRef, error)
}

// UserRef identifies a user's App Store purchase chains.
type UserRef struct {
	UserID                 string
	OriginalTransactionIDs []string
	FetchedAt              time.Time
}

// TransactionCache is a short-lived read-through cache in front of the store.
type TransactionCache interface {
	Get(ctx context.Context, userID string) ([]entitlements.Transaction, bool, error)
	Put(ctx context.Context, userID string, txs []entitlements.Transaction) error
	Del(ctx context.Context, userID string) error
}
