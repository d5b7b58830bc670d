package core

import (
	"context"

	"github.com/PaulFidika/iapkit/entitlements"
)

// EventLogger records entitlement status transitions to an external sink (e.g., ClickHouse).
// Implementations should be non-blocking and best-effort.
type EventLogger interface {
	LogStatusChange(ctx context.Context, change StatusChange) error
}

// StatusChange is emitted when the status a product resolves to differs from
// what the previously stored records resolved to.
type StatusChange struct {
	UserID        string
	ProductID     string
	TransactionID string
	From          entitlements.Status
	To            entitlements.Status
	Cause         string // "refresh", "restore" or the notification type
}

// Observer receives classification and refresh outcomes (metrics).
type Observer interface {
	ObserveStatus(status entitlements.Status)
	ObserveRefresh(seconds float64, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveStatus(entitlements.Status) {}
func (nopObserver) ObserveRefresh(float64, error)     {}
