package core

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/iapkit/entitlements"
)

// NotificationResult describes what a Server Notification changed.
type NotificationResult struct {
	Type        string
	Subtype     string
	UserID      string
	Entitlement *entitlements.Entitlement
}

// HandleNotification verifies an App Store Server Notification, stores the
// transaction it carries and returns the affected user and product entitlement.
// Notifications without transaction data (TEST) return an empty result.
func (s *Service) HandleNotification(ctx context.Context, signedPayload string) (NotificationResult, error) {
	n, err := s.source.ParseNotification(ctx, signedPayload)
	if err != nil {
		return NotificationResult{}, fmt.Errorf("parse notification: %w", err)
	}
	res := NotificationResult{Type: n.Type, Subtype: n.Subtype}
	log := s.log.WithFields(logrus.Fields{"notification_type": n.Type, "subtype": n.Subtype})
	if n.Transaction == nil {
		log.Debug("iapkit: notification without transaction")
		return res, nil
	}
	tx := *n.Transaction

	userID := tx.AppAccountToken
	if userID == "" {
		owner, ok, err := s.store.UserByOriginalTransaction(ctx, tx.OriginalID)
		if err != nil {
			return res, fmt.Errorf("resolve user: %w", err)
		}
		if !ok {
			log.WithField("transaction_id", maskID(tx.ID)).Warn("iapkit: notification for unknown user")
			return res, ErrMissingUser
		}
		userID = owner
	}
	res.UserID = userID

	before, err := s.store.Transactions(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("load stored transactions: %w", err)
	}
	if err := s.store.SaveTransactions(ctx, userID, []entitlements.Transaction{tx}, s.cfg.Now()); err != nil {
		return res, fmt.Errorf("save transaction: %w", err)
	}
	s.invalidate(ctx, userID)
	after := merge(before, []entitlements.Transaction{tx})
	s.logChanges(ctx, userID, n.Type, before, after)

	for _, e := range s.classify(after) {
		if e.Name == tx.ProductID {
			res.Entitlement = &e
			s.observer.ObserveStatus(e.Status)
			break
		}
	}
	log.WithFields(logrus.Fields{"user_id": userID, "product_id": tx.ProductID}).Info("iapkit: notification applied")
	return res, nil
}
