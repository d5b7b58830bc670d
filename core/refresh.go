package core

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/PaulFidika/iapkit/entitlements"
)

// Refresh fetches the transaction history behind each original transaction id,
// stores the raw records and returns entitlements classified at now.
// With no ids the user's stored purchase chains are refreshed.
func (s *Service) Refresh(ctx context.Context, userID string, originalTransactionIDs ...string) ([]entitlements.Entitlement, error) {
	txs, err := s.refreshUser(ctx, userID, cleanIDs(originalTransactionIDs), "refresh")
	if err != nil {
		return nil, err
	}
	return s.classify(txs), nil
}

// Restore is Refresh for ids supplied by the device. It returns ErrNothingToRestore
// alongside the classified entitlements when none is currently purchased.
func (s *Service) Restore(ctx context.Context, userID string, transactionIDs []string) ([]entitlements.Entitlement, error) {
	ids := cleanIDs(transactionIDs)
	if len(ids) == 0 {
		return nil, ErrNothingToRestore
	}
	txs, err := s.refreshUser(ctx, userID, ids, "restore")
	if err != nil {
		return nil, err
	}
	ents := s.classify(txs)
	for _, e := range ents {
		if e.Purchased {
			return ents, nil
		}
	}
	return ents, ErrNothingToRestore
}

// refreshUser collapses concurrent refreshes of the same user. The shared
// fetch runs detached from any one caller under Config.RefreshTimeout; a
// caller whose ctx ends stops waiting without cancelling the others.
func (s *Service) refreshUser(ctx context.Context, userID string, ids []string, cause string) ([]entitlements.Transaction, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrMissingUser
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := userID + "|" + strings.Join(ids, ",")
	ch := s.refresh.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RefreshTimeout)
		defer cancel()
		start := time.Now()
		txs, err := s.doRefresh(rctx, userID, ids, cause)
		s.observer.ObserveRefresh(time.Since(start).Seconds(), err)
		return txs, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]entitlements.Transaction), nil
	}
}

func (s *Service) doRefresh(ctx context.Context, userID string, ids []string, cause string) ([]entitlements.Transaction, error) {
	log := s.userLog(userID)

	before, err := s.store.Transactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load stored transactions: %w", err)
	}
	if len(ids) == 0 {
		ids = originalIDs(before)
	}
	if len(ids) == 0 {
		log.Debug("iapkit: nothing to refresh")
		return before, nil
	}

	var fetched []entitlements.Transaction
	seenChain := make(map[string]bool)
	for _, id := range ids {
		if seenChain[id] {
			continue
		}
		history, err := s.source.GetTransactionHistory(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetch history for %s: %w", maskID(id), err)
		}
		for _, tx := range history {
			seenChain[tx.ID] = true
			seenChain[tx.OriginalID] = true
		}
		fetched = merge(fetched, history)
	}

	if err := s.store.SaveTransactions(ctx, userID, fetched, s.cfg.Now()); err != nil {
		return nil, fmt.Errorf("save transactions: %w", err)
	}
	s.invalidate(ctx, userID)
	// re-read so records saved by a concurrent notification or refresh are kept
	after, err := s.store.Transactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load stored transactions: %w", err)
	}

	s.logChanges(ctx, userID, cause, before, after)
	for _, tx := range entitlements.Latest(after) {
		st := tx.StatusAt(s.cfg.Now())
		s.observer.ObserveStatus(st)
		log.WithFields(logrus.Fields{
			"product_id":     tx.ProductID,
			"transaction_id": maskID(tx.ID),
			"status":         st.Kind.String(),
		}).Debug("iapkit: classified")
	}
	log.WithField("count", len(fetched)).Info("iapkit: transactions refreshed")
	return after, nil
}

// RefreshReport summarizes one RefreshAll cycle.
type RefreshReport struct {
	Checked   int
	Refreshed int
	Failed    int
}

// RefreshAll re-fetches users whose records are older than Config.MinRefreshAge.
// A failure for one user is logged and does not stop the cycle.
func (s *Service) RefreshAll(ctx context.Context) (RefreshReport, error) {
	cutoff := s.cfg.Now().Add(-s.cfg.MinRefreshAge)
	users, err := s.store.StaleUsers(ctx, cutoff, s.cfg.RefreshBatchSize)
	if err != nil {
		return RefreshReport{}, fmt.Errorf("list stale users: %w", err)
	}
	s.log.WithField("count", len(users)).Debug("iapkit: refreshing stale users")

	var refreshed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RefreshConcurrency)
	for _, u := range users {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if _, err := s.refreshUser(gctx, u.UserID, u.OriginalTransactionIDs, "refresh"); err != nil {
				failed.Add(1)
				s.userLog(u.UserID).WithError(err).Error("iapkit: failed to refresh user during cycle")
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report := RefreshReport{Checked: len(users), Refreshed: int(refreshed.Load()), Failed: int(failed.Load())}
	return report, ctx.Err()
}
