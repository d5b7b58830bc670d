package memorystore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/PaulFidika/iapkit/core"
	"github.com/PaulFidika/iapkit/entitlements"
)

// TransactionStore keeps raw transaction records in memory. Useful for tests and
// single-instance deployments that can afford to re-fetch after a restart.
type TransactionStore struct {
	mu    sync.RWMutex
	users map[string]*userRecords
	// original transaction id -> user id
	owners map[string]string
	// transaction id -> user id
	holders map[string]string
}

type userRecords struct {
	txs       map[string]entitlements.Transaction
	fetchedAt time.Time
}

func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		users:   make(map[string]*userRecords),
		owners:  make(map[string]string),
		holders: make(map[string]string),
	}
}

// SaveTransactions upserts by transaction id. A transaction saved for a
// different user moves to that user, the latest save wins.
func (s *TransactionStore) SaveTransactions(ctx context.Context, userID string, txs []entitlements.Transaction, fetchedAt time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &userRecords{txs: make(map[string]entitlements.Transaction)}
		s.users[userID] = u
	}
	for _, tx := range txs {
		if prev, ok := s.holders[tx.ID]; ok && prev != userID {
			if p := s.users[prev]; p != nil {
				delete(p.txs, tx.ID)
			}
		}
		s.holders[tx.ID] = userID
		u.txs[tx.ID] = tx
		if tx.OriginalID != "" {
			s.owners[tx.OriginalID] = userID
		}
	}
	u.fetchedAt = fetchedAt
	return nil
}

func (s *TransactionStore) Transactions(ctx context.Context, userID string) ([]entitlements.Transaction, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	out := make([]entitlements.Transaction, 0, len(u.txs))
	for _, tx := range u.txs {
		out = append(out, tx)
	}
	slices.SortFunc(out, func(a, b entitlements.Transaction) int {
		if c := a.PurchasedAt.Compare(b.PurchasedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *TransactionStore) UserByOriginalTransaction(ctx context.Context, originalID string) (string, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.owners[originalID]
	return u, ok, nil
}

func (s *TransactionStore) StaleUsers(ctx context.Context, cutoff time.Time, limit int) ([]core.UserRef, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.UserRef
	for id, u := range s.users {
		if !u.fetchedAt.Before(cutoff) {
			continue
		}
		ref := core.UserRef{UserID: id, FetchedAt: u.fetchedAt}
		for _, tx := range u.txs {
			if tx.OriginalID != "" && !slices.Contains(ref.OriginalTransactionIDs, tx.OriginalID) {
				ref.OriginalTransactionIDs = append(ref.OriginalTransactionIDs, tx.OriginalID)
			}
		}
		slices.Sort(ref.OriginalTransactionIDs)
		out = append(out, ref)
	}
	slices.SortFunc(out, func(a, b core.UserRef) int {
		if c := a.FetchedAt.Compare(b.FetchedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
