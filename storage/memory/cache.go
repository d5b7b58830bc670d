package memorystore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/PaulFidika/iapkit/entitlements"
)

// TransactionCache is an in-memory implementation of core.TransactionCache with TTL.
type TransactionCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	data   map[string]item
	closed chan struct{}
	once   sync.Once
}

type item struct {
	v   []entitlements.Transaction
	exp time.Time
}

// NewTransactionCache creates a new in-memory transaction cache with the given TTL.
// If ttl <= 0, a default of 5 minutes is used.
// Starts a background goroutine to clean up expired entries every minute.
func NewTransactionCache(ttl time.Duration) *TransactionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &TransactionCache{ttl: ttl, data: make(map[string]item), closed: make(chan struct{})}
	go c.cleanupLoop()
	return c
}

func (s *TransactionCache) Put(ctx context.Context, userID string, txs []entitlements.Transaction) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[userID] = item{v: slices.Clone(txs), exp: time.Now().Add(s.ttl)}
	return nil
}

func (s *TransactionCache) Get(ctx context.Context, userID string) ([]entitlements.Transaction, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.data[userID]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(it.exp) {
		delete(s.data, userID)
		return nil, false, nil
	}
	return slices.Clone(it.v), true, nil
}

func (s *TransactionCache) Del(ctx context.Context, userID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, userID)
	return nil
}

// cleanupLoop runs in the background and removes expired entries every minute.
func (s *TransactionCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.closed:
			return
		}
	}
}

// cleanup removes all expired entries from the cache.
func (s *TransactionCache) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, v := range s.data {
		if now.After(v.exp) {
			delete(s.data, k)
		}
	}
}

// Close stops the background cleanup goroutine.
// Should be called when the cache is no longer needed.
func (s *TransactionCache) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
