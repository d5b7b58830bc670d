package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PaulFidika/iapkit/entitlements"
)

// TransactionCache is a Redis implementation of core.TransactionCache.
// Values are the JSON encoded raw records; classification happens on read.
type TransactionCache struct {
	rdb   redis.UniversalClient
	keyNS string
	ttl   time.Duration
}

func NewTransactionCache(rdb redis.UniversalClient, keyPrefix string, ttl time.Duration) *TransactionCache {
	if keyPrefix == "" {
		keyPrefix = "iap:txcache:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TransactionCache{rdb: rdb, keyNS: keyPrefix, ttl: ttl}
}

func (s *TransactionCache) key(userID string) string { return s.keyNS + userID }

func (s *TransactionCache) Put(ctx context.Context, userID string, txs []entitlements.Transaction) error {
	if txs == nil {
		txs = []entitlements.Transaction{}
	}
	b, err := json.Marshal(txs)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(userID), b, s.ttl).Err()
}

func (s *TransactionCache) Get(ctx context.Context, userID string) ([]entitlements.Transaction, bool, error) {
	val, err := s.rdb.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var txs []entitlements.Transaction
	if err := json.Unmarshal(val, &txs); err != nil {
		return nil, false, err
	}
	return txs, true, nil
}

func (s *TransactionCache) Del(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, s.key(userID)).Err()
}
