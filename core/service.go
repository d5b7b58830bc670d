package core

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/PaulFidika/iapkit/appstore"
	"github.com/PaulFidika/iapkit/entitlements"
)

var (
	ErrNothingToRestore = errors.New("no purchased products found")
	ErrUnknownProduct   = errors.New("unknown product")
	ErrMissingUser      = errors.New("missing user id")
)

// Service keeps a user's App Store records fresh and classifies them on read.
type Service struct {
	cfg      Config
	log      logrus.FieldLogger
	source   TransactionSource
	store    TransactionStore
	catalog  CatalogSource
	cache    TransactionCache
	events   EventLogger
	observer Observer

	products atomic.Pointer[[]entitlements.Product]
	refresh  singleflight.Group
}

// Option wires optional collaborators.
type Option func(*Service)

func WithCatalogSource(c CatalogSource) Option { return func(s *Service) { s.catalog = c } }
func WithCache(c TransactionCache) Option      { return func(s *Service) { s.cache = c } }
func WithEventLogger(e EventLogger) Option     { return func(s *Service) { s.events = e } }

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewService wires a transaction source and store. Both are required.
func NewService(cfg Config, source TransactionSource, store TransactionStore, opts ...Option) (*Service, error) {
	if source == nil || store == nil {
		return nil, errors.New("core: transaction source and store are required")
	}
	cfg = cfg.defaulted()
	s := &Service{
		cfg:      cfg,
		log:      cfg.Logger,
		source:   source,
		store:    store,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Logger returns the service's logger for adapters to share.
func (s *Service) Logger() logrus.FieldLogger { return s.log }

// Catalog returns the configured product mapping (may be nil).
func (s *Service) Catalog() *entitlements.Catalog { return s.cfg.Catalog }

// classify derives entitlements for the latest transaction per product at now.
func (s *Service) classify(txs []entitlements.Transaction) []entitlements.Entitlement {
	now := s.cfg.Now()
	latest := entitlements.Latest(txs)
	out := make([]entitlements.Entitlement, 0, len(latest))
	for _, tx := range latest {
		e := entitlements.FromTransaction(tx, s.cfg.Catalog, now)
		out = append(out, e)
	}
	return out
}

// invalidate drops the cached records of userID after a store write; the next
// read repopulates from the store.
func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, userID); err != nil {
		s.userLog(userID).WithError(err).Warn("iapkit: cache invalidation failed")
	}
}

func (s *Service) userLog(userID string) *logrus.Entry {
	return s.log.WithField("user_id", userID)
}

func (s *Service) logChanges(ctx context.Context, userID, cause string, before, after []entitlements.Transaction) {
	if s.events == nil {
		return
	}
	now := s.cfg.Now()
	prev := make(map[string]entitlements.Status)
	for _, tx := range entitlements.Latest(before) {
		prev[tx.ProductID] = tx.StatusAt(now)
	}
	for _, tx := range entitlements.Latest(after) {
		to := tx.StatusAt(now)
		from, seen := prev[tx.ProductID]
		if seen && from.Kind == to.Kind {
			continue
		}
		change := StatusChange{
			UserID:        userID,
			ProductID:     tx.ProductID,
			TransactionID: tx.ID,
			From:          from,
			To:            to,
			Cause:         cause,
		}
		if err := s.events.LogStatusChange(ctx, change); err != nil {
			s.userLog(userID).WithError(err).Debug("iapkit: event logger failed")
		}
	}
}

// merge returns base with incoming upserted by transaction id.
func merge(base, incoming []entitlements.Transaction) []entitlements.Transaction {
	out := slices.Clone(base)
	for _, tx := range incoming {
		i := slices.IndexFunc(out, func(t entitlements.Transaction) bool { return t.ID == tx.ID })
		if i >= 0 {
			out[i] = tx
			continue
		}
		out = append(out, tx)
	}
	return out
}

func originalIDs(txs []entitlements.Transaction) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tx := range txs {
		id := tx.OriginalID
		if id == "" {
			id = tx.ID
		}
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func maskID(id string) string { return appstore.MaskID(id) }
