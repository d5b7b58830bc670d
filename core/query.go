package core

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/PaulFidika/iapkit/entitlements"
)

// LoadProducts loads the catalog, classifies span and level and replaces the
// previous snapshot. Products a strict catalog does not map are skipped.
func (s *Service) LoadProducts(ctx context.Context) ([]entitlements.Product, error) {
	if s.catalog == nil {
		return nil, fmt.Errorf("core: no catalog source configured")
	}
	infos, err := s.catalog.Products(ctx)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	products := make([]entitlements.Product, 0, len(infos))
	for _, info := range infos {
		p, err := entitlements.NewProduct(info, s.cfg.Catalog)
		if err != nil {
			s.log.WithField("product_id", info.ID).WithError(err).Warn("iapkit: skipping product")
			continue
		}
		products = append(products, p)
	}
	entitlements.SortProducts(products)
	s.products.Store(&products)
	s.log.WithField("count", len(products)).Info("iapkit: products loaded")
	return slices.Clone(products), nil
}

// Products returns the last loaded catalog snapshot.
func (s *Service) Products() []entitlements.Product {
	p := s.products.Load()
	if p == nil {
		return nil
	}
	return slices.Clone(*p)
}

// Entitlements classifies the user's stored records at now.
func (s *Service) Entitlements(ctx context.Context, userID string) ([]entitlements.Entitlement, error) {
	txs, err := s.transactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.classify(txs), nil
}

// IsPurchased reports whether productID currently entitles the user.
// ErrUnknownProduct is returned when a catalog is loaded and does not list productID.
func (s *Service) IsPurchased(ctx context.Context, userID, productID string) (bool, error) {
	productID = strings.TrimSpace(productID)
	if p := s.products.Load(); p != nil && !slices.ContainsFunc(*p, func(x entitlements.Product) bool { return x.ID == productID }) {
		return false, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	ents, err := s.Entitlements(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, e := range ents {
		if e.Name == productID {
			return e.Purchased, nil
		}
	}
	return false, nil
}

// PurchasedProducts returns the entitlements that currently grant access.
func (s *Service) PurchasedProducts(ctx context.Context, userID string) ([]entitlements.Entitlement, error) {
	ents, err := s.Entitlements(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := ents[:0]
	for _, e := range ents {
		if e.Purchased {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Service) transactions(ctx context.Context, userID string) ([]entitlements.Transaction, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrMissingUser
	}
	if s.cache != nil {
		txs, ok, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.userLog(userID).WithError(err).Warn("iapkit: cache get failed")
		} else if ok {
			return txs, nil
		}
	}
	txs, err := s.store.Transactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load stored transactions: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, userID, txs); err != nil {
			s.userLog(userID).WithError(err).Warn("iapkit: cache put failed")
		}
	}
	return txs, nil
}
