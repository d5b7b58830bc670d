package entitlements

import (
	"errors"
	"fmt"
)

// ErrUnmappedProduct is returned by a strict Catalog for identifiers it has no entry for.
var ErrUnmappedProduct = errors.New("entitlements: product not in catalog")

// CatalogEntry pins the span and level of one product identifier.
// An empty Span or LevelNone falls back to the naming convention.
type CatalogEntry struct {
	ProductID string `json:"product_id"`
	Span      Span   `json:"span,omitempty"`
	Level     Level  `json:"level,omitempty"`
}

// Catalog maps product identifiers to span and level explicitly, so renamed
// products do not silently drift to SpanUnknown. A nil *Catalog classifies by
// naming convention only. Catalog is read-only after construction.
type Catalog struct {
	entries map[string]CatalogEntry
	strict  bool
}

// CatalogOpt configures a Catalog.
type CatalogOpt func(*Catalog)

// Strict makes lookups of unmapped identifiers fail with ErrUnmappedProduct.
func Strict() CatalogOpt {
	return func(c *Catalog) { c.strict = true }
}

// NewCatalog builds a catalog; later entries for the same id replace earlier ones.
func NewCatalog(entries []CatalogEntry, opts ...CatalogOpt) *Catalog {
	c := &Catalog{entries: make(map[string]CatalogEntry, len(entries))}
	for _, e := range entries {
		c.entries[e.ProductID] = e
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Len returns the number of mapped identifiers.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Classify returns span and level for productID.
func (c *Catalog) Classify(productID string) (Span, Level, error) {
	if c == nil {
		return SpanOf(productID), LevelOf(productID), nil
	}
	e, ok := c.entries[productID]
	if !ok {
		if c.strict {
			return SpanUnknown, LevelNone, fmt.Errorf("%w: %s", ErrUnmappedProduct, productID)
		}
		return SpanOf(productID), LevelOf(productID), nil
	}
	span := e.Span
	if span == "" {
		span = SpanOf(productID)
	}
	level := e.Level
	if level == LevelNone {
		level = LevelOf(productID)
	}
	return span, level, nil
}

// Span returns the span for productID.
func (c *Catalog) Span(productID string) (Span, error) {
	s, _, err := c.Classify(productID)
	return s, err
}

// Level returns the level for productID.
func (c *Catalog) Level(productID string) (Level, error) {
	_, l, err := c.Classify(productID)
	return l, err
}
