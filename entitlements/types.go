package entitlements

import (
	"cmp"
	"slices"
	"time"
)

// ProductType is the kind of product a transaction was issued for.
// Values match the App Store Server API "type" field.
type ProductType string

const (
	AutoRenewable ProductType = "Auto-Renewable Subscription"
	NonConsumable ProductType = "Non-Consumable"
	Consumable    ProductType = "Consumable"
	NonRenewing   ProductType = "Non-Renewing Subscription"
)

// Transaction is a platform-issued purchase record. Only Type, ExpiresAt and
// RevokedAt take part in status classification; the rest is carried for
// storage and display.
type Transaction struct {
	ID               string      `json:"transaction_id"`
	OriginalID       string      `json:"original_transaction_id"`
	ProductID        string      `json:"product_id"`
	BundleID         string      `json:"bundle_id,omitempty"`
	Type             ProductType `json:"type"`
	PurchasedAt      time.Time   `json:"purchased_at"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
	RevokedAt        *time.Time  `json:"revoked_at,omitempty"`
	RevocationReason *int        `json:"revocation_reason,omitempty"`
	Environment      string      `json:"environment,omitempty"`
	AppAccountToken  string      `json:"app_account_token,omitempty"`
	OwnershipType    string      `json:"ownership_type,omitempty"`
	Quantity         int         `json:"quantity,omitempty"`
}

// StatusAt classifies the transaction at the given instant.
func (t Transaction) StatusAt(now time.Time) Status {
	return Classify(t.Type, t.ExpiresAt, t.RevokedAt, now)
}

// Entitles reports whether the transaction grants access at now.
func (t Transaction) Entitles(now time.Time) bool { return IsPurchased(t, now) }

// Latest returns the most recent transaction per product, ordered by product id.
// Recency is the purchase date; equal dates fall back to the larger transaction id.
func Latest(txs []Transaction) []Transaction {
	byProduct := make(map[string]Transaction, len(txs))
	for _, tx := range txs {
		cur, ok := byProduct[tx.ProductID]
		if !ok || newer(tx, cur) {
			byProduct[tx.ProductID] = tx
		}
	}
	out := make([]Transaction, 0, len(byProduct))
	for _, tx := range byProduct {
		out = append(out, tx)
	}
	slices.SortFunc(out, func(a, b Transaction) int { return cmp.Compare(a.ProductID, b.ProductID) })
	return out
}

func newer(a, b Transaction) bool {
	if !a.PurchasedAt.Equal(b.PurchasedAt) {
		return a.PurchasedAt.After(b.PurchasedAt)
	}
	// numeric ids: a longer id is the larger number
	if len(a.ID) != len(b.ID) {
		return len(a.ID) > len(b.ID)
	}
	return a.ID > b.ID
}

// Entitlement represents a user's grant derived from a transaction, with optional metadata.
type Entitlement struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Purchased bool                   `json:"purchased"`
	Span      Span                   `json:"span"`
	Level     Level                  `json:"level"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
	RevokedAt *time.Time             `json:"revoked_at,omitempty"`
	Source    string                 `json:"source,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// FromTransaction derives the entitlement a transaction grants at now.
// Span and level come from the catalog (prefix convention when c is nil or
// the product is unmapped in non-strict mode).
func FromTransaction(tx Transaction, c *Catalog, now time.Time) Entitlement {
	span, level, _ := c.Classify(tx.ProductID)
	source := "appstore"
	if tx.Environment != "" {
		source += ":" + tx.Environment
	}
	e := Entitlement{
		Name:      tx.ProductID,
		Status:    tx.StatusAt(now),
		Purchased: IsPurchased(tx, now),
		Span:      span,
		Level:     level,
		ExpiresAt: tx.ExpiresAt,
		RevokedAt: tx.RevokedAt,
		Source:    source,
		Metadata: map[string]interface{}{
			"transaction_id":          tx.ID,
			"original_transaction_id": tx.OriginalID,
		},
	}
	if tx.OwnershipType != "" {
		e.Metadata["ownership_type"] = tx.OwnershipType
	}
	return e
}
