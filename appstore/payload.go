package appstore

import (
	"time"

	"github.com/PaulFidika/iapkit/entitlements"
)

// Environment names as Apple reports them in payloads.
const (
	EnvironmentProduction = "Production"
	EnvironmentSandbox    = "Sandbox"
)

// TransactionPayload is the decoded body of a signedTransactionInfo JWS.
// Dates are milliseconds since the Unix epoch.
type TransactionPayload struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	Type                  string `json:"type"`
	PurchaseDate          int64  `json:"purchaseDate"`
	OriginalPurchaseDate  int64  `json:"originalPurchaseDate,omitempty"`
	ExpiresDate           *int64 `json:"expiresDate,omitempty"`
	RevocationDate        *int64 `json:"revocationDate,omitempty"`
	RevocationReason      *int   `json:"revocationReason,omitempty"`
	Environment           string `json:"environment,omitempty"`
	AppAccountToken       string `json:"appAccountToken,omitempty"`
	InAppOwnershipType    string `json:"inAppOwnershipType,omitempty"`
	Quantity              int    `json:"quantity,omitempty"`
	SignedDate            int64  `json:"signedDate,omitempty"`
}

// RenewalInfoPayload is the decoded body of a signedRenewalInfo JWS.
type RenewalInfoPayload struct {
	OriginalTransactionID  string `json:"originalTransactionId"`
	ProductID              string `json:"productId"`
	AutoRenewProductID     string `json:"autoRenewProductId,omitempty"`
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	ExpirationIntent       *int   `json:"expirationIntent,omitempty"`
	IsInBillingRetryPeriod *bool  `json:"isInBillingRetryPeriod,omitempty"`
	RenewalDate            *int64 `json:"renewalDate,omitempty"`
	Environment            string `json:"environment,omitempty"`
	SignedDate             int64  `json:"signedDate,omitempty"`
}

// Transaction converts the payload into the record the classifier consumes.
func (p TransactionPayload) Transaction() entitlements.Transaction {
	tx := entitlements.Transaction{
		ID:               p.TransactionID,
		OriginalID:       p.OriginalTransactionID,
		ProductID:        p.ProductID,
		BundleID:         p.BundleID,
		Type:             entitlements.ProductType(p.Type),
		PurchasedAt:      fromMillis(p.PurchaseDate),
		ExpiresAt:        fromMillisPtr(p.ExpiresDate),
		RevokedAt:        fromMillisPtr(p.RevocationDate),
		RevocationReason: p.RevocationReason,
		Environment:      p.Environment,
		AppAccountToken:  p.AppAccountToken,
		OwnershipType:    p.InAppOwnershipType,
		Quantity:         p.Quantity,
	}
	if tx.OriginalID == "" {
		tx.OriginalID = tx.ID
	}
	return tx
}

// PayloadFromTransaction is the inverse of TransactionPayload.Transaction.
func PayloadFromTransaction(tx entitlements.Transaction) TransactionPayload {
	return TransactionPayload{
		TransactionID:         tx.ID,
		OriginalTransactionID: tx.OriginalID,
		BundleID:              tx.BundleID,
		ProductID:             tx.ProductID,
		Type:                  string(tx.Type),
		PurchaseDate:          tx.PurchasedAt.UnixMilli(),
		ExpiresDate:           toMillisPtr(tx.ExpiresAt),
		RevocationDate:        toMillisPtr(tx.RevokedAt),
		RevocationReason:      tx.RevocationReason,
		Environment:           tx.Environment,
		AppAccountToken:       tx.AppAccountToken,
		InAppOwnershipType:    tx.OwnershipType,
		Quantity:              tx.Quantity,
	}
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}

func toMillisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
