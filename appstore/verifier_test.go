package appstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PaulFidika/iapkit/appstore"
	"github.com/PaulFidika/iapkit/entitlements"
	iaptest "github.com/PaulFidika/iapkit/testing"
)

func TestVerifyTransactionChain(t *testing.T) {
	store := iaptest.NewFakeAppStore(bundleID)
	defer store.Close()

	exp := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	rev := time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)
	signed := store.SignTransaction(entitlements.Transaction{
		ID:               "5",
		OriginalID:       "1",
		BundleID:         bundleID,
		ProductID:        "monthlyPremium",
		Type:             entitlements.AutoRenewable,
		PurchasedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:        &exp,
		RevokedAt:        &rev,
		RevocationReason: ptr(1),
	})

	tx, err := store.Verifier().VerifyTransaction(context.Background(), signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if tx.ExpiresAt == nil || !tx.ExpiresAt.Equal(exp) || tx.RevokedAt == nil || !tx.RevokedAt.Equal(rev) {
		t.Fatalf("dates: %+v", tx)
	}
	if tx.RevocationReason == nil || *tx.RevocationReason != 1 {
		t.Fatal("revocation reason lost")
	}
	now := time.Date(2025, 1, 25, 0, 0, 0, 0, time.UTC)
	if got := tx.StatusAt(now); got.Kind != entitlements.StatusRevoked {
		t.Fatalf("status = %s", got)
	}
}

func TestVerifyRejectsUntrustedChain(t *testing.T) {
	store := iaptest.NewFakeAppStore(bundleID)
	defer store.Close()
	other := iaptest.NewFakeAppStore(bundleID)
	defer other.Close()

	signed := other.SignTransaction(entitlements.Transaction{ID: "1", ProductID: "lifePremium", Type: entitlements.NonConsumable})
	_, err := store.Verifier().VerifyTransaction(context.Background(), signed)
	if !errors.Is(err, appstore.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestDefaultVerifierTrustsOnlyAppleRoot(t *testing.T) {
	store := iaptest.NewFakeAppStore(bundleID)
	defer store.Close()

	// The fake root is also installed as a system root; it must still be refused.
	certFile := filepath.Join(t.TempDir(), "roots.pem")
	if err := os.WriteFile(certFile, store.RootPEM(), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SSL_CERT_FILE", certFile)

	signed := store.SignTransaction(entitlements.Transaction{ID: "1", BundleID: bundleID, ProductID: "lifePremium", Type: entitlements.NonConsumable})
	v := appstore.NewVerifier(appstore.WithBundleID(bundleID), appstore.WithJWKSURL(""))
	if _, err := v.VerifyTransaction(context.Background(), signed); !errors.Is(err, appstore.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for a non-Apple root, got %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	store := iaptest.NewFakeAppStore(bundleID)
	defer store.Close()

	signed := store.SignTransaction(entitlements.Transaction{ID: "1", ProductID: "lifePremium", Type: entitlements.NonConsumable})
	parts := strings.Split(signed, ".")
	other := store.SignTransaction(entitlements.Transaction{ID: "2", ProductID: "yearlyPremium", Type: entitlements.NonConsumable})
	parts[1] = strings.Split(other, ".")[1]

	if _, err := store.Verifier().Verify(context.Background(), strings.Join(parts, ".")); !errors.Is(err, appstore.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if _, err := store.Verifier().Verify(context.Background(), "  "); !errors.Is(err, appstore.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for empty input, got %v", err)
	}
}

func TestVerifyBundleMismatch(t *testing.T) {
	store := iaptest.NewFakeAppStore(bundleID)
	defer store.Close()

	signed := store.SignTransaction(entitlements.Transaction{ID: "1", BundleID: "com.other.app", ProductID: "lifePremium", Type: entitlements.NonConsumable})
	if _, err := store.Verifier().VerifyTransaction(context.Background(), signed); !errors.Is(err, appstore.ErrBundleMismatch) {
		t.Fatalf("expected ErrBundleMismatch, got %v", err)
	}
	// no expected bundle configured
	v := store.Verifier(appstore.WithBundleID(""))
	if _, err := v.VerifyTransaction(context.Background(), signed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyKeyIDFallback(t *testing.T) {
	store := iaptest.NewFakeAppStore(bundleID)
	defer store.Close()

	signed := store.SignTransactionWithKeyID(entitlements.Transaction{ID: "9", BundleID: bundleID, ProductID: "lifePremium", Type: entitlements.NonConsumable})
	tx, err := store.Verifier().VerifyTransaction(context.Background(), signed)
	if err != nil {
		t.Fatalf("verify via jwks: %v", err)
	}
	if tx.ID != "9" {
		t.Fatalf("id = %s", tx.ID)
	}

	noKeys := store.Verifier(appstore.WithJWKSURL(""))
	if _, err := noKeys.VerifyTransaction(context.Background(), signed); !errors.Is(err, appstore.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature without key set, got %v", err)
	}
}

func TestParseNotification(t *testing.T) {
	store := iaptest.NewFakeAppStore(bundleID)
	defer store.Close()

	exp := time.Now().Add(24 * time.Hour).Truncate(time.Millisecond)
	tx := entitlements.Transaction{
		ID:              "31",
		OriginalID:      "30",
		ProductID:       "yearlyPremium",
		Type:            entitlements.AutoRenewable,
		PurchasedAt:     time.Now().Add(-time.Hour).Truncate(time.Millisecond),
		ExpiresAt:       &exp,
		AppAccountToken: "9b2f4f7e-0c7a-4a43-8f55-4f0f0f5d1c11",
	}
	n, err := store.Client().ParseNotification(context.Background(), store.SignNotification(appstore.NotificationDidRenew, "", &tx))
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	if n.Type != appstore.NotificationDidRenew || n.UUID == "" || n.BundleID != bundleID {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if n.Transaction == nil || n.Transaction.AppAccountToken != tx.AppAccountToken || !n.Transaction.ExpiresAt.Equal(exp) {
		t.Fatalf("transaction not decoded: %+v", n.Transaction)
	}
	if n.RenewalInfo == nil || n.RenewalInfo.AutoRenewStatus != 1 || n.RenewalInfo.OriginalTransactionID != "30" {
		t.Fatalf("renewal info not decoded: %+v", n.RenewalInfo)
	}

	testN, err := store.Verifier().ParseNotification(context.Background(), store.SignNotification(appstore.NotificationTest, "", nil))
	if err != nil {
		t.Fatalf("test notification: %v", err)
	}
	if testN.Transaction != nil {
		t.Fatal("test notification carries no transaction")
	}
}
