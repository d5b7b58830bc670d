package iaphttp_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	iaphttp "github.com/PaulFidika/iapkit/adapters/http"
	"github.com/PaulFidika/iapkit/appstore"
	"github.com/PaulFidika/iapkit/core"
	"github.com/PaulFidika/iapkit/entitlements"
	jwtkit "github.com/PaulFidika/iapkit/jwt"
	memorystore "github.com/PaulFidika/iapkit/storage/memory"
	iaptest "github.com/PaulFidika/iapkit/testing"
)

func post(t *testing.T, h http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/notifications/appstore", bytes.NewReader(b)))
	return w
}

func TestNotificationHandler(t *testing.T) {
	fake := iaptest.NewFakeAppStore("com.example.app")
	defer fake.Close()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	store := memorystore.NewTransactionStore()
	svc, err := core.NewService(core.Config{Logger: logger}, fake.Client(), store)
	require.NoError(t, err)
	h := iaphttp.NotificationHandler(svc, logger)

	exp := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
	tx := entitlements.Transaction{
		ID: "700", OriginalID: "700", ProductID: "monthlyPremium", Type: entitlements.AutoRenewable,
		AppAccountToken: "u7", PurchasedAt: time.Now().Truncate(time.Second), ExpiresAt: &exp,
	}
	w := post(t, h, appstore.NotificationBody{SignedPayload: fake.SignNotification(appstore.NotificationDidRenew, "", &tx)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.JSONEq(t, `{"ok":true,"type":"DID_RENEW"}`, w.Body.String())

	owner, ok, err := store.UserByOriginalTransaction(t.Context(), "700")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u7", owner)

	w = post(t, h, appstore.NotificationBody{SignedPayload: "x.y.z"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/notifications/appstore", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestJWKSHandler(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signer := jwtkit.NewES256SignerFromKey(key, "KEY1", "issuer", "com.example.app")
	h := iaphttp.JWKSHandler(func() jwtkit.JWKS {
		return jwtkit.JWKS{Keys: []jwtkit.JWK{jwtkit.ECPublicToJWK(signer.PublicKey(), signer.KID())}}
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var doc jwtkit.JWKS
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Len(t, doc.Keys, 1)
	require.Equal(t, "EC", doc.Keys[0].Kty)
	require.Equal(t, signer.KID(), doc.Keys[0].Kid)
}
