// Package iaptest provides utilities for testing applications that use iapkit.
// It provides a fake App Store Server API that signs transactions the way Apple
// does, enabling integration tests without sandbox accounts.
//
// Example usage:
//
//	store := iaptest.NewFakeAppStore("com.example.app")
//	defer store.Close()
//
//	store.AddTransaction(entitlements.Transaction{ID: "1000", ProductID: "monthlyPremium", ...})
//
//	client := store.Client()
//	txs, err := client.GetTransactionHistory(ctx, "1000")
package iaptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/cert"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"

	iaphttp "github.com/PaulFidika/iapkit/adapters/http"
	"github.com/PaulFidika/iapkit/appstore"
	"github.com/PaulFidika/iapkit/entitlements"
	jwtkit "github.com/PaulFidika/iapkit/jwt"
)

const (
	keysPath        = "/keys"
	defaultPageSize = 20
	fallbackKeyID   = "fake-appstore-key"
)

// FakeAppStore serves the transaction and history endpoints of the App Store
// Server API from memory. Payloads are signed with a throwaway certificate chain
// (root, intermediate, leaf) carried in the x5c header.
type FakeAppStore struct {
	server   *httptest.Server
	bundleID string

	rootPool *x509.CertPool
	rootPEM  []byte
	chain    *cert.Chain
	leafKey  *ecdsa.PrivateKey
	// signs kid-only payloads verified through the JWKS endpoint
	fallbackKey *ecdsa.PrivateKey
	apiSigner   *jwtkit.ES256Signer

	mu       sync.Mutex
	txs      []entitlements.Transaction
	pageSize int
	failures []failure
	requests int
}

type failure struct {
	status int
	body   string
}

// NewFakeAppStore starts a fake App Store for bundleID.
// Call Close() when done to shut down the test server.
func NewFakeAppStore(bundleID string) *FakeAppStore {
	f := &FakeAppStore{bundleID: bundleID, pageSize: defaultPageSize}
	f.mustBuildChain()

	apiKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("failed to create api key: " + err.Error())
	}
	f.apiSigner = jwtkit.NewES256SignerFromKey(apiKey, "FAKEKEY123", "fake-issuer", bundleID)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /inApps/v1/transactions/{id}", f.handleTransaction)
	mux.HandleFunc("GET /inApps/v2/history/{id}", f.handleHistory)
	mux.Handle("GET "+keysPath, iaphttp.JWKSHandler(f.jwks))
	f.server = httptest.NewServer(mux)
	return f
}

// URL returns the base URL of the fake API.
func (f *FakeAppStore) URL() string { return f.server.URL }

// JWKSURL returns where the fallback signing key is published.
func (f *FakeAppStore) JWKSURL() string { return f.server.URL + keysPath }

// BundleID returns the bundle id payloads are issued for.
func (f *FakeAppStore) BundleID() string { return f.bundleID }

// RootPEM is the fake chain's root certificate in PEM form.
func (f *FakeAppStore) RootPEM() []byte { return f.rootPEM }

// RootPool trusts the fake chain's root.
func (f *FakeAppStore) RootPool() *x509.CertPool { return f.rootPool }

// Signer returns the API credentials the fake accepts.
func (f *FakeAppStore) Signer() *jwtkit.ES256Signer { return f.apiSigner }

// Close shuts down the test server.
func (f *FakeAppStore) Close() {
	if f.server != nil {
		f.server.Close()
	}
}

// Verifier returns a verifier that trusts this fake.
func (f *FakeAppStore) Verifier(opts ...appstore.VerifierOpt) *appstore.Verifier {
	base := []appstore.VerifierOpt{
		appstore.WithRootCertificates(f.rootPool),
		appstore.WithJWKSURL(f.JWKSURL()),
		appstore.WithBundleID(f.bundleID),
		appstore.WithVerifierHTTPClient(f.server.Client()),
	}
	return appstore.NewVerifier(append(base, opts...)...)
}

// Client returns an API client pointed at this fake.
func (f *FakeAppStore) Client(opts ...appstore.OptFunc) *appstore.Client {
	base := []appstore.OptFunc{
		appstore.WithBaseURL(f.URL()),
		appstore.WithHTTPClient(f.server.Client()),
		appstore.WithVerifier(f.Verifier()),
	}
	return appstore.NewClient(f.apiSigner, append(base, opts...)...)
}

// AddTransaction records tx. Missing bundle id, original id and environment are filled in.
func (f *FakeAppStore) AddTransaction(txs ...entitlements.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range txs {
		if tx.BundleID == "" {
			tx.BundleID = f.bundleID
		}
		if tx.OriginalID == "" {
			tx.OriginalID = tx.ID
		}
		if tx.Environment == "" {
			tx.Environment = appstore.EnvironmentSandbox
		}
		f.txs = append(f.txs, tx)
	}
}

// SetPageSize controls how many transactions a history page carries.
func (f *FakeAppStore) SetPageSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > 0 {
		f.pageSize = n
	}
}

// FailNext makes the next API call answer with status and an Apple error body.
func (f *FakeAppStore) FailNext(status int, errorCode int, message string) {
	b, _ := json.Marshal(map[string]any{"errorCode": errorCode, "errorMessage": message})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure{status: status, body: string(b)})
}

// Requests returns how many API calls the fake answered.
func (f *FakeAppStore) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

// SignTransaction signs tx as signedTransactionInfo with the x5c chain.
func (f *FakeAppStore) SignTransaction(tx entitlements.Transaction) string {
	p := appstore.PayloadFromTransaction(tx)
	p.SignedDate = time.Now().UnixMilli()
	return f.sign(p)
}

// SignTransactionWithKeyID signs tx without a chain, verifiable through JWKSURL.
func (f *FakeAppStore) SignTransactionWithKeyID(tx entitlements.Transaction) string {
	b, err := json.Marshal(appstore.PayloadFromTransaction(tx))
	if err != nil {
		panic(err)
	}
	hdrs := jws.NewHeaders()
	_ = hdrs.Set(jws.KeyIDKey, fallbackKeyID)
	out, err := jws.Sign(b, jws.WithKey(jwa.ES256, f.fallbackKey, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		panic("failed to sign payload: " + err.Error())
	}
	return string(out)
}

// SignNotification builds a signedPayload for a Server Notification V2.
// tx may be nil for notifications without transaction data (TEST).
func (f *FakeAppStore) SignNotification(notificationType, subtype string, tx *entitlements.Transaction) string {
	data := map[string]any{
		"bundleId":    f.bundleID,
		"environment": appstore.EnvironmentSandbox,
	}
	if tx != nil {
		t := *tx
		if t.BundleID == "" {
			t.BundleID = f.bundleID
		}
		data["signedTransactionInfo"] = f.SignTransaction(t)
		if t.Type == entitlements.AutoRenewable {
			data["signedRenewalInfo"] = f.sign(appstore.RenewalInfoPayload{
				OriginalTransactionID: t.OriginalID,
				ProductID:             t.ProductID,
				AutoRenewProductID:    t.ProductID,
				AutoRenewStatus:       1,
				Environment:           appstore.EnvironmentSandbox,
			})
		}
	}
	return f.sign(map[string]any{
		"notificationType": notificationType,
		"subtype":          subtype,
		"notificationUUID": uuid.NewString(),
		"version":          "2.0",
		"signedDate":       time.Now().UnixMilli(),
		"data":             data,
	})
}

func (f *FakeAppStore) sign(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	hdrs := jws.NewHeaders()
	_ = hdrs.Set(jws.X509CertChainKey, f.chain)
	out, err := jws.Sign(b, jws.WithKey(jwa.ES256, f.leafKey, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		panic("failed to sign payload: " + err.Error())
	}
	return string(out)
}

func (f *FakeAppStore) authorize(w http.ResponseWriter, r *http.Request) bool {
	f.mu.Lock()
	f.requests++
	var fail *failure
	if len(f.failures) > 0 {
		fail = &f.failures[0]
		f.failures = f.failures[1:]
	}
	f.mu.Unlock()

	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if _, err := f.apiSigner.ParseClaims(raw); err != nil {
		writeAPIError(w, http.StatusUnauthorized, `{"errorCode":4010000,"errorMessage":"Unauthenticated"}`)
		return false
	}
	if fail != nil {
		writeAPIError(w, fail.status, fail.body)
		return false
	}
	return true
}

func (f *FakeAppStore) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !f.authorize(w, r) {
		return
	}
	id := r.PathValue("id")
	f.mu.Lock()
	idx := slices.IndexFunc(f.txs, func(tx entitlements.Transaction) bool { return tx.ID == id })
	var tx entitlements.Transaction
	if idx >= 0 {
		tx = f.txs[idx]
	}
	f.mu.Unlock()
	if idx < 0 {
		writeAPIError(w, http.StatusNotFound, `{"errorCode":4040010,"errorMessage":"Transaction id not found."}`)
		return
	}
	writeJSON(w, map[string]string{"signedTransactionInfo": f.SignTransaction(tx)})
}

func (f *FakeAppStore) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !f.authorize(w, r) {
		return
	}
	id := r.PathValue("id")
	f.mu.Lock()
	history := f.historyFor(id)
	pageSize := f.pageSize
	f.mu.Unlock()
	if len(history) == 0 {
		writeAPIError(w, http.StatusNotFound, `{"errorCode":4040010,"errorMessage":"Transaction id not found."}`)
		return
	}

	start, _ := strconv.Atoi(r.URL.Query().Get("revision"))
	if start < 0 || start > len(history) {
		start = len(history)
	}
	end := min(start+pageSize, len(history))
	signed := make([]string, 0, end-start)
	for _, tx := range history[start:end] {
		signed = append(signed, f.SignTransaction(tx))
	}
	writeJSON(w, map[string]any{
		"revision":           strconv.Itoa(end),
		"hasMore":            end < len(history),
		"bundleId":           f.bundleID,
		"environment":        appstore.EnvironmentSandbox,
		"signedTransactions": signed,
	})
}

// historyFor returns the customer's transactions: those sharing the app account
// token of id's transaction, or its original transaction id when no token is set.
func (f *FakeAppStore) historyFor(id string) []entitlements.Transaction {
	idx := slices.IndexFunc(f.txs, func(tx entitlements.Transaction) bool { return tx.ID == id || tx.OriginalID == id })
	if idx < 0 {
		return nil
	}
	anchor := f.txs[idx]
	var out []entitlements.Transaction
	for _, tx := range f.txs {
		switch {
		case anchor.AppAccountToken != "" && tx.AppAccountToken == anchor.AppAccountToken:
			out = append(out, tx)
		case anchor.AppAccountToken == "" && tx.OriginalID == anchor.OriginalID:
			out = append(out, tx)
		}
	}
	slices.SortStableFunc(out, func(a, b entitlements.Transaction) int { return a.PurchasedAt.Compare(b.PurchasedAt) })
	return out
}

func (f *FakeAppStore) jwks() jwtkit.JWKS {
	return jwtkit.JWKS{Keys: []jwtkit.JWK{jwtkit.ECPublicToJWK(&f.fallbackKey.PublicKey, fallbackKeyID)}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (f *FakeAppStore) mustBuildChain() {
	notBefore := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

	newKey := func() *ecdsa.PrivateKey {
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic("failed to create key: " + err.Error())
		}
		return k
	}
	// Apple marks its WWDR intermediates and App Store signing leaves with
	// these extensions; the verifier insists on them.
	wwdrMarker := asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 2, 1}
	signerMarker := asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 11, 1}

	create := func(serial int64, cn string, isCA bool, marker asn1.ObjectIdentifier, pub *ecdsa.PublicKey, parent *x509.Certificate, signer *ecdsa.PrivateKey) (*x509.Certificate, []byte) {
		tmpl := &x509.Certificate{
			SerialNumber:          big.NewInt(serial),
			Subject:               pkix.Name{CommonName: cn, Organization: []string{"iapkit test"}},
			NotBefore:             notBefore,
			NotAfter:              notAfter,
			BasicConstraintsValid: true,
			IsCA:                  isCA,
			KeyUsage:              x509.KeyUsageDigitalSignature,
		}
		if isCA {
			tmpl.KeyUsage |= x509.KeyUsageCertSign
		}
		if marker != nil {
			tmpl.ExtraExtensions = []pkix.Extension{{Id: marker, Value: []byte{0x05, 0x00}}}
		}
		if parent == nil {
			parent = tmpl
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
		if err != nil {
			panic("failed to create certificate: " + err.Error())
		}
		c, err := x509.ParseCertificate(der)
		if err != nil {
			panic("failed to parse certificate: " + err.Error())
		}
		return c, der
	}

	rootKey, intKey := newKey(), newKey()
	f.leafKey = newKey()
	f.fallbackKey = newKey()

	root, rootDER := create(1, "Fake Root CA", true, nil, &rootKey.PublicKey, nil, rootKey)
	inter, intDER := create(2, "Fake Intermediate CA", true, wwdrMarker, &intKey.PublicKey, root, rootKey)
	_, leafDER := create(3, "Fake App Store Signer", false, signerMarker, &f.leafKey.PublicKey, inter, intKey)

	f.rootPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER})

	f.rootPool = x509.NewCertPool()
	f.rootPool.AddCert(root)

	f.chain = &cert.Chain{}
	for _, der := range [][]byte{leafDER, intDER, rootDER} {
		enc, err := cert.EncodeBase64(der)
		if err != nil {
			panic(err)
		}
		_ = f.chain.Add(enc)
	}
}
