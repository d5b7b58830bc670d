package appstore

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/cert"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/PaulFidika/iapkit/entitlements"
)

// AppleJWKSURL publishes App Store Server API signing keys for kid-based verification.
const AppleJWKSURL = "https://apple.com/.well-known/appstoreconnect/keys"

const jwksCacheTTL = 30 * time.Minute

// Verifier validates JWS payloads signed by the App Store.
type Verifier struct {
	roots      *x509.CertPool
	jwksURL    string
	httpClient *http.Client
	bundleID   string
	now        func() time.Time

	mu         sync.Mutex
	keySet     jwk.Set
	keySetExp  time.Time
	staticKeys bool
}

// VerifierOpt configures a Verifier.
type VerifierOpt func(*Verifier)

// WithRootCertificates replaces the trusted roots for x5c chains.
func WithRootCertificates(pool *x509.CertPool) VerifierOpt {
	return func(v *Verifier) {
		if pool != nil {
			v.roots = pool
		}
	}
}

// WithJWKSURL sets where keys are fetched when a payload carries no x5c chain.
// An empty url disables the fallback.
func WithJWKSURL(url string) VerifierOpt {
	return func(v *Verifier) { v.jwksURL = url }
}

// WithKeySet pins the fallback key set instead of fetching it.
func WithKeySet(set jwk.Set) VerifierOpt {
	return func(v *Verifier) {
		v.keySet = set
		v.staticKeys = set != nil
	}
}

// WithBundleID rejects payloads issued for another app.
func WithBundleID(bundleID string) VerifierOpt {
	return func(v *Verifier) { v.bundleID = strings.TrimSpace(bundleID) }
}

func WithVerifierHTTPClient(c *http.Client) VerifierOpt {
	return func(v *Verifier) {
		if c != nil {
			v.httpClient = c
		}
	}
}

// WithVerifierClock sets the instant certificate chains are checked at.
func WithVerifierClock(now func() time.Time) VerifierOpt {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier builds a verifier trusting Apple Root CA - G3 unless roots are given.
func NewVerifier(opts ...VerifierOpt) *Verifier {
	v := &Verifier{
		roots:      AppleRoots(),
		jwksURL:    AppleJWKSURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// BundleID returns the expected bundle id, if any.
func (v *Verifier) BundleID() string { return v.bundleID }

// Verify checks the signature of a compact JWS and returns its payload.
func (v *Verifier) Verify(ctx context.Context, compact string) ([]byte, error) {
	compact = strings.TrimSpace(compact)
	if compact == "" {
		return nil, fmt.Errorf("%w: empty signed payload", ErrInvalidSignature)
	}
	msg, err := jws.Parse([]byte(compact))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return nil, fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	hdr := sigs[0].ProtectedHeaders()
	if hdr.Algorithm() != jwa.ES256 {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidSignature, hdr.Algorithm())
	}

	if chain := hdr.X509CertChain(); chain != nil && chain.Len() > 0 {
		leaf, err := v.verifyChain(chain)
		if err != nil {
			return nil, err
		}
		payload, err := jws.Verify([]byte(compact), jws.WithKey(jwa.ES256, leaf.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return payload, nil
	}

	set, err := v.keys(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := jws.Verify([]byte(compact), jws.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return payload, nil
}

func (v *Verifier) verifyChain(chain *cert.Chain) (*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, chain.Len())
	for i := 0; i < chain.Len(); i++ {
		raw, _ := chain.Get(i)
		c, err := cert.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: x5c[%d]: %v", ErrInvalidSignature, i, err)
		}
		certs = append(certs, c)
	}
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	chains, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: certificate chain: %v", ErrInvalidSignature, err)
	}
	for _, chain := range chains {
		if err = checkAppleMarkers(chain); err == nil {
			return certs[0], nil
		}
	}
	return nil, err
}

func (v *Verifier) keys(ctx context.Context) (jwk.Set, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keySet != nil && (v.staticKeys || v.now().Before(v.keySetExp)) {
		return v.keySet, nil
	}
	if v.jwksURL == "" {
		return nil, fmt.Errorf("%w: no x5c chain and no key set", ErrInvalidSignature)
	}
	set, err := v.fetchKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch appstore keys: %w", err)
	}
	v.keySet = set
	v.keySetExp = v.now().Add(jwksCacheTTL)
	return set, nil
}

func (v *Verifier) fetchKeys(ctx context.Context) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return nil, err
	}
	return jwk.Parse(body)
}

// VerifyTransaction verifies signedTransactionInfo and returns the record.
func (v *Verifier) VerifyTransaction(ctx context.Context, signed string) (entitlements.Transaction, error) {
	payload, err := v.Verify(ctx, signed)
	if err != nil {
		return entitlements.Transaction{}, err
	}
	var p TransactionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return entitlements.Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	if err := v.checkBundle(p.BundleID); err != nil {
		return entitlements.Transaction{}, err
	}
	return p.Transaction(), nil
}

// VerifyRenewalInfo verifies signedRenewalInfo.
func (v *Verifier) VerifyRenewalInfo(ctx context.Context, signed string) (RenewalInfoPayload, error) {
	payload, err := v.Verify(ctx, signed)
	if err != nil {
		return RenewalInfoPayload{}, err
	}
	var p RenewalInfoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return RenewalInfoPayload{}, fmt.Errorf("decode renewal info: %w", err)
	}
	return p, nil
}

func (v *Verifier) checkBundle(got string) error {
	if v.bundleID != "" && got != "" && got != v.bundleID {
		return fmt.Errorf("%w: %s", ErrBundleMismatch, got)
	}
	return nil
}
