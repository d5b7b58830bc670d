package jwtkit

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AppStoreAudience is the audience App Store Server API tokens must carry.
const AppStoreAudience = "appstoreconnect-v1"

// MaxTokenTTL is the longest lifetime Apple accepts for an API token.
const MaxTokenTTL = 60 * time.Minute

// Signer issues bearer tokens for the App Store Server API.
type Signer interface {
	// KID returns the App Store Connect key id.
	KID() string
	// Token mints a signed bearer token and returns its expiry.
	Token(ctx context.Context) (token string, expiry time.Time, err error)
}

// ES256Signer signs App Store Connect API tokens with an in-app purchase key (.p8).
type ES256Signer struct {
	key      *ecdsa.PrivateKey
	kid      string
	issuerID string
	bundleID string
	ttl      time.Duration
	now      func() time.Time
}

// SignerConfig holds the App Store Connect credentials.
type SignerConfig struct {
	IssuerID      string        // App Store Connect issuer id (iss)
	KeyID         string        // key id (kid header)
	BundleID      string        // app bundle id (bid)
	PrivateKeyPEM []byte        // contents of the .p8 file
	TTL           time.Duration // default 20 minutes, capped at MaxTokenTTL
}

// NewES256Signer parses the private key and validates required fields.
func NewES256Signer(cfg SignerConfig) (*ES256Signer, error) {
	if strings.TrimSpace(cfg.IssuerID) == "" || strings.TrimSpace(cfg.KeyID) == "" {
		return nil, errors.New("jwtkit: issuer id and key id are required")
	}
	key, err := ParseECPrivateKeyPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	if ttl > MaxTokenTTL {
		ttl = MaxTokenTTL
	}
	return &ES256Signer{
		key:      key,
		kid:      strings.TrimSpace(cfg.KeyID),
		issuerID: strings.TrimSpace(cfg.IssuerID),
		bundleID: strings.TrimSpace(cfg.BundleID),
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// NewES256SignerFromKey wraps an already parsed key. Used by tests and key sources.
func NewES256SignerFromKey(key *ecdsa.PrivateKey, kid, issuerID, bundleID string) *ES256Signer {
	return &ES256Signer{key: key, kid: kid, issuerID: issuerID, bundleID: bundleID, ttl: 20 * time.Minute, now: time.Now}
}

func (s *ES256Signer) KID() string                    { return s.kid }
func (s *ES256Signer) PublicKey() *ecdsa.PublicKey    { return &s.key.PublicKey }
func (s *ES256Signer) PrivateKey() *ecdsa.PrivateKey  { return s.key }
func (s *ES256Signer) Algorithm() string              { return jwt.SigningMethodES256.Alg() }
func (s *ES256Signer) TTL() time.Duration             { return s.ttl }
func (s *ES256Signer) withClock(now func() time.Time) { s.now = now }

func (s *ES256Signer) Token(_ context.Context) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := jwt.MapClaims{
		"iss": s.issuerID,
		"iat": now.Unix(),
		"exp": exp.Unix(),
		"aud": AppStoreAudience,
	}
	if s.bundleID != "" {
		claims["bid"] = s.bundleID
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseECPrivateKeyPEM decodes a PKCS#8 or SEC1 ECDSA private key.
func ParseECPrivateKeyPEM(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	if len(pemBytes) == 0 {
		return nil, errors.New("jwtkit: empty private key pem")
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("jwtkit: invalid private key pem")
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Some keys might be in SEC1 EC format
		if k2, err2 := x509.ParseECPrivateKey(block.Bytes); err2 == nil {
			return k2, nil
		}
		return nil, err
	}
	key, ok := keyAny.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("jwtkit: private key is not ECDSA")
	}
	return key, nil
}

// ParseClaims verifies a token minted by s and returns its claims.
func (s *ES256Signer) ParseClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return &s.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}), jwt.WithAudience(AppStoreAudience), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
