package jwtkit

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
)

// JWK minimal fields for P-256 public keys.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	X   string `json:"x"` // base64url
	Y   string `json:"y"` // base64url
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

// ECPublicToJWK converts a P-256 public key to a JWK.
func ECPublicToJWK(pub *ecdsa.PublicKey, kid string) JWK {
	size := (pub.Curve.Params().BitSize + 7) / 8
	return JWK{
		Kty: "EC",
		Crv: pub.Curve.Params().Name,
		Use: "sig",
		Kid: kid,
		Alg: "ES256",
		X:   base64URLEncode(pub.X, size),
		Y:   base64URLEncode(pub.Y, size),
	}
}

// ServeJWKS writes JWKS JSON to the ResponseWriter.
func ServeJWKS(w http.ResponseWriter, r *http.Request, ks JWKS) {
	// Marshal first to compute a stable ETag and set cache headers
	b, _ := json.Marshal(ks)
	sum := sha256.Sum256(b)
	etag := "\"" + hex.EncodeToString(sum[:]) + "\""

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300, must-revalidate")
	w.Header().Set("ETag", etag)
	_, _ = w.Write(b)
}

// base64URLEncode left-pads coordinates to the curve size as RFC 7518 requires.
func base64URLEncode(i *big.Int, size int) string {
	b := i.Bytes()
	if len(b) < size {
		padded := make([]byte, size)
		copy(padded[size-len(b):], b)
		b = padded
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
