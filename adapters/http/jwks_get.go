package iaphttp

import (
	"net/http"

	jwtkit "github.com/PaulFidika/iapkit/jwt"
)

// JWKSHandler serves a public JWKS document built from keys.
func JWKSHandler(keys func() jwtkit.JWKS) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jwtkit.ServeJWKS(w, r, keys())
	})
}
