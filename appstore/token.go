package appstore

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	jwtkit "github.com/PaulFidika/iapkit/jwt"
)

type signerTokenSource struct {
	signer jwtkit.Signer
}

func (s signerTokenSource) Token() (*oauth2.Token, error) {
	tok, exp, err := s.signer.Token(context.Background())
	if err != nil {
		return nil, fmt.Errorf("appstore: mint api token: %w", err)
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer", Expiry: exp}, nil
}

// NewTokenSource reuses a minted token until shortly before it expires.
func NewTokenSource(signer jwtkit.Signer) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, signerTokenSource{signer: signer})
}
