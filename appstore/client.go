package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/PaulFidika/iapkit/entitlements"
	jwtkit "github.com/PaulFidika/iapkit/jwt"
)

const (
	ProductionBaseURL = "https://api.storekit.itunes.apple.com"
	SandboxBaseURL    = "https://api.storekit-sandbox.itunes.apple.com"

	requestTimeout = 30 * time.Second
	// history pages are capped so a misbehaving upstream cannot loop forever
	maxHistoryPages = 100
)

// Client calls the App Store Server API.
type Client struct {
	baseURL         string
	sandboxURL      string
	sandboxFallback bool
	userAgent       string
	httpClient      *http.Client
	signer          jwtkit.Signer
	verifier        *Verifier
	log             logrus.FieldLogger
}

type OptFunc func(*Client)

// WithEnvironment selects the production or sandbox API ("production" or "sandbox").
func WithEnvironment(env string) OptFunc {
	return func(c *Client) {
		switch strings.TrimSpace(strings.ToLower(env)) {
		case "sandbox", "test", "staging":
			c.baseURL = SandboxBaseURL
		case "production", "prod", "live":
			c.baseURL = ProductionBaseURL
		}
	}
}

func WithBaseURL(baseURL string) OptFunc {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithSandboxFallback retries the sandbox API when production does not know a transaction.
// Useful while TestFlight and review builds hit a production backend.
func WithSandboxFallback() OptFunc {
	return func(c *Client) { c.sandboxFallback = true }
}

// WithSandboxBaseURL overrides the URL used for sandbox fallback.
func WithSandboxBaseURL(baseURL string) OptFunc {
	return func(c *Client) {
		if baseURL != "" {
			c.sandboxURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithUserAgent(userAgent string) OptFunc {
	return func(c *Client) { c.userAgent = userAgent }
}

// WithHTTPClient sets the base client. Its transport is wrapped with bearer auth.
func WithHTTPClient(httpClient *http.Client) OptFunc {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithVerifier(v *Verifier) OptFunc {
	return func(c *Client) {
		if v != nil {
			c.verifier = v
		}
	}
}

func WithLogger(l logrus.FieldLogger) OptFunc {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient builds a client that authenticates every request with tokens from signer.
func NewClient(signer jwtkit.Signer, opts ...OptFunc) *Client {
	c := &Client{
		baseURL:    ProductionBaseURL,
		sandboxURL: SandboxBaseURL,
		userAgent:  "iapkit",
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		signer: signer,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.verifier == nil {
		c.verifier = NewVerifier()
	}
	if signer != nil {
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		c.httpClient = &http.Client{
			Timeout:   c.httpClient.Timeout,
			Transport: &oauth2.Transport{Source: NewTokenSource(signer), Base: base},
		}
	}
	return c
}

func (c *Client) BaseURL() string     { return c.baseURL }
func (c *Client) Verifier() *Verifier { return c.verifier }

// ParseNotification verifies an App Store Server Notification V2 signedPayload.
func (c *Client) ParseNotification(ctx context.Context, signedPayload string) (Notification, error) {
	return c.verifier.ParseNotification(ctx, signedPayload)
}

type transactionInfoResponse struct {
	SignedTransactionInfo string `json:"signedTransactionInfo"`
}

type historyResponse struct {
	Revision           string   `json:"revision"`
	HasMore            bool     `json:"hasMore"`
	BundleID           string   `json:"bundleId"`
	Environment        string   `json:"environment"`
	SignedTransactions []string `json:"signedTransactions"`
}

// GetTransactionInfo fetches and verifies a single transaction.
func (c *Client) GetTransactionInfo(ctx context.Context, transactionID string) (entitlements.Transaction, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return entitlements.Transaction{}, errors.New("appstore: transaction id is required")
	}
	var resp transactionInfoResponse
	err := c.withFallback(ctx, func(base string) error {
		return c.doRequest(ctx, base, "/inApps/v1/transactions/"+url.PathEscape(transactionID), nil, &resp)
	})
	if err != nil {
		return entitlements.Transaction{}, err
	}
	if resp.SignedTransactionInfo == "" {
		return entitlements.Transaction{}, fmt.Errorf("%w: empty signedTransactionInfo", ErrTransactionNotFound)
	}
	tx, err := c.verifier.VerifyTransaction(ctx, resp.SignedTransactionInfo)
	if err != nil {
		return entitlements.Transaction{}, err
	}
	if tx.ID != transactionID {
		return entitlements.Transaction{}, fmt.Errorf("%w: transaction id mismatch", ErrInvalidSignature)
	}
	return tx, nil
}

// GetTransactionHistory returns every verified transaction for the customer
// owning transactionID, following revision pagination.
func (c *Client) GetTransactionHistory(ctx context.Context, transactionID string) ([]entitlements.Transaction, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, errors.New("appstore: transaction id is required")
	}
	var out []entitlements.Transaction
	err := c.withFallback(ctx, func(base string) error {
		out = out[:0]
		revision := ""
		for page := 0; page < maxHistoryPages; page++ {
			q := url.Values{}
			q.Set("sort", "ASCENDING")
			if revision != "" {
				q.Set("revision", revision)
			}
			var resp historyResponse
			path := "/inApps/v2/history/" + url.PathEscape(transactionID)
			if err := c.doRequest(ctx, base, path, q, &resp); err != nil {
				return err
			}
			for _, signed := range resp.SignedTransactions {
				tx, err := c.verifier.VerifyTransaction(ctx, signed)
				if err != nil {
					return err
				}
				out = append(out, tx)
			}
			if !resp.HasMore || resp.Revision == "" {
				return nil
			}
			revision = resp.Revision
		}
		c.log.WithField("transaction_id", MaskID(transactionID)).Warn("appstore: history pagination truncated")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withFallback runs fn against the configured API and, when allowed, retries
// the sandbox on ErrTransactionNotFound.
func (c *Client) withFallback(ctx context.Context, fn func(base string) error) error {
	err := fn(c.baseURL)
	if err == nil || !c.sandboxFallback || c.baseURL == c.sandboxURL || !errors.Is(err, ErrTransactionNotFound) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	c.log.Debug("appstore: retrying against sandbox")
	return fn(c.sandboxURL)
}

func (c *Client) doRequest(ctx context.Context, base, path string, query url.Values, responseBody any) error {
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.log.WithFields(logrus.Fields{
		"path":    redactPath(path),
		"status":  resp.StatusCode,
		"elapsed": time.Since(start).String(),
	}).Debug("appstore: request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(responseBody); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func redactPath(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return path
	}
	return path[:i+1] + MaskID(path[i+1:])
}

// MaskID hides all but the last four characters of an identifier for logs.
func MaskID(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
}
