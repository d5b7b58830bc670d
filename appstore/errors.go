package appstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	ErrTransactionNotFound = errors.New("appstore: transaction not found")
	ErrUnauthorized        = errors.New("appstore: unauthorized")
	ErrRateLimitExceeded   = errors.New("appstore: rate limit exceeded")
	ErrInvalidSignature    = errors.New("appstore: invalid signature")
	ErrBundleMismatch      = errors.New("appstore: bundle id mismatch")
)

const (
	maxErrorBodyBytes   = 64 * 1024
	truncatedBodySuffix = " (truncated)"
)

// APIError is returned for App Store Server API failures that map to no sentinel.
type APIError struct {
	StatusCode int
	ErrorCode  int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("appstore api error (status %d)", e.StatusCode)
	}
	if e.ErrorCode != 0 {
		return fmt.Sprintf("appstore api error (status %d, code %d): %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("appstore api error (status %d): %s", e.StatusCode, e.Message)
}

type errorResponse struct {
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes+1))
	truncated := len(body) > maxErrorBodyBytes
	if truncated {
		body = body[:maxErrorBodyBytes]
	}

	message := strings.TrimSpace(string(body))
	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.ErrorMessage != "" {
		message = payload.ErrorMessage
	}
	if truncated {
		if message == "" {
			message = strings.TrimSpace(truncatedBodySuffix)
		} else {
			message += truncatedBodySuffix
		}
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return wrapError(ErrTransactionNotFound, message)
	case http.StatusUnauthorized:
		return wrapError(ErrUnauthorized, message)
	case http.StatusTooManyRequests:
		return wrapError(ErrRateLimitExceeded, message)
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		ErrorCode:  payload.ErrorCode,
		Message:    message,
	}
}

func wrapError(base error, message string) error {
	if message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}
