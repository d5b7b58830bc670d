package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/iapkit/adapters/ginutil"
	"github.com/PaulFidika/iapkit/appstore"
	"github.com/PaulFidika/iapkit/core"
)

// writeServiceErr maps service and App Store failures to responses.
func writeServiceErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrMissingUser):
		ginutil.Unauthorized(c, "unauthorized")
	case errors.Is(err, core.ErrUnknownProduct):
		ginutil.NotFound(c, "unknown_product")
	case errors.Is(err, appstore.ErrTransactionNotFound):
		ginutil.NotFound(c, "transaction_not_found")
	case errors.Is(err, appstore.ErrRateLimitExceeded):
		ginutil.TooMany(c)
	case errors.Is(err, appstore.ErrInvalidSignature), errors.Is(err, appstore.ErrBundleMismatch):
		ginutil.BadGateway(c, "untrusted_transaction")
	case isAPIError(err), errors.Is(err, appstore.ErrUnauthorized):
		ginutil.BadGateway(c, "appstore_unavailable")
	default:
		ginutil.ServerErrWithLog(c, "internal_error", err, "iapkit: request failed")
	}
}

func isAPIError(err error) bool {
	var apiErr *appstore.APIError
	return errors.As(err, &apiErr)
}
