package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/iapkit/adapters/ginutil"
	"github.com/PaulFidika/iapkit/core"
)

// RefreshEnqueuer schedules a background refresh (jobs.EnqueueRefresh).
type RefreshEnqueuer func(ctx context.Context, userID string, originalTransactionIDs ...string) error

// HandleEntitlementsRefreshPOST re-fetches the caller's App Store history.
// With ?async=true and an enqueuer the refresh is queued and 202 returned.
func HandleEntitlementsRefreshPOST(svc *core.Service, rl ginutil.RateLimiter, enqueue RefreshEnqueuer) gin.HandlerFunc {
	type refreshReq struct {
		OriginalTransactionIDs []string `json:"original_transaction_ids"`
	}
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLRefresh) {
			ginutil.TooMany(c)
			return
		}
		uid, ok := ginutil.UserID(c)
		if !ok {
			ginutil.Unauthorized(c, "unauthorized")
			return
		}
		var req refreshReq
		// empty body refreshes every stored chain
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				ginutil.BadRequest(c, "invalid_request")
				return
			}
		}
		if enqueue != nil && c.Query("async") == "true" {
			if err := enqueue(c.Request.Context(), uid, req.OriginalTransactionIDs...); err != nil {
				ginutil.ServerErrWithLog(c, "enqueue_failed", err, "iapkit: failed to enqueue refresh")
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"queued": true})
			return
		}
		ents, err := svc.Refresh(c.Request.Context(), uid, req.OriginalTransactionIDs...)
		if err != nil {
			writeServiceErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entitlements": ents})
	}
}
