package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/iapkit/adapters/ginutil"
	"github.com/PaulFidika/iapkit/core"
)

func HandlePurchasesRestorePOST(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	type restoreReq struct {
		TransactionIDs []string `json:"transaction_ids"`
	}
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLRestore) {
			ginutil.TooMany(c)
			return
		}
		uid, ok := ginutil.UserID(c)
		if !ok {
			ginutil.Unauthorized(c, "unauthorized")
			return
		}
		var req restoreReq
		if err := c.ShouldBindJSON(&req); err != nil || len(req.TransactionIDs) == 0 {
			ginutil.BadRequest(c, "invalid_request")
			return
		}
		ents, err := svc.Restore(c.Request.Context(), uid, req.TransactionIDs)
		if errors.Is(err, core.ErrNothingToRestore) {
			c.JSON(http.StatusNotFound, gin.H{"error": "nothing_to_restore", "entitlements": ents})
			return
		}
		if err != nil {
			writeServiceErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"restored": true, "entitlements": ents})
	}
}
