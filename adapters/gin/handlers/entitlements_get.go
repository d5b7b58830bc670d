package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/iapkit/adapters/ginutil"
	"github.com/PaulFidika/iapkit/core"
	"github.com/PaulFidika/iapkit/entitlements"
)

// HandleEntitlementsGET classifies the caller's stored records.
// ?purchased=true limits the answer to entitlements that grant access;
// ?product_id=X answers for one product.
func HandleEntitlementsGET(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLDefault) {
			ginutil.TooMany(c)
			return
		}
		uid, ok := ginutil.UserID(c)
		if !ok {
			ginutil.Unauthorized(c, "unauthorized")
			return
		}
		ctx := c.Request.Context()

		if pid := c.Query("product_id"); pid != "" {
			purchased, err := svc.IsPurchased(ctx, uid, pid)
			if err != nil {
				writeServiceErr(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"product_id": pid, "purchased": purchased})
			return
		}

		var ents []entitlements.Entitlement
		var err error
		if c.Query("purchased") == "true" {
			ents, err = svc.PurchasedProducts(ctx, uid)
		} else {
			ents, err = svc.Entitlements(ctx, uid)
		}
		if err != nil {
			writeServiceErr(c, err)
			return
		}
		if ents == nil {
			ents = []entitlements.Entitlement{}
		}
		c.JSON(http.StatusOK, gin.H{"entitlements": ents})
	}
}
