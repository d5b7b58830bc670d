package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/iapkit/adapters/ginutil"
	"github.com/PaulFidika/iapkit/core"
	"github.com/PaulFidika/iapkit/entitlements"
	"github.com/PaulFidika/iapkit/lang"
)

type productView struct {
	entitlements.Product
	SpanLabel string `json:"span_label,omitempty"`
}

// HandleProductsGET lists the loaded catalog, cheapest first. Before the first
// catalog load it answers with example data and preview=true.
func HandleProductsGET(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLDefault) {
			ginutil.TooMany(c)
			return
		}
		products := svc.Products()
		preview := len(products) == 0
		if preview {
			products = entitlements.ExampleProducts()
		}
		ctx := c.Request.Context()
		out := make([]productView, 0, len(products))
		for _, p := range products {
			out = append(out, productView{Product: p, SpanLabel: lang.SpanLabelFromContext(ctx, p.Span)})
		}
		c.JSON(http.StatusOK, gin.H{"products": out, "preview": preview})
	}
}
