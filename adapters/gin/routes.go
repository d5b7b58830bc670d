package iapgin

import (
	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/iapkit/adapters/gin/handlers"
	"github.com/PaulFidika/iapkit/adapters/ginutil"
	"github.com/PaulFidika/iapkit/core"
)

// Options configures route registration.
type Options struct {
	RateLimiter ginutil.RateLimiter
	Language    *LanguageConfig
	// UserHeader, when set, trusts this header for the caller's user id.
	UserHeader string
	// Enqueue enables POST /entitlements/refresh?async=true.
	Enqueue handlers.RefreshEnqueuer
}

// Register mounts the purchase API on r:
//
//	GET  /products
//	GET  /entitlements
//	POST /entitlements/refresh
//	POST /purchases/restore
//	POST /notifications/appstore
func Register(r gin.IRouter, svc *core.Service, opts Options) {
	rl := opts.RateLimiter
	g := r.Group("", ginutil.WithLogger(svc.Logger()), LanguageMiddleware(opts.Language))
	g.GET("/products", handlers.HandleProductsGET(svc, rl))
	g.POST("/notifications/appstore", handlers.HandleNotificationsAppStorePOST(svc, rl))

	user := g.Group("")
	if opts.UserHeader != "" {
		user.Use(TrustedUserHeader(opts.UserHeader))
	}
	user.GET("/entitlements", handlers.HandleEntitlementsGET(svc, rl))
	user.POST("/entitlements/refresh", handlers.HandleEntitlementsRefreshPOST(svc, rl, opts.Enqueue))
	user.POST("/purchases/restore", handlers.HandlePurchasesRestorePOST(svc, rl))
}
