package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/iapkit/adapters/ginutil"
	"github.com/PaulFidika/iapkit/appstore"
	"github.com/PaulFidika/iapkit/core"
)

// HandleNotificationsAppStorePOST receives App Store Server Notifications V2.
// Payloads that fail verification get 400; notifications for users we cannot
// resolve are acknowledged so Apple stops retrying them.
func HandleNotificationsAppStorePOST(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLNotifications) {
			ginutil.TooMany(c)
			return
		}
		var body appstore.NotificationBody
		if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.SignedPayload) == "" {
			ginutil.BadRequest(c, "invalid_request")
			return
		}
		res, err := svc.HandleNotification(c.Request.Context(), body.SignedPayload)
		switch {
		case errors.Is(err, core.ErrMissingUser):
			ginutil.Logger(c).WithField("notification_type", res.Type).Warn("iapkit: notification for unknown user acknowledged")
			c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": "unknown_user"})
			return
		case errors.Is(err, appstore.ErrInvalidSignature), errors.Is(err, appstore.ErrBundleMismatch):
			ginutil.BadRequest(c, "invalid_signature")
			return
		case err != nil:
			ginutil.ServerErrWithLog(c, "notification_failed", err, "iapkit: failed to apply notification")
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "type": res.Type})
	}
}
