package iaphttp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/iapkit/appstore"
	"github.com/PaulFidika/iapkit/core"
)

// maxNotificationBytes bounds a Server Notification body; real payloads are a few KB.
const maxNotificationBytes = 1 << 20

// NotificationHandler is the net/http App Store Server Notifications V2 endpoint,
// for services that do not run gin. Responses match the gin handler.
func NotificationHandler(svc *core.Service, log logrus.FieldLogger) http.Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method_not_allowed"})
			return
		}
		var body appstore.NotificationBody
		if err := json.NewDecoder(io.LimitReader(r.Body, maxNotificationBytes)).Decode(&body); err != nil || strings.TrimSpace(body.SignedPayload) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
			return
		}
		res, err := svc.HandleNotification(r.Context(), body.SignedPayload)
		switch {
		case errors.Is(err, core.ErrMissingUser):
			log.WithField("notification_type", res.Type).Warn("iapkit: notification for unknown user acknowledged")
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": "unknown_user"})
		case errors.Is(err, appstore.ErrInvalidSignature), errors.Is(err, appstore.ErrBundleMismatch):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_signature"})
		case err != nil:
			log.WithError(err).Error("iapkit: failed to apply notification")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "notification_failed"})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "type": res.Type})
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
