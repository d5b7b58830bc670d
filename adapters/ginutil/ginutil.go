package ginutil

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Rate limit buckets.
const (
	RLDefault       = "default"
	RLRefresh       = "refresh"
	RLRestore       = "restore"
	RLNotifications = "notifications"
)

// UserIDKey is where an upstream auth middleware leaves the caller's id.
const UserIDKey = "auth.user_id"

const loggerKey = "iapkit.logger"

// WithLogger makes log the logger of every request it wraps.
func WithLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if log != nil {
			c.Set(loggerKey, log)
		}
		c.Next()
	}
}

// Logger returns the request's logger, the standard logger when none was set.
func Logger(c *gin.Context) logrus.FieldLogger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(logrus.FieldLogger); ok {
			return l
		}
	}
	return logrus.StandardLogger()
}

// RateLimiter is implemented by ratelimit/memory and ratelimit/redis.
type RateLimiter interface {
	AllowNamed(ctx context.Context, bucket, key string) (bool, error)
}

// AllowNamed checks bucket for the caller (user id, else client IP). A nil
// limiter or a limiter error lets the request through.
func AllowNamed(c *gin.Context, rl RateLimiter, bucket string) bool {
	if rl == nil {
		return true
	}
	key, ok := UserID(c)
	if !ok {
		key = c.ClientIP()
	}
	allowed, err := rl.AllowNamed(c.Request.Context(), bucket, key)
	if err != nil {
		Logger(c).WithError(err).WithField("bucket", bucket).Warn("iapkit: rate limiter unavailable")
		return true
	}
	return allowed
}

// UserID returns the authenticated caller's id.
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

func BadRequest(c *gin.Context, code string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code})
}

func Unauthorized(c *gin.Context, code string) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": code})
}

func NotFound(c *gin.Context, code string) {
	c.JSON(http.StatusNotFound, gin.H{"error": code})
}

func TooMany(c *gin.Context) {
	c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
}

func BadGateway(c *gin.Context, code string) {
	c.JSON(http.StatusBadGateway, gin.H{"error": code})
}

func ServerErr(c *gin.Context, code string) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": code})
}

// ServerErrWithLog logs err with request context before answering 500.
func ServerErrWithLog(c *gin.Context, code string, err error, msg string) {
	Logger(c).WithError(err).WithFields(logrus.Fields{
		"path":   c.FullPath(),
		"method": c.Request.Method,
	}).Error(msg)
	ServerErr(c, code)
}
