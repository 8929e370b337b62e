package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nextTPCloud/Omerix-sub006/internal/core"
)

const (
	headerTenant       = "X-Tenant-ID"
	headerDeviceUID    = "X-Device-UID"
	headerDeviceSecret = "X-Device-Secret"
)

// RequestLogger logs HTTP requests.
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"tenant":     c.GetString("tenant"),
		}).Info("HTTP Request")
	}
}

// Recovery handles panics and prevents server crashes.
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"error":  err,
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				}).Error("Panic recovered")

				c.JSON(http.StatusInternalServerError, gin.H{
					"ok":    false,
					"error": "InternalError",
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// TenantResolver requires the tenant header on every request and stashes the
// tenant id in the context.
func TenantResolver() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := c.GetHeader(headerTenant)
		if tenant == "" {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "TenantRequired"})
			c.Abort()
			return
		}
		c.Set("tenant", tenant)
		c.Next()
	}
}

// DeviceAuthentication validates the terminal credential carried in headers.
// Receipt issuance is gated by nothing but this: quotas gate sessions, not
// transactions.
func DeviceAuthentication(devices *core.DeviceService) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetHeader(headerDeviceUID)
		secret := c.GetHeader(headerDeviceSecret)
		if uid == "" || secret == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "DeviceCredentialRequired"})
			c.Abort()
			return
		}

		device, err := devices.Authenticate(c.Request.Context(), c.GetString("tenant"), uid, secret)
		if err != nil {
			respondError(c, err)
			c.Abort()
			return
		}

		c.Set("device", device)
		c.Next()
	}
}

// respondError maps the closed business error set to statuses and the
// uniform {ok:false, error:kind} shape. Unknown errors are internal faults.
func respondError(c *gin.Context, err error) {
	be, ok := core.IsBusiness(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "InternalError"})
		return
	}

	status := http.StatusConflict
	switch be.Code {
	case core.ErrInvalidToken.Code, core.ErrInvalidCredential.Code, core.ErrStaleCredential.Code:
		status = http.StatusUnauthorized
	case core.ErrDeviceNotFound.Code, core.ErrOperatorNotFound.Code, core.ErrSessionNotFound.Code:
		status = http.StatusNotFound
	case core.ErrDeviceInactive.Code, core.ErrOperatorInactive.Code:
		status = http.StatusForbidden
	case core.ErrLedgerWriteConflict.Code:
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{"ok": false, "error": be.Code})
}
