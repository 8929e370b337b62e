package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nextTPCloud/Omerix-sub006/internal/core"
)

// APIHandlers holds all HTTP handlers.
type APIHandlers struct {
	services *core.ServiceRegistry
}

// NewAPIHandlers creates a new handler instance.
func NewAPIHandlers(services *core.ServiceRegistry) *APIHandlers {
	return &APIHandlers{services: services}
}

// HealthCheck returns service health status.
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "pos-admission-api",
	})
}

// --- Activation ---

// GenerateToken issues an activation token for a new terminal.
func (h *APIHandlers) GenerateToken(c *gin.Context) {
	var req struct {
		OperatorID uint `json:"operator_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "InvalidRequest"})
		return
	}

	code, expiry, err := h.services.Devices.IssueActivationToken(c.Request.Context(), c.GetString("tenant"), req.OperatorID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"ok":         true,
		"code":       code,
		"expires_at": expiry,
	})
}

// ActivateDevice consumes an activation token and registers the terminal.
func (h *APIHandlers) ActivateDevice(c *gin.Context) {
	var req struct {
		Code         string  `json:"code" binding:"required"`
		Name         string  `json:"name" binding:"required"`
		Fingerprint  string  `json:"fingerprint" binding:"required"`
		WarehouseRef *string `json:"warehouse_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "InvalidRequest"})
		return
	}

	result, err := h.services.Devices.Activate(c.Request.Context(), c.GetString("tenant"),
		req.Code, req.Name, req.Fingerprint, req.WarehouseRef, c.ClientIP())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"ok":         true,
		"device_id":  result.Device.ID,
		"device_uid": result.Device.DeviceUID,
		"code":       result.Device.Code,
		"secret":     result.Secret, // returned once, never retrievable again
		"config": gin.H{
			"series_code":      result.Device.SeriesCode,
			"warehouse_ref":    result.Device.WarehouseRef,
			"discount_ceiling": result.Device.DiscountCeiling,
			"offline_allowed":  result.Device.OfflineAllowed,
			"printer_profile":  result.Device.PrinterProfile,
		},
	})
}

// --- Sessions ---

// Login opens an operator session on a terminal.
func (h *APIHandlers) Login(c *gin.Context) {
	var req struct {
		DeviceUID    string `json:"device_uid" binding:"required"`
		DeviceSecret string `json:"device_secret" binding:"required"`
		PIN          string `json:"pin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "InvalidRequest"})
		return
	}

	result, err := h.services.Sessions.Login(c.Request.Context(), c.GetString("tenant"),
		req.DeviceUID, req.DeviceSecret, req.PIN)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"session_uid": result.Session.SessionUID,
		"operator": gin.H{
			"id":   result.Operator.ID,
			"name": result.Operator.Name,
			"role": result.Operator.Role,
		},
	})
}

// Heartbeat refreshes session liveness. A missing or closed session is a
// soft condition: the terminal should treat it as already-closed and
// re-login, so it is reported in-band rather than as a failure status.
func (h *APIHandlers) Heartbeat(c *gin.Context) {
	var req struct {
		SessionUID string  `json:"session_uid" binding:"required"`
		ShiftRef   *string `json:"shift_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "InvalidRequest"})
		return
	}

	found, err := h.services.Sessions.Heartbeat(c.Request.Context(), c.GetString("tenant"), req.SessionUID, req.ShiftRef)
	if err != nil {
		respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": core.ErrSessionNotFound.Code})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Logout closes a session. Idempotent.
func (h *APIHandlers) Logout(c *gin.Context) {
	var req struct {
		SessionUID string `json:"session_uid" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "InvalidRequest"})
		return
	}

	if err := h.services.Sessions.Logout(c.Request.Context(), c.GetString("tenant"), req.SessionUID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- Device administration ---

// ListDevices returns the tenant's terminals.
func (h *APIHandlers) ListDevices(c *gin.Context) {
	devices, err := h.services.Devices.ListDevices(c.Request.Context(), c.GetString("tenant"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "devices": devices, "count": len(devices)})
}

// GetDevice retrieves device details.
func (h *APIHandlers) GetDevice(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	device, err := h.services.Devices.GetDevice(c.Request.Context(), c.GetString("tenant"), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "device": device})
}

// RevokeCredential forces re-authentication of a terminal. The fresh secret
// is returned once for out-of-band re-provisioning.
func (h *APIHandlers) RevokeCredential(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	secret, err := h.services.Devices.RevokeCredential(c.Request.Context(), c.GetString("tenant"), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "secret": secret})
}

// DeactivateDevice transitions a terminal to its irreversible final state.
func (h *APIHandlers) DeactivateDevice(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	c.ShouldBindJSON(&req)

	if err := h.services.Devices.Deactivate(c.Request.Context(), c.GetString("tenant"), id, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DeleteDevice hard-deletes a terminal that never ran sales.
func (h *APIHandlers) DeleteDevice(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	if err := h.services.Devices.Delete(c.Request.Context(), c.GetString("tenant"), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- Fiscal ledger ---

// CreateTicket issues a fiscal record for the authenticated terminal.
func (h *APIHandlers) CreateTicket(c *gin.Context) {
	deviceVal, exists := c.Get("device")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "DeviceCredentialRequired"})
		return
	}
	device := deviceVal.(*core.Device)

	var payload core.ReceiptPayload
	if err := c.ShouldBindJSON(&payload); err != nil || len(payload.Lines) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "InvalidRequest"})
		return
	}

	record, err := h.services.Ledger.IssueRecord(c.Request.Context(), c.GetString("tenant"), device, payload)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"ok": true, "record": record})
}

// VerifyChain runs a full chain verification for audit tooling.
func (h *APIHandlers) VerifyChain(c *gin.Context) {
	report, err := h.services.Ledger.VerifyChain(c.Request.Context(), c.GetString("tenant"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "report": report})
}

func deviceID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "InvalidRequest"})
		return 0, false
	}
	return uint(id), true
}
