package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nextTPCloud/Omerix-sub006/internal/core"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTenantResolver(t *testing.T) {
	router := gin.New()
	router.Use(TenantResolver())
	router.GET("/probe", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("tenant"))
	})

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing tenant header: status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "TenantRequired") {
		t.Errorf("missing tenant body = %s, want TenantRequired", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set(headerTenant, "acme")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "acme" {
		t.Errorf("resolved tenant = (%d, %s), want (200, acme)", rec.Code, rec.Body.String())
	}
}

func TestRespondErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{core.ErrInvalidToken, http.StatusUnauthorized},
		{core.ErrInvalidCredential, http.StatusUnauthorized},
		{core.ErrStaleCredential, http.StatusUnauthorized},
		{core.ErrDeviceNotFound, http.StatusNotFound},
		{core.ErrOperatorNotFound, http.StatusNotFound},
		{core.ErrSessionNotFound, http.StatusNotFound},
		{core.ErrDeviceInactive, http.StatusForbidden},
		{core.ErrOperatorInactive, http.StatusForbidden},
		{core.ErrQuotaExceeded, http.StatusConflict},
		{core.ErrConcurrencyLimitReached, http.StatusConflict},
		{core.ErrHasHistory, http.StatusConflict},
		{core.ErrAlreadyDeactivated, http.StatusConflict},
		{core.ErrLedgerWriteConflict, http.StatusServiceUnavailable},
		{errors.New("database on fire"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		respondError(c, tc.err)
		if rec.Code != tc.status {
			t.Errorf("respondError(%v): status = %d, want %d", tc.err, rec.Code, tc.status)
		}
	}

	// The uniform shape: business errors expose their kind, internal faults
	// never leak the message.
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	respondError(c, errors.New("password=hunter2"))
	body := rec.Body.String()
	if strings.Contains(body, "hunter2") {
		t.Errorf("internal error leaked into response: %s", body)
	}
	if !strings.Contains(body, "InternalError") {
		t.Errorf("internal error body = %s, want InternalError kind", body)
	}
}

func TestDeviceAuthenticationRequiresHeaders(t *testing.T) {
	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set("tenant", "acme") })
	router.Use(DeviceAuthentication(nil))
	router.POST("/probe", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/probe", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing credential headers: status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "DeviceCredentialRequired") {
		t.Errorf("body = %s, want DeviceCredentialRequired", rec.Body.String())
	}
}
