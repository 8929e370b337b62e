package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextTPCloud/Omerix-sub006/internal/utils"
)

func TestActivateConsumesToken(t *testing.T) {
	env := newTestEnv()
	env.seedPlan(5, 5)
	ctx := context.Background()

	code, expiry, err := env.devices.IssueActivationToken(ctx, testTenant, 1)
	if err != nil {
		t.Fatalf("IssueActivationToken: %v", err)
	}
	if len(code) != utils.CodeLength {
		t.Fatalf("code length = %d, want %d", len(code), utils.CodeLength)
	}
	if !expiry.After(time.Now()) {
		t.Fatal("token expiry is not in the future")
	}

	result, err := env.devices.Activate(ctx, testTenant, code, "Caja 1", "fp-1", nil, "10.0.0.1")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if result.Device.Code != "TPV-001" {
		t.Errorf("device code = %q, want TPV-001", result.Device.Code)
	}
	if result.Device.Status != DeviceStatusActive {
		t.Errorf("device status = %q, want active", result.Device.Status)
	}
	version, _, ok := utils.ParseDeviceSecret(result.Secret)
	if !ok || version != 1 {
		t.Errorf("secret %q does not parse as version 1", result.Secret)
	}

	// Second use of the same code must be rejected.
	if _, err := env.devices.Activate(ctx, testTenant, code, "Caja 2", "fp-2", nil, "10.0.0.2"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("second activation error = %v, want InvalidToken", err)
	}
}

func TestActivateCaseInsensitiveCode(t *testing.T) {
	env := newTestEnv()
	env.seedPlan(5, 5)
	ctx := context.Background()

	code, _, err := env.devices.IssueActivationToken(ctx, testTenant, 1)
	if err != nil {
		t.Fatalf("IssueActivationToken: %v", err)
	}

	lower := "  " + stringsToLower(code) + " "
	if _, err := env.devices.Activate(ctx, testTenant, lower, "Caja 1", "fp-1", nil, "10.0.0.1"); err != nil {
		t.Fatalf("Activate with lowercased code: %v", err)
	}
}

func stringsToLower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

func TestActivateExpiredToken(t *testing.T) {
	env := newTestEnv()
	env.seedPlan(5, 5)
	ctx := context.Background()

	token := &ActivationToken{
		CodeHash:   utils.HashCode("EXPIRED2"),
		ExpiresAt:  time.Now().Add(-time.Minute),
		IssuedByID: 1,
	}
	if err := env.repo.CreateActivationToken(ctx, token); err != nil {
		t.Fatal(err)
	}

	if _, err := env.devices.Activate(ctx, testTenant, "EXPIRED2", "Caja 1", "fp-1", nil, "10.0.0.1"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want InvalidToken", err)
	}
}

func TestIssueTokenQuotaExhausted(t *testing.T) {
	env := newTestEnv()
	env.seedPlan(1, 5)
	ctx := context.Background()

	if _, _, err := env.activateDevice("Caja 1"); err != nil {
		t.Fatalf("first activation: %v", err)
	}
	if _, _, err := env.devices.IssueActivationToken(ctx, testTenant, 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("error = %v, want QuotaExceeded", err)
	}
}

func TestConcurrentActivationSingleWinner(t *testing.T) {
	env := newTestEnv()
	env.seedPlan(UnlimitedQuota, UnlimitedQuota)
	ctx := context.Background()

	code, _, err := env.devices.IssueActivationToken(ctx, testTenant, 1)
	if err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.devices.Activate(ctx, testTenant, code,
				fmt.Sprintf("Caja %d", i), fmt.Sprintf("fp-%d", i), nil, "10.0.0.1")
			errs[i] = err
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidToken):
		default:
			t.Errorf("activation %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv()
	env.seedPlan(5, 5)
	ctx := context.Background()

	device, secret, err := env.activateDevice("Caja 1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.devices.Authenticate(ctx, testTenant, device.DeviceUID, secret); err != nil {
		t.Errorf("valid secret rejected: %v", err)
	}
	if _, err := env.devices.Authenticate(ctx, testTenant, device.DeviceUID, "v1.deadbeef"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("wrong secret error = %v, want InvalidCredential", err)
	}
	if _, err := env.devices.Authenticate(ctx, testTenant, device.DeviceUID, "not-a-secret"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("malformed secret error = %v, want InvalidCredential", err)
	}
	if _, err := env.devices.Authenticate(ctx, testTenant, "no-such-uid", secret); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("unknown device error = %v, want DeviceNotFound", err)
	}
}

func TestRevokeCredential(t *testing.T) {
	env := newTestEnv()
	env.seedPlan(5, 5)
	ctx := context.Background()

	device, oldSecret, err := env.activateDevice("Caja 1")
	if err != nil {
		t.Fatal(err)
	}

	newSecret, err := env.devices.RevokeCredential(ctx, testTenant, device.ID)
	if err != nil {
		t.Fatalf("RevokeCredential: %v", err)
	}

	// The pre-revocation secret carries the old version and must be reported
	// as stale, not merely wrong.
	if _, err := env.devices.Authenticate(ctx, testTenant, device.DeviceUID, oldSecret); !errors.Is(err, ErrStaleCredential) {
		t.Errorf("old secret error = %v, want StaleCredential", err)
	}
	if _, err := env.devices.Authenticate(ctx, testTenant, device.DeviceUID, newSecret); err != nil {
		t.Errorf("new secret rejected: %v", err)
	}
	version, _, _ := utils.ParseDeviceSecret(newSecret)
	if version != 2 {
		t.Errorf("new secret version = %d, want 2", version)
	}
}

func TestDeactivateIsTerminal(t *testing.T) {
	env := newTestEnv()
	env.seedPlan(5, 5)
	ctx := context.Background()

	device, secret, err := env.activateDevice("Caja 1")
	if err != nil {
		t.Fatal(err)
	}

	if err := env.devices.Deactivate(ctx, testTenant, device.ID, "broken screen"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if err := env.devices.Deactivate(ctx, testTenant, device.ID, "again"); !errors.Is(err, ErrAlreadyDeactivated) {
		t.Errorf("second deactivate error = %v, want AlreadyDeactivated", err)
	}
	if _, err := env.devices.Authenticate(ctx, testTenant, device.DeviceUID, secret); !errors.Is(err, ErrDeviceInactive) {
		t.Errorf("auth on deactivated device = %v, want DeviceInactive", err)
	}
}

func TestDeleteDeviceWithHistory(t *testing.T) {
	env := newTestEnv()
	env.seedPlan(5, 5)
	ctx := context.Background()

	device, _, err := env.activateDevice("Caja 1")
	if err != nil {
		t.Fatal(err)
	}

	shift := "SHIFT-2026-001"
	session := &Session{
		SessionUID:    "s-1",
		DeviceID:      device.ID,
		OperatorID:    1,
		Open:          false,
		StartedAt:     time.Now(),
		LastActivity:  time.Now(),
		LastHeartbeat: time.Now(),
		ShiftRef:      &shift,
	}
	if err := env.repo.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}

	if err := env.devices.Delete(ctx, testTenant, device.ID); !errors.Is(err, ErrHasHistory) {
		t.Fatalf("delete with history error = %v, want HasHistory", err)
	}

	// A device that never ran a shift can be deleted.
	clean, _, err := env.activateDevice("Caja 2")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.devices.Delete(ctx, testTenant, clean.ID); err != nil {
		t.Fatalf("delete clean device: %v", err)
	}
	if _, err := env.devices.GetDevice(ctx, testTenant, clean.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("deleted device lookup = %v, want DeviceNotFound", err)
	}
}

func TestPurgeExpiredTokens(t *testing.T) {
	env := newTestEnv()
	env.seedPlan(5, 5)
	ctx := context.Background()

	old := &ActivationToken{CodeHash: utils.HashCode("OLDTOKEN"), ExpiresAt: time.Now(), IssuedByID: 1}
	if err := env.repo.CreateActivationToken(ctx, old); err != nil {
		t.Fatal(err)
	}
	env.repo.mu.Lock()
	env.repo.tokens[old.ID].CreatedAt = time.Now().Add(-48 * time.Hour)
	env.repo.mu.Unlock()

	if _, _, err := env.devices.IssueActivationToken(ctx, testTenant, 1); err != nil {
		t.Fatal(err)
	}

	purged, err := env.devices.PurgeExpiredTokens(ctx, testTenant)
	if err != nil {
		t.Fatalf("PurgeExpiredTokens: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1 (retention is 24h)", purged)
	}
}
