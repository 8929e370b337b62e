package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/nextTPCloud/Omerix-sub006/internal/infrastructure"
	"github.com/nextTPCloud/Omerix-sub006/internal/utils"
)

// SessionService tracks which operator is logged into which terminal, keeps
// sessions alive via heartbeats and reaps the ones that stopped breathing.
type SessionService struct {
	store   TenantStore
	devices *DeviceService
	quota   *QuotaService
	events  *infrastructure.Messaging
	logger  *logrus.Logger
}

func NewSessionService(store TenantStore, devices *DeviceService, quota *QuotaService,
	events *infrastructure.Messaging, logger *logrus.Logger) *SessionService {
	return &SessionService{
		store:   store,
		devices: devices,
		quota:   quota,
		events:  events,
		logger:  logger,
	}
}

// LoginResult is what a terminal gets back after operator login.
type LoginResult struct {
	Session  *Session
	Operator *Operator
}

// Login authenticates the device credential and the operator PIN, checks
// session admission against the tenant's quota and opens a new session. A
// prior open session of the same operator on the same device is force-closed
// first: at most one open session per (device, operator) pair.
func (s *SessionService) Login(ctx context.Context, tenant, deviceUID, presentedSecret, pin string) (*LoginResult, error) {
	device, err := s.devices.Authenticate(ctx, tenant, deviceUID, presentedSecret)
	if err != nil {
		return nil, err
	}

	repo, err := s.store.Repo(tenant)
	if err != nil {
		return nil, err
	}

	operator, err := repo.GetOperatorByPINHash(ctx, utils.HashPIN(pin))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}
	if !operator.Active {
		return nil, ErrOperatorInactive
	}

	// Quota gate. Excluding the operator's own live session means a re-login
	// never counts against the limit it is about to free up.
	if err := s.quota.CheckSessionAdmission(ctx, tenant, &operator.ID); err != nil {
		return nil, err
	}

	now := time.Now()
	if _, err := repo.CloseSessionsForOperatorOnDevice(ctx, device.ID, operator.ID, CloseReasonForced, now); err != nil {
		return nil, err
	}

	session := &Session{
		SessionUID:    uuid.New().String(),
		DeviceID:      device.ID,
		OperatorID:    operator.ID,
		Open:          true,
		StartedAt:     now,
		LastActivity:  now,
		LastHeartbeat: now,
	}
	if err := repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant":      tenant,
		"device_uid":  device.DeviceUID,
		"operator_id": operator.ID,
		"session_uid": session.SessionUID,
	}).Info("Operator logged in")

	return &LoginResult{Session: session, Operator: operator}, nil
}

// Heartbeat refreshes session liveness, last-write-wins on the timestamp, and
// optionally attaches a shift reference. Idempotent; found=false means the
// session is gone or already closed, which callers treat as a soft condition.
func (s *SessionService) Heartbeat(ctx context.Context, tenant, sessionUID string, shiftRef *string) (bool, error) {
	repo, err := s.store.Repo(tenant)
	if err != nil {
		return false, err
	}
	return repo.TouchHeartbeat(ctx, sessionUID, time.Now(), shiftRef)
}

// Logout closes the session with reason "logout". Closing an already-closed
// session is a no-op, not an error.
func (s *SessionService) Logout(ctx context.Context, tenant, sessionUID string) error {
	return s.close(ctx, tenant, sessionUID, CloseReasonLogout)
}

// ForceClose is the administrative close used by revocation, deactivation and
// operator-facing "kick session" actions.
func (s *SessionService) ForceClose(ctx context.Context, tenant, sessionUID, reason string) error {
	if reason == "" {
		reason = CloseReasonForced
	}
	return s.close(ctx, tenant, sessionUID, reason)
}

func (s *SessionService) close(ctx context.Context, tenant, sessionUID, reason string) error {
	repo, err := s.store.Repo(tenant)
	if err != nil {
		return err
	}
	closed, err := repo.CloseSession(ctx, sessionUID, reason, time.Now())
	if err != nil {
		return err
	}
	if !closed {
		return nil // already closed
	}

	s.logger.WithFields(logrus.Fields{
		"tenant":      tenant,
		"session_uid": sessionUID,
		"reason":      reason,
	}).Info("Session closed")

	if s.events != nil {
		if err := s.events.Publish(ctx, "session.closed", map[string]interface{}{
			"tenant":      tenant,
			"session_uid": sessionUID,
			"reason":      reason,
		}); err != nil {
			s.logger.WithError(err).Warn("Failed to publish session.closed event")
		}
	}
	return nil
}

// SweepZombies closes open sessions whose last heartbeat is older than twice
// the liveness window. The close is a conditional update keyed on the
// staleness check itself, so it is safe to run concurrently with itself and
// with heartbeats: a session heartbeated after the cutoff is never closed.
func (s *SessionService) SweepZombies(ctx context.Context, tenant string) (int64, error) {
	repo, err := s.store.Repo(tenant)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	count, err := repo.CloseStaleSessions(ctx, now.Add(-2*LivenessWindow), now)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.WithFields(logrus.Fields{
			"tenant": tenant,
			"closed": count,
		}).Info("Zombie sessions swept")

		if s.events != nil {
			if err := s.events.Publish(ctx, "session.swept", map[string]interface{}{
				"tenant": tenant,
				"closed": count,
			}); err != nil {
				s.logger.WithError(err).Warn("Failed to publish session.swept event")
			}
		}
	}
	return count, nil
}
