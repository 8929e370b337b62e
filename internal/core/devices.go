package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/nextTPCloud/Omerix-sub006/config"
	"github.com/nextTPCloud/Omerix-sub006/internal/infrastructure"
	"github.com/nextTPCloud/Omerix-sub006/internal/utils"
)

const tokenIssueRetries = 5

// DeviceService owns the terminal registry and the activation token issuer.
type DeviceService struct {
	store  TenantStore
	quota  *QuotaService
	cache  *infrastructure.Cache
	events *infrastructure.Messaging
	logger *logrus.Logger
	cfg    config.ActivationConfig
}

func NewDeviceService(store TenantStore, quota *QuotaService, cache *infrastructure.Cache,
	events *infrastructure.Messaging, logger *logrus.Logger, cfg config.ActivationConfig) *DeviceService {
	return &DeviceService{
		store:  store,
		quota:  quota,
		cache:  cache,
		events: events,
		logger: logger,
		cfg:    cfg,
	}
}

// IssueActivationToken creates a short-lived human-typable code that binds a
// new terminal to the tenant. The plaintext code is returned exactly once;
// only its hash is persisted.
func (s *DeviceService) IssueActivationToken(ctx context.Context, tenant string, issuedBy uint) (string, time.Time, error) {
	if err := s.quota.CheckDeviceSlot(ctx, tenant); err != nil {
		return "", time.Time{}, err
	}

	repo, err := s.store.Repo(tenant)
	if err != nil {
		return "", time.Time{}, err
	}

	expiry := time.Now().Add(s.cfg.TokenTTL)
	for attempt := 0; attempt < tokenIssueRetries; attempt++ {
		code, err := utils.GenerateActivationCode()
		if err != nil {
			return "", time.Time{}, err
		}

		token := &ActivationToken{
			CodeHash:   utils.HashCode(code),
			ExpiresAt:  expiry,
			IssuedByID: issuedBy,
		}
		if err := repo.CreateActivationToken(ctx, token); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				continue // code collision against an existing token
			}
			return "", time.Time{}, fmt.Errorf("failed to persist activation token: %w", err)
		}

		s.logger.WithFields(logrus.Fields{
			"tenant":    tenant,
			"token_id":  token.ID,
			"issued_by": issuedBy,
		}).Info("Activation token issued")
		return code, expiry, nil
	}
	return "", time.Time{}, fmt.Errorf("failed to generate a unique activation code")
}

// ActivationResult carries what a freshly activated terminal needs. Secret is
// returned once and never retrievable again.
type ActivationResult struct {
	Device *Device
	Secret string
}

// Activate consumes an activation token and creates the Device. Validation
// and consumption are a single atomic conditional update: concurrent
// activations with the same code yield exactly one success.
func (s *DeviceService) Activate(ctx context.Context, tenant, code, name, fingerprint string, warehouseRef *string, origin string) (*ActivationResult, error) {
	repo, err := s.store.Repo(tenant)
	if err != nil {
		return nil, err
	}

	token, err := repo.GetTokenByCodeHash(ctx, utils.HashCode(code))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	now := time.Now()
	if token.Consumed || now.After(token.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	if err := s.quota.CheckDeviceSlot(ctx, tenant); err != nil {
		return nil, err
	}

	secret, secretHash, err := utils.GenerateDeviceSecret(1)
	if err != nil {
		return nil, err
	}

	device := &Device{
		DeviceUID:         uuid.New().String(),
		Name:              name,
		Fingerprint:       fingerprint,
		SecretHash:        secretHash,
		CredentialVersion: 1,
		WarehouseRef:      warehouseRef,
		Status:            DeviceStatusActive,
	}

	err = repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		n, err := tx.NextDeviceNumber(ctx)
		if err != nil {
			return err
		}
		device.Code = fmt.Sprintf("TPV-%03d", n)

		if err := tx.CreateDevice(ctx, device); err != nil {
			return fmt.Errorf("failed to create device: %w", err)
		}
		consumed, err := tx.ConsumeToken(ctx, token.ID, device.ID, origin, now)
		if err != nil {
			return err
		}
		if !consumed {
			return ErrInvalidToken // lost the race to another activation
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant":     tenant,
		"device_uid": device.DeviceUID,
		"code":       device.Code,
		"origin":     origin,
	}).Info("Device activated")

	if s.events != nil {
		if err := s.events.Publish(ctx, "device.activated", map[string]interface{}{
			"tenant":     tenant,
			"device_uid": device.DeviceUID,
			"code":       device.Code,
		}); err != nil {
			s.logger.WithError(err).Warn("Failed to publish device.activated event")
		}
	}

	return &ActivationResult{Device: device, Secret: secret}, nil
}

// Authenticate validates a terminal's presented secret on the hot path
// (receipt issuance). A stale credential version is reported distinctly from
// a wrong secret so the terminal knows to re-provision.
func (s *DeviceService) Authenticate(ctx context.Context, tenant, deviceUID, presented string) (*Device, error) {
	device, err := s.lookupDevice(ctx, tenant, deviceUID)
	if err != nil {
		return nil, err
	}
	if device.Status != DeviceStatusActive {
		return nil, ErrDeviceInactive
	}

	version, secret, ok := utils.ParseDeviceSecret(presented)
	if !ok {
		return nil, ErrInvalidCredential
	}
	if version != device.CredentialVersion {
		return nil, ErrStaleCredential
	}
	if !utils.VerifyDeviceSecret(device.SecretHash, secret) {
		return nil, ErrInvalidCredential
	}
	return device, nil
}

// RevokeCredential bumps credentialVersion, issues a fresh secret (returned
// once) and force-closes every open session on the device. The terminal must
// re-authenticate with the new secret.
func (s *DeviceService) RevokeCredential(ctx context.Context, tenant string, deviceID uint) (string, error) {
	repo, err := s.store.Repo(tenant)
	if err != nil {
		return "", err
	}
	device, err := repo.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrDeviceNotFound
		}
		return "", err
	}

	device.CredentialVersion++
	secret, secretHash, err := utils.GenerateDeviceSecret(device.CredentialVersion)
	if err != nil {
		return "", err
	}
	device.SecretHash = secretHash

	if err := repo.UpdateDevice(ctx, device); err != nil {
		return "", fmt.Errorf("failed to update device credential: %w", err)
	}

	closed, err := repo.CloseSessionsForDevice(ctx, device.ID, CloseReasonForced, time.Now())
	if err != nil {
		return "", err
	}
	s.dropCachedDevice(ctx, tenant, device.DeviceUID)

	s.logger.WithFields(logrus.Fields{
		"tenant":             tenant,
		"device_uid":         device.DeviceUID,
		"credential_version": device.CredentialVersion,
		"sessions_closed":    closed,
	}).Info("Device credential revoked")

	return secret, nil
}

// Deactivate transitions the device to its terminal state and releases one
// device-quota slot. Irreversible: a new Device must be created afterwards,
// historical sales keep referencing this one.
func (s *DeviceService) Deactivate(ctx context.Context, tenant string, deviceID uint, reason string) error {
	repo, err := s.store.Repo(tenant)
	if err != nil {
		return err
	}
	device, err := repo.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDeviceNotFound
		}
		return err
	}
	if device.Status == DeviceStatusDeactivated {
		return ErrAlreadyDeactivated
	}

	now := time.Now()
	device.Status = DeviceStatusDeactivated
	device.StatusReason = reason
	device.DeactivatedAt = &now
	if err := repo.UpdateDevice(ctx, device); err != nil {
		return err
	}

	if _, err := repo.CloseSessionsForDevice(ctx, device.ID, CloseReasonForced, now); err != nil {
		return err
	}
	s.dropCachedDevice(ctx, tenant, device.DeviceUID)

	s.logger.WithFields(logrus.Fields{
		"tenant":     tenant,
		"device_uid": device.DeviceUID,
		"reason":     reason,
	}).Info("Device deactivated")

	if s.events != nil {
		if err := s.events.Publish(ctx, "device.deactivated", map[string]interface{}{
			"tenant":     tenant,
			"device_uid": device.DeviceUID,
			"reason":     reason,
		}); err != nil {
			s.logger.WithError(err).Warn("Failed to publish device.deactivated event")
		}
	}
	return nil
}

// Delete hard-deletes a device, permitted only when no historical session
// ever carried a shift reference (no sales were run through it). Devices
// with history can only be deactivated.
func (s *DeviceService) Delete(ctx context.Context, tenant string, deviceID uint) error {
	repo, err := s.store.Repo(tenant)
	if err != nil {
		return err
	}
	device, err := repo.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDeviceNotFound
		}
		return err
	}

	withShift, err := repo.CountSessionsWithShift(ctx, device.ID)
	if err != nil {
		return err
	}
	if withShift > 0 {
		return ErrHasHistory
	}

	if _, err := repo.CloseSessionsForDevice(ctx, device.ID, CloseReasonForced, time.Now()); err != nil {
		return err
	}
	if err := repo.DeleteDevice(ctx, device.ID); err != nil {
		return err
	}
	s.dropCachedDevice(ctx, tenant, device.DeviceUID)

	s.logger.WithFields(logrus.Fields{
		"tenant":     tenant,
		"device_uid": device.DeviceUID,
	}).Info("Device deleted")
	return nil
}

// GetDevice retrieves one device.
func (s *DeviceService) GetDevice(ctx context.Context, tenant string, deviceID uint) (*Device, error) {
	repo, err := s.store.Repo(tenant)
	if err != nil {
		return nil, err
	}
	device, err := repo.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return device, nil
}

// ListDevices returns the tenant's terminals.
func (s *DeviceService) ListDevices(ctx context.Context, tenant string) ([]*Device, error) {
	repo, err := s.store.Repo(tenant)
	if err != nil {
		return nil, err
	}
	return repo.ListDevices(ctx)
}

// PurgeExpiredTokens removes tokens past the retention window, consumed or
// not. Run by the sweeper.
func (s *DeviceService) PurgeExpiredTokens(ctx context.Context, tenant string) (int64, error) {
	repo, err := s.store.Repo(tenant)
	if err != nil {
		return 0, err
	}
	return repo.PurgeTokens(ctx, time.Now().Add(-s.cfg.TokenRetention))
}

func (s *DeviceService) lookupDevice(ctx context.Context, tenant, deviceUID string) (*Device, error) {
	if cached, err := s.getCachedDevice(ctx, tenant, deviceUID); err == nil && cached != nil {
		return cached, nil
	}

	repo, err := s.store.Repo(tenant)
	if err != nil {
		return nil, err
	}
	device, err := repo.GetDeviceByUID(ctx, deviceUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	s.cacheDevice(ctx, tenant, device)
	return device, nil
}

func deviceCacheKey(tenant, uid string) string {
	return fmt.Sprintf("tpv:%s:device:%s", tenant, uid)
}

// cachedDevice carries the secret hash alongside the device: the model hides
// it from JSON responses, but the auth path needs it back from the cache.
type cachedDevice struct {
	Device     *Device `json:"device"`
	SecretHash string  `json:"secret_hash"`
}

func (s *DeviceService) cacheDevice(ctx context.Context, tenant string, device *Device) {
	if s.cache == nil {
		return
	}
	data, _ := json.Marshal(cachedDevice{Device: device, SecretHash: device.SecretHash})
	s.cache.Set(ctx, deviceCacheKey(tenant, device.DeviceUID), string(data), 5*time.Minute)
}

func (s *DeviceService) getCachedDevice(ctx context.Context, tenant, uid string) (*Device, error) {
	if s.cache == nil {
		return nil, errors.New("cache not available")
	}
	data, err := s.cache.Get(ctx, deviceCacheKey(tenant, uid))
	if err != nil {
		return nil, err
	}
	var entry cachedDevice
	if err := json.Unmarshal([]byte(data), &entry); err != nil || entry.Device == nil {
		return nil, err
	}
	entry.Device.SecretHash = entry.SecretHash
	return entry.Device, nil
}

func (s *DeviceService) dropCachedDevice(ctx context.Context, tenant, uid string) {
	if s.cache != nil {
		s.cache.Delete(ctx, deviceCacheKey(tenant, uid))
	}
}
