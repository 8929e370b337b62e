package core

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// QuotaService computes effective limits from the tenant's subscription plan
// and purchased add-ons. It is pure arithmetic over snapshots fetched per
// call; limits are never cached, so plan changes take effect on the next
// admission check.
type QuotaService struct {
	store  TenantStore
	logger *logrus.Logger
}

func NewQuotaService(store TenantStore, logger *logrus.Logger) *QuotaService {
	return &QuotaService{store: store, logger: logger}
}

type quotaSnapshot struct {
	sub    *Subscription
	addOns []*AddOn
}

func (s *QuotaService) snapshot(ctx context.Context, tenant string) (*quotaSnapshot, error) {
	repo, err := s.store.Repo(tenant)
	if err != nil {
		return nil, err
	}
	sub, err := repo.GetActiveSubscription(ctx)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// No active plan: everything is over quota.
			return &quotaSnapshot{sub: &Subscription{}}, nil
		}
		return nil, err
	}
	addOns, err := repo.ListActiveAddOns(ctx)
	if err != nil {
		return nil, err
	}
	return &quotaSnapshot{sub: sub, addOns: addOns}, nil
}

func (q *quotaSnapshot) deviceLimit() int {
	if q.sub.DeviceLimit == UnlimitedQuota {
		return UnlimitedQuota
	}
	limit := q.sub.DeviceLimit
	for _, a := range q.addOns {
		limit += a.DeviceUnits
	}
	return limit
}

// sessionLimit folds in the cross-dependency: each device unit purchased via
// an add-on also grants one concurrent-session slot, because every terminal
// implies at least one operator.
func (q *quotaSnapshot) sessionLimit() int {
	if q.sub.SessionLimit == UnlimitedQuota {
		return UnlimitedQuota
	}
	limit := q.sub.SessionLimit
	for _, a := range q.addOns {
		limit += a.SessionUnits + a.DeviceUnits
	}
	return limit
}

// EffectiveDeviceLimit returns the tenant's device ceiling, or UnlimitedQuota.
func (s *QuotaService) EffectiveDeviceLimit(ctx context.Context, tenant string) (int, error) {
	snap, err := s.snapshot(ctx, tenant)
	if err != nil {
		return 0, err
	}
	return snap.deviceLimit(), nil
}

// EffectiveSessionLimit returns the tenant's concurrent-session ceiling, or
// UnlimitedQuota.
func (s *QuotaService) EffectiveSessionLimit(ctx context.Context, tenant string) (int, error) {
	snap, err := s.snapshot(ctx, tenant)
	if err != nil {
		return 0, err
	}
	return snap.sessionLimit(), nil
}

// CheckDeviceSlot verifies a device slot remains before a new activation
// token is issued or consumed.
func (s *QuotaService) CheckDeviceSlot(ctx context.Context, tenant string) error {
	snap, err := s.snapshot(ctx, tenant)
	if err != nil {
		return err
	}
	limit := snap.deviceLimit()
	if limit == UnlimitedQuota {
		return nil
	}

	repo, err := s.store.Repo(tenant)
	if err != nil {
		return err
	}
	active, err := repo.CountActiveDevices(ctx)
	if err != nil {
		return err
	}
	if active >= limit {
		s.logger.WithFields(logrus.Fields{
			"tenant": tenant,
			"active": active,
			"limit":  limit,
		}).Info("Device quota exhausted")
		return ErrQuotaExceeded
	}
	return nil
}

// CheckSessionAdmission counts currently-live sessions (open and heartbeated
// within the liveness window) and compares against the effective limit,
// excluding any existing session of the operator being readmitted.
//
// The check-then-act is intentionally racy under concurrent logins. Admission
// control here is best effort: serializing logins per tenant would let one
// tenant's login storm degrade unrelated tenants, and rare over-admission is
// a billing reconciliation event, not data corruption.
func (s *QuotaService) CheckSessionAdmission(ctx context.Context, tenant string, excludingOperator *uint) error {
	snap, err := s.snapshot(ctx, tenant)
	if err != nil {
		return err
	}
	limit := snap.sessionLimit()
	if limit == UnlimitedQuota {
		return nil
	}

	repo, err := s.store.Repo(tenant)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-LivenessWindow)
	live, err := repo.CountLiveSessions(ctx, cutoff, excludingOperator)
	if err != nil {
		return err
	}
	if live >= limit {
		s.logger.WithFields(logrus.Fields{
			"tenant": tenant,
			"live":   live,
			"limit":  limit,
		}).Info("Session admission rejected")
		return ErrConcurrencyLimitReached
	}
	return nil
}
