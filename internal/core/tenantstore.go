package core

import (
	"fmt"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nextTPCloud/Omerix-sub006/config"
)

// TenantStore resolves per-tenant storage. Services never open connections
// themselves; they ask the store for the tenant's Repository.
type TenantStore interface {
	Repo(tenant string) (Repository, error)
	Tenants() []string
	Close() error
}

type tenantStore struct {
	cfg     config.DatabaseConfig
	allowed map[string]bool

	mu      sync.Mutex
	handles map[string]*gorm.DB
}

// NewTenantStore builds a store over the configured tenant set. Handles are
// opened lazily on first use and cached for the process lifetime.
func NewTenantStore(cfg config.DatabaseConfig) TenantStore {
	allowed := make(map[string]bool, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		allowed[t] = true
	}
	return &tenantStore{
		cfg:     cfg,
		allowed: allowed,
		handles: make(map[string]*gorm.DB),
	}
}

func (s *tenantStore) Repo(tenant string) (Repository, error) {
	db, err := s.handle(tenant)
	if err != nil {
		return nil, err
	}
	return NewRepository(db), nil
}

func (s *tenantStore) Tenants() []string {
	return append([]string(nil), s.cfg.Tenants...)
}

func (s *tenantStore) handle(tenant string) (*gorm.DB, error) {
	if !s.allowed[tenant] {
		return nil, fmt.Errorf("%w: %q", ErrTenantUnknown, tenant)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.handles[tenant]; ok {
		return db, nil
	}

	dsn := fmt.Sprintf(s.cfg.DSNTemplate, tenant)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tenant database %q: %w", tenant, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(s.cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(s.cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	s.handles[tenant] = db
	return db, nil
}

func (s *tenantStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for tenant, db := range s.handles {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing tenant %q: %w", tenant, err)
		}
		delete(s.handles, tenant)
	}
	return firstErr
}

// Migrate runs AutoMigrate for every model on the given tenant's database.
func (s *tenantStore) migrate(tenant string) error {
	db, err := s.handle(tenant)
	if err != nil {
		return err
	}
	return db.AutoMigrate(
		&Device{},
		&ActivationToken{},
		&Operator{},
		&Session{},
		&Subscription{},
		&AddOn{},
		&FiscalRecord{},
		&SequenceCounter{},
		&LedgerHead{},
		&VoidedSequence{},
		&DeviceCounter{},
	)
}

// MigrateTenant is the exported entry used by the migrate command.
func MigrateTenant(store TenantStore, tenant string) error {
	ts, ok := store.(*tenantStore)
	if !ok {
		return fmt.Errorf("store does not support migration")
	}
	return ts.migrate(tenant)
}
