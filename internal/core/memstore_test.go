package core

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/nextTPCloud/Omerix-sub006/config"
	"github.com/nextTPCloud/Omerix-sub006/internal/utils"
)

// fakeRepo is an in-memory Repository used by the service tests. Conditional
// updates keep the same winner-takes-all semantics as the SQL implementation
// so concurrency scenarios are meaningful. WithTransaction runs the function
// directly without rollback; tests do not assert on rolled-back state.
type fakeRepo struct {
	mu sync.Mutex

	devices      map[uint]*Device
	nextDeviceID uint
	deviceSeq    int

	tokens      map[uint]*ActivationToken
	nextTokenID uint

	operators  map[uint]*Operator
	nextOperID uint

	sessions      map[uint]*Session
	nextSessionID uint

	sub    *Subscription
	addOns []*AddOn

	seq          map[string]int
	head         *LedgerHead
	records      []*FiscalRecord
	nextRecordID uint
	voided       []*VoidedSequence

	// forceAppendConflict makes every AppendRecord report a lost head race,
	// for retry-exhaustion tests.
	forceAppendConflict bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		devices:   make(map[uint]*Device),
		tokens:    make(map[uint]*ActivationToken),
		operators: make(map[uint]*Operator),
		sessions:  make(map[uint]*Session),
		seq:       make(map[string]int),
	}
}

// --- Devices ---

func (r *fakeRepo) CreateDevice(ctx context.Context, d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextDeviceID++
	d.ID = r.nextDeviceID
	d.CreatedAt = time.Now()
	r.devices[d.ID] = d
	return nil
}

func (r *fakeRepo) UpdateDevice(ctx context.Context, d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	r.devices[d.ID] = d
	return nil
}

func (r *fakeRepo) DeleteDevice(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
	return nil
}

func (r *fakeRepo) GetDevice(ctx context.Context, id uint) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return d, nil
}

func (r *fakeRepo) GetDeviceByUID(ctx context.Context, uid string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.DeviceUID == uid {
			return d, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) ListDevices(ctx context.Context) ([]*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.devices))
	for id := uint(1); id <= r.nextDeviceID; id++ {
		if d, ok := r.devices[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *fakeRepo) CountActiveDevices(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.devices {
		if d.Status == DeviceStatusActive {
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) NextDeviceNumber(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deviceSeq++
	return r.deviceSeq, nil
}

// --- Activation tokens ---

func (r *fakeRepo) CreateActivationToken(ctx context.Context, t *ActivationToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tokens {
		if existing.CodeHash == t.CodeHash {
			return gorm.ErrDuplicatedKey
		}
	}
	r.nextTokenID++
	t.ID = r.nextTokenID
	t.CreatedAt = time.Now()
	r.tokens[t.ID] = t
	return nil
}

func (r *fakeRepo) GetTokenByCodeHash(ctx context.Context, codeHash string) (*ActivationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.CodeHash == codeHash {
			copied := *t
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) ConsumeToken(ctx context.Context, tokenID, deviceID uint, origin string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok || t.Consumed {
		return false, nil
	}
	t.Consumed = true
	t.ConsumedAt = &at
	t.ConsumedFrom = origin
	t.DeviceID = &deviceID
	return true, nil
}

func (r *fakeRepo) PurgeTokens(ctx context.Context, createdBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, t := range r.tokens {
		if t.CreatedAt.Before(createdBefore) {
			delete(r.tokens, id)
			n++
		}
	}
	return n, nil
}

// --- Operators ---

func (r *fakeRepo) CreateOperator(ctx context.Context, op *Operator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextOperID++
	op.ID = r.nextOperID
	r.operators[op.ID] = op
	return nil
}

func (r *fakeRepo) GetOperator(ctx context.Context, id uint) (*Operator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.operators[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return op, nil
}

func (r *fakeRepo) GetOperatorByPINHash(ctx context.Context, pinHash string) (*Operator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range r.operators {
		if op.PINHash == pinHash {
			return op, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// --- Sessions ---

func (r *fakeRepo) CreateSession(ctx context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSessionID++
	s.ID = r.nextSessionID
	r.sessions[s.ID] = s
	return nil
}

func (r *fakeRepo) GetSessionByUID(ctx context.Context, uid string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.SessionUID == uid {
			return s, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) closeLocked(s *Session, reason string, at time.Time) {
	s.Open = false
	s.CloseReason = reason
	s.ClosedAt = &at
}

func (r *fakeRepo) CloseSession(ctx context.Context, uid string, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.SessionUID == uid && s.Open {
			r.closeLocked(s, reason, at)
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) CloseSessionsForDevice(ctx context.Context, deviceID uint, reason string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.DeviceID == deviceID && s.Open {
			r.closeLocked(s, reason, at)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) CloseSessionsForOperatorOnDevice(ctx context.Context, deviceID, operatorID uint, reason string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.DeviceID == deviceID && s.OperatorID == operatorID && s.Open {
			r.closeLocked(s, reason, at)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) TouchHeartbeat(ctx context.Context, uid string, at time.Time, shiftRef *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.SessionUID == uid && s.Open {
			s.LastHeartbeat = at
			s.LastActivity = at
			if shiftRef != nil {
				s.ShiftRef = shiftRef
			}
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) CountLiveSessions(ctx context.Context, heartbeatAfter time.Time, excludeOperator *uint) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if !s.Open || !s.LastHeartbeat.After(heartbeatAfter) {
			continue
		}
		if excludeOperator != nil && s.OperatorID == *excludeOperator {
			continue
		}
		n++
	}
	return n, nil
}

func (r *fakeRepo) CloseStaleSessions(ctx context.Context, heartbeatBefore time.Time, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.Open && s.LastHeartbeat.Before(heartbeatBefore) {
			r.closeLocked(s, CloseReasonTimeout, at)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) CountSessionsWithShift(ctx context.Context, deviceID uint) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.DeviceID == deviceID && s.ShiftRef != nil {
			n++
		}
	}
	return n, nil
}

// --- Quota source ---

func (r *fakeRepo) CreateSubscription(ctx context.Context, sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sub = sub
	return nil
}

func (r *fakeRepo) GetActiveSubscription(ctx context.Context) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil || !r.sub.Active {
		return nil, gorm.ErrRecordNotFound
	}
	return r.sub, nil
}

func (r *fakeRepo) ListActiveAddOns(ctx context.Context) ([]*AddOn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*AddOn
	for _, a := range r.addOns {
		if a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

// --- Ledger ---

func (r *fakeRepo) NextSequence(ctx context.Context, series string, year int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s-%d", series, year)
	r.seq[key]++
	return r.seq[key], nil
}

func (r *fakeRepo) GetLedgerHead(ctx context.Context) (*LedgerHead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.head == nil {
		r.head = &LedgerHead{ID: 1, Hash: GenesisHash}
	}
	copied := *r.head
	return &copied, nil
}

func (r *fakeRepo) AppendRecord(ctx context.Context, record *FiscalRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.head == nil {
		r.head = &LedgerHead{ID: 1, Hash: GenesisHash}
	}
	if r.forceAppendConflict || r.head.Hash != record.PrevHash {
		return true, nil
	}
	r.nextRecordID++
	record.ID = r.nextRecordID
	record.CreatedAt = time.Now()
	r.records = append(r.records, record)
	r.head.Hash = record.Hash
	r.head.RecordID = &record.ID
	return false, nil
}

func (r *fakeRepo) GetRecord(ctx context.Context, id uint) (*FiscalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) ListRecordsInChainOrder(ctx context.Context) ([]*FiscalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FiscalRecord(nil), r.records...), nil
}

func (r *fakeRepo) CreateVoidedSequence(ctx context.Context, v *VoidedSequence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voided = append(r.voided, v)
	return nil
}

func (r *fakeRepo) WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error {
	return fn(ctx, r)
}

// fakeStore serves the fake repo for a single tenant.
type fakeStore struct {
	tenant string
	repo   *fakeRepo
}

func newFakeStore(tenant string) *fakeStore {
	return &fakeStore{tenant: tenant, repo: newFakeRepo()}
}

func (s *fakeStore) Repo(tenant string) (Repository, error) {
	if tenant != s.tenant {
		return nil, fmt.Errorf("%w: %q", ErrTenantUnknown, tenant)
	}
	return s.repo, nil
}

func (s *fakeStore) Tenants() []string { return []string{s.tenant} }
func (s *fakeStore) Close() error      { return nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

const testTenant = "acme"

// testEnv wires the services over the fake store the way serve does over the
// real one.
type testEnv struct {
	store    *fakeStore
	repo     *fakeRepo
	quota    *QuotaService
	devices  *DeviceService
	sessions *SessionService
	ledger   *LedgerService
}

func newTestEnv() *testEnv {
	store := newFakeStore(testTenant)
	logger := testLogger()
	quota := NewQuotaService(store, logger)
	devices := NewDeviceService(store, quota, nil, nil, logger, config.ActivationConfig{
		TokenTTL:       time.Hour,
		TokenRetention: 24 * time.Hour,
	})
	sessions := NewSessionService(store, devices, quota, nil, logger)
	ledger := NewLedgerService(store, nil, logger, config.FiscalConfig{
		IssuerTaxID:   "B12345678",
		DefaultSeries: "A",
		MaxRetries:    3,
	})
	return &testEnv{
		store:    store,
		repo:     store.repo,
		quota:    quota,
		devices:  devices,
		sessions: sessions,
		ledger:   ledger,
	}
}

func (e *testEnv) seedPlan(deviceLimit, sessionLimit int) {
	e.repo.sub = &Subscription{
		ID:           1,
		PlanCode:     "test",
		DeviceLimit:  deviceLimit,
		SessionLimit: sessionLimit,
		Active:       true,
	}
}

func (e *testEnv) seedOperator(name, pin string) *Operator {
	op := &Operator{Name: name, Role: RoleCashier, PINHash: utils.HashPIN(pin), Active: true}
	if err := e.repo.CreateOperator(context.Background(), op); err != nil {
		panic(err)
	}
	return op
}

// activateDevice runs the full token-issue-and-activate flow.
func (e *testEnv) activateDevice(name string) (*Device, string, error) {
	ctx := context.Background()
	code, _, err := e.devices.IssueActivationToken(ctx, testTenant, 1)
	if err != nil {
		return nil, "", err
	}
	result, err := e.devices.Activate(ctx, testTenant, code, name, name+"-fp", nil, "127.0.0.1")
	if err != nil {
		return nil, "", err
	}
	return result.Device, result.Secret, nil
}
