package core

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// errHeadMoved signals a lost compare-and-swap on the ledger head. Internal
// to the repository/ledger pair; callers see ErrLedgerWriteConflict after
// retries are exhausted.
var errHeadMoved = errors.New("ledger head moved")

// Repository defines data access for one tenant's database.
type Repository interface {
	// Device operations
	CreateDevice(ctx context.Context, device *Device) error
	UpdateDevice(ctx context.Context, device *Device) error
	DeleteDevice(ctx context.Context, id uint) error
	GetDevice(ctx context.Context, id uint) (*Device, error)
	GetDeviceByUID(ctx context.Context, uid string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	CountActiveDevices(ctx context.Context) (int, error)
	NextDeviceNumber(ctx context.Context) (int, error)

	// Activation token operations
	CreateActivationToken(ctx context.Context, token *ActivationToken) error
	GetTokenByCodeHash(ctx context.Context, codeHash string) (*ActivationToken, error)
	// ConsumeToken atomically flips consumed=false to true and records the
	// resulting device. Returns false when the token was already consumed,
	// so concurrent activations yield exactly one winner.
	ConsumeToken(ctx context.Context, tokenID, deviceID uint, origin string, at time.Time) (bool, error)
	PurgeTokens(ctx context.Context, createdBefore time.Time) (int64, error)

	// Operator operations
	CreateOperator(ctx context.Context, op *Operator) error
	GetOperator(ctx context.Context, id uint) (*Operator, error)
	GetOperatorByPINHash(ctx context.Context, pinHash string) (*Operator, error)

	// Session operations
	CreateSession(ctx context.Context, session *Session) error
	GetSessionByUID(ctx context.Context, uid string) (*Session, error)
	// CloseSession is conditional on the session still being open; closing a
	// closed session reports found=false and is not an error.
	CloseSession(ctx context.Context, uid string, reason string, at time.Time) (bool, error)
	CloseSessionsForDevice(ctx context.Context, deviceID uint, reason string, at time.Time) (int64, error)
	CloseSessionsForOperatorOnDevice(ctx context.Context, deviceID, operatorID uint, reason string, at time.Time) (int64, error)
	// TouchHeartbeat refreshes liveness last-write-wins; only open sessions match.
	TouchHeartbeat(ctx context.Context, uid string, at time.Time, shiftRef *string) (bool, error)
	CountLiveSessions(ctx context.Context, heartbeatAfter time.Time, excludeOperator *uint) (int, error)
	// CloseStaleSessions closes open sessions whose heartbeat predates the
	// cutoff, keyed on the staleness check itself so a concurrent heartbeat
	// past the cutoff is never closed.
	CloseStaleSessions(ctx context.Context, heartbeatBefore time.Time, at time.Time) (int64, error)
	CountSessionsWithShift(ctx context.Context, deviceID uint) (int, error)

	// Quota source
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetActiveSubscription(ctx context.Context) (*Subscription, error)
	ListActiveAddOns(ctx context.Context) ([]*AddOn, error)

	// Ledger operations
	NextSequence(ctx context.Context, series string, year int) (int, error)
	GetLedgerHead(ctx context.Context) (*LedgerHead, error)
	// AppendRecord attaches the record to the chain via compare-and-swap on
	// the head. conflict=true means the head moved and the caller must
	// re-resolve the predecessor and retry.
	AppendRecord(ctx context.Context, record *FiscalRecord) (conflict bool, err error)
	GetRecord(ctx context.Context, id uint) (*FiscalRecord, error)
	ListRecordsInChainOrder(ctx context.Context) ([]*FiscalRecord, error)
	CreateVoidedSequence(ctx context.Context, v *VoidedSequence) error

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository wraps a tenant's gorm handle.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewRepository(tx))
	})
}

// --- Devices ---

func (r *repository) CreateDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *repository) UpdateDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Save(d).Error
}

func (r *repository) DeleteDevice(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&Device{}, id).Error
}

func (r *repository) GetDevice(ctx context.Context, id uint) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).First(&d, id).Error
	return &d, err
}

func (r *repository) GetDeviceByUID(ctx context.Context, uid string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Where("device_uid = ?", uid).First(&d).Error
	return &d, err
}

func (r *repository) ListDevices(ctx context.Context) ([]*Device, error) {
	var devices []*Device
	return devices, r.db.WithContext(ctx).Order("id").Find(&devices).Error
}

func (r *repository) CountActiveDevices(ctx context.Context) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Device{}).
		Where("status = ?", DeviceStatusActive).Count(&count).Error
	return int(count), err
}

func (r *repository) NextDeviceNumber(ctx context.Context) (int, error) {
	var n int
	err := r.db.WithContext(ctx).Raw(
		`INSERT INTO device_counters (id, value) VALUES (1, 1)
		 ON CONFLICT (id) DO UPDATE SET value = device_counters.value + 1
		 RETURNING value`).Scan(&n).Error
	return n, err
}

// --- Activation tokens ---

func (r *repository) CreateActivationToken(ctx context.Context, t *ActivationToken) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *repository) GetTokenByCodeHash(ctx context.Context, codeHash string) (*ActivationToken, error) {
	var t ActivationToken
	err := r.db.WithContext(ctx).Where("code_hash = ?", codeHash).First(&t).Error
	return &t, err
}

func (r *repository) ConsumeToken(ctx context.Context, tokenID, deviceID uint, origin string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&ActivationToken{}).
		Where("id = ? AND consumed = ?", tokenID, false).
		Updates(map[string]interface{}{
			"consumed":      true,
			"consumed_at":   at,
			"consumed_from": origin,
			"device_id":     deviceID,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *repository) PurgeTokens(ctx context.Context, createdBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", createdBefore).
		Delete(&ActivationToken{})
	return res.RowsAffected, res.Error
}

// --- Operators ---

func (r *repository) CreateOperator(ctx context.Context, op *Operator) error {
	return r.db.WithContext(ctx).Create(op).Error
}

func (r *repository) GetOperator(ctx context.Context, id uint) (*Operator, error) {
	var op Operator
	return &op, r.db.WithContext(ctx).First(&op, id).Error
}

func (r *repository) GetOperatorByPINHash(ctx context.Context, pinHash string) (*Operator, error) {
	var op Operator
	return &op, r.db.WithContext(ctx).Where("pin_hash = ?", pinHash).First(&op).Error
}

// --- Sessions ---

func (r *repository) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *repository) GetSessionByUID(ctx context.Context, uid string) (*Session, error) {
	var s Session
	err := r.db.WithContext(ctx).Where("session_uid = ?", uid).First(&s).Error
	return &s, err
}

func closeUpdates(reason string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"open":         false,
		"close_reason": reason,
		"closed_at":    at,
	}
}

func (r *repository) CloseSession(ctx context.Context, uid string, reason string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("session_uid = ? AND open = ?", uid, true).
		Updates(closeUpdates(reason, at))
	return res.RowsAffected == 1, res.Error
}

func (r *repository) CloseSessionsForDevice(ctx context.Context, deviceID uint, reason string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("device_id = ? AND open = ?", deviceID, true).
		Updates(closeUpdates(reason, at))
	return res.RowsAffected, res.Error
}

func (r *repository) CloseSessionsForOperatorOnDevice(ctx context.Context, deviceID, operatorID uint, reason string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("device_id = ? AND operator_id = ? AND open = ?", deviceID, operatorID, true).
		Updates(closeUpdates(reason, at))
	return res.RowsAffected, res.Error
}

func (r *repository) TouchHeartbeat(ctx context.Context, uid string, at time.Time, shiftRef *string) (bool, error) {
	updates := map[string]interface{}{
		"last_heartbeat": at,
		"last_activity":  at,
	}
	if shiftRef != nil {
		updates["shift_ref"] = *shiftRef
	}
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("session_uid = ? AND open = ?", uid, true).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

func (r *repository) CountLiveSessions(ctx context.Context, heartbeatAfter time.Time, excludeOperator *uint) (int, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&Session{}).
		Where("open = ? AND last_heartbeat > ?", true, heartbeatAfter)
	if excludeOperator != nil {
		q = q.Where("operator_id <> ?", *excludeOperator)
	}
	err := q.Count(&count).Error
	return int(count), err
}

func (r *repository) CloseStaleSessions(ctx context.Context, heartbeatBefore time.Time, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("open = ? AND last_heartbeat < ?", true, heartbeatBefore).
		Updates(closeUpdates(CloseReasonTimeout, at))
	return res.RowsAffected, res.Error
}

func (r *repository) CountSessionsWithShift(ctx context.Context, deviceID uint) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Session{}).
		Where("device_id = ? AND shift_ref IS NOT NULL", deviceID).
		Count(&count).Error
	return int(count), err
}

// --- Quota source ---

func (r *repository) CreateSubscription(ctx context.Context, sub *Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *repository) GetActiveSubscription(ctx context.Context) (*Subscription, error) {
	var sub Subscription
	err := r.db.WithContext(ctx).Where("active = ?", true).
		Order("id DESC").First(&sub).Error
	return &sub, err
}

func (r *repository) ListActiveAddOns(ctx context.Context) ([]*AddOn, error) {
	var addOns []*AddOn
	return addOns, r.db.WithContext(ctx).Where("active = ?", true).Find(&addOns).Error
}

// --- Ledger ---

func (r *repository) NextSequence(ctx context.Context, series string, year int) (int, error) {
	var n int
	err := r.db.WithContext(ctx).Raw(
		`INSERT INTO sequence_counters (series, year, value) VALUES (?, ?, 1)
		 ON CONFLICT (series, year) DO UPDATE SET value = sequence_counters.value + 1
		 RETURNING value`, series, year).Scan(&n).Error
	return n, err
}

func (r *repository) GetLedgerHead(ctx context.Context) (*LedgerHead, error) {
	var head LedgerHead
	err := r.db.WithContext(ctx).
		Where(LedgerHead{ID: 1}).
		Attrs(LedgerHead{Hash: GenesisHash}).
		FirstOrCreate(&head).Error
	return &head, err
}

func (r *repository) AppendRecord(ctx context.Context, record *FiscalRecord) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&LedgerHead{}).
			Where("id = ? AND hash = ?", 1, record.PrevHash).
			Update("hash", record.Hash)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errHeadMoved
		}
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		return tx.Model(&LedgerHead{}).Where("id = ?", 1).
			Update("record_id", record.ID).Error
	})
	if errors.Is(err, errHeadMoved) {
		return true, nil
	}
	return false, err
}

func (r *repository) GetRecord(ctx context.Context, id uint) (*FiscalRecord, error) {
	var rec FiscalRecord
	return &rec, r.db.WithContext(ctx).First(&rec, id).Error
}

func (r *repository) ListRecordsInChainOrder(ctx context.Context) ([]*FiscalRecord, error) {
	var records []*FiscalRecord
	return records, r.db.WithContext(ctx).Order("id").Find(&records).Error
}

func (r *repository) CreateVoidedSequence(ctx context.Context, v *VoidedSequence) error {
	return r.db.WithContext(ctx).Create(v).Error
}
