package core

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Device represents one registered point-of-sale terminal.
type Device struct {
	ID                uint       `json:"id" gorm:"primaryKey"`
	DeviceUID         string     `json:"device_uid" gorm:"uniqueIndex;not null"`
	Code              string     `json:"code" gorm:"uniqueIndex;not null"` // human code, e.g. "TPV-001"
	Name              string     `json:"name"`
	Fingerprint       string     `json:"fingerprint" gorm:"uniqueIndex;not null"`
	SecretHash        string     `json:"-" gorm:"not null"`
	CredentialVersion int        `json:"credential_version" gorm:"not null;default:1"`
	WarehouseRef      *string    `json:"warehouse_ref"`
	SeriesCode        string     `json:"series_code"`
	DiscountCeiling   float64    `json:"discount_ceiling" gorm:"default:0"`
	OfflineAllowed    bool       `json:"offline_allowed" gorm:"default:false"`
	PrinterProfile    string     `json:"printer_profile"`
	Status            string     `json:"status" gorm:"index;not null"`
	StatusReason      string     `json:"status_reason"`
	DeactivatedAt     *time.Time `json:"deactivated_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ActivationToken is a single-use, time-boxed credential that binds a new
// terminal to the tenant. Only the hash of the code is stored.
type ActivationToken struct {
	ID           uint       `json:"id" gorm:"primaryKey"`
	CodeHash     string     `json:"-" gorm:"uniqueIndex;not null"`
	ExpiresAt    time.Time  `json:"expires_at" gorm:"index;not null"`
	Consumed     bool       `json:"consumed" gorm:"not null;default:false"`
	ConsumedAt   *time.Time `json:"consumed_at"`
	ConsumedFrom string     `json:"consumed_from"` // origin address of the activation call
	DeviceID     *uint      `json:"device_id"`
	IssuedByID   uint       `json:"issued_by_id" gorm:"not null"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Operator is a human user sharing terminals, resolved by PIN at login.
type Operator struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"not null"`
	Role      string    `json:"role" gorm:"type:varchar(20);not null"`
	PINHash   string    `json:"-" gorm:"column:pin_hash;uniqueIndex;not null"`
	Active    bool      `json:"active" gorm:"not null;default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session binds one operator to one device for a bounded period. Open is
// authoritative for explicit termination; LastHeartbeat is authoritative for
// implicit (crash/network-loss) termination. Consumers needing "currently
// active" must apply both, see Session.Live.
type Session struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	SessionUID    string     `json:"session_uid" gorm:"uniqueIndex;not null"`
	DeviceID      uint       `json:"device_id" gorm:"index;not null"`
	OperatorID    uint       `json:"operator_id" gorm:"index;not null"`
	Open          bool       `json:"open" gorm:"index;not null;default:true"`
	StartedAt     time.Time  `json:"started_at" gorm:"not null"`
	LastActivity  time.Time  `json:"last_activity" gorm:"not null"`
	LastHeartbeat time.Time  `json:"last_heartbeat" gorm:"index;not null"`
	ShiftRef      *string    `json:"shift_ref"`
	CloseReason   string     `json:"close_reason"`
	ClosedAt      *time.Time `json:"closed_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Device        Device     `json:"-" gorm:"foreignKey:DeviceID"`
	Operator      Operator   `json:"-" gorm:"foreignKey:OperatorID"`
}

// Live reports whether the session counts as really active at the given
// instant: still flagged open and heartbeated within the liveness window.
func (s *Session) Live(now time.Time, window time.Duration) bool {
	return s.Open && now.Sub(s.LastHeartbeat) < window
}

// Subscription is the tenant's plan snapshot. Limits use UnlimitedQuota as a
// sentinel meaning no ceiling.
type Subscription struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	PlanCode     string    `json:"plan_code" gorm:"not null"`
	DeviceLimit  int       `json:"device_limit" gorm:"not null"`
	SessionLimit int       `json:"session_limit" gorm:"not null"`
	Active       bool      `json:"active" gorm:"index;not null;default:true"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AddOn is a purchased quota extension. A device add-on also grants one
// concurrent-session slot per device unit: every terminal implies at least
// one operator.
type AddOn struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	Kind         string    `json:"kind" gorm:"type:varchar(20);index;not null"`
	DeviceUnits  int       `json:"device_units" gorm:"not null;default:0"`
	SessionUnits int       `json:"session_units" gorm:"not null;default:0"`
	Active       bool      `json:"active" gorm:"index;not null;default:true"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TaxLine is one tax-rate bucket of a fiscal record. Base is derived from the
// tax-inclusive total, never the reverse.
type TaxLine struct {
	Rate  float64 `json:"rate"`
	Base  float64 `json:"base"`
	Quota float64 `json:"quota"`
}

// FiscalRecord is an immutable, hash-chained sale record. Once persisted no
// field may change; corrections are separate rectifying records.
type FiscalRecord struct {
	ID           uint            `json:"id" gorm:"primaryKey"`
	Series       string          `json:"series" gorm:"uniqueIndex:idx_series_number;not null"`
	Year         int             `json:"year" gorm:"uniqueIndex:idx_series_number;not null"`
	Number       int             `json:"number" gorm:"uniqueIndex:idx_series_number;not null"`
	Kind         string          `json:"kind" gorm:"not null"`
	RectifiesID  *uint           `json:"rectifies_id"`
	IssuerTaxID  string          `json:"issuer_tax_id" gorm:"not null"`
	DeviceID     uint            `json:"device_id" gorm:"index;not null"`
	IssuedAt     time.Time       `json:"issued_at" gorm:"not null"`
	Gross        float64         `json:"gross" gorm:"not null"`
	TaxTotal     float64         `json:"tax_total" gorm:"not null"`
	TaxBreakdown json.RawMessage `json:"tax_breakdown" gorm:"type:jsonb"`
	Hash         string          `json:"hash" gorm:"uniqueIndex;not null"`
	PrevHash     string          `json:"prev_hash" gorm:"not null"`
	CreatedAt    time.Time       `json:"created_at"`
}

// BeforeUpdate rejects any mutation of an issued record at the storage-access
// layer. Corrections happen only via rectifying records.
func (FiscalRecord) BeforeUpdate(*gorm.DB) error { return ErrRecordImmutable }

// BeforeDelete rejects deletion of an issued record.
func (FiscalRecord) BeforeDelete(*gorm.DB) error { return ErrRecordImmutable }

// SequenceCounter backs NextSequence for a (series, year) pair.
type SequenceCounter struct {
	ID     uint   `json:"id" gorm:"primaryKey"`
	Series string `json:"series" gorm:"uniqueIndex:idx_seq_series_year;not null"`
	Year   int    `json:"year" gorm:"uniqueIndex:idx_seq_series_year;not null"`
	Value  int    `json:"value" gorm:"not null"`
}

// LedgerHead is the single-row pointer to the latest record of the tenant's
// chain. Linkage is a compare-and-swap against Hash, not a sort-and-hope
// query over timestamps.
type LedgerHead struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Hash      string    `json:"hash" gorm:"not null"`
	RecordID  *uint     `json:"record_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VoidedSequence records a reserved number whose issuance failed after
// reservation. The number is never reused for a different receipt.
type VoidedSequence struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Series    string    `json:"series" gorm:"index;not null"`
	Year      int       `json:"year" gorm:"not null"`
	Number    int       `json:"number" gorm:"not null"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceCounter backs the generated human codes ("TPV-001").
type DeviceCounter struct {
	ID    uint `json:"id" gorm:"primaryKey"`
	Value int  `json:"value" gorm:"not null"`
}

// TableName overrides for GORM
func (Device) TableName() string          { return "devices" }
func (ActivationToken) TableName() string { return "activation_tokens" }
func (Operator) TableName() string        { return "operators" }
func (Session) TableName() string         { return "sessions" }
func (Subscription) TableName() string    { return "subscriptions" }
func (AddOn) TableName() string           { return "add_ons" }
func (FiscalRecord) TableName() string    { return "fiscal_records" }
func (SequenceCounter) TableName() string { return "sequence_counters" }
func (LedgerHead) TableName() string      { return "ledger_heads" }
func (VoidedSequence) TableName() string  { return "voided_sequences" }
func (DeviceCounter) TableName() string   { return "device_counters" }

// Constants for business processes
const (
	// Device lifecycle states. Deactivated is terminal: a new Device must be
	// created and historical sales keep referencing the old id.
	DeviceStatusActive      = "active"
	DeviceStatusSuspended   = "suspended"
	DeviceStatusDeactivated = "deactivated"

	// Session close reasons
	CloseReasonLogout  = "logout"
	CloseReasonTimeout = "timeout"
	CloseReasonForced  = "forced"
	CloseReasonError   = "error"

	// Operator roles
	RoleCashier    = "cashier"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"

	// Add-on kinds
	AddOnKindDevice  = "device"
	AddOnKindSession = "session"

	// Fiscal record kinds
	RecordKindSale       = "F1"
	RecordKindRectifying = "R1"

	// UnlimitedQuota short-circuits all limit comparisons.
	UnlimitedQuota = -1

	// GenesisHash is the fixed previous-hash marker of a chain's first record.
	GenesisHash = "GENESIS"

	// LivenessWindow is the heartbeat window after which a session no longer
	// counts as live. The sweep threshold is twice this window.
	LivenessWindow = 60 * time.Second
)
