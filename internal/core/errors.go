package core

import (
	"errors"
	"fmt"
)

// BusinessError is a user-facing error with a stable kind code. Code is the
// wire error string; callers branch on kind, never on message text.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Business errors.
var (
	// Admission errors: expected, recoverable by the tenant, never system faults.
	ErrQuotaExceeded           = BusinessError{"QuotaExceeded", "device quota exceeded for tenant"}
	ErrConcurrencyLimitReached = BusinessError{"ConcurrencyLimitReached", "concurrent session limit reached"}

	// Credential errors: distinguished so clients can tell a wrong secret
	// from a revoked credential that needs re-provisioning.
	ErrInvalidToken      = BusinessError{"InvalidToken", "activation token invalid, consumed or expired"}
	ErrInvalidCredential = BusinessError{"InvalidCredential", "device secret or operator pin rejected"}
	ErrStaleCredential   = BusinessError{"StaleCredential", "device credential has been revoked"}

	// Lookup errors.
	ErrDeviceNotFound   = BusinessError{"DeviceNotFound", "device not found"}
	ErrOperatorNotFound = BusinessError{"OperatorNotFound", "operator not found"}
	ErrSessionNotFound  = BusinessError{"SessionNotFound", "session not found or already closed"}

	// State errors.
	ErrDeviceInactive     = BusinessError{"DeviceInactive", "device is not active"}
	ErrOperatorInactive   = BusinessError{"OperatorInactive", "operator is not active"}
	ErrAlreadyDeactivated = BusinessError{"AlreadyDeactivated", "device is already deactivated"}

	// Integrity errors: hard stops, no automatic override.
	ErrHasHistory      = BusinessError{"HasHistory", "device has sales history and can only be deactivated"}
	ErrRecordImmutable = BusinessError{"RecordImmutable", "fiscal records cannot be mutated once issued"}

	// Conflict errors: retried internally, surfaced only on exhaustion.
	ErrLedgerWriteConflict = BusinessError{"LedgerWriteConflict", "concurrent ledger write, retries exhausted"}
)

// ErrTenantUnknown is returned by the tenant store for ids outside the
// configured tenant set. Infrastructure-level, not part of the wire taxonomy.
var ErrTenantUnknown = errors.New("unknown tenant")

// IsBusiness reports whether err is part of the closed business error set and
// returns it typed if so.
func IsBusiness(err error) (BusinessError, bool) {
	var be BusinessError
	if errors.As(err, &be) {
		return be, true
	}
	return BusinessError{}, false
}
