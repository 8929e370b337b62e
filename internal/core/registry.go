package core

// ServiceRegistry holds all domain services.
type ServiceRegistry struct {
	Devices  *DeviceService
	Sessions *SessionService
	Quota    *QuotaService
	Ledger   *LedgerService
}
