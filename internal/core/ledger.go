package core

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/nextTPCloud/Omerix-sub006/config"
	"github.com/nextTPCloud/Omerix-sub006/internal/infrastructure"
)

// Round2 rounds a monetary figure to two decimals, half away from zero. All
// amounts are rounded before hashing and persisting so chain verification is
// deterministic regardless of floating-point representation drift.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// InclusiveLine is one tax-inclusive amount at a given rate, as rung up at
// the terminal.
type InclusiveLine struct {
	Rate  float64 `json:"rate"`
	Total float64 `json:"total"`
}

// BreakdownFromInclusive derives the tax breakdown from tax-inclusive line
// totals. The pre-tax base comes from the total (base = total/(1+rate/100)),
// never the reverse: that is the derivation direction the fiscal authority
// expects.
func BreakdownFromInclusive(lines []InclusiveLine) (breakdown []TaxLine, taxTotal, gross float64) {
	byRate := make(map[float64]float64)
	order := make([]float64, 0, len(lines))
	for _, l := range lines {
		if _, seen := byRate[l.Rate]; !seen {
			order = append(order, l.Rate)
		}
		byRate[l.Rate] += l.Total
	}

	for _, rate := range order {
		total := Round2(byRate[rate])
		base := Round2(total / (1 + rate/100))
		quota := Round2(total - base)
		breakdown = append(breakdown, TaxLine{Rate: rate, Base: base, Quota: quota})
		taxTotal += quota
		gross += total
	}
	return breakdown, Round2(taxTotal), Round2(gross)
}

// SeriesCode renders the regulatory series+sequence code of a record.
func SeriesCode(series string, year, number int) string {
	return fmt.Sprintf("%s-%d-%06d", series, year, number)
}

// CanonicalString builds the exact field concatenation that gets hashed. The
// field order is a compatibility contract with the fiscal verification
// authority and must not be reordered.
func CanonicalString(rec *FiscalRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "IssuerTaxID=%s", rec.IssuerTaxID)
	fmt.Fprintf(&b, "&Code=%s", SeriesCode(rec.Series, rec.Year, rec.Number))
	fmt.Fprintf(&b, "&IssuedAt=%s", rec.IssuedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "&Kind=%s", rec.Kind)
	fmt.Fprintf(&b, "&TaxTotal=%.2f", rec.TaxTotal)
	fmt.Fprintf(&b, "&Gross=%.2f", rec.Gross)
	fmt.Fprintf(&b, "&Prev=%s", rec.PrevHash)
	return b.String()
}

// ComputeHash returns the uppercase hex SHA-256 of the canonical string.
func ComputeHash(rec *FiscalRecord) string {
	sum := sha256.Sum256([]byte(CanonicalString(rec)))
	return strings.ToUpper(fmt.Sprintf("%x", sum))
}

// ReceiptPayload is the input to IssueRecord.
type ReceiptPayload struct {
	Series      string          `json:"series"`
	Lines       []InclusiveLine `json:"lines"`
	RectifiesID *uint           `json:"rectifies_id"`
}

// LedgerService issues sequentially numbered, hash-chained fiscal records and
// verifies the chain. Sequence state is mutated here and nowhere else.
type LedgerService struct {
	store  TenantStore
	events *infrastructure.Messaging
	logger *logrus.Logger
	cfg    config.FiscalConfig
}

func NewLedgerService(store TenantStore, events *infrastructure.Messaging,
	logger *logrus.Logger, cfg config.FiscalConfig) *LedgerService {
	return &LedgerService{store: store, events: events, logger: logger, cfg: cfg}
}

// NextSequence reserves the next number for a (series, year) pair: strictly
// increasing, no reuse. A reservation that cannot complete is voided, never
// recycled.
func (s *LedgerService) NextSequence(ctx context.Context, tenant, series string, year int) (int, error) {
	repo, err := s.store.Repo(tenant)
	if err != nil {
		return 0, err
	}
	return repo.NextSequence(ctx, series, year)
}

// IssueRecord numbers, hashes and persists a fiscal record, linking it to the
// latest record of the tenant's whole ledger (chain continuity spans series).
// Predecessor resolution is a compare-and-swap on the ledger head: on a lost
// race the record is re-linked to the new head and retried a bounded number
// of times before surfacing LedgerWriteConflict.
func (s *LedgerService) IssueRecord(ctx context.Context, tenant string, device *Device, payload ReceiptPayload) (*FiscalRecord, error) {
	if device.Status != DeviceStatusActive {
		return nil, ErrDeviceInactive
	}

	repo, err := s.store.Repo(tenant)
	if err != nil {
		return nil, err
	}

	series := payload.Series
	if series == "" {
		series = device.SeriesCode
	}
	if series == "" {
		series = s.cfg.DefaultSeries
	}

	kind := RecordKindSale
	if payload.RectifiesID != nil {
		if _, err := repo.GetRecord(ctx, *payload.RectifiesID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, BusinessError{"RectifiedNotFound", "record to rectify does not exist"}
			}
			return nil, err
		}
		kind = RecordKindRectifying
	}

	breakdown, taxTotal, gross := BreakdownFromInclusive(payload.Lines)
	taxJSON, err := json.Marshal(breakdown)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tax breakdown: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	year := now.Year()

	number, err := repo.NextSequence(ctx, series, year)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve sequence number: %w", err)
	}

	record := &FiscalRecord{
		Series:       series,
		Year:         year,
		Number:       number,
		Kind:         kind,
		RectifiesID:  payload.RectifiesID,
		IssuerTaxID:  s.cfg.IssuerTaxID,
		DeviceID:     device.ID,
		IssuedAt:     now,
		Gross:        gross,
		TaxTotal:     taxTotal,
		TaxBreakdown: taxJSON,
	}

	maxRetries := s.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	for attempt := 1; attempt <= maxRetries; attempt++ {
		head, err := repo.GetLedgerHead(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve ledger head: %w", err)
		}

		record.ID = 0
		record.PrevHash = head.Hash
		record.Hash = ComputeHash(record)

		conflict, err := repo.AppendRecord(ctx, record)
		if err != nil {
			return nil, fmt.Errorf("failed to append fiscal record: %w", err)
		}
		if !conflict {
			s.logger.WithFields(logrus.Fields{
				"tenant": tenant,
				"code":   SeriesCode(series, year, number),
				"gross":  gross,
			}).Info("Fiscal record issued")

			if s.events != nil {
				if err := s.events.Publish(ctx, "fiscal.issued", record); err != nil {
					s.logger.WithError(err).Warn("Failed to publish fiscal.issued event")
				}
			}
			return record, nil
		}

		s.logger.WithFields(logrus.Fields{
			"tenant":  tenant,
			"code":    SeriesCode(series, year, number),
			"attempt": attempt,
		}).Warn("Ledger head moved, retrying with new predecessor")
	}

	// The reserved number must not be silently reused for a different
	// receipt: record it as voided before giving up.
	void := &VoidedSequence{
		Series: series,
		Year:   year,
		Number: number,
		Reason: "ledger write conflict, retries exhausted",
	}
	if err := repo.CreateVoidedSequence(ctx, void); err != nil {
		s.logger.WithError(err).Error("Failed to record voided sequence")
	}
	return nil, ErrLedgerWriteConflict
}

// ChainReport is the result of a full chain verification.
type ChainReport struct {
	Valid        bool   `json:"valid"`
	Records      int    `json:"records"`
	FirstBreakID *uint  `json:"first_break_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// VerifyChain recomputes every record's hash from its stored fields in
// issuance order and checks both self-consistency and linkage to the
// predecessor. Mismatches are reported for audit tooling, never repaired.
func (s *LedgerService) VerifyChain(ctx context.Context, tenant string) (*ChainReport, error) {
	repo, err := s.store.Repo(tenant)
	if err != nil {
		return nil, err
	}
	records, err := repo.ListRecordsInChainOrder(ctx)
	if err != nil {
		return nil, err
	}

	report := &ChainReport{Valid: true, Records: len(records)}
	prev := GenesisHash
	for _, rec := range records {
		if rec.PrevHash != prev {
			id := rec.ID
			report.Valid = false
			report.FirstBreakID = &id
			report.Reason = fmt.Sprintf("record %s links to %s, expected %s",
				SeriesCode(rec.Series, rec.Year, rec.Number), rec.PrevHash, prev)
			break
		}
		if got := ComputeHash(rec); got != rec.Hash {
			id := rec.ID
			report.Valid = false
			report.FirstBreakID = &id
			report.Reason = fmt.Sprintf("record %s stored hash does not match its fields",
				SeriesCode(rec.Series, rec.Year, rec.Number))
			break
		}
		prev = rec.Hash
	}

	if !report.Valid {
		s.logger.WithFields(logrus.Fields{
			"tenant": tenant,
			"reason": report.Reason,
		}).Error("Fiscal chain verification failed")
	}
	return report, nil
}
