package aggregate

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hcledger/claimsink/internal/types"
)

// Lifecycle carries the event-derived dates and counters that feed the
// claim-level rollup but are not functions of the summary rows.
type Lifecycle struct {
	FirstSubmissionAt *time.Time
	LastSubmissionAt  *time.Time
	FirstSettlementAt *time.Time
	LastSettlementAt  *time.Time
	ProcessingCycles  int // SUBMISSION + RESUBMISSION events
	ResubmissionCount int
}

// Payment is one claim_payment row: the straight sum of the claim's
// activity summaries plus lifecycle metrics.
type Payment struct {
	ClaimKeyID         int64
	TotalSubmitted     decimal.Decimal
	TotalPaid          decimal.Decimal
	TotalRemitted      decimal.Decimal // defined equal to TotalPaid
	TotalTakenBack     decimal.Decimal
	TotalNetPaid       decimal.Decimal
	TotalRejected      decimal.Decimal
	TotalDenied        decimal.Decimal
	ActivityCount      int
	FullyPaidCount     int
	PartiallyPaidCount int
	RejectedCount      int
	PendingCount       int
	TakenBackCount     int
	PartialTBCount     int
	RemittanceCount    int
	FirstSubmissionAt  *time.Time
	LastSubmissionAt   *time.Time
	FirstSettlementAt  *time.Time
	LastSettlementAt   *time.Time
	DaysToFirstPayment *int
	ProcessingCycles   int
	ResubmissionCount  int
	Status             types.ActivityStatus
}

// Rollup recomputes the claim-level payment row from the activity summary
// rows. Idempotent; same six-state status logic applied to claim totals.
func Rollup(claimKeyID int64, rows []Summary, lc Lifecycle) Payment {
	p := Payment{
		ClaimKeyID:        claimKeyID,
		TotalSubmitted:    decimal.Zero,
		TotalPaid:         decimal.Zero,
		TotalTakenBack:    decimal.Zero,
		TotalNetPaid:      decimal.Zero,
		TotalRejected:     decimal.Zero,
		TotalDenied:       decimal.Zero,
		FirstSubmissionAt: lc.FirstSubmissionAt,
		LastSubmissionAt:  lc.LastSubmissionAt,
		FirstSettlementAt: lc.FirstSettlementAt,
		LastSettlementAt:  lc.LastSettlementAt,
		ProcessingCycles:  lc.ProcessingCycles,
		ResubmissionCount: lc.ResubmissionCount,
	}

	remits := 0
	for i := range rows {
		s := &rows[i]
		p.TotalSubmitted = p.TotalSubmitted.Add(s.Submitted)
		p.TotalPaid = p.TotalPaid.Add(s.Paid)
		p.TotalTakenBack = p.TotalTakenBack.Add(s.TakenBack)
		p.TotalNetPaid = p.TotalNetPaid.Add(s.NetPaid)
		p.TotalRejected = p.TotalRejected.Add(s.Rejected)
		p.TotalDenied = p.TotalDenied.Add(s.Denied)
		p.ActivityCount++
		if s.RemittanceCount > remits {
			remits = s.RemittanceCount
		}
		switch s.Status {
		case types.StatusFullyPaid:
			p.FullyPaidCount++
		case types.StatusPartiallyPaid:
			p.PartiallyPaidCount++
		case types.StatusRejected:
			p.RejectedCount++
		case types.StatusPending:
			p.PendingCount++
		case types.StatusTakenBack:
			p.TakenBackCount++
		case types.StatusPartiallyTakenBack:
			p.PartialTBCount++
		}
	}
	p.RemittanceCount = remits
	p.TotalRemitted = p.TotalPaid

	if lc.FirstSubmissionAt != nil && lc.FirstSettlementAt != nil &&
		!lc.FirstSettlementAt.Before(*lc.FirstSubmissionAt) {
		d := int(lc.FirstSettlementAt.Sub(*lc.FirstSubmissionAt).Hours() / 24)
		p.DaysToFirstPayment = &d
	}

	p.Status = StatusOf(p.TotalSubmitted, p.TotalTakenBack, p.TotalNetPaid, p.TotalRejected)
	return p
}
