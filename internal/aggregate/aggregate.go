// Package aggregate holds the pure financial-summary math behind the
// claim_activity_summary and claim_payment tables.
//
// Everything here is a function of current base-table state: arrival order
// of remittances, resubmissions, and out-of-order submissions cannot change
// the result, and re-running any function converges to the same answer.
// The postgres store loads base rows, calls these functions under a
// claim-key row lock, and upserts the output.
package aggregate

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hcledger/claimsink/internal/types"
)

// ActivityBase is one submitted activity: the denominator of the summary.
type ActivityBase struct {
	ActivityID string
	Submitted  decimal.Decimal // Activity.net, always >= 0
}

// PaymentLine is one remittance_activity row. Amount is signed; negative
// amounts are take-backs.
type PaymentLine struct {
	ActivityID   string
	Amount       decimal.Decimal
	DenialCode   string
	SettledAt    time.Time
	LineID       int64 // remittance_activity surrogate id, tie-break for latest denial
	RemitClaimID int64
}

// Summary is one claim_activity_summary row.
type Summary struct {
	ClaimKeyID       int64
	ActivityID       string
	Submitted        decimal.Decimal
	Paid             decimal.Decimal // min(sum of positive payments, Submitted)
	TakenBack        decimal.Decimal // sum of |negative payments|
	NetPaid          decimal.Decimal // max(0, Paid - TakenBack)
	Rejected         decimal.Decimal
	Denied           decimal.Decimal
	LatestDenialCode string
	RemittanceCount  int
	FirstPaymentAt   *time.Time
	LastPaymentAt    *time.Time
	Status           types.ActivityStatus
}

// StatusOf is the six-state decision table, applied identically at activity
// and claim grain. First match wins.
func StatusOf(submitted, takenBack, netPaid, rejected decimal.Decimal) types.ActivityStatus {
	switch {
	case takenBack.IsPositive() && netPaid.IsZero():
		return types.StatusTakenBack
	case takenBack.IsPositive() && netPaid.IsPositive() && netPaid.LessThan(submitted):
		return types.StatusPartiallyTakenBack
	case netPaid.Equal(submitted) && submitted.IsPositive():
		return types.StatusFullyPaid
	case netPaid.IsPositive():
		return types.StatusPartiallyPaid
	case rejected.IsPositive():
		return types.StatusRejected
	default:
		return types.StatusPending
	}
}

// Summarize recomputes every activity summary for one claim key from
// scratch. Only activities present in base are emitted: a remittance line
// whose activity has no submission yet is deferred until the submission
// arrives and the function is re-invoked.
//
// Output order is deterministic (by activity id) so repeated runs are
// byte-identical.
func Summarize(claimKeyID int64, base []ActivityBase, lines []PaymentLine) []Summary {
	byActivity := make(map[string][]PaymentLine)
	for _, l := range lines {
		byActivity[l.ActivityID] = append(byActivity[l.ActivityID], l)
	}

	sorted := make([]ActivityBase, len(base))
	copy(sorted, base)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ActivityID < sorted[j].ActivityID })

	out := make([]Summary, 0, len(sorted))
	for _, a := range sorted {
		out = append(out, summarizeOne(claimKeyID, a, byActivity[a.ActivityID]))
	}
	return out
}

func summarizeOne(claimKeyID int64, a ActivityBase, lines []PaymentLine) Summary {
	s := Summary{
		ClaimKeyID: claimKeyID,
		ActivityID: a.ActivityID,
		Submitted:  a.Submitted,
		Paid:       decimal.Zero,
		TakenBack:  decimal.Zero,
		NetPaid:    decimal.Zero,
		Rejected:   decimal.Zero,
		Denied:     decimal.Zero,
	}

	posSum := decimal.Zero
	var latest *PaymentLine
	remitClaims := make(map[int64]struct{})
	for i := range lines {
		l := &lines[i]
		remitClaims[l.RemitClaimID] = struct{}{}
		if l.Amount.IsNegative() {
			s.TakenBack = s.TakenBack.Add(l.Amount.Abs())
		} else {
			posSum = posSum.Add(l.Amount)
			if l.Amount.IsPositive() {
				t := l.SettledAt
				if s.FirstPaymentAt == nil || t.Before(*s.FirstPaymentAt) {
					s.FirstPaymentAt = cloneTime(t)
				}
				if s.LastPaymentAt == nil || t.After(*s.LastPaymentAt) {
					s.LastPaymentAt = cloneTime(t)
				}
			}
		}
		// Latest denial: greatest (settlement date, line id).
		if l.DenialCode != "" {
			if latest == nil || l.SettledAt.After(latest.SettledAt) ||
				(l.SettledAt.Equal(latest.SettledAt) && l.LineID > latest.LineID) {
				latest = l
			}
		}
	}
	s.RemittanceCount = len(remitClaims)

	// Cumulative-with-cap: accumulated positive payments never exceed the
	// submitted net.
	s.Paid = decimal.Min(posSum, s.Submitted)
	s.NetPaid = decimal.Max(decimal.Zero, s.Paid.Sub(s.TakenBack))

	if latest != nil {
		s.LatestDenialCode = latest.DenialCode
		if s.Paid.IsZero() {
			s.Rejected = s.Submitted
		}
	}
	// denied mirrors rejected until the business rule owner says otherwise.
	s.Denied = s.Rejected

	s.Status = StatusOf(s.Submitted, s.TakenBack, s.NetPaid, s.Rejected)
	return s
}

func cloneTime(t time.Time) *time.Time { return &t }
