package aggregate

import (
	"testing"
	"time"

	"github.com/hcledger/claimsink/internal/types"
)

func TestRollupSumsActivities(t *testing.T) {
	rows := []Summary{
		{ActivityID: "A1", Submitted: dec("100"), Paid: dec("100"), NetPaid: dec("100"),
			TakenBack: dec("0"), Rejected: dec("0"), Denied: dec("0"),
			RemittanceCount: 1, Status: types.StatusFullyPaid},
		{ActivityID: "A2", Submitted: dec("50"), Paid: dec("0"), NetPaid: dec("0"),
			TakenBack: dec("0"), Rejected: dec("0"), Denied: dec("0"),
			Status: types.StatusPending},
	}
	p := Rollup(9, rows, Lifecycle{})
	if !p.TotalSubmitted.Equal(dec("150")) {
		t.Errorf("total_submitted = %s, want 150", p.TotalSubmitted)
	}
	if !p.TotalPaid.Equal(dec("100")) || !p.TotalRemitted.Equal(dec("100")) {
		t.Errorf("total_paid = %s, total_remitted = %s, want both 100", p.TotalPaid, p.TotalRemitted)
	}
	if p.ActivityCount != 2 || p.FullyPaidCount != 1 || p.PendingCount != 1 {
		t.Errorf("counts: activities %d fully_paid %d pending %d", p.ActivityCount, p.FullyPaidCount, p.PendingCount)
	}
	if p.Status != types.StatusPartiallyPaid {
		t.Errorf("claim status = %s, want PARTIALLY_PAID", p.Status)
	}
}

func TestRollupEmptyClaimIsPending(t *testing.T) {
	p := Rollup(1, nil, Lifecycle{})
	if p.Status != types.StatusPending {
		t.Fatalf("status = %s, want PENDING", p.Status)
	}
	if !p.TotalSubmitted.IsZero() || p.ActivityCount != 0 {
		t.Fatalf("empty rollup has data: %+v", p)
	}
}

func TestRollupRemittanceCountIsMaxNotSum(t *testing.T) {
	rows := []Summary{
		{ActivityID: "A1", Submitted: dec("10"), RemittanceCount: 2, Status: types.StatusPending,
			Paid: dec("0"), NetPaid: dec("0"), TakenBack: dec("0"), Rejected: dec("0"), Denied: dec("0")},
		{ActivityID: "A2", Submitted: dec("10"), RemittanceCount: 1, Status: types.StatusPending,
			Paid: dec("0"), NetPaid: dec("0"), TakenBack: dec("0"), Rejected: dec("0"), Denied: dec("0")},
	}
	if p := Rollup(1, rows, Lifecycle{}); p.RemittanceCount != 2 {
		t.Fatalf("remittance_count = %d, want 2", p.RemittanceCount)
	}
}

func TestRollupDaysToFirstPayment(t *testing.T) {
	sub := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	pay := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	p := Rollup(1, nil, Lifecycle{FirstSubmissionAt: &sub, FirstSettlementAt: &pay})
	if p.DaysToFirstPayment == nil || *p.DaysToFirstPayment != 14 {
		t.Fatalf("days_to_first_payment = %v, want 14", p.DaysToFirstPayment)
	}

	// Settlement before submission (clock skew, out-of-order ingest):
	// no metric rather than a negative one.
	early := sub.Add(-48 * time.Hour)
	p = Rollup(1, nil, Lifecycle{FirstSubmissionAt: &sub, FirstSettlementAt: &early})
	if p.DaysToFirstPayment != nil {
		t.Fatalf("days_to_first_payment = %v, want nil", *p.DaysToFirstPayment)
	}
}

func TestRollupLifecyclePassthrough(t *testing.T) {
	sub := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	p := Rollup(1, nil, Lifecycle{
		FirstSubmissionAt: &sub,
		ProcessingCycles:  3,
		ResubmissionCount: 2,
	})
	if p.ProcessingCycles != 3 || p.ResubmissionCount != 2 {
		t.Fatalf("cycles %d resubmissions %d, want 3 and 2", p.ProcessingCycles, p.ResubmissionCount)
	}
	if p.FirstSubmissionAt == nil || !p.FirstSubmissionAt.Equal(sub) {
		t.Fatalf("first_submission_at = %v, want %v", p.FirstSubmissionAt, sub)
	}
}
