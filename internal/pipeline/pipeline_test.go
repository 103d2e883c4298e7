package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hcledger/claimsink/internal/fetcher"
	"github.com/hcledger/claimsink/internal/queue"
	"github.com/hcledger/claimsink/internal/refdata"
	"github.com/hcledger/claimsink/internal/storage"
	"github.com/hcledger/claimsink/internal/types"
)

const submissionDoc = `<?xml version="1.0" encoding="utf-8"?>
<Claim.Submission>
  <Header>
    <SenderID>DHA-F-0000123</SenderID>
    <ReceiverID>INS-456</ReceiverID>
    <TransactionDate>02/03/2026 14:30</TransactionDate>
    <RecordCount>1</RecordCount>
    <DispositionFlag>PRODUCTION</DispositionFlag>
  </Header>
  <Claim>
    <ID>C-1001</ID>
    <PayerID>INS-456</PayerID>
    <ProviderID>DHA-F-0000123</ProviderID>
    <Gross>150.00</Gross>
    <PatientShare>20.00</PatientShare>
    <Net>130.00</Net>
    <Activity>
      <ID>A1</ID>
      <Start>02/03/2026 09:00</Start>
      <Type>3</Type>
      <Code>99213</Code>
      <Quantity>1</Quantity>
      <Net>130.00</Net>
      <Clinician>DHA-P-55</Clinician>
    </Activity>
  </Claim>
</Claim.Submission>`

// fakeStore scripts persist/recalc/verify behavior per test.
type fakeStore struct {
	mu sync.Mutex

	persistRes *storage.PersistResult
	persistErr error
	recalcErr  error
	verifyRes  *storage.VerifyResult
	verifyErr  error

	persistCalls int
	recalcCalls  []int64
	verifyCalls  int
}

func (f *fakeStore) PersistFile(ctx context.Context, rs *storage.RowSet) (*storage.PersistResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistCalls++
	if f.persistErr != nil {
		return nil, f.persistErr
	}
	return f.persistRes, nil
}

func (f *fakeStore) RecalculateActivitySummary(ctx context.Context, claimKeyID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recalcCalls = append(f.recalcCalls, claimKeyID)
	return f.recalcErr
}

func (f *fakeStore) RecalculateClaimPayment(ctx context.Context, claimKeyID int64) error {
	return f.recalcErr
}

func (f *fakeStore) VerifyFile(ctx context.Context, fileID string, parsed types.Counts) (*storage.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if f.verifyRes != nil {
		return f.verifyRes, nil
	}
	return &storage.VerifyResult{OK: true, Parsed: parsed, Persisted: parsed}, nil
}

func (f *fakeStore) BeginRun(ctx context.Context, source, reason string) (string, error) {
	return "run-1", nil
}
func (f *fakeStore) CloseRun(ctx context.Context, runID string, s storage.RunSummary) error {
	return nil
}
func (f *fakeStore) RecordFileAudit(ctx context.Context, a *storage.FileAudit) error { return nil }
func (f *fakeStore) RecordError(ctx context.Context, r *storage.ErrorRecord) error   { return nil }
func (f *fakeStore) LookupRef(ctx context.Context, kind storage.RefKind, code string) (int64, error) {
	return 0, storage.ErrNotFound
}
func (f *fakeStore) UpsertRef(ctx context.Context, kind storage.RefKind, code string) (int64, error) {
	return 0, storage.ErrNotFound
}
func (f *fakeStore) RecordCodeDiscovery(ctx context.Context, kind storage.RefKind, code, fileID string, inserted bool) error {
	return nil
}
func (f *fakeStore) Close() error { return nil }

func newTestPipeline(fs *fakeStore, opts Options) *Pipeline {
	resolver := refdata.New(fs, false, 0, nil)
	return New(fs, resolver, opts, nil)
}

func workItem(id string, body string) fetcher.WorkItem {
	return fetcher.WorkItem{FileID: id, Bytes: []byte(body), Source: fetcher.SourceLocalFS}
}

func okPersist(keys ...int64) *storage.PersistResult {
	return &storage.PersistResult{
		FileRowID:   1,
		ClaimKeyIDs: keys,
		Persisted:   types.Counts{Claims: 1, Activities: 1, Events: 1},
	}
}

func TestRunHappyPath(t *testing.T) {
	fs := &fakeStore{persistRes: okPersist(101)}
	p := newTestPipeline(fs, Options{})

	res := p.Run(context.Background(), workItem("SUB-1.xml", submissionDoc))
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if res.Status != types.AuditOK {
		t.Errorf("status = %v, want OK", res.Status)
	}
	if res.Stage != types.StageDone {
		t.Errorf("stage = %v, want done", res.Stage)
	}
	if !res.VerifyOK {
		t.Error("verify not marked OK")
	}
	if res.Parsed.Claims != 1 || res.Parsed.Activities != 1 {
		t.Errorf("parsed counts = %+v", res.Parsed)
	}
	if len(fs.recalcCalls) != 1 || fs.recalcCalls[0] != 101 {
		t.Errorf("recalc calls = %v, want [101]", fs.recalcCalls)
	}
	if fs.verifyCalls != 1 {
		t.Errorf("verify calls = %d", fs.verifyCalls)
	}
}

func TestRunMalformedXMLIsTerminal(t *testing.T) {
	fs := &fakeStore{}
	p := newTestPipeline(fs, Options{})

	res := p.Run(context.Background(), workItem("bad.xml", "<Claim.Submission><unterminated"))
	if res.Err == nil {
		t.Fatal("malformed file did not fail")
	}
	if res.Status != types.AuditFailedTerminal {
		t.Errorf("status = %v, want terminal", res.Status)
	}
	if res.Stage != types.StageParsing {
		t.Errorf("stage = %v", res.Stage)
	}
	if !types.KindOf(res.Err).Terminal() {
		t.Errorf("kind = %v not terminal", types.KindOf(res.Err))
	}
	if fs.persistCalls != 0 {
		t.Error("persist reached despite parse failure")
	}
}

func TestRunAlreadySkipsRecalcAndVerify(t *testing.T) {
	fs := &fakeStore{persistRes: &storage.PersistResult{Already: true, FileRowID: 1}}
	p := newTestPipeline(fs, Options{})

	res := p.Run(context.Background(), workItem("SUB-1.xml", submissionDoc))
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if res.Status != types.AuditAlready {
		t.Errorf("status = %v, want ALREADY", res.Status)
	}
	if !res.VerifyOK {
		t.Error("ALREADY result should ack, so VerifyOK must hold")
	}
	if len(fs.recalcCalls) != 0 || fs.verifyCalls != 0 {
		t.Errorf("ALREADY triggered recalc=%v verify=%d", fs.recalcCalls, fs.verifyCalls)
	}
}

func TestRunPersistTransientIsRetryable(t *testing.T) {
	fs := &fakeStore{
		persistErr: types.NewError(types.KindPersistTransient, types.StagePersisting, "deadlock", nil),
	}
	p := newTestPipeline(fs, Options{})

	res := p.Run(context.Background(), workItem("SUB-1.xml", submissionDoc))
	if res.Status != types.AuditFailed {
		t.Errorf("status = %v, want FAILED (retryable)", res.Status)
	}
	if out := res.Outcome(); out.Terminal {
		t.Error("transient persist failure reported terminal to the acker")
	}
}

func TestRunPersistValidationIsTerminal(t *testing.T) {
	fs := &fakeStore{
		persistErr: types.NewError(types.KindPersistValidation, types.StagePersisting, "bad row", nil),
	}
	p := newTestPipeline(fs, Options{})

	res := p.Run(context.Background(), workItem("SUB-1.xml", submissionDoc))
	if res.Status != types.AuditFailedTerminal {
		t.Errorf("status = %v, want terminal", res.Status)
	}
	if out := res.Outcome(); !out.Terminal {
		t.Error("validation failure not terminal to the acker")
	}
}

func TestRunAggregateFailureKeepsPersist(t *testing.T) {
	fs := &fakeStore{
		persistRes: okPersist(101),
		recalcErr:  errors.New("lock timeout"),
	}
	p := newTestPipeline(fs, Options{})

	res := p.Run(context.Background(), workItem("SUB-1.xml", submissionDoc))
	if types.KindOf(res.Err) != types.KindAggregateFailed {
		t.Fatalf("kind = %v, err = %v", types.KindOf(res.Err), res.Err)
	}
	if res.Stage != types.StageAggregating {
		t.Errorf("stage = %v", res.Stage)
	}
	// Base rows stay committed; the failure is retryable, not terminal.
	if out := res.Outcome(); out.Terminal {
		t.Error("aggregate failure reported terminal")
	}
	if fs.verifyCalls != 0 {
		t.Error("verify ran after aggregate failure")
	}
}

func TestRunInlineRecalcSkipsFollowup(t *testing.T) {
	fs := &fakeStore{persistRes: okPersist(101)}
	p := newTestPipeline(fs, Options{RecalcInline: true})

	res := p.Run(context.Background(), workItem("SUB-1.xml", submissionDoc))
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if len(fs.recalcCalls) != 0 {
		t.Errorf("inline mode still issued followup recalc: %v", fs.recalcCalls)
	}
}

func TestRunVerifyMismatchWithholdsAck(t *testing.T) {
	fs := &fakeStore{
		persistRes: okPersist(101),
		verifyRes:  &storage.VerifyResult{OK: false, Detail: "claims 0/1 activities 0/1 missing-events 0 orphans 0/0"},
	}
	p := newTestPipeline(fs, Options{})

	res := p.Run(context.Background(), workItem("SUB-1.xml", submissionDoc))
	if types.KindOf(res.Err) != types.KindVerificationMismatch {
		t.Fatalf("kind = %v", types.KindOf(res.Err))
	}
	if res.VerifyOK {
		t.Error("mismatch marked VerifyOK")
	}
	if res.Status == types.AuditOK {
		t.Error("mismatch reported OK")
	}
	if out := res.Outcome(); out.Terminal {
		t.Error("verification mismatch must stay retryable")
	}
}

func TestRunEmitsFileSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	defer otel.SetTracerProvider(prev)

	fs := &fakeStore{persistRes: okPersist(101)}
	p := newTestPipeline(fs, Options{})

	if res := p.Run(context.Background(), workItem("SUB-1.xml", submissionDoc)); res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "pipeline.run" {
		t.Errorf("span name = %q", span.Name())
	}
	got := map[attribute.Key]string{}
	for _, kv := range span.Attributes() {
		got[kv.Key] = kv.Value.AsString()
	}
	if got["file.id"] != "SUB-1.xml" {
		t.Errorf("file.id = %q", got["file.id"])
	}
	if got["audit.status"] != "OK" {
		t.Errorf("audit.status = %q", got["audit.status"])
	}
}

func TestPoolProcessesQueueAndStopsOnClose(t *testing.T) {
	fs := &fakeStore{persistRes: okPersist(101)}
	p := newTestPipeline(fs, Options{})
	q := queue.New[fetcher.WorkItem](16)
	pool := NewPool(p, q, 3, nil)

	const n = 8
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if res := q.Offer(workItem(fmt.Sprintf("SUB-%d.xml", i), submissionDoc)); res != queue.Accepted {
			t.Fatalf("offer %d: %v", i, res)
		}
	}
	q.Close()

	out := make(chan *Result, n)
	if err := pool.Run(ctx, out); err != nil {
		t.Fatalf("pool: %v", err)
	}
	close(out)

	got := 0
	for res := range out {
		got++
		if res.Status != types.AuditOK {
			t.Errorf("%s: status = %v", res.Item.FileID, res.Status)
		}
	}
	if got != n {
		t.Fatalf("results = %d, want %d", got, n)
	}
	if fs.persistCalls != n {
		t.Fatalf("persist calls = %d, want %d", fs.persistCalls, n)
	}
}

func TestPoolDefaultsWorkersToNumCPU(t *testing.T) {
	q := queue.New[fetcher.WorkItem](1)
	pool := NewPool(nil, q, 0, nil)
	if pool.Workers() < 1 {
		t.Fatalf("workers = %d", pool.Workers())
	}
}
