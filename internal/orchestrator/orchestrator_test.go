package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hcledger/claimsink/internal/fetcher"
	"github.com/hcledger/claimsink/internal/pipeline"
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

// recordingStore captures the audit trail of a run.
type recordingStore struct {
	mu sync.Mutex

	verifyOK   bool
	runClosed  chan struct{}
	summary    storage.RunSummary
	audits     []*storage.FileAudit
	errRecords []*storage.ErrorRecord
}

func newRecordingStore() *recordingStore {
	return &recordingStore{verifyOK: true, runClosed: make(chan struct{})}
}

func (s *recordingStore) PersistFile(ctx context.Context, rs *storage.RowSet) (*storage.PersistResult, error) {
	return &storage.PersistResult{
		FileRowID:   1,
		ClaimKeyIDs: []int64{101},
		Persisted:   rs.Parsed,
	}, nil
}

func (s *recordingStore) RecalculateActivitySummary(ctx context.Context, id int64) error { return nil }
func (s *recordingStore) RecalculateClaimPayment(ctx context.Context, id int64) error    { return nil }

func (s *recordingStore) VerifyFile(ctx context.Context, fileID string, parsed types.Counts) (*storage.VerifyResult, error) {
	if !s.verifyOK {
		return &storage.VerifyResult{OK: false, Detail: "claims 0/1 activities 0/1 missing-events 0 orphans 0/0"}, nil
	}
	return &storage.VerifyResult{OK: true, Parsed: parsed, Persisted: parsed}, nil
}

func (s *recordingStore) BeginRun(ctx context.Context, source, reason string) (string, error) {
	return "run-test-1", nil
}

func (s *recordingStore) CloseRun(ctx context.Context, runID string, summary storage.RunSummary) error {
	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()
	close(s.runClosed)
	return nil
}

func (s *recordingStore) RecordFileAudit(ctx context.Context, a *storage.FileAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, a)
	return nil
}

func (s *recordingStore) RecordError(ctx context.Context, r *storage.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errRecords = append(s.errRecords, r)
	return nil
}

func (s *recordingStore) LookupRef(ctx context.Context, kind storage.RefKind, code string) (int64, error) {
	return 0, storage.ErrNotFound
}
func (s *recordingStore) UpsertRef(ctx context.Context, kind storage.RefKind, code string) (int64, error) {
	return 0, storage.ErrNotFound
}
func (s *recordingStore) RecordCodeDiscovery(ctx context.Context, kind storage.RefKind, code, fileID string, inserted bool) error {
	return nil
}
func (s *recordingStore) Close() error { return nil }

func (s *recordingStore) auditFor(fileID string) *storage.FileAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.audits {
		if a.FileID == fileID {
			return a
		}
	}
	return nil
}

// scriptedFetcher emits a fixed item list, then blocks until cancelled.
type scriptedFetcher struct {
	items []fetcher.WorkItem
}

func (f *scriptedFetcher) Start(ctx context.Context, emit fetcher.EmitFunc) error {
	for _, item := range f.items {
		if emit(ctx, item) == fetcher.Stopped {
			return nil
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *scriptedFetcher) Pause()  {}
func (f *scriptedFetcher) Resume() {}

// recordingAcker captures every ack; optionally fails them all.
type recordingAcker struct {
	mu    sync.Mutex
	fail  bool
	acked []fetcher.Outcome
	files []string
}

func (a *recordingAcker) Ack(ctx context.Context, item fetcher.WorkItem, outcome fetcher.Outcome) error {
	if a.fail {
		return errors.New("downstream unavailable")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, outcome)
	a.files = append(a.files, item.FileID)
	return nil
}

func (a *recordingAcker) ackedFile(fileID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range a.files {
		if f == fileID {
			return true
		}
	}
	return false
}

func item(id, body string) fetcher.WorkItem {
	return fetcher.WorkItem{FileID: id, Bytes: []byte(body), Source: fetcher.SourceLocalFS}
}

// runOnce drives a full run over the scripted items and waits for close.
func runOnce(t *testing.T, store *recordingStore, acker *recordingAcker, items ...fetcher.WorkItem) storage.RunSummary {
	t.Helper()
	resolver := refdata.New(store, false, 0, nil)
	pipe := pipeline.New(store, resolver, pipeline.Options{FileTimeout: 5 * time.Second}, nil)
	o := New(store, pipe, []fetcher.Fetcher{&scriptedFetcher{items: items}},
		[]fetcher.Acker{acker}, Options{Source: "localfs", QueueCapacity: 16, Workers: 2}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	// Give the run time to process everything, then drain.
	deadline := time.After(5 * time.Second)
	for {
		store.mu.Lock()
		processed := len(store.audits)
		store.mu.Unlock()
		if processed >= len(items) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d/%d files audited before deadline", processed, len(items))
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not drain")
	}
	<-store.runClosed

	if got := o.State(); got != types.RunEnded {
		t.Fatalf("final state = %v", got)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.summary
}

func TestRunEndToEndCountsAndAcks(t *testing.T) {
	store := newRecordingStore()
	acker := &recordingAcker{}

	summary := runOnce(t, store, acker,
		item("SUB-1.xml", submissionDoc),
		item("SUB-2.xml", submissionDoc),
		item("bad.xml", "<Claim.Submission><unterminated"),
	)

	if summary.Discovered != 3 || summary.Pulled != 3 {
		t.Errorf("discovered/pulled = %d/%d, want 3/3", summary.Discovered, summary.Pulled)
	}
	if summary.OK != 2 {
		t.Errorf("ok = %d, want 2", summary.OK)
	}
	if summary.Failed != 1 {
		t.Errorf("failed = %d, want 1", summary.Failed)
	}
	// Terminal parse failures ack too, so the source stops re-offering.
	if summary.AcksSent != 3 {
		t.Errorf("acks_sent = %d, want 3", summary.AcksSent)
	}
	if !acker.ackedFile("bad.xml") {
		t.Error("terminal file never acked")
	}

	audit := store.auditFor("bad.xml")
	if audit == nil {
		t.Fatal("no audit for bad.xml")
	}
	if audit.Status != types.AuditFailedTerminal {
		t.Errorf("bad.xml status = %v", audit.Status)
	}
	if audit.ErrorKind != types.KindParseMalformed {
		t.Errorf("bad.xml error kind = %v", audit.ErrorKind)
	}
	if len(store.errRecords) != 1 {
		t.Fatalf("error records = %d, want 1", len(store.errRecords))
	}
	if store.errRecords[0].Retryable {
		t.Error("parse failure recorded retryable")
	}
}

func TestVerifyFailureIsNeverAcked(t *testing.T) {
	store := newRecordingStore()
	store.verifyOK = false
	acker := &recordingAcker{}

	summary := runOnce(t, store, acker, item("SUB-1.xml", submissionDoc))

	if summary.Failed != 1 || summary.OK != 0 {
		t.Errorf("failed/ok = %d/%d", summary.Failed, summary.OK)
	}
	if summary.AcksSent != 0 {
		t.Errorf("acks_sent = %d, want 0", summary.AcksSent)
	}
	if acker.ackedFile("SUB-1.xml") {
		t.Error("verification failure was acked")
	}

	audit := store.auditFor("SUB-1.xml")
	if audit.ErrorKind != types.KindVerificationMismatch {
		t.Errorf("error kind = %v", audit.ErrorKind)
	}
	// Mismatch stays retryable: a later run may reprocess the file.
	found := false
	for _, r := range store.errRecords {
		if r.Kind == types.KindVerificationMismatch && r.Retryable {
			found = true
		}
	}
	if !found {
		t.Error("no retryable mismatch error record")
	}
}

func TestAckFailureRecordedAndNotCounted(t *testing.T) {
	store := newRecordingStore()
	acker := &recordingAcker{fail: true}

	summary := runOnce(t, store, acker, item("SUB-1.xml", submissionDoc))

	if summary.OK != 1 {
		t.Errorf("ok = %d, want 1 (persist succeeded)", summary.OK)
	}
	if summary.AcksSent != 0 {
		t.Errorf("acks_sent = %d, want 0 after ack failure", summary.AcksSent)
	}
	found := false
	for _, r := range store.errRecords {
		if r.Kind == types.KindAckFailed && r.Retryable && r.Stage == types.StageAcking {
			found = true
		}
	}
	if !found {
		t.Fatalf("no ACK_FAILED error record; got %+v", store.errRecords)
	}
}

func TestEmitBackpressureSingleRequeue(t *testing.T) {
	store := newRecordingStore()
	o := New(store, nil, nil, nil, Options{QueueCapacity: 1}, nil, nil)
	q := queue.New[fetcher.WorkItem](1)
	emit := o.emitFunc(q)

	ctx := context.Background()
	if got := emit(ctx, item("a.xml", "x")); got != fetcher.Queued {
		t.Fatalf("first emit = %v", got)
	}
	// Queue full and never drained: the single requeue also fails.
	start := time.Now()
	if got := emit(ctx, item("b.xml", "x")); got != fetcher.Dropped {
		t.Fatalf("saturated emit = %v, want Dropped", got)
	}
	if time.Since(start) < requeueDelay {
		t.Error("drop reported before the requeue grace period")
	}

	q.Close()
	if got := emit(ctx, item("c.xml", "x")); got != fetcher.Stopped {
		t.Fatalf("emit after close = %v, want Stopped", got)
	}
}
