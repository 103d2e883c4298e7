package refdata

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hcledger/claimsink/internal/storage"
)

// fakeRefStore serves lookups from an in-memory table and counts calls.
type fakeRefStore struct {
	mu          sync.Mutex
	rows        map[string]int64
	nextID      int64
	lookups     int
	upserts     int
	discoveries []string
	lookupErr   error
}

func newFakeRefStore() *fakeRefStore {
	return &fakeRefStore{rows: make(map[string]int64), nextID: 100}
}

func key(kind storage.RefKind, code string) string { return string(kind) + "/" + code }

func (f *fakeRefStore) LookupRef(ctx context.Context, kind storage.RefKind, code string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookupErr != nil {
		return 0, f.lookupErr
	}
	if id, ok := f.rows[key(kind, code)]; ok {
		return id, nil
	}
	return 0, storage.ErrNotFound
}

func (f *fakeRefStore) UpsertRef(ctx context.Context, kind storage.RefKind, code string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	k := key(kind, code)
	if id, ok := f.rows[k]; ok {
		return id, nil
	}
	f.nextID++
	f.rows[k] = f.nextID
	return f.nextID, nil
}

func (f *fakeRefStore) RecordCodeDiscovery(ctx context.Context, kind storage.RefKind, code, fileID string, inserted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoveries = append(f.discoveries, fmt.Sprintf("%s/%s/%s/%v", kind, code, fileID, inserted))
	return nil
}

func TestResolveKnownCodeIsCached(t *testing.T) {
	fs := newFakeRefStore()
	fs.rows[key(storage.RefPayer, "INS-456")] = 7
	r := New(fs, false, time.Minute, nil)
	ctx := context.Background()

	sess := r.Session("f1.xml")
	id, err := sess.Resolve(ctx, storage.RefPayer, "INS-456")
	if err != nil || id == nil || *id != 7 {
		t.Fatalf("resolve = %v, %v; want 7", id, err)
	}

	// Second resolution, different session: served from the process cache.
	sess2 := r.Session("f2.xml")
	if _, err := sess2.Resolve(ctx, storage.RefPayer, "INS-456"); err != nil {
		t.Fatal(err)
	}
	if fs.lookups != 1 {
		t.Fatalf("lookups = %d, want 1 (cache hit expected)", fs.lookups)
	}
}

func TestResolveUnknownWithoutAutoInsert(t *testing.T) {
	fs := newFakeRefStore()
	r := New(fs, false, time.Minute, nil)
	sess := r.Session("f1.xml")

	id, err := sess.Resolve(context.Background(), storage.RefClinician, "DHA-P-99")
	if err != nil {
		t.Fatal(err)
	}
	if id != nil {
		t.Fatalf("id = %d, want nil surrogate for unknown code", *id)
	}
	if fs.upserts != 0 {
		t.Fatalf("upserts = %d, want 0 with auto-insert off", fs.upserts)
	}
	if len(fs.discoveries) != 1 {
		t.Fatalf("discoveries = %v, want one audit row", fs.discoveries)
	}

	// Negative entry cached: a second file does not re-query.
	if _, err := r.Session("f2.xml").Resolve(context.Background(), storage.RefClinician, "DHA-P-99"); err != nil {
		t.Fatal(err)
	}
	if fs.lookups != 1 {
		t.Fatalf("lookups = %d, want 1 (negative cache)", fs.lookups)
	}
}

func TestResolveAutoInsert(t *testing.T) {
	fs := newFakeRefStore()
	r := New(fs, true, time.Minute, nil)
	sess := r.Session("f1.xml")
	ctx := context.Background()

	id, err := sess.Resolve(ctx, storage.RefActivity, "99213")
	if err != nil || id == nil {
		t.Fatalf("resolve = %v, %v", id, err)
	}
	if fs.upserts != 1 {
		t.Fatalf("upserts = %d, want 1", fs.upserts)
	}
	// Same code converges on the same surrogate.
	id2, err := r.Session("f2.xml").Resolve(ctx, storage.RefActivity, "99213")
	if err != nil || id2 == nil || *id2 != *id {
		t.Fatalf("second resolve = %v, %v; want %d", id2, err, *id)
	}
}

func TestSessionAuditsOncePerCode(t *testing.T) {
	fs := newFakeRefStore()
	r := New(fs, true, time.Minute, nil)
	sess := r.Session("f1.xml")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := sess.Resolve(ctx, storage.RefDenial, "CO-97"); err != nil {
			t.Fatal(err)
		}
	}
	if len(fs.discoveries) != 1 {
		t.Fatalf("discoveries = %d, want 1 per (kind, code) per file", len(fs.discoveries))
	}
}

func TestResolveEmptyCode(t *testing.T) {
	fs := newFakeRefStore()
	r := New(fs, true, time.Minute, nil)
	id, err := r.Session("f.xml").Resolve(context.Background(), storage.RefPayer, "")
	if err != nil || id != nil {
		t.Fatalf("empty code: id=%v err=%v, want nil, nil", id, err)
	}
	if fs.lookups != 0 {
		t.Fatal("empty code hit the store")
	}
}

func TestResolveLookupErrorPropagates(t *testing.T) {
	fs := newFakeRefStore()
	fs.lookupErr = fmt.Errorf("connection reset")
	r := New(fs, false, time.Minute, nil)
	if _, err := r.Session("f.xml").Resolve(context.Background(), storage.RefPayer, "X"); err == nil {
		t.Fatal("lookup failure swallowed")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	fs := newFakeRefStore()
	fs.rows[key(storage.RefProvider, "PR-1")] = 5
	r := New(fs, false, time.Nanosecond, nil)
	ctx := context.Background()

	if _, err := r.Session("a.xml").Resolve(ctx, storage.RefProvider, "PR-1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := r.Session("b.xml").Resolve(ctx, storage.RefProvider, "PR-1"); err != nil {
		t.Fatal(err)
	}
	if fs.lookups != 2 {
		t.Fatalf("lookups = %d, want 2 after ttl expiry", fs.lookups)
	}
}
