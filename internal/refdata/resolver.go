// Package refdata resolves business codes (payer, provider, clinician,
// activity/diagnosis/denial codes) to reference-table surrogate ids through
// a process-local cache.
//
// Cache lifecycle is process scoped with a bounded refresh window; on miss
// the database is consulted. When auto-insert is enabled a minimal
// reference row is created through a race-safe unique-constraint upsert.
// Every miss is recorded in code_discovery_audit regardless of the
// auto-insert setting.
package refdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hcledger/claimsink/internal/storage"
)

// RefStore is the slice of the DAO contract the resolver needs.
type RefStore interface {
	LookupRef(ctx context.Context, kind storage.RefKind, code string) (int64, error)
	UpsertRef(ctx context.Context, kind storage.RefKind, code string) (int64, error)
	RecordCodeDiscovery(ctx context.Context, kind storage.RefKind, code, fileID string, inserted bool) error
}

// DefaultTTL bounds how long a cached resolution is trusted before the
// database is consulted again.
const DefaultTTL = 15 * time.Minute

type cacheEntry struct {
	id       int64
	known    bool // false = negative entry (code absent, auto-insert off)
	cachedAt time.Time
}

// Resolver is safe for concurrent use by all pipeline workers.
type Resolver struct {
	store      RefStore
	autoInsert bool
	ttl        time.Duration
	logger     *zap.Logger

	mu    sync.RWMutex
	cache map[storage.RefKind]map[string]cacheEntry
}

// New builds a resolver. autoInsert mirrors the refdata.auto_insert option.
func New(store RefStore, autoInsert bool, ttl time.Duration, logger *zap.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:      store,
		autoInsert: autoInsert,
		ttl:        ttl,
		logger:     logger.Named("refdata"),
		cache:      make(map[storage.RefKind]map[string]cacheEntry),
	}
}

// Session returns a per-file view that memoizes resolutions and writes at
// most one code_discovery_audit row per (kind, code) for the file.
func (r *Resolver) Session(fileID string) *Session {
	return &Session{
		resolver: r,
		fileID:   fileID,
		memo:     make(map[string]*int64),
	}
}

func (r *Resolver) cached(kind storage.RefKind, code string) (cacheEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byCode, ok := r.cache[kind]
	if !ok {
		return cacheEntry{}, false
	}
	e, ok := byCode[code]
	if !ok || time.Since(e.cachedAt) > r.ttl {
		return cacheEntry{}, false
	}
	return e, true
}

func (r *Resolver) put(kind storage.RefKind, code string, e cacheEntry) {
	e.cachedAt = time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	byCode, ok := r.cache[kind]
	if !ok {
		byCode = make(map[string]cacheEntry)
		r.cache[kind] = byCode
	}
	byCode[code] = e
}

// resolve looks up a single code, consulting the database on cache miss.
// The returned pointer is nil when the code is unknown and auto-insert is
// off. discovered reports whether this call hit the miss path (and so
// should be audited by the session).
func (r *Resolver) resolve(ctx context.Context, kind storage.RefKind, code string) (id *int64, discovered bool, err error) {
	if code == "" {
		return nil, false, nil
	}
	if e, ok := r.cached(kind, code); ok {
		if !e.known {
			return nil, false, nil
		}
		v := e.id
		return &v, false, nil
	}

	rid, err := r.store.LookupRef(ctx, kind, code)
	switch {
	case err == nil:
		r.put(kind, code, cacheEntry{id: rid, known: true})
		return &rid, false, nil
	case errors.Is(err, storage.ErrNotFound):
		// fall through to the miss path
	default:
		return nil, false, fmt.Errorf("refdata lookup %s %q: %w", kind, code, err)
	}

	if !r.autoInsert {
		r.put(kind, code, cacheEntry{known: false})
		return nil, true, nil
	}

	// Auto-insert is serialized per code by the unique-constraint upsert;
	// concurrent workers converge on the same surrogate id.
	rid, err = r.store.UpsertRef(ctx, kind, code)
	if err != nil {
		return nil, false, fmt.Errorf("refdata upsert %s %q: %w", kind, code, err)
	}
	r.logger.Info("auto-inserted reference code",
		zap.String("kind", string(kind)), zap.String("code", code), zap.Int64("id", rid))
	r.put(kind, code, cacheEntry{id: rid, known: true})
	return &rid, true, nil
}

// Session memoizes resolutions for one file.
type Session struct {
	resolver *Resolver
	fileID   string
	memo     map[string]*int64 // kind|code → surrogate (nil = unresolved)
}

// Resolve returns the surrogate id for code, or nil when unresolved. The
// business code is always stored on the base row regardless.
func (s *Session) Resolve(ctx context.Context, kind storage.RefKind, code string) (*int64, error) {
	if code == "" {
		return nil, nil
	}
	key := string(kind) + "|" + code
	if id, ok := s.memo[key]; ok {
		return id, nil
	}
	id, discovered, err := s.resolver.resolve(ctx, kind, code)
	if err != nil {
		return nil, err
	}
	if discovered {
		if aerr := s.resolver.store.RecordCodeDiscovery(ctx, kind, code, s.fileID, id != nil); aerr != nil {
			// Discovery audit is advisory; a failure must not sink the file.
			s.resolver.logger.Warn("code discovery audit failed",
				zap.String("kind", string(kind)), zap.String("code", code), zap.Error(aerr))
		}
	}
	s.memo[key] = id
	return id, nil
}
