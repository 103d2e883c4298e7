// Package fetcher defines the pluggable source contract: something that
// discovers files, hands them to the pipeline, and later acknowledges the
// outcome back to the source. The SOAP and local-filesystem
// implementations live in sub-packages.
package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/hcledger/claimsink/internal/types"
)

// Source names for audit rows and acker routing.
const (
	SourceSOAP    = "soap"
	SourceLocalFS = "localfs"
)

// WorkItem is one downloaded document ready for the pipeline.
type WorkItem struct {
	FileID       string
	Bytes        []byte
	Source       string
	Facility     string         // SOAP facility login; empty for localfs
	Path         string         // localfs origin path; empty for SOAP
	RootTypeHint types.RootType // 0 when the source gives no hint
	DiscoveredAt time.Time
}

// EmitResult is the queue's answer to one emitted item.
type EmitResult int

const (
	// Queued: the item was accepted.
	Queued EmitResult = iota
	// Dropped: the queue was saturated and the item was discarded after
	// the single requeue attempt. The fetcher should pause itself; the
	// item will be re-discovered later.
	Dropped
	// Stopped: ingestion is shutting down; stop emitting.
	Stopped
)

// EmitFunc hands a discovered item to the ingestion queue.
type EmitFunc func(ctx context.Context, item WorkItem) EmitResult

// Fetcher is the common contract for both sources. Start blocks until ctx
// is cancelled. A paused fetcher may keep discovering (listing) but must
// not emit.
type Fetcher interface {
	Start(ctx context.Context, emit EmitFunc) error
	Pause()
	Resume()
}

// Outcome tells the acker how a file ended.
type Outcome struct {
	Status   types.AuditStatus
	Terminal bool // structurally bad file: ack so the source stops re-offering it
}

// Acker performs the source-specific acknowledgement: SOAP
// SetTransactionDownloaded, or the localfs move into done/ or error/.
type Acker interface {
	Ack(ctx context.Context, item WorkItem, outcome Outcome) error
}

// Gate implements the pause/resume handshake shared by both fetchers.
// Wait blocks while paused, without holding backpressure open forever:
// it returns once resumed or once ctx is done.
type Gate struct {
	mu     sync.Mutex
	ch     chan struct{} // closed = running; pending = paused
	paused bool
}

// NewGate starts in the running state.
func NewGate() *Gate {
	g := &Gate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.ch = make(chan struct{})
	}
}

func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.ch)
	}
}

// Paused reports the current state without blocking.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is paused.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
