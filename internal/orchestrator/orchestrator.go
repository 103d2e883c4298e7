// Package orchestrator owns one ingestion run: it starts the fetchers,
// applies queue backpressure, drives the worker pool, records audits,
// and dispatches source acknowledgements.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hcledger/claimsink/internal/fetcher"
	"github.com/hcledger/claimsink/internal/pipeline"
	"github.com/hcledger/claimsink/internal/queue"
	"github.com/hcledger/claimsink/internal/storage"
	"github.com/hcledger/claimsink/internal/telemetry"
	"github.com/hcledger/claimsink/internal/types"
)

// requeueDelay is the single grace period before a saturated offer is
// given up on and reported Dropped.
const requeueDelay = 50 * time.Millisecond

// monitorInterval is the cadence of the backpressure check.
const monitorInterval = 250 * time.Millisecond

// Options configures an ingestion run.
type Options struct {
	Source             string // "soap", "localfs", or "mixed"; recorded on the run row
	QueueCapacity      int
	PauseThresholdPct  float64
	ResumeThresholdPct float64
	Workers            int
}

// Orchestrator wires the fetchers, queue, pool, store and ackers for the
// lifetime of one run.
type Orchestrator struct {
	store    storage.Store
	pipe     *pipeline.Pipeline
	fetchers []fetcher.Fetcher
	ackers   []fetcher.Acker
	opts     Options
	metrics  *telemetry.Metrics
	log      *zap.Logger

	mu    sync.Mutex
	state types.RunState

	counters struct {
		discovered, pulled, ok, failed, already, acksSent int
	}
}

func New(store storage.Store, pipe *pipeline.Pipeline, fetchers []fetcher.Fetcher, ackers []fetcher.Acker, opts Options, metrics *telemetry.Metrics, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:    store,
		pipe:     pipe,
		fetchers: fetchers,
		ackers:   ackers,
		opts:     opts,
		metrics:  metrics,
		log:      log.Named("orchestrator"),
		state:    types.RunStarting,
	}
}

// State reports the run lifecycle state.
func (o *Orchestrator) State() types.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s types.RunState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.log.Info("run state", zap.String("state", string(s)))
}

// Run executes one ingestion run to completion. Cancelling ctx moves the
// run to DRAINING: fetchers stop, queued files finish, then the run row
// closes with its aggregate counts.
func (o *Orchestrator) Run(ctx context.Context) error {
	runID, err := o.store.BeginRun(ctx, o.opts.Source, "scheduled")
	if err != nil {
		return err
	}
	log := o.log.With(zap.String("run", runID))
	log.Info("run opened")

	q := queue.New[fetcher.WorkItem](o.opts.QueueCapacity)
	results := make(chan *pipeline.Result, o.opts.Workers+1)
	pool := pipeline.NewPool(o.pipe, q, o.opts.Workers, o.log)
	defer o.metrics.ObserveQueueDepth(q.Size)()

	// Fetchers run under their own context so draining can stop them
	// while workers keep consuming.
	fetchCtx, stopFetchers := context.WithCancel(context.Background())
	defer stopFetchers()

	var fetchWG sync.WaitGroup
	emit := o.emitFunc(q)
	for _, f := range o.fetchers {
		f := f
		fetchWG.Add(1)
		go func() {
			defer fetchWG.Done()
			if err := f.Start(fetchCtx, emit); err != nil && fetchCtx.Err() == nil {
				log.Error("fetcher stopped", zap.Error(err))
			}
		}()
	}
	o.setState(types.RunRunning)

	// Backpressure monitor.
	monCtx, stopMonitor := context.WithCancel(context.Background())
	var monWG sync.WaitGroup
	monWG.Add(1)
	go func() {
		defer monWG.Done()
		o.monitor(monCtx, q)
	}()

	// Drain sequence on cancellation: stop discovery, let the pool empty
	// the queue, then close the run.
	go func() {
		<-ctx.Done()
		o.setState(types.RunDraining)
		stopFetchers()
		fetchWG.Wait()
		q.Close()
	}()

	g, poolCtx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		defer close(results)
		return pool.Run(poolCtx, results)
	})

	for res := range results {
		o.handleResult(context.Background(), runID, res, log)
	}
	poolErr := g.Wait()

	stopMonitor()
	monWG.Wait()

	o.mu.Lock()
	summary := storage.RunSummary{
		Discovered: o.counters.discovered,
		Pulled:     o.counters.pulled,
		OK:         o.counters.ok,
		Failed:     o.counters.failed,
		Already:    o.counters.already,
		AcksSent:   o.counters.acksSent,
		EndedAt:    time.Now().UTC(),
	}
	o.mu.Unlock()

	// Closing the run must not be starved by the cancelled outer context.
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.CloseRun(closeCtx, runID, summary); err != nil {
		log.Error("close run", zap.Error(err))
	}
	o.setState(types.RunEnded)
	log.Info("run closed",
		zap.Int("ok", summary.OK),
		zap.Int("failed", summary.Failed),
		zap.Int("already", summary.Already),
		zap.Int("acks_sent", summary.AcksSent))
	return poolErr
}

// emitFunc enqueues with the single-requeue saturation policy.
func (o *Orchestrator) emitFunc(q *queue.Queue[fetcher.WorkItem]) fetcher.EmitFunc {
	return func(ctx context.Context, item fetcher.WorkItem) fetcher.EmitResult {
		o.mu.Lock()
		o.counters.discovered++
		o.mu.Unlock()
		o.metrics.FilesDiscovered(ctx, item.Source)

		switch q.Offer(item) {
		case queue.Accepted:
			o.noteQueued(ctx, item)
			return fetcher.Queued
		case queue.RejectedClosed:
			return fetcher.Stopped
		}

		select {
		case <-ctx.Done():
			return fetcher.Stopped
		case <-time.After(requeueDelay):
		}
		switch q.Offer(item) {
		case queue.Accepted:
			o.noteQueued(ctx, item)
			return fetcher.Queued
		case queue.RejectedClosed:
			return fetcher.Stopped
		default:
			o.log.Warn("queue saturated, dropping item",
				zap.String("file", item.FileID),
				zap.String("kind", string(types.KindQueueSaturated)))
			o.metrics.QueueDrops(ctx)
			return fetcher.Dropped
		}
	}
}

func (o *Orchestrator) noteQueued(ctx context.Context, item fetcher.WorkItem) {
	o.mu.Lock()
	o.counters.pulled++
	o.mu.Unlock()
	o.metrics.FilesQueued(ctx, item.Source)
}

// monitor pauses discovery near saturation, resumes on recovery.
func (o *Orchestrator) monitor(ctx context.Context, q *queue.Queue[fetcher.WorkItem]) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	paused := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		switch {
		case !paused && q.ShouldPause(o.opts.PauseThresholdPct):
			paused = true
			for _, f := range o.fetchers {
				f.Pause()
			}
			o.log.Warn("backpressure: fetchers paused",
				zap.Int("remaining", q.RemainingCapacity()), zap.Int("capacity", q.Capacity()))
		case paused && q.ShouldResume(o.opts.ResumeThresholdPct):
			paused = false
			for _, f := range o.fetchers {
				f.Resume()
			}
			o.log.Info("backpressure: fetchers resumed",
				zap.Int("remaining", q.RemainingCapacity()))
		}
	}
}

// handleResult records the audit trail and dispatches the ack decision:
// OK and ALREADY ack, verification failures never ack, terminal parse
// failures ack so the source stops re-offering the file.
func (o *Orchestrator) handleResult(ctx context.Context, runID string, res *pipeline.Result, log *zap.Logger) {
	audit := &storage.FileAudit{
		RunID:     runID,
		FileID:    res.Item.FileID,
		Status:    res.Status,
		Stage:     res.Stage,
		Parsed:    res.Parsed,
		Persisted: res.Persisted,
		VerifyOK:  res.VerifyOK,
		Duration:  res.Duration,
		Rollup:    res.Rollup,
	}
	if res.Err != nil {
		kind := types.KindOf(res.Err)
		audit.ErrorKind = kind
		audit.ErrorMessage = res.Err.Error()
		if err := o.store.RecordError(ctx, &storage.ErrorRecord{
			RunID:     runID,
			FileID:    res.Item.FileID,
			Stage:     res.Stage,
			Kind:      kind,
			Message:   res.Err.Error(),
			Retryable: kind.Retryable(),
			At:        time.Now().UTC(),
		}); err != nil {
			log.Error("record error", zap.String("file", res.Item.FileID), zap.Error(err))
		}
	}
	if err := o.store.RecordFileAudit(ctx, audit); err != nil {
		log.Error("record audit", zap.String("file", res.Item.FileID), zap.Error(err))
	}

	o.mu.Lock()
	switch res.Status {
	case types.AuditOK:
		o.counters.ok++
	case types.AuditAlready:
		o.counters.already++
	default:
		o.counters.failed++
	}
	o.mu.Unlock()
	o.metrics.FileProcessed(ctx, res.Item.Source, res.Status.String(), res.Duration)
	if res.Status == types.AuditOK {
		o.metrics.ClaimsPersisted(ctx, res.Persisted.Claims)
	}

	outcome := res.Outcome()
	ackable := res.Status == types.AuditOK || res.Status == types.AuditAlready || outcome.Terminal
	if !ackable {
		return
	}
	for _, a := range o.ackers {
		if err := a.Ack(ctx, res.Item, outcome); err != nil {
			log.Warn("ack failed", zap.String("file", res.Item.FileID), zap.Error(err))
			if err := o.store.RecordError(ctx, &storage.ErrorRecord{
				RunID:     runID,
				FileID:    res.Item.FileID,
				Stage:     types.StageAcking,
				Kind:      types.KindAckFailed,
				Message:   err.Error(),
				Retryable: true,
				At:        time.Now().UTC(),
			}); err != nil {
				log.Error("record ack error", zap.Error(err))
			}
			return
		}
	}
	o.mu.Lock()
	o.counters.acksSent++
	o.mu.Unlock()
}
