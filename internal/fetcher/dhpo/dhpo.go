// Package dhpo polls the clearing-house SOAP endpoint for new
// transaction files, one poller per facility, and acknowledges
// processed files with SetTransactionDownloaded.
package dhpo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hcledger/claimsink/internal/fetcher"
	"github.com/hcledger/claimsink/internal/soap"
	"github.com/hcledger/claimsink/internal/types"
)

// Options configures the poller set.
type Options struct {
	Facilities          []soap.Credentials
	SearchDays          int
	PollInterval        time.Duration
	DownloadConcurrency int
}

// Fetcher polls every configured facility on a fixed cadence. Downloads
// within one facility run concurrently under a semaphore; files already
// handed to the queue this run are not offered again.
type Fetcher struct {
	client *soap.Client
	opts   Options
	log    *zap.Logger
	gate   *fetcher.Gate

	mu      sync.Mutex
	emitted map[string]struct{}
}

func New(client *soap.Client, opts Options, log *zap.Logger) *Fetcher {
	if opts.SearchDays <= 0 {
		opts.SearchDays = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Minute
	}
	if opts.DownloadConcurrency <= 0 {
		opts.DownloadConcurrency = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{
		client:  client,
		opts:    opts,
		log:     log.Named("dhpo"),
		gate:    fetcher.NewGate(),
		emitted: make(map[string]struct{}),
	}
}

func (f *Fetcher) Pause()  { f.gate.Pause() }
func (f *Fetcher) Resume() { f.gate.Resume() }

// Start runs one poll loop per facility until ctx is cancelled.
func (f *Fetcher) Start(ctx context.Context, emit fetcher.EmitFunc) error {
	if len(f.opts.Facilities) == 0 {
		return fmt.Errorf("dhpo: no facilities configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, creds := range f.opts.Facilities {
		creds := creds
		g.Go(func() error { return f.pollLoop(ctx, creds, emit) })
	}
	return g.Wait()
}

func (f *Fetcher) pollLoop(ctx context.Context, creds soap.Credentials, emit fetcher.EmitFunc) error {
	log := f.log.With(zap.String("facility", creds.Login))
	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := f.pollOnce(ctx, creds, emit, log); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A failed poll is retried on the next tick; the window
			// overlaps so nothing is lost.
			log.Warn("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *Fetcher) pollOnce(ctx context.Context, creds soap.Credentials, emit fetcher.EmitFunc, log *zap.Logger) error {
	txs, err := f.client.SearchTransactions(ctx, creds, f.opts.SearchDays)
	if err != nil {
		return err
	}
	pending := make([]soap.Transaction, 0, len(txs))
	f.mu.Lock()
	for _, tx := range txs {
		if _, seen := f.emitted[tx.FileID]; !seen {
			pending = append(pending, tx)
		}
	}
	f.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	log.Info("transactions discovered", zap.Int("total", len(txs)), zap.Int("new", len(pending)))

	sem := semaphore.NewWeighted(int64(f.opts.DownloadConcurrency))
	g, gctx := errgroup.WithContext(ctx)
	for _, tx := range pending {
		tx := tx
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return f.download(gctx, creds, tx, emit, log)
		})
	}
	return g.Wait()
}

func (f *Fetcher) download(ctx context.Context, creds soap.Credentials, tx soap.Transaction, emit fetcher.EmitFunc, log *zap.Logger) error {
	if err := f.gate.Wait(ctx); err != nil {
		return err
	}
	data, err := f.client.GetTransaction(ctx, creds, tx.FileID)
	if err != nil {
		if types.KindOf(err) == types.KindFetchFatal {
			// Bad payload from the service: log and move on rather than
			// poisoning the whole poll.
			log.Error("unusable transaction", zap.String("file", tx.FileID), zap.Error(err))
			return nil
		}
		return err
	}

	item := fetcher.WorkItem{
		FileID:       tx.FileID,
		Bytes:        data,
		Source:       fetcher.SourceSOAP,
		Facility:     creds.Login,
		DiscoveredAt: time.Now().UTC(),
	}
	switch emit(ctx, item) {
	case fetcher.Queued:
		f.mu.Lock()
		f.emitted[tx.FileID] = struct{}{}
		f.mu.Unlock()
	case fetcher.Dropped:
		log.Warn("queue saturated, transaction deferred", zap.String("file", tx.FileID))
	case fetcher.Stopped:
		return context.Canceled
	}
	return nil
}

// Acker acknowledges processed files back to the clearing-house.
// SetTransactionDownloaded is called at most once per file per run.
type Acker struct {
	client *soap.Client
	creds  map[string]soap.Credentials // by facility login
	log    *zap.Logger

	mu    sync.Mutex
	acked map[string]struct{}
}

func NewAcker(client *soap.Client, facilities []soap.Credentials, log *zap.Logger) *Acker {
	if log == nil {
		log = zap.NewNop()
	}
	creds := make(map[string]soap.Credentials, len(facilities))
	for _, c := range facilities {
		creds[c.Login] = c
	}
	return &Acker{client: client, creds: creds, log: log.Named("dhpo.ack"), acked: make(map[string]struct{})}
}

// Ack notifies the clearing-house that the file no longer needs to be
// offered. Successful and already-ingested files are acked; terminal
// failures are acked too, so a poison file stops cycling. Retryable
// failures are left unacked for a later run.
func (a *Acker) Ack(ctx context.Context, item fetcher.WorkItem, outcome fetcher.Outcome) error {
	if item.Source != fetcher.SourceSOAP {
		return nil
	}
	switch {
	case outcome.Status == types.AuditOK || outcome.Status == types.AuditAlready:
	case outcome.Terminal:
	default:
		return nil
	}

	a.mu.Lock()
	if _, done := a.acked[item.FileID]; done {
		a.mu.Unlock()
		return nil
	}
	a.acked[item.FileID] = struct{}{}
	a.mu.Unlock()

	creds, ok := a.creds[item.Facility]
	if !ok {
		return types.NewError(types.KindAckFailed, types.StageAcking,
			fmt.Sprintf("no credentials for facility %q", item.Facility), nil)
	}
	if err := a.client.SetTransactionDownloaded(ctx, creds, item.FileID); err != nil {
		// Allow a later attempt within this run.
		a.mu.Lock()
		delete(a.acked, item.FileID)
		a.mu.Unlock()
		return types.NewError(types.KindAckFailed, types.StageAcking, item.FileID, err)
	}
	a.log.Debug("acked", zap.String("file", item.FileID))
	return nil
}
