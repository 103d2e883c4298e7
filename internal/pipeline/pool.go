package pipeline

import (
	"context"
	"errors"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hcledger/claimsink/internal/fetcher"
	"github.com/hcledger/claimsink/internal/queue"
)

// Pool drains the shared queue with a fixed number of workers, running
// the pipeline once per item and reporting every result.
type Pool struct {
	pipe    *Pipeline
	queue   *queue.Queue[fetcher.WorkItem]
	workers int
	log     *zap.Logger
}

// NewPool sizes the pool; workers <= 0 means one per CPU.
func NewPool(pipe *Pipeline, q *queue.Queue[fetcher.WorkItem], workers int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{pipe: pipe, queue: q, workers: workers, log: log.Named("pool")}
}

func (p *Pool) Workers() int { return p.workers }

// Run blocks until the queue is closed and drained, or ctx is cancelled.
// Every processed item produces exactly one Result on out. The channel is
// not closed here; the orchestrator owns it.
func (p *Pool) Run(ctx context.Context, out chan<- *Result) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			log := p.log.With(zap.Int("worker", worker))
			for {
				item, err := p.queue.Take(ctx)
				if err != nil {
					if errors.Is(err, queue.ErrClosed) {
						return nil
					}
					return err
				}
				res := p.pipe.Run(ctx, item)
				select {
				case out <- res:
				case <-ctx.Done():
					return ctx.Err()
				}
				if res.Err != nil {
					log.Warn("file failed",
						zap.String("file", item.FileID),
						zap.String("stage", string(res.Stage)),
						zap.Error(res.Err))
				}
			}
		})
	}
	return g.Wait()
}
