// Package pipeline runs one file end to end: parse, map, persist,
// recalculate aggregates, verify. The worker pool drives it off the
// shared queue; the orchestrator consumes the per-file results.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hcledger/claimsink/internal/fetcher"
	"github.com/hcledger/claimsink/internal/mapper"
	"github.com/hcledger/claimsink/internal/parser"
	"github.com/hcledger/claimsink/internal/refdata"
	"github.com/hcledger/claimsink/internal/storage"
	"github.com/hcledger/claimsink/internal/telemetry"
	"github.com/hcledger/claimsink/internal/types"
)

// DefaultFileTimeout is the per-file soft deadline.
const DefaultFileTimeout = 120 * time.Second

// Result is the outcome of one file run, reported to the orchestrator.
type Result struct {
	Item      fetcher.WorkItem
	Status    types.AuditStatus
	Stage     types.FileStage // stage reached (failure stage on error)
	Err       error
	Parsed    types.Counts
	Persisted types.Counts
	Rollup    storage.FinancialRollup
	VerifyOK  bool
	Duration  time.Duration
}

// Outcome converts the result into the acker's view of it.
func (r *Result) Outcome() fetcher.Outcome {
	terminal := false
	if r.Err != nil {
		terminal = types.KindOf(r.Err).Terminal()
	}
	return fetcher.Outcome{Status: r.Status, Terminal: terminal}
}

// Pipeline holds the per-run collaborators shared by all workers.
type Pipeline struct {
	store        storage.Store
	resolver     *refdata.Resolver
	recalcInline bool // aggregates already recalculated inside PersistFile
	fileTimeout  time.Duration
	tracer       trace.Tracer
	log          *zap.Logger
}

type Options struct {
	RecalcInline bool
	FileTimeout  time.Duration
}

func New(store storage.Store, resolver *refdata.Resolver, opts Options, log *zap.Logger) *Pipeline {
	if opts.FileTimeout <= 0 {
		opts.FileTimeout = DefaultFileTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		store:        store,
		resolver:     resolver,
		recalcInline: opts.RecalcInline,
		fileTimeout:  opts.FileTimeout,
		tracer:       telemetry.Tracer("pipeline"),
		log:          log.Named("pipeline"),
	}
}

// Run processes one file under the soft deadline and never panics the
// worker: every failure lands in Result.Err with a classified kind.
func (p *Pipeline) Run(ctx context.Context, item fetcher.WorkItem) *Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.fileTimeout)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("file.id", item.FileID)))
	defer span.End()

	res := p.run(ctx, item)
	res.Duration = time.Since(start)

	// Deadline overruns surface as TIMEOUT regardless of which stage
	// tripped on the dead context.
	if res.Err != nil && ctx.Err() == context.DeadlineExceeded {
		res.Err = types.NewError(types.KindTimeout, res.Stage,
			fmt.Sprintf("file %s exceeded %s deadline", item.FileID, p.fileTimeout), res.Err)
	}

	span.SetAttributes(
		attribute.String("audit.status", res.Status.String()),
		attribute.String("file.stage", string(res.Stage)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(types.KindOf(res.Err)))
	}
	return res
}

func (p *Pipeline) run(ctx context.Context, item fetcher.WorkItem) *Result {
	res := &Result{Item: item, Status: types.AuditFailed, Stage: types.StageParsing}
	log := p.log.With(zap.String("file", item.FileID))

	parsed, err := parser.Parse(item.FileID, item.Bytes)
	if err != nil {
		kind := types.KindParseMalformed
		if pe, ok := parser.AsParseError(err); ok {
			kind = pe.PipelineKind()
		}
		res.Err = types.NewError(kind, types.StageParsing, "parse failed", err)
		if kind.Terminal() {
			res.Status = types.AuditFailedTerminal
		}
		return res
	}
	res.Parsed = parsed.Counts

	res.Stage = types.StageMapping
	rows, err := mapper.Map(ctx, parsed, p.resolver)
	if err != nil {
		res.Err = err
		return res
	}

	res.Stage = types.StagePersisting
	pr, err := p.store.PersistFile(ctx, rows)
	if err != nil {
		res.Err = err
		if types.KindOf(err).Terminal() {
			res.Status = types.AuditFailedTerminal
		}
		return res
	}
	res.Persisted = pr.Persisted
	res.Rollup = pr.Rollup

	if pr.Already {
		res.Status = types.AuditAlready
		res.Stage = types.StageAcking
		res.VerifyOK = true
		log.Info("already ingested, skipping")
		return res
	}

	if !p.recalcInline {
		res.Stage = types.StageAggregating
		for _, keyID := range pr.ClaimKeyIDs {
			if err := p.store.RecalculateActivitySummary(ctx, keyID); err != nil {
				return p.aggregateFailed(res, keyID, err)
			}
			if err := p.store.RecalculateClaimPayment(ctx, keyID); err != nil {
				return p.aggregateFailed(res, keyID, err)
			}
		}
	}

	res.Stage = types.StageVerifying
	vr, err := p.store.VerifyFile(ctx, item.FileID, parsed.Counts)
	if err != nil {
		res.Err = types.NewError(types.KindVerificationMismatch, types.StageVerifying,
			"verification read-back failed", err)
		return res
	}
	if !vr.OK {
		res.Err = types.NewError(types.KindVerificationMismatch, types.StageVerifying, vr.Detail, nil)
		return res
	}
	res.VerifyOK = true
	res.Status = types.AuditOK
	res.Stage = types.StageDone
	log.Info("file ingested",
		zap.Int("claims", pr.Persisted.Claims),
		zap.Int("activities", pr.Persisted.Activities),
		zap.Int("claim_keys", len(pr.ClaimKeyIDs)))
	return res
}

// aggregateFailed records the failure without undoing the persist: base
// tables are committed and a reconciliation pass can re-invoke the
// recalculation later.
func (p *Pipeline) aggregateFailed(res *Result, claimKeyID int64, err error) *Result {
	res.Err = types.NewError(types.KindAggregateFailed, types.StageAggregating,
		fmt.Sprintf("claim key %d", claimKeyID), err)
	return res
}
