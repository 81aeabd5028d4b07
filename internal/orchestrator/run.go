package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/metrics"
)

// persistTimeout bounds the writes made after a job context has ended.
const persistTimeout = 15 * time.Second

const maxNotedFailures = 3

var tracer = otel.Tracer("github.com/JakeFAU/deck-harvester/internal/orchestrator")

var (
	errTimeBudget = errors.New("time budget reached")
	errItemBudget = errors.New("item budget reached")
)

// run carries the counters and state of one job.
type run struct {
	rec     harvest.RunRecord
	ctx     context.Context
	abort   context.CancelCauseFunc
	release func()
	session Session
	budget  int
	logger  *zap.Logger
	span    trace.Span

	dispatched atomic.Int64
	processed  atomic.Int64
	failed     atomic.Int64
	cards      atomic.Int64
	unmapped   atomic.Int64

	mu       sync.Mutex
	fatal    error
	failures []string
	notes    []string
	// requeued holds queue items sent back for retry; they wait for the next run.
	requeued []int64
}

func (r *run) requeue(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requeued = append(r.requeued, id)
}

func (r *run) skipped() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.requeued...)
}

func (o *Orchestrator) begin(ctx context.Context, src string, op harvest.Operation) (*run, error) {
	runID, err := o.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("new run id: %w", err)
	}

	ctx, span := tracer.Start(ctx, "run."+string(op), trace.WithAttributes(
		attribute.String("harvest.run_id", runID),
		attribute.String("harvest.source", src),
	))

	jobCtx, stopTimer := ctx, context.CancelFunc(func() {})
	if o.cfg.TimeBudget > 0 {
		jobCtx, stopTimer = context.WithTimeoutCause(ctx, o.cfg.TimeBudget, errTimeBudget)
	}
	jobCtx, abort := context.WithCancelCause(jobCtx)

	r := &run{
		rec: harvest.RunRecord{
			ID:        runID,
			Source:    src,
			Operation: op,
			StartedAt: o.clock.Now(),
		},
		ctx:   jobCtx,
		abort: abort,
		release: func() {
			abort(nil)
			stopTimer()
		},
		budget: o.cfg.ItemBudget,
		span:   span,
		logger: o.logger.With(
			zap.String("run_id", runID),
			zap.String("source", src),
			zap.String("operation", string(op)),
		),
	}
	r.logger.Info("run started",
		zap.Int("item_budget", o.cfg.ItemBudget),
		zap.Duration("time_budget", o.cfg.TimeBudget),
	)
	return r, nil
}

// take claims one unit of the item budget.
func (r *run) take() bool {
	n := r.dispatched.Add(1)
	if r.budget > 0 && n > int64(r.budget) {
		r.dispatched.Add(-1)
		return false
	}
	return true
}

// remaining is the unclaimed item budget, or limit when unbounded.
func (r *run) remaining(limit int) int {
	if r.budget <= 0 {
		return limit
	}
	left := r.budget - int(r.dispatched.Load())
	if left < limit {
		return left
	}
	return limit
}

func (r *run) succeed(cards int) {
	r.processed.Add(1)
	r.cards.Add(int64(cards))
}

func (r *run) fail(externalID string, err error) {
	r.failed.Add(1)
	r.logger.Warn("item failed", zap.String("external_id", externalID), zap.Error(err))
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failures) < maxNotedFailures {
		r.failures = append(r.failures, fmt.Sprintf("%s: %v", externalID, err))
	}
}

// stop records err as fatal and cancels the job.
func (r *run) stop(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
	r.logger.Error("run aborted", zap.Error(err))
	r.abort(err)
}

func (r *run) note(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, fmt.Sprintf(format, args...))
}

// handle classifies an error that reached the job level. Integrity errors abort.
func (r *run) handle(externalID string, err error) {
	if errors.Is(err, harvest.ErrIntegrity) {
		r.stop(err)
		return
	}
	r.fail(externalID, err)
}

// verdict derives the outcome. Failures within the threshold ratio are partial;
// anything above it, an integrity error, or a job-level error with nothing
// processed is a failure.
func (r *run) verdict(jobErr error, threshold float64) (harvest.Outcome, string, error) {
	processed := int(r.processed.Load())
	failed := int(r.failed.Load())

	r.mu.Lock()
	notes := append([]string(nil), r.notes...)
	failures := append([]string(nil), r.failures...)
	fatal := r.fatal
	r.mu.Unlock()

	if r.ctx.Err() != nil && fatal == nil {
		cause := context.Cause(r.ctx)
		if errors.Is(cause, errTimeBudget) {
			notes = append(notes, errTimeBudget.Error())
		} else if jobErr == nil {
			jobErr = fmt.Errorf("cancelled: %w", cause)
		}
	}
	if errors.Is(jobErr, errItemBudget) || errors.Is(jobErr, errTimeBudget) {
		jobErr = nil
	}
	if failed > 0 {
		msg := fmt.Sprintf("%d of %d items failed", failed, processed+failed)
		if len(failures) > 0 {
			msg += " (" + strings.Join(failures, "; ") + ")"
		}
		notes = append(notes, msg)
	}

	switch {
	case fatal != nil:
		return harvest.OutcomeFailed, joinNotes(fatal.Error(), notes), fatal
	case jobErr != nil:
		if processed == 0 {
			return harvest.OutcomeFailed, joinNotes(jobErr.Error(), notes), jobErr
		}
		return harvest.OutcomePartial, joinNotes(jobErr.Error(), notes), nil
	case failed == 0:
		return harvest.OutcomeSuccess, joinNotes("", notes), nil
	case float64(failed)/float64(processed+failed) <= threshold:
		return harvest.OutcomePartial, joinNotes("", notes), nil
	default:
		return harvest.OutcomeFailed, joinNotes("failure threshold exceeded", notes), nil
	}
}

func joinNotes(head string, notes []string) string {
	parts := make([]string, 0, len(notes)+1)
	if head != "" {
		parts = append(parts, head)
	}
	parts = append(parts, notes...)
	return strings.Join(parts, "; ")
}

// finish derives the outcome, persists the run record, observes metrics and
// publishes the completion event.
func (o *Orchestrator) finish(ctx context.Context, r *run, jobErr error) (harvest.RunRecord, error) {
	outcome, message, resultErr := r.verdict(jobErr, o.cfg.FailureThreshold)
	r.release()

	rec := r.rec
	rec.FinishedAt = o.clock.Now()
	rec.Duration = rec.FinishedAt.Sub(rec.StartedAt)
	rec.Outcome = outcome
	rec.Message = message
	rec.ItemsProcessed = int(r.processed.Load())
	rec.ItemsFailed = int(r.failed.Load())
	rec.CardsProcessed = int(r.cards.Load())
	if r.session != nil {
		rec.RateLimitHits = r.session.RateLimitHits()
	}

	defer r.endSpan(rec, resultErr)

	// The run span rides along so published events carry its trace context.
	writeCtx, cancel := context.WithTimeout(trace.ContextWithSpan(context.WithoutCancel(ctx), r.span), persistTimeout)
	defer cancel()
	if err := o.store.RecordRun(writeCtx, rec); err != nil {
		r.logger.Error("record run failed", zap.Error(err))
		if resultErr == nil {
			resultErr = fmt.Errorf("record run: %w", err)
		}
	}
	metrics.ObserveRun(rec.Source, string(rec.Operation), string(rec.Outcome), rec.Duration)
	o.publish(writeCtx, r.logger, rec)

	r.logger.Info("run finished",
		zap.String("outcome", string(rec.Outcome)),
		zap.Int("items_processed", rec.ItemsProcessed),
		zap.Int("items_failed", rec.ItemsFailed),
		zap.Int("cards_processed", rec.CardsProcessed),
		zap.Int64("unmapped", r.unmapped.Load()),
		zap.Int("rate_limit_hits", rec.RateLimitHits),
		zap.Duration("duration", rec.Duration),
	)
	return rec, resultErr
}

func (r *run) endSpan(rec harvest.RunRecord, err error) {
	r.span.SetAttributes(
		attribute.String("harvest.outcome", string(rec.Outcome)),
		attribute.Int("harvest.items_processed", rec.ItemsProcessed),
		attribute.Int("harvest.items_failed", rec.ItemsFailed),
	)
	if rec.Outcome == harvest.OutcomeFailed {
		if err != nil {
			r.span.RecordError(err)
		}
		r.span.SetStatus(codes.Error, rec.Message)
	}
	r.span.End()
}

func (o *Orchestrator) publish(ctx context.Context, logger *zap.Logger, rec harvest.RunRecord) {
	if o.publisher == nil || o.cfg.Topic == "" {
		return
	}
	msgID, err := o.publisher.Publish(ctx, o.cfg.Topic, RunEvent{Type: EventRunCompleted, Run: rec})
	if err != nil {
		logger.Warn("publish run event failed", zap.String("topic", o.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("run event published", zap.String("topic", o.cfg.Topic), zap.String("message_id", msgID))
}
