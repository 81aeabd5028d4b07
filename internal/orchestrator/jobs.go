package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/dispatcher"
	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/metrics"
)

// RunBulk walks the listing pages of a bulk source and ingests every deck on them
// without touching the work queue.
func (o *Orchestrator) RunBulk(ctx context.Context, src string) (harvest.RunRecord, error) {
	adapter, err := o.sources.Bulk(src)
	if err != nil {
		return harvest.RunRecord{}, err
	}
	r, err := o.begin(ctx, src, harvest.OperationBulk)
	if err != nil {
		return harvest.RunRecord{}, err
	}
	r.session = o.sessions.NewSession(src)

	pool := dispatcher.New(o.cfg.Workers, func(ctx context.Context, raw []byte) {
		if ctx.Err() != nil {
			return
		}
		deck, cards, err := o.ingest(ctx, r, adapter, "", raw)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, harvest.ErrIntegrity) {
				return
			}
			r.handle(label(deck.ExternalID), err)
			return
		}
		r.succeed(cards)
	})

	walkCtx, halt := context.WithCancelCause(r.ctx)
	defer halt(nil)
	items := make(chan []byte)
	done := make(chan struct{})
	go func() {
		pool.Run(r.ctx, items)
		close(done)
	}()
	walkErr := adapter.Walk(walkCtx, r.session, func(ctx context.Context, raw []byte) error {
		if !r.take() {
			halt(errItemBudget)
			return errItemBudget
		}
		select {
		case items <- raw:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	})
	close(items)
	<-done

	return o.finish(ctx, r, o.walkError(r, walkCtx, walkErr))
}

// walkError turns the error that ended a walk into a job-level error.
func (o *Orchestrator) walkError(r *run, walkCtx context.Context, err error) error {
	if errors.Is(context.Cause(walkCtx), errItemBudget) {
		r.note("%s", errItemBudget.Error())
		return nil
	}
	switch {
	case err == nil:
		return nil
	case r.ctx.Err() != nil:
		return nil
	case errors.Is(err, harvest.ErrIntegrity):
		r.stop(err)
		return nil
	default:
		return err
	}
}

// RunDiscovery enumerates deck ids and enqueues the unknown ones. Ids of decks
// already stored have their last-seen time refreshed instead.
func (o *Orchestrator) RunDiscovery(ctx context.Context, src string) (harvest.RunRecord, error) {
	adapter, err := o.sources.Get(src)
	if err != nil {
		return harvest.RunRecord{}, err
	}
	r, err := o.begin(ctx, src, harvest.OperationDiscovery)
	if err != nil {
		return harvest.RunRecord{}, err
	}
	r.session = o.sessions.NewSession(src)

	discoverCtx, halt := context.WithCancelCause(r.ctx)
	defer halt(nil)
	var known int
	discoverErr := adapter.Discover(discoverCtx, r.session, func(ctx context.Context, externalID string) (bool, error) {
		if !r.take() {
			halt(errItemBudget)
			return false, errItemBudget
		}
		added, err := o.store.Enqueue(ctx, src, externalID)
		if err != nil {
			if errors.Is(err, harvest.ErrIntegrity) {
				r.stop(err)
			}
			return false, err
		}
		if added {
			r.processed.Add(1)
			metrics.ObserveQueue(src, "enqueue", 1)
			return true, nil
		}
		known++
		if _, err := o.store.TouchDeck(ctx, src, externalID, o.clock.Now()); err != nil {
			if errors.Is(err, harvest.ErrIntegrity) {
				r.stop(err)
			}
			return false, err
		}
		return false, nil
	})
	if known > 0 {
		r.note("%d ids already known", known)
	}
	return o.finish(ctx, r, o.walkError(r, discoverCtx, discoverErr))
}

// RunExport pops queued ids in batches, fetches and ingests each deck, and
// acknowledges every item. Items popped but never worked on are released. An
// item sent back for retry is not popped again by the same run.
func (o *Orchestrator) RunExport(ctx context.Context, src string) (harvest.RunRecord, error) {
	adapter, err := o.sources.Get(src)
	if err != nil {
		return harvest.RunRecord{}, err
	}
	r, err := o.begin(ctx, src, harvest.OperationExport)
	if err != nil {
		return harvest.RunRecord{}, err
	}
	r.session = o.sessions.NewSession(src)

	pool := dispatcher.New(o.cfg.Workers, func(ctx context.Context, item harvest.QueueItem) {
		o.exportOne(ctx, r, adapter, item)
	})

	var jobErr error
	for r.ctx.Err() == nil {
		n := r.remaining(o.cfg.BatchSize)
		if n <= 0 {
			r.note("%s", errItemBudget.Error())
			break
		}
		items, err := o.store.PopBatch(r.ctx, src, n, r.skipped()...)
		if err != nil {
			if r.ctx.Err() == nil {
				if errors.Is(err, harvest.ErrIntegrity) {
					r.stop(err)
				} else {
					jobErr = err
				}
			}
			break
		}
		if len(items) == 0 {
			break
		}
		metrics.ObserveQueue(src, "pop", len(items))
		r.dispatched.Add(int64(len(items)))
		rest := pool.Process(r.ctx, items)
		o.releaseItems(ctx, r, rest)
	}
	return o.finish(ctx, r, jobErr)
}

func (o *Orchestrator) exportOne(ctx context.Context, r *run, adapter harvest.Adapter, item harvest.QueueItem) {
	if ctx.Err() != nil {
		o.releaseItems(ctx, r, []harvest.QueueItem{item})
		return
	}
	raw, err := adapter.Fetch(ctx, r.session, item.ExternalID)
	if err != nil {
		if ctx.Err() != nil {
			o.releaseItems(ctx, r, []harvest.QueueItem{item})
			return
		}
		r.fail(item.ExternalID, err)
		o.ack(ctx, r, item, harvest.AckOutcome{Kind: ackKind(err), Err: err})
		return
	}

	_, cards, err := o.ingest(ctx, r, adapter, item.ExternalID, raw)
	switch {
	case err == nil:
		r.succeed(cards)
		o.ack(ctx, r, item, harvest.AckOutcome{Kind: harvest.AckSuccess})
	case errors.Is(err, harvest.ErrIntegrity):
		r.stop(err)
		o.releaseItems(ctx, r, []harvest.QueueItem{item})
	case ctx.Err() != nil:
		o.releaseItems(ctx, r, []harvest.QueueItem{item})
	default:
		r.fail(item.ExternalID, err)
		o.ack(ctx, r, item, harvest.AckOutcome{Kind: ackKind(err), Err: err})
	}
}

// ackKind maps a failure onto the queue: transient and challenge failures are
// retried, malformed payloads and permanent responses are dropped.
func ackKind(err error) harvest.AckKind {
	switch {
	case errors.Is(err, harvest.ErrParse), errors.Is(err, harvest.ErrPermanent):
		return harvest.AckDrop
	default:
		return harvest.AckRetry
	}
}

func (o *Orchestrator) ack(ctx context.Context, r *run, item harvest.QueueItem, outcome harvest.AckOutcome) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.store.Ack(ackCtx, item, outcome); err != nil {
		r.stop(fmt.Errorf("ack %s/%s: %w", item.Source, item.ExternalID, err))
		return
	}
	if outcome.Kind == harvest.AckRetry {
		r.requeue(item.ID)
	}
	metrics.ObserveQueue(item.Source, ackOp(outcome.Kind), 1)
}

func ackOp(kind harvest.AckKind) string {
	switch kind {
	case harvest.AckSuccess:
		return "ack"
	case harvest.AckRetry:
		return "retry"
	default:
		return "drop"
	}
}

func (o *Orchestrator) releaseItems(ctx context.Context, r *run, items []harvest.QueueItem) {
	if len(items) == 0 {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.store.Release(releaseCtx, items); err != nil {
		r.logger.Error("release in-flight items failed", zap.Int("items", len(items)), zap.Error(err))
		return
	}
	metrics.ObserveQueue(items[0].Source, "release", len(items))
	r.logger.Info("released in-flight items", zap.Int("items", len(items)))
}

func label(externalID string) string {
	if externalID == "" {
		return "(unparsed)"
	}
	return externalID
}
