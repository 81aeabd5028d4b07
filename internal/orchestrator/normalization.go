package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/fingerprint"
	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/metrics"
	"github.com/JakeFAU/deck-harvester/internal/normalize"
	"github.com/JakeFAU/deck-harvester/internal/normalize/scryfall"
)

// RunNormalization refreshes the canonical dump when it is stale, loads it, and
// resolves every card and commander row still missing an identifier. When the
// dump version changed since the last pass, resolved identifiers missing from the
// new dump are recorded as discrepancies and left in place.
func (o *Orchestrator) RunNormalization(ctx context.Context) (harvest.RunRecord, error) {
	if o.dumps == nil {
		return harvest.RunRecord{}, errors.New("normalization requires a dump provider")
	}
	r, err := o.begin(ctx, NormalizationSource, harvest.OperationNormalization)
	if err != nil {
		return harvest.RunRecord{}, err
	}
	return o.finish(ctx, r, o.normalizeAll(r))
}

func (o *Orchestrator) normalizeAll(r *run) error {
	ctx := r.ctx
	ix, err := o.loadDump(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	previous, err := o.store.DumpVersion(ctx)
	if err != nil {
		return r.storeErr(err)
	}

	touched := make(map[int64]struct{})
	for _, commanders := range []bool{false, true} {
		if err := o.resolveRows(ctx, r, ix, commanders, touched); err != nil {
			return r.storeErr(err)
		}
	}

	if previous != "" && previous != ix.Version() {
		found := 0
		for _, commanders := range []bool{false, true} {
			n, err := o.revalidate(ctx, ix, commanders)
			if err != nil {
				return r.storeErr(err)
			}
			found += n
		}
		r.note("dump %s replaced %s, %d discrepancies", ix.Version(), previous, found)
	}
	if err := o.store.SetDumpVersion(ctx, ix.Version()); err != nil {
		return r.storeErr(err)
	}
	if err := o.refingerprint(ctx, touched); err != nil {
		return r.storeErr(err)
	}
	if n := r.unmapped.Load(); n > 0 {
		r.note("%d names unmapped", n)
	}
	return nil
}

// storeErr aborts on integrity errors and lets cancellation fall through to the
// verdict.
func (r *run) storeErr(err error) error {
	switch {
	case errors.Is(err, harvest.ErrIntegrity):
		r.stop(err)
		return nil
	case r.ctx.Err() != nil:
		return nil
	default:
		return err
	}
}

// loadDump makes sure the resolver serves the newest local dump. A generation
// built from the same version is reused.
func (o *Orchestrator) loadDump(ctx context.Context, r *run) (*normalize.Index, error) {
	dump, err := o.dumps.Ensure(ctx)
	if err != nil {
		return nil, fmt.Errorf("ensure dump: %w", err)
	}
	if current := o.resolver.Current(); current.Generation() > 0 && current.Version() == dump.Version {
		return current, nil
	}
	rc, err := scryfall.Open(dump)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	ix, err := o.resolver.Load(ctx, rc, dump.Version)
	if err != nil {
		return nil, fmt.Errorf("load dump %s: %w", dump.Version, err)
	}
	r.logger.Info("dump loaded",
		zap.String("version", ix.Version()),
		zap.Uint64("generation", ix.Generation()),
		zap.Int("names", ix.Size()),
	)
	return ix, nil
}

// resolveRows pages through unresolved rows by id. Rows that still miss keep
// their null identifier, so paging advances past them.
func (o *Orchestrator) resolveRows(ctx context.Context, r *run, ix *normalize.Index, commanders bool, touched map[int64]struct{}) error {
	var after int64
	for {
		rows, err := o.store.ListUnresolved(ctx, after, commanders, o.cfg.NormalizeBatch)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		assignments := make([]harvest.Assignment, 0, len(rows))
		var misses []string
		for _, row := range rows {
			oid, ok := ix.Lookup(row.Name)
			if !ok {
				misses = append(misses, normalize.Fold(row.Name))
				continue
			}
			assignments = append(assignments, harvest.Assignment{RowID: row.RowID, Commander: commanders, OracleID: oid})
			if !commanders {
				touched[row.DeckID] = struct{}{}
			}
		}
		if len(assignments) > 0 {
			n, err := o.store.AssignIdentifiers(ctx, assignments)
			if err != nil {
				return err
			}
			r.processed.Add(int64(n))
		}
		if len(misses) > 0 {
			if err := o.store.RecordUnmapped(ctx, misses, o.clock.Now()); err != nil {
				return err
			}
			metrics.ObserveUnmapped(len(misses))
			r.unmapped.Add(int64(len(misses)))
		}
		r.cards.Add(int64(len(rows)))

		after = rows[len(rows)-1].RowID
		if len(rows) < o.cfg.NormalizeBatch {
			return nil
		}
	}
}

// revalidate records every resolved row whose identifier the index no longer
// carries.
func (o *Orchestrator) revalidate(ctx context.Context, ix *normalize.Index, commanders bool) (int, error) {
	var (
		after int64
		found int
	)
	for {
		rows, err := o.store.ListResolved(ctx, after, commanders, o.cfg.NormalizeBatch)
		if err != nil {
			return found, err
		}
		if len(rows) == 0 {
			return found, nil
		}
		now := o.clock.Now()
		var missing []harvest.Discrepancy
		for _, row := range rows {
			if ix.Contains(row.OracleID) {
				continue
			}
			missing = append(missing, harvest.Discrepancy{
				DeckID:      row.DeckID,
				CardName:    row.Name,
				PreviousID:  row.OracleID,
				DumpVersion: ix.Version(),
				DetectedAt:  now,
			})
		}
		if len(missing) > 0 {
			if err := o.store.RecordDiscrepancies(ctx, missing); err != nil {
				return found, err
			}
			found += len(missing)
			o.logger.Warn("resolved identifiers missing from dump",
				zap.String("version", ix.Version()),
				zap.Int("rows", len(missing)),
			)
		}
		after = rows[len(rows)-1].RowID
		if len(rows) < o.cfg.NormalizeBatch {
			return found, nil
		}
	}
}

// refingerprint recomputes the fingerprint of every deck that gained identifiers.
func (o *Orchestrator) refingerprint(ctx context.Context, touched map[int64]struct{}) error {
	ids := make([]int64, 0, len(touched))
	for deckID := range touched {
		ids = append(ids, deckID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, deckID := range ids {
		cards, err := o.store.DeckCards(ctx, deckID)
		if err != nil {
			return err
		}
		if err := o.store.SetFingerprint(ctx, deckID, fingerprint.Compute(cards)); err != nil {
			return err
		}
	}
	return nil
}
