package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/storage"
)

// RecordRun persists a run record. Recording the same id twice replaces it.
func (s *Store) RecordRun(ctx context.Context, run harvest.RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("record run: id is required")
	}
	return s.write(ctx, "record run", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO ingestion_runs (id, source, operation, outcome, items_processed, items_failed,
                            cards_processed, rate_limit_hits, duration_ms, message, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    outcome = excluded.outcome,
    items_processed = excluded.items_processed,
    items_failed = excluded.items_failed,
    cards_processed = excluded.cards_processed,
    rate_limit_hits = excluded.rate_limit_hits,
    duration_ms = excluded.duration_ms,
    message = excluded.message,
    finished_at = excluded.finished_at`,
			run.ID, run.Source, string(run.Operation), string(run.Outcome), run.ItemsProcessed, run.ItemsFailed,
			run.CardsProcessed, run.RateLimitHits, run.Duration.Milliseconds(), run.Message,
			run.StartedAt.UTC(), run.FinishedAt.UTC())
		return err
	})
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]harvest.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source, operation, outcome, items_processed, items_failed, cards_processed,
       rate_limit_hits, duration_ms, message, started_at, finished_at
FROM ingestion_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []harvest.RunRecord
	for rows.Next() {
		var (
			r          harvest.RunRecord
			op, result string
			durationMS int64
		)
		if err := rows.Scan(&r.ID, &r.Source, &op, &result, &r.ItemsProcessed, &r.ItemsFailed, &r.CardsProcessed,
			&r.RateLimitHits, &durationMS, &r.Message, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Operation = harvest.Operation(op)
		r.Outcome = harvest.Outcome(result)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// Stats summarises decks, card rows, unmapped names and the queue.
func (s *Store) Stats(ctx context.Context) (harvest.Stats, error) {
	st := harvest.Stats{DecksBySource: map[string]int{}}
	err := s.db.QueryRowContext(ctx, `
SELECT
    (SELECT COUNT(*) FROM decks),
    (SELECT COUNT(*) FROM deck_cards),
    (SELECT COUNT(*) FROM deck_cards WHERE oracle_id IS NOT NULL),
    (SELECT COUNT(*) FROM unmapped_names),
    (SELECT COUNT(*) FROM queue_items WHERE state = 'pending')`).Scan(
		&st.TotalDecks, &st.TotalCards, &st.NormalizedCards, &st.UnmappedNames, &st.PendingQueue)
	if err != nil {
		return harvest.Stats{}, fmt.Errorf("stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM decks GROUP BY source`)
	if err != nil {
		return harvest.Stats{}, fmt.Errorf("stats by source: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			source string
			n      int
		)
		if err := rows.Scan(&source, &n); err != nil {
			return harvest.Stats{}, fmt.Errorf("scan source count: %w", err)
		}
		st.DecksBySource[source] = n
	}
	if err := rows.Err(); err != nil {
		return harvest.Stats{}, fmt.Errorf("stats by source: %w", err)
	}
	st.NormalizationRate = storage.Rate(st.NormalizedCards, st.TotalCards)
	return st, nil
}

// TopUnmapped lists the most frequent unmapped names.
func (s *Store) TopUnmapped(ctx context.Context, limit int) ([]harvest.UnmappedName, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, frequency, first_seen, last_seen FROM unmapped_names
ORDER BY frequency DESC, name LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("top unmapped: %w", err)
	}
	defer rows.Close()
	var out []harvest.UnmappedName
	for rows.Next() {
		var u harvest.UnmappedName
		if err := rows.Scan(&u.Name, &u.Frequency, &u.FirstSeen, &u.LastSeen); err != nil {
			return nil, fmt.Errorf("scan unmapped: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("top unmapped: %w", err)
	}
	return out, nil
}
