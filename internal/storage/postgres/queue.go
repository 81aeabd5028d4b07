package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/storage"
)

const enqueueSQL = `
INSERT INTO queue_items (source, external_id, state, attempts, last_error, enqueued_at, updated_at)
SELECT $1::text, $2::text, 'pending', 0, '', $3::timestamptz, $3::timestamptz
WHERE NOT EXISTS (SELECT 1 FROM decks WHERE source = $1 AND external_id = $2)
  AND NOT EXISTS (SELECT 1 FROM dropped_queue_items WHERE source = $1 AND external_id = $2)
ON CONFLICT (source, external_id) DO NOTHING`

// Enqueue adds a pending item unless the id is queued, stored or was dropped.
func (s *Store) Enqueue(ctx context.Context, source, externalID string) (bool, error) {
	if source == "" || externalID == "" {
		return false, fmt.Errorf("enqueue: source and external id are required")
	}
	tag, err := s.pool.Exec(ctx, enqueueSQL, source, externalID, s.now())
	if err != nil {
		return false, storage.WriteError("enqueue", err)
	}
	return tag.RowsAffected() == 1, nil
}

const popSQL = `
UPDATE queue_items SET state = 'in_flight', updated_at = $1
WHERE id IN (
    SELECT id FROM queue_items
    WHERE source = $2 AND state = 'pending' AND NOT (id = ANY($4::bigint[]))
    ORDER BY id LIMIT $3
    FOR UPDATE SKIP LOCKED
)
RETURNING id, source, external_id, attempts, last_error, enqueued_at`

// PopBatch moves up to n pending items of source to in-flight, oldest first.
// Concurrent callers skip rows another caller has locked. Items listed in skip
// are left pending.
func (s *Store) PopBatch(ctx context.Context, source string, n int, skip ...int64) ([]harvest.QueueItem, error) {
	if n <= 0 {
		return nil, nil
	}
	if skip == nil {
		// A nil slice encodes as NULL, which no row matches.
		skip = []int64{}
	}
	rows, err := s.pool.Query(ctx, popSQL, s.now(), source, n, skip)
	if err != nil {
		return nil, storage.WriteError("pop batch", err)
	}
	defer rows.Close()
	var items []harvest.QueueItem
	for rows.Next() {
		it := harvest.QueueItem{State: harvest.QueueInFlight}
		if err := rows.Scan(&it.ID, &it.Source, &it.ExternalID, &it.Attempts, &it.LastError, &it.EnqueuedAt); err != nil {
			return nil, storage.WriteError("pop batch", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WriteError("pop batch", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// Ack settles an in-flight item.
func (s *Store) Ack(ctx context.Context, item harvest.QueueItem, outcome harvest.AckOutcome) error {
	return s.inTx(ctx, "ack", func(tx pgx.Tx) error {
		var attempts int
		err := tx.QueryRow(ctx,
			`SELECT attempts FROM queue_items WHERE id = $1 AND state = 'in_flight' FOR UPDATE`, item.ID).Scan(&attempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.IntegrityError("ack", fmt.Errorf("queue item %d (%s/%s) is not in flight", item.ID, item.Source, item.ExternalID))
		}
		if err != nil {
			return err
		}

		switch outcome.Kind {
		case harvest.AckSuccess:
			_, err = tx.Exec(ctx, `DELETE FROM queue_items WHERE id = $1`, item.ID)
			return err
		case harvest.AckRetry:
			attempts++
			if attempts > s.maxAttempts {
				return s.drop(ctx, tx, item.ID, attempts, outcome.Err)
			}
			_, err = tx.Exec(ctx, `
UPDATE queue_items SET state = 'pending', attempts = $1, last_error = $2, updated_at = $3
WHERE id = $4`, attempts, storage.ErrorText(outcome.Err), s.now(), item.ID)
			return err
		case harvest.AckDrop:
			return s.drop(ctx, tx, item.ID, attempts+1, outcome.Err)
		default:
			return harvest.IntegrityError("ack", fmt.Errorf("unknown ack kind %d", outcome.Kind))
		}
	})
}

func (s *Store) drop(ctx context.Context, tx pgx.Tx, id int64, attempts int, cause error) error {
	_, err := tx.Exec(ctx, `
WITH gone AS (DELETE FROM queue_items WHERE id = $1 RETURNING source, external_id)
INSERT INTO dropped_queue_items (source, external_id, attempts, last_error, dropped_at)
SELECT source, external_id, $2, $3, $4 FROM gone
ON CONFLICT (source, external_id) DO UPDATE SET
    attempts = excluded.attempts,
    last_error = excluded.last_error,
    dropped_at = excluded.dropped_at`, id, attempts, storage.ErrorText(cause), s.now())
	return err
}

// Release returns in-flight items to pending without counting an attempt.
func (s *Store) Release(ctx context.Context, items []harvest.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE queue_items SET state = 'pending', updated_at = $1 WHERE id = ANY($2) AND state = 'in_flight'`,
		s.now(), ids)
	if err != nil {
		return storage.WriteError("release", err)
	}
	return nil
}

// RecoverInFlight resets every in-flight item to pending.
func (s *Store) RecoverInFlight(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_items SET state = 'pending', updated_at = $1 WHERE state = 'in_flight'`, s.now())
	if err != nil {
		return 0, storage.WriteError("recover in-flight", err)
	}
	return int(tag.RowsAffected()), nil
}

// PendingCount counts pending items of source, or of every source when it is empty.
func (s *Store) PendingCount(ctx context.Context, source string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE state = 'pending' AND ($1::text = '' OR source = $1::text)`, source).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}
