package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/storage"
)

const enqueueSQL = `
INSERT INTO queue_items (source, external_id, state, attempts, last_error, enqueued_at, updated_at)
SELECT ?1, ?2, 'pending', 0, '', ?3, ?3
WHERE NOT EXISTS (SELECT 1 FROM decks WHERE source = ?1 AND external_id = ?2)
  AND NOT EXISTS (SELECT 1 FROM dropped_queue_items WHERE source = ?1 AND external_id = ?2)
ON CONFLICT (source, external_id) DO NOTHING`

// Enqueue adds a pending item unless the id is queued, stored or was dropped.
func (s *Store) Enqueue(ctx context.Context, source, externalID string) (bool, error) {
	if source == "" || externalID == "" {
		return false, fmt.Errorf("enqueue: source and external id are required")
	}
	var added bool
	err := s.write(ctx, "enqueue", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, enqueueSQL, source, externalID, s.now())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		added = n == 1
		return nil
	})
	return added, err
}

// PopBatch moves up to n pending items of source to in-flight, oldest first.
// Items listed in skip are left pending.
func (s *Store) PopBatch(ctx context.Context, source string, n int, skip ...int64) ([]harvest.QueueItem, error) {
	if n <= 0 {
		return nil, nil
	}
	query, args := popQuery(source, n, skip)
	var items []harvest.QueueItem
	err := s.write(ctx, "pop batch", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			it := harvest.QueueItem{State: harvest.QueueInFlight}
			if err := rows.Scan(&it.ID, &it.Source, &it.ExternalID, &it.Attempts, &it.LastError, &it.EnqueuedAt); err != nil {
				_ = rows.Close()
				return err
			}
			items = append(items, it)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `UPDATE queue_items SET state = 'in_flight', updated_at = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		now := s.now()
		for _, it := range items {
			if _, err := stmt.ExecContext(ctx, now, it.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func popQuery(source string, n int, skip []int64) (string, []any) {
	var b strings.Builder
	b.WriteString(`
SELECT id, source, external_id, attempts, last_error, enqueued_at
FROM queue_items WHERE source = ? AND state = 'pending'`)
	args := make([]any, 0, len(skip)+2)
	args = append(args, source)
	if len(skip) > 0 {
		b.WriteString(` AND id NOT IN (?`)
		b.WriteString(strings.Repeat(`, ?`, len(skip)-1))
		b.WriteString(`)`)
		for _, id := range skip {
			args = append(args, id)
		}
	}
	b.WriteString(`
ORDER BY id LIMIT ?`)
	args = append(args, n)
	return b.String(), args
}

// Ack settles an in-flight item. Acking an item that is not in flight is an
// integrity failure.
func (s *Store) Ack(ctx context.Context, item harvest.QueueItem, outcome harvest.AckOutcome) error {
	return s.write(ctx, "ack", func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx,
			`SELECT attempts FROM queue_items WHERE id = ? AND state = 'in_flight'`, item.ID).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return harvest.IntegrityError("ack", fmt.Errorf("queue item %d (%s/%s) is not in flight", item.ID, item.Source, item.ExternalID))
		}
		if err != nil {
			return err
		}

		switch outcome.Kind {
		case harvest.AckSuccess:
			_, err = tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, item.ID)
			return err
		case harvest.AckRetry:
			attempts++
			if attempts > s.maxAttempts {
				return s.drop(ctx, tx, item.ID, attempts, outcome.Err)
			}
			_, err = tx.ExecContext(ctx, `
UPDATE queue_items SET state = 'pending', attempts = ?, last_error = ?, updated_at = ?
WHERE id = ?`, attempts, storage.ErrorText(outcome.Err), s.now(), item.ID)
			return err
		case harvest.AckDrop:
			return s.drop(ctx, tx, item.ID, attempts+1, outcome.Err)
		default:
			return harvest.IntegrityError("ack", fmt.Errorf("unknown ack kind %d", outcome.Kind))
		}
	})
}

func (s *Store) drop(ctx context.Context, tx *sql.Tx, id int64, attempts int, cause error) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO dropped_queue_items (source, external_id, attempts, last_error, dropped_at)
SELECT source, external_id, ?, ?, ? FROM queue_items WHERE id = ?
ON CONFLICT (source, external_id) DO UPDATE SET
    attempts = excluded.attempts,
    last_error = excluded.last_error,
    dropped_at = excluded.dropped_at`, attempts, storage.ErrorText(cause), s.now(), id)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	return err
}

// Release returns in-flight items to pending without counting an attempt.
func (s *Store) Release(ctx context.Context, items []harvest.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	return s.write(ctx, "release", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE queue_items SET state = 'pending', updated_at = ? WHERE id = ? AND state = 'in_flight'`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		now := s.now()
		for _, it := range items {
			if _, err := stmt.ExecContext(ctx, now, it.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecoverInFlight resets every in-flight item to pending.
func (s *Store) RecoverInFlight(ctx context.Context) (int, error) {
	var n int64
	err := s.write(ctx, "recover in-flight", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET state = 'pending', updated_at = ? WHERE state = 'in_flight'`, s.now())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// PendingCount counts pending items of source, or of every source when it is empty.
func (s *Store) PendingCount(ctx context.Context, source string) (int, error) {
	var n int
	var err error
	if source == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE state = 'pending'`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queue_items WHERE state = 'pending' AND source = ?`, source).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}
