package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/storage"
)

const dumpVersionKey = "dump_version"

// ListUnresolved pages through rows whose identifier is still null, by row id.
func (s *Store) ListUnresolved(ctx context.Context, afterRowID int64, commanders bool, limit int) ([]harvest.UnresolvedCard, error) {
	query := fmt.Sprintf(
		`SELECT id, deck_id, name FROM %s WHERE oracle_id IS NULL AND id > ? ORDER BY id LIMIT ?`, table(commanders))
	rows, err := s.db.QueryContext(ctx, query, afterRowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved: %w", err)
	}
	defer rows.Close()
	var out []harvest.UnresolvedCard
	for rows.Next() {
		c := harvest.UnresolvedCard{Commander: commanders}
		if err := rows.Scan(&c.RowID, &c.DeckID, &c.Name); err != nil {
			return nil, fmt.Errorf("scan unresolved: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unresolved: %w", err)
	}
	return out, nil
}

// ListResolved pages through rows that already carry an identifier.
func (s *Store) ListResolved(ctx context.Context, afterRowID int64, commanders bool, limit int) ([]harvest.ResolvedCard, error) {
	query := fmt.Sprintf(
		`SELECT id, deck_id, name, oracle_id FROM %s WHERE oracle_id IS NOT NULL AND id > ? ORDER BY id LIMIT ?`, table(commanders))
	rows, err := s.db.QueryContext(ctx, query, afterRowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list resolved: %w", err)
	}
	defer rows.Close()
	var out []harvest.ResolvedCard
	for rows.Next() {
		c := harvest.ResolvedCard{Commander: commanders}
		if err := rows.Scan(&c.RowID, &c.DeckID, &c.Name, &c.OracleID); err != nil {
			return nil, fmt.Errorf("scan resolved: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list resolved: %w", err)
	}
	return out, nil
}

// AssignIdentifiers fills null identifiers and returns how many rows changed.
// A row resolved in the meantime is skipped.
func (s *Store) AssignIdentifiers(ctx context.Context, assignments []harvest.Assignment) (int, error) {
	if len(assignments) == 0 {
		return 0, nil
	}
	var updated int64
	err := s.write(ctx, "assign identifiers", func(tx *sql.Tx) error {
		stmts := map[bool]*sql.Stmt{}
		defer func() {
			for _, st := range stmts {
				_ = st.Close()
			}
		}()
		for _, a := range assignments {
			stmt, ok := stmts[a.Commander]
			if !ok {
				var err error
				stmt, err = tx.PrepareContext(ctx, fmt.Sprintf(
					`UPDATE %s SET oracle_id = ? WHERE id = ? AND oracle_id IS NULL`, table(a.Commander)))
				if err != nil {
					return err
				}
				stmts[a.Commander] = stmt
			}
			res, err := stmt.ExecContext(ctx, a.OracleID, a.RowID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			updated += n
		}
		return nil
	})
	return int(updated), err
}

// RecordUnmapped bumps the frequency of each name once per occurrence.
func (s *Store) RecordUnmapped(ctx context.Context, names []string, seenAt time.Time) error {
	counts := storage.CountNames(names)
	if len(counts) == 0 {
		return nil
	}
	seen := seenAt.UTC()
	return s.write(ctx, "record unmapped", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO unmapped_names (name, frequency, first_seen, last_seen) VALUES (?1, ?2, ?3, ?3)
ON CONFLICT (name) DO UPDATE SET
    frequency = unmapped_names.frequency + excluded.frequency,
    last_seen = excluded.last_seen`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, nc := range counts {
			if _, err := stmt.ExecContext(ctx, nc.Name, nc.Count, seen); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordDiscrepancies stores identifiers that disappeared from a newer dump.
// Repeats of the same finding are ignored.
func (s *Store) RecordDiscrepancies(ctx context.Context, items []harvest.Discrepancy) error {
	if len(items) == 0 {
		return nil
	}
	return s.write(ctx, "record discrepancies", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO card_discrepancies (deck_id, card_name, previous_id, dump_version, detected_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (deck_id, card_name, previous_id, dump_version) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, d := range items {
			if _, err := stmt.ExecContext(ctx, d.DeckID, d.CardName, d.PreviousID, d.DumpVersion, d.DetectedAt.UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Discrepancies lists recorded discrepancies, newest first.
func (s *Store) Discrepancies(ctx context.Context, limit int) ([]harvest.Discrepancy, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT deck_id, card_name, previous_id, dump_version, detected_at
FROM card_discrepancies ORDER BY detected_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	defer rows.Close()
	var out []harvest.Discrepancy
	for rows.Next() {
		var d harvest.Discrepancy
		if err := rows.Scan(&d.DeckID, &d.CardName, &d.PreviousID, &d.DumpVersion, &d.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	return out, nil
}

// DumpVersion returns the version of the dump the last normalization used, or
// the empty string before the first one.
func (s *Store) DumpVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM harvester_meta WHERE key = ?`, dumpVersionKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read dump version: %w", err)
	}
	return v, nil
}

// SetDumpVersion records the dump version in use.
func (s *Store) SetDumpVersion(ctx context.Context, version string) error {
	return s.write(ctx, "set dump version", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO harvester_meta (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`, dumpVersionKey, version)
		return err
	})
}
