package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/storage"
)

const dumpVersionKey = "dump_version"

// ListUnresolved pages through rows whose identifier is still null, by row id.
func (s *Store) ListUnresolved(ctx context.Context, afterRowID int64, commanders bool, limit int) ([]harvest.UnresolvedCard, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, deck_id, name FROM %s WHERE oracle_id IS NULL AND id > $1 ORDER BY id LIMIT $2`, table(commanders)),
		afterRowID, limit)
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
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, deck_id, name, oracle_id FROM %s WHERE oracle_id IS NOT NULL AND id > $1 ORDER BY id LIMIT $2`, table(commanders)),
		afterRowID, limit)
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

// AssignIdentifiers fills null identifiers in bulk and returns how many rows changed.
func (s *Store) AssignIdentifiers(ctx context.Context, assignments []harvest.Assignment) (int, error) {
	if len(assignments) == 0 {
		return 0, nil
	}
	type column struct {
		ids  []int64
		oids []string
	}
	byTable := map[bool]*column{}
	for _, a := range assignments {
		c, ok := byTable[a.Commander]
		if !ok {
			c = &column{}
			byTable[a.Commander] = c
		}
		c.ids = append(c.ids, a.RowID)
		c.oids = append(c.oids, a.OracleID)
	}

	var updated int64
	err := s.inTx(ctx, "assign identifiers", func(tx pgx.Tx) error {
		for _, commanders := range []bool{false, true} {
			b, ok := byTable[commanders]
			if !ok {
				continue
			}
			tag, err := tx.Exec(ctx, fmt.Sprintf(`
UPDATE %s AS t SET oracle_id = a.oracle_id
FROM unnest($1::bigint[], $2::text[]) AS a(id, oracle_id)
WHERE t.id = a.id AND t.oracle_id IS NULL`, table(commanders)), b.ids, b.oids)
			if err != nil {
				return err
			}
			updated += tag.RowsAffected()
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
	list := make([]string, len(counts))
	freq := make([]int32, len(counts))
	for i, nc := range counts {
		list[i] = nc.Name
		freq[i] = int32(nc.Count)
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO unmapped_names (name, frequency, first_seen, last_seen)
SELECT u.name, u.frequency, $3::timestamptz, $3::timestamptz
FROM unnest($1::text[], $2::int[]) AS u(name, frequency)
ON CONFLICT (name) DO UPDATE SET
    frequency = unmapped_names.frequency + excluded.frequency,
    last_seen = excluded.last_seen`, list, freq, seenAt.UTC())
	if err != nil {
		return storage.WriteError("record unmapped", err)
	}
	return nil
}

// RecordDiscrepancies stores identifiers that disappeared from a newer dump.
func (s *Store) RecordDiscrepancies(ctx context.Context, items []harvest.Discrepancy) error {
	if len(items) == 0 {
		return nil
	}
	return s.inTx(ctx, "record discrepancies", func(tx pgx.Tx) error {
		for _, d := range items {
			if _, err := tx.Exec(ctx, `
INSERT INTO card_discrepancies (deck_id, card_name, previous_id, dump_version, detected_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (deck_id, card_name, previous_id, dump_version) DO NOTHING`,
				d.DeckID, d.CardName, d.PreviousID, d.DumpVersion, d.DetectedAt.UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Discrepancies lists recorded discrepancies, newest first.
func (s *Store) Discrepancies(ctx context.Context, limit int) ([]harvest.Discrepancy, error) {
	rows, err := s.pool.Query(ctx, `
SELECT deck_id, card_name, previous_id, dump_version, detected_at
FROM card_discrepancies ORDER BY detected_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (harvest.Discrepancy, error) {
		var d harvest.Discrepancy
		err := row.Scan(&d.DeckID, &d.CardName, &d.PreviousID, &d.DumpVersion, &d.DetectedAt)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	return out, nil
}

// DumpVersion returns the dump version of the last normalization, or "".
func (s *Store) DumpVersion(ctx context.Context) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM harvester_meta WHERE key = $1`, dumpVersionKey).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read dump version: %w", err)
	}
	return v, nil
}

// SetDumpVersion records the dump version in use.
func (s *Store) SetDumpVersion(ctx context.Context, version string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO harvester_meta (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`, dumpVersionKey, version)
	if err != nil {
		return storage.WriteError("set dump version", err)
	}
	return nil
}
