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

const upsertDeckSQL = `
INSERT INTO decks (source, external_id, format, title, author, url, extra, fingerprint,
                   created_at, updated_at, last_seen_at, fetched_at)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?9, ?9, ?9)
ON CONFLICT (source, external_id) DO UPDATE SET
    format       = excluded.format,
    title        = excluded.title,
    author       = excluded.author,
    url          = excluded.url,
    extra        = excluded.extra,
    fingerprint  = excluded.fingerprint,
    updated_at   = excluded.updated_at,
    last_seen_at = excluded.last_seen_at,
    fetched_at   = excluded.fetched_at`

// UpsertDeck writes a deck and replaces its cards and commanders in one
// transaction. Re-ingesting the same deck keeps its id and created_at.
func (s *Store) UpsertDeck(ctx context.Context, w harvest.DeckWrite) (harvest.Deck, error) {
	if err := storage.ValidateWrite(w); err != nil {
		return harvest.Deck{}, err
	}
	extra, err := storage.EncodeExtra(w.Parsed.Extra)
	if err != nil {
		return harvest.Deck{}, harvest.ParseError("%s/%s: %v", w.Source, w.Parsed.ExternalID, err)
	}
	seen := w.SeenAt.UTC()
	if w.SeenAt.IsZero() {
		seen = s.now()
	}

	deck := harvest.Deck{
		Source:      w.Source,
		ExternalID:  w.Parsed.ExternalID,
		Format:      w.Parsed.Format,
		Title:       w.Parsed.Title,
		Author:      w.Parsed.Author,
		URL:         w.Parsed.URL,
		Extra:       w.Parsed.Extra,
		Fingerprint: w.Fingerprint,
		UpdatedAt:   seen,
		LastSeenAt:  seen,
		FetchedAt:   seen,
	}
	err = s.write(ctx, "upsert deck", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertDeckSQL,
			deck.Source, deck.ExternalID, deck.Format, deck.Title, deck.Author, deck.URL,
			string(extra), deck.Fingerprint, seen); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT id, created_at FROM decks WHERE source = ? AND external_id = ?`,
			deck.Source, deck.ExternalID).Scan(&deck.ID, &deck.CreatedAt); err != nil {
			return err
		}
		if err := replaceRows(ctx, tx, deck.ID, w.Cards, w.Commanders); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM queue_items WHERE source = ? AND external_id = ? AND state = 'pending'`,
			deck.Source, deck.ExternalID)
		return err
	})
	if err != nil {
		return harvest.Deck{}, err
	}
	return deck, nil
}

func replaceRows(ctx context.Context, tx *sql.Tx, deckID int64, cards []harvest.DeckCard, commanders []harvest.DeckCommander) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM deck_cards WHERE deck_id = ?`, deckID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deck_commanders WHERE deck_id = ?`, deckID); err != nil {
		return err
	}

	cardStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO deck_cards (deck_id, name, quantity, zone, oracle_id) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer cardStmt.Close()
	for _, c := range cards {
		if _, err := cardStmt.ExecContext(ctx, deckID, c.Name, c.Quantity, string(c.Zone), c.OracleID); err != nil {
			return fmt.Errorf("insert card %q: %w", c.Name, err)
		}
	}

	cmdStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO deck_commanders (deck_id, name, oracle_id) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer cmdStmt.Close()
	for _, c := range commanders {
		if _, err := cmdStmt.ExecContext(ctx, deckID, c.Name, c.OracleID); err != nil {
			return fmt.Errorf("insert commander %q: %w", c.Name, err)
		}
	}
	return nil
}

// GetDeck loads a deck with its cards and commanders.
func (s *Store) GetDeck(ctx context.Context, source, externalID string) (harvest.DeckDetail, error) {
	var (
		d     harvest.Deck
		extra string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, source, external_id, format, title, author, url, extra, fingerprint,
       created_at, updated_at, last_seen_at, fetched_at
FROM decks WHERE source = ? AND external_id = ?`, source, externalID).Scan(
		&d.ID, &d.Source, &d.ExternalID, &d.Format, &d.Title, &d.Author, &d.URL, &extra, &d.Fingerprint,
		&d.CreatedAt, &d.UpdatedAt, &d.LastSeenAt, &d.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.DeckDetail{}, fmt.Errorf("deck %s/%s: %w", source, externalID, harvest.ErrNotFound)
	}
	if err != nil {
		return harvest.DeckDetail{}, fmt.Errorf("get deck: %w", err)
	}
	if d.Extra, err = storage.DecodeExtra([]byte(extra)); err != nil {
		return harvest.DeckDetail{}, err
	}

	cards, err := s.DeckCards(ctx, d.ID)
	if err != nil {
		return harvest.DeckDetail{}, err
	}
	commanders, err := s.deckCommanders(ctx, d.ID)
	if err != nil {
		return harvest.DeckDetail{}, err
	}
	return harvest.DeckDetail{Deck: d, Cards: cards, Commanders: commanders}, nil
}

// DeckCards lists the card rows of a deck in insertion order.
func (s *Store) DeckCards(ctx context.Context, deckID int64) ([]harvest.DeckCard, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, quantity, zone, oracle_id FROM deck_cards WHERE deck_id = ? ORDER BY id`, deckID)
	if err != nil {
		return nil, fmt.Errorf("list deck cards: %w", err)
	}
	defer rows.Close()
	var out []harvest.DeckCard
	for rows.Next() {
		c := harvest.DeckCard{DeckID: deckID}
		var zone string
		if err := rows.Scan(&c.Name, &c.Quantity, &zone, &c.OracleID); err != nil {
			return nil, fmt.Errorf("scan deck card: %w", err)
		}
		c.Zone = harvest.Zone(zone)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deck cards: %w", err)
	}
	return out, nil
}

func (s *Store) deckCommanders(ctx context.Context, deckID int64) ([]harvest.DeckCommander, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, oracle_id FROM deck_commanders WHERE deck_id = ? ORDER BY id`, deckID)
	if err != nil {
		return nil, fmt.Errorf("list commanders: %w", err)
	}
	defer rows.Close()
	var out []harvest.DeckCommander
	for rows.Next() {
		c := harvest.DeckCommander{DeckID: deckID}
		if err := rows.Scan(&c.Name, &c.OracleID); err != nil {
			return nil, fmt.Errorf("scan commander: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list commanders: %w", err)
	}
	return out, nil
}

// TouchDeck refreshes last_seen_at and reports whether the deck exists.
func (s *Store) TouchDeck(ctx context.Context, source, externalID string, seenAt time.Time) (bool, error) {
	var n int64
	err := s.write(ctx, "touch deck", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE decks SET last_seen_at = ? WHERE source = ? AND external_id = ?`,
			seenAt.UTC(), source, externalID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}

// SetFingerprint stores a recomputed fingerprint.
func (s *Store) SetFingerprint(ctx context.Context, deckID int64, fingerprint string) error {
	return s.write(ctx, "set fingerprint", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE decks SET fingerprint = ? WHERE id = ?`, fingerprint, deckID)
		return err
	})
}
