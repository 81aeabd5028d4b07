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

const upsertDeckSQL = `
INSERT INTO decks (source, external_id, format, title, author, url, extra, fingerprint,
                   created_at, updated_at, last_seen_at, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $9, $9)
ON CONFLICT (source, external_id) DO UPDATE SET
    format       = excluded.format,
    title        = excluded.title,
    author       = excluded.author,
    url          = excluded.url,
    extra        = excluded.extra,
    fingerprint  = excluded.fingerprint,
    updated_at   = excluded.updated_at,
    last_seen_at = excluded.last_seen_at,
    fetched_at   = excluded.fetched_at
RETURNING id, created_at`

var (
	cardColumns      = []string{"deck_id", "name", "quantity", "zone", "oracle_id"}
	commanderColumns = []string{"deck_id", "name", "oracle_id"}
)

// UpsertDeck writes a deck and replaces its cards and commanders in one transaction.
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
	err = s.inTx(ctx, "upsert deck", func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, upsertDeckSQL,
			deck.Source, deck.ExternalID, deck.Format, deck.Title, deck.Author, deck.URL,
			extra, deck.Fingerprint, seen).Scan(&deck.ID, &deck.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM deck_cards WHERE deck_id = $1`, deck.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM deck_commanders WHERE deck_id = $1`, deck.ID); err != nil {
			return err
		}
		if len(w.Cards) > 0 {
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"deck_cards"}, cardColumns,
				pgx.CopyFromSlice(len(w.Cards), func(i int) ([]any, error) {
					c := w.Cards[i]
					return []any{deck.ID, c.Name, c.Quantity, string(c.Zone), c.OracleID}, nil
				})); err != nil {
				return fmt.Errorf("copy cards: %w", err)
			}
		}
		if len(w.Commanders) > 0 {
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"deck_commanders"}, commanderColumns,
				pgx.CopyFromSlice(len(w.Commanders), func(i int) ([]any, error) {
					c := w.Commanders[i]
					return []any{deck.ID, c.Name, c.OracleID}, nil
				})); err != nil {
				return fmt.Errorf("copy commanders: %w", err)
			}
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM queue_items WHERE source = $1 AND external_id = $2 AND state = 'pending'`,
			deck.Source, deck.ExternalID)
		return err
	})
	if err != nil {
		return harvest.Deck{}, err
	}
	return deck, nil
}

// GetDeck loads a deck with its cards and commanders.
func (s *Store) GetDeck(ctx context.Context, source, externalID string) (harvest.DeckDetail, error) {
	var (
		d     harvest.Deck
		extra []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, source, external_id, format, title, author, url, extra, fingerprint,
       created_at, updated_at, last_seen_at, fetched_at
FROM decks WHERE source = $1 AND external_id = $2`, source, externalID).Scan(
		&d.ID, &d.Source, &d.ExternalID, &d.Format, &d.Title, &d.Author, &d.URL, &extra, &d.Fingerprint,
		&d.CreatedAt, &d.UpdatedAt, &d.LastSeenAt, &d.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.DeckDetail{}, fmt.Errorf("deck %s/%s: %w", source, externalID, harvest.ErrNotFound)
	}
	if err != nil {
		return harvest.DeckDetail{}, fmt.Errorf("get deck: %w", err)
	}
	if d.Extra, err = storage.DecodeExtra(extra); err != nil {
		return harvest.DeckDetail{}, err
	}

	cards, err := s.DeckCards(ctx, d.ID)
	if err != nil {
		return harvest.DeckDetail{}, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT name, oracle_id FROM deck_commanders WHERE deck_id = $1 ORDER BY id`, d.ID)
	if err != nil {
		return harvest.DeckDetail{}, fmt.Errorf("list commanders: %w", err)
	}
	defer rows.Close()
	var commanders []harvest.DeckCommander
	for rows.Next() {
		c := harvest.DeckCommander{DeckID: d.ID}
		if err := rows.Scan(&c.Name, &c.OracleID); err != nil {
			return harvest.DeckDetail{}, fmt.Errorf("scan commander: %w", err)
		}
		commanders = append(commanders, c)
	}
	if err := rows.Err(); err != nil {
		return harvest.DeckDetail{}, fmt.Errorf("list commanders: %w", err)
	}
	return harvest.DeckDetail{Deck: d, Cards: cards, Commanders: commanders}, nil
}

// DeckCards lists the card rows of a deck in insertion order.
func (s *Store) DeckCards(ctx context.Context, deckID int64) ([]harvest.DeckCard, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, quantity, zone, oracle_id FROM deck_cards WHERE deck_id = $1 ORDER BY id`, deckID)
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

// TouchDeck refreshes last_seen_at and reports whether the deck exists.
func (s *Store) TouchDeck(ctx context.Context, source, externalID string, seenAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE decks SET last_seen_at = $1 WHERE source = $2 AND external_id = $3`, seenAt.UTC(), source, externalID)
	if err != nil {
		return false, storage.WriteError("touch deck", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetFingerprint stores a recomputed fingerprint.
func (s *Store) SetFingerprint(ctx context.Context, deckID int64, fingerprint string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE decks SET fingerprint = $1 WHERE id = $2`, fingerprint, deckID); err != nil {
		return storage.WriteError("set fingerprint", err)
	}
	return nil
}
