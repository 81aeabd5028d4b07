package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/archive"
	"github.com/JakeFAU/deck-harvester/internal/fingerprint"
	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/metrics"
	"github.com/JakeFAU/deck-harvester/internal/normalize"
	"github.com/JakeFAU/deck-harvester/internal/source"
)

// resolution is a parsed deck mapped onto store rows.
type resolution struct {
	cards      []harvest.DeckCard
	commanders []harvest.DeckCommander
	misses     []string
}

// resolve maps every card and commander against the current index. Provider ids
// are kept only when the index knows them. With no index loaded every row stays
// unresolved and nothing counts as a miss.
func resolve(ix *normalize.Index, deck harvest.ParsedDeck) resolution {
	loaded := ix != nil && ix.Generation() > 0
	lookup := func(name, provided string) *string {
		if !loaded {
			return nil
		}
		if provided != "" && ix.Contains(provided) {
			id := provided
			return &id
		}
		if id, ok := ix.Lookup(name); ok {
			return &id
		}
		return nil
	}

	var res resolution
	res.cards = make([]harvest.DeckCard, 0, len(deck.Cards))
	for _, c := range deck.Cards {
		oid := lookup(c.Name, c.OracleID)
		if oid == nil && loaded {
			res.misses = append(res.misses, normalize.Fold(c.Name))
		}
		res.cards = append(res.cards, harvest.DeckCard{
			Name:     c.Name,
			Quantity: c.Quantity,
			Zone:     c.Zone,
			OracleID: oid,
		})
	}
	res.commanders = make([]harvest.DeckCommander, 0, len(deck.Commanders))
	for _, name := range deck.Commanders {
		oid := lookup(name, "")
		if oid == nil && loaded {
			res.misses = append(res.misses, normalize.Fold(name))
		}
		res.commanders = append(res.commanders, harvest.DeckCommander{Name: name, OracleID: oid})
	}
	return res
}

// ingest parses raw, resolves and fingerprints the deck and writes it, returning
// the stored deck and its card row count. A non-empty externalID overrides the id
// found in the payload. Archive failures are logged and never fail the item.
func (o *Orchestrator) ingest(ctx context.Context, r *run, adapter harvest.Adapter, externalID string, raw []byte) (harvest.Deck, int, error) {
	parsed, err := adapter.Parse(raw)
	if err != nil {
		return harvest.Deck{}, 0, err
	}
	if externalID != "" {
		parsed.ExternalID = externalID
	}
	if parsed.ExternalID == "" {
		return harvest.Deck{}, 0, harvest.ParseError("%s payload without deck id", adapter.Name())
	}
	source.WarnUnusual(r.logger, adapter.Name(), parsed)

	res := resolve(o.resolver.Current(), parsed)
	now := o.clock.Now()
	deck, err := o.store.UpsertDeck(ctx, harvest.DeckWrite{
		Source:      adapter.Name(),
		Parsed:      parsed,
		Cards:       res.cards,
		Commanders:  res.commanders,
		Fingerprint: fingerprint.Compute(res.cards),
		SeenAt:      now,
	})
	if err != nil {
		return harvest.Deck{}, 0, fmt.Errorf("upsert %s/%s: %w", adapter.Name(), parsed.ExternalID, err)
	}

	if len(res.misses) > 0 {
		if err := o.store.RecordUnmapped(ctx, res.misses, now); err != nil {
			return deck, 0, fmt.Errorf("record unmapped: %w", err)
		}
		metrics.ObserveUnmapped(len(res.misses))
		r.unmapped.Add(int64(len(res.misses)))
	}
	o.keepRaw(ctx, r, deck, raw)
	return deck, len(res.cards), nil
}

func (o *Orchestrator) keepRaw(ctx context.Context, r *run, deck harvest.Deck, raw []byte) {
	if o.archive == nil {
		return
	}
	key := archive.Key(o.cfg.ArchivePrefix, deck.Source, deck.ExternalID, deck.FetchedAt, raw)
	uri, err := o.archive.PutObject(ctx, key, archive.ContentType(raw), bytes.NewReader(raw))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Warn("archive raw payload failed", zap.String("external_id", deck.ExternalID), zap.Error(err))
		}
		return
	}
	r.logger.Debug("raw payload archived", zap.String("external_id", deck.ExternalID), zap.String("uri", uri))
}
