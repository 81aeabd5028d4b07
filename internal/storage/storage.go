// Package storage holds what the SQLite and Postgres backends share: write error
// classification, name aggregation, and deck payload encoding.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
)

// DefaultMaxAttempts is the retry ceiling for a queue item when none is configured.
const DefaultMaxAttempts = 5

// WriteError wraps a failed write. Cancellation passes through untouched so that a
// shutdown is not mistaken for a broken store.
func WriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return harvest.IntegrityError(op, err)
}

// NameCount is one distinct name and how many times it occurred.
type NameCount struct {
	Name  string
	Count int
}

// CountNames collapses repeated names. The result is sorted by name so that
// concurrent writers lock rows in the same order.
func CountNames(names []string) []NameCount {
	counts := make(map[string]int, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		counts[name]++
	}
	out := make([]NameCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, NameCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Rate is the share of resolved card rows as a percentage.
func Rate(normalized, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(normalized) / float64(total) * 100
}

// EncodeExtra serialises the free-form deck fields. A nil map encodes as {}.
func EncodeExtra(extra map[string]any) ([]byte, error) {
	if len(extra) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("encode deck extra: %w", err)
	}
	return raw, nil
}

// DecodeExtra is the inverse of EncodeExtra.
func DecodeExtra(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var extra map[string]any
	if err := json.Unmarshal(raw, &extra); err != nil {
		return nil, fmt.Errorf("decode deck extra: %w", err)
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}

// ValidateWrite rejects a deck the schema would refuse, before any row is touched.
func ValidateWrite(w harvest.DeckWrite) error {
	if w.Source == "" {
		return harvest.ParseError("deck has no source")
	}
	if w.Parsed.ExternalID == "" {
		return harvest.ParseError("%s deck has no external id", w.Source)
	}
	for _, c := range w.Cards {
		if c.Name == "" {
			return harvest.ParseError("%s/%s: card without a name", w.Source, w.Parsed.ExternalID)
		}
		if c.Quantity <= 0 {
			return harvest.ParseError("%s/%s: %q has quantity %d", w.Source, w.Parsed.ExternalID, c.Name, c.Quantity)
		}
		if !c.Zone.Valid() {
			return harvest.ParseError("%s/%s: %q in unknown zone %q", w.Source, w.Parsed.ExternalID, c.Name, c.Zone)
		}
	}
	return nil
}

// ErrorText flattens an ack error for the last_error column.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
