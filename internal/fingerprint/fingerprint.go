// Package fingerprint hashes a deck's card multiset so reposts and duplicates can
// be flagged.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/normalize"
)

// Size is the length of a fingerprint in hex characters.
const Size = sha256.Size * 2

const rawPrefix = "raw:"

type line struct {
	key string
	raw string
	qty int
}

// Compute returns the fingerprint of cards. Each card contributes its canonical
// identifier, or its folded name while unresolved, with quantities of equal keys
// summed. The result does not depend on row order.
func Compute(cards []harvest.DeckCard) string {
	merged := make(map[string]*line, len(cards))
	for _, c := range cards {
		k := Key(c)
		if l, ok := merged[k]; ok {
			l.qty += c.Quantity
			if c.Name < l.raw {
				l.raw = c.Name
			}
			continue
		}
		merged[k] = &line{key: k, raw: c.Name, qty: c.Quantity}
	}

	lines := make([]*line, 0, len(merged))
	for _, l := range merged {
		lines = append(lines, l)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].key != lines[j].key {
			return lines[i].key < lines[j].key
		}
		return lines[i].raw < lines[j].raw
	})

	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.key)
		b.WriteByte('\t')
		b.WriteString(strconv.Itoa(l.qty))
		b.WriteByte('\n')
	}
	return Digest([]byte(b.String()))
}

// Key is the projection of one card used by Compute.
func Key(c harvest.DeckCard) string {
	if c.OracleID != nil && *c.OracleID != "" {
		return *c.OracleID
	}
	return rawPrefix + normalize.Fold(c.Name)
}

// Digest is the hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
