// Package normalize maps free-text card names to canonical card identifiers.
// The name index is rebuilt wholesale from the canonical dump and swapped in
// atomically, so a resolution always sees one consistent generation.
package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrNotLoaded is returned when no dump has been loaded yet.
var ErrNotLoaded = errors.New("card index not loaded")

// Resolver serves lookups against the current index generation.
type Resolver struct {
	current atomic.Pointer[Index]
	buildMu sync.Mutex
	gen     uint64
}

// NewResolver returns an empty Resolver. Every lookup misses until Load or Build.
func NewResolver() *Resolver {
	r := &Resolver{}
	r.current.Store(newIndex("", 0))
	return r
}

// Load decodes a dump, a JSON array of cards, and swaps in the new index. The
// previous generation keeps serving until the swap.
func (r *Resolver) Load(ctx context.Context, dump io.Reader, version string) (*Index, error) {
	r.buildMu.Lock()
	defer r.buildMu.Unlock()

	ix := newIndex(version, r.gen+1)
	dec := json.NewDecoder(dump)
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read dump: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("read dump: expected array, got %v", tok)
	}
	for n := 0; dec.More(); n++ {
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("load dump: %w", err)
			}
		}
		var card Card
		if err := dec.Decode(&card); err != nil {
			return nil, fmt.Errorf("decode dump record %d: %w", n, err)
		}
		ix.add(card)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("read dump end: %w", err)
	}

	r.gen++
	r.current.Store(ix)
	return ix, nil
}

// Build indexes cards directly and swaps the result in.
func (r *Resolver) Build(cards []Card, version string) *Index {
	r.buildMu.Lock()
	defer r.buildMu.Unlock()
	ix := newIndex(version, r.gen+1)
	for _, c := range cards {
		ix.add(c)
	}
	r.gen++
	r.current.Store(ix)
	return ix
}

// Current returns the index generation in use.
func (r *Resolver) Current() *Index {
	return r.current.Load()
}

// Resolve maps raw to a canonical identifier.
func (r *Resolver) Resolve(raw string) (string, bool) {
	return r.current.Load().Lookup(raw)
}

// Version is the dump version of the current generation.
func (r *Resolver) Version() string {
	return r.current.Load().Version()
}

// Generation is the current generation number; zero means nothing is loaded.
func (r *Resolver) Generation() uint64 {
	return r.current.Load().Generation()
}

// Ready reports whether a dump has been loaded.
func (r *Resolver) Ready() error {
	if r.Generation() == 0 {
		return ErrNotLoaded
	}
	return nil
}
