package normalize

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dump = `[
	{"oracle_id": "X", "name": "Fireball", "card_faces": [{"name": "Fire"}]},
	{"oracle_id": "FI", "name": "Fire // Ice", "card_faces": [{"name": "Fire"}, {"name": "Ice"}]},
	{"oracle_id": "LIM", "name": "Lim-Dûl's Vault"},
	{"oracle_id": "AE", "name": "Æther Vial"},
	{"oracle_id": "BRI", "name": "Brazen Borrower // Petty Theft", "card_faces": [{"name": "Brazen Borrower"}, {"name": "Petty Theft"}]},
	{"name": "Reversible", "card_faces": [{"name": "Front", "oracle_id": "REV"}, {"name": "Back", "oracle_id": "REV"}]},
	{"oracle_id": "", "name": "Token Without Id"}
]`

func loaded(t *testing.T) *Resolver {
	t.Helper()
	r := NewResolver()
	_, err := r.Load(context.Background(), strings.NewReader(dump), "2024-05-01T09:00:00Z")
	require.NoError(t, err)
	return r
}

func TestFold(t *testing.T) {
	t.Parallel()

	require.Equal(t, "lim-dul's vault", Fold("  Lim-Dûl’s   Vault "))
	require.Equal(t, "aether vial", Fold("Æther Vial"))
	require.Equal(t, "jotun grunt", Fold("Jötun Grunt"))
	require.Equal(t, "lim-duls vault", Loose("Lim-Dûl's Vault"))
	require.Equal(t, "borrowers bane", Loose(`"Borrower's, Bane!"`))
}

func TestFaces(t *testing.T) {
	t.Parallel()

	require.Nil(t, Faces("Fireball"))
	require.Equal(t, []string{"Fire", "Ice"}, Faces("Fire // Ice"))
	require.Equal(t, []string{"Fire"}, Faces("Fire // "))
}

func TestResolveFaceNameOfSingleCard(t *testing.T) {
	t.Parallel()

	r := loaded(t)
	id, ok := r.Resolve("Fire")
	require.True(t, ok)
	require.Equal(t, "X", id)
}

func TestResolveMultiFacedCardVariants(t *testing.T) {
	t.Parallel()

	r := loaded(t)
	for _, raw := range []string{
		"Brazen Borrower // Petty Theft",
		"Brazen Borrower",
		"Petty Theft",
		"brazen  borrower",
		"Brazen Borrower // Something Else",
		"PETTY THEFT.",
	} {
		id, ok := r.Resolve(raw)
		require.True(t, ok, raw)
		require.Equal(t, "BRI", id, raw)
	}
}

func TestResolveFoldedAndPunctuationVariants(t *testing.T) {
	t.Parallel()

	r := loaded(t)
	for raw, want := range map[string]string{
		"Lim-Dûl's Vault": "LIM",
		"Lim-Dul's Vault": "LIM",
		"lim-duls vault":  "LIM",
		"Lim-Dul’s Vault": "LIM",
		"Aether Vial":     "AE",
		"Æther Vial":      "AE",
		"Front":           "REV",
		"Reversible":      "REV",
		"Fire // Ice":     "FI",
		"Ice":             "FI",
	} {
		id, ok := r.Resolve(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, id, raw)
	}
}

func TestResolveBasicLandVariants(t *testing.T) {
	t.Parallel()

	r := loaded(t)
	for _, raw := range []string{"Forest", "forest", "Forest (ZEN) 246", "Forest #3", "Forest 2", "Forest [Unhinged]"} {
		id, ok := r.Resolve(raw)
		require.True(t, ok, raw)
		require.Equal(t, "b34bb2dc-c1af-4d77-b0b3-a0fb342a5fc6", id, raw)
	}
	_, ok := r.Resolve("Forest Bear")
	require.False(t, ok)
}

func TestResolveMisses(t *testing.T) {
	t.Parallel()

	r := loaded(t)
	for _, raw := range []string{"", "   ", "Token Without Id", "Nonexistent Card"} {
		_, ok := r.Resolve(raw)
		require.False(t, ok, raw)
	}
}

func TestResolveIsStableWithinGeneration(t *testing.T) {
	t.Parallel()

	r := loaded(t)
	first, ok1 := r.Resolve("Petty Theft")
	for range 100 {
		again, ok2 := r.Resolve("Petty Theft")
		require.Equal(t, ok1, ok2)
		require.Equal(t, first, again)
	}
}

func TestLoadSwapsGenerationAtomically(t *testing.T) {
	t.Parallel()

	r := NewResolver()
	require.ErrorIs(t, r.Ready(), ErrNotLoaded)
	_, ok := r.Resolve("Fireball")
	require.False(t, ok)

	r.Build([]Card{{OracleID: "OLD", Name: "Fireball"}}, "v1")
	require.NoError(t, r.Ready())
	require.Equal(t, uint64(1), r.Generation())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				id, ok := r.Resolve("Fireball")
				if ok {
					assert.Contains(t, []string{"OLD", "NEW"}, id)
				}
			}
		}()
	}
	ix, err := r.Load(context.Background(), strings.NewReader(`[{"oracle_id": "NEW", "name": "Fireball"}]`), "v2")
	wg.Wait()
	require.NoError(t, err)
	require.Equal(t, uint64(2), ix.Generation())
	require.Equal(t, "v2", r.Version())
	require.True(t, ix.Contains("NEW"))
	require.False(t, ix.Contains("OLD"))
	require.True(t, ix.Contains("b34bb2dc-c1af-4d77-b0b3-a0fb342a5fc6"))
}

func TestLoadRejectsBadDumpAndKeepsPreviousGeneration(t *testing.T) {
	t.Parallel()

	r := loaded(t)
	_, err := r.Load(context.Background(), strings.NewReader(`{"not": "an array"}`), "bad")
	require.Error(t, err)
	_, err = r.Load(context.Background(), strings.NewReader(`[{"oracle_id": 5}]`), "bad")
	require.Error(t, err)
	require.Equal(t, "2024-05-01T09:00:00Z", r.Version())
	require.Equal(t, uint64(1), r.Generation())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Load(ctx, strings.NewReader(dump), "v3")
	require.ErrorIs(t, err, context.Canceled)
}
