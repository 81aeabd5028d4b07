package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	archivemem "github.com/JakeFAU/deck-harvester/internal/archive/memory"
	"github.com/JakeFAU/deck-harvester/internal/clock"
	"github.com/JakeFAU/deck-harvester/internal/fingerprint"
	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/normalize"
	"github.com/JakeFAU/deck-harvester/internal/normalize/scryfall"
	pubmem "github.com/JakeFAU/deck-harvester/internal/publisher/memory"
	"github.com/JakeFAU/deck-harvester/internal/source"
	"github.com/JakeFAU/deck-harvester/internal/storage/sqlite"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSession struct{ hits int }

func (s *fakeSession) Get(context.Context, string, http.Header) (harvest.Response, error) {
	return harvest.Response{}, errors.New("fake session does not fetch")
}

func (s *fakeSession) RateLimitHits() int { return s.hits }

type payload struct {
	ID         string   `json:"id"`
	Format     string   `json:"format"`
	Cards      []string `json:"cards"`
	Commanders []string `json:"commanders"`
}

func deckJSON(id string, cards ...string) []byte {
	raw, _ := json.Marshal(payload{ID: id, Format: "modern", Cards: cards})
	return raw
}

// fakeAdapter serves canned ids and payloads.
type fakeAdapter struct {
	name        string
	ids         []string
	payloads    map[string][]byte
	fetchErrs   map[string]error
	discoverErr error
	block       bool
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Discover(ctx context.Context, _ harvest.Getter, sink harvest.DiscoverSink) error {
	for _, id := range a.ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := sink(ctx, id); err != nil {
			return err
		}
	}
	return a.discoverErr
}

func (a *fakeAdapter) Fetch(ctx context.Context, _ harvest.Getter, externalID string) ([]byte, error) {
	if a.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err, ok := a.fetchErrs[externalID]; ok {
		return nil, err
	}
	raw, ok := a.payloads[externalID]
	if !ok {
		return nil, &harvest.FetchError{Kind: harvest.ErrPermanent, URL: externalID, Status: http.StatusNotFound}
	}
	return raw, nil
}

func (a *fakeAdapter) Parse(raw []byte) (harvest.ParsedDeck, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return harvest.ParsedDeck{}, harvest.ParseError("fake payload: %v", err)
	}
	deck := harvest.ParsedDeck{ExternalID: p.ID, Format: p.Format, Title: "deck " + p.ID, Commanders: p.Commanders}
	for _, name := range p.Cards {
		deck.Cards = append(deck.Cards, harvest.RawCard{Name: name, Quantity: 1, Zone: harvest.ZoneMain})
	}
	return deck, nil
}

// fakeBulk walks pages in order.
type fakeBulk struct {
	fakeAdapter
	pages []json.RawMessage
}

func (b *fakeBulk) Walk(ctx context.Context, _ harvest.Getter, visit func(ctx context.Context, raw []byte) error) error {
	for _, raw := range b.pages {
		if err := visit(ctx, raw); err != nil {
			return err
		}
	}
	return nil
}

type staticDump struct{ dump scryfall.Dump }

func (s *staticDump) Ensure(context.Context) (scryfall.Dump, error) { return s.dump, nil }

// failingUpserts turns every deck write into an integrity failure.
type failingUpserts struct {
	harvest.Store
}

func (f failingUpserts) UpsertDeck(context.Context, harvest.DeckWrite) (harvest.Deck, error) {
	return harvest.Deck{}, harvest.IntegrityError("upsert deck", errors.New("disk full"))
}

type harness struct {
	store     *sqlite.Store
	clock     *clock.Manual
	resolver  *normalize.Resolver
	dumps     *staticDump
	archive   *archivemem.Store
	publisher *pubmem.Publisher
	session   *fakeSession
	adapters  []harvest.Adapter
}

func newHarness(t *testing.T, adapters ...harvest.Adapter) *harness {
	t.Helper()
	clk := clock.NewManual(epoch)
	store, err := sqlite.Open(context.Background(), sqlite.Config{
		Path:        filepath.Join(t.TempDir(), "harvest.db"),
		MaxAttempts: 3,
	}, zap.NewNop(), sqlite.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &harness{
		store:     store,
		clock:     clk,
		resolver:  normalize.NewResolver(),
		dumps:     &staticDump{},
		archive:   archivemem.New(),
		publisher: pubmem.New(),
		session:   &fakeSession{hits: 2},
		adapters:  adapters,
	}
}

func (h *harness) orchestrator(t *testing.T, cfg Config) *Orchestrator {
	return h.orchestratorWith(t, h.store, cfg)
}

func (h *harness) orchestratorWith(t *testing.T, store harvest.Store, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(Deps{
		Store:     store,
		Sources:   source.NewRegistry(h.adapters...),
		Sessions:  SessionFunc(func(string) Session { return h.session }),
		Resolver:  h.resolver,
		Dumps:     h.dumps,
		Archive:   h.archive,
		Publisher: h.publisher,
		Clock:     h.clock,
		Logger:    zap.NewNop(),
	}, cfg)
	require.NoError(t, err)
	return o
}

func (h *harness) writeDump(t *testing.T, version, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oracle-cards.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	h.dumps.dump = scryfall.Dump{Path: path, Version: version}
}

func (h *harness) pending(t *testing.T, src string) int {
	t.Helper()
	n, err := h.store.PendingCount(context.Background(), src)
	require.NoError(t, err)
	return n
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{})
	require.Error(t, err)

	o, err := New(Deps{
		Store:    failingUpserts{},
		Sources:  source.NewRegistry(),
		Sessions: SessionFunc(func(string) Session { return &fakeSession{} }),
	}, Config{Workers: -1, FailureThreshold: 2})
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Workers, o.cfg.Workers)
	require.Equal(t, DefaultConfig().FailureThreshold, o.cfg.FailureThreshold)
	require.NotNil(t, o.Resolver())

	zero, err := New(Deps{
		Store:    failingUpserts{},
		Sources:  source.NewRegistry(),
		Sessions: SessionFunc(func(string) Session { return &fakeSession{} }),
	}, Config{})
	require.NoError(t, err)
	require.InDelta(t, 0.5, zero.cfg.FailureThreshold, 1e-9)
}

func TestDiscoverThenExportIsPartial(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		name: "moxfield",
		ids:  []string{"a1", "b2", "c3"},
		payloads: map[string][]byte{
			"a1": deckJSON("ignored", "Sol Ring", "Island"),
			"b2": []byte(`{"id": "b2", "cards": [`),
			"c3": deckJSON("c3", "Forest"),
		},
	}
	h := newHarness(t, adapter)
	ctx := context.Background()

	disc, err := h.orchestrator(t, Config{Topic: "runs"}).RunDiscovery(ctx, "moxfield")
	require.NoError(t, err)
	require.Equal(t, harvest.OutcomeSuccess, disc.Outcome)
	require.Equal(t, 3, disc.ItemsProcessed)
	require.Equal(t, 3, h.pending(t, "moxfield"))

	export, err := h.orchestrator(t, Config{BatchSize: 2, ItemBudget: 2, Workers: 2, Topic: "runs"}).RunExport(ctx, "moxfield")
	require.NoError(t, err)
	require.Equal(t, harvest.OutcomePartial, export.Outcome)
	require.Equal(t, 1, export.ItemsProcessed)
	require.Equal(t, 1, export.ItemsFailed)
	require.Equal(t, 2, export.CardsProcessed)
	require.Equal(t, 2, export.RateLimitHits)
	require.Contains(t, export.Message, "b2")
	require.Equal(t, 1, h.pending(t, "moxfield"))

	detail, err := h.store.GetDeck(ctx, "moxfield", "a1")
	require.NoError(t, err)
	require.Len(t, detail.Cards, 2)
	_, err = h.store.GetDeck(ctx, "moxfield", "b2")
	require.ErrorIs(t, err, harvest.ErrNotFound)

	// the malformed deck was dropped and is never queued again
	added, err := h.store.Enqueue(ctx, "moxfield", "b2")
	require.NoError(t, err)
	require.False(t, added)

	runs, err := h.store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 2)
	event, ok := msgs[1].Payload.(RunEvent)
	require.True(t, ok)
	require.Equal(t, "runs", msgs[1].Topic)
	require.Equal(t, EventRunCompleted, event.Type)
	require.Equal(t, export.ID, event.Run.ID)
}

func TestExportRetriesTransientAndDropsPermanent(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		name: "moxfield",
		fetchErrs: map[string]error{
			"t1": &harvest.FetchError{Kind: harvest.ErrTransient, URL: "t1", Status: http.StatusServiceUnavailable},
			"c1": &harvest.FetchError{Kind: harvest.ErrChallenge, URL: "c1", Status: http.StatusForbidden},
		},
	}
	h := newHarness(t, adapter)
	ctx := context.Background()
	for _, id := range []string{"t1", "c1", "p1"} {
		_, err := h.store.Enqueue(ctx, "moxfield", id)
		require.NoError(t, err)
	}

	rec, err := h.orchestrator(t, Config{Workers: 1}).RunExport(ctx, "moxfield")
	require.NoError(t, err)
	require.Equal(t, harvest.OutcomeFailed, rec.Outcome)
	require.Equal(t, 3, rec.ItemsFailed)
	require.Contains(t, rec.Message, "failure threshold exceeded")

	// transient and challenge failures are back in the queue with one attempt
	require.Equal(t, 2, h.pending(t, "moxfield"))
	items, err := h.store.PopBatch(ctx, "moxfield", 5)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, 1, it.Attempts)
		assert.NotEmpty(t, it.LastError)
	}
}

func TestExportRetriesEachItemOncePerRun(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		name: "moxfield",
		fetchErrs: map[string]error{
			"t1": &harvest.FetchError{Kind: harvest.ErrTransient, URL: "t1", Status: http.StatusBadGateway},
		},
		payloads: map[string][]byte{"a1": deckJSON("a1", "Island")},
	}
	h := newHarness(t, adapter)
	ctx := context.Background()
	for _, id := range []string{"t1", "a1"} {
		_, err := h.store.Enqueue(ctx, "moxfield", id)
		require.NoError(t, err)
	}

	// the harness store allows three failed attempts; the fourth drops the item
	for attempt := 1; attempt <= 4; attempt++ {
		rec, err := h.orchestrator(t, Config{Workers: 1, BatchSize: 1}).RunExport(ctx, "moxfield")
		require.NoError(t, err)
		require.Equal(t, 1, rec.ItemsFailed, "run %d", attempt)
		if attempt == 1 {
			require.Equal(t, 1, rec.ItemsProcessed)
			require.Equal(t, harvest.OutcomePartial, rec.Outcome)
		} else {
			require.Zero(t, rec.ItemsProcessed)
			require.Equal(t, harvest.OutcomeFailed, rec.Outcome)
		}
		if attempt < 4 {
			require.Equal(t, 1, h.pending(t, "moxfield"), "run %d", attempt)
		}
	}
	require.Zero(t, h.pending(t, "moxfield"))

	added, err := h.store.Enqueue(ctx, "moxfield", "t1")
	require.NoError(t, err)
	require.False(t, added, "dropped items are not queued again")
}

func TestExportStopsOnIntegrityError(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		name: "moxfield",
		payloads: map[string][]byte{
			"a1": deckJSON("a1", "Island"),
			"b2": deckJSON("b2", "Island"),
			"c3": deckJSON("c3", "Island"),
		},
	}
	h := newHarness(t, adapter)
	ctx := context.Background()
	for _, id := range []string{"a1", "b2", "c3"} {
		_, err := h.store.Enqueue(ctx, "moxfield", id)
		require.NoError(t, err)
	}

	o := h.orchestratorWith(t, failingUpserts{Store: h.store}, Config{Workers: 1, BatchSize: 3})
	rec, err := o.RunExport(ctx, "moxfield")
	require.ErrorIs(t, err, harvest.ErrIntegrity)
	require.Equal(t, harvest.OutcomeFailed, rec.Outcome)
	require.Equal(t, 0, rec.ItemsProcessed)
	require.Contains(t, rec.Message, "disk full")

	// nothing was acknowledged; every popped item went back to pending
	require.Equal(t, 3, h.pending(t, "moxfield"))
}

func TestExportCancelledLeavesQueueIntact(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "moxfield", payloads: map[string][]byte{"a1": deckJSON("a1", "Island")}}
	h := newHarness(t, adapter)
	_, err := h.store.Enqueue(context.Background(), "moxfield", "a1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, err := h.orchestrator(t, Config{}).RunExport(ctx, "moxfield")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, harvest.OutcomeFailed, rec.Outcome)
	require.Contains(t, rec.Message, "cancelled")
	require.Equal(t, 1, h.pending(t, "moxfield"))

	runs, err := h.store.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, rec.ID, runs[0].ID)
}

func TestDiscoveryTouchesKnownDecks(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "archidekt", ids: []string{"10", "20"}}
	h := newHarness(t, adapter)
	ctx := context.Background()
	_, err := h.store.UpsertDeck(ctx, harvest.DeckWrite{
		Source: "archidekt",
		Parsed: harvest.ParsedDeck{ExternalID: "10"},
		Cards:  []harvest.DeckCard{{Name: "Island", Quantity: 1, Zone: harvest.ZoneMain}},
		SeenAt: epoch,
	})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	rec, err := h.orchestrator(t, Config{}).RunDiscovery(ctx, "archidekt")
	require.NoError(t, err)
	require.Equal(t, harvest.OutcomeSuccess, rec.Outcome)
	require.Equal(t, 1, rec.ItemsProcessed)
	require.Contains(t, rec.Message, "1 ids already known")
	require.Equal(t, 1, h.pending(t, "archidekt"))

	detail, err := h.store.GetDeck(ctx, "archidekt", "10")
	require.NoError(t, err)
	require.True(t, detail.Deck.LastSeenAt.Equal(epoch.Add(time.Hour)))
}

func TestDiscoveryErrorWithoutProgressFails(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "archidekt", discoverErr: errors.New("search page refused")}
	h := newHarness(t, adapter)

	rec, err := h.orchestrator(t, Config{}).RunDiscovery(context.Background(), "archidekt")
	require.Error(t, err)
	require.Equal(t, harvest.OutcomeFailed, rec.Outcome)
	require.Contains(t, rec.Message, "search page refused")
}

func TestDiscoveryStopsAtItemBudget(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "archidekt", ids: []string{"1", "2", "3", "4"}}
	h := newHarness(t, adapter)

	rec, err := h.orchestrator(t, Config{ItemBudget: 2}).RunDiscovery(context.Background(), "archidekt")
	require.NoError(t, err)
	require.Equal(t, harvest.OutcomeSuccess, rec.Outcome)
	require.Equal(t, 2, rec.ItemsProcessed)
	require.Contains(t, rec.Message, "item budget reached")
	require.Equal(t, 2, h.pending(t, "archidekt"))
}

func TestBulkResolvesArchivesAndHonoursBudget(t *testing.T) {
	t.Parallel()

	bulk := &fakeBulk{
		fakeAdapter: fakeAdapter{name: "archidekt"},
		pages: []json.RawMessage{
			deckJSON("1", "Fire", "Lightning Bolt"),
			deckJSON("2", "Fire"),
			deckJSON("3", "Fire"),
		},
	}
	h := newHarness(t, bulk)
	h.resolver.Build([]normalize.Card{{OracleID: "X", Name: "Fireball", CardFaces: []normalize.Face{{Name: "Fire"}}}}, "v1")
	ctx := context.Background()

	rec, err := h.orchestrator(t, Config{ItemBudget: 2, Workers: 2}).RunBulk(ctx, "archidekt")
	require.NoError(t, err)
	require.Equal(t, harvest.OutcomeSuccess, rec.Outcome)
	require.Equal(t, 2, rec.ItemsProcessed)
	require.Equal(t, 3, rec.CardsProcessed)
	require.Contains(t, rec.Message, "item budget reached")

	detail, err := h.store.GetDeck(ctx, "archidekt", "1")
	require.NoError(t, err)
	byName := map[string]*string{}
	for _, c := range detail.Cards {
		byName[c.Name] = c.OracleID
	}
	require.NotNil(t, byName["Fire"])
	require.Equal(t, "X", *byName["Fire"])
	require.Nil(t, byName["Lightning Bolt"])
	require.Equal(t, fingerprint.Compute(detail.Cards), detail.Deck.Fingerprint)

	unmapped, err := h.store.TopUnmapped(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unmapped, 1)
	require.Equal(t, "lightning bolt", unmapped[0].Name)

	require.Len(t, h.archive.Paths(), 2)
	_, err = h.store.GetDeck(ctx, "archidekt", "3")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestBulkRejectsQueueOnlySource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAdapter{name: "moxfield"})
	_, err := h.orchestrator(t, Config{}).RunBulk(context.Background(), "moxfield")
	require.Error(t, err)

	_, err = h.orchestrator(t, Config{}).Run(context.Background(), harvest.OperationExport, "nowhere")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestNormalizationResolvesFaceNames(t *testing.T) {
	t.Parallel()

	bulk := &fakeBulk{
		fakeAdapter: fakeAdapter{name: "archidekt"},
		pages:       []json.RawMessage{deckJSON("1", "Fire", "Mystery Card")},
	}
	h := newHarness(t, bulk)
	ctx := context.Background()

	_, err := h.orchestrator(t, Config{}).RunBulk(ctx, "archidekt")
	require.NoError(t, err)
	before, err := h.store.GetDeck(ctx, "archidekt", "1")
	require.NoError(t, err)
	for _, c := range before.Cards {
		require.Nil(t, c.OracleID)
	}

	h.writeDump(t, "2025-03-01T09:00:00Z", `[{"oracle_id": "X", "name": "Fireball", "card_faces": [{"name": "Fire"}]}]`)
	rec, err := h.orchestrator(t, Config{}).RunNormalization(ctx)
	require.NoError(t, err)
	require.Equal(t, harvest.OutcomeSuccess, rec.Outcome)
	require.Equal(t, NormalizationSource, rec.Source)
	require.Equal(t, 1, rec.ItemsProcessed)
	require.Equal(t, 2, rec.CardsProcessed)

	after, err := h.store.GetDeck(ctx, "archidekt", "1")
	require.NoError(t, err)
	for _, c := range after.Cards {
		if c.Name == "Fire" {
			require.NotNil(t, c.OracleID)
			require.Equal(t, "X", *c.OracleID)
		} else {
			require.Nil(t, c.OracleID)
		}
	}
	require.NotEqual(t, before.Deck.Fingerprint, after.Deck.Fingerprint)
	require.Equal(t, fingerprint.Compute(after.Cards), after.Deck.Fingerprint)

	version, err := h.store.DumpVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, "2025-03-01T09:00:00Z", version)

	unmapped, err := h.store.TopUnmapped(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unmapped, 1)
	require.Equal(t, "mystery card", unmapped[0].Name)
}

func TestNormalizationRecordsDiscrepanciesOnNewDump(t *testing.T) {
	t.Parallel()

	bulk := &fakeBulk{
		fakeAdapter: fakeAdapter{name: "archidekt"},
		pages:       []json.RawMessage{deckJSON("1", "Fire", "Mystery Card")},
	}
	h := newHarness(t, bulk)
	ctx := context.Background()
	_, err := h.orchestrator(t, Config{}).RunBulk(ctx, "archidekt")
	require.NoError(t, err)

	h.writeDump(t, "v1", `[{"oracle_id": "X", "name": "Fireball", "card_faces": [{"name": "Fire"}]}]`)
	_, err = h.orchestrator(t, Config{}).RunNormalization(ctx)
	require.NoError(t, err)

	h.clock.Advance(24 * time.Hour)
	h.writeDump(t, "v2", `[{"oracle_id": "Y", "name": "Fireball", "card_faces": [{"name": "Fire"}]}]`)
	rec, err := h.orchestrator(t, Config{}).RunNormalization(ctx)
	require.NoError(t, err)
	require.Equal(t, harvest.OutcomeSuccess, rec.Outcome)
	require.Contains(t, rec.Message, "1 discrepancies")

	found, err := h.store.Discrepancies(ctx, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "Fire", found[0].CardName)
	require.Equal(t, "X", found[0].PreviousID)
	require.Equal(t, "v2", found[0].DumpVersion)

	// the stored identifier is never overwritten
	detail, err := h.store.GetDeck(ctx, "archidekt", "1")
	require.NoError(t, err)
	for _, c := range detail.Cards {
		if c.Name == "Fire" {
			require.Equal(t, "X", *c.OracleID)
		}
	}

	// every pass counts a miss again
	unmapped, err := h.store.TopUnmapped(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unmapped, 1)
	require.Equal(t, 2, unmapped[0].Frequency)
}

func TestNormalizationFailsWithoutDump(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dumps.dump = scryfall.Dump{Path: filepath.Join(t.TempDir(), "missing.json"), Version: "v1"}

	rec, err := h.orchestrator(t, Config{}).RunNormalization(context.Background())
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.Equal(t, harvest.OutcomeFailed, rec.Outcome)
}

func TestTimeBudgetIsNotAFailure(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "moxfield", block: true}
	h := newHarness(t, adapter)
	_, err := h.store.Enqueue(context.Background(), "moxfield", "a1")
	require.NoError(t, err)

	rec, err := h.orchestrator(t, Config{TimeBudget: 20 * time.Millisecond}).RunExport(context.Background(), "moxfield")
	require.NoError(t, err)
	require.Equal(t, harvest.OutcomeSuccess, rec.Outcome)
	require.Contains(t, rec.Message, "time budget reached")
	require.Equal(t, 1, h.pending(t, "moxfield"))
}

func TestVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		processed int
		failed    int
		jobErr    error
		want      harvest.Outcome
	}{
		{name: "clean", processed: 4, want: harvest.OutcomeSuccess},
		{name: "nothing to do", want: harvest.OutcomeSuccess},
		{name: "within threshold", processed: 3, failed: 1, want: harvest.OutcomePartial},
		{name: "at threshold", processed: 1, failed: 1, want: harvest.OutcomePartial},
		{name: "above threshold", processed: 1, failed: 2, want: harvest.OutcomeFailed},
		{name: "job error after progress", processed: 2, jobErr: errors.New("page 3"), want: harvest.OutcomePartial},
		{name: "job error without progress", jobErr: errors.New("page 1"), want: harvest.OutcomeFailed},
		{name: "item budget", processed: 2, jobErr: errItemBudget, want: harvest.OutcomeSuccess},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := &run{ctx: context.Background(), logger: zap.NewNop()}
			r.processed.Store(int64(tc.processed))
			r.failed.Store(int64(tc.failed))
			got, _, _ := r.verdict(tc.jobErr, 0.5)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestVerdictIntegrityWins(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancelCause(context.Background())
	r := &run{ctx: ctx, abort: cancel, logger: zap.NewNop()}
	r.processed.Store(10)
	r.stop(harvest.IntegrityError("ack", errors.New("locked")))

	got, msg, err := r.verdict(nil, 0.5)
	require.Equal(t, harvest.OutcomeFailed, got)
	require.ErrorIs(t, err, harvest.ErrIntegrity)
	require.Contains(t, msg, "locked")
}
