package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
)

// These tests swap the package-level app factory, so they do not run in parallel.

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestIngestExportPrintsSummary(t *testing.T) {
	fake := &fakeApp{rec: harvest.RunRecord{
		ID:             "run-1",
		Source:         "moxfield",
		Operation:      harvest.OperationExport,
		Outcome:        harvest.OutcomePartial,
		ItemsProcessed: 4,
		ItemsFailed:    1,
		CardsProcessed: 400,
		RateLimitHits:  2,
		Duration:       1500 * time.Millisecond,
		Message:        "item budget reached",
	}}
	useFakeApp(t, fake)

	out, err := runCLI(t, "ingest", "export", "moxfield")
	require.NoError(t, err)
	assert.Contains(t, out, "partial export moxfield (run run-1)")
	assert.Contains(t, out, "Processed: 4")
	assert.Contains(t, out, "Rate limited: 2")
	assert.Contains(t, out, "item budget reached")
	assert.Equal(t, []string{"export/moxfield"}, fake.jobs)
	assert.True(t, fake.closed, "app must be closed after the command")
}

func TestIngestFailedRunExitsNonZero(t *testing.T) {
	fake := &fakeApp{
		rec: harvest.RunRecord{ID: "run-2", Operation: harvest.OperationBulk, Source: "archidekt", Outcome: harvest.OutcomeFailed},
		err: fmt.Errorf("store deck: %w", harvest.ErrIntegrity),
	}
	useFakeApp(t, fake)

	out, err := runCLI(t, "ingest", "bulk", "archidekt")
	require.ErrorIs(t, err, errRunFailed)
	assert.Contains(t, out, "failed bulk archidekt")
	assert.Contains(t, out, "storage integrity failure")
	assert.True(t, fake.closed, "app must be closed even when the run fails")
}

func TestIngestWithoutRunRecordReturnsError(t *testing.T) {
	fake := &fakeApp{err: fmt.Errorf("source tappedout: %w", harvest.ErrNotFound)}
	useFakeApp(t, fake)

	_, err := runCLI(t, "ingest", "discover", "tappedout")
	require.ErrorIs(t, err, harvest.ErrNotFound)
	assert.NotErrorIs(t, err, errRunFailed)
}

func TestIngestRequiresSource(t *testing.T) {
	useFakeApp(t, &fakeApp{})

	_, err := runCLI(t, "ingest", "export")
	require.Error(t, err)
}

func TestNormalizeRunsWithoutSource(t *testing.T) {
	fake := &fakeApp{rec: harvest.RunRecord{ID: "run-3", Operation: harvest.OperationNormalization, Source: "scryfall", Outcome: harvest.OutcomeSuccess}}
	useFakeApp(t, fake)

	out, err := runCLI(t, "normalize")
	require.NoError(t, err)
	assert.Contains(t, out, "success normalization scryfall")
	assert.Equal(t, []string{"normalization/"}, fake.jobs)
}

func TestStatsCommand(t *testing.T) {
	useFakeApp(t, &fakeApp{store: &fakeStore{stats: harvest.Stats{
		TotalDecks:        3,
		DecksBySource:     map[string]int{"moxfield": 1, "archidekt": 2},
		TotalCards:        300,
		NormalizedCards:   290,
		UnmappedNames:     4,
		PendingQueue:      7,
		NormalizationRate: 96.666,
	}}})

	out, err := runCLI(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Decks:")
	assert.Contains(t, out, "96.7%")
	assert.Less(t, bytes.Index([]byte(out), []byte("archidekt")), bytes.Index([]byte(out), []byte("moxfield")))
	assert.Contains(t, out, "Pending queue:")
}

func TestRunsCommand(t *testing.T) {
	store := &fakeStore{runs: []harvest.RunRecord{{
		ID:        "run-9",
		Source:    "archidekt",
		Operation: harvest.OperationBulk,
		Outcome:   harvest.OutcomeSuccess,
		StartedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}}}
	useFakeApp(t, &fakeApp{store: store})

	out, err := runCLI(t, "runs", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "2025-03-01 12:00")
	assert.Contains(t, out, "archidekt")
	assert.Equal(t, 5, store.limit)

	useFakeApp(t, &fakeApp{store: &fakeStore{}})
	out, err = runCLI(t, "runs")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded yet.")
}

func TestUnmappedAndDiscrepanciesCommands(t *testing.T) {
	store := &fakeStore{
		unmapped:      []harvest.UnmappedName{{Name: "lightning bolt", Frequency: 12}},
		discrepancies: []harvest.Discrepancy{{DeckID: 4, CardName: "Fire", PreviousID: "X", DumpVersion: "v2"}},
	}
	useFakeApp(t, &fakeApp{store: store})

	out, err := runCLI(t, "unmapped")
	require.NoError(t, err)
	assert.Contains(t, out, "lightning bolt")
	assert.Contains(t, out, "12")

	out, err = runCLI(t, "discrepancies", "-n", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Fire")
	assert.Equal(t, 3, store.limit)
}

func TestDeckCommand(t *testing.T) {
	oracle := "oracle-1"
	store := &fakeStore{deck: harvest.DeckDetail{
		Deck: harvest.Deck{Source: "moxfield", ExternalID: "abc", Title: "Goblins", Fingerprint: "f00d"},
		Cards: []harvest.DeckCard{
			{Name: "Goblin Guide", Quantity: 1, Zone: harvest.ZoneMain, OracleID: &oracle},
			{Name: "Mystery Card", Quantity: 2, Zone: harvest.ZoneSide},
		},
		Commanders: []harvest.DeckCommander{{Name: "Krenko, Mob Boss"}},
	}}
	useFakeApp(t, &fakeApp{store: store})

	out, err := runCLI(t, "deck", "moxfield", "abc")
	require.NoError(t, err)
	assert.Contains(t, out, "Goblins")
	assert.Contains(t, out, "Commanders: Krenko, Mob Boss")
	assert.Contains(t, out, "oracle-1")
	assert.Contains(t, out, "unmapped")

	_, err = runCLI(t, "deck", "moxfield", "missing")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestMigrateAndServe(t *testing.T) {
	fake := &fakeApp{}
	useFakeApp(t, fake)

	out, err := runCLI(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema is up to date.")
	assert.True(t, fake.migrated)

	fake = &fakeApp{serveErr: errors.New("address in use")}
	useFakeApp(t, fake)
	_, err = runCLI(t, "serve")
	require.ErrorContains(t, err, "address in use")
}

func TestAppInitFailure(t *testing.T) {
	prev := newApp
	t.Cleanup(func() { newApp = prev })
	newApp = func(context.Context, string) (App, error) {
		return nil, errors.New("database is locked")
	}

	_, err := runCLI(t, "stats")
	require.ErrorContains(t, err, "failed to initialize application services")
}

func TestConfigFlagReachesFactory(t *testing.T) {
	prev := newApp
	t.Cleanup(func() { newApp = prev })
	var got string
	newApp = func(_ context.Context, path string) (App, error) {
		got = path
		return &fakeApp{store: &fakeStore{}}, nil
	}

	_, err := runCLI(t, "--config", "/tmp/harvest.yaml", "stats")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/harvest.yaml", got)
}

// --- helpers/fakes ---

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func useFakeApp(t *testing.T, fake *fakeApp) {
	t.Helper()
	prev := newApp
	t.Cleanup(func() { newApp = prev })
	newApp = func(context.Context, string) (App, error) {
		return fake, nil
	}
}

type fakeApp struct {
	store    *fakeStore
	rec      harvest.RunRecord
	err      error
	serveErr error
	jobs     []string
	migrated bool
	closed   bool
}

func (f *fakeApp) Close() error {
	f.closed = true
	return nil
}

func (f *fakeApp) GetLogger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) GetStore() harvest.Store {
	if f.store == nil {
		return &fakeStore{}
	}
	return f.store
}

func (f *fakeApp) Run(_ context.Context, op harvest.Operation, source string) (harvest.RunRecord, error) {
	f.jobs = append(f.jobs, string(op)+"/"+source)
	return f.rec, f.err
}

func (f *fakeApp) Serve(context.Context) error { return f.serveErr }

func (f *fakeApp) Migrate() error {
	f.migrated = true
	return nil
}

// fakeStore implements the reporting subset; any other call panics on the nil
// embedded interface.
type fakeStore struct {
	harvest.Store
	stats         harvest.Stats
	runs          []harvest.RunRecord
	unmapped      []harvest.UnmappedName
	discrepancies []harvest.Discrepancy
	deck          harvest.DeckDetail
	limit         int
}

func (s *fakeStore) Stats(context.Context) (harvest.Stats, error) { return s.stats, nil }

func (s *fakeStore) ListRuns(_ context.Context, limit int) ([]harvest.RunRecord, error) {
	s.limit = limit
	return s.runs, nil
}

func (s *fakeStore) TopUnmapped(_ context.Context, limit int) ([]harvest.UnmappedName, error) {
	s.limit = limit
	return s.unmapped, nil
}

func (s *fakeStore) Discrepancies(_ context.Context, limit int) ([]harvest.Discrepancy, error) {
	s.limit = limit
	return s.discrepancies, nil
}

func (s *fakeStore) GetDeck(_ context.Context, source, externalID string) (harvest.DeckDetail, error) {
	if s.deck.Deck.Source != source || s.deck.Deck.ExternalID != externalID {
		return harvest.DeckDetail{}, fmt.Errorf("deck %s/%s: %w", source, externalID, harvest.ErrNotFound)
	}
	return s.deck, nil
}
