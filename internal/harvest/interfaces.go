package harvest

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Fetcher fetches a URL with one transport strategy.
type Fetcher interface {
	Fetch(ctx context.Context, request Request) (Response, error)
}

// Getter is the rate-gated fetch loop adapters use for every outbound call.
type Getter interface {
	Get(ctx context.Context, url string, headers http.Header) (Response, error)
}

// DiscoverSink receives external ids found during discovery. It reports whether the id
// was new to the queue.
type DiscoverSink func(ctx context.Context, externalID string) (bool, error)

// Adapter is the capability set every source implements.
type Adapter interface {
	Name() string
	// Discover enumerates external deck ids without fetching full contents.
	Discover(ctx context.Context, getter Getter, sink DiscoverSink) error
	// Fetch retrieves the raw export payload of one deck.
	Fetch(ctx context.Context, getter Getter, externalID string) ([]byte, error)
	// Parse turns a raw payload into deck fields and card lines.
	Parse(raw []byte) (ParsedDeck, error)
}

// BulkAdapter is implemented by sources whose listing pages already carry full decks.
type BulkAdapter interface {
	Adapter
	// Walk visits raw deck payloads page by page, bypassing the work queue.
	Walk(ctx context.Context, getter Getter, visit func(ctx context.Context, raw []byte) error) error
}

// WorkQueue is the persistent, de-duplicated set of discovery targets.
type WorkQueue interface {
	// Enqueue is a no-op when the id is queued or already a known deck.
	Enqueue(ctx context.Context, source, externalID string) (bool, error)
	// PopBatch atomically moves up to n pending items to in-flight. Items whose
	// ids are listed in skip stay pending.
	PopBatch(ctx context.Context, source string, n int, skip ...int64) ([]QueueItem, error)
	Ack(ctx context.Context, item QueueItem, outcome AckOutcome) error
	// Release returns in-flight items to pending without counting an attempt.
	Release(ctx context.Context, items []QueueItem) error
	// RecoverInFlight resets every in-flight item to pending.
	RecoverInFlight(ctx context.Context) (int, error)
	PendingCount(ctx context.Context, source string) (int, error)
}

// DeckStore persists decks and the rows they own.
type DeckStore interface {
	UpsertDeck(ctx context.Context, write DeckWrite) (Deck, error)
	GetDeck(ctx context.Context, source, externalID string) (DeckDetail, error)
	// TouchDeck refreshes last_seen_at for a deck the source still reports.
	TouchDeck(ctx context.Context, source, externalID string, seenAt time.Time) (bool, error)
}

// NormalizationStore exposes card rows to the resolver.
type NormalizationStore interface {
	ListUnresolved(ctx context.Context, afterRowID int64, commanders bool, limit int) ([]UnresolvedCard, error)
	ListResolved(ctx context.Context, afterRowID int64, commanders bool, limit int) ([]ResolvedCard, error)
	// AssignIdentifiers only upgrades null identifiers; resolved rows are left untouched.
	AssignIdentifiers(ctx context.Context, assignments []Assignment) (int, error)
	RecordUnmapped(ctx context.Context, names []string, seenAt time.Time) error
	RecordDiscrepancies(ctx context.Context, items []Discrepancy) error
	DeckCards(ctx context.Context, deckID int64) ([]DeckCard, error)
	SetFingerprint(ctx context.Context, deckID int64, fingerprint string) error
	DumpVersion(ctx context.Context) (string, error)
	SetDumpVersion(ctx context.Context, version string) error
}

// RunStore persists run records. The orchestrator is its only writer.
type RunStore interface {
	RecordRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// ReportStore answers read-only reporting queries.
type ReportStore interface {
	Stats(ctx context.Context) (Stats, error)
	TopUnmapped(ctx context.Context, limit int) ([]UnmappedName, error)
	Discrepancies(ctx context.Context, limit int) ([]Discrepancy, error)
}

// Store is everything a storage backend provides.
type Store interface {
	WorkQueue
	DeckStore
	NormalizationStore
	RunStore
	ReportStore
	Ping(ctx context.Context) error
	Close() error
}

// Resolver maps raw card names to canonical identifiers.
type Resolver interface {
	Resolve(raw string) (string, bool)
	Version() string
}

// Archive stores raw payloads and returns a URI.
type Archive interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
