package harvest

import (
	"net/http"
	"time"
)

// Zone is the section of a deck a card is listed in.
type Zone string

// Zones recognised by the store.
const (
	ZoneMain    Zone = "main"
	ZoneSide    Zone = "side"
	ZoneCommand Zone = "command"
)

// Valid reports whether z is one of the known zones.
func (z Zone) Valid() bool {
	switch z {
	case ZoneMain, ZoneSide, ZoneCommand:
		return true
	default:
		return false
	}
}

// Operation names the kind of job a run record describes.
type Operation string

// Job operations.
const (
	OperationBulk          Operation = "bulk"
	OperationDiscovery     Operation = "discovery"
	OperationExport        Operation = "export"
	OperationNormalization Operation = "normalization"
)

// Outcome is the final verdict of a run.
type Outcome string

// Run outcomes. Partial runs are never reported as success.
const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// Deck is one decklist identified by (Source, ExternalID).
type Deck struct {
	ID          int64          `json:"id"`
	Source      string         `json:"source"`
	ExternalID  string         `json:"external_id"`
	Format      string         `json:"format"`
	Title       string         `json:"title"`
	Author      string         `json:"author"`
	URL         string         `json:"url"`
	Extra       map[string]any `json:"extra,omitempty"`
	Fingerprint string         `json:"fingerprint"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
	FetchedAt   time.Time      `json:"fetched_at"`
}

// DeckCard is a single card line of a deck. OracleID is nil until resolved.
type DeckCard struct {
	DeckID   int64   `json:"deck_id"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Zone     Zone    `json:"zone"`
	OracleID *string `json:"oracle_id,omitempty"`
}

// DeckCommander pairs a commander's raw name with its canonical identifier.
type DeckCommander struct {
	DeckID   int64   `json:"deck_id"`
	Name     string  `json:"name"`
	OracleID *string `json:"oracle_id,omitempty"`
}

// DeckDetail is a deck with its owned rows.
type DeckDetail struct {
	Deck       Deck            `json:"deck"`
	Cards      []DeckCard      `json:"cards"`
	Commanders []DeckCommander `json:"commanders"`
}

// RawCard is a card line exactly as an adapter parsed it.
type RawCard struct {
	Name     string
	Quantity int
	Zone     Zone
	// OracleID is set when the provider already supplies a canonical id.
	OracleID string
}

// ParsedDeck is the output of an adapter's parse step.
type ParsedDeck struct {
	ExternalID string
	Format     string
	Title      string
	Author     string
	URL        string
	Extra      map[string]any
	Cards      []RawCard
	Commanders []string
}

// DeckWrite is what the orchestrator hands to the store for one upsert.
type DeckWrite struct {
	Source      string
	Parsed      ParsedDeck
	Cards       []DeckCard
	Commanders  []DeckCommander
	Fingerprint string
	SeenAt      time.Time
}

// UnmappedName tracks a folded card name the resolver could not match.
type UnmappedName struct {
	Name      string    `json:"name"`
	Frequency int       `json:"frequency"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// QueueState is the lifecycle state of a work queue row.
type QueueState string

// Queue states. Absent items have no row at all.
const (
	QueuePending  QueueState = "pending"
	QueueInFlight QueueState = "in_flight"
)

// QueueItem is one discovery target waiting for export.
type QueueItem struct {
	ID         int64      `json:"id"`
	Source     string     `json:"source"`
	ExternalID string     `json:"external_id"`
	State      QueueState `json:"state"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// AckOutcome tells the queue what happened to a popped item.
type AckOutcome struct {
	Kind AckKind
	Err  error
}

// AckKind enumerates acknowledgement results.
type AckKind int

// Acknowledgement kinds.
const (
	// AckSuccess removes the item.
	AckSuccess AckKind = iota
	// AckRetry re-queues the item unless the retry ceiling is exceeded.
	AckRetry
	// AckDrop removes the item and records it as dropped.
	AckDrop
)

// RunRecord is the persisted summary of one job run.
type RunRecord struct {
	ID             string        `json:"id"`
	Source         string        `json:"source"`
	Operation      Operation     `json:"operation"`
	Outcome        Outcome       `json:"outcome"`
	ItemsProcessed int           `json:"items_processed"`
	ItemsFailed    int           `json:"items_failed"`
	CardsProcessed int           `json:"cards_processed"`
	RateLimitHits  int           `json:"rate_limit_hits"`
	Duration       time.Duration `json:"duration"`
	Message        string        `json:"message"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
}

// UnresolvedCard is a card or commander row still waiting for an identifier.
type UnresolvedCard struct {
	RowID     int64
	DeckID    int64
	Name      string
	Commander bool
}

// ResolvedCard is a previously resolved row, used for revalidation.
type ResolvedCard struct {
	RowID     int64
	DeckID    int64
	Name      string
	OracleID  string
	Commander bool
}

// Assignment sets the identifier of one unresolved row.
type Assignment struct {
	RowID     int64
	Commander bool
	OracleID  string
}

// Discrepancy records a resolved identifier that vanished from a newer dump.
type Discrepancy struct {
	DeckID      int64     `json:"deck_id"`
	CardName    string    `json:"card_name"`
	PreviousID  string    `json:"previous_id"`
	DumpVersion string    `json:"dump_version"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Stats summarises the store contents.
type Stats struct {
	TotalDecks        int            `json:"total_decks"`
	DecksBySource     map[string]int `json:"decks_by_source"`
	TotalCards        int            `json:"total_cards"`
	NormalizedCards   int            `json:"normalized_cards"`
	UnmappedNames     int            `json:"unmapped_names"`
	PendingQueue      int            `json:"pending_queue"`
	NormalizationRate float64        `json:"normalization_rate"`
}

// Strategy names the transport strategy that produced a response.
type Strategy string

// Transport strategies.
const (
	StrategyDirect  Strategy = "direct"
	StrategyBrowser Strategy = "browser"
)

// Request describes one outbound fetch.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is the result of a Fetcher call.
type Response struct {
	URL      string
	Status   int
	Headers  http.Header
	Body     []byte
	Duration time.Duration
	Strategy Strategy
}
