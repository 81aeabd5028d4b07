// Package orchestrator runs ingestion and normalization jobs: it drives source
// adapters through a bounded worker pool, resolves and fingerprints each deck,
// writes it to the store and records one run per job.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/clock"
	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/id"
	"github.com/JakeFAU/deck-harvester/internal/normalize"
	"github.com/JakeFAU/deck-harvester/internal/normalize/scryfall"
	"github.com/JakeFAU/deck-harvester/internal/source"
)

// NormalizationSource is the source recorded on normalization runs.
const NormalizationSource = "scryfall"

// EventRunCompleted is the event type published after every run.
const EventRunCompleted = "run.completed"

// Config bounds every job.
type Config struct {
	Workers    int
	BatchSize  int
	ItemBudget int
	TimeBudget time.Duration
	// FailureThreshold is the largest failed share of a run that still counts as
	// partial. Values outside (0, 1] fall back to the default; a tiny positive
	// value makes any failure fail the run.
	FailureThreshold float64
	NormalizeBatch   int
	ArchivePrefix    string
	Topic            string
}

// DefaultConfig returns conservative job bounds.
func DefaultConfig() Config {
	return Config{
		Workers:          2,
		BatchSize:        25,
		ItemBudget:       500,
		TimeBudget:       30 * time.Minute,
		FailureThreshold: 0.5,
		NormalizeBatch:   1000,
		ArchivePrefix:    "raw",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.NormalizeBatch <= 0 {
		c.NormalizeBatch = def.NormalizeBatch
	}
	return c
}

// Session is the per-run fetch client handed to adapters.
type Session interface {
	harvest.Getter
	RateLimitHits() int
}

// SessionFactory creates a fresh Session for each run so transport decisions never
// outlive it.
type SessionFactory interface {
	NewSession(source string) Session
}

// SessionFunc adapts a function to SessionFactory.
type SessionFunc func(source string) Session

// NewSession calls f.
func (f SessionFunc) NewSession(source string) Session {
	return f(source)
}

// DumpProvider supplies the canonical card dump.
type DumpProvider interface {
	Ensure(ctx context.Context) (scryfall.Dump, error)
}

// RunEvent is the payload published when a run finishes.
type RunEvent struct {
	Type string            `json:"type"`
	Run  harvest.RunRecord `json:"run"`
}

// Deps are the collaborators of an Orchestrator. Archive and Publisher are optional.
type Deps struct {
	Store     harvest.Store
	Sources   *source.Registry
	Sessions  SessionFactory
	Resolver  *normalize.Resolver
	Dumps     DumpProvider
	Archive   harvest.Archive
	Publisher harvest.Publisher
	Clock     harvest.Clock
	IDs       harvest.IDGenerator
	Logger    *zap.Logger
}

// Orchestrator executes jobs against one store.
type Orchestrator struct {
	cfg       Config
	store     harvest.Store
	sources   *source.Registry
	sessions  SessionFactory
	resolver  *normalize.Resolver
	dumps     DumpProvider
	archive   harvest.Archive
	publisher harvest.Publisher
	clock     harvest.Clock
	ids       harvest.IDGenerator
	logger    *zap.Logger
}

// New validates deps and builds an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator requires a store")
	}
	if deps.Sources == nil {
		return nil, errors.New("orchestrator requires a source registry")
	}
	if deps.Sessions == nil {
		return nil, errors.New("orchestrator requires a session factory")
	}
	if deps.Resolver == nil {
		deps.Resolver = normalize.NewResolver()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.IDs == nil {
		deps.IDs = id.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		sources:   deps.Sources,
		sessions:  deps.Sessions,
		resolver:  deps.Resolver,
		dumps:     deps.Dumps,
		archive:   deps.Archive,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    deps.Logger.Named("orchestrator"),
	}, nil
}

// Run dispatches a job by operation name.
func (o *Orchestrator) Run(ctx context.Context, op harvest.Operation, src string) (harvest.RunRecord, error) {
	switch op {
	case harvest.OperationBulk:
		return o.RunBulk(ctx, src)
	case harvest.OperationDiscovery:
		return o.RunDiscovery(ctx, src)
	case harvest.OperationExport:
		return o.RunExport(ctx, src)
	case harvest.OperationNormalization:
		return o.RunNormalization(ctx)
	default:
		return harvest.RunRecord{}, fmt.Errorf("unknown operation %q: %w", op, harvest.ErrNotFound)
	}
}

// Resolver exposes the resolver shared by ingestion and normalization.
func (o *Orchestrator) Resolver() *normalize.Resolver {
	return o.resolver
}
