// Package archidekt adapts the Archidekt deck API. Its listing endpoint returns
// complete decks, so it is walked in bulk; a search page scrape also feeds the
// work queue for individual exports.
package archidekt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/source"
)

// Name is the source name used in storage and on the command line.
const Name = "archidekt"

var deckLink = regexp.MustCompile(`/decks/(\d+)/`)

// Config tunes the adapter.
type Config struct {
	BaseURL      string        `mapstructure:"base_url"`
	PageSize     int           `mapstructure:"page_size"`
	MaxPages     int           `mapstructure:"max_pages"`
	FormatFilter string        `mapstructure:"format_filter"`
	Commanders   []string      `mapstructure:"commanders"`
	SearchPages  int           `mapstructure:"search_pages"`
	PageSleep    time.Duration `mapstructure:"page_sleep"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://archidekt.com",
		PageSize:     50,
		MaxPages:     20,
		FormatFilter: "3",
		SearchPages:  5,
	}
}

// Adapter implements harvest.BulkAdapter for Archidekt.
type Adapter struct {
	cfg    Config
	logger *zap.Logger
}

// New creates an Adapter. Zero config fields fall back to DefaultConfig.
func New(cfg Config, logger *zap.Logger) *Adapter {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.FormatFilter == "" {
		cfg.FormatFilter = def.FormatFilter
	}
	if cfg.SearchPages <= 0 {
		cfg.SearchPages = def.SearchPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cfg: cfg, logger: logger.Named(Name)}
}

// Name implements harvest.Adapter.
func (a *Adapter) Name() string {
	return Name
}

type listingPage struct {
	Count   int               `json:"count"`
	Results []json.RawMessage `json:"results"`
	Error   json.RawMessage   `json:"error"`
}

// Walk visits every deck on the newest public listing pages.
func (a *Adapter) Walk(ctx context.Context, getter harvest.Getter, visit func(ctx context.Context, raw []byte) error) error {
	return source.WalkPages(ctx, a.cfg.MaxPages, a.cfg.PageSize, func(ctx context.Context, page int) (int, error) {
		if page > 1 {
			if err := source.Pause(ctx, a.cfg.PageSleep); err != nil {
				return 0, err
			}
		}
		resp, err := getter.Get(ctx, a.listingURL(page), source.JSONHeaders())
		if err != nil {
			return 0, fmt.Errorf("archidekt listing page %d: %w", page, err)
		}
		var listing listingPage
		if err := source.DecodeJSON(resp.Body, &listing, "archidekt listing"); err != nil {
			return 0, err
		}
		if len(listing.Error) > 0 {
			return 0, harvest.ParseError("archidekt listing page %d: api error %s", page, listing.Error)
		}
		a.logger.Debug("listing page",
			zap.Int("page", page),
			zap.Int("results", len(listing.Results)),
			zap.Int("count", listing.Count),
		)
		for _, raw := range listing.Results {
			if err := visit(ctx, raw); err != nil {
				return 0, err
			}
		}
		return len(listing.Results), nil
	})
}

func (a *Adapter) listingURL(page int) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(a.cfg.PageSize))
	q.Set("formats", a.cfg.FormatFilter)
	q.Set("orderBy", "-createdAt")
	q.Set("owner__isnull", "false")
	q.Set("public", "true")
	return a.cfg.BaseURL + "/api/decks/?" + q.Encode()
}

// Discover scrapes the deck search page for each configured commander, most viewed
// first, and hands every deck id to sink. A failing commander does not stop the
// others; the failures are returned together.
func (a *Adapter) Discover(ctx context.Context, getter harvest.Getter, sink harvest.DiscoverSink) error {
	var failures []error
	for _, commander := range a.cfg.Commanders {
		err := source.WalkPages(ctx, a.cfg.SearchPages, 0, func(ctx context.Context, page int) (int, error) {
			resp, err := getter.Get(ctx, a.searchURL(commander, page), source.HTMLHeaders())
			if err != nil {
				return 0, err
			}
			ids := source.ExtractIDs(resp.Body, deckLink)
			for _, id := range ids {
				if _, err := sink(ctx, id); err != nil {
					return 0, err
				}
			}
			return len(ids), nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			a.logger.Warn("search discovery failed", zap.String("commander", commander), zap.Error(err))
			failures = append(failures, fmt.Errorf("archidekt search %q: %w", commander, err))
		}
	}
	return errors.Join(failures...)
}

func (a *Adapter) searchURL(commander string, page int) string {
	q := url.Values{}
	q.Set("commanderName", commander)
	q.Set("orderBy", "-viewCount")
	q.Set("page", strconv.Itoa(page))
	return a.cfg.BaseURL + "/search/decks?" + q.Encode()
}

// Fetch downloads one deck.
func (a *Adapter) Fetch(ctx context.Context, getter harvest.Getter, externalID string) ([]byte, error) {
	if _, err := strconv.ParseInt(externalID, 10, 64); err != nil {
		return nil, harvest.ParseError("archidekt id %q is not numeric", externalID)
	}
	resp, err := getter.Get(ctx, fmt.Sprintf("%s/api/decks/%s/", a.cfg.BaseURL, externalID), source.JSONHeaders())
	if err != nil {
		return nil, fmt.Errorf("fetch archidekt deck %s: %w", externalID, err)
	}
	return resp.Body, nil
}

// DeckURL is the public page of a deck.
func DeckURL(externalID string) string {
	return "https://archidekt.com/decks/" + externalID + "/"
}
