// Package moxfield adapts Moxfield. Deck ids are discovered through the search API
// and queued; each deck is then exported on its own.
package moxfield

import (
	"context"
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
const Name = "moxfield"

var (
	deckLink = regexp.MustCompile(`/decks/([A-Za-z0-9_-]{6,})`)
	deckID   = regexp.MustCompile(`^[A-Za-z0-9_-]{6,}$`)
)

// Config tunes the adapter.
type Config struct {
	BaseURL           string        `mapstructure:"base_url"`
	SiteURL           string        `mapstructure:"site_url"`
	PopularCommanders []string      `mapstructure:"popular_commanders"`
	MaxPages          int           `mapstructure:"max_pages"`
	PageSize          int           `mapstructure:"page_size"`
	InterRequestSleep time.Duration `mapstructure:"inter_request_sleep"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:  "https://api2.moxfield.com",
		SiteURL:  "https://www.moxfield.com",
		MaxPages: 3,
		PageSize: 50,
	}
}

// Adapter implements harvest.Adapter for Moxfield.
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
	if cfg.SiteURL == "" {
		cfg.SiteURL = def.SiteURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.SiteURL = strings.TrimRight(cfg.SiteURL, "/")
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
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

type searchPage struct {
	Data []struct {
		PublicID   string `json:"publicId"`
		Visibility string `json:"visibility"`
	} `json:"data"`
}

// Discover searches each popular commander and queues the public deck ids found.
// When the search API refuses the request the public browse page is scraped
// instead.
func (a *Adapter) Discover(ctx context.Context, getter harvest.Getter, sink harvest.DiscoverSink) error {
	var failures []error
	for _, commander := range a.cfg.PopularCommanders {
		err := a.searchCommander(ctx, getter, sink, commander)
		if err != nil && blocked(err) && ctx.Err() == nil {
			a.logger.Info("search api refused, scraping browse page",
				zap.String("commander", commander), zap.Error(err))
			err = a.browseCommander(ctx, getter, sink, commander)
		}
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			a.logger.Warn("discovery failed", zap.String("commander", commander), zap.Error(err))
			failures = append(failures, fmt.Errorf("moxfield discover %q: %w", commander, err))
		}
	}
	return errors.Join(failures...)
}

func (a *Adapter) searchCommander(ctx context.Context, getter harvest.Getter, sink harvest.DiscoverSink, commander string) error {
	return source.WalkPages(ctx, a.cfg.MaxPages, a.cfg.PageSize, func(ctx context.Context, page int) (int, error) {
		resp, err := getter.Get(ctx, a.searchURL(commander, page), source.JSONHeaders())
		if err != nil {
			return 0, err
		}
		var result searchPage
		if err := source.DecodeJSON(resp.Body, &result, "moxfield search"); err != nil {
			return 0, err
		}
		for _, d := range result.Data {
			if d.PublicID == "" || !strings.EqualFold(d.Visibility, "public") {
				continue
			}
			if _, err := sink(ctx, d.PublicID); err != nil {
				return 0, err
			}
		}
		return len(result.Data), nil
	})
}

func (a *Adapter) searchURL(commander string, page int) string {
	q := url.Values{}
	q.Set("format", "commander")
	q.Set("commander", commander)
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(a.cfg.PageSize))
	return a.cfg.BaseURL + "/v2/decks/search?" + q.Encode()
}

func (a *Adapter) browseCommander(ctx context.Context, getter harvest.Getter, sink harvest.DiscoverSink, commander string) error {
	browseURL := a.cfg.SiteURL + "/decks/browse/commander/" + strings.ReplaceAll(url.PathEscape(commander), "%20", "+")
	resp, err := getter.Get(ctx, browseURL, source.HTMLHeaders())
	if err != nil {
		return err
	}
	for _, id := range source.ExtractIDs(resp.Body, deckLink) {
		if id == "browse" || id == "public" {
			continue
		}
		if _, err := sink(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Fetch downloads the full export of one deck. If the API refuses, the public deck
// page is fetched instead; Parse understands both.
func (a *Adapter) Fetch(ctx context.Context, getter harvest.Getter, externalID string) ([]byte, error) {
	if !deckID.MatchString(externalID) {
		return nil, harvest.ParseError("moxfield id %q is malformed", externalID)
	}
	if err := source.Pause(ctx, a.cfg.InterRequestSleep); err != nil {
		return nil, err
	}
	resp, err := getter.Get(ctx, a.cfg.BaseURL+"/v2/decks/all/"+url.PathEscape(externalID), source.JSONHeaders())
	if err == nil {
		return resp.Body, nil
	}
	if !blocked(err) || ctx.Err() != nil {
		return nil, fmt.Errorf("fetch moxfield deck %s: %w", externalID, err)
	}
	a.logger.Debug("export api refused, fetching deck page", zap.String("external_id", externalID), zap.Error(err))
	resp, err = getter.Get(ctx, DeckURL(a.cfg.SiteURL, externalID), source.HTMLHeaders())
	if err != nil {
		return nil, fmt.Errorf("fetch moxfield deck page %s: %w", externalID, err)
	}
	return resp.Body, nil
}

// DeckURL is the public page of a deck.
func DeckURL(siteURL, externalID string) string {
	return siteURL + "/decks/" + externalID
}

// blocked reports whether err looks like an access refusal rather than a missing
// resource.
func blocked(err error) bool {
	if errors.Is(err, harvest.ErrChallenge) {
		return true
	}
	var fe *harvest.FetchError
	return errors.As(err, &fe) && errors.Is(err, harvest.ErrPermanent) && fe.Status == 403
}
