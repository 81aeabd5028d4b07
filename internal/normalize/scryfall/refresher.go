// Package scryfall keeps a local copy of the Scryfall oracle-cards bulk dump fresh.
package scryfall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/clock"
	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/metrics"
	"github.com/JakeFAU/deck-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/deck-harvester/internal/transport"
)

const versionSuffix = ".version"

// Config locates the bulk endpoint and the local copy.
type Config struct {
	BulkDataURL         string `mapstructure:"bulk_data_url"`
	LocalBulkPath       string `mapstructure:"local_bulk_path"`
	RefreshCadenceHours int    `mapstructure:"refresh_cadence_hours"`
	UserAgent           string `mapstructure:"user_agent"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BulkDataURL:         "https://api.scryfall.com/bulk-data/oracle-cards",
		LocalBulkPath:       "data/oracle-cards.json",
		RefreshCadenceHours: 24,
	}
}

// Dump is a local copy of the canonical card dump.
type Dump struct {
	Path    string
	Version string
}

type bulkInfo struct {
	DownloadURI string `json:"download_uri"`
	UpdatedAt   string `json:"updated_at"`
}

// Refresher downloads the dump when the local copy is stale. Every request passes
// through the rate gate.
type Refresher struct {
	cfg    Config
	gate   transport.Gate
	client *http.Client
	clock  harvest.Clock
	logger *zap.Logger
}

// Option customises a Refresher.
type Option func(*Refresher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Refresher) { r.client = c }
}

// WithClock replaces the wall clock.
func WithClock(c harvest.Clock) Option {
	return func(r *Refresher) { r.clock = c }
}

// NewRefresher creates a Refresher.
func NewRefresher(cfg Config, gate transport.Gate, logger *zap.Logger, opts ...Option) *Refresher {
	def := DefaultConfig()
	if cfg.BulkDataURL == "" {
		cfg.BulkDataURL = def.BulkDataURL
	}
	if cfg.LocalBulkPath == "" {
		cfg.LocalBulkPath = def.LocalBulkPath
	}
	if cfg.RefreshCadenceHours <= 0 {
		cfg.RefreshCadenceHours = def.RefreshCadenceHours
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Refresher{
		cfg:    cfg,
		gate:   gate,
		client: &http.Client{Timeout: 10 * time.Minute},
		clock:  clock.New(),
		logger: logger.Named("scryfall"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ensure returns a local dump no older than the refresh cadence, downloading a new
// one if the remote copy changed. A stale local copy is used when the remote check
// fails.
func (r *Refresher) Ensure(ctx context.Context) (Dump, error) {
	local, localErr := r.local()
	if localErr == nil && r.fresh(local) {
		return local.Dump, nil
	}

	info, err := r.bulkInfo(ctx)
	if err != nil {
		if localErr == nil && ctx.Err() == nil {
			r.logger.Warn("bulk check failed, using stale dump", zap.String("version", local.Version), zap.Error(err))
			return local.Dump, nil
		}
		return Dump{}, err
	}

	if localErr == nil && local.Version == info.UpdatedAt {
		now := r.clock.Now()
		if err := os.Chtimes(local.Path, now, now); err != nil {
			return Dump{}, fmt.Errorf("touch dump: %w", err)
		}
		return local.Dump, nil
	}

	if err := r.download(ctx, info); err != nil {
		if localErr == nil && ctx.Err() == nil {
			r.logger.Warn("dump download failed, using stale dump", zap.String("version", local.Version), zap.Error(err))
			return local.Dump, nil
		}
		return Dump{}, err
	}
	r.logger.Info("downloaded card dump", zap.String("version", info.UpdatedAt), zap.String("path", r.cfg.LocalBulkPath))
	return Dump{Path: r.cfg.LocalBulkPath, Version: info.UpdatedAt}, nil
}

type localDump struct {
	Dump
	modified time.Time
}

func (r *Refresher) local() (localDump, error) {
	st, err := os.Stat(r.cfg.LocalBulkPath)
	if err != nil {
		return localDump{}, fmt.Errorf("stat dump: %w", err)
	}
	version, err := os.ReadFile(r.cfg.LocalBulkPath + versionSuffix)
	if err != nil {
		return localDump{}, fmt.Errorf("read dump version: %w", err)
	}
	return localDump{
		Dump:     Dump{Path: r.cfg.LocalBulkPath, Version: strings.TrimSpace(string(version))},
		modified: st.ModTime(),
	}, nil
}

func (r *Refresher) fresh(d localDump) bool {
	cadence := time.Duration(r.cfg.RefreshCadenceHours) * time.Hour
	return r.clock.Now().Sub(d.modified) < cadence
}

func (r *Refresher) bulkInfo(ctx context.Context) (bulkInfo, error) {
	resp, err := r.get(ctx, r.cfg.BulkDataURL)
	if err != nil {
		return bulkInfo{}, err
	}
	defer resp.Body.Close()

	var info bulkInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return bulkInfo{}, harvest.ParseError("decode bulk info: %v", err)
	}
	if info.DownloadURI == "" || info.UpdatedAt == "" {
		return bulkInfo{}, harvest.ParseError("bulk info missing download_uri or updated_at")
	}
	return info, nil
}

func (r *Refresher) download(ctx context.Context, info bulkInfo) error {
	resp, err := r.get(ctx, info.DownloadURI)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dir := filepath.Dir(r.cfg.LocalBulkPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dump dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".oracle-cards-*.json")
	if err != nil {
		return fmt.Errorf("create temp dump: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write dump: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close dump: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.cfg.LocalBulkPath); err != nil {
		return fmt.Errorf("replace dump: %w", err)
	}
	if err := os.WriteFile(r.cfg.LocalBulkPath+versionSuffix, []byte(info.UpdatedAt+"\n"), 0o644); err != nil {
		return fmt.Errorf("write dump version: %w", err)
	}
	return nil
}

// get performs one gated request and returns the response only on 2xx.
func (r *Refresher) get(ctx context.Context, url string) (*http.Response, error) {
	host := metrics.HostOf(url)
	if err := r.gate.Acquire(ctx, host); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.gate.Report(host, ratelimit.Feedback{Err: err})
		return nil, &harvest.FetchError{Kind: harvest.ErrTransient, URL: url, Err: err}
	}
	r.gate.Report(host, ratelimit.Feedback{
		Status:     resp.StatusCode,
		RetryAfter: ratelimit.ParseRetryAfter(resp.Header, r.clock.Now()),
	})
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		kind := harvest.ErrPermanent
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = harvest.ErrTransient
		}
		return nil, &harvest.FetchError{Kind: kind, URL: url, Status: resp.StatusCode}
	}
	return resp, nil
}

// Open opens a dump for reading.
func Open(d Dump) (io.ReadCloser, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open dump %s: %w", d.Path, harvest.ErrNotFound)
		}
		return nil, fmt.Errorf("open dump %s: %w", d.Path, err)
	}
	return f, nil
}
