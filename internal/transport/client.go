package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/clock"
	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/metrics"
	"github.com/JakeFAU/deck-harvester/internal/policy/ratelimit"
)

// DefaultMaxRetries bounds retries of transient and challenge outcomes.
const DefaultMaxRetries = 3

// Gate is the rate controller as seen by the client.
type Gate interface {
	Acquire(ctx context.Context, host string) error
	Report(host string, fb ratelimit.Feedback)
}

// Client is the rate-gated fetch loop for one source and one run.
type Client struct {
	gate       Gate
	selector   *Selector
	clock      harvest.Clock
	maxRetries int
	logger     *zap.Logger

	rateLimitHits atomic.Int64
}

// NewClient creates a Client around selector.
func NewClient(gate Gate, selector *Selector, maxRetries int, logger *zap.Logger) *Client {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		gate:       gate,
		selector:   selector,
		clock:      clock.New(),
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Get fetches url, retrying transient failures and challenges. Every attempt
// passes through the rate gate and reports its outcome back to it. Context errors
// are returned unwrapped by classification so callers can tell cancellation apart.
func (c *Client) Get(ctx context.Context, url string, headers http.Header) (harvest.Response, error) {
	host := metrics.HostOf(url)
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.gate.Acquire(ctx, host); err != nil {
			return harvest.Response{}, err
		}

		resp, err := c.selector.Fetch(ctx, harvest.Request{URL: url, Headers: headers})
		if err != nil && ctx.Err() != nil {
			return harvest.Response{}, fmt.Errorf("get %s: %w", url, ctx.Err())
		}

		fb := ratelimit.Feedback{Status: resp.Status}
		if err != nil && !errors.Is(err, harvest.ErrChallenge) {
			fb.Err = err
		}
		if resp.Headers != nil {
			fb.RetryAfter = ratelimit.ParseRetryAfter(resp.Headers, c.clock.Now())
		}
		c.gate.Report(host, fb)
		if resp.Status == http.StatusTooManyRequests {
			c.rateLimitHits.Add(1)
		}

		lastErr = classify(url, resp, err)
		if lastErr == nil {
			return resp, nil
		}
		if !retryable(lastErr) {
			return resp, lastErr
		}
		c.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Int("status", resp.Status),
			zap.Error(lastErr),
		)
	}
	return harvest.Response{}, lastErr
}

// RateLimitHits returns the number of 429 responses seen by this client.
func (c *Client) RateLimitHits() int {
	return int(c.rateLimitHits.Load())
}

// Strategy returns the strategy currently selected for the source.
func (c *Client) Strategy() harvest.Strategy {
	return c.selector.Strategy()
}

func classify(url string, resp harvest.Response, err error) error {
	if err != nil {
		var fe *harvest.FetchError
		if errors.As(err, &fe) {
			return err
		}
		return &harvest.FetchError{Kind: harvest.ErrTransient, URL: url, Status: resp.Status, Err: err}
	}
	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return nil
	case resp.Status == http.StatusTooManyRequests,
		resp.Status == http.StatusRequestTimeout,
		resp.Status >= http.StatusInternalServerError:
		return &harvest.FetchError{Kind: harvest.ErrTransient, URL: url, Status: resp.Status}
	default:
		return &harvest.FetchError{Kind: harvest.ErrPermanent, URL: url, Status: resp.Status}
	}
}

func retryable(err error) bool {
	return errors.Is(err, harvest.ErrTransient) || errors.Is(err, harvest.ErrChallenge)
}
