// Package collyfetcher implements the direct HTTP transport strategy on gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
)

// DefaultUserAgent identifies the harvester to the sites it reads.
const DefaultUserAgent = "deck-harvester/1.0 (+https://github.com/JakeFAU/deck-harvester)"

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps response bodies in bytes; zero means unlimited.
	MaxBodySize int
}

// Fetcher issues direct requests with a browser-like header set and a cookie jar
// that persists for the lifetime of the Fetcher.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	jar           http.CookieJar
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.UserAgent(cfg.UserAgent),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.WithTransport(newHTTPTransport())
	c.SetCookieJar(jar)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{cfg: cfg, baseCollector: c, jar: jar}, nil
}

// Fetch executes a single GET. Non-2xx responses are returned, not treated as errors,
// so callers can classify them.
func (f *Fetcher) Fetch(ctx context.Context, request harvest.Request) (harvest.Response, error) {
	var (
		result   harvest.Response
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, request, time.Now(), &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return harvest.Response{}, err
	}
	return result, nil
}

// Cookies returns the cookies currently held for rawURL.
func (f *Fetcher) Cookies(rawURL string) []*http.Cookie {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil
	}
	return f.jar.Cookies(req.URL)
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request harvest.Request,
	start time.Time,
	result *harvest.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		applyHeaders(r.Headers, request.Headers)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = harvest.Response{
			URL:      r.Request.URL.String(),
			Status:   r.StatusCode,
			Headers:  r.Headers.Clone(),
			Body:     append([]byte(nil), r.Body...),
			Duration: time.Since(start),
			Strategy: harvest.StrategyDirect,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// BrowserHeaders is the header set sent with every direct request.
func BrowserHeaders() http.Header {
	return http.Header{
		"Accept":          {"application/json, text/html;q=0.9, */*;q=0.8"},
		"Accept-Language": {"en-US,en;q=0.9"},
		"Cache-Control":   {"no-cache"},
	}
}

// applyHeaders replaces colly's defaults (it presets Accept: */*) with the
// browser set, then layers the caller's headers on top.
func applyHeaders(dst *http.Header, extra http.Header) {
	if dst == nil {
		return
	}
	for key, values := range BrowserHeaders() {
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	for key, values := range extra {
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
