// Package ratelimit implements the per-host rate gate every outbound request passes
// through: a base interval with jitter, multiplicative backoff on 429/5xx responses,
// and a circuit breaker that forces a cool-off after a burst of consecutive failures.
package ratelimit

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/deck-harvester/internal/clock"
	"github.com/JakeFAU/deck-harvester/internal/metrics"
)

// HostConfig tunes the gate for one host.
type HostConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	JitterFraction    float64       `mapstructure:"jitter_fraction"`
	BackoffFactor     float64       `mapstructure:"backoff_factor"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold"`
	BreakerWindow     time.Duration `mapstructure:"breaker_window"`
	CoolOff           time.Duration `mapstructure:"cool_off"`
}

// DefaultHostConfig is used for hosts without an explicit entry.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		RequestsPerSecond: 1,
		JitterFraction:    0.25,
		BackoffFactor:     2,
		BackoffMax:        time.Minute,
		BreakerThreshold:  5,
		BreakerWindow:     2 * time.Minute,
		CoolOff:           5 * time.Minute,
	}
}

func (c HostConfig) withDefaults() HostConfig {
	def := DefaultHostConfig()
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = def.RequestsPerSecond
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = def.BreakerThreshold
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = def.BreakerWindow
	}
	if c.CoolOff <= 0 {
		c.CoolOff = def.CoolOff
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if base := c.baseInterval(); c.BackoffMax < base {
		c.BackoffMax = base
	}
	return c
}

// inherit fills every unset field of a host override from base. A negative
// JitterFraction turns jitter off for the host.
func (c HostConfig) inherit(base HostConfig) HostConfig {
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = base.RequestsPerSecond
	}
	if c.JitterFraction == 0 {
		c.JitterFraction = base.JitterFraction
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = base.BackoffFactor
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = base.BackoffMax
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = base.BreakerThreshold
	}
	if c.BreakerWindow == 0 {
		c.BreakerWindow = base.BreakerWindow
	}
	if c.CoolOff == 0 {
		c.CoolOff = base.CoolOff
	}
	return c
}

func (c HostConfig) baseInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.RequestsPerSecond)
}

// Config holds the default host settings and per-host overrides. Fields an
// override leaves unset come from Default.
type Config struct {
	Default HostConfig            `mapstructure:"default"`
	Hosts   map[string]HostConfig `mapstructure:"hosts"`
}

// Feedback is the outcome of one gated request.
type Feedback struct {
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (f Feedback) failed() bool {
	if f.Err != nil {
		return true
	}
	return f.Status == http.StatusTooManyRequests || f.Status >= http.StatusInternalServerError
}

func (f Feedback) succeeded() bool {
	return f.Err == nil && f.Status > 0 && f.Status < http.StatusBadRequest
}

// Sleeper is the time source the controller waits on.
type Sleeper interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Option customises a Controller.
type Option func(*Controller)

// WithSleeper replaces the wall clock, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(c *Controller) { c.clock = s }
}

// WithJitter replaces the jitter source; fn returns a duration in [0, limit).
func WithJitter(fn func(limit time.Duration) time.Duration) Option {
	return func(c *Controller) { c.jitter = fn }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// Controller gates requests per host.
type Controller struct {
	mu        sync.Mutex
	hosts     map[string]*hostState
	defaults  HostConfig
	overrides map[string]HostConfig
	clock     Sleeper
	jitter    func(limit time.Duration) time.Duration
	logger    *zap.Logger
}

type hostState struct {
	mu           sync.Mutex
	name         string
	cfg          HostConfig
	limiter      *rate.Limiter
	level        int
	failures     int
	streakStart  time.Time
	holdUntil    time.Time
	coolOffUntil time.Time
}

// New creates a Controller.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		hosts:     make(map[string]*hostState),
		defaults:  cfg.Default.withDefaults(),
		overrides: make(map[string]HostConfig, len(cfg.Hosts)),
		clock:     clock.New(),
		jitter:    cryptoJitter,
		logger:    zap.NewNop(),
	}
	for host, hc := range cfg.Hosts {
		c.overrides[strings.ToLower(host)] = hc.inherit(c.defaults).withDefaults()
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configure sets or replaces the settings for host. Unset fields come from the
// controller defaults. Existing state is discarded.
func (c *Controller) Configure(host string, cfg HostConfig) {
	key := strings.ToLower(host)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[key] = cfg.inherit(c.defaults).withDefaults()
	delete(c.hosts, key)
}

func (c *Controller) state(host string) *hostState {
	key := strings.ToLower(host)
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.hosts[key]
	if !ok {
		cfg, found := c.overrides[key]
		if !found {
			cfg = c.defaults
		}
		st = &hostState{
			name:    key,
			cfg:     cfg,
			limiter: rate.NewLimiter(rate.Every(cfg.baseInterval()), 1),
		}
		c.hosts[key] = st
	}
	return st
}

// Acquire blocks until a send slot for host is granted or ctx ends. It never fails
// for any other reason.
func (c *Controller) Acquire(ctx context.Context, host string) error {
	st := c.state(host)
	var waited time.Duration
	for {
		delay, reservation := c.reserve(st)
		if delay > 0 {
			if err := c.clock.Sleep(ctx, delay); err != nil {
				reservation.CancelAt(c.clock.Now())
				return fmt.Errorf("rate gate %s: %w", st.name, err)
			}
			waited += delay
		}
		if !st.held(c.clock.Now()) {
			break
		}
		// A cool-off started while this caller slept; the slot is forfeited.
	}
	if waited > 0 {
		metrics.ObserveRateLimitWait(st.name, waited)
	}
	return nil
}

func (c *Controller) reserve(st *hostState) (time.Duration, *rate.Reservation) {
	now := c.clock.Now()
	st.mu.Lock()
	defer st.mu.Unlock()

	var hold time.Duration
	if st.holdUntil.After(now) {
		hold = st.holdUntil.Sub(now)
	}
	at := now.Add(hold)
	if !st.coolOffUntil.IsZero() && !at.Before(st.coolOffUntil) {
		st.level = 0
		st.failures = 0
		st.coolOffUntil = time.Time{}
		st.limiter.SetLimitAt(at, rate.Every(st.cfg.baseInterval()))
		metrics.SetBackoffLevel(st.name, 0)
		c.logger.Info("cool-off expired", zap.String("host", st.name))
	}

	r := st.limiter.ReserveN(at, 1)
	delay := hold + r.DelayFrom(at)
	if st.cfg.JitterFraction > 0 {
		delay += c.jitter(time.Duration(float64(st.interval()) * st.cfg.JitterFraction))
	}
	return delay, r
}

// Report feeds the outcome of a gated request back into the host's schedule.
func (c *Controller) Report(host string, fb Feedback) {
	st := c.state(host)
	now := c.clock.Now()
	st.mu.Lock()
	defer st.mu.Unlock()

	if fb.RetryAfter > 0 {
		st.extendHold(now.Add(fb.RetryAfter))
	}

	switch {
	case fb.failed():
		if st.failures == 0 || now.Sub(st.streakStart) > st.cfg.BreakerWindow {
			st.failures = 0
			st.streakStart = now
		}
		st.failures++
		if st.failures >= st.cfg.BreakerThreshold {
			st.failures = 0
			st.coolOffUntil = now.Add(st.cfg.CoolOff)
			st.extendHold(st.coolOffUntil)
			metrics.ObserveCoolOff(st.name)
			c.logger.Warn("circuit breaker tripped",
				zap.String("host", st.name),
				zap.Duration("cool_off", st.cfg.CoolOff),
				zap.Int("status", fb.Status),
			)
			return
		}
		if st.interval() < st.cfg.BackoffMax {
			st.level++
			st.limiter.SetLimitAt(now, rate.Every(st.interval()))
		}
		metrics.SetBackoffLevel(st.name, st.level)
		c.logger.Debug("backing off",
			zap.String("host", st.name),
			zap.Int("level", st.level),
			zap.Duration("interval", st.interval()),
		)
	case fb.succeeded():
		st.failures = 0
		if st.level > 0 && st.coolOffUntil.IsZero() {
			st.level--
			st.limiter.SetLimitAt(now, rate.Every(st.interval()))
			metrics.SetBackoffLevel(st.name, st.level)
		}
	}
}

// Interval returns the current spacing for host, without jitter.
func (c *Controller) Interval(host string) time.Duration {
	st := c.state(host)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.interval()
}

// CoolingOff reports whether host is inside a cool-off window.
func (c *Controller) CoolingOff(host string) bool {
	st := c.state(host)
	now := c.clock.Now()
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.coolOffUntil.After(now)
}

func (s *hostState) interval() time.Duration {
	base := s.cfg.baseInterval()
	d := float64(base) * math.Pow(s.cfg.BackoffFactor, float64(s.level))
	if d > float64(s.cfg.BackoffMax) {
		return s.cfg.BackoffMax
	}
	return time.Duration(d)
}

func (s *hostState) extendHold(until time.Time) {
	if until.After(s.holdUntil) {
		s.holdUntil = until
	}
}

func (s *hostState) held(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holdUntil.After(now)
}

func cryptoJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
