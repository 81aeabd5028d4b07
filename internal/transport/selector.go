package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/metrics"
)

// DefaultChallengeThreshold is the number of consecutive challenges after which a
// source escalates to the browser strategy.
const DefaultChallengeThreshold = 3

// Selector picks the fetch strategy for one source during one run. Once it has
// escalated to the browser it never switches back.
type Selector struct {
	source    string
	direct    harvest.Fetcher
	browser   harvest.Fetcher
	detector  *Detector
	threshold int
	logger    *zap.Logger

	mu          sync.Mutex
	consecutive int
	escalated   bool
}

// NewSelector creates a Selector. A nil browser disables escalation.
func NewSelector(source string, direct, browser harvest.Fetcher, detector *Detector, threshold int, logger *zap.Logger) *Selector {
	if detector == nil {
		detector = NewDetector()
	}
	if threshold <= 0 {
		threshold = DefaultChallengeThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		source:    source,
		direct:    direct,
		browser:   browser,
		detector:  detector,
		threshold: threshold,
		logger:    logger,
	}
}

// Strategy returns the strategy the next fetch will use.
func (s *Selector) Strategy() harvest.Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.escalated {
		return harvest.StrategyBrowser
	}
	return harvest.StrategyDirect
}

// Fetch performs one fetch with the current strategy. A challenge page is returned
// together with an ErrChallenge FetchError.
func (s *Selector) Fetch(ctx context.Context, request harvest.Request) (harvest.Response, error) {
	strategy := s.Strategy()
	fetcher := s.direct
	if strategy == harvest.StrategyBrowser {
		fetcher = s.browser
	}

	resp, err := fetcher.Fetch(ctx, request)
	metrics.ObserveFetch(s.source, string(strategy), resp.Status, resp.Duration)
	if err != nil {
		return resp, err
	}
	if s.detector.IsChallenge(resp) {
		s.recordChallenge(strategy)
		return resp, &harvest.FetchError{Kind: harvest.ErrChallenge, URL: request.URL, Status: resp.Status}
	}
	if strategy == harvest.StrategyDirect {
		s.mu.Lock()
		s.consecutive = 0
		s.mu.Unlock()
	}
	return resp, nil
}

func (s *Selector) recordChallenge(strategy harvest.Strategy) {
	if strategy != harvest.StrategyDirect {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutive++
	if s.escalated || s.browser == nil || s.consecutive < s.threshold {
		return
	}
	s.escalated = true
	metrics.ObserveStrategySwitch(s.source)
	s.logger.Warn("switching to browser strategy",
		zap.String("source", s.source),
		zap.Int("consecutive_challenges", s.consecutive),
	)
}
