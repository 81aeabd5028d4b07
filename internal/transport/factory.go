package transport

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
)

// Factory builds a fresh Client per source and run, so the sticky strategy
// decision never outlives a run.
type Factory struct {
	Gate               Gate
	Direct             harvest.Fetcher
	Browser            harvest.Fetcher
	Detector           *Detector
	ChallengeThreshold int
	MaxRetries         int
	Logger             *zap.Logger
}

// NewClient returns a Client for source with a new Selector.
func (f Factory) NewClient(source string) *Client {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("transport").With(zap.String("source", source))
	selector := NewSelector(source, f.Direct, f.Browser, f.Detector, f.ChallengeThreshold, logger)
	return NewClient(f.Gate, selector, f.MaxRetries, logger)
}
