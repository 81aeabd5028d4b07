package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
)

// ErrDisabled is returned by Disabled for every fetch.
var ErrDisabled = errors.New("browser strategy disabled")

// Disabled stands in for the browser strategy when it is turned off in config. A
// source that escalates to it fails its remaining fetches permanently.
type Disabled struct{}

// NewDisabled creates a Disabled fetcher.
func NewDisabled() *Disabled {
	return &Disabled{}
}

// Fetch always fails.
func (Disabled) Fetch(_ context.Context, request harvest.Request) (harvest.Response, error) {
	return harvest.Response{}, &harvest.FetchError{Kind: harvest.ErrPermanent, URL: request.URL, Err: ErrDisabled}
}
