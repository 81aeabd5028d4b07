package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
)

// PageFunc fetches one page and returns the number of entries it held.
type PageFunc func(ctx context.Context, page int) (int, error)

// WalkPages calls fn for pages 1..maxPages, stopping early at an empty page or one
// shorter than pageSize. A pageSize of zero only stops on empty pages.
func WalkPages(ctx context.Context, maxPages, pageSize int, fn PageFunc) error {
	for page := 1; maxPages <= 0 || page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("walk page %d: %w", page, err)
		}
		n, err := fn(ctx, page)
		if err != nil {
			return err
		}
		if n == 0 || (pageSize > 0 && n < pageSize) {
			return nil
		}
	}
	return nil
}

// JSONHeaders is sent with API calls.
func JSONHeaders() http.Header {
	return http.Header{"Accept": {"application/json"}}
}

// HTMLHeaders is sent with browse and search page calls.
func HTMLHeaders() http.Header {
	return http.Header{"Accept": {"text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"}}
}

// DecodeJSON unmarshals raw into v, reporting failures as parse errors.
func DecodeJSON(raw []byte, v any, what string) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return harvest.ParseError("decode %s: %v", what, err)
	}
	return nil
}

// Pause sleeps for d or until ctx ends.
func Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
