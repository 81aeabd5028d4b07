package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer fetcher.Close()
	require.Equal(t, 2, cap(fetcher.limiter))
	require.Equal(t, defaultNavTimeout, fetcher.cfg.NavigationTimeout)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer fetcher.Close()

	require.NoError(t, fetcher.acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, fetcher.acquire(ctx), context.DeadlineExceeded)

	fetcher.release()
	require.NoError(t, fetcher.acquire(context.Background()))
}

func TestIsJSON(t *testing.T) {
	t.Parallel()

	require.True(t, isJSON("application/json"))
	require.True(t, isJSON("application/vnd.api+json; charset=utf-8"))
	require.False(t, isJSON("text/html"))
	require.False(t, isJSON(""))
}

func TestNetworkHeadersJoinValues(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "X-Empty": nil})
	require.Equal(t, network.Headers{"X-Test": "a, b"}, got)
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  403,
			URL:     "https://www.moxfield.com/decks/abc",
			Headers: network.Headers{"Set-Cookie": "a=1\nb=2", "Server": "cloudflare"},
		},
	})
	// Sub-resources never overwrite the document response.
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 200, URL: "https://cdn/app.js"},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 403, status)
	require.Equal(t, "https://www.moxfield.com/decks/abc", url)
	require.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))
	require.Equal(t, "cloudflare", headers.Get("Server"))

	status, headers, url = newResponseMeta().snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
	require.NotNil(t, headers)
}

func TestDisabledFetcherFailsPermanently(t *testing.T) {
	t.Parallel()

	_, err := NewDisabled().Fetch(context.Background(), harvest.Request{URL: "https://x"})
	require.ErrorIs(t, err, harvest.ErrPermanent)
	require.True(t, errors.Is(err, ErrDisabled))
}
