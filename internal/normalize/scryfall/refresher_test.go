package scryfall

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/deck-harvester/internal/clock"
	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/policy/ratelimit"
)

type countingGate struct {
	acquires atomic.Int32
	reports  atomic.Int32
}

func (g *countingGate) Acquire(context.Context, string) error {
	g.acquires.Add(1)
	return nil
}

func (g *countingGate) Report(string, ratelimit.Feedback) {
	g.reports.Add(1)
}

type bulkServer struct {
	*httptest.Server
	updatedAt atomic.Value
	downloads atomic.Int32
	failMeta  atomic.Bool
}

func newBulkServer(t *testing.T) *bulkServer {
	t.Helper()
	b := &bulkServer{}
	b.updatedAt.Store("2024-05-01T09:00:00.000+00:00")
	mux := http.NewServeMux()
	mux.HandleFunc("/bulk-data/oracle-cards", func(w http.ResponseWriter, r *http.Request) {
		if b.failMeta.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprintf(w, `{"download_uri": "http://%s/file.json", "updated_at": %q}`, r.Host, b.updatedAt.Load())
	})
	mux.HandleFunc("/file.json", func(w http.ResponseWriter, _ *http.Request) {
		b.downloads.Add(1)
		_, _ = w.Write([]byte(`[{"oracle_id": "X", "name": "Fireball"}]`))
	})
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func TestEnsureDownloadsThenReusesFreshCopy(t *testing.T) {
	t.Parallel()

	srv := newBulkServer(t)
	gate := &countingGate{}
	path := filepath.Join(t.TempDir(), "dump", "oracle.json")
	r := NewRefresher(Config{BulkDataURL: srv.URL + "/bulk-data/oracle-cards", LocalBulkPath: path}, gate, nil)

	dump, err := r.Ensure(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2024-05-01T09:00:00.000+00:00", dump.Version)
	require.Equal(t, int32(1), srv.downloads.Load())
	require.Equal(t, int32(2), gate.acquires.Load())
	require.Equal(t, int32(2), gate.reports.Load())

	rc, err := Open(dump)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Contains(t, string(body), "Fireball")

	again, err := r.Ensure(context.Background())
	require.NoError(t, err)
	require.Equal(t, dump, again)
	require.Equal(t, int32(1), srv.downloads.Load())
	require.Equal(t, int32(2), gate.acquires.Load())
}

func TestEnsureChecksRemoteWhenStale(t *testing.T) {
	t.Parallel()

	srv := newBulkServer(t)
	path := filepath.Join(t.TempDir(), "oracle.json")
	manual := clock.NewManual(time.Now())
	r := NewRefresher(Config{BulkDataURL: srv.URL + "/bulk-data/oracle-cards", LocalBulkPath: path, RefreshCadenceHours: 1},
		&countingGate{}, nil, WithClock(manual))

	_, err := r.Ensure(context.Background())
	require.NoError(t, err)

	// Same remote version: the local copy is kept.
	manual.Advance(2 * time.Hour)
	dump, err := r.Ensure(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), srv.downloads.Load())
	require.Equal(t, "2024-05-01T09:00:00.000+00:00", dump.Version)

	// New remote version: downloaded again.
	manual.Advance(2 * time.Hour)
	srv.updatedAt.Store("2024-06-01T09:00:00.000+00:00")
	dump, err = r.Ensure(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), srv.downloads.Load())
	require.Equal(t, "2024-06-01T09:00:00.000+00:00", dump.Version)

	// Remote failure: the stale copy is served.
	manual.Advance(2 * time.Hour)
	srv.failMeta.Store(true)
	dump, err = r.Ensure(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2024-06-01T09:00:00.000+00:00", dump.Version)
}

func TestEnsureFailsWithoutLocalCopy(t *testing.T) {
	t.Parallel()

	srv := newBulkServer(t)
	srv.failMeta.Store(true)
	r := NewRefresher(Config{BulkDataURL: srv.URL + "/bulk-data/oracle-cards", LocalBulkPath: filepath.Join(t.TempDir(), "x.json")},
		&countingGate{}, nil)

	_, err := r.Ensure(context.Background())
	require.ErrorIs(t, err, harvest.ErrTransient)
}

func TestOpenMissingDump(t *testing.T) {
	t.Parallel()

	_, err := Open(Dump{Path: filepath.Join(t.TempDir(), "missing.json")})
	require.ErrorIs(t, err, harvest.ErrNotFound)
}
