package rest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/asaskevich/EventBus"
	"github.com/go-chi/chi/v5"
	"github.com/mediagrab/mediagrab/server/config"
	"github.com/mediagrab/mediagrab/server/internal/batch"
	"github.com/mediagrab/mediagrab/server/internal/job"
	"github.com/mediagrab/mediagrab/server/internal/library"
	"github.com/mediagrab/mediagrab/server/internal/metadata"
	"github.com/mediagrab/mediagrab/server/internal/queue"
	"github.com/mediagrab/mediagrab/server/internal/reconciler"
	"github.com/mediagrab/mediagrab/server/internal/registry"
	"github.com/mediagrab/mediagrab/server/internal/store"
	"github.com/mediagrab/mediagrab/server/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *store.Store
	router chi.Router
}

// setupTest wires the intake surface over an in-memory store. Consumers are
// never started, so accepted jobs stay pending for the life of a test.
func setupTest(t *testing.T, enumerate batch.Enumerator) *fixture {
	t.Helper()

	conf := config.Instance()
	conf.Server.QueueSize = 2
	conf.Paths.WorkingPath = t.TempDir()
	conf.Paths.LibraryPath = t.TempDir()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db)
	require.NoError(t, err)

	lib, err := library.New(db)
	require.NoError(t, err)

	stubFetch := func(ctx context.Context, url string) (*metadata.Metadata, error) {
		return &metadata.Metadata{Title: "stub"}, nil
	}

	bus := EventBus.New()
	sup := supervisor.New(st, reconciler.NewWithFetcher(lib, stubFetch), registry.New(), bus)

	disp, err := queue.NewDispatcher(sup)
	require.NoError(t, err)
	t.Cleanup(disp.Stop)

	if enumerate == nil {
		enumerate = func(ctx context.Context, url string) (*metadata.Playlist, error) {
			return &metadata.Playlist{Type: "playlist"}, nil
		}
	}

	h := &Handler{service: NewService(st, disp, sup, batch.NewWithEnumerator(st, sup, bus, enumerate))}

	r := chi.NewRouter()
	r.Post("/acquire", h.Acquire)
	r.Post("/acquire/batch", h.AcquireBatch)
	r.Get("/acquire/active", h.Active)
	r.Get("/acquire/history", h.History)
	r.Get("/acquire/info", h.Info)
	r.Delete("/acquire/{id}", h.Cancel)

	return &fixture{store: st, router: r}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) *job.Job {
	t.Helper()

	var j job.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&j))
	return &j
}

func TestAcquireAccepted(t *testing.T) {
	f := setupTest(t, nil)

	rec := f.do(t, http.MethodPost, "/acquire", AcquireRequest{
		SourceURL: "https://example.com/watch?v=abc123",
		Quality:   "720",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	j := decodeJob(t, rec)
	assert.Equal(t, "abc123", j.Id)
	assert.Equal(t, job.StatusPending, j.Status)

	got, err := f.store.Get(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, "720", got.Quality)
}

func TestAcquireDuplicateActive(t *testing.T) {
	f := setupTest(t, nil)

	req := AcquireRequest{SourceURL: "https://example.com/watch?v=abc123"}

	rec := f.do(t, http.MethodPost, "/acquire", req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/acquire", req)
	require.Equal(t, http.StatusConflict, rec.Code)

	// the existing job rides along with the conflict
	j := decodeJob(t, rec)
	assert.Equal(t, "abc123", j.Id)

	jobs, err := f.store.ListActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestAcquireRetryAfterTerminal(t *testing.T) {
	f := setupTest(t, nil)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/acquire", AcquireRequest{
		SourceURL: "https://example.com/watch?v=abc123",
		Quality:   "1080",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	_, err := f.store.SetDownloading(ctx, "abc123")
	require.NoError(t, err)
	require.NoError(t, f.store.MarkFailed(ctx, "abc123", "network error"))

	// re-submission of a settled source starts a fresh attempt with the
	// retained options
	rec = f.do(t, http.MethodPost, "/acquire", AcquireRequest{
		SourceURL: "https://example.com/watch?v=abc123",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, err := f.store.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, "1080", got.Quality)
}

func TestAcquireValidation(t *testing.T) {
	f := setupTest(t, nil)

	rec := f.do(t, http.MethodPost, "/acquire", AcquireRequest{SourceURL: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAcquireBatchEmptyEnumeration(t *testing.T) {
	f := setupTest(t, func(ctx context.Context, url string) (*metadata.Playlist, error) {
		return &metadata.Playlist{Id: "empty", Type: "playlist"}, nil
	})

	rec := f.do(t, http.MethodPost, "/acquire/batch", BatchRequest{
		SourceURL: "https://example.com/playlist?list=PL1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryPagination(t *testing.T) {
	f := setupTest(t, nil)
	ctx := context.Background()

	for _, id := range []string{"h1", "h2", "h3"} {
		j := job.New(id, "https://example.com/watch?v="+id, "", false)
		require.NoError(t, f.store.Upsert(ctx, j))
		_, err := f.store.SetDownloading(ctx, id)
		require.NoError(t, err)
		require.NoError(t, f.store.MarkCompleted(ctx, id, "t"))
	}

	rec := f.do(t, http.MethodGet, "/acquire/history?limit=2&offset=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page HistoryPage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Len(t, page.Jobs, 2)
	assert.Equal(t, 3, page.Pagination.Total)
	assert.True(t, page.Pagination.HasMore)

	rec = f.do(t, http.MethodGet, "/acquire/history?limit=2&offset=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Len(t, page.Jobs, 1)
	assert.False(t, page.Pagination.HasMore)
}

func TestCancelUnknownKey(t *testing.T) {
	f := setupTest(t, nil)

	rec := f.do(t, http.MethodDelete, "/acquire/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body["success"])
}

func TestInfoAgeRestricted(t *testing.T) {
	f := setupTest(t, nil)

	script := `#!/bin/sh
echo "ERROR: Sign in to confirm your age" >&2
exit 1
`
	bin := filepath.Join(t.TempDir(), "fetcher.sh")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0755))
	config.Instance().Paths.DownloaderPath = bin

	rec := f.do(t, http.MethodGet, "/acquire/info?url=https%3A%2F%2Fexample.com%2Fwatch%3Fv%3Dabc123", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body["isAgeRestricted"])
}

func TestNaturalKey(t *testing.T) {
	cases := []struct {
		name string
		url  string
		want string
	}{
		{"query parameter", "https://example.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"last path segment", "https://example.com/media/clip42", "clip42"},
		{"trailing slash", "https://example.com/media/clip42/", "clip42"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, naturalKey(tc.url))
		})
	}

	// opaque URLs get a generated key
	assert.NotEmpty(t, naturalKey("https://example.com/"))
}
