package supervisor

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/mediagrab/mediagrab/server/config"
	"github.com/mediagrab/mediagrab/server/internal/job"
	"github.com/mediagrab/mediagrab/server/internal/library"
	"github.com/mediagrab/mediagrab/server/internal/metadata"
	"github.com/mediagrab/mediagrab/server/internal/reconciler"
	"github.com/mediagrab/mediagrab/server/internal/registry"
	"github.com/mediagrab/mediagrab/server/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	sup   *Supervisor
	store *store.Store
	lib   *library.Repository
	reg   *registry.Registry
	bus   EventBus.Bus
	work  string
}

// setupTest wires a supervisor against an in-memory store and a fake
// Fetcher script standing in for yt-dlp.
func setupTest(t *testing.T, script string) *fixture {
	t.Helper()

	work := t.TempDir()
	libRoot := t.TempDir()

	bin := filepath.Join(t.TempDir(), "fetcher.sh")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0755))

	conf := config.Instance()
	conf.Paths.DownloaderPath = bin
	conf.Paths.WorkingPath = work
	conf.Paths.LibraryPath = libRoot

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db)
	require.NoError(t, err)

	lib, err := library.New(db)
	require.NoError(t, err)

	stubFetch := func(ctx context.Context, url string) (*metadata.Metadata, error) {
		return &metadata.Metadata{Title: "Stub title", Duration: 10, Tags: []string{"music"}}, nil
	}

	reg := registry.New()
	bus := EventBus.New()
	sup := New(st, reconciler.NewWithFetcher(lib, stubFetch), reg, bus)

	return &fixture{sup: sup, store: st, lib: lib, reg: reg, bus: bus, work: work}
}

const okScript = `#!/bin/sh
echo "[download]  25.0% of 10.00MiB"
echo "[download]  50.0% of 10.00MiB"
echo "[download] 100% of 10.00MiB"
exit 0
`

const failScript = `#!/bin/sh
echo "ERROR: unable to download video data" >&2
exit 1
`

const hangScript = `#!/bin/sh
echo "[download]   1.0% of 10.00MiB"
sleep 30
`

func TestAcquireHappyPath(t *testing.T) {
	f := setupTest(t, okScript)
	ctx := context.Background()

	var progress []int
	require.NoError(t, f.bus.Subscribe(job.TopicProgress, func(ev job.ProgressEvent) {
		progress = append(progress, ev.Progress)
	}))

	var completed []job.CompletedEvent
	require.NoError(t, f.bus.Subscribe(job.TopicCompleted, func(ev job.CompletedEvent) {
		completed = append(completed, ev)
	}))

	j := job.New("abc123", "https://example.com/watch?v=abc123", "720", false)
	require.NoError(t, f.store.Upsert(ctx, j))

	// the fake Fetcher leaves its artifacts in the working directory
	require.NoError(t, os.WriteFile(filepath.Join(f.work, "abc123.mp4"), []byte("media"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(f.work, "abc123.jpg"), []byte("thumb"), 0644))

	require.NoError(t, f.sup.Acquire(ctx, j))

	got, err := f.store.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.CompletedAt)

	// progress events are monotonically non-decreasing
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	require.Len(t, completed, 1)
	assert.Equal(t, "abc123", completed[0].Id)

	item, err := f.lib.GetItem(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "media/abc123.mp4", item.MediaPath)

	// nothing left in the registry
	_, ok := f.reg.Get("abc123")
	assert.False(t, ok)
}

func TestAcquireFetcherFailure(t *testing.T) {
	f := setupTest(t, failScript)
	ctx := context.Background()

	var errs []job.ErrorEvent
	require.NoError(t, f.bus.Subscribe(job.TopicError, func(ev job.ErrorEvent) {
		errs = append(errs, ev)
	}))

	j := job.New("abc123", "https://example.com/watch?v=abc123", "", false)
	require.NoError(t, f.store.Upsert(ctx, j))

	require.Error(t, f.sup.Acquire(ctx, j))

	got, err := f.store.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "unable to download video data")
	assert.NotNil(t, got.CompletedAt)

	require.Len(t, errs, 1)

	// no library item is created on failure
	_, err = f.lib.GetItem(ctx, "abc123")
	assert.Error(t, err)
}

// slowStderrScript closes stdout immediately and trickles its diagnostics
// out with a delay, so an unsynchronized reader would only see a prefix.
const slowStderrScript = `#!/bin/sh
exec 1>&-
echo "ERROR: first diagnostic line" >&2
sleep 0.2
echo "ERROR: final diagnostic line" >&2
exit 1
`

func TestAcquireFailureBuffersFullStderr(t *testing.T) {
	f := setupTest(t, slowStderrScript)
	ctx := context.Background()

	j := job.New("abc123", "https://example.com/watch?v=abc123", "", false)
	require.NoError(t, f.store.Upsert(ctx, j))

	require.Error(t, f.sup.Acquire(ctx, j))

	got, err := f.store.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "first diagnostic line")
	assert.Contains(t, got.ErrorMessage, "final diagnostic line")
}

func TestAcquireArtifactMissing(t *testing.T) {
	f := setupTest(t, okScript)
	ctx := context.Background()

	j := job.New("abc123", "https://example.com/watch?v=abc123", "", false)
	require.NoError(t, f.store.Upsert(ctx, j))

	// only a thumbnail, no media file
	require.NoError(t, os.WriteFile(filepath.Join(f.work, "abc123.jpg"), []byte("thumb"), 0644))

	err := f.sup.Acquire(ctx, j)
	assert.ErrorIs(t, err, job.ErrArtifactMissing)

	got, err := f.store.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)

	_, err = f.lib.GetItem(ctx, "abc123")
	assert.Error(t, err)
}

func TestAcquireSkipsCancelledJob(t *testing.T) {
	f := setupTest(t, okScript)
	ctx := context.Background()

	j := job.New("abc123", "https://example.com/watch?v=abc123", "", false)
	require.NoError(t, f.store.Upsert(ctx, j))
	require.NoError(t, f.store.MarkCancelled(ctx, "abc123"))

	// cancelled while queued: the worker must not spawn anything
	require.NoError(t, f.sup.Acquire(ctx, j))

	got, err := f.store.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
}

func TestCancelInFlight(t *testing.T) {
	f := setupTest(t, hangScript)
	ctx := context.Background()

	j := job.New("abc123", "https://example.com/watch?v=abc123", "", false)
	require.NoError(t, f.store.Upsert(ctx, j))

	// a partial artifact the cleanup must purge
	require.NoError(t, os.WriteFile(filepath.Join(f.work, "abc123.mp4.part"), []byte("partial"), 0644))

	done := make(chan error, 1)
	go func() { done <- f.sup.Acquire(ctx, j) }()

	// wait for the process handle to appear
	require.Eventually(t, func() bool {
		_, ok := f.reg.Get("abc123")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancelled, err := f.sup.Cancel(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, cancelled)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("acquisition did not terminate after cancel")
	}

	got, err := f.store.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// late progress writes are rejected
	applied, err := f.store.SetProgress(ctx, "abc123", 99)
	require.NoError(t, err)
	assert.False(t, applied)

	_, statErr := os.Stat(filepath.Join(f.work, "abc123.mp4.part"))
	assert.True(t, os.IsNotExist(statErr), "partial artifact should be purged")
}

func TestCancelNotActive(t *testing.T) {
	f := setupTest(t, okScript)
	ctx := context.Background()

	cancelled, err := f.sup.Cancel(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, cancelled)

	j := job.New("abc123", "u", "", false)
	require.NoError(t, f.store.Upsert(ctx, j))
	require.NoError(t, f.store.MarkFailed(ctx, "abc123", "x"))

	cancelled, err = f.sup.Cancel(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, cancelled)
}
