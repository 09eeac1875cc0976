package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mediagrab/mediagrab/server/config"
	"github.com/mediagrab/mediagrab/server/internal/job"
	"github.com/mediagrab/mediagrab/server/internal/library"
	"github.com/mediagrab/mediagrab/server/internal/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T, fetch MetadataFetcher) (*Reconciler, *library.Repository, string) {
	t.Helper()

	work := t.TempDir()
	libRoot := t.TempDir()
	config.Instance().Paths.LibraryPath = libRoot

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	lib, err := library.New(db)
	require.NoError(t, err)

	if fetch == nil {
		fetch = func(ctx context.Context, url string) (*metadata.Metadata, error) {
			return nil, errors.New("no metadata in tests")
		}
	}

	return NewWithFetcher(lib, fetch), lib, work
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0644))
}

func TestReconcileCompleteness(t *testing.T) {
	rec, _, work := newTestReconciler(t, nil)

	touch(t, work, "abc123.mp4")
	touch(t, work, "abc123.jpg")
	touch(t, work, "abc123.en.vtt")
	// an unrelated job's artifact must not be picked up
	touch(t, work, "abc1234.mp4")

	j := job.New("abc123", "https://example.com/watch?v=abc123", "", true)

	item, err := rec.Reconcile(context.Background(), j, work)
	require.NoError(t, err)

	assert.Equal(t, "media/abc123.mp4", item.MediaPath)
	assert.Equal(t, "thumbnails/abc123.jpg", item.ThumbnailPath)
	assert.Equal(t, "subtitles/abc123.en.vtt", item.SubtitlePath)

	// stored paths are relative; files were moved, not copied
	root := config.Instance().Paths.LibraryPath
	assert.False(t, filepath.IsAbs(item.MediaPath))
	assert.FileExists(t, filepath.Join(root, item.MediaPath))
	assert.FileExists(t, filepath.Join(root, item.ThumbnailPath))
	assert.FileExists(t, filepath.Join(root, item.SubtitlePath))
	assert.NoFileExists(t, filepath.Join(work, "abc123.mp4"))

	// the neighbour key stayed put
	assert.FileExists(t, filepath.Join(work, "abc1234.mp4"))
}

func TestReconcileMissingMediaIsFatal(t *testing.T) {
	rec, lib, work := newTestReconciler(t, nil)

	touch(t, work, "abc123.jpg")

	j := job.New("abc123", "https://example.com/watch?v=abc123", "", false)

	_, err := rec.Reconcile(context.Background(), j, work)
	assert.ErrorIs(t, err, job.ErrArtifactMissing)

	// no speculative library item
	_, err = lib.GetItem(context.Background(), "abc123")
	assert.Error(t, err)
}

func TestReconcileMetadataEnrichment(t *testing.T) {
	fetch := func(ctx context.Context, url string) (*metadata.Metadata, error) {
		return &metadata.Metadata{
			Title:    "Proper title",
			Duration: 213.4,
			Tags:     []string{"music", "live"},
		}, nil
	}
	rec, lib, work := newTestReconciler(t, fetch)

	touch(t, work, "abc123.webm")

	j := job.New("abc123", "https://example.com/watch?v=abc123", "", false)

	item, err := rec.Reconcile(context.Background(), j, work)
	require.NoError(t, err)
	assert.Equal(t, "Proper title", item.Title)
	assert.Equal(t, 213, item.Duration)

	tags, err := lib.ItemTags(context.Background(), "abc123")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"music", "live"}, tags)
}

func TestReconcileBatchTargetAppend(t *testing.T) {
	rec, lib, work := newTestReconciler(t, nil)
	ctx := context.Background()

	touch(t, work, "abc123.mp4")

	j := job.New("abc123", "https://example.com/watch?v=abc123", "", false)
	j.BatchTargetId = "col1"

	_, err := rec.Reconcile(ctx, j, work)
	require.NoError(t, err)

	members, err := lib.CollectionItems(ctx, "col1")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123"}, members)

	// reconciling again must not duplicate the membership
	touch(t, work, "abc123.mp4")
	_, err = rec.Reconcile(ctx, j, work)
	require.NoError(t, err)

	members, err = lib.CollectionItems(ctx, "col1")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123"}, members)
}

func TestLocateSkipsPartials(t *testing.T) {
	rec, _, work := newTestReconciler(t, nil)

	touch(t, work, "abc123.mp4.part")
	touch(t, work, "abc123.jpg")

	j := job.New("abc123", "https://example.com/watch?v=abc123", "", false)

	_, err := rec.Reconcile(context.Background(), j, work)
	assert.ErrorIs(t, err, job.ErrArtifactMissing)
}
