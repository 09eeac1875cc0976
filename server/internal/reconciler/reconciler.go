package reconciler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mediagrab/mediagrab/server/config"
	"github.com/mediagrab/mediagrab/server/internal/job"
	"github.com/mediagrab/mediagrab/server/internal/library"
	"github.com/mediagrab/mediagrab/server/internal/metadata"
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
}

var captionExts = map[string]bool{
	".vtt": true,
	".srt": true,
	".ass": true,
}

// MetadataFetcher is the probe used to enrich the committed item with
// Fetcher-reported title, duration and tags.
type MetadataFetcher func(ctx context.Context, url string) (*metadata.Metadata, error)

// Reconciler converts the files a successful Fetcher run left in the
// working directory into a permanent library record. It is the only
// component that creates library items, and it never creates one
// speculatively.
type Reconciler struct {
	lib   *library.Repository
	fetch MetadataFetcher
}

func New(lib *library.Repository) *Reconciler {
	return &Reconciler{
		lib:   lib,
		fetch: metadata.Fetch,
	}
}

// NewWithFetcher injects a metadata probe, for tests.
func NewWithFetcher(lib *library.Repository, fetch MetadataFetcher) *Reconciler {
	return &Reconciler{
		lib:   lib,
		fetch: fetch,
	}
}

// artifacts is the per-class view of the working directory for one job.
type artifacts struct {
	media     string
	thumbnail string
	subtitle  string
}

// Reconcile locates the job's artifacts in workDir by natural-key filename
// prefix, relocates them under the library root and commits the library
// record. A missing media file yields job.ErrArtifactMissing, which is
// always fatal to the job.
func (r *Reconciler) Reconcile(ctx context.Context, j *job.Job, workDir string) (*library.Item, error) {
	found, err := locate(workDir, j.Id)
	if err != nil {
		return nil, err
	}

	if found.media == "" {
		return nil, fmt.Errorf("%w: %s", job.ErrArtifactMissing, j.Id)
	}

	conf := config.Instance()

	item := &library.Item{
		Id:    j.Id,
		Title: j.Title,
	}

	// metadata is best-effort enrichment, the artifacts alone make a
	// committable item
	var tags []string
	if meta, err := r.fetch(ctx, j.SourceURL); err == nil {
		if meta.Title != "" {
			item.Title = meta.Title
		}
		item.Duration = int(meta.Duration)
		item.Metadata = string(meta.Raw)
		tags = meta.Tags
	} else {
		slog.Warn("metadata enrichment failed", slog.String("id", j.Id), slog.Any("err", err))
	}

	if item.Title == "" {
		item.Title = j.Id
	}

	mediaDest := filepath.Join("media", j.Id+filepath.Ext(found.media))
	if err := moveFile(found.media, filepath.Join(conf.Paths.LibraryPath, mediaDest)); err != nil {
		return nil, fmt.Errorf("failed to store media artifact: %w", err)
	}
	item.MediaPath = mediaDest

	if found.thumbnail != "" {
		dest := filepath.Join("thumbnails", j.Id+filepath.Ext(found.thumbnail))
		if err := moveFile(found.thumbnail, filepath.Join(conf.Paths.LibraryPath, dest)); err != nil {
			slog.Warn("failed to store thumbnail", slog.String("id", j.Id), slog.Any("err", err))
		} else {
			item.ThumbnailPath = dest
		}
	}

	if found.subtitle != "" {
		// keep the language marker in the stored name (abc123.en.vtt)
		dest := filepath.Join("subtitles", filepath.Base(found.subtitle))
		if err := moveFile(found.subtitle, filepath.Join(conf.Paths.LibraryPath, dest)); err != nil {
			slog.Warn("failed to store subtitle", slog.String("id", j.Id), slog.Any("err", err))
		} else {
			item.SubtitlePath = dest
		}
	}

	if err := r.lib.SaveItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to commit library item: %w", err)
	}

	for _, tag := range tags {
		tagId, err := r.lib.UpsertTag(ctx, tag)
		if err != nil {
			slog.Warn("failed to upsert tag", slog.String("tag", tag), slog.Any("err", err))
			continue
		}
		if err := r.lib.LinkTag(ctx, item.Id, tagId); err != nil {
			slog.Warn("failed to link tag", slog.String("tag", tag), slog.Any("err", err))
		}
	}

	if j.BatchTargetId != "" {
		if err := r.lib.AppendToCollection(ctx, j.BatchTargetId, item.Id); err != nil {
			slog.Warn("failed to append to collection",
				slog.String("id", item.Id),
				slog.String("collection", j.BatchTargetId),
				slog.Any("err", err),
			)
		}
	}

	return item, nil
}

// locate partitions the job's working-dir files into artifact classes:
// image extensions are the thumbnail, caption extensions the subtitle,
// anything else is the media file.
func locate(workDir, id string) (*artifacts, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read working directory: %w", err)
	}

	var found artifacts

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(name == id || strings.HasPrefix(name, id+".")) {
			continue
		}

		// leftovers of an interrupted earlier run
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}

		path := filepath.Join(workDir, name)
		ext := strings.ToLower(filepath.Ext(name))

		switch {
		case imageExts[ext]:
			found.thumbnail = path
		case captionExts[ext]:
			found.subtitle = path
		default:
			found.media = path
		}
	}

	return &found, nil
}

// moveFile renames src into dest, falling back to copy+remove when the
// library root lives on a different filesystem than the working directory.
func moveFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	return os.Remove(src)
}
