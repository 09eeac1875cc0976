package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mediagrab/mediagrab/server/config"
	"github.com/mediagrab/mediagrab/server/internal/job"
)

// Cancel terminates an in-flight acquisition for the given natural key.
// Returns false when no pending or downloading job exists for it (an
// idempotent no-op). Termination of the external process is best-effort and
// asynchronous: the cancelled status is set here regardless, and the store's
// transition guard drops any output lines the dying process still emits.
func (s *Supervisor) Cancel(ctx context.Context, id string) (bool, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if !j.Status.Active() {
		return false, nil
	}

	if h, ok := s.reg.Get(id); ok {
		if err := h.Terminate(); err != nil {
			slog.Warn("failed to signal fetcher process", slog.String("id", id), slog.Any("err", err))
		}
	}

	if err := s.store.MarkCancelled(ctx, id); err != nil {
		// the job reached a terminal state on its own in the meantime
		slog.Warn("cancellation rejected by transition guard", slog.String("id", id))
		return false, nil
	}

	s.purgeArtifacts(id)

	s.bus.Publish(job.TopicError, job.ErrorEvent{Id: id, Error: "cancelled"})
	slog.Info("acquisition cancelled", slog.String("id", id))

	return true, nil
}

// purgeArtifacts deletes partially-written files matching the natural-key
// filename prefix across the working directory and all three storage
// classes. Individual deletion failures are logged and never abort the
// rest of the cleanup.
func (s *Supervisor) purgeArtifacts(id string) {
	conf := config.Instance()

	dirs := []string{
		conf.Paths.WorkingPath,
		conf.MediaDir(),
		conf.ThumbnailDir(),
		conf.SubtitleDir(),
	}

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !matchesKey(entry.Name(), id) {
				continue
			}

			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil {
				slog.Warn("failed to delete partial artifact",
					slog.String("id", id),
					slog.String("path", path),
					slog.Any("err", err),
				)
			}
		}
	}
}

// matchesKey reports whether a filename belongs to the given natural key:
// either the key itself or "<key>.<anything>". A plain prefix test would
// also purge keys that merely share a prefix.
func matchesKey(name, id string) bool {
	return name == id || strings.HasPrefix(name, id+".")
}
