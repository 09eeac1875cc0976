package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/mediagrab/mediagrab/server/config"
	"github.com/mediagrab/mediagrab/server/internal/job"
	"github.com/mediagrab/mediagrab/server/internal/metadata"
	"github.com/mediagrab/mediagrab/server/internal/store"
	"github.com/mediagrab/mediagrab/server/internal/supervisor"
	"golang.org/x/sync/errgroup"
)

// ErrEmptyBatch signals an enumeration that yielded zero members; the
// batch job is never created in that case.
var ErrEmptyBatch = errors.New("batch enumeration yielded no members")

// Enumerator is the metadata-only probe of a batch's members.
type Enumerator func(ctx context.Context, url string) (*metadata.Playlist, error)

// Request is a playlist-type intake.
type Request struct {
	SourceURL     string
	Quality       string
	WantSubtitles bool
	// CollectionId optionally names a library collection completed members
	// are appended to.
	CollectionId string
}

// Coordinator enumerates a batch's members, dispatches one acquisition per
// member and folds completions into the parent job's aggregate progress.
// The member roster lives only in memory for the life of the dispatch;
// persisted state is the aggregate counters on the parent job.
type Coordinator struct {
	store     *store.Store
	sup       *supervisor.Supervisor
	bus       EventBus.Bus
	enumerate Enumerator
}

func New(st *store.Store, sup *supervisor.Supervisor, bus EventBus.Bus) *Coordinator {
	return &Coordinator{
		store:     st,
		sup:       sup,
		bus:       bus,
		enumerate: metadata.Enumerate,
	}
}

// NewWithEnumerator injects the member probe, for tests.
func NewWithEnumerator(st *store.Store, sup *supervisor.Supervisor, bus EventBus.Bus, e Enumerator) *Coordinator {
	return &Coordinator{
		store:     st,
		sup:       sup,
		bus:       bus,
		enumerate: e,
	}
}

// StartBatch enumerates the members of a playlist-type request, persists
// the parent job and starts the dispatch in the background. Enumeration
// failure is fatal: no job row is created.
func (c *Coordinator) StartBatch(ctx context.Context, req Request) (*job.Job, error) {
	p, err := c.enumerate(ctx, req.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate batch members: %w", err)
	}

	if len(p.Entries) == 0 {
		return nil, ErrEmptyBatch
	}

	id := p.Id
	if id == "" {
		id = uuid.NewString()
	}

	if existing, err := c.store.Get(ctx, id); err == nil {
		if existing.Status.Active() {
			return nil, job.ErrConflict
		}
		if err := c.store.Reset(ctx, id); err != nil {
			return nil, err
		}
	}

	parent := job.NewBatch(id, req.SourceURL, p.Title, req.Quality, req.WantSubtitles, len(p.Entries), req.CollectionId)

	if err := c.store.Upsert(ctx, parent); err != nil {
		return nil, err
	}

	slog.Info("batch accepted",
		slog.String("id", parent.Id),
		slog.String("title", parent.Title),
		slog.Int("members", parent.BatchSize),
	)

	go c.run(context.Background(), parent, p.Entries)

	return parent, nil
}

// run dispatches every member with bounded parallelism and drives the
// parent to a terminal state once every member has been attempted, no
// matter how many succeeded.
func (c *Coordinator) run(ctx context.Context, parent *job.Job, entries []metadata.Metadata) {
	if _, err := c.store.SetDownloading(ctx, parent.Id); err != nil {
		slog.Error("failed to start batch", slog.String("id", parent.Id), slog.Any("err", err))
		return
	}

	limit := config.Instance().Server.BatchConcurrency
	if limit <= 0 {
		limit = 1
	}

	g := new(errgroup.Group)
	g.SetLimit(limit)

	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			// a cancellation of the parent stops further member dispatch
			current, err := c.store.Get(ctx, parent.Id)
			if err != nil || current.Status != job.StatusDownloading {
				return nil
			}

			c.acquireMember(ctx, parent, entry)
			c.memberDone(ctx, parent)
			return nil
		})
	}

	g.Wait()

	if err := c.store.MarkCompleted(ctx, parent.Id, ""); err != nil {
		// a cancellation won the race for the parent's terminal state
		slog.Warn("batch completion rejected by transition guard", slog.String("id", parent.Id))
		return
	}

	slog.Info("batch finished", slog.String("id", parent.Id), slog.Int("members", parent.BatchSize))
}

func (c *Coordinator) acquireMember(ctx context.Context, parent *job.Job, entry metadata.Metadata) {
	id := entry.Id
	if id == "" {
		id = uuid.NewString()
	}

	member := job.New(id, entry.SourceURL(), parent.Quality, parent.WantSubtitles)
	member.Title = entry.Title
	member.BatchTargetId = parent.BatchTargetId

	if err := c.store.Upsert(ctx, member); err != nil {
		// an active job already owns this member's natural key
		slog.Warn("skipping batch member", slog.String("id", id), slog.Any("err", err))
		return
	}

	// a member failure is recorded on the member's own row and never
	// aborts the batch
	c.sup.Acquire(ctx, member)
}

func (c *Coordinator) memberDone(ctx context.Context, parent *job.Job) {
	completed, err := c.store.IncrementBatchCompleted(ctx, parent.Id)
	if err != nil {
		slog.Error("failed to bump batch counter", slog.String("id", parent.Id), slog.Any("err", err))
		return
	}

	pct := completed * 100 / parent.BatchSize
	if pct > 100 {
		pct = 100
	}

	if _, err := c.store.SetProgress(ctx, parent.Id, pct); err != nil {
		slog.Error("failed to persist batch progress", slog.String("id", parent.Id), slog.Any("err", err))
	}

	c.bus.Publish(job.TopicBatchProgress, job.BatchProgressEvent{
		Id:        parent.Id,
		Progress:  pct,
		Completed: completed,
		Size:      parent.BatchSize,
	})
}
