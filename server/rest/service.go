package rest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/mediagrab/mediagrab/server/internal/batch"
	"github.com/mediagrab/mediagrab/server/internal/job"
	"github.com/mediagrab/mediagrab/server/internal/metadata"
	"github.com/mediagrab/mediagrab/server/internal/queue"
	"github.com/mediagrab/mediagrab/server/internal/store"
	"github.com/mediagrab/mediagrab/server/internal/supervisor"
)

// ErrValidation marks malformed intake requests, rejected before any state
// mutation.
var ErrValidation = errors.New("invalid request")

type AcquireRequest struct {
	SourceURL     string `json:"sourceUrl"`
	Quality       string `json:"quality"`
	WantSubtitles bool   `json:"wantSubtitles"`
	BatchTargetId string `json:"batchTargetId,omitempty"`
}

type BatchRequest struct {
	SourceURL     string `json:"sourceUrl"`
	Quality       string `json:"quality"`
	WantSubtitles bool   `json:"wantSubtitles"`
	CollectionId  string `json:"collectionId,omitempty"`
}

type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

type HistoryPage struct {
	Jobs       []*job.Job `json:"jobs"`
	Pagination Pagination `json:"pagination"`
}

type Service struct {
	store *store.Store
	disp  *queue.Dispatcher
	sup   *supervisor.Supervisor
	batch *batch.Coordinator
}

func NewService(st *store.Store, disp *queue.Dispatcher, sup *supervisor.Supervisor, bc *batch.Coordinator) *Service {
	return &Service{
		store: st,
		disp:  disp,
		sup:   sup,
		batch: bc,
	}
}

// Submit validates a single-item intake, durably records it as pending and
// queues the acquisition. Re-submission of a source with an active job
// returns the existing job alongside job.ErrConflict.
func (s *Service) Submit(ctx context.Context, req AcquireRequest) (*job.Job, error) {
	if strings.TrimSpace(req.SourceURL) == "" {
		return nil, fmt.Errorf("%w: sourceUrl is required", ErrValidation)
	}

	if existing, err := s.store.GetActiveBySource(ctx, req.SourceURL); err == nil {
		return existing, job.ErrConflict
	}

	id := naturalKey(req.SourceURL)

	j := job.New(id, req.SourceURL, req.Quality, req.WantSubtitles)
	j.BatchTargetId = req.BatchTargetId

	if existing, err := s.store.Get(ctx, id); err == nil {
		if existing.Status.Active() {
			return existing, job.ErrConflict
		}
		// fresh attempt over a retained history row
		if err := s.store.Reset(ctx, id); err != nil {
			return nil, err
		}
		j = existing
		j.Status = job.StatusPending
		j.Progress = 0
		j.ErrorMessage = ""
		j.StartedAt = nil
		j.CompletedAt = nil
	} else if err := s.store.Upsert(ctx, j); err != nil {
		return nil, err
	}

	s.disp.Publish(j)

	return j, nil
}

// SubmitBatch validates and starts a playlist-type intake.
func (s *Service) SubmitBatch(ctx context.Context, req BatchRequest) (*job.Job, error) {
	if strings.TrimSpace(req.SourceURL) == "" {
		return nil, fmt.Errorf("%w: sourceUrl is required", ErrValidation)
	}

	return s.batch.StartBatch(ctx, batch.Request{
		SourceURL:     req.SourceURL,
		Quality:       req.Quality,
		WantSubtitles: req.WantSubtitles,
		CollectionId:  req.CollectionId,
	})
}

// Active lists all non-terminal jobs, most recently started first.
func (s *Service) Active(ctx context.Context) ([]*job.Job, error) {
	return s.store.ListActive(ctx)
}

// History pages through terminal jobs.
func (s *Service) History(ctx context.Context, limit, offset int) (*HistoryPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := s.store.ListHistory(ctx, limit, offset)
	if err != nil {
		return nil, err
	}

	total, err := s.store.CountHistory(ctx)
	if err != nil {
		return nil, err
	}

	return &HistoryPage{
		Jobs: jobs,
		Pagination: Pagination{
			Total:   total,
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(jobs) < total,
		},
	}, nil
}

// Cancel terminates the acquisition owning the natural key, if active.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	return s.sup.Cancel(ctx, id)
}

// Info probes a URL's metadata without acquiring anything.
func (s *Service) Info(ctx context.Context, rawURL string) (*metadata.Metadata, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("%w: url is required", ErrValidation)
	}

	return metadata.Fetch(ctx, rawURL)
}

// naturalKey derives the remote source's stable identifier from its URL:
// the "v" query parameter when present, otherwise the last path segment.
// Opaque URLs get a generated key.
func naturalKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return uuid.NewString()
	}

	if v := u.Query().Get("v"); v != "" {
		return v
	}

	if segment := strings.Trim(u.Path, "/"); segment != "" {
		parts := strings.Split(segment, "/")
		return parts[len(parts)-1]
	}

	return uuid.NewString()
}
