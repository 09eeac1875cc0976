package job

import (
	"time"
)

// Status is the single source of truth for orchestration decisions.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s,
// except an explicit reset at re-submission time.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the job still owns an in-flight or queued acquisition.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusDownloading
}

// rank orders statuses so that a write can never move a job backward.
// pending < downloading < any terminal state.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDownloading:
		return 1
	default:
		return 2
	}
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. Terminal states accept nothing; a re-enqueue goes through
// Store.Reset instead.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// Job is a persisted request to acquire one item or one batch of items.
// The Id is the remote source's stable identifier (the natural key) and
// doubles as the artifact filename stem.
type Job struct {
	Id        string `json:"id"`
	SourceURL string `json:"sourceUrl"`
	Title     string `json:"title"`
	Status    Status `json:"status"`
	Progress  int    `json:"progress"`

	// Request options, immutable after creation.
	Quality       string `json:"quality"`
	WantSubtitles bool   `json:"wantSubtitles"`

	// Batch fields, zero-valued for ordinary jobs.
	IsBatch             bool   `json:"isBatch"`
	BatchSize           int    `json:"batchSize"`
	BatchCompletedCount int    `json:"batchCompletedCount"`
	BatchTargetId       string `json:"batchTargetId,omitempty"`

	ErrorMessage string     `json:"errorMessage,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// New builds a pending single-item job.
func New(id, sourceURL, quality string, wantSubtitles bool) *Job {
	return &Job{
		Id:            id,
		SourceURL:     sourceURL,
		Status:        StatusPending,
		Quality:       quality,
		WantSubtitles: wantSubtitles,
	}
}

// NewBatch builds a pending parent job for a playlist-type request.
func NewBatch(id, sourceURL, title, quality string, wantSubtitles bool, size int, targetId string) *Job {
	return &Job{
		Id:            id,
		SourceURL:     sourceURL,
		Title:         title,
		Status:        StatusPending,
		Quality:       quality,
		WantSubtitles: wantSubtitles,
		IsBatch:       true,
		BatchSize:     size,
		BatchTargetId: targetId,
	}
}
