package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mediagrab/mediagrab/server/internal/job"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	source_url      TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending','downloading','completed','failed','cancelled')),
	progress        INTEGER NOT NULL DEFAULT 0,
	quality         TEXT NOT NULL DEFAULT '',
	want_subtitles  INTEGER NOT NULL DEFAULT 0,
	is_batch        INTEGER NOT NULL DEFAULT 0,
	batch_size      INTEGER NOT NULL DEFAULT 0,
	batch_completed INTEGER NOT NULL DEFAULT 0,
	batch_target_id TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMP,
	completed_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
`

// Store is the persisted job table, the single source of truth for job
// state across restarts. All writes go through transition-guarded paths so
// that a late event can never move a job backward.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to migrate jobs table: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens (or creates) the SQLite database at path and migrates it.
func Open(path string) (*Store, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, err
	}
	// modernc sqlite misbehaves with concurrent writers on one connection pool
	db.SetMaxOpenConns(1)

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

const jobColumns = `id, source_url, title, status, progress, quality, want_subtitles,
	is_batch, batch_size, batch_completed, batch_target_id, error_message,
	started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*job.Job, error) {
	var (
		j           job.Job
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&j.Id, &j.SourceURL, &j.Title, &j.Status, &j.Progress, &j.Quality,
		&j.WantSubtitles, &j.IsBatch, &j.BatchSize, &j.BatchCompletedCount,
		&j.BatchTargetId, &j.ErrorMessage, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}

	return &j, nil
}

// Get returns the job for the given natural key or job.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return j, nil
}

// GetActiveBySource returns the pending or downloading job owning the
// given source URL, if any. Intake uses it to reject duplicates before any
// state mutation.
func (s *Store) GetActiveBySource(ctx context.Context, sourceURL string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE source_url = ? AND status IN ('pending','downloading')`, sourceURL)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return j, nil
}

// Upsert creates the job row or merges a mutation into the existing one,
// keyed on the natural key. Immutable request fields (source URL, options)
// are never overwritten on merge, and the status transition guard applies:
// an attempt to move backward returns job.ErrInvalidTransition.
func (s *Store) Upsert(ctx context.Context, j *job.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, j.Id))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if existing == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.Id, j.SourceURL, j.Title, j.Status, j.Progress, j.Quality,
			j.WantSubtitles, j.IsBatch, j.BatchSize, j.BatchCompletedCount,
			j.BatchTargetId, j.ErrorMessage, nullTime(j.StartedAt), nullTime(j.CompletedAt),
		)
		if err != nil {
			return err
		}
		return tx.Commit()
	}

	if existing.Status != j.Status && !existing.Status.CanTransition(j.Status) {
		return fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, existing.Status, j.Status)
	}

	title := existing.Title
	if j.Title != "" {
		title = j.Title
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET title = ?, status = ?, progress = ?, is_batch = ?,
			batch_size = ?, batch_completed = ?, batch_target_id = ?,
			error_message = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		title, j.Status, j.Progress, j.IsBatch, j.BatchSize,
		j.BatchCompletedCount, j.BatchTargetId, j.ErrorMessage,
		nullTime(coalesceTime(j.StartedAt, existing.StartedAt)),
		nullTime(j.CompletedAt), j.Id,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Reset re-enqueues a terminal job: status back to pending, progress zeroed,
// error and completion fields cleared. Resetting an active job is an error.
func (s *Store) Reset(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', progress = 0, batch_completed = 0,
			error_message = '', started_at = NULL, completed_at = NULL
		WHERE id = ? AND status IN ('completed','failed','cancelled')`, id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return job.ErrInvalidTransition
	}

	return nil
}

// SetDownloading transitions a pending job to downloading and stamps
// started_at. Returns false when the job was not pending anymore, e.g. it
// got cancelled while sitting in the queue.
func (s *Store) SetDownloading(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'downloading', started_at = ?
		WHERE id = ? AND status = 'pending'`, time.Now(), id)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

// SetProgress records a progress tick. The guard keeps progress monotonic
// and rejects writes once the job left the downloading state, so output
// lines racing a cancellation are dropped. Returns whether the row changed;
// callers must only broadcast when it did.
func (s *Store) SetProgress(ctx context.Context, id string, progress int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?
		WHERE id = ? AND status = 'downloading' AND progress <= ?`, progress, id, progress)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkCompleted finalizes a successful job: progress forced to 100 and
// completed_at stamped, so a completed job never reads as partially done.
func (s *Store) MarkCompleted(ctx context.Context, id, title string) error {
	return s.finalize(ctx, id, job.StatusCompleted, title, "")
}

// MarkFailed finalizes a failed job with the captured error text.
func (s *Store) MarkFailed(ctx context.Context, id, errorMessage string) error {
	return s.finalize(ctx, id, job.StatusFailed, "", errorMessage)
}

// MarkCancelled finalizes a cancelled job. The row is retained as history.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	return s.finalize(ctx, id, job.StatusCancelled, "", "")
}

func (s *Store) finalize(ctx context.Context, id string, status job.Status, title, errorMessage string) error {
	progressExpr := "progress"
	if status == job.StatusCompleted {
		progressExpr = "100"
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = `+progressExpr+`,
			title = CASE WHEN ? <> '' THEN ? ELSE title END,
			error_message = ?, completed_at = ?
		WHERE id = ? AND status IN ('pending','downloading')`,
		status, title, title, errorMessage, time.Now(), id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return job.ErrInvalidTransition
	}

	return nil
}

// IncrementBatchCompleted atomically bumps the parent batch counter and
// returns the new count, avoiding lost updates under parallel members.
func (s *Store) IncrementBatchCompleted(ctx context.Context, id string) (int, error) {
	var completed int

	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET batch_completed = batch_completed + 1
		WHERE id = ? RETURNING batch_completed`, id).Scan(&completed)
	if err != nil {
		return 0, err
	}

	return completed, nil
}

// ListActive returns all non-terminal jobs, most recently started first.
func (s *Store) ListActive(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('pending','downloading')
		ORDER BY started_at IS NULL, started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collect(rows)
}

// ListHistory returns terminal jobs, most recently completed first.
func (s *Store) ListHistory(ctx context.Context, limit, offset int) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('completed','failed','cancelled')
		ORDER BY completed_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collect(rows)
}

// CountHistory returns the total number of terminal jobs for pagination.
func (s *Store) CountHistory(ctx context.Context) (int, error) {
	var total int

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status IN ('completed','failed','cancelled')`).Scan(&total)

	return total, err
}

// CountActive returns the number of non-terminal jobs.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var active int

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status IN ('pending','downloading')`).Scan(&active)

	return active, err
}

func collect(rows *sql.Rows) ([]*job.Job, error) {
	jobs := []*job.Job{}

	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func coalesceTime(a, b *time.Time) *time.Time {
	if a != nil {
		return a
	}
	return b
}
