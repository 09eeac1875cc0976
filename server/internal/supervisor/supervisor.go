package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/asaskevich/EventBus"
	"github.com/mediagrab/mediagrab/server/config"
	"github.com/mediagrab/mediagrab/server/internal/job"
	"github.com/mediagrab/mediagrab/server/internal/reconciler"
	"github.com/mediagrab/mediagrab/server/internal/registry"
	"github.com/mediagrab/mediagrab/server/internal/store"
)

// Supervisor spawns one Fetcher invocation per job, streams its output into
// progress updates and hands successful exits to the reconciler. Each
// Acquire call runs on its own goroutine and serializes every state
// transition for its job, which is what keeps per-job progress monotonic.
type Supervisor struct {
	store *store.Store
	rec   *reconciler.Reconciler
	reg   *registry.Registry
	bus   EventBus.Bus
}

func New(st *store.Store, rec *reconciler.Reconciler, reg *registry.Registry, bus EventBus.Bus) *Supervisor {
	return &Supervisor{
		store: st,
		rec:   rec,
		reg:   reg,
		bus:   bus,
	}
}

// Acquire drives the full lifecycle of a single-item acquisition:
// pending -> downloading -> completed/failed. The error return is for the
// caller's bookkeeping only; the job row already holds the outcome.
func (s *Supervisor) Acquire(ctx context.Context, j *job.Job) error {
	started, err := s.store.SetDownloading(ctx, j.Id)
	if err != nil {
		return err
	}
	if !started {
		// cancelled (or otherwise finalized) while waiting in the queue
		slog.Info("skipping job no longer pending", slog.String("id", j.Id))
		return nil
	}

	conf := config.Instance()
	args := buildArgs(j, conf)

	slog.Info("requesting acquisition", slog.String("id", j.Id), slog.String("url", j.SourceURL))

	cmd := exec.Command(conf.Paths.DownloaderPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.fail(ctx, j, fmt.Errorf("failed to get a stdout pipe: %w", err))
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.fail(ctx, j, fmt.Errorf("failed to get a stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return s.fail(ctx, j, fmt.Errorf("failed to start fetcher process: %w", err))
	}

	s.reg.Set(&registry.Handle{
		Id:   j.Id,
		URL:  j.SourceURL,
		Proc: cmd.Process,
	})
	defer s.reg.Delete(j.Id)

	// the buffer becomes the job's errorMessage, so the copy must be
	// complete before Wait closes the pipe
	var (
		bufferedStderr bytes.Buffer
		stderrDone     sync.WaitGroup
	)
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		io.Copy(&bufferedStderr, stderr)
	}()

	s.streamProgress(ctx, j, stdout)
	stderrDone.Wait()

	if err := cmd.Wait(); err != nil {
		errText := strings.TrimSpace(bufferedStderr.String())
		if errText == "" {
			errText = err.Error()
		}
		return s.fail(ctx, j, fmt.Errorf("fetcher exited with an error: %s", errText))
	}

	item, err := s.rec.Reconcile(ctx, j, conf.Paths.WorkingPath)
	if err != nil {
		return s.fail(ctx, j, err)
	}

	if err := s.store.MarkCompleted(ctx, j.Id, item.Title); err != nil {
		// lost the race against a cancellation; artifacts are already
		// committed, the job row keeps its cancelled status
		slog.Warn("completion rejected by transition guard", slog.String("id", j.Id))
		return nil
	}

	s.bus.Publish(job.TopicCompleted, job.CompletedEvent{
		Id:        j.Id,
		Title:     item.Title,
		MediaPath: item.MediaPath,
	})

	slog.Info("acquisition completed", slog.String("id", j.Id), slog.String("media", item.MediaPath))
	return nil
}

// streamProgress consumes Fetcher stdout line by line. A broadcast happens
// only when the guarded store write applied, so pushed and polled progress
// can never diverge.
func (s *Supervisor) streamProgress(ctx context.Context, j *job.Job, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	last := -1

	for scanner.Scan() {
		pct, ok := parsePercent(scanner.Text())
		if !ok || pct <= last {
			continue
		}

		applied, err := s.store.SetProgress(ctx, j.Id, pct)
		if err != nil {
			slog.Error("failed to persist progress", slog.String("id", j.Id), slog.Any("err", err))
			continue
		}
		if !applied {
			// job left the downloading state, the process is on its way out
			continue
		}

		last = pct
		s.bus.Publish(job.TopicProgress, job.ProgressEvent{Id: j.Id, Progress: pct})
	}
}

func (s *Supervisor) fail(ctx context.Context, j *job.Job, cause error) error {
	slog.Error("acquisition failed",
		slog.String("id", j.Id),
		slog.String("url", j.SourceURL),
		slog.Any("err", cause),
	)

	if err := s.store.MarkFailed(ctx, j.Id, cause.Error()); err != nil {
		// already cancelled, keep the cancelled status
		return cause
	}

	s.bus.Publish(job.TopicError, job.ErrorEvent{Id: j.Id, Error: cause.Error()})
	return cause
}
