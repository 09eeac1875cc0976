package queue

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mediagrab/mediagrab/server/config"
	"github.com/mediagrab/mediagrab/server/internal/job"
	"github.com/mediagrab/mediagrab/server/internal/supervisor"
)

// Dispatcher caps the number of concurrently running Fetcher processes.
// Accepted jobs sit in the buffered queue as pending until a worker picks
// them up; new ones are admitted as running ones terminate.
type Dispatcher struct {
	concurrency int
	jobs        chan *job.Job
	sup         *supervisor.Supervisor
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewDispatcher(sup *supervisor.Supervisor) (*Dispatcher, error) {
	qs := config.Instance().Server.QueueSize
	if qs <= 0 {
		return nil, errors.New("invalid queue size")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		concurrency: qs,
		jobs:        make(chan *job.Job, qs*8),
		sup:         sup,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Publish enqueues an accepted job for acquisition.
func (d *Dispatcher) Publish(j *job.Job) {
	select {
	case d.jobs <- j:
		slog.Info("published acquisition", slog.String("id", j.Id))
	case <-d.ctx.Done():
		slog.Warn("dispatcher stopped, dropping job", slog.String("id", j.Id))
	}
}

// SetupConsumers starts the worker pool.
func (d *Dispatcher) SetupConsumers() {
	for i := 0; i < d.concurrency; i++ {
		go d.worker(i)
	}
}

func (d *Dispatcher) worker(workerId int) {
	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-d.jobs:
			if j == nil {
				continue
			}

			slog.Info("acquisition worker started",
				slog.Int("worker", workerId),
				slog.String("id", j.Id),
			)

			// outcome bookkeeping lives on the job row
			d.sup.Acquire(d.ctx, j)
		}
	}
}

func (d *Dispatcher) Stop() {
	d.cancel()
}
