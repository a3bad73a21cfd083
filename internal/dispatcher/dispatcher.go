// Package dispatcher accepts training jobs and fans queued work out to a pool
// of workers.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/boostserve/internal/pipeline"
	"github.com/JakeFAU/boostserve/internal/worker"
)

// Config controls submission behavior.
type Config struct {
	// EnqueueTimeout bounds how long Submit waits for queue space.
	EnqueueTimeout time.Duration
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   pipeline.Queue
	jobs    pipeline.JobStore
	ids     pipeline.IDGenerator
	clock   pipeline.Clock
	tracker *worker.Tracker
	workers []*worker.Worker
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher. The tracker must be the one shared with workers.
func New(
	queue pipeline.Queue,
	jobs pipeline.JobStore,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
	tracker *worker.Tracker,
	workers []*worker.Worker,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = time.Second
	}
	return &Dispatcher{
		queue:   queue,
		jobs:    jobs,
		ids:     ids,
		clock:   clock,
		tracker: tracker,
		workers: workers,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes and every
// in-flight job has recorded its outcome.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	return nil
}

// Submit records a queued job for req and enqueues it.
func (d *Dispatcher) Submit(ctx context.Context, req pipeline.TrainRequest) (pipeline.Job, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := pipeline.Job{
		ID:        id,
		Status:    pipeline.JobStatusQueued,
		Submitted: d.clock.Now(),
		Request:   req,
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return pipeline.Job{}, fmt.Errorf("create job: %w", err)
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, d.cfg.EnqueueTimeout)
	defer cancel()
	item := pipeline.QueueItem{JobID: id, Request: req, Submitted: job.Submitted.Unix()}
	if err := d.Enqueue(enqueueCtx, item); err != nil {
		d.tracker.Forget(id)
		reason := pipeline.ErrQueueFull
		if ctx.Err() != nil {
			reason = ctx.Err()
		}
		if uerr := d.jobs.UpdateJob(context.WithoutCancel(ctx), id, pipeline.JobUpdate{
			Status:    pipeline.JobStatusFailed,
			ErrorKind: pipeline.Classify(reason),
			ErrorText: err.Error(),
		}); uerr != nil {
			d.logger.Error("mark unqueued job failed", zap.String("job_id", id), zap.Error(uerr))
		}
		return pipeline.Job{}, fmt.Errorf("%w: %w", reason, err)
	}
	d.logger.Info("job queued", zap.String("job_id", id), zap.String("project", req.Project))
	return job, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item pipeline.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Job returns the stored job record.
func (d *Dispatcher) Job(ctx context.Context, jobID string) (pipeline.Job, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Cancel stops a job. Queued jobs are marked canceled immediately; running
// jobs have their context canceled and record the outcome themselves.
// Canceling a finished job is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (pipeline.Job, error) {
	job, err := d.Job(ctx, jobID)
	if err != nil {
		return pipeline.Job{}, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}
	running, err := d.tracker.Cancel(jobID, func() (bool, error) {
		// A job missing from the tracker has either not started or has
		// already written its final status.
		cur, err := d.jobs.GetJob(ctx, jobID)
		if err != nil {
			return false, err
		}
		if cur.Status.IsTerminal() {
			return false, nil
		}
		err = d.jobs.UpdateJob(ctx, jobID, pipeline.JobUpdate{
			Status:    pipeline.JobStatusCanceled,
			ErrorKind: "canceled",
			ErrorText: "canceled before start",
		})
		return err == nil, err
	})
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	d.logger.Info("job cancel requested", zap.String("job_id", jobID), zap.Bool("running", running))
	return d.Job(ctx, jobID)
}
