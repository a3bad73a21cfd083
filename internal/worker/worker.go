// Package worker runs queued training jobs.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/boostserve/internal/metrics"
	"github.com/JakeFAU/boostserve/internal/pipeline"
	"github.com/JakeFAU/boostserve/internal/registry"
)

// Trainer executes one training request end to end.
type Trainer interface {
	TrainAndMaybeLoad(ctx context.Context, req pipeline.TrainRequest) (registry.TrainResult, error)
}

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds a single job; zero means no limit.
	JobTimeout time.Duration
}

// Worker consumes queue items and runs the training pipeline for each.
type Worker struct {
	queue    pipeline.Queue
	jobStore pipeline.JobStore
	trainer  Trainer
	tracker  *Tracker
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	queue pipeline.Queue,
	jobStore pipeline.JobStore,
	trainer Trainer,
	tracker *Tracker,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Worker{
		queue:    queue,
		jobStore: jobStore,
		trainer:  trainer,
		tracker:  tracker,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, pipeline.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item pipeline.QueueItem) {
	jobCtx, cancel := w.jobContext(ctx)
	defer cancel()
	if !w.tracker.Begin(item.JobID, cancel) {
		w.logger.Info("skipping job canceled while queued", zap.String("job_id", item.JobID))
		return
	}
	defer w.tracker.End(item.JobID)

	// Status writes must land even when the job context is gone.
	storeCtx := context.WithoutCancel(ctx)
	if err := w.jobStore.UpdateJob(storeCtx, item.JobID, pipeline.JobUpdate{Status: pipeline.JobStatusRunning}); err != nil {
		w.logger.Error("update job status failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}

	metrics.IncActiveWorkers()
	start := time.Now()
	result, err := w.trainer.TrainAndMaybeLoad(jobCtx, item.Request)
	metrics.DecActiveWorkers()

	update := w.deriveFinalStatus(ctx, jobCtx, result, err)
	if err := w.jobStore.UpdateJob(storeCtx, item.JobID, update); err != nil {
		w.logger.Error("final job status update failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.String("job_id", item.JobID),
		zap.String("status", string(update.Status)),
		zap.Duration("duration", time.Since(start)),
	}
	if update.ModelTag != "" {
		fields = append(fields, zap.String("model", update.ModelTag))
	}
	if update.ErrorText != "" {
		fields = append(fields, zap.String("error_kind", update.ErrorKind), zap.String("error", update.ErrorText))
	}
	w.logger.Info("job finished", fields...)
}

func (w *Worker) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.JobTimeout > 0 {
		return context.WithTimeout(ctx, w.cfg.JobTimeout)
	}
	return context.WithCancel(ctx)
}

func (w *Worker) deriveFinalStatus(
	parent context.Context,
	jobCtx context.Context,
	result registry.TrainResult,
	err error,
) pipeline.JobUpdate {
	switch {
	case err == nil:
		update := pipeline.JobUpdate{Status: pipeline.JobStatusSucceeded, ModelTag: result.Model}
		if result.ConfigError != "" {
			update.ErrorKind = "config_not_saved"
			update.ErrorText = result.ConfigError
		}
		return update
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		return pipeline.JobUpdate{
			Status:    pipeline.JobStatusFailed,
			ErrorKind: "timeout",
			ErrorText: "job exceeded " + w.cfg.JobTimeout.String(),
		}
	case errors.Is(jobCtx.Err(), context.Canceled):
		return pipeline.JobUpdate{
			Status:    pipeline.JobStatusCanceled,
			ErrorKind: "canceled",
			ErrorText: err.Error(),
		}
	default:
		return pipeline.JobUpdate{
			Status:    pipeline.JobStatusFailed,
			ErrorKind: pipeline.Classify(err),
			ErrorText: err.Error(),
		}
	}
}
