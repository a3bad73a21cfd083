// Package train runs the training pipeline: fetch a source, normalize and
// label it, extract features, fit the booster and store the artifact.
package train

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/boostserve/internal/booster"
	"github.com/JakeFAU/boostserve/internal/features"
	"github.com/JakeFAU/boostserve/internal/metrics"
	"github.com/JakeFAU/boostserve/internal/modelstore"
	"github.com/JakeFAU/boostserve/internal/normalize"
	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// EventModelTrained is published after an artifact is stored.
const EventModelTrained = "model.trained"

// SourceFetcher produces raw content for a descriptor.
type SourceFetcher interface {
	Fetch(ctx context.Context, desc pipeline.SourceDescriptor) (pipeline.RawContent, error)
}

// Fitter trains a model on a feature matrix.
type Fitter interface {
	Fit(ctx context.Context, rows [][]float64, labels []int, params booster.Params) (*booster.Model, error)
}

// ArtifactStore persists trained artifacts.
type ArtifactStore interface {
	Save(ctx context.Context, name string, a modelstore.Artifact) (modelstore.Artifact, error)
}

// Event is the payload of EventModelTrained.
type Event struct {
	Model     string                    `json:"model"`
	Source    pipeline.SourceDescriptor `json:"source"`
	Config    pipeline.FeatureConfig    `json:"config"`
	Rows      int                       `json:"rows"`
	Features  int                       `json:"features"`
	TrainedAt time.Time                 `json:"trained_at"`
	Duration  time.Duration             `json:"duration_ns"`
}

// Orchestrator chains the pipeline stages. It never activates a model.
type Orchestrator struct {
	sources   SourceFetcher
	trainer   Fitter
	store     ArtifactStore
	publisher pipeline.Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New builds an Orchestrator. publisher may be nil.
func New(sources SourceFetcher, trainer Fitter, store ArtifactStore, publisher pipeline.Publisher, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		sources:   sources,
		trainer:   trainer,
		store:     store,
		publisher: publisher,
		logger:    logger.Named("train"),
		tracer:    otel.Tracer("github.com/JakeFAU/boostserve/internal/train"),
	}
}

// Train runs one training and stores the result as a new version of name.
// Configuration and descriptor are validated before any fetch. Stage errors
// are returned unchanged.
func (o *Orchestrator) Train(
	ctx context.Context,
	cfg pipeline.FeatureConfig,
	desc pipeline.SourceDescriptor,
	name string,
) (modelstore.Artifact, error) {
	if err := cfg.Validate(); err != nil {
		return modelstore.Artifact{}, err
	}
	if err := desc.Validate(); err != nil {
		return modelstore.Artifact{}, err
	}
	if err := modelstore.ValidateName(name); err != nil {
		return modelstore.Artifact{}, err
	}

	ctx, span := o.tracer.Start(ctx, "train",
		trace.WithAttributes(
			attribute.String("model", name),
			attribute.String("source", string(desc.Kind)),
		),
	)
	defer span.End()

	start := time.Now()
	artifact, rows, err := o.run(ctx, cfg, desc, name)
	elapsed := time.Since(start)
	if err != nil {
		kind := pipeline.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		metrics.ObserveTraining(string(desc.Kind), kind, elapsed)
		o.logger.Warn("training failed",
			zap.String("model", name),
			zap.Stringer("source", desc),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return modelstore.Artifact{}, err
	}
	metrics.ObserveTraining(string(desc.Kind), "success", elapsed)
	o.logger.Info("training complete",
		zap.String("model", artifact.Tag()),
		zap.Stringer("source", desc),
		zap.Int("rows", rows),
		zap.Int("features", len(artifact.Columns)),
		zap.Duration("elapsed", elapsed),
	)
	o.publish(ctx, Event{
		Model:     artifact.Tag(),
		Source:    desc,
		Config:    cfg,
		Rows:      rows,
		Features:  len(artifact.Columns),
		TrainedAt: artifact.TrainedAt,
		Duration:  elapsed,
	})
	return artifact, nil
}

func (o *Orchestrator) run(
	ctx context.Context,
	cfg pipeline.FeatureConfig,
	desc pipeline.SourceDescriptor,
	name string,
) (modelstore.Artifact, int, error) {
	var raw pipeline.RawContent
	err := o.stage(ctx, "fetch", func(ctx context.Context) error {
		var err error
		raw, err = o.sources.Fetch(ctx, desc)
		return err
	})
	if err != nil {
		return modelstore.Artifact{}, 0, err
	}

	corpus, err := normalize.Normalize(raw, cfg.PositiveRatio)
	if err != nil {
		return modelstore.Artifact{}, 0, err
	}

	matrix, vec, err := features.Extract(corpus, cfg.MaxFeatures)
	if err != nil {
		return modelstore.Artifact{}, 0, err
	}

	var model *booster.Model
	err = o.stage(ctx, "fit", func(ctx context.Context) error {
		var err error
		model, err = o.trainer.Fit(ctx, matrix.Rows, matrix.Labels, booster.Params{
			MaxDepth: cfg.MaxDepth,
			Eta:      cfg.Eta,
			Rounds:   cfg.Rounds,
		})
		return err
	})
	if err != nil {
		return modelstore.Artifact{}, 0, err
	}

	var saved modelstore.Artifact
	err = o.stage(ctx, "save", func(ctx context.Context) error {
		var err error
		saved, err = o.store.Save(ctx, name, modelstore.Artifact{
			Config:     cfg,
			Source:     desc,
			Columns:    matrix.Columns,
			Vectorizer: vec,
			Model:      model,
		})
		return err
	})
	if err != nil {
		return modelstore.Artifact{}, 0, err
	}
	return saved, len(matrix.Rows), nil
}

func (o *Orchestrator) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, event Event) {
	if o.publisher == nil {
		return
	}
	if _, err := o.publisher.Publish(ctx, EventModelTrained, event); err != nil {
		o.logger.Warn("publish event failed",
			zap.String("event", EventModelTrained),
			zap.String("model", event.Model),
			zap.Error(err),
		)
	}
}
