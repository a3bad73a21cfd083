package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/boostserve/internal/config"
	"github.com/JakeFAU/boostserve/internal/metrics"
	"github.com/JakeFAU/boostserve/internal/modelstore"
	"github.com/JakeFAU/boostserve/internal/pipeline"
	"github.com/JakeFAU/boostserve/internal/registry"
)

// maxBodyBytes caps request payloads.
const maxBodyBytes = 16 << 20

// Registry is the model and project surface the handlers drive.
type Registry interface {
	Predict(rows [][]float64) (registry.Prediction, error)
	PredictText(texts []string) (registry.Prediction, error)
	CurrentModel() (registry.ModelInfo, error)
	SwitchModel(ctx context.Context, identifier string) (registry.ModelInfo, error)
	ListModels(ctx context.Context) ([]modelstore.Entry, error)
	TrainAndMaybeLoad(ctx context.Context, req pipeline.TrainRequest) (registry.TrainResult, error)
	ListProjects() []registry.ProjectInfo
	GetProject(name string) (registry.Project, error)
	CreateProject(p registry.Project) error
	UpdateProject(name string, p registry.Project) error
	DeleteProject(name string) error
	CurrentProject() (registry.Project, error)
	SwitchProject(ctx context.Context, name string) (registry.ModelInfo, error)
	SetDefault(name string) error
}

// Jobs submits and tracks asynchronous training jobs.
type Jobs interface {
	Submit(ctx context.Context, req pipeline.TrainRequest) (pipeline.Job, error)
	Job(ctx context.Context, jobID string) (pipeline.Job, error)
	Cancel(ctx context.Context, jobID string) (pipeline.Job, error)
}

// Server wires HTTP handlers to the registry and the job dispatcher.
type Server struct {
	router   chi.Router
	registry Registry
	jobs     Jobs
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(reg Registry, jobs Jobs, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry: reg,
		jobs:     jobs,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}

		// Synchronous training runs as long as the pipeline needs.
		r.Post("/train", s.train)

		r.Group(func(r chi.Router) {
			if d := cfg.RequestTimeout(); d > 0 {
				r.Use(timeoutMiddleware(d))
			}
			r.Post("/predict", s.predict)
			r.Post("/predict/text", s.predictText)

			r.Route("/models", func(r chi.Router) {
				r.Get("/", s.listModels)
				r.Get("/current", s.currentModel)
				r.Post("/switch", s.switchModel)
			})

			r.Route("/jobs/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
			})

			r.Route("/projects", func(r chi.Router) {
				r.Get("/", s.listProjects)
				r.Post("/", s.createProject)
				r.Get("/current", s.currentProject)
				r.Post("/switch", s.switchProject)
				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", s.getProject)
					r.Put("/", s.updateProject)
					r.Delete("/", s.deleteProject)
					r.Post("/default", s.setDefaultProject)
				})
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the traced router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "boostserve",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports the active model. A missing model is not a readiness failure.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ready", "model_loaded": false}
	if info, err := s.registry.CurrentModel(); err == nil {
		resp["model_loaded"] = true
		resp["model_tag"] = info.Tag
		resp["project"] = info.Project
	}
	writeJSON(w, http.StatusOK, resp)
}
