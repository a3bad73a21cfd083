// Package registry owns the project definitions, the current project and the
// active model slot, and composes them with training.
package registry

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/boostserve/internal/metrics"
	"github.com/JakeFAU/boostserve/internal/modelstore"
	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// Trainer runs a training pipeline.
type Trainer interface {
	Train(ctx context.Context, cfg pipeline.FeatureConfig, desc pipeline.SourceDescriptor, name string) (modelstore.Artifact, error)
}

// ModelStore loads and lists stored artifacts.
type ModelStore interface {
	Load(ctx context.Context, name string, version int) (modelstore.Artifact, error)
	List(ctx context.Context) ([]modelstore.Entry, error)
}

// Config selects the startup project and the fallbacks for unset parameters.
type Config struct {
	// Project overrides the default project when it names an existing one.
	Project string
	// DefaultMaxPages and DefaultRounds fill projects that leave them unset.
	DefaultMaxPages int
	DefaultRounds   int
}

// ProjectInfo is a project with its current-project flag.
type ProjectInfo struct {
	Project
	IsCurrent bool `json:"is_current"`
	IsDefault bool `json:"is_default"`
}

// ModelInfo describes the active model.
type ModelInfo struct {
	Tag       string                    `json:"model_tag"`
	Name      string                    `json:"model_name"`
	Version   int                       `json:"model_version"`
	Project   string                    `json:"project"`
	TextModel bool                      `json:"text_model"`
	Features  int                       `json:"features"`
	Source    pipeline.SourceDescriptor `json:"source"`
	Config    pipeline.FeatureConfig    `json:"config"`
}

// Prediction is the result of one predict call and names the artifact that
// produced it.
type Prediction struct {
	Model         string       `json:"model_tag"`
	Probabilities [][2]float64 `json:"probabilities"`
}

// TrainResult describes a finished training.
type TrainResult struct {
	Model       string `json:"model_tag"`
	Project     string `json:"project"`
	Loaded      bool   `json:"loaded"`
	ConfigSaved bool   `json:"config_saved"`
	ConfigError string `json:"config_error,omitempty"`
}

// Registry coordinates projects, the model store and the active slot.
type Registry struct {
	projects *ProjectStore
	models   ModelStore
	trainer  Trainer
	active   ActiveModel
	cfg      Config
	logger   *zap.Logger

	mu      sync.RWMutex
	current string

	// beforePredict runs after the snapshot is taken; tests use it to hold a
	// prediction open across a switch.
	beforePredict func()
}

// New builds a Registry and selects the current project: cfg.Project when
// it exists, else the default project, else the first project by name.
func New(projects *ProjectStore, models ModelStore, trainer Trainer, cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		projects: projects,
		models:   models,
		trainer:  trainer,
		cfg:      cfg,
		logger:   logger.Named("registry"),
	}
	r.current = r.pickStartupProject(cfg.Project)
	return r
}

func (r *Registry) pickStartupProject(requested string) string {
	if requested != "" {
		if _, err := r.projects.Get(requested); err == nil {
			r.logger.Info("using configured project", zap.String("project", requested))
			return requested
		}
		r.logger.Warn("configured project not found", zap.String("project", requested))
	}
	if def, err := r.projects.ResolveDefault(); err == nil {
		return def.Name
	}
	all := r.projects.List()
	if len(all) == 0 {
		return ""
	}
	r.logger.Warn("default project not found; using first project", zap.String("project", all[0].Name))
	return all[0].Name
}

// LoadInitial activates the latest model of the current project, or tag when
// non-empty. A missing model leaves the slot empty and is not an error.
func (r *Registry) LoadInitial(ctx context.Context, tag string) error {
	if tag == "" {
		p, err := r.CurrentProject()
		if err != nil {
			return err
		}
		tag = p.ModelName + ":latest"
	}
	_, err := r.SwitchModel(ctx, tag)
	if pipeline.Classify(err) == "model_not_found" {
		r.logger.Warn("no stored model to serve yet", zap.String("model", tag))
		return nil
	}
	return err
}

// Active returns the serving artifact or NoActiveModelError.
func (r *Registry) Active() (*modelstore.Artifact, error) {
	a := r.active.Snapshot()
	if a == nil {
		return nil, &pipeline.NoActiveModelError{}
	}
	return a, nil
}

// CurrentModel describes the serving artifact.
func (r *Registry) CurrentModel() (ModelInfo, error) {
	a, err := r.Active()
	if err != nil {
		return ModelInfo{}, err
	}
	r.mu.RLock()
	project := r.current
	r.mu.RUnlock()
	return ModelInfo{
		Tag:       a.Tag(),
		Name:      a.Name,
		Version:   a.Version,
		Project:   project,
		TextModel: a.TextModel(),
		Features:  len(a.Columns),
		Source:    a.Source,
		Config:    a.Config,
	}, nil
}

// Predict scores numeric rows against one snapshot of the active model.
func (r *Registry) Predict(rows [][]float64) (Prediction, error) {
	return r.predict(func(a *modelstore.Artifact) ([][2]float64, error) { return a.Predict(rows) }, len(rows))
}

// PredictText scores raw texts; the active model must be text-trained.
func (r *Registry) PredictText(texts []string) (Prediction, error) {
	return r.predict(func(a *modelstore.Artifact) ([][2]float64, error) { return a.PredictText(texts) }, len(texts))
}

func (r *Registry) predict(fn func(*modelstore.Artifact) ([][2]float64, error), n int) (Prediction, error) {
	a, err := r.Active()
	if err != nil {
		return Prediction{}, err
	}
	if r.beforePredict != nil {
		r.beforePredict()
	}
	probs, err := fn(a)
	if err != nil {
		return Prediction{}, err
	}
	metrics.ObservePredictions(a.Name, n)
	return Prediction{Model: a.Tag(), Probabilities: probs}, nil
}

// SwitchModel resolves identifier (name, name:latest or name:N) in the store
// and installs it. On failure the active model is unchanged.
func (r *Registry) SwitchModel(ctx context.Context, identifier string) (ModelInfo, error) {
	name, version, err := modelstore.ParseTag(identifier)
	if err != nil {
		return ModelInfo{}, err
	}
	r.active.mu.Lock()
	a, err := r.models.Load(ctx, name, version)
	if err != nil {
		r.active.mu.Unlock()
		return ModelInfo{}, err
	}
	r.install(&a)
	r.active.mu.Unlock()
	return r.CurrentModel()
}

// install swaps the slot. Callers hold active.mu.
func (r *Registry) install(a *modelstore.Artifact) {
	prev := r.active.swap(a)
	metrics.ObserveModelSwitch()
	fields := []zap.Field{zap.String("model", a.Tag())}
	if prev != nil {
		fields = append(fields, zap.String("previous", prev.Tag()))
	}
	r.logger.Info("active model switched", fields...)
}

// ListModels returns every stored artifact.
func (r *Registry) ListModels(ctx context.Context) ([]modelstore.Entry, error) {
	return r.models.List(ctx)
}

// CurrentProject returns the current project definition.
func (r *Registry) CurrentProject() (Project, error) {
	r.mu.RLock()
	name := r.current
	r.mu.RUnlock()
	if name == "" {
		return Project{}, &pipeline.NoDefaultError{}
	}
	return r.projects.Get(name)
}

// SwitchProject loads the latest model of the named project and, only once
// that succeeds, makes it the current project.
func (r *Registry) SwitchProject(ctx context.Context, name string) (ModelInfo, error) {
	p, err := r.projects.Get(name)
	if err != nil {
		return ModelInfo{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active.mu.Lock()
	a, err := r.models.Load(ctx, p.ModelName, modelstore.Latest)
	if err != nil {
		r.active.mu.Unlock()
		return ModelInfo{}, err
	}
	r.install(&a)
	r.current = name
	r.active.mu.Unlock()
	r.logger.Info("switched project", zap.String("project", name), zap.String("model", a.Tag()))
	return ModelInfo{
		Tag:       a.Tag(),
		Name:      a.Name,
		Version:   a.Version,
		Project:   name,
		TextModel: a.TextModel(),
		Features:  len(a.Columns),
		Source:    a.Source,
		Config:    a.Config,
	}, nil
}

// ListProjects returns every project with current/default flags.
func (r *Registry) ListProjects() []ProjectInfo {
	r.mu.RLock()
	current := r.current
	r.mu.RUnlock()
	def, _ := r.projects.ResolveDefault()
	all := r.projects.List()
	out := make([]ProjectInfo, 0, len(all))
	for _, p := range all {
		out = append(out, ProjectInfo{Project: p, IsCurrent: p.Name == current, IsDefault: p.Name == def.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetProject returns the named project.
func (r *Registry) GetProject(name string) (Project, error) {
	return r.projects.Get(name)
}

// CreateProject adds a project.
func (r *Registry) CreateProject(p Project) error {
	if err := r.projects.Create(p); err != nil {
		return err
	}
	r.logger.Info("project created", zap.String("project", p.Name))
	return nil
}

// UpdateProject replaces a project definition.
func (r *Registry) UpdateProject(name string, p Project) error {
	if err := r.projects.Update(name, p); err != nil {
		return err
	}
	r.logger.Info("project updated", zap.String("project", name))
	return nil
}

// DeleteProject removes a project. When the current project is removed the
// startup selection rules pick a new one; the active model is kept.
func (r *Registry) DeleteProject(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.projects.Delete(name); err != nil {
		return err
	}
	if r.current == name {
		r.current = r.pickStartupProject("")
	}
	r.logger.Info("project removed", zap.String("project", name), zap.String("current", r.current))
	return nil
}

// ResolveDefault returns the default project.
func (r *Registry) ResolveDefault() (Project, error) {
	return r.projects.ResolveDefault()
}

// SetDefault marks a project as default.
func (r *Registry) SetDefault(name string) error {
	return r.projects.SetDefault(name)
}

// TrainAndMaybeLoad resolves the request against its project, trains, and on
// success optionally activates the new artifact and saves the resolved
// parameters back to the project. Failures leave the active model untouched.
func (r *Registry) TrainAndMaybeLoad(ctx context.Context, req pipeline.TrainRequest) (TrainResult, error) {
	var (
		base Project
		err  error
	)
	if req.Project != "" {
		base, err = r.projects.Get(req.Project)
	} else {
		base, err = r.CurrentProject()
	}
	if err != nil {
		return TrainResult{}, err
	}
	p := base.withOverrides(req).withFallbacks(r.cfg.DefaultMaxPages, r.cfg.DefaultRounds)
	if err := modelstore.ValidateName(p.ModelName); err != nil {
		return TrainResult{}, err
	}
	desc, err := p.Source()
	if err != nil {
		return TrainResult{}, err
	}
	cfg := p.FeatureConfig()
	if err := cfg.Validate(); err != nil {
		return TrainResult{}, err
	}

	a, err := r.trainer.Train(ctx, cfg, desc, p.ModelName)
	if err != nil {
		return TrainResult{}, err
	}
	result := TrainResult{Model: a.Tag(), Project: p.Name}

	if req.Load {
		if err := ctx.Err(); err != nil {
			return TrainResult{}, err
		}
		r.active.mu.Lock()
		r.install(&a)
		r.active.mu.Unlock()
		result.Loaded = true
	}

	if req.SaveToConfig {
		err := r.projects.Modify(p.Name, func(cur Project) Project {
			return cur.withOverrides(req).withFallbacks(r.cfg.DefaultMaxPages, r.cfg.DefaultRounds).resolved()
		})
		if err != nil {
			r.logger.Warn("saving trained parameters failed",
				zap.String("project", p.Name),
				zap.Error(err),
			)
			result.ConfigError = err.Error()
		} else {
			result.ConfigSaved = true
		}
	}
	return result, nil
}
