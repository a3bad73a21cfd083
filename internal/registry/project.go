package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/boostserve/internal/modelstore"
	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// DefaultProjectName names the project seeded when no registry file exists.
const DefaultProjectName = "default"

var validProjectName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Parameters are the training knobs of a project. Nil model parameters fall
// back to pipeline.DefaultFeatureConfig; an explicit zero is kept and rejected
// by validation.
type Parameters struct {
	MaxDepth      *int     `yaml:"max_depth,omitempty" json:"max_depth,omitempty"`
	Eta           *float64 `yaml:"eta,omitempty" json:"eta,omitempty"`
	MaxFeatures   *int     `yaml:"max_features,omitempty" json:"max_features,omitempty"`
	PositiveRatio *float64 `yaml:"positive_ratio,omitempty" json:"positive_ratio,omitempty"`
	MaxPages      int      `yaml:"max_pages,omitempty" json:"max_pages,omitempty"`
	Rounds        int      `yaml:"rounds,omitempty" json:"rounds,omitempty"`
}

// Project is a named bundle of data source and training parameters.
type Project struct {
	Name        string     `yaml:"-" json:"name"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	ModelName   string     `yaml:"model_name" json:"model_name"`
	DataSource  string     `yaml:"data_source" json:"data_source"`
	SourceURL   string     `yaml:"source_url,omitempty" json:"source_url,omitempty"`
	Parameters  Parameters `yaml:"parameters" json:"parameters"`
}

// DefaultProject returns the built-in project trained on the bundled dataset.
func DefaultProject() Project {
	d := pipeline.DefaultFeatureConfig()
	return Project{
		Name:        DefaultProjectName,
		Description: "Default project",
		ModelName:   "cancer",
		DataSource:  string(pipeline.SourceDefault),
		Parameters: Parameters{
			MaxDepth:      ptr(d.MaxDepth),
			Eta:           ptr(d.Eta),
			MaxFeatures:   ptr(d.MaxFeatures),
			PositiveRatio: ptr(d.PositiveRatio),
		},
	}
}

// FeatureConfig resolves the training parameters with defaults applied.
func (p Project) FeatureConfig() pipeline.FeatureConfig {
	cfg := pipeline.DefaultFeatureConfig()
	if p.Parameters.MaxDepth != nil {
		cfg.MaxDepth = *p.Parameters.MaxDepth
	}
	if p.Parameters.Eta != nil {
		cfg.Eta = *p.Parameters.Eta
	}
	if p.Parameters.MaxFeatures != nil {
		cfg.MaxFeatures = *p.Parameters.MaxFeatures
	}
	if p.Parameters.PositiveRatio != nil {
		cfg.PositiveRatio = *p.Parameters.PositiveRatio
	}
	if p.Parameters.Rounds != 0 {
		cfg.Rounds = p.Parameters.Rounds
	}
	return cfg
}

// Source builds the project's source descriptor.
func (p Project) Source() (pipeline.SourceDescriptor, error) {
	return pipeline.ParseSource(p.DataSource, p.SourceURL, p.Parameters.MaxPages)
}

// Validate checks the project can be trained as configured.
func (p Project) Validate() error {
	if !validProjectName.MatchString(p.Name) {
		return &pipeline.ValidationError{Field: "name", Value: p.Name, Reason: "must match " + validProjectName.String()}
	}
	if err := modelstore.ValidateName(p.ModelName); err != nil {
		return err
	}
	if _, err := p.Source(); err != nil {
		return err
	}
	if p.Parameters.MaxPages < 0 {
		return &pipeline.ValidationError{Field: "max_pages", Value: fmt.Sprint(p.Parameters.MaxPages), Reason: "must be > 0"}
	}
	return p.FeatureConfig().Validate()
}

// withOverrides returns a copy of p with the request's non-nil fields applied.
func (p Project) withOverrides(req pipeline.TrainRequest) Project {
	out := p.clone()
	if req.DataSource != nil {
		out.DataSource = strings.TrimSpace(*req.DataSource)
		if out.DataSource == string(pipeline.SourceDefault) {
			out.SourceURL = ""
		}
	}
	if req.SourceURL != nil {
		out.SourceURL = strings.TrimSpace(*req.SourceURL)
	}
	if req.MaxPages != nil {
		out.Parameters.MaxPages = *req.MaxPages
	}
	if req.ModelName != nil {
		out.ModelName = strings.TrimSpace(*req.ModelName)
	}
	if req.MaxDepth != nil {
		out.Parameters.MaxDepth = ptr(*req.MaxDepth)
	}
	if req.Eta != nil {
		out.Parameters.Eta = ptr(*req.Eta)
	}
	if req.MaxFeatures != nil {
		out.Parameters.MaxFeatures = ptr(*req.MaxFeatures)
	}
	if req.PositiveRatio != nil {
		out.Parameters.PositiveRatio = ptr(*req.PositiveRatio)
	}
	if req.Rounds != nil {
		out.Parameters.Rounds = *req.Rounds
	}
	return out
}

// withFallbacks fills an unset crawl budget and round count.
func (p Project) withFallbacks(maxPages, rounds int) Project {
	out := p.clone()
	if out.Parameters.MaxPages == 0 && maxPages > 0 {
		out.Parameters.MaxPages = maxPages
	}
	if out.Parameters.Rounds == 0 && rounds > 0 {
		out.Parameters.Rounds = rounds
	}
	return out
}

// resolved pins every parameter to its effective value so that a project
// saved back after training does not depend on future default changes.
func (p Project) resolved() Project {
	out := p.clone()
	cfg := p.FeatureConfig()
	out.Parameters = Parameters{
		MaxDepth:      ptr(cfg.MaxDepth),
		Eta:           ptr(cfg.Eta),
		MaxFeatures:   ptr(cfg.MaxFeatures),
		PositiveRatio: ptr(cfg.PositiveRatio),
		Rounds:        cfg.Rounds,
	}
	if src, err := p.Source(); err == nil {
		out.DataSource = string(src.Kind)
		out.SourceURL = src.URL
		out.Parameters.MaxPages = src.MaxPages
	}
	return out
}

func (p Project) clone() Project {
	out := p
	out.Parameters.MaxDepth = clonePtr(p.Parameters.MaxDepth)
	out.Parameters.Eta = clonePtr(p.Parameters.Eta)
	out.Parameters.MaxFeatures = clonePtr(p.Parameters.MaxFeatures)
	out.Parameters.PositiveRatio = clonePtr(p.Parameters.PositiveRatio)
	return out
}

func ptr[T any](v T) *T { return &v }

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	return ptr(*v)
}
