// Package modelstore persists trained models as versioned JSON artifacts in a
// blob store, with a catalog tracking the versions of each model name.
package modelstore

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/boostserve/internal/booster"
	"github.com/JakeFAU/boostserve/internal/features"
	"github.com/JakeFAU/boostserve/internal/normalize"
	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// Latest selects the highest stored version of a model name.
const Latest = 0

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Artifact is a trained model together with everything needed to serve it.
// Vectorizer is nil for models trained on tabular data.
type Artifact struct {
	Name       string                    `json:"name"`
	Version    int                       `json:"version"`
	TrainedAt  time.Time                 `json:"trained_at"`
	Config     pipeline.FeatureConfig    `json:"config"`
	Source     pipeline.SourceDescriptor `json:"source"`
	Columns    []string                  `json:"columns"`
	Vectorizer *features.Vectorizer      `json:"vectorizer,omitempty"`
	Model      *booster.Model            `json:"model"`
	Checksum   string                    `json:"checksum"`
}

// Tag renders the artifact identifier as name:version.
func (a Artifact) Tag() string {
	return Tag(a.Name, a.Version)
}

// TextModel reports whether the artifact accepts raw text.
func (a Artifact) TextModel() bool {
	return a.Vectorizer != nil
}

// Predict returns two-class probabilities for numeric rows.
func (a Artifact) Predict(rows [][]float64) ([][2]float64, error) {
	if a.Model == nil {
		return nil, fmt.Errorf("artifact %s has no model", a.Tag())
	}
	probs, err := a.Model.PredictProba(rows)
	if errors.Is(err, booster.ErrWidthMismatch) {
		return nil, &pipeline.ValidationError{Field: "rows", Value: fmt.Sprint(len(rows)), Reason: err.Error()}
	}
	if err != nil {
		return nil, fmt.Errorf("predict %s: %w", a.Tag(), err)
	}
	return probs, nil
}

// PredictText cleans and vectorizes texts with the frozen vocabulary and
// returns two-class probabilities.
func (a Artifact) PredictText(texts []string) ([][2]float64, error) {
	if a.Vectorizer == nil {
		return nil, &pipeline.ValidationError{Field: "texts", Value: a.Tag(), Reason: "model was trained on tabular data"}
	}
	rows := make([][]float64, len(texts))
	for i, text := range texts {
		rows[i] = a.Vectorizer.Transform(normalize.Clean(text))
	}
	return a.Predict(rows)
}

// Tag formats a model identifier.
func Tag(name string, version int) string {
	return name + ":" + strconv.Itoa(version)
}

// ParseTag splits an identifier of the form name, name:latest or name:N.
// The returned version is Latest when no explicit version was given.
func ParseTag(identifier string) (string, int, error) {
	identifier = strings.TrimSpace(identifier)
	name, ver, hasVersion := strings.Cut(identifier, ":")
	if err := ValidateName(name); err != nil {
		return "", 0, err
	}
	if !hasVersion || ver == "latest" {
		return name, Latest, nil
	}
	n, err := strconv.Atoi(ver)
	if err != nil || n <= 0 {
		return "", 0, &pipeline.ValidationError{Field: "model_tag", Value: identifier, Reason: "version must be a positive integer or latest"}
	}
	return name, n, nil
}

// ValidateName checks that a model name is safe to use as a path segment.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return &pipeline.ValidationError{Field: "model_name", Value: name, Reason: "must match " + validName.String()}
	}
	return nil
}
