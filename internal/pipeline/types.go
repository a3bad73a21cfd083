package pipeline

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SourceKind names where training data comes from.
type SourceKind string

// Supported source kinds. The string values double as the data_source
// setting in project configuration.
const (
	SourceDefault SourceKind = "default"
	SourceArchive SourceKind = "github"
	SourcePage    SourceKind = "web"
	SourceCrawl   SourceKind = "crawl"
)

// DefaultMaxPages is the crawl budget used when a project does not set one.
const DefaultMaxPages = 10

// SourceDescriptor identifies a training data source. Build it with one of the
// constructors; the zero value is not valid.
type SourceDescriptor struct {
	Kind     SourceKind `json:"kind" yaml:"kind"`
	URL      string     `json:"url,omitempty" yaml:"url,omitempty"`
	MaxPages int        `json:"max_pages,omitempty" yaml:"max_pages,omitempty"`
}

// DefaultSource selects the built-in tabular dataset.
func DefaultSource() SourceDescriptor {
	return SourceDescriptor{Kind: SourceDefault}
}

// ArchiveSource selects a downloadable ZIP archive of source files.
func ArchiveSource(rawURL string) SourceDescriptor {
	return SourceDescriptor{Kind: SourceArchive, URL: rawURL}
}

// PageSource selects a single web page.
func PageSource(rawURL string) SourceDescriptor {
	return SourceDescriptor{Kind: SourcePage, URL: rawURL}
}

// CrawlSource selects a same-origin crawl starting at rawURL.
func CrawlSource(rawURL string, maxPages int) SourceDescriptor {
	return SourceDescriptor{Kind: SourceCrawl, URL: rawURL, MaxPages: maxPages}
}

// ParseSource builds a descriptor from configuration values and validates it.
// An empty kind means the default dataset; a non-positive maxPages for a crawl
// falls back to DefaultMaxPages.
func ParseSource(kind string, rawURL string, maxPages int) (SourceDescriptor, error) {
	var desc SourceDescriptor
	switch SourceKind(strings.ToLower(strings.TrimSpace(kind))) {
	case "", SourceDefault:
		desc = DefaultSource()
	case SourceArchive:
		desc = ArchiveSource(rawURL)
	case SourcePage:
		desc = PageSource(rawURL)
	case SourceCrawl:
		if maxPages <= 0 {
			maxPages = DefaultMaxPages
		}
		desc = CrawlSource(rawURL, maxPages)
	default:
		return SourceDescriptor{}, &ValidationError{Field: "data_source", Value: kind, Reason: "must be one of default, github, web, crawl"}
	}
	if err := desc.Validate(); err != nil {
		return SourceDescriptor{}, err
	}
	return desc, nil
}

// Validate checks that the descriptor is usable before any network access.
func (d SourceDescriptor) Validate() error {
	switch d.Kind {
	case SourceDefault:
		return nil
	case SourceArchive, SourcePage, SourceCrawl:
	default:
		return &ValidationError{Field: "data_source", Value: string(d.Kind), Reason: "unknown source kind"}
	}
	if strings.TrimSpace(d.URL) == "" {
		return &ValidationError{Field: "source_url", Value: d.URL, Reason: fmt.Sprintf("required for %s sources", d.Kind)}
	}
	u, err := url.Parse(d.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "source_url", Value: d.URL, Reason: "must be an absolute http(s) URL"}
	}
	if d.Kind == SourceCrawl && d.MaxPages <= 0 {
		return &ValidationError{Field: "max_pages", Value: fmt.Sprint(d.MaxPages), Reason: "must be > 0"}
	}
	return nil
}

func (d SourceDescriptor) String() string {
	switch d.Kind {
	case SourceDefault:
		return string(SourceDefault)
	case SourceCrawl:
		return fmt.Sprintf("%s(%s, %d)", d.Kind, d.URL, d.MaxPages)
	default:
		return fmt.Sprintf("%s(%s)", d.Kind, d.URL)
	}
}

// LabelHint is an optional per-entry label suggestion from the source.
type LabelHint int

// HintUnknown marks entries without a label suggestion.
const HintUnknown LabelHint = -1

// RawEntry is one unstructured text unit: an archive file or a fetched page.
type RawEntry struct {
	ID   string
	Text string
	Hint LabelHint
}

// Table is labeled numeric data with a fixed column schema.
type Table struct {
	Columns []string    `json:"columns"`
	Rows    [][]float64 `json:"rows"`
	Labels  []int       `json:"labels"`
}

// RawContent is what a source fetch produces. Exactly one of Table and Entries
// is populated.
type RawContent struct {
	Table   *Table
	Entries []RawEntry
}

// Document is a cleaned, labeled text unit.
type Document struct {
	ID    string
	Text  string
	Label int
}

// Corpus is normalized training input: either a passthrough table or labeled
// documents.
type Corpus struct {
	Table     *Table
	Documents []Document
}

// FeatureConfig holds the per-training knobs shared by extraction and fitting.
type FeatureConfig struct {
	MaxFeatures   int     `json:"max_features" yaml:"max_features"`
	PositiveRatio float64 `json:"positive_ratio" yaml:"positive_ratio"`
	MaxDepth      int     `json:"max_depth" yaml:"max_depth"`
	Eta           float64 `json:"eta" yaml:"eta"`
	Rounds        int     `json:"rounds" yaml:"rounds"`
}

// DefaultFeatureConfig returns the parameters of the built-in default project.
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		MaxFeatures:   1000,
		PositiveRatio: 0.5,
		MaxDepth:      3,
		Eta:           0.3,
		Rounds:        10,
	}
}

// Validate rejects out-of-range values. Nothing is clamped.
func (c FeatureConfig) Validate() error {
	switch {
	case c.MaxFeatures <= 0:
		return &ValidationError{Field: "max_features", Value: fmt.Sprint(c.MaxFeatures), Reason: "must be > 0"}
	case c.PositiveRatio < 0 || c.PositiveRatio > 1:
		return &ValidationError{Field: "positive_ratio", Value: fmt.Sprint(c.PositiveRatio), Reason: "must be within [0, 1]"}
	case c.MaxDepth <= 0:
		return &ValidationError{Field: "max_depth", Value: fmt.Sprint(c.MaxDepth), Reason: "must be > 0"}
	case c.Eta <= 0 || c.Eta > 1:
		return &ValidationError{Field: "eta", Value: fmt.Sprint(c.Eta), Reason: "must be within (0, 1]"}
	case c.Rounds <= 0:
		return &ValidationError{Field: "rounds", Value: fmt.Sprint(c.Rounds), Reason: "must be > 0"}
	}
	return nil
}

// TrainRequest asks for a training run. Project selects the stored parameters
// (empty means the current project); the pointer fields override them.
type TrainRequest struct {
	Project       string   `json:"project,omitempty"`
	DataSource    *string  `json:"data_source,omitempty"`
	SourceURL     *string  `json:"source_url,omitempty"`
	MaxPages      *int     `json:"max_pages,omitempty"`
	ModelName     *string  `json:"model_name,omitempty"`
	MaxDepth      *int     `json:"max_depth,omitempty"`
	Eta           *float64 `json:"eta,omitempty"`
	MaxFeatures   *int     `json:"max_features,omitempty"`
	PositiveRatio *float64 `json:"positive_ratio,omitempty"`
	Rounds        *int     `json:"rounds,omitempty"`
	Load          bool     `json:"load"`
	SaveToConfig  bool     `json:"save_to_config"`
}

// JobStatus represents the lifecycle state of a training job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// Job is the metadata persisted for each asynchronous training request.
type Job struct {
	ID        string       `json:"id"`
	Status    JobStatus    `json:"status"`
	Submitted time.Time    `json:"submitted_at"`
	Started   *time.Time   `json:"started_at,omitempty"`
	Finished  *time.Time   `json:"finished_at,omitempty"`
	ErrorKind string       `json:"error_kind,omitempty"`
	ErrorText string       `json:"error_text,omitempty"`
	ModelTag  string       `json:"model_tag,omitempty"`
	Request   TrainRequest `json:"request"`
}

// JobUpdate carries the fields written on a status transition.
type JobUpdate struct {
	Status    JobStatus
	ErrorKind string
	ErrorText string
	ModelTag  string
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Request   TrainRequest
	Submitted int64
}

// FetchResponse is the result of fetching a single URL.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Links      []string
	Duration   time.Duration
}
