package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

type registryFile struct {
	DefaultProject string             `yaml:"default_project,omitempty"`
	Projects       map[string]Project `yaml:"projects"`
}

func (f registryFile) clone() registryFile {
	out := registryFile{DefaultProject: f.DefaultProject, Projects: make(map[string]Project, len(f.Projects))}
	for name, p := range f.Projects {
		out.Projects[name] = p.clone()
	}
	return out
}

// ProjectStore holds the project definitions, persisted as a YAML file.
// Every mutation is applied to a copy, written to disk, and only then made
// visible, so a failed write leaves both the file and memory unchanged.
type ProjectStore struct {
	mu     sync.RWMutex
	path   string
	state  registryFile
	logger *zap.Logger
}

// OpenProjectStore loads path. A missing file (or an empty path) yields the
// built-in default project; nothing is written until the first mutation.
func OpenProjectStore(path string, logger *zap.Logger) (*ProjectStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ProjectStore{path: path, logger: logger.Named("projects")}
	state, err := s.read()
	if err != nil {
		return nil, err
	}
	s.state = state
	return s, nil
}

func seedState() registryFile {
	def := DefaultProject()
	return registryFile{
		DefaultProject: def.Name,
		Projects:       map[string]Project{def.Name: def},
	}
}

func (s *ProjectStore) read() (registryFile, error) {
	if s.path == "" {
		return seedState(), nil
	}
	// #nosec G304 -- the registry path comes from operator configuration.
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("project registry file not found; using default project", zap.String("path", s.path))
		return seedState(), nil
	}
	if err != nil {
		return registryFile{}, fmt.Errorf("read project registry: %w", err)
	}
	var state registryFile
	if err := yaml.Unmarshal(data, &state); err != nil {
		return registryFile{}, fmt.Errorf("parse project registry %s: %w", s.path, err)
	}
	if len(state.Projects) == 0 {
		return registryFile{}, fmt.Errorf("project registry %s defines no projects", s.path)
	}
	for name, p := range state.Projects {
		p.Name = name
		state.Projects[name] = p
	}
	s.logger.Info("loaded project registry", zap.String("path", s.path), zap.Int("projects", len(state.Projects)))
	return state, nil
}

// write persists state with a temp file and rename.
func (s *ProjectStore) write(state registryFile) error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal project registry: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".projects-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace project registry: %w", err)
	}
	return nil
}

// mutate applies fn to a copy of the state and commits it after a
// successful write.
func (s *ProjectStore) mutate(fn func(*registryFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// List returns all projects sorted by name.
func (s *ProjectStore) List() []Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Project, 0, len(s.state.Projects))
	for _, p := range s.state.Projects {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the named project.
func (s *ProjectStore) Get(name string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.Projects[name]
	if !ok {
		return Project{}, &pipeline.NotFoundError{Name: name}
	}
	return p.clone(), nil
}

// Create adds a new project.
func (s *ProjectStore) Create(p Project) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.mutate(func(state *registryFile) error {
		if _, exists := state.Projects[p.Name]; exists {
			return &pipeline.DuplicateNameError{Name: p.Name}
		}
		state.Projects[p.Name] = p.clone()
		return nil
	})
}

// Update replaces an existing project definition.
func (s *ProjectStore) Update(name string, p Project) error {
	p.Name = name
	if err := p.Validate(); err != nil {
		return err
	}
	return s.mutate(func(state *registryFile) error {
		if _, exists := state.Projects[name]; !exists {
			return &pipeline.NotFoundError{Name: name}
		}
		state.Projects[name] = p.clone()
		return nil
	})
}

// Modify rewrites an existing project from its current stored definition
// under the store lock.
func (s *ProjectStore) Modify(name string, fn func(Project) Project) error {
	return s.mutate(func(state *registryFile) error {
		cur, exists := state.Projects[name]
		if !exists {
			return &pipeline.NotFoundError{Name: name}
		}
		next := fn(cur.clone())
		next.Name = name
		if err := next.Validate(); err != nil {
			return err
		}
		state.Projects[name] = next
		return nil
	})
}

// Delete removes a project. The last remaining project cannot be removed;
// removing the default project clears the default marker.
func (s *ProjectStore) Delete(name string) error {
	return s.mutate(func(state *registryFile) error {
		if _, exists := state.Projects[name]; !exists {
			return &pipeline.NotFoundError{Name: name}
		}
		if len(state.Projects) <= 1 {
			return &pipeline.ValidationError{Field: "project", Value: name, Reason: "cannot remove the last project"}
		}
		delete(state.Projects, name)
		if state.DefaultProject == name {
			state.DefaultProject = ""
		}
		return nil
	})
}

// ResolveDefault returns the project marked as default.
func (s *ProjectStore) ResolveDefault() (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.Projects[s.state.DefaultProject]
	if s.state.DefaultProject == "" || !ok {
		return Project{}, &pipeline.NoDefaultError{}
	}
	return p.clone(), nil
}

// SetDefault marks name as the default project.
func (s *ProjectStore) SetDefault(name string) error {
	return s.mutate(func(state *registryFile) error {
		if _, exists := state.Projects[name]; !exists {
			return &pipeline.NotFoundError{Name: name}
		}
		state.DefaultProject = name
		return nil
	})
}
