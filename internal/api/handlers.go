package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/boostserve/internal/pipeline"
	"github.com/JakeFAU/boostserve/internal/registry"
)

type predictRequest struct {
	Rows [][]float64 `json:"rows"`
}

type predictTextRequest struct {
	Texts []string `json:"texts"`
}

type switchModelRequest struct {
	ModelTag string `json:"model_tag"`
}

type switchProjectRequest struct {
	Project string `json:"project"`
}

type trainRequest struct {
	pipeline.TrainRequest
	Wait bool `json:"wait"`
}

type modelEntry struct {
	Tag       string    `json:"model_tag"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	URI       string    `json:"uri,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
	TrainedAt time.Time `json:"trained_at"`
}

func (s *Server) predict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if len(req.Rows) == 0 {
		s.writeDomainError(w, r, &pipeline.ValidationError{Field: "rows", Reason: "at least one row required"})
		return
	}
	pred, err := s.registry.Predict(req.Rows)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (s *Server) predictText(w http.ResponseWriter, r *http.Request) {
	var req predictTextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if len(req.Texts) == 0 {
		s.writeDomainError(w, r, &pipeline.ValidationError{Field: "texts", Reason: "at least one text required"})
		return
	}
	pred, err := s.registry.PredictText(req.Texts)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	entries, err := s.registry.ListModels(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]modelEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, modelEntry{
			Tag:       e.Tag(),
			Name:      e.Name,
			Version:   e.Version,
			URI:       e.URI,
			Checksum:  e.Checksum,
			TrainedAt: e.TrainedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (s *Server) currentModel(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.CurrentModel()
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) switchModel(w http.ResponseWriter, r *http.Request) {
	var req switchModelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	info, err := s.registry.SwitchModel(r.Context(), req.ModelTag)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// train runs inline when wait is set in the body or query, otherwise it
// queues a job and answers 202.
func (s *Server) train(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeDomainError(w, r, &pipeline.ValidationError{Field: "wait", Value: raw, Reason: "must be a boolean"})
			return
		}
		req.Wait = wait
	}

	if req.Wait {
		result, err := s.registry.TrainAndMaybeLoad(r.Context(), req.TrainRequest)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	job, err := s.jobs.Submit(r.Context(), req.TrainRequest)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": string(job.Status)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Job(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listProjects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"projects": s.registry.ListProjects()})
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var p registry.Project
	if err := decodeJSON(w, r, &p); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.registry.CreateProject(p); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	created, err := s.registry.GetProject(p.Name)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) currentProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.CurrentProject()
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) switchProject(w http.ResponseWriter, r *http.Request) {
	var req switchProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	info, err := s.registry.SwitchProject(r.Context(), req.Project)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.GetProject(chi.URLParam(r, "name"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) updateProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var p registry.Project
	if err := decodeJSON(w, r, &p); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.registry.UpdateProject(name, p); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	updated, err := s.registry.GetProject(name)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteProject(chi.URLParam(r, "name")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setDefaultProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.SetDefault(name); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"default_project": name})
}
