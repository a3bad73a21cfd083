package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// statusByKind maps pipeline.Classify kinds to HTTP status codes.
var statusByKind = map[string]int{
	"validation":                         http.StatusBadRequest,
	"project_not_found":                  http.StatusNotFound,
	"model_not_found":                    http.StatusNotFound,
	"job_not_found":                      http.StatusNotFound,
	"no_default":                         http.StatusNotFound,
	"duplicate_name":                     http.StatusConflict,
	string(pipeline.FetchNotFound):       http.StatusFailedDependency,
	string(pipeline.FetchNetwork):        http.StatusBadGateway,
	string(pipeline.FetchTimeout):        http.StatusGatewayTimeout,
	string(pipeline.FetchInvalidArchive): http.StatusUnprocessableEntity,
	"empty_content":                      http.StatusUnprocessableEntity,
	"insufficient_data":                  http.StatusUnprocessableEntity,
	"no_active_model":                    http.StatusServiceUnavailable,
	"queue_full":                         http.StatusServiceUnavailable,
	"canceled":                           http.StatusRequestTimeout,
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "kind": kind})
}

// writeDomainError renders err with the status of its pipeline kind.
// Unclassified errors are logged and reported as 500 without detail.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := pipeline.Classify(err)
	status, ok := statusByKind[kind]
	if !ok {
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}
	writeError(w, status, kind, err.Error())
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &pipeline.ValidationError{Field: "body", Reason: fmt.Sprintf("exceeds %d bytes", maxErr.Limit)}
		}
		return &pipeline.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()}
	}
	return nil
}
