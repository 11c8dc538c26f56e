package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps engine errors to HTTP status codes and a stable code
// string for clients.
func statusFor(err error) (int, string) {
	var (
		perm     *rwerrors.PermissionDeniedError
		trans    *rwerrors.InvalidTransitionError
		inactive *rwerrors.WorkflowNotActiveError
		cycle    *rwerrors.CyclicGraphError
		retryPt  *rwerrors.InvalidRetryPointError
		invalid  *rwerrors.ValidationError
	)
	switch {
	case rwerrors.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &perm):
		return http.StatusForbidden, "permission_denied"
	case errors.As(err, &trans):
		return http.StatusConflict, "invalid_transition"
	case errors.As(err, &inactive):
		return http.StatusConflict, "workflow_not_active"
	case errors.As(err, &cycle):
		return http.StatusUnprocessableEntity, "cyclic_graph"
	case errors.As(err, &retryPt):
		return http.StatusUnprocessableEntity, "invalid_retry_point"
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Errorf("%s %s failed: %v", r.Method, r.URL.Path, err)
		writeJSON(w, status, errorBody{Error: "internal server error", Code: code})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}
