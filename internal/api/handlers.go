package api

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	runway "github.com/gxo-labs/runway/pkg/runway/v1"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

type startBody struct {
	Input interface{} `json:"input"`
}

type cancelBody struct {
	Reason string `json:"reason"`
}

type retryBody struct {
	FromNode string `json:"from_node"`
}

type executionRef struct {
	ExecutionID string `json:"execution_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStart handles POST /v1/workflows/{workflowID}/executions.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if ok := s.decodeOptional(w, r, &body); !ok {
		return
	}
	s.start(w, r, body.Input, workflow.TriggerAPI)
}

// handleWebhook handles POST /v1/webhooks/{workflowID}. The whole request
// body is the run input: decoded when it is JSON, a string otherwise.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var input interface{}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &input); err != nil {
			input = string(raw)
		}
	}
	s.start(w, r, input, workflow.TriggerWebhook)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, input interface{}, trigger workflow.TriggerType) {
	id, err := s.coordinator.Start(r.Context(), runway.StartRequest{
		WorkflowID:  chi.URLParam(r, "workflowID"),
		TriggeredBy: principalFrom(r.Context()),
		Input:       input,
		TriggerType: trigger,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/executions/"+id)
	writeJSON(w, http.StatusAccepted, executionRef{ExecutionID: id})
}

// handleHistory handles GET /v1/workflows/{workflowID}/executions.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	page, ok := queryInt(w, r, "page")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	hist, err := s.coordinator.GetHistory(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "workflowID"), page, limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// handleStatus handles GET /v1/executions/{executionID}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.coordinator.GetStatus(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleCancel handles POST /v1/executions/{executionID}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if ok := s.decodeOptional(w, r, &body); !ok {
		return
	}
	id := chi.URLParam(r, "executionID")
	if err := s.coordinator.Cancel(r.Context(), principalFrom(r.Context()), id, body.Reason); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, executionRef{ExecutionID: id})
}

// handleRetry handles POST /v1/executions/{executionID}/retry.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var body retryBody
	if ok := s.decodeOptional(w, r, &body); !ok {
		return
	}
	newID, err := s.coordinator.Retry(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "executionID"), body.FromNode)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/executions/"+newID)
	writeJSON(w, http.StatusAccepted, executionRef{ExecutionID: newID})
}

// decodeOptional decodes a JSON body into v. An empty body leaves v as is.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		writeError(w, http.StatusBadRequest, "query parameter '"+key+"' must be an integer")
		return 0, false
	}
	return n, true
}
