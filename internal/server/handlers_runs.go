package server

import (
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/cortexlab/internal/model"
)

// defaultEventsPage bounds GET /v1/runs/{run_id}/events when no limit is given.
const defaultEventsPage = 200

// HandleStartRun handles POST /v1/runs.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req model.StartRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ProjectID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "project_id is required")
		return
	}
	if !canAccessProject(r, req.ProjectID) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token does not grant access to this project")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("cortexlab.project_id", req.ProjectID.String()),
		attribute.String("cortexlab.run_type", string(req.RunType)),
	)

	run, err := h.engine.Start(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, run)
}

// runFromPath loads {run_id} and checks project access. It writes the error
// response and returns false on failure.
func (h *Handlers) runFromPath(w http.ResponseWriter, r *http.Request) (model.Run, bool) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return model.Run{}, false
	}
	run, err := h.engine.Get(r.Context(), runID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return model.Run{}, false
	}
	if !canAccessProject(r, run.ProjectID) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "no access to this run")
		return model.Run{}, false
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("cortexlab.run_id", run.ID.String()))
	return run, true
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.runFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleResolveCheckpoint handles POST /v1/runs/{run_id}/checkpoint.
func (h *Handlers) HandleResolveCheckpoint(w http.ResponseWriter, r *http.Request) {
	run, ok := h.runFromPath(w, r)
	if !ok {
		return
	}
	var req model.ResolveCheckpointRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	resumed, err := h.engine.ResolveCheckpoint(r.Context(), run.ID, req.Payload)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resumed)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.runFromPath(w, r)
	if !ok {
		return
	}
	cancelled, err := h.engine.Cancel(r.Context(), run.ID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cancelled)
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events?after=&limit=.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := h.runFromPath(w, r)
	if !ok {
		return
	}
	after, err := queryAfter(r, 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit, err := queryLimit(r, defaultEventsPage)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	events, err := h.engine.Events(r.Context(), run.ID, after, limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	resp := model.EventsResponse{Events: events, LastSeq: after}
	if n := len(events); n > 0 {
		resp.LastSeq = events[n-1].Seq
	}
	// Closed tells pollers that nothing follows LastSeq.
	resp.Closed = run.Status.Terminal() && resp.LastSeq >= run.LastSeq
	if resp.Events == nil {
		resp.Events = []model.RunEvent{}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListRuns handles GET /v1/projects/{project_id}/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r, 50)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	runs, err := h.engine.List(r.Context(), projectID, limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, r, http.StatusOK, model.ListResponse[model.Run]{Items: runs, Count: len(runs)})
}
