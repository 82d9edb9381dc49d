package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ashita-ai/cortexlab/internal/model"
)

// HandleListArtifacts handles GET /v1/projects/{project_id}/artifacts?type=.
// It returns the current version of every artifact in the project.
func (h *Handlers) HandleListArtifacts(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	artifacts, err := h.engine.Artifacts().List(r.Context(), projectID, model.ArtifactType(r.URL.Query().Get("type")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []model.Artifact{}
	}
	writeJSON(w, r, http.StatusOK, model.ListResponse[model.Artifact]{Items: artifacts, Count: len(artifacts)})
}

// HandleProposeArtifact handles POST /v1/projects/{project_id}/artifacts.
// Manual edits land as a new version of the logical key.
func (h *Handlers) HandleProposeArtifact(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	var req model.ProposeArtifactRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	a, err := h.engine.Artifacts().Propose(r.Context(), projectID, req, nil)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, a)
}

// HandleArtifactHistory handles
// GET /v1/projects/{project_id}/artifacts/history?logical_key=&version=.
// With version it returns that single version.
func (h *Handlers) HandleArtifactHistory(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("logical_key"))
	if key == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "logical_key is required")
		return
	}

	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid version: "+v)
			return
		}
		a, err := h.engine.Artifacts().Version(r.Context(), projectID, key, n)
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, a)
		return
	}

	versions, err := h.engine.Artifacts().History(r.Context(), projectID, key)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.ListResponse[model.Artifact]{Items: versions, Count: len(versions)})
}

// HandleGetArtifact handles GET /v1/artifacts/{artifact_id}.
func (h *Handlers) HandleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "artifact_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	a, err := h.engine.Artifacts().Get(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !canAccessProject(r, a.ProjectID) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "no access to this artifact")
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleListSources handles GET /v1/projects/{project_id}/sources.
func (h *Handlers) HandleListSources(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r, 200)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	sources, err := h.engine.Sources(r.Context(), projectID, limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if sources == nil {
		sources = []model.Source{}
	}
	writeJSON(w, r, http.StatusOK, model.ListResponse[model.Source]{Items: sources, Count: len(sources)})
}
