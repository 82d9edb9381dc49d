package cortexlab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates an httptest server that mimics the CortexLab API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, map[string]any{"data": v, "meta": map[string]any{"request_id": "r1"}})
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: serverURL + "/", Token: "tok", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	t.Parallel()
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestStartRunSendsTokenAndUnwrapsEnvelope(t *testing.T) {
	t.Parallel()
	projectID := uuid.New()
	runID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad token"},
				})
				return
			}
			var req StartRunRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Config["query"] != "graph priors" {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error": map[string]any{"code": "INVALID_INPUT", "message": "bad body"},
				})
				return
			}
			writeData(w, http.StatusCreated, Run{ID: runID, ProjectID: req.ProjectID, RunType: req.RunType, Status: StatusPending})
		},
	})

	run, err := newTestClient(t, srv.URL).StartRun(context.Background(), StartRunRequest{
		ProjectID: projectID,
		RunType:   RunTypeDiscovery,
		Config:    map[string]any{"query": "graph priors"},
	})
	require.NoError(t, err)
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, projectID, run.ProjectID)
	assert.Equal(t, StatusPending, run.Status)
	assert.False(t, run.Terminal())
}

func TestErrorResponses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		code   string
		check  func(error) bool
	}{
		{"not found", http.StatusNotFound, "NOT_FOUND", IsNotFound},
		{"conflict", http.StatusConflict, "CONFLICT", IsConflict},
		{"resolved", http.StatusConflict, "CHECKPOINT_RESOLVED", IsCheckpointResolved},
		{"rate limited", http.StatusTooManyRequests, "RATE_LIMITED", IsRateLimited},
		{"forbidden", http.StatusForbidden, "FORBIDDEN", IsForbidden},
		{"unauthorized", http.StatusUnauthorized, "UNAUTHORIZED", IsUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := mockServer(t, map[string]http.HandlerFunc{
				"GET /v1/runs/{run_id}": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tt.status, map[string]any{
						"error": map[string]any{"code": tt.code, "message": "nope"},
					})
				},
			})
			_, err := newTestClient(t, srv.URL).GetRun(context.Background(), uuid.New())
			require.Error(t, err)
			assert.True(t, tt.check(err))

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestNonJSONErrorBody(t *testing.T) {
	t.Parallel()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gateway down", http.StatusBadGateway)
		},
	})
	_, err := newTestClient(t, srv.URL).Health(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "gateway down")
}

func TestHealthOmitsToken(t *testing.T) {
	t.Parallel()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get("Authorization"))
			writeData(w, http.StatusOK, HealthResponse{Status: "healthy", Backend: "memory"})
		},
	})
	h, err := newTestClient(t, srv.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
}

func TestResolveCheckpointWrapsPayload(t *testing.T) {
	t.Parallel()
	runID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/{run_id}/checkpoint": func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Payload map[string]any `json:"payload"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "dir_2", body.Payload["direction_id"])
			assert.Equal(t, runID.String(), r.PathValue("run_id"))
			writeData(w, http.StatusOK, Run{ID: runID, Status: StatusRunning})
		},
	})
	run, err := newTestClient(t, srv.URL).ResolveCheckpoint(context.Background(), runID, map[string]any{"direction_id": "dir_2"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
}

func TestEventsQuery(t *testing.T) {
	t.Parallel()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}/events": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "3", r.URL.Query().Get("after"))
			assert.Equal(t, "50", r.URL.Query().Get("limit"))
			writeData(w, http.StatusOK, EventsPage{
				Events:  []Event{{Seq: 4, EventType: "tool_call"}, {Seq: 5, EventType: EventRunComplete}},
				LastSeq: 5,
				Closed:  true,
			})
		},
	})
	page, err := newTestClient(t, srv.URL).Events(context.Background(), uuid.New(), 3, 50)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.True(t, page.Closed)
	assert.True(t, page.Events[1].Terminal())
}

func TestListAndHistoryArtifacts(t *testing.T) {
	t.Parallel()
	projectID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/projects/{project_id}/artifacts": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, ArtifactPaperDraft, r.URL.Query().Get("type"))
			writeData(w, http.StatusOK, map[string]any{
				"items": []Artifact{{Title: "Draft", Version: 2}},
				"count": 1,
			})
		},
		"GET /v1/projects/{project_id}/artifacts/history": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "paper_draft:draft", r.URL.Query().Get("logical_key"))
			if v := r.URL.Query().Get("version"); v != "" {
				writeData(w, http.StatusOK, Artifact{Title: "Draft", Version: 1})
				return
			}
			writeData(w, http.StatusOK, map[string]any{
				"items": []Artifact{{Version: 1}, {Version: 2}},
				"count": 2,
			})
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	current, err := c.ListArtifacts(ctx, projectID, ArtifactPaperDraft)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, 2, current[0].Version)

	history, err := c.ArtifactHistory(ctx, projectID, "paper_draft:draft")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	v1, err := c.ArtifactVersion(ctx, projectID, "paper_draft:draft", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
}

func sseFrame(seq int64, eventType string) string {
	data, _ := json.Marshal(map[string]any{"event_type": eventType, "payload": map[string]any{"n": seq}, "seq": seq})
	return fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, eventType, data)
}

func TestStreamDeliversUntilTerminal(t *testing.T) {
	t.Parallel()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}/stream": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "1", r.Header.Get("Last-Event-ID"))
			w.Header().Set("Content-Type", "text/event-stream")
			var b strings.Builder
			b.WriteString(sseFrame(1, "agent_start")) // replayed duplicate is skipped
			b.WriteString(": keepalive\n\n")
			b.WriteString(sseFrame(2, "tool_call"))
			b.WriteString(sseFrame(3, EventRunComplete))
			b.WriteString(sseFrame(4, "tool_call")) // never read
			_, _ = w.Write([]byte(b.String()))
		},
	})

	var seen []int64
	last, err := newTestClient(t, srv.URL).Stream(context.Background(), uuid.New(), 1, func(e Event) error {
		seen = append(seen, e.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, seen)
	assert.Equal(t, int64(3), last)
}

func TestStreamReportsResumeCursorOnDrop(t *testing.T) {
	t.Parallel()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}/stream": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte(sseFrame(1, "agent_start") + sseFrame(2, "tool_call")))
		},
	})

	last, err := newTestClient(t, srv.URL).Stream(context.Background(), uuid.New(), 0, func(Event) error { return nil })
	require.Error(t, err)
	assert.Equal(t, int64(2), last)
}

func TestStreamErrorStatus(t *testing.T) {
	t.Parallel()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}/stream": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "run not found"},
			})
		},
	})
	last, err := newTestClient(t, srv.URL).Stream(context.Background(), uuid.New(), 7, func(Event) error { return nil })
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int64(7), last)
}

func TestWaitForStatus(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}": func(w http.ResponseWriter, r *http.Request) {
			status := StatusRunning
			if calls.Add(1) >= 3 {
				status = StatusAwaitingInput
			}
			writeData(w, http.StatusOK, Run{Status: status})
		},
	})
	run, err := newTestClient(t, srv.URL).WaitForStatus(context.Background(), uuid.New(), time.Millisecond, StatusAwaitingInput)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingInput, run.Status)
	assert.Equal(t, int32(3), calls.Load())
}
