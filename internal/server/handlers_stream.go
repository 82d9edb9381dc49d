package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/cortexlab/internal/model"
)

// HandleStream handles GET /v1/runs/{run_id}/stream (SSE).
//
// Each event is written as "id: <seq>", "event: <event_type>" and a JSON
// data line {event_type, payload, seq}. Clients resume with Last-Event-ID or
// ?after=; the query parameter wins when both are present. The stream ends
// after the terminal event.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	run, ok := h.runFromPath(w, r)
	if !ok {
		return
	}
	lastID, err := lastEventID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	after, err := queryAfter(r, lastID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	rc := http.NewResponseController(w)
	ctx := r.Context()
	events, err := h.engine.Subscribe(ctx, run.ID, after)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("sse: flush not supported", "error", err)
		return
	}
	// Disable the server's WriteTimeout for this long-lived connection.
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			frame, err := formatSSE(evt)
			if err != nil {
				h.logger.Error("sse: encode event", "run_id", run.ID, "seq", evt.Seq, "error", err)
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// lastEventID parses the Last-Event-ID header a reconnecting EventSource sends.
func lastEventID(r *http.Request) (int64, error) {
	v := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid Last-Event-ID: %s", v)
	}
	return n, nil
}

// formatSSE renders one run event as a Server-Sent Events frame.
func formatSSE(evt model.RunEvent) ([]byte, error) {
	data, err := json.Marshal(evt.Message())
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.EventType, data), nil
}
