package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cortexlab/internal/auth"
	"github.com/ashita-ai/cortexlab/internal/ctxutil"
	"github.com/ashita-ai/cortexlab/internal/model"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (brokenLimiter) Close() error                                { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	t.Parallel()
	m, _ := newTestLimiter(1, 1)
	h := Middleware(m, IPKeyFunc, slog.Default())(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req = req.WithContext(ctxutil.WithRequestID(req.Context(), "req-1"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	t.Parallel()
	h := Middleware(brokenLimiter{}, IPKeyFunc, slog.Default())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	t.Parallel()
	m, _ := newTestLimiter(0, 1)
	h := Middleware(m, func(*http.Request) string { return "" }, slog.Default())(okHandler())
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestSubjectOrIPKey(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4000"
	assert.Equal(t, "ip:192.0.2.7", SubjectOrIPKey(req))

	claims := &auth.Claims{Role: auth.RoleWriter}
	claims.Subject = "alice"
	req = req.WithContext(ctxutil.WithClaims(req.Context(), claims))
	assert.Equal(t, "sub:alice", SubjectOrIPKey(req))
}

func TestIPKeyFunc(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]string{
		"10.0.0.1:80":   "10.0.0.1",
		"[::1]:8080":    "::1",
		"no-port-given": "no-port-given",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		assert.Equal(t, want, IPKeyFunc(req), addr)
	}
}
