package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cortexlab/internal/auth"
	"github.com/ashita-ai/cortexlab/internal/ctxutil"
	"github.com/ashita-ai/cortexlab/internal/model"
	"github.com/ashita-ai/cortexlab/internal/testutil"
)

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestID(r.Context())
	}))

	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated when absent", "", false},
		{"incoming honoured", "req-123", true},
		{"oversized replaced", strings.Repeat("a", 129), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tt.incoming != "" {
				req.Header.Set("X-Request-ID", tt.incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			got := rec.Header().Get("X-Request-ID")
			assert.Equal(t, got, seen)
			if tt.keep {
				assert.Equal(t, tt.incoming, got)
				return
			}
			_, err := uuid.Parse(got)
			assert.NoError(t, err)
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()
	handler := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var env model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, model.ErrCodeInternalError, env.Error.Code)
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	token, _, err := auth.NewSigner(priv).Issue("bob", auth.RoleReader, nil, time.Minute)
	require.NoError(t, err)

	var subject string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = ctxutil.Subject(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := authMiddleware(auth.NewVerifierFromKey(pub), inner)

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"public path", "/health", "", http.StatusNoContent},
		{"missing header", "/v1/runs", "", http.StatusUnauthorized},
		{"wrong scheme", "/v1/runs", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "/v1/runs", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "/v1/runs", "bearer " + token, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	assert.Equal(t, "bob", subject)
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	t.Parallel()
	handler := authMiddleware(nil, requireWriter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, canAccessProject(r, uuid.New()))
		w.WriteHeader(http.StatusNoContent)
	})))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestStatusWriterSupportsFlush(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	require.NoError(t, http.NewResponseController(sw).Flush())
	assert.True(t, rec.Flushed)
	assert.Same(t, rec, sw.Unwrap())

	sw.WriteHeader(http.StatusAccepted)
	sw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusAccepted, sw.statusCode)
}

func TestQueryHelpers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		query string
		limit int
		after int64
		err   bool
	}{
		{"", 50, 0, false},
		{"limit=10&after=5", 10, 5, false},
		{"limit=0", 1, 0, false},
		{"limit=5000", maxQueryLimit, 0, false},
		{"limit=abc", 0, 0, true},
		{"after=-3", 50, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x?"+tt.query, nil)
			limit, lerr := queryLimit(req, 50)
			after, aerr := queryAfter(req, 0)
			if tt.err {
				assert.True(t, lerr != nil || aerr != nil)
				return
			}
			require.NoError(t, lerr)
			require.NoError(t, aerr)
			assert.Equal(t, tt.limit, limit)
			assert.Equal(t, tt.after, after)
		})
	}
}
