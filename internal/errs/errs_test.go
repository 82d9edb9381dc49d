package errs_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/cortexlab/internal/errs"
)

func TestKindSentinels(t *testing.T) {
	err := errs.Conflict("engine.admit", "project %s has an active run", "p1")
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.NotErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	assert.Contains(t, err.Error(), "engine.admit: conflict: project p1 has an active run")
}

func TestKindOfWrapped(t *testing.T) {
	inner := errs.Malformed("generation.parse", errors.New("unexpected token"))
	wrapped := fmt.Errorf("step gap-mine: %w", inner)
	assert.Equal(t, errs.KindMalformed, errs.KindOf(wrapped))
	assert.ErrorIs(t, wrapped, errs.ErrMalformed)
}

func TestProviderClassifiesDeadlineAsTimeout(t *testing.T) {
	err := errs.Provider("retrieval.search", fmt.Errorf("GET: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))

	plain := errs.Provider("retrieval.search", errors.New("HTTP 503"))
	assert.ErrorIs(t, plain, errs.ErrProvider)

	// Already-classified errors keep their kind.
	weak := errs.Weak("retrieval.search", "no results")
	assert.ErrorIs(t, errs.Provider("x", weak), errs.ErrWeak)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"weak", errs.Weak("op", "few"), true},
		{"provider", errs.Provider("op", errors.New("boom")), true},
		{"timeout", errs.Timeout("op", context.DeadlineExceeded), true},
		{"bare deadline", context.DeadlineExceeded, true},
		{"malformed", errs.Malformed("op", errors.New("x")), true},
		{"validation", errs.Validation("op", "bad"), false},
		{"conflict", errs.Conflict("op", "busy"), false},
		{"fatal", errs.Fatal("op", errors.New("bug")), false},
		{"unknown", errors.New("mystery"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, errs.Retryable(tt.err))
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "external_provider", errs.KindProvider.String())
	assert.Equal(t, "unknown", errs.Kind(99).String())
}
