// Package retrieval is the RetrievalGateway: one search capability over
// several literature providers, with a shared cap on concurrent external
// calls and a bounded timeout per call.
//
// Providers return whatever fields their API has. The gateway fills in the
// provider name, access time and normalized id, and drops records without a
// title; everything else (year, citation count, abstract) may be missing.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/cortexlab/internal/errs"
	"github.com/ashita-ai/cortexlab/internal/model"
)

// Query is a provider-agnostic search request.
type Query struct {
	Text     string
	Limit    int
	YearFrom int // 0 = unbounded
	YearTo   int
}

// Provider searches one literature index.
type Provider interface {
	Name() string
	Search(ctx context.Context, q Query) ([]model.Source, error)
}

// Searcher is the gateway contract steps depend on.
type Searcher interface {
	Providers() []string
	Search(ctx context.Context, provider string, q Query) ([]model.Source, error)
}

// DefaultLimit is used when a query doesn't set one.
const DefaultLimit = 20

// Gateway fans search calls out to named providers.
type Gateway struct {
	providers map[string]Provider
	order     []string
	sem       *semaphore.Weighted
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewGateway creates a gateway. maxConcurrent bounds in-flight provider calls
// across all runs; timeout bounds each call.
func NewGateway(timeout time.Duration, maxConcurrent int, logger *slog.Logger, providers ...Provider) *Gateway {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	g := &Gateway{
		providers: make(map[string]Provider, len(providers)),
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		timeout:   timeout,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
		g.order = append(g.order, p.Name())
	}
	return g
}

// Providers lists the configured provider names in registration order.
func (g *Gateway) Providers() []string {
	return slices.Clone(g.order)
}

// Search queries one provider. Failures come back classified: a call that
// exceeds its timeout is errs.KindTimeout, anything else from the provider
// is errs.KindProvider.
func (g *Gateway) Search(ctx context.Context, provider string, q Query) ([]model.Source, error) {
	op := "retrieval." + provider
	p, ok := g.providers[provider]
	if !ok {
		return nil, errs.Validation(op, "unknown provider %q", provider)
	}
	if strings.TrimSpace(q.Text) == "" {
		return nil, errs.Validation(op, "query is empty")
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	start := time.Now()
	sources, err := p.Search(callCtx, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn("retrieval: provider call failed", "provider", provider, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, errs.Provider(op, err)
	}

	now := g.now()
	out := make([]model.Source, 0, len(sources))
	for _, s := range sources {
		s.Title = strings.TrimSpace(s.Title)
		if s.Title == "" {
			continue
		}
		s.Provider = provider
		s.AccessedAt = now
		s.NormalizedID = model.NormalizeID(s)
		out = append(out, s)
	}
	g.logger.Debug("retrieval: search", "provider", provider, "results", len(out), "duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// Dedup merges sources that share a normalized id, keeping first-seen order.
func Dedup(sources []model.Source) []model.Source {
	index := make(map[string]int, len(sources))
	out := make([]model.Source, 0, len(sources))
	for _, s := range sources {
		if s.NormalizedID == "" {
			s.NormalizedID = model.NormalizeID(s)
		}
		if i, ok := index[s.NormalizedID]; ok {
			out[i] = model.MergeSource(out[i], s)
			continue
		}
		index[s.NormalizedID] = len(out)
		out = append(out, s)
	}
	return out
}

// NewHTTPClient returns a client whose transport propagates trace context
// and records a span per outbound request.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

func statusError(provider string, resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("%s: unexpected status %d: %s", provider, resp.StatusCode, msg)
}
