package retrieval_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cortexlab/internal/errs"
	"github.com/ashita-ai/cortexlab/internal/model"
	"github.com/ashita-ai/cortexlab/internal/retrieval"
	"github.com/ashita-ai/cortexlab/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

func serve(t *testing.T, body string, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSerpAPIParsesScholarResults(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{"organic_results":[
		{"result_id":"r1","title":"Robust Fine-Grained Classification","link":"https://doi.org/10.1145/3580305.3599999",
		 "snippet":"We study shift.","publication_info":{"summary":"J Smith, A Doe - Journal of ML, 2023 - jmlr.org",
		 "authors":[{"name":"J Smith"}]},"inline_links":{"cited_by":{"total":42}}},
		{"result_id":"r2","title":"Label Noise","snippet":"Noise.",
		 "publication_info":{"summary":"B Lee, C Kim… - arXiv preprint, 2021 - arxiv.org"}}
	]}`, func(r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "google_scholar", q.Get("engine"))
		assert.Equal(t, "20", q.Get("num"))
		assert.Equal(t, "2020", q.Get("as_ylo"))
		assert.Equal(t, "key", q.Get("api_key"))
	})
	p := retrieval.NewSerpAPI("key", srv.Client()).WithBaseURL(srv.URL)

	got, err := p.Search(context.Background(), retrieval.Query{Text: "shift", Limit: 50, YearFrom: 2020})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "r1", got[0].ExternalID)
	assert.Equal(t, ptr(2023), got[0].Year)
	assert.Equal(t, ptr(42), got[0].CitationCount)
	assert.Equal(t, []string{"J Smith"}, got[0].Authors)
	assert.Equal(t, "Journal of ML", got[0].Venue)
	assert.Equal(t, "We study shift.", got[0].Abstract)

	assert.Equal(t, []string{"B Lee", "C Kim"}, got[1].Authors)
	assert.Equal(t, "arXiv preprint", got[1].Venue)
	assert.Nil(t, got[1].CitationCount, "missing citation count stays unknown")
}

func TestSerpAPIErrorField(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{"error":"Invalid API key."}`, nil)
	p := retrieval.NewSerpAPI("bad", srv.Client()).WithBaseURL(srv.URL)
	_, err := p.Search(context.Background(), retrieval.Query{Text: "x", Limit: 5})
	assert.ErrorContains(t, err, "Invalid API key")
}

func TestSemanticScholarParsesGraphResults(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{"data":[
		{"paperId":"abc","title":"Domain Generalization","abstract":null,"year":2022,"venue":"NeurIPS",
		 "citationCount":7,"externalIds":{"DOI":"10.5555/12345"},"authors":[{"name":"X Y"}]},
		{"paperId":"def","title":"Test-Time Adaptation","externalIds":{"ArXiv":"2303.01234"}}
	]}`, func(r *http.Request) {
		assert.Equal(t, "/graph/v1/paper/search", r.URL.Path)
		assert.Equal(t, "2019-2024", r.URL.Query().Get("year"))
		assert.Equal(t, "s2key", r.Header.Get("x-api-key"))
	})
	p := retrieval.NewSemanticScholar("s2key", srv.Client()).WithBaseURL(srv.URL)

	got, err := p.Search(context.Background(), retrieval.Query{Text: "dg", Limit: 10, YearFrom: 2019, YearTo: 2024})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "10.5555/12345", got[0].DOI)
	assert.Empty(t, got[0].Abstract)
	assert.Equal(t, "doi:10.5555/12345", model.NormalizeID(got[0]))
	assert.Equal(t, "arxiv:2303.01234", model.NormalizeID(got[1]))
	assert.Nil(t, got[1].Year)
}

func TestOpenAlexRebuildsAbstract(t *testing.T) {
	t.Parallel()
	srv := serve(t, `{"results":[{"id":"https://openalex.org/W1","doi":"https://doi.org/10.1000/XYZ",
		"display_name":"Shift Benchmarks","publication_year":2024,"cited_by_count":3,
		"abstract_inverted_index":{"benchmarks":[2],"We":[0],"propose":[1]},
		"primary_location":{"landing_page_url":"https://example.org/w1","source":{"display_name":"ICML"}},
		"authorships":[{"author":{"display_name":"Ada L"}}]}]}`, func(r *http.Request) {
		assert.Equal(t, "/works", r.URL.Path)
		assert.Equal(t, "me@example.org", r.URL.Query().Get("mailto"))
	})
	p := retrieval.NewOpenAlex("me@example.org", srv.Client()).WithBaseURL(srv.URL)

	got, err := p.Search(context.Background(), retrieval.Query{Text: "shift", Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "W1", got[0].ExternalID)
	assert.Equal(t, "We propose benchmarks", got[0].Abstract)
	assert.Equal(t, "ICML", got[0].Venue)
	assert.Equal(t, "https://example.org/w1", got[0].URL)
	assert.Equal(t, "doi:10.1000/xyz", model.NormalizeID(got[0]))
}

func TestProviderHTTPErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	g := retrieval.NewGateway(time.Second, 4, testutil.TestLogger(),
		retrieval.NewOpenAlex("", srv.Client()).WithBaseURL(srv.URL))

	_, err := g.Search(context.Background(), "openalex", retrieval.Query{Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrProvider)
	assert.ErrorContains(t, err, "429")
}

// stubProvider returns canned sources after an optional delay.
type stubProvider struct {
	name     string
	delay    time.Duration
	sources  []model.Source
	err      error
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Search(ctx context.Context, _ retrieval.Query) ([]model.Source, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.sources, p.err
}

func TestGatewayNormalizesResults(t *testing.T) {
	t.Parallel()
	stub := &stubProvider{name: "stub", sources: []model.Source{
		{Title: "  A Paper  ", ExternalID: "1"},
		{Title: "   ", ExternalID: "2"},
	}}
	g := retrieval.NewGateway(time.Second, 4, testutil.TestLogger(), stub)
	assert.Equal(t, []string{"stub"}, g.Providers())

	got, err := g.Search(context.Background(), "stub", retrieval.Query{Text: "paper"})
	require.NoError(t, err)
	require.Len(t, got, 1, "untitled records are dropped")
	assert.Equal(t, "A Paper", got[0].Title)
	assert.Equal(t, "stub", got[0].Provider)
	assert.Equal(t, "title:apaper", got[0].NormalizedID)
	assert.False(t, got[0].AccessedAt.IsZero())
}

func TestGatewayClassifiesErrors(t *testing.T) {
	t.Parallel()
	slow := &stubProvider{name: "slow", delay: time.Second}
	broken := &stubProvider{name: "broken", err: errors.New("connection reset")}
	g := retrieval.NewGateway(20*time.Millisecond, 4, testutil.TestLogger(), slow, broken)
	ctx := context.Background()

	_, err := g.Search(ctx, "slow", retrieval.Query{Text: "q"})
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.True(t, errs.Retryable(err))

	_, err = g.Search(ctx, "broken", retrieval.Query{Text: "q"})
	assert.ErrorIs(t, err, errs.ErrProvider)

	_, err = g.Search(ctx, "missing", retrieval.Query{Text: "q"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = g.Search(ctx, "broken", retrieval.Query{Text: " "})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestGatewayCapsConcurrentCalls(t *testing.T) {
	t.Parallel()
	stub := &stubProvider{name: "stub", delay: 20 * time.Millisecond, sources: []model.Source{{Title: "t"}}}
	g := retrieval.NewGateway(time.Second, 2, testutil.TestLogger(), stub)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Search(context.Background(), "stub", retrieval.Query{Text: "q"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, stub.peak.Load(), int32(2))
}

func TestDedupMergesAcrossProviders(t *testing.T) {
	t.Parallel()
	in := []model.Source{
		{Provider: "serpapi", Title: "Robust Models", DOI: "10.1000/ABC.", Abstract: "short"},
		{Provider: "openalex", Title: "Other", ExternalID: "W2"},
		{Provider: "semanticscholar", Title: "Robust models", DOI: "10.1000/abc", Abstract: "a much longer abstract", CitationCount: ptr(9), Year: ptr(2022)},
	}
	out := retrieval.Dedup(in)
	require.Len(t, out, 2)
	assert.Equal(t, "serpapi", out[0].Provider)
	assert.Equal(t, "a much longer abstract", out[0].Abstract)
	assert.Equal(t, ptr(9), out[0].CitationCount)
	assert.Equal(t, ptr(2022), out[0].Year)
	assert.Equal(t, "Other", out[1].Title)
}
