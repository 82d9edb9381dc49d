package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ashita-ai/cortexlab/internal/model"
)

const semanticScholarFields = "title,abstract,year,venue,authors,citationCount,externalIds,url"

// SemanticScholar searches the Semantic Scholar Graph API.
type SemanticScholar struct {
	apiKey     string // optional; raises the rate limit
	baseURL    string
	httpClient *http.Client
}

// NewSemanticScholar creates a Semantic Scholar provider.
func NewSemanticScholar(apiKey string, client *http.Client) *SemanticScholar {
	return &SemanticScholar{apiKey: apiKey, baseURL: "https://api.semanticscholar.org", httpClient: client}
}

// WithBaseURL points the provider at another endpoint.
func (p *SemanticScholar) WithBaseURL(u string) *SemanticScholar {
	p.baseURL = u
	return p
}

// Name implements Provider.
func (p *SemanticScholar) Name() string { return "semanticscholar" }

type semanticScholarResponse struct {
	Data []struct {
		PaperID       string         `json:"paperId"`
		Title         string         `json:"title"`
		Abstract      *string        `json:"abstract"`
		Year          *int           `json:"year"`
		Venue         string         `json:"venue"`
		URL           string         `json:"url"`
		CitationCount *int           `json:"citationCount"`
		ExternalIDs   map[string]any `json:"externalIds"`
		Authors       []struct {
			Name string `json:"name"`
		} `json:"authors"`
	} `json:"data"`
}

// Search implements Provider.
func (p *SemanticScholar) Search(ctx context.Context, q Query) ([]model.Source, error) {
	params := url.Values{}
	params.Set("query", q.Text)
	params.Set("limit", strconv.Itoa(min(q.Limit, 100)))
	params.Set("fields", semanticScholarFields)
	switch {
	case q.YearFrom > 0 && q.YearTo > 0:
		params.Set("year", fmt.Sprintf("%d-%d", q.YearFrom, q.YearTo))
	case q.YearFrom > 0:
		params.Set("year", fmt.Sprintf("%d-", q.YearFrom))
	case q.YearTo > 0:
		params.Set("year", fmt.Sprintf("-%d", q.YearTo))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/graph/v1/paper/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("semanticscholar: create request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("x-api-key", p.apiKey)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("semanticscholar: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("semanticscholar: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("semanticscholar", resp, body)
	}
	var result semanticScholarResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("semanticscholar: unmarshal response: %w", err)
	}

	out := make([]model.Source, 0, len(result.Data))
	for _, r := range result.Data {
		s := model.Source{
			ExternalID:    r.PaperID,
			Title:         r.Title,
			Year:          r.Year,
			Venue:         r.Venue,
			URL:           r.URL,
			CitationCount: r.CitationCount,
		}
		if r.Abstract != nil {
			s.Abstract = *r.Abstract
		}
		if doi, ok := r.ExternalIDs["DOI"].(string); ok {
			s.DOI = doi
		}
		if arxiv, ok := r.ExternalIDs["ArXiv"].(string); ok && s.DOI == "" {
			s.ExternalID = arxiv
		}
		for _, a := range r.Authors {
			s.Authors = append(s.Authors, a.Name)
		}
		out = append(out, s)
	}
	return out, nil
}
