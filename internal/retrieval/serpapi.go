package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashita-ai/cortexlab/internal/model"
)

// serpAPIMaxResults is Google Scholar's page size cap.
const serpAPIMaxResults = 20

var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// SerpAPI searches Google Scholar through serpapi.com.
type SerpAPI struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewSerpAPI creates a Google Scholar provider.
func NewSerpAPI(apiKey string, client *http.Client) *SerpAPI {
	return &SerpAPI{apiKey: apiKey, baseURL: "https://serpapi.com/search", httpClient: client}
}

// WithBaseURL points the provider at another endpoint (tests, proxies).
func (p *SerpAPI) WithBaseURL(u string) *SerpAPI {
	p.baseURL = u
	return p
}

// Name implements Provider.
func (p *SerpAPI) Name() string { return "serpapi" }

type serpAPIResponse struct {
	Error          string `json:"error"`
	OrganicResults []struct {
		ResultID        string `json:"result_id"`
		Title           string `json:"title"`
		Link            string `json:"link"`
		Snippet         string `json:"snippet"`
		PublicationInfo struct {
			Summary string `json:"summary"`
			Authors []struct {
				Name string `json:"name"`
			} `json:"authors"`
		} `json:"publication_info"`
		InlineLinks struct {
			CitedBy struct {
				Total *int `json:"total"`
			} `json:"cited_by"`
		} `json:"inline_links"`
	} `json:"organic_results"`
}

// Search implements Provider.
func (p *SerpAPI) Search(ctx context.Context, q Query) ([]model.Source, error) {
	params := url.Values{}
	params.Set("engine", "google_scholar")
	params.Set("q", q.Text)
	params.Set("api_key", p.apiKey)
	params.Set("num", strconv.Itoa(min(q.Limit, serpAPIMaxResults)))
	if q.YearFrom > 0 {
		params.Set("as_ylo", strconv.Itoa(q.YearFrom))
	}
	if q.YearTo > 0 {
		params.Set("as_yhi", strconv.Itoa(q.YearTo))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("serpapi: create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serpapi: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("serpapi: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("serpapi", resp, body)
	}
	var result serpAPIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("serpapi: unmarshal response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("serpapi: %s", result.Error)
	}

	out := make([]model.Source, 0, len(result.OrganicResults))
	for _, r := range result.OrganicResults {
		summary := r.PublicationInfo.Summary
		s := model.Source{
			ExternalID:    r.ResultID,
			Title:         r.Title,
			URL:           r.Link,
			Abstract:      r.Snippet,
			SnippetUsed:   r.Snippet,
			CitationCount: r.InlineLinks.CitedBy.Total,
		}
		if m := yearPattern.FindString(summary); m != "" {
			y, _ := strconv.Atoi(m)
			s.Year = &y
		}
		for _, a := range r.PublicationInfo.Authors {
			s.Authors = append(s.Authors, a.Name)
		}
		parts := strings.Split(summary, " - ")
		if len(s.Authors) == 0 && len(parts) > 0 && strings.TrimSpace(parts[0]) != "" {
			for _, a := range strings.Split(parts[0], ",") {
				if a = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(a), "…")); a != "" {
					s.Authors = append(s.Authors, a)
				}
			}
		}
		if len(parts) > 1 {
			// "Venue, 2023" -> "Venue"
			venue := strings.TrimSpace(yearPattern.ReplaceAllString(parts[1], ""))
			s.Venue = strings.TrimSpace(strings.TrimRight(venue, ", "))
		}
		out = append(out, s)
	}
	return out, nil
}
