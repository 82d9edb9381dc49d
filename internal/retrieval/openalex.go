package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ashita-ai/cortexlab/internal/model"
)

// OpenAlex searches the OpenAlex works index.
type OpenAlex struct {
	mailto     string // joins the polite pool when set
	baseURL    string
	httpClient *http.Client
}

// NewOpenAlex creates an OpenAlex provider.
func NewOpenAlex(mailto string, client *http.Client) *OpenAlex {
	return &OpenAlex{mailto: mailto, baseURL: "https://api.openalex.org", httpClient: client}
}

// WithBaseURL points the provider at another endpoint.
func (p *OpenAlex) WithBaseURL(u string) *OpenAlex {
	p.baseURL = u
	return p
}

// Name implements Provider.
func (p *OpenAlex) Name() string { return "openalex" }

type openAlexResponse struct {
	Results []struct {
		ID                    string           `json:"id"`
		DOI                   string           `json:"doi"`
		DisplayName           string           `json:"display_name"`
		PublicationYear       *int             `json:"publication_year"`
		CitedByCount          *int             `json:"cited_by_count"`
		AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
		PrimaryLocation       *struct {
			LandingPageURL string `json:"landing_page_url"`
			Source         *struct {
				DisplayName string `json:"display_name"`
			} `json:"source"`
		} `json:"primary_location"`
		Authorships []struct {
			Author struct {
				DisplayName string `json:"display_name"`
			} `json:"author"`
		} `json:"authorships"`
	} `json:"results"`
}

// Search implements Provider.
func (p *OpenAlex) Search(ctx context.Context, q Query) ([]model.Source, error) {
	params := url.Values{}
	params.Set("search", q.Text)
	params.Set("per-page", strconv.Itoa(min(q.Limit, 200)))
	if p.mailto != "" {
		params.Set("mailto", p.mailto)
	}
	var filters []string
	if q.YearFrom > 0 {
		filters = append(filters, fmt.Sprintf("from_publication_date:%d-01-01", q.YearFrom))
	}
	if q.YearTo > 0 {
		filters = append(filters, fmt.Sprintf("to_publication_date:%d-12-31", q.YearTo))
	}
	if len(filters) > 0 {
		params.Set("filter", strings.Join(filters, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/works?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("openalex: create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openalex: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openalex: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("openalex", resp, body)
	}
	var result openAlexResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("openalex: unmarshal response: %w", err)
	}

	out := make([]model.Source, 0, len(result.Results))
	for _, r := range result.Results {
		s := model.Source{
			ExternalID:    strings.TrimPrefix(r.ID, "https://openalex.org/"),
			DOI:           r.DOI,
			Title:         r.DisplayName,
			Year:          r.PublicationYear,
			CitationCount: r.CitedByCount,
			Abstract:      invertAbstract(r.AbstractInvertedIndex),
			URL:           r.ID,
		}
		if loc := r.PrimaryLocation; loc != nil {
			if loc.LandingPageURL != "" {
				s.URL = loc.LandingPageURL
			}
			if loc.Source != nil {
				s.Venue = loc.Source.DisplayName
			}
		}
		for _, a := range r.Authorships {
			if a.Author.DisplayName != "" {
				s.Authors = append(s.Authors, a.Author.DisplayName)
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// invertAbstract rebuilds plain text from OpenAlex's word -> positions index.
func invertAbstract(index map[string][]int) string {
	if len(index) == 0 {
		return ""
	}
	type word struct {
		pos  int
		text string
	}
	var words []word
	for w, positions := range index {
		for _, pos := range positions {
			words = append(words, word{pos: pos, text: w})
		}
	}
	sort.Slice(words, func(i, j int) bool { return words[i].pos < words[j].pos })
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.text
	}
	return strings.Join(parts, " ")
}
