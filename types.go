package cortexlab

// SearchQuery is a provider-agnostic search request.
type SearchQuery struct {
	Text     string
	Limit    int
	YearFrom int // 0 = unbounded
	YearTo   int // 0 = unbounded
}

// Paper is one search hit returned by a SearchProvider.
// Only Title is required; the gateway fills in the provider name, access
// time and normalized id.
type Paper struct {
	ExternalID    string
	DOI           string
	Title         string
	Authors       []string
	Year          *int
	Venue         string
	URL           string
	Abstract      string
	CitationCount *int
}
