package cortexlab

import "context"

// Generator produces a text completion for a system and user prompt.
// When provided via WithGenerator, it replaces the built-in provider chain.
// Returned errors are treated as provider failures and retried by the step
// executor with backoff.
type Generator interface {
	Name() string
	Generate(ctx context.Context, system, user string) (string, error)
}

// SearchProvider searches one literature index.
// Name must be unique across providers; it is recorded on every source the
// provider returns. Records without a title are dropped.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, q SearchQuery) ([]Paper, error)
}
