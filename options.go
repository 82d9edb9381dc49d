package cortexlab

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	logger          *slog.Logger
	version         string
	generator       Generator
	searchProviders []SearchProvider
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (CORTEXLAB_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
// An empty URL in both places selects the in-memory store.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when queries go through a connection pooler such as PgBouncer:
// LISTEN needs a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithGenerator replaces the LLM providers detected from GROQ_API_KEY,
// OPENAI_API_KEY and ANTHROPIC_API_KEY. Only the last call wins.
func WithGenerator(g Generator) Option {
	return func(o *resolvedOptions) { o.generator = g }
}

// WithSearchProvider registers an additional literature index. Each provider
// gets its own scout step, so every registered provider is queried by every
// discovery and deep-dive run.
func WithSearchProvider(p SearchProvider) Option {
	return func(o *resolvedOptions) { o.searchProviders = append(o.searchProviders, p) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after
// the embedded migrations. Ignored with the in-memory store.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
