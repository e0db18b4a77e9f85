package atelier

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	store       string
	logger      *slog.Logger
	version     string
	generators  []Generator
	analyzer    Analyzer
	runHooks    []RunHook
}

// WithPort overrides the TCP port from config (ATELIER_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithStore overrides the storage backend (ATELIER_STORE env var):
// "postgres", "sqlite" or "memory".
func WithStore(backend string) Option {
	return func(o *resolvedOptions) { o.store = backend }
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

// WithGenerator registers a media generator. Multiple generators may be
// registered; they run in registration order.
func WithGenerator(g Generator) Option {
	return func(o *resolvedOptions) { o.generators = append(o.generators, g) }
}

// WithAnalyzer sets the audio analyzer. Only the last call wins.
func WithAnalyzer(a Analyzer) Option {
	return func(o *resolvedOptions) { o.analyzer = a }
}

// WithRunHook registers a hook notified when runs finish.
// Multiple hooks may be registered; all receive every event.
func WithRunHook(h RunHook) Option {
	return func(o *resolvedOptions) { o.runHooks = append(o.runHooks, h) }
}
