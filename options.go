package fraudcore

import (
	"log/slog"

	"github.com/fraudcore/engine/internal/model"
)

// Option configures an Engine via the functional-options pattern, narrowed
// to the extension points this engine actually has: no port, no route
// registrars, no middleware, no policy evaluator — there is no HTTP
// surface here to hang them off of.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	databaseURL       string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	index             SearchIndex
	reasoner          Reasoner
	ruleTable         model.RuleTable
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the Engine.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in startup logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider (openai/noop).
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithSearchIndex replaces the auto-detected Qdrant vector index, e.g. with
// a fake for tests or an alternate backend.
func WithSearchIndex(idx SearchIndex) Option {
	return func(o *resolvedOptions) { o.index = idx }
}

// WithReasoner replaces the default Ollama-backed Stage-2 tool-reasoner.
func WithReasoner(r Reasoner) Option {
	return func(o *resolvedOptions) { o.reasoner = r }
}

// WithRuleTable overrides the Rule Engine's starting rule set (default
// rules.DefaultRuleTable()). The Engine exposes no method to replace the
// table afterwards, so this option fixes the rule set for the Engine's
// lifetime.
func WithRuleTable(table model.RuleTable) Option {
	return func(o *resolvedOptions) { o.ruleTable = table }
}
