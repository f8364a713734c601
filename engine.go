// Package fraudcore is the public API for the transaction fraud/AML
// decision engine. It wires the Rule Engine (C1), ML Risk Scorer (C2),
// embedding provider (C3), vector index (C4), History Store (C5), Stage-1
// Analyzer (C6), Stage-2 Analyzer (C7), Decision Arbitrator (C8),
// Observability Streamer (C9), and Relationship Graph Traversal (C10) into
// a single Engine.
//
// There is no HTTP server, auth layer, or plugin boundary here: consumers
// embed this package directly and call its exported methods.
//
//	eng, err := fraudcore.New(fraudcore.WithLogger(logger))
//	if err != nil { ... }
//	defer eng.Close(context.Background())
//	decision, err := eng.Analyze(ctx, txn)
package fraudcore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/fraudcore/engine/internal/arbitrator"
	"github.com/fraudcore/engine/internal/cache"
	"github.com/fraudcore/engine/internal/config"
	"github.com/fraudcore/engine/internal/embedding"
	"github.com/fraudcore/engine/internal/graph"
	"github.com/fraudcore/engine/internal/mlscore"
	"github.com/fraudcore/engine/internal/model"
	"github.com/fraudcore/engine/internal/observability"
	"github.com/fraudcore/engine/internal/rules"
	"github.com/fraudcore/engine/internal/search"
	"github.com/fraudcore/engine/internal/stage1"
	"github.com/fraudcore/engine/internal/stage2"
	"github.com/fraudcore/engine/internal/storage"
	"github.com/fraudcore/engine/internal/telemetry"
	"github.com/fraudcore/engine/migrations"
)

// Engine is the assembled decision pipeline. All exported methods are
// safe for concurrent use.
type Engine struct {
	cfg config.Config
	db  *storage.DB

	rules       *rules.Engine
	ml          *mlscore.Scorer
	embedder    embedding.Provider
	index       search.Index // nil when Qdrant is not configured
	outbox      *search.OutboxWorker
	stage1      *stage1.Analyzer
	stage2      *stage2.Analyzer
	arbitrator  *arbitrator.Arbitrator
	broker      *observability.Broker
	walker      *graph.Walker
	redisCache  *cache.RedisStore // nil when FRAUDCORE_REDIS_URL is not set
	profileTTL  *cache.TTLCache[string, model.CustomerProfile]
	otelShutdown func(context.Context) error

	logger *slog.Logger
}

// New assembles an Engine: it loads configuration, connects to Postgres,
// runs migrations, and wires every component. Its only background work is
// the profile cache's eviction goroutine and the outbox worker (C4's
// eventual-consistency loop to Qdrant, when configured).
func New(opts ...Option) (*Engine, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("fraudcore: load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("fraudcore engine starting", "version", version)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("fraudcore: telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("fraudcore: storage: %w", err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("fraudcore: migrations: %w", err)
	}

	ruleTable := o.ruleTable
	if ruleTable == nil {
		ruleTable = rules.DefaultRuleTable()
	}
	ruleEngine := rules.New(ruleTable, logger)
	ml := mlscore.New()

	embedder := o.embeddingProvider
	if embedder == nil {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	var idx search.Index
	var outbox *search.OutboxWorker
	if o.index != nil {
		idx = o.index
	} else if cfg.QdrantURL != "" {
		qdrantIdx, qErr := search.NewQdrantIndex(search.Config{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions),
		}, logger)
		if qErr != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("fraudcore: qdrant: %w", qErr)
		}
		if qErr := qdrantIdx.EnsureCollection(context.Background()); qErr != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("fraudcore: qdrant collection: %w", qErr)
		}
		idx = qdrantIdx
		outbox = search.NewOutboxWorker(db.Pool(), qdrantIdx, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	}

	var redisCache *cache.RedisStore
	if cfg.RedisURL != "" {
		redisCache, err = cache.NewRedisStore(cfg.RedisURL, "fraudcore:profile:")
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("fraudcore: redis: %w", err)
		}
	}

	profileTTL := cache.NewTTLCache[string, model.CustomerProfile](cfg.ProfileCacheTTL)
	profiles := &cachedProfileStore{db: db, ttl: profileTTL}

	s1 := stage1.New(profiles, ruleEngine, ml, stage1.Config{
		AlphaWeight:     cfg.AlphaWeight,
		BetaWeight:      cfg.BetaWeight,
		LowCutoff:       cfg.LowCutoff,
		HighCutoff:      cfg.HighCutoff,
		Stage1TimeoutMS: cfg.Stage1TimeoutMS,
	}, logger)

	var s2 *stage2.Analyzer
	if idx != nil {
		reasoner := o.reasoner
		if reasoner == nil {
			reasoner = stage2.NewOllamaReasoner(cfg.ReasonerURL, cfg.ReasonerModel)
		}
		tools := stage2.BuildToolSpecs(profiles, profiles, idx, embedder)
		s2 = stage2.New(idx, embedder, db, reasoner, tools, stage2.Config{
			Stage2TimeoutMS:  cfg.Stage2TimeoutMS,
			Stage2ToolBudget: cfg.Stage2ToolBudget,
			KNNK:             cfg.KNNK,
		}, logger)
	} else {
		// No vector index configured: Stage-2 still runs, just with an
		// always-empty neighbor set (retrieveNeighbors degrades gracefully
		// when KNN has nothing to query).
		reasoner := o.reasoner
		if reasoner == nil {
			reasoner = stage2.NewOllamaReasoner(cfg.ReasonerURL, cfg.ReasonerModel)
		}
		s2 = stage2.New(noopIndex{}, embedder, db, reasoner, nil, stage2.Config{
			Stage2TimeoutMS:  cfg.Stage2TimeoutMS,
			Stage2ToolBudget: cfg.Stage2ToolBudget,
			KNNK:             cfg.KNNK,
		}, logger)
	}

	broker := observability.NewBroker(cfg.ObsHistoryLimit, logger)

	arb := arbitrator.New(db, db, s1, s2, brokerNotifier{broker}, arbitrator.Config{
		LowCutoff:       cfg.LowCutoff,
		HighCutoff:      cfg.HighCutoff,
		Stage2TimeoutMS: cfg.Stage2TimeoutMS,
	}, logger)

	walker := graph.New(db, logger)

	if outbox != nil {
		outbox.Start(context.Background())
	}

	return &Engine{
		cfg:          cfg,
		db:           db,
		rules:        ruleEngine,
		ml:           ml,
		embedder:     embedder,
		index:        idx,
		outbox:       outbox,
		stage1:       s1,
		stage2:       s2,
		arbitrator:   arb,
		broker:       broker,
		walker:       walker,
		redisCache:   redisCache,
		profileTTL:   profileTTL,
		otelShutdown: otelShutdown,
		logger:       logger,
	}, nil
}

// Analyze runs the full decision pipeline for one transaction (spec.md
// §4.8): Stage-1 synchronously, with Stage-2 dispatched in the background
// when the combined score lands in the ambiguous band. The returned
// Decision is final when Stage-1 alone settled the verdict, or
// provisional (INVESTIGATE, STAGE2_PENDING) otherwise — call Decision or
// Subscribe with the returned ThreadID to observe the eventual outcome.
func (e *Engine) Analyze(ctx context.Context, txn model.Transaction) (model.Decision, error) {
	return e.arbitrator.Analyze(ctx, txn)
}

// Decision returns the current Decision for an analysis thread, following
// the thread-to-transaction mapping the Arbitrator records when it opens a
// thread for a deferred Stage-2 run.
func (e *Engine) Decision(ctx context.Context, threadID uuid.UUID) (model.Decision, error) {
	thread, err := e.db.GetThread(ctx, threadID)
	if err != nil {
		return model.Decision{}, fmt.Errorf("fraudcore: lookup thread: %w", err)
	}
	d, err := e.db.GetDecision(ctx, thread.TxnID)
	if err != nil {
		return model.Decision{}, fmt.Errorf("fraudcore: lookup decision: %w", err)
	}
	return d, nil
}

// Subscribe opens a live feed of observability events for an analysis
// thread (spec.md §4.9). The returned func unsubscribes and closes the
// channel; callers must call it to avoid leaking the subscription.
func (e *Engine) Subscribe(threadID uuid.UUID) (<-chan model.ObservabilityEvent, func()) {
	return e.broker.Subscribe(threadID)
}

// Poll returns every retained event for threadID with EventID strictly
// greater than afterEventID (0 means "from the start"), capped at limit
// (0 means "no cap"). Use this for request/response polling as an
// alternative to Subscribe's push feed.
func (e *Engine) Poll(threadID uuid.UUID, afterEventID uint64, limit int) []model.ObservabilityEvent {
	return e.broker.Poll(threadID, afterEventID, limit)
}

// BuildNetwork runs the Relationship Graph Traversal (C10) rooted at
// params.CenterEntityID.
func (e *Engine) BuildNetwork(ctx context.Context, params model.NetworkParams) (model.NetworkGraph, error) {
	return e.walker.BuildNetwork(ctx, params)
}

// Close releases every resource New acquired: the outbox worker is
// drained first so in-flight Qdrant upserts finish, then the database
// pool, the optional Redis cache, the profile TTL cache's eviction
// goroutine, and finally the OTEL exporters.
func (e *Engine) Close(ctx context.Context) error {
	if e.outbox != nil {
		e.outbox.Drain(ctx)
	}
	e.profileTTL.Close()
	e.db.Close()
	if e.redisCache != nil {
		_ = e.redisCache.Close()
	}
	if e.otelShutdown != nil {
		return e.otelShutdown(ctx)
	}
	return nil
}

// cachedProfileStore wraps storage.DB's customer profile lookup with an
// in-process TTL cache (internal/cache.TTLCache), so repeated Stage-1
// runs for the same customer within ProfileCacheTTL don't round-trip to
// Postgres. Satisfies stage1.ProfileStore and stage2.ProfileLookup.
type cachedProfileStore struct {
	db  *storage.DB
	ttl *cache.TTLCache[string, model.CustomerProfile]
}

func (c *cachedProfileStore) GetProfile(ctx context.Context, customerID string) (model.CustomerProfile, error) {
	if p, ok := c.ttl.Get(customerID); ok {
		return p, nil
	}
	p, err := c.db.GetProfile(ctx, customerID)
	if err != nil {
		return model.CustomerProfile{}, err
	}
	c.ttl.Set(customerID, p)
	return p, nil
}

func (c *cachedProfileStore) GetRelationships(ctx context.Context, entityID string, onlyActive bool, minConfidence float64) ([]model.Relationship, error) {
	return c.db.GetRelationships(ctx, entityID, onlyActive, minConfidence)
}

// brokerNotifier adapts observability.Broker's Emit (which returns the
// stamped event, for History/Poll's callers) to arbitrator.Notifier's
// fire-and-forget signature.
type brokerNotifier struct {
	broker *observability.Broker
}

func (n brokerNotifier) Emit(event model.ObservabilityEvent) {
	n.broker.Emit(event)
}

// noopIndex is the fallback search.Index used when no Qdrant collection is
// configured, so Stage-2 can still run its reasoner loop with an empty
// neighbor set instead of requiring a vector backend to be present.
type noopIndex struct{}

func (noopIndex) KNN(context.Context, []float32, int, search.Filter) ([]search.ScoredDoc, error) {
	return nil, nil
}

func (noopIndex) Healthy(context.Context) error { return nil }

// newEmbeddingProvider picks an embedding backend from config: "openai"
// when configured, otherwise the deterministic noop provider used for
// local development and tests. There is no Ollama embedding backend here
// — Stage-2's tool-reasoner is the only component that talks to Ollama.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	switch cfg.EmbeddingProvider {
	case "openai":
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		if err != nil {
			logger.Warn("openai embedding provider unavailable, falling back to noop", "error", err)
			return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
		}
		return p
	default:
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	}
}
