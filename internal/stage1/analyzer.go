// Package stage1 implements the Stage-1 Analyzer (C6): the fast
// synchronous triage path that every transaction passes through before
// the Arbitrator (C8) decides whether a deferred Stage-2 analysis is
// warranted.
package stage1

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/fraudcore/engine/internal/model"
	"github.com/fraudcore/engine/internal/storage"
	"github.com/fraudcore/engine/internal/telemetry"
)

// RuleEvaluator is the C1 contract consumed here, kept as an interface so
// tests can stub it without pulling in internal/rules.
type RuleEvaluator interface {
	Evaluate(txn model.Transaction, profile *model.CustomerProfile) (score float64, flags []string)
}

// MLScorer is the C2 contract consumed here.
type MLScorer interface {
	Score(txn model.Transaction, profile *model.CustomerProfile) (ml float64, ok bool)
}

// ProfileStore is the narrow slice of C5 this analyzer needs.
type ProfileStore interface {
	GetProfile(ctx context.Context, customerID string) (model.CustomerProfile, error)
}

// Analyzer runs the fetch -> evaluate -> combine sequence described in
// spec.md §4.6. It never calls C3/C4/C7 — those belong to Stage-2.
type Analyzer struct {
	profiles ProfileStore
	rules    RuleEvaluator
	ml       MLScorer

	alpha, beta          float64
	lowCutoff, highCutoff float64
	timeout              time.Duration

	logger   *slog.Logger
	duration metric.Float64Histogram
}

// Config carries the subset of internal/config.Config this analyzer needs,
// kept narrow so callers don't have to construct a full config.Config in tests.
type Config struct {
	AlphaWeight     float64
	BetaWeight      float64
	LowCutoff       float64
	HighCutoff      float64
	Stage1TimeoutMS int
}

// New constructs an Analyzer.
func New(profiles ProfileStore, rules RuleEvaluator, ml MLScorer, cfg Config, logger *slog.Logger) *Analyzer {
	meter := telemetry.Meter("fraudcore/stage1")
	dur, _ := meter.Float64Histogram("fraudcore.stage1.duration",
		metric.WithDescription("Stage-1 analyzer wall-clock duration (ms)"),
		metric.WithUnit("ms"),
	)
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		profiles:   profiles,
		rules:      rules,
		ml:         ml,
		alpha:      cfg.AlphaWeight,
		beta:       cfg.BetaWeight,
		lowCutoff:  cfg.LowCutoff,
		highCutoff: cfg.HighCutoff,
		timeout:    time.Duration(cfg.Stage1TimeoutMS) * time.Millisecond,
		logger:     logger,
		duration:   dur,
	}
}

// Run evaluates a transaction and returns its Stage1Result. It never
// returns an error: a failed profile lookup proceeds with a zero baseline,
// and a panic during evaluation degrades to the conservative fallback of
// spec.md §4.6 rather than propagating to the caller — the same
// never-throw-to-caller posture the teacher applies at its RPC boundary.
// The fallback is logged; no observability event is emitted from here.
func (a *Analyzer) Run(ctx context.Context, txn model.Transaction) model.Stage1Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	result := a.run(ctx, txn)
	result.ElapsedMS = time.Since(start).Milliseconds()

	if a.duration != nil {
		a.duration.Record(ctx, float64(result.ElapsedMS))
	}
	return result
}

func (a *Analyzer) run(ctx context.Context, txn model.Transaction) (result model.Stage1Result) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("stage1: predicate panicked, falling back to conservative result",
				"txn_id", txn.TxnID, "panic", rec)
			result = a.conservativeFallback()
		}
	}()

	profile, err := a.fetchProfile(ctx, txn.CustomerID)
	if err != nil {
		a.logger.Warn("stage1: profile lookup failed, proceeding with zero baseline",
			"txn_id", txn.TxnID, "customer_id", txn.CustomerID, "error", err)
		profile = nil
	}

	ruleScore, flags := a.rules.Evaluate(txn, profile)

	mlScore, mlAvailable := a.ml.Score(txn, profile)

	alpha, beta := a.alpha, a.beta
	if !mlAvailable {
		// spec.md §4.2: no baseline to score against, shift weight fully
		// to rules rather than letting a meaningless 0 drag the combine down.
		alpha, beta = 1, 0
		mlScore = 0
	}

	combined := clip(100*(alpha*ruleScore+beta*mlScore), 0, 100)
	needsStage2 := combined > a.lowCutoff && combined < a.highCutoff

	return model.Stage1Result{
		RuleScore:     ruleScore,
		RuleFlags:     flags,
		MLScore:       mlScore,
		MLAvailable:   mlAvailable,
		CombinedScore: combined,
		NeedsStage2:   needsStage2,
	}
}

// fetchProfile returns nil, nil for an unknown customer (spec.md §9:
// "customer profile absent ... Stage-1 proceeds with zero-baseline") and
// only treats genuine store errors as failures.
func (a *Analyzer) fetchProfile(ctx context.Context, customerID string) (*model.CustomerProfile, error) {
	if customerID == "" {
		return nil, nil
	}
	var profile model.CustomerProfile
	err := storage.WithRetry(ctx, 2, 5*time.Millisecond, func() error {
		var fetchErr error
		profile, fetchErr = a.profiles.GetProfile(ctx, customerID)
		return fetchErr
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

// conservativeFallback implements spec.md §4.6's internal-error path:
// combined_score = 100*alpha from rules alone, needs_stage2 forced true.
func (a *Analyzer) conservativeFallback() model.Stage1Result {
	return model.Stage1Result{
		CombinedScore: clip(100*a.alpha, 0, 100),
		NeedsStage2:   true,
		Degraded:      true,
	}
}

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
