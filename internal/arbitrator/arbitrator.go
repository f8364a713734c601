// Package arbitrator implements the Decision Arbitrator (C8): it routes a
// transaction's Stage-1 result to an immediate verdict or schedules the
// deferred Stage-2 analysis, and owns the Decision/Thread state machine
// (model.CanTransition) that the rest of the engine reads.
package arbitrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/fraudcore/engine/internal/model"
	"github.com/fraudcore/engine/internal/telemetry"
)

// ErrInvalidInput is wrapped into errors returned for malformed transactions.
var ErrInvalidInput = errors.New("arbitrator: invalid input")

// Stage1Runner is the C6 contract consumed here.
type Stage1Runner interface {
	Run(ctx context.Context, txn model.Transaction) model.Stage1Result
}

// Stage2Runner is the C7 contract consumed here.
type Stage2Runner interface {
	Run(ctx context.Context, txn model.Transaction, stage1 model.Stage1Result) model.Stage2Result
}

// DecisionStore is the narrow slice of C5 this arbitrator needs to drive
// the Decision state machine.
type DecisionStore interface {
	CreateDecision(ctx context.Context, d model.Decision) error
	UpdateStage1(ctx context.Context, txnID string, stage1 model.Stage1Result, final *model.Decision) error
	MarkStage2Pending(ctx context.Context, txnID string) error
	FinalizeStage2(ctx context.Context, d model.Decision) error
	ExpireStage2(ctx context.Context, txnID string) error
}

// ThreadStore is the narrow slice of C5 needed to open the observability
// thread that backs a deferred Stage-2 analysis.
type ThreadStore interface {
	CreateThread(ctx context.Context, t model.Thread) error
}

// Notifier fans analysis lifecycle events out to the Observability
// Streamer (C9). It is optional: a nil Notifier silently drops events, so
// this package has no hard dependency on C9 being wired.
type Notifier interface {
	Emit(event model.ObservabilityEvent)
}

// Config carries the subset of internal/config.Config this arbitrator needs.
type Config struct {
	LowCutoff       float64
	HighCutoff      float64
	Stage2TimeoutMS int
}

// Arbitrator implements the routing table and state machine described in
// spec.md §4.8.
type Arbitrator struct {
	decisions DecisionStore
	threads   ThreadStore
	stage1    Stage1Runner
	stage2    Stage2Runner
	notifier  Notifier

	lowCutoff, highCutoff float64
	stage2Timeout         time.Duration

	logger   *slog.Logger
	duration metric.Float64Histogram
}

// New constructs an Arbitrator.
func New(decisions DecisionStore, threads ThreadStore, stage1 Stage1Runner, stage2 Stage2Runner, notifier Notifier, cfg Config, logger *slog.Logger) *Arbitrator {
	meter := telemetry.Meter("fraudcore/arbitrator")
	dur, _ := meter.Float64Histogram("fraudcore.arbitrator.duration",
		metric.WithDescription("Decision Arbitrator wall-clock duration for the synchronous Analyze path (ms)"),
		metric.WithUnit("ms"),
	)
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbitrator{
		decisions:     decisions,
		threads:       threads,
		stage1:        stage1,
		stage2:        stage2,
		notifier:      notifier,
		lowCutoff:     cfg.LowCutoff,
		highCutoff:    cfg.HighCutoff,
		stage2Timeout: time.Duration(cfg.Stage2TimeoutMS) * time.Millisecond,
		logger:        logger,
		duration:      dur,
	}
}

// Analyze runs Stage-1 synchronously and returns a Decision: final if
// Stage-1 alone settled the verdict, or provisional (INVESTIGATE,
// STAGE2_PENDING) with Stage-2 already dispatched in the background.
func (a *Arbitrator) Analyze(ctx context.Context, txn model.Transaction) (model.Decision, error) {
	if txn.TxnID == "" {
		return model.Decision{}, fmt.Errorf("%w: txn_id is required", ErrInvalidInput)
	}
	start := time.Now()
	d, err := a.analyze(ctx, txn)
	if a.duration != nil {
		a.duration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	return d, err
}

func (a *Arbitrator) analyze(ctx context.Context, txn model.Transaction) (model.Decision, error) {
	threadID := uuid.New()
	now := time.Now().UTC()

	a.emit(threadID, model.EventRunStart, map[string]any{"txn_id": txn.TxnID})

	base := model.Decision{
		TxnID:     txn.TxnID,
		ThreadID:  threadID,
		State:     model.StateInit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.decisions.CreateDecision(ctx, base); err != nil {
		return model.Decision{}, fmt.Errorf("arbitrator: create decision: %w", err)
	}

	a.emit(threadID, model.EventStageStart, map[string]any{"stage": 1})
	stage1 := a.stage1.Run(ctx, txn)
	a.emit(threadID, model.EventStageEnd, map[string]any{"stage": 1, "combined_score": stage1.CombinedScore, "needs_stage2": stage1.NeedsStage2})

	s := stage1.CombinedScore
	riskLevel := model.RiskLevelFor(s)
	confidence := model.Stage1ConfidenceFor(s)

	switch {
	case s < a.lowCutoff:
		final := finalDecision(base, stage1, model.VerdictApprove, riskLevel, s, confidence, "stage-1 score below low cutoff, approved without stage-2")
		if err := a.decisions.UpdateStage1(ctx, txn.TxnID, stage1, &final); err != nil {
			return model.Decision{}, fmt.Errorf("arbitrator: finalize stage-1 approve: %w", err)
		}
		a.emit(threadID, model.EventDecisionEmitted, map[string]any{"verdict": final.Verdict})
		return final, nil

	case s > a.highCutoff:
		final := finalDecision(base, stage1, model.VerdictBlock, riskLevel, s, confidence, "stage-1 score above high cutoff, blocked without stage-2")
		if err := a.decisions.UpdateStage1(ctx, txn.TxnID, stage1, &final); err != nil {
			return model.Decision{}, fmt.Errorf("arbitrator: finalize stage-1 block: %w", err)
		}
		a.emit(threadID, model.EventDecisionEmitted, map[string]any{"verdict": final.Verdict})
		return final, nil

	default:
		pending := base
		pending.State = model.StateStage2Pending
		pending.Verdict = model.VerdictInvestigate
		pending.RiskLevel = riskLevel
		pending.RiskScore = s
		pending.Confidence = confidence
		pending.StageCompleted = 1
		pending.Reasoning = "stage-1 ambiguous, deferring to stage-2 analysis"
		pending.TotalElapsedMS = stage1.ElapsedMS
		pending.Stage1 = stage1
		pending.UpdatedAt = time.Now().UTC()

		if err := a.decisions.UpdateStage1(ctx, txn.TxnID, stage1, nil); err != nil {
			return model.Decision{}, fmt.Errorf("arbitrator: record stage-1: %w", err)
		}
		if err := a.threads.CreateThread(ctx, model.Thread{
			ThreadID:  threadID,
			TxnID:     txn.TxnID,
			CreatedAt: now,
			ExpiresAt: now.Add(a.stage2Timeout),
		}); err != nil {
			return model.Decision{}, fmt.Errorf("arbitrator: open thread: %w", err)
		}
		if err := a.decisions.MarkStage2Pending(ctx, txn.TxnID); err != nil {
			return model.Decision{}, fmt.Errorf("arbitrator: mark stage-2 pending: %w", err)
		}

		a.dispatchStage2(ctx, txn, stage1, threadID)
		return pending, nil
	}
}

// dispatchStage2 runs Stage-2 in the background, outliving the request
// context that produced txn: a client disconnect must not cancel an
// already-scheduled deep analysis (spec.md §5). The background context
// carries its own Stage2TimeoutMS deadline as a hard cap.
func (a *Arbitrator) dispatchStage2(ctx context.Context, txn model.Transaction, stage1 model.Stage1Result, threadID uuid.UUID) {
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.stage2Timeout)

	go func() {
		defer cancel()
		a.emit(threadID, model.EventStageStart, map[string]any{"stage": 2})

		stage2 := a.stage2.Run(bgCtx, txn, stage1)

		if bgCtx.Err() != nil && !stage2.TimedOut {
			if err := a.decisions.ExpireStage2(context.WithoutCancel(ctx), txn.TxnID); err != nil {
				a.logger.Error("arbitrator: expire stage-2", "txn_id", txn.TxnID, "error", err)
			}
			a.emit(threadID, model.EventError, map[string]any{"stage": 2, "reason": "hard cap timeout"})
			return
		}

		final := finalizeStage2(txn.TxnID, threadID, stage1, stage2)
		if err := a.decisions.FinalizeStage2(context.WithoutCancel(ctx), final); err != nil {
			a.logger.Error("arbitrator: finalize stage-2", "txn_id", txn.TxnID, "error", err)
			return
		}
		a.emit(threadID, model.EventStageEnd, map[string]any{"stage": 2, "verdict": final.Verdict})
		a.emit(threadID, model.EventDecisionEmitted, map[string]any{"verdict": final.Verdict})
	}()
}

// finalDecision builds a FINAL decision settled by Stage-1 alone.
func finalDecision(base model.Decision, stage1 model.Stage1Result, verdict model.Verdict, riskLevel model.RiskLevel, riskScore, confidence float64, reasoning string) model.Decision {
	d := base
	d.State = model.StateFinal
	d.Verdict = verdict
	d.RiskLevel = riskLevel
	d.RiskScore = riskScore
	d.Confidence = confidence
	d.StageCompleted = 1
	d.Reasoning = reasoning
	d.TotalElapsedMS = stage1.ElapsedMS
	d.Stage1 = stage1
	d.UpdatedAt = time.Now().UTC()
	return d
}

// finalizeStage2 maps a Stage2Result to the FINAL Decision. The
// BLOCK->ESCALATE tie-break already happened in stage2.Analyzer.finalize,
// which owns stage2_score; the mapping left to do here is identity, except
// a timed-out analysis always reports INVESTIGATE regardless of score
// (spec.md §4.8).
func finalizeStage2(txnID string, threadID uuid.UUID, stage1 model.Stage1Result, stage2 model.Stage2Result) model.Decision {
	verdict := stage2.LLMRecommendation
	if stage2.TimedOut {
		verdict = model.VerdictInvestigate
	}

	confidence := stage2.Confidence
	if stage2.TimedOut {
		confidence = 0.5
	}

	return model.Decision{
		TxnID:          txnID,
		ThreadID:       threadID,
		State:          model.StateFinal,
		Verdict:        verdict,
		RiskLevel:      model.RiskLevelFor(stage2.Stage2Score),
		RiskScore:      stage2.Stage2Score,
		Confidence:     confidence,
		StageCompleted: 2,
		Reasoning:      stage2.LLMRationale,
		TotalElapsedMS: stage1.ElapsedMS + stage2.ElapsedMS,
		Stage1:         stage1,
		Stage2:         &stage2,
		UpdatedAt:      time.Now().UTC(),
	}
}

func (a *Arbitrator) emit(threadID uuid.UUID, kind model.EventKind, payload map[string]any) {
	if a.notifier == nil {
		return
	}
	a.notifier.Emit(model.ObservabilityEvent{
		ThreadID:  threadID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}
