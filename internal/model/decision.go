package model

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Verdict is the final or provisional outcome of an analysis.
type Verdict string

const (
	VerdictApprove    Verdict = "APPROVE"
	VerdictBlock      Verdict = "BLOCK"
	VerdictInvestigate Verdict = "INVESTIGATE"
	VerdictEscalate   Verdict = "ESCALATE"
)

// RiskLevel buckets a 0-100 risk_score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Stage1ConfidenceFor implements spec.md §4.8's "1 - |50-s|/50" curve for
// decisions a combined score of s settles or parks at: it peaks at the
// extremes and dips in the ambiguous middle.
func Stage1ConfidenceFor(s float64) float64 {
	c := 1 - math.Abs(50-s)/50
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// RiskLevelFor maps a 0-100 risk score to its bucket, per spec.md §4.8.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score < 25:
		return RiskLow
	case score < 60:
		return RiskMedium
	case score < 85:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// DecisionState is the Decision's lifecycle state machine (spec.md §4.8):
//
//	INIT -> (FINAL | STAGE1_DONE -> (FINAL | STAGE2_PENDING -> STAGE2_DONE -> FINAL))
//	                                           \-> EXPIRED (stage2 hard-cap timeout) -> FINAL_INVESTIGATE
//
// INIT -> FINAL is the fast path: Stage-1 alone settles the verdict, so
// UpdateStage1 records the result and closes the decision in one
// transition instead of parking at STAGE1_DONE first.
type DecisionState string

const (
	StateInit          DecisionState = "INIT"
	StateStage1Done    DecisionState = "STAGE1_DONE"
	StateStage2Pending DecisionState = "STAGE2_PENDING"
	StateStage2Done    DecisionState = "STAGE2_DONE"
	StateExpired       DecisionState = "EXPIRED"
	StateFinal         DecisionState = "FINAL"
)

// validTransitions enumerates the state machine's legal edges. A Decision
// is written at most once into StateFinal; CanTransition rejects anything else.
var validTransitions = map[DecisionState][]DecisionState{
	StateInit:          {StateStage1Done, StateFinal},
	StateStage1Done:    {StateFinal, StateStage2Pending},
	StateStage2Pending: {StateStage2Done, StateExpired, StateFinal},
	StateStage2Done:    {StateFinal},
	StateExpired:       {StateFinal},
}

// CanTransition reports whether moving from 'from' to 'to' is legal.
func CanTransition(from, to DecisionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stage1Result is produced by the Stage-1 Analyzer (C6).
type Stage1Result struct {
	RuleScore     float64  `json:"rule_score"`
	RuleFlags     []string `json:"rule_flags"`
	MLScore       float64  `json:"ml_score"`
	MLAvailable   bool     `json:"ml_available"`
	CombinedScore float64  `json:"combined_score"` // 0-100
	NeedsStage2   bool     `json:"needs_stage2"`
	ElapsedMS     int64    `json:"elapsed_ms"`
	Degraded      bool     `json:"degraded,omitempty"` // set on internal-error fallback
}

// Stage2Result is produced by the Stage-2 Analyzer (C7).
type Stage2Result struct {
	SimilarTxnIDs     []string `json:"similar_txn_ids"`
	LLMRecommendation Verdict  `json:"llm_recommendation"`
	LLMRationale      string   `json:"llm_rationale"`
	Stage2Score       float64 `json:"stage2_score"` // 0-100
	ElapsedMS         int64   `json:"elapsed_ms"`
	TimedOut          bool    `json:"timed_out,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`
}

// Decision is the (possibly provisional) verdict record for one thread.
// Created in StateInit before Stage-1 runs; updated with the Stage-1
// result, and once more when Stage-2 completes if Stage-2 was scheduled;
// never mutated after reaching StateFinal.
type Decision struct {
	TxnID          string        `json:"txn_id"`
	ThreadID       uuid.UUID     `json:"thread_id"`
	State          DecisionState `json:"state"`
	Verdict        Verdict       `json:"verdict"`
	RiskLevel      RiskLevel     `json:"risk_level"`
	RiskScore      float64       `json:"risk_score"` // 0-100
	Confidence     float64       `json:"confidence"` // 0-1
	StageCompleted int           `json:"stage_completed"`
	Reasoning      string        `json:"reasoning"`
	TotalElapsedMS int64         `json:"total_elapsed_ms"`
	Stage1         Stage1Result  `json:"stage1"`
	Stage2         *Stage2Result `json:"stage2,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// IsFinal reports whether this decision has reached a terminal state.
func (d Decision) IsFinal() bool {
	return d.State == StateFinal
}
