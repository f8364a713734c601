// Package stage2 implements the Stage-2 Analyzer (C7): the deferred deep
// analysis path — vector retrieval over similar past transactions plus an
// LLM tool-reasoner — that the Arbitrator (C8) schedules for transactions
// whose Stage-1 combined_score falls in the ambiguous LOW_CUTOFF/HIGH_CUTOFF
// band.
package stage2

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fraudcore/engine/internal/embedding"
	"github.com/fraudcore/engine/internal/model"
	"github.com/fraudcore/engine/internal/search"
)

// DecisionLookup is the narrow storage slice used to hydrate neighbor
// verdicts once KNN returns candidate transaction IDs.
type DecisionLookup interface {
	GetDecision(ctx context.Context, txnID string) (model.Decision, error)
}

// Config carries the Stage-2 tunables from internal/config.Config.
type Config struct {
	Stage2TimeoutMS  int
	Stage2ToolBudget int
	KNNK             int
}

// transientRetryDelay bounds the single retry Stage-2 gives a
// KindUpstreamTransient failure from the reasoner or the embedding
// provider before degrading, per spec.md §9's Open Question resolution.
// Independent of storage.WithRetry, which only ever sees Postgres errors.
const transientRetryDelay = 200 * time.Millisecond

// retryOnceTransient runs fn, and if it fails with a model.KindUpstreamTransient
// error, waits delay and runs it exactly once more. Any other error, or a
// second failure, is returned as-is.
func retryOnceTransient(ctx context.Context, delay time.Duration, fn func() error) error {
	err := fn()
	if err == nil || !model.IsTransient(err) {
		return err
	}
	select {
	case <-ctx.Done():
		return err
	case <-time.After(delay):
	}
	return fn()
}

// Analyzer runs the spec.md §4.7 pipeline: canonical text -> embed -> KNN
// (same-category preference, falling back to unfiltered) -> neighbor
// verdict hydration -> LLM tool-reasoner with a bounded tool budget and
// wall-clock timeout.
type Analyzer struct {
	index     search.Index
	embedder  embedding.Provider
	decisions DecisionLookup
	reasoner  Reasoner
	tools     []ToolSpec

	knnK       int
	toolBudget int
	timeout    time.Duration

	logger *slog.Logger
}

// New constructs a Stage-2 Analyzer.
func New(index search.Index, embedder embedding.Provider, decisions DecisionLookup, reasoner Reasoner, tools []ToolSpec, cfg Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	knnK := cfg.KNNK
	if knnK <= 0 {
		knnK = 5
	}
	toolBudget := cfg.Stage2ToolBudget
	if toolBudget <= 0 {
		toolBudget = 8
	}
	return &Analyzer{
		index:      index,
		embedder:   embedder,
		decisions:  decisions,
		reasoner:   reasoner,
		tools:      tools,
		knnK:       knnK,
		toolBudget: toolBudget,
		timeout:    time.Duration(cfg.Stage2TimeoutMS) * time.Millisecond,
		logger:     logger,
	}
}

// Run executes the deferred deep analysis for one transaction. It never
// returns an error: every failure mode degrades to a Stage2Result per
// spec.md §4.7/§9 (empty neighbor set, reasoner timeout, tool budget
// exhaustion) rather than propagating — the Arbitrator always has a result
// to finalize with.
func (a *Analyzer) Run(ctx context.Context, txn model.Transaction, stage1 model.Stage1Result) model.Stage2Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	result := a.run(ctx, txn, stage1)
	result.ElapsedMS = time.Since(start).Milliseconds()
	return result
}

func (a *Analyzer) run(ctx context.Context, txn model.Transaction, stage1 model.Stage1Result) model.Stage2Result {
	neighbors := a.retrieveNeighbors(ctx, txn)

	prompt, err := a.buildPrompt(txn, stage1, neighbors)
	if err != nil {
		a.logger.Error("stage2: build prompt failed", "txn_id", txn.TxnID, "error", err)
		return a.timeoutFallback(stage1)
	}

	messages := []ChatMessage{{Role: "user", Content: prompt}}
	toolCalls := 0

	for turn := 0; turn < a.toolBudget; turn++ {
		if ctx.Err() != nil {
			return a.timeoutFallback(stage1)
		}

		var reply string
		err := retryOnceTransient(ctx, transientRetryDelay, func() error {
			var chatErr error
			reply, chatErr = a.reasoner.Chat(ctx, messages)
			return chatErr
		})
		if err != nil {
			a.logger.Warn("stage2: reasoner call failed", "txn_id", txn.TxnID, "turn", turn, "error", err)
			return a.timeoutFallback(stage1)
		}
		messages = append(messages, ChatMessage{Role: "assistant", Content: reply})

		out, calls, ok := parseReasonerTurn(reply)
		if ok {
			return a.finalize(out, neighbors)
		}
		if len(calls) == 0 {
			// Unparseable, non-tool-call reply: nudge once more rather than
			// burning the whole budget on a single malformed turn.
			messages = append(messages, ChatMessage{Role: "user",
				Content: "Respond with either TOOL_CALL lines or the final RECOMMENDATION/RATIONALE/STAGE2_SCORE block."})
			continue
		}

		if toolCalls+len(calls) > a.toolBudget {
			break
		}
		toolCalls += len(calls)
		toolResults := a.dispatchTools(ctx, txn, calls)
		messages = append(messages, ChatMessage{Role: "tool", Content: toolResults})
	}

	a.logger.Warn("stage2: tool budget exhausted without a verdict", "txn_id", txn.TxnID)
	return a.timeoutFallback(stage1)
}

// retrieveNeighbors embeds the transaction's canonical text and retrieves
// up to knnK similar past transactions, preferring the same merchant
// category, falling back to an unfiltered search when that preference
// yields nothing. Neighbors are not filtered or ranked by customer. An
// embedding or index failure yields an empty neighbor
// set — Stage-2 then relies on the LLM alone, per spec.md §9.
func (a *Analyzer) retrieveNeighbors(ctx context.Context, txn model.Transaction) []neighbor {
	var vec []float32
	err := retryOnceTransient(ctx, transientRetryDelay, func() error {
		var embedErr error
		vec, embedErr = a.embedder.Embed(ctx, embedding.CanonicalText(txn))
		return embedErr
	})
	if err != nil {
		a.logger.Warn("stage2: embedding failed, proceeding with zero neighbors", "txn_id", txn.TxnID, "error", err)
		return nil
	}

	var category *string
	if txn.Merchant.Category != "" {
		category = &txn.Merchant.Category
	}
	candidateFilter := search.Filter{Category: category, ExcludeTxnID: txn.TxnID}

	docs, err := a.index.KNN(ctx, vec, a.knnK, candidateFilter)
	if err != nil {
		a.logger.Warn("stage2: knn search failed, proceeding with zero neighbors", "txn_id", txn.TxnID, "error", err)
		return nil
	}
	if len(docs) == 0 && category != nil {
		docs, err = a.index.KNN(ctx, vec, a.knnK, search.Filter{ExcludeTxnID: txn.TxnID})
		if err != nil {
			a.logger.Warn("stage2: unfiltered knn search failed", "txn_id", txn.TxnID, "error", err)
			return nil
		}
	}

	return a.hydrateNeighbors(ctx, docs)
}

type neighbor struct {
	TxnID   string
	Score   float32
	Verdict model.Verdict
}

// hydrateNeighbors fetches each candidate's final verdict from C5 so the
// reasoner prompt can cite "3 similar transactions, 2 BLOCKed" rather than
// bare IDs. A neighbor whose decision isn't found or isn't final yet is
// included with an empty verdict instead of being dropped silently.
func (a *Analyzer) hydrateNeighbors(ctx context.Context, docs []search.ScoredDoc) []neighbor {
	out := make([]neighbor, len(docs))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			n := neighbor{TxnID: doc.TxnID, Score: doc.Score}
			d, err := a.decisions.GetDecision(gCtx, doc.TxnID)
			if err == nil {
				n.Verdict = d.Verdict
			}
			out[i] = n
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// dispatchTools runs the requested tool calls concurrently (bounded, per
// spec.md §4.7) and renders their results into one "tool" turn.
func (a *Analyzer) dispatchTools(ctx context.Context, txn model.Transaction, calls []toolRequest) string {
	results := make([]string, len(calls))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = a.invokeTool(gCtx, txn, call)
			return nil
		})
	}
	_ = g.Wait()
	return strings.Join(results, "\n")
}

func (a *Analyzer) invokeTool(ctx context.Context, txn model.Transaction, call toolRequest) string {
	start := time.Now()
	for _, spec := range a.tools {
		if spec.Name != call.Name {
			continue
		}
		out, err := spec.Handler(ctx, call.Args)
		elapsed := time.Since(start)
		if err != nil {
			a.logger.Warn("stage2: tool call failed", "txn_id", txn.TxnID, "tool", call.Name, "elapsed_ms", elapsed.Milliseconds(), "error", err)
			return fmt.Sprintf("TOOL_RESULT %s: error: %s", call.Name, err.Error())
		}
		return fmt.Sprintf("TOOL_RESULT %s: %s", call.Name, out)
	}
	return fmt.Sprintf("TOOL_RESULT %s: error: unknown tool", call.Name)
}

// finalize applies the escalation tie-break (spec.md §4.8: stage2_score >=
// 90 escalates a BLOCK recommendation) and builds the final Stage2Result.
func (a *Analyzer) finalize(out reasonerOutput, neighbors []neighbor) model.Stage2Result {
	recommendation := out.Recommendation
	if recommendation == model.VerdictBlock && out.Stage2Score >= 90 {
		recommendation = model.VerdictEscalate
	}

	ids := make([]string, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.TxnID
	}

	return model.Stage2Result{
		SimilarTxnIDs:     ids,
		LLMRecommendation: recommendation,
		LLMRationale:      out.Rationale,
		Stage2Score:       out.Stage2Score,
		Confidence:        confidenceFor(out.Stage2Score),
	}
}

// timeoutFallback implements spec.md §4.7's tie-break: the reasoner failed
// to produce structured output within budget, so Stage-2 yields INVESTIGATE
// with the stronger of the Stage-1 score and a neutral 50.
func (a *Analyzer) timeoutFallback(stage1 model.Stage1Result) model.Stage2Result {
	score := stage1.CombinedScore
	if score < 50 {
		score = 50
	}
	return model.Stage2Result{
		LLMRecommendation: model.VerdictInvestigate,
		LLMRationale:      "stage2 timeout",
		Stage2Score:       score,
		TimedOut:          true,
		Confidence:        0.5,
	}
}

// confidenceFor maps a stage2_score to a 0-1 confidence, scoring distance
// from the indecisive midpoint: scores near 50 mean the reasoner itself was
// unsure, scores near the extremes mean it was confident either way.
func confidenceFor(score float64) float64 {
	return clip(0.5+(absFloat(score-50)/100), 0, 1)
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// buildPrompt assembles the reasoner's opening turn: the transaction, the
// Stage-1 summary, retrieved neighbors with their verdicts, the tool
// capability table, and the structured-output contract the reasoner must
// follow (either one or more TOOL_CALL lines, or a final
// RECOMMENDATION/RATIONALE/STAGE2_SCORE block).
func (a *Analyzer) buildPrompt(txn model.Transaction, stage1 model.Stage1Result, neighbors []neighbor) (string, error) {
	toolDocs, err := RenderToolDescriptions(a.tools)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("You are a fraud/AML transaction analyst performing deep review of a transaction that Stage-1 triage flagged as ambiguous.\n\n")
	fmt.Fprintf(&b, "Transaction: %s, customer %s, amount %.2f %s, merchant %s (%s), country %s, type %s, payment method %s.\n",
		txn.TxnID, txn.CustomerID, txn.Amount, txn.Currency, txn.Merchant.Name, txn.Merchant.Category, txn.Location.Country, txn.Type, txn.PaymentMethod)
	fmt.Fprintf(&b, "Stage-1 summary: rule_score=%.2f, rule_flags=%v, ml_score=%.2f, combined_score=%.1f.\n\n",
		stage1.RuleScore, stage1.RuleFlags, stage1.MLScore, stage1.CombinedScore)

	if len(neighbors) == 0 {
		b.WriteString("No similar past transactions were retrieved.\n\n")
	} else {
		b.WriteString("Similar past transactions:\n")
		for _, n := range neighbors {
			verdict := string(n.Verdict)
			if verdict == "" {
				verdict = "unknown"
			}
			fmt.Fprintf(&b, "- %s (similarity %.3f, verdict %s)\n", n.TxnID, n.Score, verdict)
		}
		b.WriteString("\n")
	}

	b.WriteString("Available tools:\n")
	b.WriteString(toolDocs)

	b.WriteString(`To call a tool, reply with one or more lines of the form:
TOOL_CALL: <tool_name> {"arg": "value"}

When you have enough information, reply with exactly:
RECOMMENDATION: one of APPROVE, BLOCK, INVESTIGATE, ESCALATE
RATIONALE: one or two sentences
STAGE2_SCORE: a number from 0 to 100
`)

	return b.String(), nil
}
