package arbitrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fraudcore/engine/internal/arbitrator"
	"github.com/fraudcore/engine/internal/model"
)

type fakeDecisions struct {
	mu          sync.Mutex
	created     []model.Decision
	updated     []model.Stage1Result
	finals      []*model.Decision
	pending     int
	finalized   chan model.Decision
	expired     chan string
	finalizeErr error
}

func newFakeDecisions() *fakeDecisions {
	return &fakeDecisions{finalized: make(chan model.Decision, 1), expired: make(chan string, 1)}
}

func (f *fakeDecisions) CreateDecision(_ context.Context, d model.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, d)
	return nil
}

func (f *fakeDecisions) UpdateStage1(_ context.Context, _ string, stage1 model.Stage1Result, final *model.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, stage1)
	f.finals = append(f.finals, final)
	return nil
}

func (f *fakeDecisions) MarkStage2Pending(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending++
	return nil
}

func (f *fakeDecisions) FinalizeStage2(_ context.Context, d model.Decision) error {
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	f.finalized <- d
	return nil
}

func (f *fakeDecisions) ExpireStage2(_ context.Context, txnID string) error {
	f.expired <- txnID
	return nil
}

type fakeThreads struct {
	mu      sync.Mutex
	created []model.Thread
}

func (f *fakeThreads) CreateThread(_ context.Context, t model.Thread) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, t)
	return nil
}

type fakeStage1 struct {
	result model.Stage1Result
}

func (f fakeStage1) Run(_ context.Context, _ model.Transaction) model.Stage1Result {
	return f.result
}

type fakeStage2 struct {
	mu     sync.Mutex
	calls  int
	result model.Stage2Result
}

func (f *fakeStage2) Run(_ context.Context, _ model.Transaction, _ model.Stage1Result) model.Stage2Result {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result
}

func (f *fakeStage2) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func sampleTxn() model.Transaction {
	return model.Transaction{TxnID: "txn-1", CustomerID: "cust-1", Amount: 100, Currency: "USD"}
}

func TestAnalyze_LowScoreApprovesWithoutStage2(t *testing.T) {
	decisions := newFakeDecisions()
	stage2 := &fakeStage2{}
	a := arbitrator.New(decisions, &fakeThreads{}, fakeStage1{result: model.Stage1Result{CombinedScore: 10}}, stage2, nil,
		arbitrator.Config{LowCutoff: 25, HighCutoff: 85, Stage2TimeoutMS: 1000}, nil)

	d, err := a.Analyze(context.Background(), sampleTxn())
	require.NoError(t, err)
	require.Equal(t, model.StateFinal, d.State)
	require.Equal(t, model.VerdictApprove, d.Verdict)
	require.Equal(t, 0, stage2.callCount())
}

func TestAnalyze_HighScoreBlocksWithoutStage2(t *testing.T) {
	decisions := newFakeDecisions()
	stage2 := &fakeStage2{}
	a := arbitrator.New(decisions, &fakeThreads{}, fakeStage1{result: model.Stage1Result{CombinedScore: 95}}, stage2, nil,
		arbitrator.Config{LowCutoff: 25, HighCutoff: 85, Stage2TimeoutMS: 1000}, nil)

	d, err := a.Analyze(context.Background(), sampleTxn())
	require.NoError(t, err)
	require.Equal(t, model.StateFinal, d.State)
	require.Equal(t, model.VerdictBlock, d.Verdict)
	require.Equal(t, 0, stage2.callCount())
}

func TestAnalyze_AmbiguousSchedulesStage2AndAppliesItsVerdict(t *testing.T) {
	decisions := newFakeDecisions()
	threads := &fakeThreads{}
	// Stage-2 already applied its own BLOCK->ESCALATE tie-break before
	// returning; the arbitrator should carry that verdict through unchanged.
	stage2 := &fakeStage2{result: model.Stage2Result{LLMRecommendation: model.VerdictEscalate, Stage2Score: 95, LLMRationale: "matches known ring"}}
	a := arbitrator.New(decisions, threads, fakeStage1{result: model.Stage1Result{CombinedScore: 50}}, stage2, nil,
		arbitrator.Config{LowCutoff: 25, HighCutoff: 85, Stage2TimeoutMS: 1000}, nil)

	d, err := a.Analyze(context.Background(), sampleTxn())
	require.NoError(t, err)
	require.Equal(t, model.StateStage2Pending, d.State)
	require.Equal(t, model.VerdictInvestigate, d.Verdict)

	select {
	case final := <-decisions.finalized:
		require.Equal(t, model.VerdictEscalate, final.Verdict)
		require.Equal(t, model.StateFinal, final.State)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for background stage-2 finalize")
	}

	require.Len(t, threads.created, 1)
}

func TestAnalyze_TimedOutStage2ForcesInvestigateRegardlessOfScore(t *testing.T) {
	decisions := newFakeDecisions()
	stage2 := &fakeStage2{result: model.Stage2Result{LLMRecommendation: model.VerdictEscalate, Stage2Score: 95, TimedOut: true}}
	a := arbitrator.New(decisions, &fakeThreads{}, fakeStage1{result: model.Stage1Result{CombinedScore: 50}}, stage2, nil,
		arbitrator.Config{LowCutoff: 25, HighCutoff: 85, Stage2TimeoutMS: 1000}, nil)

	_, err := a.Analyze(context.Background(), sampleTxn())
	require.NoError(t, err)

	select {
	case final := <-decisions.finalized:
		require.Equal(t, model.VerdictInvestigate, final.Verdict)
		require.Equal(t, 0.5, final.Confidence)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for background stage-2 finalize")
	}
}

func TestAnalyze_MissingTxnIDReturnsError(t *testing.T) {
	a := arbitrator.New(newFakeDecisions(), &fakeThreads{}, fakeStage1{}, &fakeStage2{}, nil,
		arbitrator.Config{LowCutoff: 25, HighCutoff: 85, Stage2TimeoutMS: 1000}, nil)

	_, err := a.Analyze(context.Background(), model.Transaction{})
	require.Error(t, err)
}

func TestAnalyze_DisconnectedContextDoesNotCancelBackgroundStage2(t *testing.T) {
	decisions := newFakeDecisions()
	stage2 := &fakeStage2{result: model.Stage2Result{LLMRecommendation: model.VerdictApprove, Stage2Score: 5}}
	a := arbitrator.New(decisions, &fakeThreads{}, fakeStage1{result: model.Stage1Result{CombinedScore: 50}}, stage2, nil,
		arbitrator.Config{LowCutoff: 25, HighCutoff: 85, Stage2TimeoutMS: 1000}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	d, err := a.Analyze(ctx, sampleTxn())
	require.NoError(t, err)
	require.Equal(t, model.StateStage2Pending, d.State)

	cancel() // simulate client disconnect right after the synchronous response

	select {
	case final := <-decisions.finalized:
		require.Equal(t, model.VerdictApprove, final.Verdict)
	case <-time.After(2 * time.Second):
		t.Fatal("background stage-2 should still complete after request context cancellation")
	}
}
