package stage1_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fraudcore/engine/internal/model"
	"github.com/fraudcore/engine/internal/stage1"
	"github.com/fraudcore/engine/internal/storage"
)

type fakeProfiles struct {
	profile model.CustomerProfile
	err     error
}

func (f fakeProfiles) GetProfile(_ context.Context, _ string) (model.CustomerProfile, error) {
	return f.profile, f.err
}

type fakeRules struct {
	score float64
	flags []string
	panic bool
}

func (f fakeRules) Evaluate(_ model.Transaction, _ *model.CustomerProfile) (float64, []string) {
	if f.panic {
		panic("predicate exploded")
	}
	return f.score, f.flags
}

type fakeML struct {
	score float64
	ok    bool
}

func (f fakeML) Score(_ model.Transaction, _ *model.CustomerProfile) (float64, bool) {
	return f.score, f.ok
}

func sampleTxn() model.Transaction {
	return model.Transaction{
		TxnID:      "txn-1",
		CustomerID: "cust-1",
		Timestamp:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		Amount:     45.99,
		Currency:   "USD",
	}
}

func defaultCfg() stage1.Config {
	return stage1.Config{
		AlphaWeight:     0.5,
		BetaWeight:      0.5,
		LowCutoff:       25,
		HighCutoff:      85,
		Stage1TimeoutMS: 150,
	}
}

func TestRun_LowRiskApprovesBand(t *testing.T) {
	a := stage1.New(fakeProfiles{profile: model.CustomerProfile{TransactionCount: 10}}, fakeRules{score: 0}, fakeML{score: 0, ok: true}, defaultCfg(), nil)
	result := a.Run(context.Background(), sampleTxn())
	require.Equal(t, 0.0, result.CombinedScore)
	require.False(t, result.NeedsStage2)
	require.False(t, result.Degraded)
}

func TestRun_HighRiskSkipsStage2(t *testing.T) {
	a := stage1.New(fakeProfiles{profile: model.CustomerProfile{TransactionCount: 10}}, fakeRules{score: 1}, fakeML{score: 1, ok: true}, defaultCfg(), nil)
	result := a.Run(context.Background(), sampleTxn())
	require.Equal(t, 100.0, result.CombinedScore)
	require.False(t, result.NeedsStage2)
}

func TestRun_AmbiguousBandNeedsStage2(t *testing.T) {
	a := stage1.New(fakeProfiles{profile: model.CustomerProfile{TransactionCount: 10}}, fakeRules{score: 0.5}, fakeML{score: 0.5, ok: true}, defaultCfg(), nil)
	result := a.Run(context.Background(), sampleTxn())
	require.Equal(t, 50.0, result.CombinedScore)
	require.True(t, result.NeedsStage2)
}

func TestRun_MLUnavailableShiftsFullWeightToRules(t *testing.T) {
	a := stage1.New(fakeProfiles{err: storage.ErrNotFound}, fakeRules{score: 0.6}, fakeML{ok: false}, defaultCfg(), nil)
	result := a.Run(context.Background(), sampleTxn())
	require.Equal(t, 60.0, result.CombinedScore)
	require.False(t, result.MLAvailable)
}

func TestRun_ProfileNotFoundProceedsWithZeroBaseline(t *testing.T) {
	a := stage1.New(fakeProfiles{err: storage.ErrNotFound}, fakeRules{score: 0}, fakeML{ok: false}, defaultCfg(), nil)
	result := a.Run(context.Background(), sampleTxn())
	require.False(t, result.Degraded)
}

func TestRun_PanickingRuleFallsBackConservatively(t *testing.T) {
	a := stage1.New(fakeProfiles{profile: model.CustomerProfile{TransactionCount: 10}}, fakeRules{panic: true}, fakeML{score: 0, ok: true}, defaultCfg(), nil)
	result := a.Run(context.Background(), sampleTxn())
	require.True(t, result.Degraded)
	require.True(t, result.NeedsStage2)
	require.Equal(t, 50.0, result.CombinedScore) // 100 * alpha(0.5)
}

func TestRun_StoreErrorOtherThanNotFoundStillProceeds(t *testing.T) {
	a := stage1.New(fakeProfiles{err: errors.New("connection refused")}, fakeRules{score: 0.2}, fakeML{ok: false}, defaultCfg(), nil)
	result := a.Run(context.Background(), sampleTxn())
	require.False(t, result.Degraded)
	require.Equal(t, 20.0, result.CombinedScore)
}
