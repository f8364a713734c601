package stage2_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fraudcore/engine/internal/model"
	"github.com/fraudcore/engine/internal/search"
	"github.com/fraudcore/engine/internal/stage2"
)

type fakeProfileLookup struct {
	profile model.CustomerProfile
	err     error
}

func (f fakeProfileLookup) GetProfile(_ context.Context, _ string) (model.CustomerProfile, error) {
	return f.profile, f.err
}

type fakeRelationshipLookup struct {
	rels []model.Relationship
	err  error
}

func (f fakeRelationshipLookup) GetRelationships(_ context.Context, _ string, _ bool, _ float64) ([]model.Relationship, error) {
	return f.rels, f.err
}

func TestBuildToolSpecs_HasThreeTools(t *testing.T) {
	specs := stage2.BuildToolSpecs(
		fakeProfileLookup{profile: model.CustomerProfile{CustomerID: "cust-1"}},
		fakeRelationshipLookup{},
		fakeIndex{},
		&fakeEmbedder{vec: []float32{0.1}},
	)
	require.Len(t, specs, 3)

	names := map[string]bool{}
	for _, s := range specs {
		names[s.Name] = true
	}
	require.True(t, names["lookup_customer"])
	require.True(t, names["lookup_relationships"])
	require.True(t, names["lookup_similar_by_text"])
}

func TestLookupCustomerHandler_ReturnsProfileJSON(t *testing.T) {
	specs := stage2.BuildToolSpecs(
		fakeProfileLookup{profile: model.CustomerProfile{CustomerID: "cust-1", MeanAmount: 42}},
		fakeRelationshipLookup{},
		fakeIndex{},
		&fakeEmbedder{vec: []float32{0.1}},
	)
	out, err := specs[0].Handler(context.Background(), map[string]any{"customer_id": "cust-1"})
	require.NoError(t, err)
	require.Contains(t, out, "cust-1")
}

func TestLookupCustomerHandler_MissingIDErrors(t *testing.T) {
	specs := stage2.BuildToolSpecs(fakeProfileLookup{}, fakeRelationshipLookup{}, fakeIndex{}, &fakeEmbedder{})
	_, err := specs[0].Handler(context.Background(), map[string]any{})
	require.Error(t, err)
}

func TestRenderToolDescriptions_ProducesNonEmptyOutput(t *testing.T) {
	specs := stage2.BuildToolSpecs(fakeProfileLookup{}, fakeRelationshipLookup{}, fakeIndex{}, &fakeEmbedder{})
	out, err := stage2.RenderToolDescriptions(specs)
	require.NoError(t, err)
	require.Contains(t, out, "lookup_customer")
	require.Contains(t, out, "lookup_relationships")
	require.Contains(t, out, "lookup_similar_by_text")
}

var _ search.Index = fakeIndex{}
