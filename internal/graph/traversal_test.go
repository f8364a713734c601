package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/fraudcore/engine/internal/model"
)

type fakeStore struct {
	mu    sync.Mutex
	edges map[string][]model.Relationship
	calls []string
}

func (f *fakeStore) GetRelationships(_ context.Context, entityID string, _ bool, _ float64) ([]model.Relationship, error) {
	f.mu.Lock()
	f.calls = append(f.calls, entityID)
	f.mu.Unlock()
	return f.edges[entityID], nil
}

func rel(id, source, target, relType string, direction model.RelationDirection) model.Relationship {
	return model.Relationship{
		RelID: id, SourceEntityID: source, SourceType: "customer", TargetEntityID: target, TargetType: "customer",
		Type: relType, Direction: direction, Strength: 0.8, Confidence: 0.9, Active: true,
	}
}

func TestBuildNetwork_SingleHop(t *testing.T) {
	store := &fakeStore{edges: map[string][]model.Relationship{
		"A": {rel("r1", "A", "B", "shares_device", model.DirectionUni)},
		"B": {rel("r1", "A", "B", "shares_device", model.DirectionUni)},
	}}
	w := New(store, nil)

	g, err := w.BuildNetwork(context.Background(), model.NetworkParams{CenterEntityID: "A", MaxDepth: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d: %+v", len(g.Nodes), g.Nodes)
	}
	if len(g.Edges) != 1 {
		t.Fatalf("expected 1 de-duplicated edge, got %d: %+v", len(g.Edges), g.Edges)
	}
}

func TestBuildNetwork_DedupsBidirectionalEdge(t *testing.T) {
	// A->B and B->A both listed for the same underlying relationship.
	store := &fakeStore{edges: map[string][]model.Relationship{
		"A": {rel("r1", "A", "B", "shares_card", model.DirectionUni)},
		"B": {rel("r1", "B", "A", "shares_card", model.DirectionUni)},
	}}
	w := New(store, nil)

	g, err := w.BuildNetwork(context.Background(), model.NetworkParams{CenterEntityID: "A", MaxDepth: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Edges) != 1 {
		t.Fatalf("expected bidirectional edge deduped to 1, got %d: %+v", len(g.Edges), g.Edges)
	}
}

func TestBuildNetwork_StopsAtMaxDepth(t *testing.T) {
	store := &fakeStore{edges: map[string][]model.Relationship{
		"A": {rel("r1", "A", "B", "shares_device", model.DirectionUni)},
		"B": {rel("r2", "B", "C", "shares_device", model.DirectionUni)},
		"C": {rel("r3", "C", "D", "shares_device", model.DirectionUni)},
	}}
	w := New(store, nil)

	g, err := w.BuildNetwork(context.Background(), model.NetworkParams{CenterEntityID: "A", MaxDepth: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Nodes) != 2 {
		t.Fatalf("expected traversal to stop after 1 hop (2 nodes), got %d: %+v", len(g.Nodes), g.Nodes)
	}
	if g.MaxDepthReached != 1 {
		t.Errorf("expected MaxDepthReached=1, got %d", g.MaxDepthReached)
	}
}

func TestBuildNetwork_StopsAtNodeCap(t *testing.T) {
	store := &fakeStore{edges: map[string][]model.Relationship{
		"A": {
			rel("r1", "A", "B", "shares_device", model.DirectionUni),
			rel("r2", "A", "C", "shares_device", model.DirectionUni),
			rel("r3", "A", "D", "shares_device", model.DirectionUni),
		},
	}}
	w := New(store, nil)

	g, err := w.BuildNetwork(context.Background(), model.NetworkParams{CenterEntityID: "A", MaxDepth: 4, MaxNodes: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Nodes) > 2 {
		t.Fatalf("expected node cap of 2 honored, got %d nodes: %+v", len(g.Nodes), g.Nodes)
	}
}

func TestBuildNetwork_FiltersByRelationshipType(t *testing.T) {
	store := &fakeStore{edges: map[string][]model.Relationship{
		"A": {
			rel("r1", "A", "B", "shares_device", model.DirectionUni),
			rel("r2", "A", "C", "shares_address", model.DirectionUni),
		},
	}}
	w := New(store, nil)

	g, err := w.BuildNetwork(context.Background(), model.NetworkParams{
		CenterEntityID: "A", MaxDepth: 1, RelationshipTypes: []string{"shares_device"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Edges) != 1 || g.Edges[0].RelType != "shares_device" {
		t.Fatalf("expected only shares_device edge retained, got %+v", g.Edges)
	}
}

func TestBuildNetwork_AppliesDefaults(t *testing.T) {
	store := &fakeStore{edges: map[string][]model.Relationship{}}
	w := New(store, nil)

	g, err := w.BuildNetwork(context.Background(), model.NetworkParams{CenterEntityID: "A"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.CenterEntityID != "A" {
		t.Errorf("expected center entity preserved, got %q", g.CenterEntityID)
	}
	if len(g.Nodes) != 1 {
		t.Fatalf("expected only the center node when there are no edges, got %+v", g.Nodes)
	}
}

func TestBuildNetwork_MissingCenterReturnsError(t *testing.T) {
	w := New(&fakeStore{}, nil)
	_, err := w.BuildNetwork(context.Background(), model.NetworkParams{})
	if err == nil {
		t.Fatal("expected error for missing center_entity_id")
	}
}

func TestBuildNetwork_DeterministicAcrossRuns(t *testing.T) {
	store := &fakeStore{edges: map[string][]model.Relationship{
		"A": {
			rel("r1", "A", "B", "shares_device", model.DirectionUni),
			rel("r2", "A", "C", "shares_device", model.DirectionUni),
		},
		"B": {rel("r1", "A", "B", "shares_device", model.DirectionUni)},
		"C": {rel("r2", "A", "C", "shares_device", model.DirectionUni)},
	}}
	w := New(store, nil)
	params := model.NetworkParams{CenterEntityID: "A", MaxDepth: 2}

	g1, err := w.BuildNetwork(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g2, err := w.BuildNetwork(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g1.Nodes) != len(g2.Nodes) || len(g1.Edges) != len(g2.Edges) {
		t.Fatalf("expected deterministic result across runs, got %+v vs %+v", g1, g2)
	}
}
