// Package graph implements the Relationship Graph Traversal (C10): a
// bounded breadth-first walk of the entity relationship graph rooted at a
// center entity, producing a de-duplicated NetworkGraph.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel/metric"

	"github.com/fraudcore/engine/internal/model"
	"github.com/fraudcore/engine/internal/telemetry"
)

// RelationshipStore is the narrow slice of C5 this traversal needs.
type RelationshipStore interface {
	GetRelationships(ctx context.Context, entityID string, onlyActive bool, minConfidence float64) ([]model.Relationship, error)
}

// hopConcurrency bounds how many entities in a frontier are fetched at
// once, mirroring internal/conflicts/scorer.go's errgroup.SetLimit use for
// bounding concurrent per-item fan-out.
const hopConcurrency = 8

// Walker builds NetworkGraphs by BFS over a RelationshipStore.
type Walker struct {
	store RelationshipStore

	logger   *slog.Logger
	duration metric.Float64Histogram
}

// New constructs a Walker.
func New(store RelationshipStore, logger *slog.Logger) *Walker {
	meter := telemetry.Meter("fraudcore/graph")
	dur, _ := meter.Float64Histogram("fraudcore.graph.build_network.duration",
		metric.WithDescription("Relationship graph BFS traversal duration (ms)"),
		metric.WithUnit("ms"),
	)
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{store: store, logger: logger, duration: dur}
}

// canonicalKey returns the undirected de-duplication key for an edge: the
// lexicographically smaller endpoint first, paired with the relationship
// type, so a bidirectional edge and its reverse-listed twin collapse to a
// single entry. Grounded on internal/conflicts/scorer.go's normalizePair.
func canonicalKey(a, b, relType string) [3]string {
	if a > b {
		a, b = b, a
	}
	return [3]string{a, b, relType}
}

// BuildNetwork walks the relationship graph from params.CenterEntityID,
// applying defaults for any zero-valued field, and returns a de-duplicated
// NetworkGraph bounded by MaxDepth and MaxNodes (spec.md §4.10).
func (w *Walker) BuildNetwork(ctx context.Context, params model.NetworkParams) (model.NetworkGraph, error) {
	start := time.Now()
	g, err := w.buildNetwork(ctx, applyDefaults(params))
	if w.duration != nil {
		w.duration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	return g, err
}

func applyDefaults(p model.NetworkParams) model.NetworkParams {
	d := model.DefaultNetworkParams(p.CenterEntityID)
	if p.MaxDepth != 0 {
		d.MaxDepth = p.MaxDepth
	}
	if p.MinConfidence != 0 {
		d.MinConfidence = p.MinConfidence
	}
	d.OnlyActive = p.OnlyActive
	if p.MaxNodes != 0 {
		d.MaxNodes = p.MaxNodes
	}
	d.RelationshipTypes = p.RelationshipTypes
	return d
}

func (w *Walker) buildNetwork(ctx context.Context, params model.NetworkParams) (model.NetworkGraph, error) {
	if params.CenterEntityID == "" {
		return model.NetworkGraph{}, fmt.Errorf("graph: center_entity_id is required")
	}

	start := time.Now()
	visitedNodes := map[string]struct{}{params.CenterEntityID: {}}
	// canonicalIndex maps an undirected edge key to its slot in edges, so a
	// later row describing the reverse direction of an already-recorded
	// edge can upgrade it to bidirectional instead of being treated as a
	// brand new edge.
	canonicalIndex := map[[3]string]int{}
	// directedSeen records each literal (source,target,type) row observed,
	// so canonicalKey's symmetric key can't be used to detect a genuine
	// reverse-listed duplicate (it would always match itself).
	directedSeen := map[[3]string]struct{}{}

	nodes := []model.NetworkNode{{ID: params.CenterEntityID, Label: params.CenterEntityID, EntityType: "unknown"}}
	var edges []model.NetworkEdge

	frontier := []string{params.CenterEntityID}
	depthReached := 0
	capHit := false

	for depth := 0; depth < params.MaxDepth && len(frontier) > 0 && !capHit; depth++ {
		depthReached = depth + 1

		rels, err := w.fetchHop(ctx, frontier, params)
		if err != nil {
			return model.NetworkGraph{}, fmt.Errorf("graph: fetch hop %d: %w", depth, err)
		}

		var nextFrontier []string
		for _, r := range rels {
			if !matchesType(r.Type, params.RelationshipTypes) {
				continue
			}

			directedKey := [3]string{r.SourceEntityID, r.TargetEntityID, r.Type}
			reverseKey := [3]string{r.TargetEntityID, r.SourceEntityID, r.Type}
			_, reverseSeen := directedSeen[reverseKey]
			directedSeen[directedKey] = struct{}{}

			canonKey := canonicalKey(r.SourceEntityID, r.TargetEntityID, r.Type)
			if idx, dup := canonicalIndex[canonKey]; dup {
				if reverseSeen && edges[idx].Direction != model.DirectionBi {
					edges[idx].Direction = model.DirectionBi
				}
				continue
			}

			direction := r.Direction
			if reverseSeen {
				direction = model.DirectionBi
			}

			canonicalIndex[canonKey] = len(edges)
			edges = append(edges, model.NetworkEdge{
				ID: r.RelID, Source: r.SourceEntityID, Target: r.TargetEntityID,
				RelType: r.Type, Direction: direction, Strength: r.Strength, Verified: r.Verified,
			})

			for _, endpoint := range []string{r.SourceEntityID, r.TargetEntityID} {
				if _, seen := visitedNodes[endpoint]; seen {
					continue
				}
				if len(nodes) >= params.MaxNodes {
					capHit = true
					break
				}
				visitedNodes[endpoint] = struct{}{}
				entityType := r.SourceType
				if endpoint == r.TargetEntityID {
					entityType = r.TargetType
				}
				nodes = append(nodes, model.NetworkNode{ID: endpoint, Label: endpoint, EntityType: entityType})
				nextFrontier = append(nextFrontier, endpoint)
			}
			if capHit {
				break
			}
		}
		frontier = nextFrontier
	}

	return model.NetworkGraph{
		CenterEntityID:  params.CenterEntityID,
		Nodes:           nodes,
		Edges:           edges,
		MaxDepthReached: depthReached,
		ElapsedMS:       time.Since(start).Milliseconds(),
		SearchMetadata: map[string]any{
			"nodes_visited": len(visitedNodes),
			"edges_visited": len(canonicalIndex),
			"node_cap_hit":  capHit,
		},
	}, nil
}

// fetchHop fetches the relationship edges incident to every entity in
// frontier, bounding concurrency with errgroup the way
// internal/conflicts/scorer.go's BackfillScoring bounds its per-decision
// fan-out. Results are concatenated in frontier order, not completion
// order, so the traversal is deterministic for a given store snapshot.
func (w *Walker) fetchHop(ctx context.Context, frontier []string, params model.NetworkParams) ([]model.Relationship, error) {
	results := make([][]model.Relationship, len(frontier))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(hopConcurrency)

	for i, entityID := range frontier {
		g.Go(func() error {
			rels, err := w.store.GetRelationships(gCtx, entityID, params.OnlyActive, params.MinConfidence)
			if err != nil {
				return err
			}
			results[i] = rels
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []model.Relationship
	for _, rels := range results {
		all = append(all, rels...)
	}
	return all, nil
}

func matchesType(relType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, t := range allowed {
		if strings.EqualFold(t, relType) {
			return true
		}
	}
	return false
}
