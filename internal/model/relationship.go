package model

import "time"

// RelationDirection describes how a relationship's endpoints relate.
type RelationDirection string

const (
	DirectionUni     RelationDirection = "uni"
	DirectionBi      RelationDirection = "bi"
	DirectionReverse RelationDirection = "reverse"
)

// Relationship is an edge between two entities (customers, devices,
// merchants, ...) used by the relationship-graph traversal (C10). A
// bidirectional edge between A and B is logically identical to one
// between B and A and must appear once in any returned NetworkGraph.
type Relationship struct {
	RelID          string            `json:"rel_id"`
	SourceEntityID string            `json:"source_entity_id"`
	SourceType     string            `json:"source_type"`
	TargetEntityID string            `json:"target_entity_id"`
	TargetType     string            `json:"target_type"`
	Type           string            `json:"type"`
	Direction      RelationDirection `json:"direction"`
	Strength       float64           `json:"strength"`
	Confidence     float64           `json:"confidence"`
	Active         bool              `json:"active"`
	Verified       bool              `json:"verified"`
	Evidence       []string          `json:"evidence,omitempty"`
	ValidFrom      *time.Time        `json:"valid_from,omitempty"`
	ValidTo        *time.Time        `json:"valid_to,omitempty"`
}

// NetworkNode is one node of a NetworkGraph.
type NetworkNode struct {
	ID         string   `json:"id"`
	Label      string   `json:"label"`
	EntityType string   `json:"entity_type"`
	RiskScore  *float64 `json:"risk_score,omitempty"`
	RiskLevel  *string  `json:"risk_level,omitempty"`
}

// NetworkEdge is one de-duplicated edge of a NetworkGraph.
type NetworkEdge struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`
	Target    string            `json:"target"`
	RelType   string            `json:"rel_type"`
	Direction RelationDirection `json:"direction"`
	Strength  float64           `json:"strength"`
	Verified  bool              `json:"verified"`
}

// NetworkGraph is the result of a bounded BFS traversal from a center
// entity (C10). SearchMetadata carries non-normative debugging context
// (e.g. per-hop node/edge counts) surfaced by the original system but not
// part of the spec's invariants.
type NetworkGraph struct {
	CenterEntityID  string         `json:"center_entity_id"`
	Nodes           []NetworkNode  `json:"nodes"`
	Edges           []NetworkEdge  `json:"edges"`
	MaxDepthReached int            `json:"max_depth_reached"`
	ElapsedMS       int64          `json:"elapsed_ms"`
	SearchMetadata  map[string]any `json:"search_metadata,omitempty"`
}

// NetworkParams bounds a BuildNetwork traversal. Defaults and ranges are
// taken from the original system's NetworkQueryParams.
type NetworkParams struct {
	CenterEntityID    string   `json:"center_entity_id"`
	MaxDepth          int      `json:"max_depth"`           // [1,4], default 2
	MinConfidence     float64  `json:"min_confidence"`      // [0,1], default 0.5
	OnlyActive        bool     `json:"only_active"`         // default false
	MaxNodes          int      `json:"max_nodes"`           // [10,500], default 100
	RelationshipTypes []string `json:"relationship_types,omitempty"`
}

// DefaultNetworkParams returns params with the spec's defaults applied,
// overriding only fields left at their zero value by the caller.
func DefaultNetworkParams(center string) NetworkParams {
	return NetworkParams{
		CenterEntityID: center,
		MaxDepth:       2,
		MinConfidence:  0.5,
		OnlyActive:     false,
		MaxNodes:       100,
	}
}
