package fraudcore

import "github.com/fraudcore/engine/internal/model"

// These are aliases onto internal/model's types, not a parallel
// definition. Since HTTP/auth/transport are out-of-scope Non-goals,
// there's no enterprise plugin boundary to protect with a duplicated
// public type system — callers that embed this package work with the
// same Transaction/Decision/etc. structs the engine's internals do.
type (
	Transaction        = model.Transaction
	CustomerProfile    = model.CustomerProfile
	Decision           = model.Decision
	DecisionState      = model.DecisionState
	Verdict            = model.Verdict
	RiskLevel          = model.RiskLevel
	Stage1Result       = model.Stage1Result
	Stage2Result       = model.Stage2Result
	RuleTable          = model.RuleTable
	RuleSpec           = model.RuleSpec
	Relationship       = model.Relationship
	NetworkGraph       = model.NetworkGraph
	NetworkParams      = model.NetworkParams
	NetworkNode        = model.NetworkNode
	NetworkEdge        = model.NetworkEdge
	ObservabilityEvent = model.ObservabilityEvent
	EventKind          = model.EventKind
	Thread             = model.Thread
)
