package model

// RulePredicateKind enumerates the required rule families from the spec.
// The instance list (which named rules exist) is configurable; the kinds
// below are the fixed vocabulary a RuleSpec's predicate can express.
type RulePredicateKind string

const (
	PredicateHighRiskCountry      RulePredicateKind = "high_risk_country"
	PredicateAmountAbsolute       RulePredicateKind = "amount_absolute"
	PredicateAmountRelative       RulePredicateKind = "amount_relative"
	PredicateOffHours             RulePredicateKind = "off_hours"
	PredicateHighRiskMerchantCategory RulePredicateKind = "high_risk_merchant_category"
)

// RuleSpec is one entry of a RuleTable: a named predicate with a weight.
// Weight is clipped to [0,1] by the engine; Params carries predicate-specific
// thresholds (e.g. "threshold", "k_std", "countries", "categories").
type RuleSpec struct {
	Name      string            `json:"name"`
	Predicate RulePredicateKind `json:"predicate"`
	Weight    float64           `json:"weight"`
	Params    map[string]any    `json:"params,omitempty"`
}

// RuleTable maps rule name to its spec. Omission of a rule disables it.
type RuleTable map[string]RuleSpec
