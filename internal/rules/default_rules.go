package rules

import "github.com/fraudcore/engine/internal/model"

// DefaultRuleTable returns the out-of-the-box rule set covering the five
// required rule families from spec §4.1. Weights are rescaled from the
// 0-100 "score impact" convention seen elsewhere in the pack down to the
// spec's [0,1] convention (spec §9 Open Questions fixes 0-100 only for
// the Decision surface, not for C1 internals).
func DefaultRuleTable() model.RuleTable {
	return model.RuleTable{
		"high_risk_country": {
			Name:      "high_risk_country",
			Predicate: model.PredicateHighRiskCountry,
			Weight:    0.35,
			Params: map[string]any{
				"countries": []string{"KP", "IR", "SY", "CU", "RU"},
			},
		},
		"amount_absolute": {
			Name:      "amount_absolute",
			Predicate: model.PredicateAmountAbsolute,
			Weight:    0.40,
			Params: map[string]any{
				"threshold": 10000.0,
			},
		},
		"amount_relative": {
			Name:      "amount_relative",
			Predicate: model.PredicateAmountRelative,
			Weight:    0.30,
			Params: map[string]any{
				"k_std": 3.0,
			},
		},
		"off_hours": {
			Name:      "off_hours",
			Predicate: model.PredicateOffHours,
			Weight:    0.10,
			Params: map[string]any{
				"start": 0.0,
				"end":   5.0,
			},
		},
		"high_risk_merchant_category": {
			Name:      "high_risk_merchant_category",
			Predicate: model.PredicateHighRiskMerchantCategory,
			Weight:    0.25,
			Params: map[string]any{
				"categories": []string{"crypto", "gambling", "money_transfer", "precious_metals"},
			},
		},
	}
}
