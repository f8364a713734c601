package rules

import (
	"fmt"
	"math"

	"github.com/fraudcore/engine/internal/model"
)

func errUnknownPredicate(kind model.RulePredicateKind) error {
	return fmt.Errorf("unknown predicate kind %q", kind)
}

// paramStrings extracts a []string param list (accepts []string or []any).
func paramStrings(params map[string]any, key string) ([]string, bool) {
	raw, ok := params[key]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func paramFloat(params map[string]any, key string, fallback float64) float64 {
	raw, ok := params[key]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

// evaluateHighRiskCountry fires when the transaction's origin country is
// in the rule's configured high-risk list (params["countries"]).
func evaluateHighRiskCountry(spec model.RuleSpec, txn model.Transaction) (bool, error) {
	countries, ok := paramStrings(spec.Params, "countries")
	if !ok || len(countries) == 0 {
		return false, fmt.Errorf("rule %q: missing params.countries", spec.Name)
	}
	country := txn.Location.Country
	if country == "" {
		return false, nil // missing field: not fired, not fatal
	}
	for _, c := range countries {
		if c == country {
			return true, nil
		}
	}
	return false, nil
}

// evaluateAmountAbsolute fires when amount exceeds a fixed threshold.
func evaluateAmountAbsolute(spec model.RuleSpec, txn model.Transaction) (bool, error) {
	raw, ok := spec.Params["threshold"]
	if !ok {
		return false, fmt.Errorf("rule %q: missing params.threshold", spec.Name)
	}
	threshold, ok := raw.(float64)
	if !ok {
		if i, ok2 := raw.(int); ok2 {
			threshold = float64(i)
		} else {
			return false, fmt.Errorf("rule %q: params.threshold is not numeric", spec.Name)
		}
	}
	return txn.Amount > threshold, nil
}

// evaluateAmountRelative fires when amount > mean + k*std of the
// customer's baseline (params["k_std"], default 3). Requires a profile;
// without one the predicate is "not fired", not an error, per spec §8's
// "customer profile absent must not crash" boundary behavior.
func evaluateAmountRelative(spec model.RuleSpec, txn model.Transaction, profile *model.CustomerProfile) (bool, error) {
	if profile == nil {
		return false, nil
	}
	k := paramFloat(spec.Params, "k_std", 3.0)
	threshold := profile.MeanAmount + k*profile.StdAmount
	return txn.Amount > threshold, nil
}

// evaluateOffHours fires when the transaction falls outside the
// customer's typical active-hour window (profile.IsActiveHour). Without a
// profile, falls back to a fixed configured off-hours window
// (params["start"]/params["end"], default 0-5, matching the conventional
// "midnight to 5am" off-hours band).
func evaluateOffHours(spec model.RuleSpec, txn model.Transaction, profile *model.CustomerProfile) (bool, error) {
	hour := txn.Timestamp.Hour()
	if profile != nil && profile.ActiveHourStart != profile.ActiveHourEnd {
		return !profile.IsActiveHour(hour), nil
	}
	start := int(paramFloat(spec.Params, "start", 0))
	end := int(paramFloat(spec.Params, "end", 5))
	return hour >= start && hour < end, nil
}

// evaluateHighRiskMerchantCategory fires when the merchant category is in
// the rule's configured high-risk list (params["categories"]).
func evaluateHighRiskMerchantCategory(spec model.RuleSpec, txn model.Transaction) (bool, error) {
	categories, ok := paramStrings(spec.Params, "categories")
	if !ok || len(categories) == 0 {
		return false, fmt.Errorf("rule %q: missing params.categories", spec.Name)
	}
	cat := txn.Merchant.Category
	if cat == "" {
		return false, nil
	}
	for _, c := range categories {
		if c == cat {
			return true, nil
		}
	}
	return false, nil
}

// clip01 clamps x to [0,1].
func clip01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
