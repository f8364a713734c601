// Package rules implements the Rule Engine (C1): a declarative, weighted
// predicate evaluator over a transaction and its customer profile.
package rules

import (
	"log/slog"
	"sync"

	"github.com/fraudcore/engine/internal/model"
)

// Engine evaluates a model.RuleTable against transactions. The table is
// held behind a mutex and replaced wholesale on reload (spec §5:
// "writers update caches atomically via replace-on-write").
type Engine struct {
	mu     sync.RWMutex
	table  model.RuleTable
	logger *slog.Logger
}

// New constructs an Engine with the given initial rule table.
func New(table model.RuleTable, logger *slog.Logger) *Engine {
	if table == nil {
		table = DefaultRuleTable()
	}
	return &Engine{table: table, logger: logger}
}

// SetRules atomically replaces the rule table (hot-reload).
func (e *Engine) SetRules(table model.RuleTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table = table
}

// Rules returns a snapshot of the current rule table.
func (e *Engine) Rules() model.RuleTable {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(model.RuleTable, len(e.table))
	for k, v := range e.table {
		out[k] = v
	}
	return out
}

// Evaluate implements the C1 public contract: evaluate(txn, profile) ->
// {score in [0,1], flags[]}. Each rule is a pure predicate; the score is
// sum(weight_i * 1[rule_i fired]) clipped to 1. A predicate that fails
// (missing field, bad params) is logged and treated as not-fired — never
// fatal, per spec §4.1.
func (e *Engine) Evaluate(txn model.Transaction, profile *model.CustomerProfile) (score float64, flags []string) {
	e.mu.RLock()
	table := e.table
	e.mu.RUnlock()

	for name, spec := range table {
		fired, err := e.evaluateOne(spec, txn, profile)
		if err != nil {
			e.log().Warn("rule predicate failed, treating as not fired",
				"rule", name, "predicate", spec.Predicate, "error", err)
			continue
		}
		if fired {
			w := spec.Weight
			if w < 0 {
				w = 0
			}
			score += w
			flags = append(flags, name)
		}
	}

	return clip01(score), flags
}

func (e *Engine) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

func (e *Engine) evaluateOne(spec model.RuleSpec, txn model.Transaction, profile *model.CustomerProfile) (bool, error) {
	switch spec.Predicate {
	case model.PredicateHighRiskCountry:
		return evaluateHighRiskCountry(spec, txn)
	case model.PredicateAmountAbsolute:
		return evaluateAmountAbsolute(spec, txn)
	case model.PredicateAmountRelative:
		return evaluateAmountRelative(spec, txn, profile)
	case model.PredicateOffHours:
		return evaluateOffHours(spec, txn, profile)
	case model.PredicateHighRiskMerchantCategory:
		return evaluateHighRiskMerchantCategory(spec, txn)
	default:
		return false, errUnknownPredicate(spec.Predicate)
	}
}
