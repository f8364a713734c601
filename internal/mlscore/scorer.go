// Package mlscore implements the Light ML Scorer (C2): a customer-
// conditioned anomaly score computed from compact features, without any
// external model call.
package mlscore

import (
	"math"

	"github.com/fraudcore/engine/internal/model"
)

// Scorer is a sigmoid-weighted ensemble over a handful of cheap features,
// grounded on the pack's lightweight-ML-as-weighted-ensemble pattern. It
// is intentionally implementation-agnostic from the caller's point of
// view (spec §4.2): any bounded function consuming compact features would
// satisfy the contract.
type Scorer struct {
	weights map[string]float64
}

// New constructs a Scorer with the default feature weights (summing to 1.0).
func New() *Scorer {
	return &Scorer{
		weights: map[string]float64{
			"amount_z":      0.35,
			"location_risk": 0.25,
			"time_risk":     0.15,
			"merchant_risk": 0.25,
		},
	}
}

// Score implements the C2 public contract: score(txn, profile) -> ml in
// [0,1]. When profile is nil or has no transaction history, the scorer
// cannot compute a meaningful z-score baseline and returns ok=false — the
// Stage-1 Analyzer then defaults ml_score to 0 and shifts the combine
// weighting fully to rules (alpha=1, beta=0), per spec §4.2.
func (s *Scorer) Score(txn model.Transaction, profile *model.CustomerProfile) (ml float64, ok bool) {
	if profile == nil || profile.TransactionCount == 0 {
		return 0, false
	}

	amountRisk := s.amountZRisk(txn, profile)
	locationRisk := s.locationRisk(txn, profile)
	timeRisk := s.timeRisk(txn, profile)
	merchantRisk := s.merchantRisk(txn, profile)

	score := s.weights["amount_z"]*amountRisk +
		s.weights["location_risk"]*locationRisk +
		s.weights["time_risk"]*timeRisk +
		s.weights["merchant_risk"]*merchantRisk

	return clip01(score), true
}

// amountZRisk maps the amount's z-score against the customer's baseline
// through a sigmoid, so moderate deviations contribute smoothly rather
// than as a hard cliff.
func (s *Scorer) amountZRisk(txn model.Transaction, profile *model.CustomerProfile) float64 {
	if profile.StdAmount <= 0 {
		return 0
	}
	z := (txn.Amount - profile.MeanAmount) / profile.StdAmount
	return sigmoid(z - 2)
}

func (s *Scorer) locationRisk(txn model.Transaction, profile *model.CustomerProfile) float64 {
	if txn.Location.Country == "" {
		return 0
	}
	if profile.HasCountry(txn.Location.Country) {
		return 0
	}
	return 0.7 // transacting from a country outside the customer's history
}

func (s *Scorer) timeRisk(txn model.Transaction, profile *model.CustomerProfile) float64 {
	if profile.IsActiveHour(txn.Timestamp.Hour()) {
		return 0
	}
	return 0.6
}

func (s *Scorer) merchantRisk(txn model.Transaction, profile *model.CustomerProfile) float64 {
	if txn.Merchant.Category == "" {
		return 0
	}
	if profile.HasCategory(txn.Merchant.Category) {
		return 0
	}
	return 0.5 // unusual merchant category for this customer
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clip01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
