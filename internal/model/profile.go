package model

import "time"

// CustomerProfile holds baseline behavioral stats read by Stage-1 and
// Stage-2. It is read-only within an analysis and may be stale — the
// History Store serves it from a replace-on-write cache (internal/cache).
type CustomerProfile struct {
	CustomerID       string    `json:"customer_id"`
	MeanAmount       float64   `json:"mean_amount"`
	StdAmount        float64   `json:"std_amount"`
	TypicalCategories []string `json:"typical_categories"`
	TypicalCountries  []string `json:"typical_countries"`
	ActiveHourStart  int       `json:"active_hour_start"`
	ActiveHourEnd    int       `json:"active_hour_end"`
	Status           string    `json:"status"`
	TransactionCount int       `json:"transaction_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HasCategory reports whether cat is among the customer's typical categories.
func (p CustomerProfile) HasCategory(cat string) bool {
	for _, c := range p.TypicalCategories {
		if c == cat {
			return true
		}
	}
	return false
}

// HasCountry reports whether country is among the customer's typical countries.
func (p CustomerProfile) HasCountry(country string) bool {
	for _, c := range p.TypicalCountries {
		if c == country {
			return true
		}
	}
	return false
}

// IsActiveHour reports whether hour (0-23, local to the profile) falls
// within the customer's typical activity window.
func (p CustomerProfile) IsActiveHour(hour int) bool {
	if p.ActiveHourStart == p.ActiveHourEnd {
		return true // no window recorded, treat every hour as active
	}
	if p.ActiveHourStart < p.ActiveHourEnd {
		return hour >= p.ActiveHourStart && hour < p.ActiveHourEnd
	}
	// wraps past midnight, e.g. 22 -> 6
	return hour >= p.ActiveHourStart || hour < p.ActiveHourEnd
}
