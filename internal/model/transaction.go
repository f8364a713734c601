package model

import "time"

// Merchant describes the counterparty of a transaction.
type Merchant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Coords is an optional lat/long pair.
type Coords struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location describes where a transaction originated.
type Location struct {
	Country string  `json:"country"`
	City    string  `json:"city,omitempty"`
	Coords  *Coords `json:"coords,omitempty"`
}

// Device describes the originating device, when known.
type Device struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type,omitempty"`
	OS      string `json:"os,omitempty"`
	Browser string `json:"browser,omitempty"`
	IP      string `json:"ip,omitempty"`
}

// Transaction is the externally supplied record analyzed by the core.
// It is immutable within an analysis.
type Transaction struct {
	TxnID         string    `json:"txn_id"`
	CustomerID    string    `json:"customer_id"`
	Timestamp     time.Time `json:"timestamp"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Merchant      Merchant  `json:"merchant"`
	Location      Location  `json:"location"`
	Device        Device    `json:"device"`
	Type          string    `json:"type"`
	PaymentMethod string    `json:"payment_method"`
	Status        string    `json:"status"`
}
