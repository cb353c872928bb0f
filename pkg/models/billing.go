package models

import "time"

// BillingStatus represents the state of a billing record
type BillingStatus string

const (
	BillingActive    BillingStatus = "ACTIVE"
	BillingCompleted BillingStatus = "COMPLETED"
)

// BillingRecord meters one session's runtime. Exactly one Active record may
// exist per session; stopping finalizes it with fractional-hour totals.
type BillingRecord struct {
	SessionID  string        `json:"sessionId"`
	UserID     string        `json:"userId"`
	HourlyRate float64       `json:"hourlyRate"`
	StartTime  time.Time     `json:"startTime"`
	StopTime   time.Time     `json:"stopTime,omitempty"`
	Status     BillingStatus `json:"status"`
	TotalHours float64       `json:"totalHours"`
	TotalCost  float64       `json:"totalCost"`
}

// Transaction is an immutable ledger entry. Credits are positive, debits
// negative; the sum over a user's transactions is their balance.
type Transaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Amount    float64   `json:"amount"`
	Source    string    `json:"source,omitempty"`
	Reason    string    `json:"reason"`
	SessionID string    `json:"sessionId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
