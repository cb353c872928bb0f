package billing

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionbroker/sessionbroker/pkg/models"
)

// Ledger tracks credit balances, immutable transaction history, and
// per-session billing records. Transactions are the source of truth for
// balance; the balance map is a cached sum and is only ever adjusted by
// appending a transaction.
//
// Debits are bookkeeping, not a hard wallet: a balance may legitimately go
// negative when usage outran credits. Admission control keeps exposure
// bounded up front.
type Ledger struct {
	mu           sync.Mutex
	balances     map[string]float64
	transactions map[string][]models.Transaction
	records      map[string]*models.BillingRecord
	signupGrant  float64
	now          func() time.Time
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		balances:     make(map[string]float64),
		transactions: make(map[string][]models.Transaction),
		records:      make(map[string]*models.BillingRecord),
		now:          time.Now,
	}
}

// SetClock overrides the ledger's time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// SetSignupGrant sets the credit granted to accounts on first sight
func (l *Ledger) SetSignupGrant(amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signupGrant = amount
}

// EnsureAccount creates the user's account on first sight, applying the
// signup grant if one is configured. Idempotent.
func (l *Ledger) EnsureAccount(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.balances[userID]; exists {
		return
	}
	l.balances[userID] = 0
	if l.signupGrant > 0 {
		l.appendLocked(userID, l.signupGrant, "signup", "signup credit grant", "")
	}
}

// GetBalance returns the user's current credit balance
func (l *Ledger) GetBalance(userID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

// Credit adds funds to a user's balance
func (l *Ledger) Credit(userID string, amount float64, source, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %.4f", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(userID, amount, source, reason, "")
	return nil
}

// Debit removes funds from a user's balance. The debit is independent of the
// current balance; it never fails for lack of funds.
func (l *Ledger) Debit(userID string, amount float64, reason, sessionID string) error {
	if amount < 0 {
		return fmt.Errorf("debit amount must be non-negative, got %.4f", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(userID, -amount, "usage", reason, sessionID)
	return nil
}

// Transactions returns a copy of the user's transaction history
func (l *Ledger) Transactions(userID string) []models.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	txs := l.transactions[userID]
	out := make([]models.Transaction, len(txs))
	copy(out, txs)
	return out
}

// StartBilling opens the session's Active billing record at the tier's flat
// hourly rate. A second start while one is Active is rejected.
func (l *Ledger) StartBilling(sessionID, userID string, tier models.Tier) (*models.BillingRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, exists := l.records[sessionID]; exists && rec.Status == models.BillingActive {
		return nil, fmt.Errorf("%w: session %s", models.ErrBillingAlreadyActive, sessionID)
	}

	rec := &models.BillingRecord{
		SessionID:  sessionID,
		UserID:     userID,
		HourlyRate: HourlyRate(tier),
		StartTime:  l.now(),
		Status:     models.BillingActive,
	}
	l.records[sessionID] = rec
	return rec, nil
}

// StopBilling finalizes the session's Active billing record with
// fractional-hour totals at full floating precision. Returns nil if no
// Active record exists, which makes session deletion idempotent: a second
// stop never produces a second Completed record.
func (l *Ledger) StopBilling(sessionID string) *models.BillingRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, exists := l.records[sessionID]
	if !exists || rec.Status != models.BillingActive {
		return nil
	}

	rec.StopTime = l.now()
	rec.TotalHours = rec.StopTime.Sub(rec.StartTime).Seconds() / 3600.0
	rec.TotalCost = rec.TotalHours * rec.HourlyRate
	rec.Status = models.BillingCompleted

	log.Printf("billing: session %s ran %.4fh at $%.3f/h, cost $%.4f", sessionID, rec.TotalHours, rec.HourlyRate, rec.TotalCost)
	return rec
}

// Record returns the session's billing record, Active or Completed
func (l *Ledger) Record(sessionID string) (*models.BillingRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, exists := l.records[sessionID]
	return rec, exists
}

func (l *Ledger) appendLocked(userID string, amount float64, source, reason, sessionID string) {
	l.transactions[userID] = append(l.transactions[userID], models.Transaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Source:    source,
		Reason:    reason,
		SessionID: sessionID,
		CreatedAt: l.now(),
	})
	l.balances[userID] += amount
}
