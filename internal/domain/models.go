package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Audit outcome statuses. Adapter-reported statuses other than StatusAccepted
// are stored verbatim.
const (
	StatusAccepted    = "accepted"
	StatusRateLimited = "rate_limited"
	StatusRejected    = "rejected"
	StatusFailed      = "failed"
)

// Ledger entry types.
const (
	EntryAccountCreated = "account_created"
	EntryReward         = "reward"
)

// Currency is the tag sent to the upstream payout API.
const Currency = "REAL"

// User is a registered recipient, identified externally by its Telegram id.
type User struct {
	ID         int64     `json:"id"`
	TelegramID int64     `json:"telegram_id"`
	Username   *string   `json:"username,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
}

// UserAccount is a user joined with its current balance.
type UserAccount struct {
	User
	Balance decimal.Decimal `json:"balance"`
}

// Balance is the running REAL total for one user. One row per user.
type Balance struct {
	UserID    int64           `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LedgerEntry records one balance mutation. The sum of Amounts for a user
// must always equal that user's Balance.
type LedgerEntry struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	EntryType   string          `json:"entry_type"`
	Description string          `json:"description,omitempty"`
	ExternalID  *string         `json:"external_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PayoutRequest is a caller-constructed request to credit a recipient.
// Amount validity is a policy decision, not a construction invariant.
type PayoutRequest struct {
	Recipient int64
	Amount    decimal.Decimal
	Reason    string
	Nonce     string
	Metadata  map[string]string
}

// Transaction is the outcome of a successful adapter call.
type Transaction struct {
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	ProcessedAt   string          `json:"processed_at"`

	// Signature is the request signature used for the call that produced
	// this transaction. Audit only.
	Signature string `json:"-"`
}

// Accepted reports whether the upstream accepted the payout.
func (t *Transaction) Accepted() bool {
	return t != nil && t.Status == StatusAccepted
}

// AuditRecord is the append-only record of one payout attempt.
type AuditRecord struct {
	ID         int64             `json:"id"`
	Recipient  int64             `json:"telegram_id"`
	Amount     decimal.Decimal   `json:"amount"`
	Reason     string            `json:"reason"`
	Status     string            `json:"status"`
	Nonce      string            `json:"nonce"`
	Signature  *string           `json:"signature,omitempty"`
	ExternalID *string           `json:"external_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

type AuditFilter struct {
	Recipient *int64
	Status    string
	Limit     int
	Offset    int
}

type RecipientTotal struct {
	Recipient int64           `json:"telegram_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type DayTotal struct {
	Day    string          `json:"day"`
	Amount decimal.Decimal `json:"amount"`
}

// TokenReport aggregates the audit trail for dashboards.
type TokenReport struct {
	TotalAmount          decimal.Decimal  `json:"total_amount"`
	AcceptedTransactions int64            `json:"accepted_transactions"`
	Failures             int64            `json:"failures"`
	TopUsers             []RecipientTotal `json:"top_users"`
	DailyTotals          []DayTotal       `json:"daily_totals"`
}

// Discrepancy is a recipient whose balance does not match the sum of its
// accepted audit records.
type Discrepancy struct {
	Recipient     int64           `json:"telegram_id"`
	Balance       decimal.Decimal `json:"balance"`
	AcceptedTotal decimal.Decimal `json:"accepted_total"`
	Difference    decimal.Decimal `json:"difference"`
}
