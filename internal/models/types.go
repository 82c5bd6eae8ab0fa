package models

import (
	"time"

	"github.com/punchamoorthee/rewardops/internal/domain"
	"github.com/shopspring/decimal"
)

// RewardRequest is the payload for POST /rewards.
type RewardRequest struct {
	TelegramID int64             `json:"telegram_id"`
	Amount     decimal.Decimal   `json:"amount"`
	Reason     string            `json:"reason"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RewardResponse mirrors the adapter transaction.
type RewardResponse struct {
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	ProcessedAt   string          `json:"processed_at"`
}

func NewRewardResponse(tx *domain.Transaction) RewardResponse {
	return RewardResponse{
		TransactionID: tx.TransactionID,
		Status:        tx.Status,
		Amount:        tx.Amount,
		ProcessedAt:   tx.ProcessedAt,
	}
}

type UserCreateRequest struct {
	TelegramID int64   `json:"telegram_id"`
	Username   *string `json:"username,omitempty"`
}

type UserSummary struct {
	TelegramID int64           `json:"telegram_id"`
	Username   *string         `json:"username,omitempty"`
	FirstSeen  time.Time       `json:"first_seen"`
	Balance    decimal.Decimal `json:"balance"`
}

func NewUserSummary(acc domain.UserAccount) UserSummary {
	return UserSummary{
		TelegramID: acc.TelegramID,
		Username:   acc.Username,
		FirstSeen:  acc.FirstSeen,
		Balance:    acc.Balance,
	}
}

// UserDetail adds the most recent ledger entries to the summary.
type UserDetail struct {
	UserSummary
	Transactions []domain.LedgerEntry `json:"transactions"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
