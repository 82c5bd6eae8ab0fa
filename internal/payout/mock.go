package payout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/punchamoorthee/rewardops/internal/domain"
	"github.com/punchamoorthee/rewardops/internal/security"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MockAdapter issues tokens in memory. Used for development and tests.
type MockAdapter struct {
	maxAmount decimal.Decimal
	limiter   security.Limiter
	now       func() time.Time
	log       *zap.Logger

	mu           sync.RWMutex
	transactions map[string]domain.Transaction
}

// NewMockAdapter returns a mock adapter. limiter may be nil.
func NewMockAdapter(maxAmount decimal.Decimal, limiter security.Limiter, log *zap.Logger) *MockAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &MockAdapter{
		maxAmount:    maxAmount,
		limiter:      limiter,
		now:          time.Now,
		log:          log.Named("payout.mock"),
		transactions: make(map[string]domain.Transaction),
	}
}

func (a *MockAdapter) IssueTokens(ctx context.Context, req domain.PayoutRequest) (*domain.Transaction, error) {
	if a.limiter != nil {
		if err := a.limiter.Check(ctx, fmt.Sprintf("mock:%d", req.Recipient)); err != nil {
			return nil, &Error{Kind: ErrPayout, Message: "mock rate limit", Err: err}
		}
	}

	if req.Amount.GreaterThan(a.maxAmount) {
		return nil, &Error{Kind: ErrTransactionRejected, Message: "amount exceeds mock limit"}
	}

	tx := domain.Transaction{
		TransactionID: "mock-" + req.Nonce,
		Status:        domain.StatusAccepted,
		Amount:        req.Amount,
		ProcessedAt:   a.now().UTC().Format(TimestampLayout),
		Signature:     "mock-signature:" + req.Nonce,
	}

	a.mu.Lock()
	a.transactions[tx.TransactionID] = tx
	a.mu.Unlock()

	a.log.Debug("mock transaction stored",
		zap.String("transaction_id", tx.TransactionID),
		zap.Int64("telegram_id", req.Recipient),
		zap.String("amount", tx.Amount.String()),
	)
	return &tx, nil
}

func (a *MockAdapter) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	a.mu.RLock()
	tx, ok := a.transactions[id]
	a.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: ErrUnknownTransaction, Message: "unknown mock transaction: " + id}
	}
	return &tx, nil
}
