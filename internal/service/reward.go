package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/rewardops/internal/domain"
	"github.com/punchamoorthee/rewardops/internal/payout"
	"github.com/punchamoorthee/rewardops/internal/security"
	"github.com/punchamoorthee/rewardops/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Pipeline stages reported by TokenIssuanceFailed.
const (
	StageRateLimit = "rate_limit"
	// StageLimiter means the limiter itself failed, e.g. its backend is down.
	StageLimiter   = "limiter"
	StageAntiCheat = "anti_cheat"
	StagePayout    = "payout"
)

var (
	payoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewardops_payouts_total",
		Help: "Reward attempts by audited status",
	}, []string{"status"})

	payoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rewardops_payout_duration_seconds",
		Help:    "End-to-end RewardUser latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})

	ledgerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rewardops_ledger_update_failures_total",
		Help: "Accepted payouts whose balance credit failed",
	})
)

// TokenIssuanceFailed is returned for every pipeline outcome other than a
// completed adapter call. Err holds the cause.
type TokenIssuanceFailed struct {
	Stage   string
	Message string
	Err     error
}

func (e *TokenIssuanceFailed) Error() string {
	return e.Message
}

func (e *TokenIssuanceFailed) Unwrap() error {
	return e.Err
}

// Ledger credits balances after accepted payouts.
type Ledger interface {
	CreditReward(ctx context.Context, telegramID int64, amount decimal.Decimal, externalID, description string) error
}

type AuditWriter interface {
	LogTransaction(ctx context.Context, rec domain.AuditRecord) error
}

type Deps struct {
	Limiter   security.Limiter
	AntiCheat *security.AntiCheatEngine
	Adapter   payout.Adapter
	Audit     AuditWriter
	Ledger    Ledger
	Log       *zap.Logger
	// NewNonce defaults to uuid.NewString.
	NewNonce func() string
}

// TokenService runs a reward through rate limiting, anti-cheat, the payout
// adapter, the audit trail and the ledger, in that order.
type TokenService struct {
	limiter   security.Limiter
	antiCheat *security.AntiCheatEngine
	adapter   payout.Adapter
	audit     AuditWriter
	ledger    Ledger
	log       *zap.Logger
	newNonce  func() string
}

func NewTokenService(d Deps) *TokenService {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	newNonce := d.NewNonce
	if newNonce == nil {
		newNonce = uuid.NewString
	}
	return &TokenService{
		limiter:   d.Limiter,
		antiCheat: d.AntiCheat,
		adapter:   d.Adapter,
		audit:     d.Audit,
		ledger:    d.Ledger,
		log:       log.Named("token_service"),
		newNonce:  newNonce,
	}
}

// RewardUser issues amount to recipient. Exactly one audit record is written
// per call. The balance is credited only when the adapter reports accepted.
func (s *TokenService) RewardUser(ctx context.Context, recipient int64, amount decimal.Decimal, reason string, metadata map[string]string) (*domain.Transaction, error) {
	timer := prometheus.NewTimer(payoutDuration)
	defer timer.ObserveDuration()

	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	nonce := md["nonce"]
	if nonce == "" {
		nonce = s.newNonce()
		md["nonce"] = nonce
	}

	log := s.log.With(
		zap.Int64("telegram_id", recipient),
		zap.String("amount", amount.String()),
		zap.String("nonce", nonce),
	)
	log.Debug("rewarding user", zap.String("reason", reason))

	rec := domain.AuditRecord{
		Recipient: recipient,
		Amount:    amount,
		Reason:    reason,
		Nonce:     nonce,
		Metadata:  md,
	}

	if err := s.limiter.Check(ctx, fmt.Sprintf("user:%d", recipient)); err != nil {
		var exceeded *security.RateLimitExceeded
		if errors.As(err, &exceeded) {
			rec.Status = domain.StatusRateLimited
			s.record(ctx, log, rec)
			return nil, &TokenIssuanceFailed{Stage: StageRateLimit, Message: err.Error(), Err: err}
		}
		rec.Status = domain.StatusFailed
		s.record(ctx, log, rec)
		log.Error("rate limiter unavailable", zap.Error(err))
		return nil, &TokenIssuanceFailed{Stage: StageLimiter, Message: err.Error(), Err: err}
	}

	err := s.antiCheat.Evaluate(security.AntiCheatContext{Recipient: recipient, Amount: amount, Metadata: md})
	if err != nil {
		rec.Status = domain.StatusRejected
		s.record(ctx, log, rec)
		return nil, &TokenIssuanceFailed{Stage: StageAntiCheat, Message: err.Error(), Err: err}
	}

	tx, err := s.adapter.IssueTokens(ctx, domain.PayoutRequest{
		Recipient: recipient,
		Amount:    amount,
		Reason:    reason,
		Nonce:     nonce,
		Metadata:  md,
	})
	if err != nil {
		rec.Status = domain.StatusFailed
		rec.Signature = optional(payout.SignatureOf(err))
		s.record(ctx, log, rec)
		log.Warn("payout failed", zap.Error(err))
		return nil, &TokenIssuanceFailed{Stage: StagePayout, Message: err.Error(), Err: err}
	}

	rec.Status = tx.Status
	rec.Signature = optional(tx.Signature)
	rec.ExternalID = optional(tx.TransactionID)
	s.record(ctx, log, rec)

	if tx.Accepted() {
		s.credit(ctx, log, recipient, amount, tx.TransactionID, reason)
	}
	return tx, nil
}

func (s *TokenService) record(ctx context.Context, log *zap.Logger, rec domain.AuditRecord) {
	payoutsTotal.WithLabelValues(rec.Status).Inc()
	if err := s.audit.LogTransaction(ctx, rec); err != nil {
		log.Error("audit write failed", zap.String("status", rec.Status), zap.Error(err))
	}
}

func (s *TokenService) credit(ctx context.Context, log *zap.Logger, recipient int64, amount decimal.Decimal, externalID, reason string) {
	// The payout already happened upstream; a cancelled request context must
	// not skip the credit.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := s.ledger.CreditReward(ctx, recipient, amount, externalID, reason)
	switch {
	case err == nil:
		log.Info("balance credited", zap.String("transaction_id", externalID))
	case errors.Is(err, store.ErrUserNotFound):
		log.Warn("user not found while updating balance", zap.String("transaction_id", externalID))
	default:
		ledgerFailures.Inc()
		log.Error("ledger update failed after accepted payout",
			zap.String("transaction_id", externalID),
			zap.Error(err),
		)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
