package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/rewardops/internal/domain"
	"github.com/punchamoorthee/rewardops/internal/payout"
	"github.com/punchamoorthee/rewardops/internal/security"
	"github.com/punchamoorthee/rewardops/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memLedger struct {
	mu       sync.Mutex
	balances map[int64]decimal.Decimal
	err      error
}

func newMemLedger(users ...int64) *memLedger {
	l := &memLedger{balances: map[int64]decimal.Decimal{}}
	for _, u := range users {
		l.balances[u] = decimal.Zero
	}
	return l
}

func (l *memLedger) CreditReward(_ context.Context, telegramID int64, amount decimal.Decimal, _, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	bal, ok := l.balances[telegramID]
	if !ok {
		return store.ErrUserNotFound
	}
	l.balances[telegramID] = bal.Add(amount)
	return nil
}

func (l *memLedger) balance(id int64) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[id]
}

type memAudit struct {
	mu      sync.Mutex
	records []domain.AuditRecord
	err     error
}

func (a *memAudit) LogTransaction(_ context.Context, rec domain.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return a.err
}

func (a *memAudit) all() []domain.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditRecord(nil), a.records...)
}

type failingAdapter struct {
	err error
}

func (f failingAdapter) IssueTokens(context.Context, domain.PayoutRequest) (*domain.Transaction, error) {
	return nil, f.err
}

func (f failingAdapter) GetTransaction(context.Context, string) (*domain.Transaction, error) {
	return nil, f.err
}

type statusAdapter struct {
	status string
}

func (s statusAdapter) IssueTokens(_ context.Context, req domain.PayoutRequest) (*domain.Transaction, error) {
	return &domain.Transaction{TransactionID: "tx-" + req.Nonce, Status: s.status, Amount: req.Amount, Signature: "sig"}, nil
}

func (s statusAdapter) GetTransaction(context.Context, string) (*domain.Transaction, error) {
	return nil, nil
}

type fixture struct {
	svc    *TokenService
	ledger *memLedger
	audit  *memAudit
}

func newFixture(t *testing.T, adapter payout.Adapter, limit int) *fixture {
	t.Helper()
	f := &fixture{ledger: newMemLedger(1), audit: &memAudit{}}
	if adapter == nil {
		adapter = payout.NewMockAdapter(decimal.NewFromInt(1000), nil, zap.NewNop())
	}
	f.svc = NewTokenService(Deps{
		Limiter:   security.NewRateLimiter(limit, time.Minute),
		AntiCheat: security.NewAntiCheatEngine(decimal.NewFromInt(1000), []string{"challenge_id"}),
		Adapter:   adapter,
		Audit:     f.audit,
		Ledger:    f.ledger,
		Log:       zap.NewNop(),
		NewNonce:  func() string { return "generated" },
	})
	return f
}

func TestRewardUserSuccess(t *testing.T) {
	f := newFixture(t, nil, 5)

	tx, err := f.svc.RewardUser(context.Background(), 1, decimal.RequireFromString("25.00"), "quest",
		map[string]string{"challenge_id": "q1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, tx.Status)
	assert.Equal(t, "mock-generated", tx.TransactionID)

	assert.Equal(t, "25.00", f.ledger.balance(1).StringFixed(2))

	records := f.audit.all()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, domain.StatusAccepted, rec.Status)
	require.NotNil(t, rec.Signature)
	assert.Equal(t, "mock-signature:generated", *rec.Signature)
	require.NotNil(t, rec.ExternalID)
	assert.Equal(t, "mock-generated", *rec.ExternalID)
	assert.Equal(t, "generated", rec.Metadata["nonce"])
}

func TestRewardUserRejected(t *testing.T) {
	f := newFixture(t, nil, 5)

	tx, err := f.svc.RewardUser(context.Background(), 1, decimal.Zero, "quest",
		map[string]string{"challenge_id": "q1"})
	require.Nil(t, tx)

	var failed *TokenIssuanceFailed
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, StageAntiCheat, failed.Stage)

	var violation *security.AntiCheatViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, security.ReasonNonPositiveAmount, violation.Reason)

	records := f.audit.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StatusRejected, records[0].Status)
	assert.Nil(t, records[0].Signature)
	assert.Equal(t, "0.00", f.ledger.balance(1).StringFixed(2))
}

func TestRewardUserMissingMetadata(t *testing.T) {
	f := newFixture(t, nil, 5)

	_, err := f.svc.RewardUser(context.Background(), 1, decimal.NewFromInt(5), "quest", nil)
	assert.EqualError(t, err, "anti-cheat rule triggered: missing_metadata:challenge_id")
}

func TestRewardUserRateLimited(t *testing.T) {
	f := newFixture(t, nil, 1)
	ctx := context.Background()
	md := map[string]string{"challenge_id": "q1"}

	_, err := f.svc.RewardUser(ctx, 1, decimal.NewFromInt(1), "quest", md)
	require.NoError(t, err)

	_, err = f.svc.RewardUser(ctx, 1, decimal.NewFromInt(1), "quest", md)
	var failed *TokenIssuanceFailed
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, StageRateLimit, failed.Stage)

	var exceeded *security.RateLimitExceeded
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "user:1", exceeded.Key)

	records := f.audit.all()
	require.Len(t, records, 2)
	assert.Equal(t, domain.StatusRateLimited, records[1].Status)
	assert.Equal(t, "1", f.ledger.balance(1).String())
}

func TestRewardUserAdapterFailureKeepsSignature(t *testing.T) {
	adapterErr := &payout.Error{Kind: payout.ErrTransactionRejected, Message: "upstream said no", StatusCode: 422, Signature: "deadbeef"}
	f := newFixture(t, failingAdapter{err: adapterErr}, 5)

	_, err := f.svc.RewardUser(context.Background(), 1, decimal.NewFromInt(1), "quest",
		map[string]string{"challenge_id": "q1"})
	var failed *TokenIssuanceFailed
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, StagePayout, failed.Stage)
	assert.True(t, errors.Is(err, payout.ErrTransactionRejected))
	assert.Equal(t, "upstream said no", err.Error())

	records := f.audit.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StatusFailed, records[0].Status)
	require.NotNil(t, records[0].Signature)
	assert.Equal(t, "deadbeef", *records[0].Signature)
	assert.Nil(t, records[0].ExternalID)
	assert.True(t, f.ledger.balance(1).IsZero())
}

func TestRewardUserNonAcceptedStatusSkipsLedger(t *testing.T) {
	f := newFixture(t, statusAdapter{status: "pending"}, 5)

	tx, err := f.svc.RewardUser(context.Background(), 1, decimal.NewFromInt(3), "quest",
		map[string]string{"challenge_id": "q1"})
	require.NoError(t, err)
	assert.Equal(t, "pending", tx.Status)

	records := f.audit.all()
	require.Len(t, records, 1)
	assert.Equal(t, "pending", records[0].Status)
	assert.True(t, f.ledger.balance(1).IsZero())
}

func TestRewardUserNoncePassthrough(t *testing.T) {
	f := newFixture(t, nil, 5)
	md := map[string]string{"challenge_id": "q1", "nonce": "caller-nonce"}

	tx, err := f.svc.RewardUser(context.Background(), 1, decimal.NewFromInt(1), "quest", md)
	require.NoError(t, err)
	assert.Equal(t, "mock-caller-nonce", tx.TransactionID)
	assert.Equal(t, "caller-nonce", f.audit.all()[0].Nonce)

	// The caller's map is not mutated.
	delete(md, "nonce")
	_, err = f.svc.RewardUser(context.Background(), 1, decimal.NewFromInt(1), "quest", md)
	require.NoError(t, err)
	_, hasNonce := md["nonce"]
	assert.False(t, hasNonce)
}

func TestRewardUserAuditFailureDoesNotMaskOutcome(t *testing.T) {
	f := newFixture(t, nil, 5)
	f.audit.err = errors.New("db down")

	tx, err := f.svc.RewardUser(context.Background(), 1, decimal.NewFromInt(2), "quest",
		map[string]string{"challenge_id": "q1"})
	require.NoError(t, err)
	assert.True(t, tx.Accepted())
	assert.Equal(t, "2", f.ledger.balance(1).String())

	_, err = f.svc.RewardUser(context.Background(), 1, decimal.NewFromInt(-1), "quest",
		map[string]string{"challenge_id": "q1"})
	var failed *TokenIssuanceFailed
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, StageAntiCheat, failed.Stage)
}

func TestRewardUserLedgerFailureStillReturnsTransaction(t *testing.T) {
	f := newFixture(t, nil, 5)
	f.ledger.err = errors.New("deadlock detected")

	tx, err := f.svc.RewardUser(context.Background(), 1, decimal.NewFromInt(2), "quest",
		map[string]string{"challenge_id": "q1"})
	require.NoError(t, err)
	assert.True(t, tx.Accepted())
	require.Len(t, f.audit.all(), 1)
}

func TestRewardUserUnknownRecipient(t *testing.T) {
	f := newFixture(t, nil, 5)

	tx, err := f.svc.RewardUser(context.Background(), 77, decimal.NewFromInt(2), "quest",
		map[string]string{"challenge_id": "q1"})
	require.NoError(t, err)
	assert.True(t, tx.Accepted())
	assert.Equal(t, int64(77), f.audit.all()[0].Recipient)
}

type brokenLimiter struct{}

func (brokenLimiter) Check(context.Context, string) error {
	return errors.New("rate limit script failed: dial tcp 127.0.0.1:6379: connect: connection refused")
}

func TestRewardUserLimiterBackendFailure(t *testing.T) {
	f := newFixture(t, nil, 5)
	f.svc.limiter = brokenLimiter{}

	tx, err := f.svc.RewardUser(context.Background(), 1, decimal.NewFromInt(2), "quest",
		map[string]string{"challenge_id": "q1"})
	require.Nil(t, tx)

	var failed *TokenIssuanceFailed
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, StageLimiter, failed.Stage)

	var exceeded *security.RateLimitExceeded
	assert.False(t, errors.As(err, &exceeded))

	records := f.audit.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.StatusFailed, records[0].Status)
	assert.Nil(t, records[0].Signature)
	assert.True(t, f.ledger.balance(1).IsZero())
}
