package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/punchamoorthee/rewardops/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to TEST_DB_SOURCE and truncates every table.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DB_SOURCE")
	if dsn == "" {
		t.Skip("TEST_DB_SOURCE not set")
	}

	ctx := context.Background()
	s, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Migrate(ctx))
	_, err = s.Db.Exec(ctx, "TRUNCATE token_transactions, ledger_entries, real_balances, users RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return s
}

func TestCreateUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	name := "alice"
	acc, err := s.CreateUser(ctx, 42, &name)
	require.NoError(t, err)
	assert.Equal(t, int64(42), acc.TelegramID)
	assert.True(t, acc.Balance.IsZero())

	_, err = s.CreateUser(ctx, 42, nil)
	assert.True(t, errors.Is(err, ErrUserExists))

	entries, err := s.GetEntries(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryAccountCreated, entries[0].EntryType)

	_, err = s.GetAccount(ctx, 7)
	assert.True(t, errors.Is(err, ErrUserNotFound))
}

func TestCreditRewardConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, 1, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.CreditReward(ctx, 1, decimal.RequireFromString("1.25"), "", "quest"))
		}()
	}
	wg.Wait()

	acc, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "25.00", acc.Balance.StringFixed(2))

	entries, err := s.GetEntries(ctx, 1, 100)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	assert.True(t, sum.Equal(acc.Balance))

	err = s.CreditReward(ctx, 99, decimal.NewFromInt(1), "", "quest")
	assert.True(t, errors.Is(err, ErrUserNotFound))
}

func TestAuditAndReports(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreditReward(ctx, 1, decimal.NewFromInt(10), "tx-1", "quest"))

	sig := "abc"
	ext := "tx-1"
	accepted := &domain.AuditRecord{
		Recipient:  1,
		Amount:     decimal.NewFromInt(10),
		Reason:     "quest",
		Status:     domain.StatusAccepted,
		Nonce:      "n1",
		Signature:  &sig,
		ExternalID: &ext,
		Metadata:   map[string]string{"challenge_id": "q1"},
	}
	require.NoError(t, s.AppendAudit(ctx, accepted))
	assert.NotZero(t, accepted.ID)
	assert.False(t, accepted.CreatedAt.IsZero())

	// Unknown recipients are still audited.
	require.NoError(t, s.AppendAudit(ctx, &domain.AuditRecord{
		Recipient: 2, Amount: decimal.NewFromInt(5), Reason: "quest", Status: domain.StatusRejected, Nonce: "n2",
	}))

	all, err := s.ListAudit(ctx, domain.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	recipient := int64(1)
	mine, err := s.ListAudit(ctx, domain.AuditFilter{Recipient: &recipient})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "q1", mine[0].Metadata["challenge_id"])
	assert.Equal(t, "abc", *mine[0].Signature)

	rejected, err := s.ListAudit(ctx, domain.AuditFilter{Status: domain.StatusRejected})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Nil(t, rejected[0].Signature)
	assert.Nil(t, rejected[0].Metadata)

	report, err := s.TokenReport(ctx, 10, 7)
	require.NoError(t, err)
	assert.Equal(t, "10", report.TotalAmount.String())
	assert.Equal(t, int64(1), report.AcceptedTransactions)
	assert.Equal(t, int64(1), report.Failures)
	require.Len(t, report.TopUsers, 1)
	assert.Len(t, report.DailyTotals, 1)

	diffs, err := s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, diffs)

	// A credit without a matching accepted audit row is a discrepancy.
	require.NoError(t, s.CreditReward(ctx, 1, decimal.NewFromInt(3), "tx-2", "quest"))
	diffs, err = s.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "-3", diffs[0].Difference.String())
}

func TestAppendAuditKeepsOutOfRangeAmount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, amount := range []string{"99999999999.00", "0.004"} {
		rec := &domain.AuditRecord{
			Recipient: 5,
			Amount:    decimal.RequireFromString(amount),
			Reason:    "quest",
			Status:    domain.StatusRejected,
			Nonce:     "n-" + amount,
		}
		require.NoError(t, s.AppendAudit(ctx, rec))
	}

	recipient := int64(5)
	records, err := s.ListAudit(ctx, domain.AuditFilter{Recipient: &recipient})
	require.NoError(t, err)
	require.Len(t, records, 2)

	got := map[string]bool{}
	for _, r := range records {
		assert.Equal(t, domain.StatusRejected, r.Status)
		got[r.Amount.String()] = true
	}
	assert.True(t, got["99999999999"])
	assert.True(t, got["0.004"])
}
