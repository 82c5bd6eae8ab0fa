package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/rewardops/internal/domain"
	"github.com/punchamoorthee/rewardops/internal/security"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMockAdapterRoundTrip(t *testing.T) {
	ctx := context.Background()
	adapter := NewMockAdapter(decimal.NewFromInt(1000), nil, zap.NewNop())

	tx, err := adapter.IssueTokens(ctx, domain.PayoutRequest{
		Recipient: 1,
		Amount:    decimal.RequireFromString("10.00"),
		Reason:    "r",
		Nonce:     "abc",
		Metadata:  map[string]string{},
	})
	require.NoError(t, err)
	assert.Equal(t, "mock-abc", tx.TransactionID)
	assert.Equal(t, domain.StatusAccepted, tx.Status)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("10.00")))
	assert.Equal(t, "mock-signature:abc", tx.Signature)
	_, err = time.Parse(TimestampLayout, tx.ProcessedAt)
	require.NoError(t, err)

	got, err := adapter.GetTransaction(ctx, "mock-abc")
	require.NoError(t, err)
	assert.Equal(t, *tx, *got)

	_, err = adapter.GetTransaction(ctx, "mock-xyz")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTransaction))
}

func TestMockAdapterCeiling(t *testing.T) {
	ctx := context.Background()
	adapter := NewMockAdapter(decimal.NewFromInt(1000), nil, zap.NewNop())

	tx, err := adapter.IssueTokens(ctx, domain.PayoutRequest{
		Recipient: 1,
		Amount:    decimal.NewFromInt(1001),
		Reason:    "r",
		Nonce:     "big",
	})
	require.Nil(t, tx)
	assert.True(t, errors.Is(err, ErrTransactionRejected))
	assert.True(t, errors.Is(err, ErrPayout))
	assert.Empty(t, SignatureOf(err))

	_, err = adapter.GetTransaction(ctx, "mock-big")
	assert.True(t, errors.Is(err, ErrUnknownTransaction))
}

func TestMockAdapterRateLimitedPerRecipient(t *testing.T) {
	ctx := context.Background()
	limiter := security.NewRateLimiter(1, time.Minute)
	adapter := NewMockAdapter(decimal.NewFromInt(1000), limiter, zap.NewNop())

	req := domain.PayoutRequest{Recipient: 5, Amount: decimal.NewFromInt(1), Nonce: "n1"}
	_, err := adapter.IssueTokens(ctx, req)
	require.NoError(t, err)

	req.Nonce = "n2"
	_, err = adapter.IssueTokens(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPayout))
	assert.False(t, errors.Is(err, ErrTransactionRejected))

	var exceeded *security.RateLimitExceeded
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "mock:5", exceeded.Key)

	req.Recipient = 6
	_, err = adapter.IssueTokens(ctx, req)
	require.NoError(t, err)
}
