package payout

import (
	"context"

	"github.com/punchamoorthee/rewardops/internal/domain"
)

// TimestampLayout is the UTC second-precision format used for
// processed_at and the X-REAL-TIMESTAMP header.
const TimestampLayout = "2006-01-02T15:04:05Z"

// Adapter executes external token issuance. Implementations are chosen at
// construction time from configuration.
type Adapter interface {
	IssueTokens(ctx context.Context, req domain.PayoutRequest) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
