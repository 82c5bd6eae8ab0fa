package security

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Anti-cheat violation reasons.
const (
	ReasonNonPositiveAmount    = "non_positive_amount"
	ReasonAmountAboveThreshold = "amount_above_threshold"
	ReasonMissingMetadata      = "missing_metadata"
)

type AntiCheatViolation struct {
	Reason string
}

func (e *AntiCheatViolation) Error() string {
	return "anti-cheat rule triggered: " + e.Reason
}

// AntiCheatContext is the single payout under evaluation.
type AntiCheatContext struct {
	Recipient int64
	Amount    decimal.Decimal
	Metadata  map[string]string
}

// AntiCheatEngine is a stateless gate run before any external call.
type AntiCheatEngine struct {
	maxAmount    decimal.Decimal
	requiredKeys []string
}

func NewAntiCheatEngine(maxAmount decimal.Decimal, requiredMetadataKeys []string) *AntiCheatEngine {
	seen := make(map[string]struct{}, len(requiredMetadataKeys))
	keys := make([]string, 0, len(requiredMetadataKeys))
	for _, k := range requiredMetadataKeys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &AntiCheatEngine{maxAmount: maxAmount, requiredKeys: keys}
}

// Evaluate returns the first violated rule, checked in a fixed order:
// positive amount, ceiling, required metadata.
func (e *AntiCheatEngine) Evaluate(c AntiCheatContext) error {
	if !c.Amount.IsPositive() {
		return &AntiCheatViolation{Reason: ReasonNonPositiveAmount}
	}
	if c.Amount.GreaterThan(e.maxAmount) {
		return &AntiCheatViolation{Reason: ReasonAmountAboveThreshold}
	}

	var missing []string
	for _, k := range e.requiredKeys {
		if _, ok := c.Metadata[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &AntiCheatViolation{Reason: ReasonMissingMetadata + ":" + strings.Join(missing, ",")}
	}
	return nil
}
