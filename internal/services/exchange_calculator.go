package services

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	maxMoney = decimal.NewFromInt(math.MaxInt64)
	minMoney = decimal.NewFromInt(math.MinInt64)
)

// ComputeExchangeDifference returns targetUnitPrice - originalUnitPrice*originalQuantity.
// Positive means the customer pays more, negative means the customer is refunded.
func ComputeExchangeDifference(originalUnitPrice int64, originalQuantity int, targetUnitPrice int64) (int64, error) {
	if originalUnitPrice < 0 || targetUnitPrice < 0 {
		return 0, fmt.Errorf("%w: prices must be non-negative", ErrReturnInvalidRequest)
	}
	if originalQuantity < 1 {
		return 0, fmt.Errorf("%w: quantity must be at least 1", ErrReturnInvalidRequest)
	}

	original := decimal.NewFromInt(originalUnitPrice).Mul(decimal.NewFromInt(int64(originalQuantity)))
	diff := decimal.NewFromInt(targetUnitPrice).Sub(original)
	if diff.GreaterThan(maxMoney) || diff.LessThan(minMoney) {
		return 0, fmt.Errorf("%w: price difference out of range", ErrReturnInvalidRequest)
	}
	return diff.IntPart(), nil
}
