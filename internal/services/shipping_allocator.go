package services

import (
	"fmt"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/returns/internal/domain"
)

const defaultProcessingFeePercent = 5

type shippingPolicy struct {
	customerPaysShipping bool
	chargeProcessingFee  bool
	restoreInventory     bool
}

// returnShippingPolicies is the single per-reason branching point for return costs.
var returnShippingPolicies = map[domain.ReturnReason]shippingPolicy{
	domain.ReturnReasonDefective:       {customerPaysShipping: false, chargeProcessingFee: false, restoreInventory: false},
	domain.ReturnReasonWrongItem:       {customerPaysShipping: false, chargeProcessingFee: false, restoreInventory: true},
	domain.ReturnReasonDamagedShipping: {customerPaysShipping: false, chargeProcessingFee: false, restoreInventory: false},
	domain.ReturnReasonChangeMind:      {customerPaysShipping: true, chargeProcessingFee: true, restoreInventory: true},
	domain.ReturnReasonSizeColor:       {customerPaysShipping: true, chargeProcessingFee: true, restoreInventory: true},
	domain.ReturnReasonDifferentModel:  {customerPaysShipping: true, chargeProcessingFee: true, restoreInventory: true},
}

// IsKnownReturnReason reports whether reason has a shipping policy.
func IsKnownReturnReason(reason domain.ReturnReason) bool {
	_, ok := returnShippingPolicies[reason]
	return ok
}

// ShouldRestoreInventory reports whether returned goods go back on sale for the reason.
func ShouldRestoreInventory(reason domain.ReturnReason) bool {
	return returnShippingPolicies[reason].restoreInventory
}

// ShippingAllocator splits a return shipping fee between customer and shop.
type ShippingAllocator struct {
	feePercent decimal.Decimal
}

// NewShippingAllocator builds an allocator charging percent of the fee as processing fee on
// customer-paid returns. Non-positive values fall back to 5%.
func NewShippingAllocator(percent int) ShippingAllocator {
	if percent <= 0 {
		percent = defaultProcessingFeePercent
	}
	return ShippingAllocator{feePercent: decimal.NewFromInt(int64(percent))}
}

// AllocateShipping applies the default 5% processing fee policy.
func AllocateShipping(reason domain.ReturnReason, returnShippingFee int64) (domain.ShippingBreakdown, error) {
	return NewShippingAllocator(defaultProcessingFeePercent).Allocate(reason, returnShippingFee)
}

// Allocate computes the shipping breakdown for reason. The processing fee is rounded up to the
// next whole unit so no fraction is dropped.
func (a ShippingAllocator) Allocate(reason domain.ReturnReason, returnShippingFee int64) (domain.ShippingBreakdown, error) {
	policy, ok := returnShippingPolicies[reason]
	if !ok {
		return domain.ShippingBreakdown{}, fmt.Errorf("%w: unsupported return reason %q", ErrReturnInvalidRequest, reason)
	}
	if returnShippingFee < 0 {
		return domain.ShippingBreakdown{}, fmt.Errorf("%w: return shipping fee must be non-negative", ErrReturnInvalidRequest)
	}

	breakdown := domain.ShippingBreakdown{
		ReturnShippingFee:    returnShippingFee,
		CustomerPaysShipping: policy.customerPaysShipping,
		RequiresApproval:     policy.customerPaysShipping,
	}
	if policy.customerPaysShipping {
		breakdown.CustomerShippingFee = returnShippingFee
	} else {
		breakdown.ShopShippingFee = returnShippingFee
	}
	if policy.chargeProcessingFee {
		breakdown.ProcessingFee = a.processingFee(returnShippingFee)
	}
	return breakdown, nil
}

func (a ShippingAllocator) processingFee(fee int64) int64 {
	percent := a.feePercent
	if percent.IsZero() {
		percent = decimal.NewFromInt(defaultProcessingFeePercent)
	}
	return decimal.NewFromInt(fee).
		Mul(percent).
		Div(decimal.NewFromInt(100)).
		Ceil().
		IntPart()
}
