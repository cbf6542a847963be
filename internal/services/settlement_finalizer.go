package services

import (
	"fmt"
	"time"

	domain "github.com/hanko-field/returns/internal/domain"
)

// FinalizeReturnRefund computes the refund owed for returned items after deducting the
// customer's share of shipping and the processing fee. The result is never negative.
func FinalizeReturnRefund(items []domain.ReturnItem, breakdown domain.ShippingBreakdown) int64 {
	var gross int64
	for _, item := range items {
		gross += item.Subtotal()
	}
	refund := gross - breakdown.CustomerShippingFee - breakdown.ProcessingFee
	if refund < 0 {
		return 0
	}
	return refund
}

// checkCompletionInvariants validates a request about to be or already COMPLETED.
func checkCompletionInvariants(req domain.ReturnRequest) error {
	switch req.Type {
	case domain.ReturnTypeReturn:
		if req.Return == nil {
			return fmt.Errorf("%w: return %s has no return detail", ErrReturnInvariant, req.ID)
		}
		if !req.Return.ShippingBreakdown.Balanced() {
			b := req.Return.ShippingBreakdown
			return fmt.Errorf("%w: return %s shipping split %d+%d != %d", ErrReturnInvariant, req.ID, b.CustomerShippingFee, b.ShopShippingFee, b.ReturnShippingFee)
		}
		if req.Return.RefundAmount < 0 {
			return fmt.Errorf("%w: return %s has negative refund", ErrReturnInvariant, req.ID)
		}
	case domain.ReturnTypeExchange:
		if req.Exchange == nil || req.Exchange.ExchangeOrderID == "" {
			return fmt.Errorf("%w: exchange %s completed without exchange order", ErrReturnInvariant, req.ID)
		}
	}
	return nil
}

// buildSettlementEvent produces the record consumed by payment collaborators on completion.
func buildSettlementEvent(req domain.ReturnRequest, order domain.OrderSnapshot, now time.Time) domain.SettlementEvent {
	event := domain.SettlementEvent{
		RequestID:       req.ID,
		OrderID:         req.OrderID,
		UserID:          req.UserID,
		Type:            req.Type,
		Currency:        req.Currency,
		PaymentIntentID: order.PaymentIntentID,
		OccurredAt:      now,
	}
	switch req.Type {
	case domain.ReturnTypeReturn:
		if req.Return != nil {
			event.RefundAmount = valuePtr(req.Return.RefundAmount)
		}
	case domain.ReturnTypeExchange:
		if req.Exchange != nil {
			event.AdditionalCost = valuePtr(req.Exchange.AdditionalCost)
			event.PaidAmount = req.Exchange.PaidAmount()
			event.ExchangeOrderID = req.Exchange.ExchangeOrderID
		}
	}
	return event
}

func valuePtr[T any](v T) *T {
	return &v
}
