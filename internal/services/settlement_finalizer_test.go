package services

import (
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/returns/internal/domain"
)

func TestFinalizeReturnRefund(t *testing.T) {
	items := []ReturnItem{{LineID: "line_1", Quantity: 1, UnitPrice: 500000}}

	defective, _ := AllocateShipping(domain.ReturnReasonDefective, 30000)
	if got := FinalizeReturnRefund(items, defective); got != 500000 {
		t.Fatalf("expected 500000 for seller-paid return, got %d", got)
	}

	changeMind, _ := AllocateShipping(domain.ReturnReasonChangeMind, 30000)
	if got := FinalizeReturnRefund(items, changeMind); got != 468500 {
		t.Fatalf("expected 468500 for customer-paid return, got %d", got)
	}

	cheap := []ReturnItem{{LineID: "line_9", Quantity: 1, UnitPrice: 20000}}
	if got := FinalizeReturnRefund(cheap, changeMind); got != 0 {
		t.Fatalf("expected refund clamped to zero, got %d", got)
	}

	multi := []ReturnItem{
		{LineID: "line_1", Quantity: 2, UnitPrice: 500000},
		{LineID: "line_2", Quantity: 1, UnitPrice: 1000000},
	}
	if got := FinalizeReturnRefund(multi, changeMind); got != 1968500 {
		t.Fatalf("expected 1968500, got %d", got)
	}
}

func TestCheckCompletionInvariants(t *testing.T) {
	balanced, _ := AllocateShipping(domain.ReturnReasonDefective, 30000)
	unbalanced := balanced
	unbalanced.ShopShippingFee = 10

	cases := []struct {
		name string
		req  ReturnRequest
		ok   bool
	}{
		{name: "valid return", req: ReturnRequest{ID: "r1", Type: domain.ReturnTypeReturn, Return: &domain.ReturnDetail{ShippingBreakdown: balanced, RefundAmount: 10}}, ok: true},
		{name: "missing detail", req: ReturnRequest{ID: "r2", Type: domain.ReturnTypeReturn}},
		{name: "unbalanced split", req: ReturnRequest{ID: "r3", Type: domain.ReturnTypeReturn, Return: &domain.ReturnDetail{ShippingBreakdown: unbalanced}}},
		{name: "negative refund", req: ReturnRequest{ID: "r4", Type: domain.ReturnTypeReturn, Return: &domain.ReturnDetail{ShippingBreakdown: balanced, RefundAmount: -1}}},
		{name: "exchange without order", req: ReturnRequest{ID: "r5", Type: domain.ReturnTypeExchange, Exchange: &domain.ExchangeDetail{}}},
		{name: "valid exchange", req: ReturnRequest{ID: "r6", Type: domain.ReturnTypeExchange, Exchange: &domain.ExchangeDetail{ExchangeOrderID: "ord_x"}}, ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkCompletionInvariants(tc.req)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrReturnInvariant) {
				t.Fatalf("expected invariant error, got %v", err)
			}
		})
	}
}

func TestBuildSettlementEvent(t *testing.T) {
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	order := OrderSnapshot{ID: "ord_1", PaymentIntentID: "pi_1"}

	refund := buildSettlementEvent(ReturnRequest{
		ID: "ret_1", OrderID: "ord_1", UserID: "user_1", Type: domain.ReturnTypeReturn, Currency: "VND",
		Return: &domain.ReturnDetail{RefundAmount: 500000},
	}, order, now)
	if refund.RefundAmount == nil || *refund.RefundAmount != 500000 || refund.AdditionalCost != nil {
		t.Fatalf("unexpected refund event %+v", refund)
	}
	if refund.PaymentIntentID != "pi_1" || !refund.OccurredAt.Equal(now) {
		t.Fatalf("unexpected refund metadata %+v", refund)
	}

	exchange := buildSettlementEvent(ReturnRequest{
		ID: "ret_2", OrderID: "ord_1", Type: domain.ReturnTypeExchange,
		Exchange: &domain.ExchangeDetail{AdditionalCost: -200000, ExchangeOrderID: "ord_x"},
	}, order, now)
	if exchange.AdditionalCost == nil || *exchange.AdditionalCost != -200000 || exchange.RefundAmount != nil || exchange.ExchangeOrderID != "ord_x" {
		t.Fatalf("unexpected exchange event %+v", exchange)
	}

	paid := buildSettlementEvent(ReturnRequest{
		ID: "ret_3", OrderID: "ord_1", Type: domain.ReturnTypeExchange,
		Exchange: &domain.ExchangeDetail{AdditionalCost: 500000, Payments: []domain.ExchangePayment{
			{PaymentIntentID: "pi_a", Amount: 200000},
			{PaymentIntentID: "pi_b", Amount: 100000},
		}},
	}, order, now)
	if paid.PaidAmount != 300000 || *paid.AdditionalCost != 500000 {
		t.Fatalf("expected paid amount to be carried, got %+v", paid)
	}
}
