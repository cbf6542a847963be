package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/returns/internal/domain"
	"github.com/hanko-field/returns/internal/payments"
	"github.com/hanko-field/returns/internal/repositories"
)

const (
	SettlementActionRefund = "refund"
	SettlementActionNone   = "none"
	SettlementActionCharge = "charge_via_checkout"
)

// refundManager abstracts payments.Manager refunds for easier testing.
type refundManager interface {
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error)
}

// SettlementProcessorDeps bundles collaborators for settlement processing.
type SettlementProcessorDeps struct {
	Records  repositories.SettlementRepository
	Payments refundManager
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type settlementProcessor struct {
	records  repositories.SettlementRepository
	payments refundManager
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewSettlementProcessor constructs the consumer of settlement events.
func NewSettlementProcessor(deps SettlementProcessorDeps) (SettlementProcessor, error) {
	if deps.Records == nil {
		return nil, errors.New("settlement processor: settlement repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("settlement processor: payments manager is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &settlementProcessor{
		records:  deps.Records,
		payments: deps.Payments,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Process is idempotent per request id: an event that already has a record returns that record
// without touching the PSP again.
func (p *settlementProcessor) Process(ctx context.Context, event SettlementEvent) (SettlementRecord, error) {
	requestID := strings.TrimSpace(event.RequestID)
	if requestID == "" {
		return SettlementRecord{}, fmt.Errorf("%w: settlement request id is required", ErrReturnInvalidRequest)
	}

	existing, err := p.records.FindByRequestID(ctx, requestID)
	if err == nil {
		p.logger(ctx, "settlements.duplicate", map[string]any{"requestId": requestID})
		return existing, nil
	}
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		return SettlementRecord{}, mapReturnRepositoryError(err)
	}

	amount, action := settlementAction(event)
	record := SettlementRecord{
		RequestID:   requestID,
		OrderID:     event.OrderID,
		Action:      action,
		Amount:      amount,
		Currency:    event.Currency,
		ProcessedAt: p.clock(),
	}

	if action == SettlementActionRefund {
		if strings.TrimSpace(event.PaymentIntentID) == "" {
			return SettlementRecord{}, fmt.Errorf("%w: order %s has no payment intent to refund", ErrReturnInvalidRequest, event.OrderID)
		}
		details, err := p.payments.Refund(ctx, payments.PaymentContext{Currency: event.Currency}, payments.RefundRequest{
			IntentID:       event.PaymentIntentID,
			Amount:         valuePtr(amount),
			Reason:         "requested_by_customer",
			IdempotencyKey: "settlement:" + requestID,
			Metadata: map[string]string{
				"return_request_id": requestID,
				"order_id":          event.OrderID,
			},
		})
		if err != nil {
			return SettlementRecord{}, fmt.Errorf("%w: refund %s: %v", ErrReturnDependency, requestID, err)
		}
		if details.Status == payments.StatusFailed {
			return SettlementRecord{}, fmt.Errorf("%w: refund %s was declined by %s", ErrReturnDependency, requestID, details.Provider)
		}
		record.ProviderRef = details.RefundID
		if record.ProviderRef == "" {
			record.ProviderRef = details.IntentID
		}
	}

	if err := p.records.Record(ctx, record); err != nil {
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			return p.records.FindByRequestID(ctx, requestID)
		}
		return SettlementRecord{}, mapReturnRepositoryError(err)
	}

	p.logger(ctx, "settlements.processed", map[string]any{
		"requestId": requestID,
		"orderId":   event.OrderID,
		"action":    action,
		"amount":    amount,
	})
	return record, nil
}

func settlementAction(event SettlementEvent) (int64, string) {
	switch event.Type {
	case domain.ReturnTypeReturn:
		if event.RefundAmount != nil && *event.RefundAmount > 0 {
			return *event.RefundAmount, SettlementActionRefund
		}
	case domain.ReturnTypeExchange:
		if event.AdditionalCost != nil {
			// money already taken at checkout counts against the final difference
			switch balance := *event.AdditionalCost - event.PaidAmount; {
			case balance < 0:
				return -balance, SettlementActionRefund
			case balance > 0:
				return balance, SettlementActionCharge
			}
		}
	}
	return 0, SettlementActionNone
}
