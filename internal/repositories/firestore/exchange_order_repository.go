package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/returns/internal/domain"
	pfirestore "github.com/hanko-field/returns/internal/platform/firestore"
	"github.com/hanko-field/returns/internal/repositories"
)

const (
	exchangeOrderIDPrefix        = "exch_"
	exchangeOrderStatusAwaiting  = "awaiting_payment"
	exchangeOrderStatusConfirmed = "confirmed"
)

// ExchangeOrderRepository writes replacement orders into the orders collection. The document id
// is derived from the return request so repeated calls resolve to the same order.
type ExchangeOrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
	clock    func() time.Time
}

var _ repositories.ExchangeOrderCreator = (*ExchangeOrderRepository)(nil)

func NewExchangeOrderRepository(provider *pfirestore.Provider, clock func() time.Time) (*ExchangeOrderRepository, error) {
	if provider == nil {
		return nil, errors.New("exchange order repository requires firestore provider")
	}
	if clock == nil {
		clock = time.Now
	}
	return &ExchangeOrderRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
		clock:    clock,
	}, nil
}

func (r *ExchangeOrderRepository) CreateExchangeOrder(ctx context.Context, req domain.ExchangeOrderRequest) (string, error) {
	requestID := strings.TrimSpace(req.ReturnRequestID)
	if requestID == "" {
		return "", errors.New("exchange order: return request id is required")
	}
	id := exchangeOrderIDPrefix + requestID
	qty := req.Quantity
	if qty <= 0 {
		qty = 1
	}

	status := exchangeOrderStatusConfirmed
	if req.AdditionalCost > req.PaidAmount {
		status = exchangeOrderStatusAwaiting
	}
	now := r.clock().UTC()
	doc := orderDocument{
		UserID:          req.UserID,
		Status:          status,
		PaymentStatus:   "exchange",
		DeliveryStatus:  "pending",
		Amount:          req.UnitPrice * int64(qty),
		Currency:        req.Currency,
		ExchangeOf:      req.OriginalOrderID,
		ReturnRequestID: requestID,
		Items: []orderLineDocument{{
			LineID:    "line_1",
			ProductID: req.TargetProductID,
			VariantID: req.TargetVariantID,
			Quantity:  qty,
			UnitPrice: req.UnitPrice,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.base.Create(ctx, id, doc); err != nil {
		if pfirestore.IsConflict(err) {
			return id, nil
		}
		return "", err
	}
	return id, nil
}

func (r *ExchangeOrderRepository) ConfirmExchangeOrder(ctx context.Context, orderID, paymentIntentID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return errors.New("exchange order: order id is required")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		current, err := r.base.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if current.Data.Status != exchangeOrderStatusAwaiting {
			return nil
		}
		updates := []firestore.Update{
			{Path: "status", Value: exchangeOrderStatusConfirmed},
			{Path: "paymentStatus", Value: "paid"},
			{Path: "updatedAt", Value: r.clock().UTC()},
		}
		if intent := strings.TrimSpace(paymentIntentID); intent != "" {
			updates = append(updates, firestore.Update{Path: "paymentIntentId", Value: intent})
		}
		return r.base.Update(ctx, orderID, updates)
	})
}
