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

const ordersCollection = "orders"

// OrderRepository reads order documents written by the checkout service.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{base: pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection)}, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.OrderSnapshot, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.OrderSnapshot{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// UpdateDeliveryStatus is a blind write so it can follow reads in the same transaction.
func (r *OrderRepository) UpdateDeliveryStatus(ctx context.Context, orderID string, status string, at time.Time) error {
	updates := []firestore.Update{
		{Path: "deliveryStatus", Value: status},
		{Path: "updatedAt", Value: at.UTC()},
	}
	if status == "returned" {
		updates = append(updates, firestore.Update{Path: "returnedAt", Value: at.UTC()})
	}
	return r.base.Update(ctx, strings.TrimSpace(orderID), updates)
}

type orderLineDocument struct {
	LineID    string `firestore:"lineId"`
	ProductID string `firestore:"productId"`
	VariantID string `firestore:"variantId,omitempty"`
	Quantity  int    `firestore:"quantity"`
	UnitPrice int64  `firestore:"unitPrice"`
}

type orderDocument struct {
	UserID          string              `firestore:"userId"`
	Status          string              `firestore:"status"`
	PaymentStatus   string              `firestore:"paymentStatus"`
	DeliveryStatus  string              `firestore:"deliveryStatus"`
	PaymentIntentID string              `firestore:"paymentIntentId,omitempty"`
	Amount          int64               `firestore:"amount"`
	ShippingFee     int64               `firestore:"shippingFee"`
	Currency        string              `firestore:"currency"`
	Items           []orderLineDocument `firestore:"items"`
	ExchangeOf      string              `firestore:"exchangeOf,omitempty"`
	ReturnRequestID string              `firestore:"returnRequestId,omitempty"`
	DeliveredAt     *time.Time          `firestore:"deliveredAt,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
}

func (d orderDocument) toDomain(id string) domain.OrderSnapshot {
	order := domain.OrderSnapshot{
		ID:              id,
		UserID:          d.UserID,
		Status:          d.Status,
		PaymentStatus:   d.PaymentStatus,
		DeliveryStatus:  d.DeliveryStatus,
		PaymentIntentID: d.PaymentIntentID,
		Amount:          d.Amount,
		ShippingFee:     d.ShippingFee,
		Currency:        d.Currency,
		DeliveredAt:     utcPtr(d.DeliveredAt),
		CreatedAt:       d.CreatedAt.UTC(),
	}
	for _, line := range d.Items {
		order.Items = append(order.Items, domain.OrderLine{
			LineID:    line.LineID,
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	return order
}
