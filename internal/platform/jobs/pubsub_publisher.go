package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	domain "github.com/hanko-field/returns/internal/domain"
	"github.com/hanko-field/returns/internal/services"
)

// SettlementMessage is the JSON payload carried on the settlement topic.
type SettlementMessage struct {
	RequestID       string    `json:"requestId"`
	OrderID         string    `json:"orderId"`
	UserID          string    `json:"userId,omitempty"`
	Type            string    `json:"type"`
	RefundAmount    *int64    `json:"refundAmount,omitempty"`
	AdditionalCost  *int64    `json:"additionalCost,omitempty"`
	PaidAmount      int64     `json:"paidAmount,omitempty"`
	ExchangeOrderID string    `json:"exchangeOrderId,omitempty"`
	Currency        string    `json:"currency"`
	PaymentIntentID string    `json:"paymentIntentId,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// NewSettlementMessage converts a domain event into its wire form.
func NewSettlementMessage(event domain.SettlementEvent) SettlementMessage {
	return SettlementMessage{
		RequestID:       event.RequestID,
		OrderID:         event.OrderID,
		UserID:          event.UserID,
		Type:            string(event.Type),
		RefundAmount:    event.RefundAmount,
		AdditionalCost:  event.AdditionalCost,
		PaidAmount:      event.PaidAmount,
		ExchangeOrderID: event.ExchangeOrderID,
		Currency:        event.Currency,
		PaymentIntentID: event.PaymentIntentID,
		OccurredAt:      event.OccurredAt.UTC(),
	}
}

// Event converts the wire form back into a domain event.
func (m SettlementMessage) Event() domain.SettlementEvent {
	return domain.SettlementEvent{
		RequestID:       m.RequestID,
		OrderID:         m.OrderID,
		UserID:          m.UserID,
		Type:            domain.ReturnType(m.Type),
		RefundAmount:    m.RefundAmount,
		AdditionalCost:  m.AdditionalCost,
		PaidAmount:      m.PaidAmount,
		ExchangeOrderID: m.ExchangeOrderID,
		Currency:        m.Currency,
		PaymentIntentID: m.PaymentIntentID,
		OccurredAt:      m.OccurredAt,
	}
}

// DecodeSettlementMessage parses a message body produced by PubSubSettlementPublisher.
func DecodeSettlementMessage(data []byte) (domain.SettlementEvent, error) {
	var msg SettlementMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.SettlementEvent{}, fmt.Errorf("decode settlement message: %w", err)
	}
	if strings.TrimSpace(msg.RequestID) == "" {
		return domain.SettlementEvent{}, errors.New("decode settlement message: requestId is required")
	}
	return msg.Event(), nil
}

// PubSubSettlementPublisher publishes settlement events for completed return requests.
type PubSubSettlementPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.SettlementPublisher = (*PubSubSettlementPublisher)(nil)

// NewPubSubSettlementPublisher constructs a Pub/Sub backed settlement sink.
func NewPubSubSettlementPublisher(topic *pubsub.Topic) (*PubSubSettlementPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub settlement publisher: topic is required")
	}
	return &PubSubSettlementPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishSettlement blocks until Pub/Sub acknowledges the message.
func (p *PubSubSettlementPublisher) PublishSettlement(ctx context.Context, event domain.SettlementEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub settlement publisher: not initialised")
	}

	data, err := p.marshal(NewSettlementMessage(event))
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "requestId", event.RequestID)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "type", string(event.Type))
	setAttr(attrs, "idempotencyKey", "settlement:"+event.RequestID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish settlement: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
