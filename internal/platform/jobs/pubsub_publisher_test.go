package jobs

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	domain "github.com/hanko-field/returns/internal/domain"
)

func TestPubSubSettlementPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "return-settlements")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubSettlementPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubSettlementPublisher: %v", err)
	}

	refund := int64(468500)
	event := domain.SettlementEvent{
		RequestID:       "ret_01",
		OrderID:         "ord_01",
		UserID:          "user_01",
		Type:            domain.ReturnTypeReturn,
		RefundAmount:    &refund,
		Currency:        "VND",
		PaymentIntentID: "pi_01",
		OccurredAt:      time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}
	if err := publisher.PublishSettlement(ctx, event); err != nil {
		t.Fatalf("PublishSettlement: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	decoded, err := DecodeSettlementMessage(messages[0].Data)
	if err != nil {
		t.Fatalf("DecodeSettlementMessage: %v", err)
	}
	if decoded.RequestID != "ret_01" || decoded.RefundAmount == nil || *decoded.RefundAmount != refund {
		t.Fatalf("unexpected payload %#v", decoded)
	}
	if decoded.AdditionalCost != nil {
		t.Fatalf("exchange cost must be absent on a refund event")
	}
	if !decoded.OccurredAt.Equal(event.OccurredAt) {
		t.Fatalf("expected occurredAt %s, got %s", event.OccurredAt, decoded.OccurredAt)
	}
	if attr := messages[0].Attributes["idempotencyKey"]; attr != "settlement:ret_01" {
		t.Fatalf("expected idempotency key attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["type"]; attr != "RETURN" {
		t.Fatalf("expected type attribute, got %q", attr)
	}
}

func TestDecodeSettlementMessageRejectsInvalidPayload(t *testing.T) {
	if _, err := DecodeSettlementMessage([]byte("{")); err == nil {
		t.Fatalf("expected malformed JSON to fail")
	}
	if _, err := DecodeSettlementMessage([]byte(`{"orderId":"ord_1"}`)); err == nil {
		t.Fatalf("expected missing request id to fail")
	}
}
