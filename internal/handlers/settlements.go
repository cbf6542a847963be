package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hanko-field/returns/internal/platform/httpx"
	"github.com/hanko-field/returns/internal/platform/jobs"
	"github.com/hanko-field/returns/internal/platform/observability"
	"github.com/hanko-field/returns/internal/platform/requestctx"
	"github.com/hanko-field/returns/internal/services"
)

const maxPushBodySize = 256 * 1024

// SettlementHandlers receives Pub/Sub push deliveries of settlement events.
type SettlementHandlers struct {
	processor services.SettlementProcessor
}

// NewSettlementHandlers constructs the push endpoint around processor.
func NewSettlementHandlers(processor services.SettlementProcessor) *SettlementHandlers {
	return &SettlementHandlers{processor: processor}
}

// Routes registers POST /settlements:process on the internal group.
func (h *SettlementHandlers) Routes(r chi.Router) {
	if r == nil || h.processor == nil {
		return
	}
	r.Post("/settlements:process", h.process)
}

type pushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		MessageID   string            `json:"messageId"`
		Attributes  map[string]string `json:"attributes"`
		PublishTime time.Time         `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type settlementResponse struct {
	Status     string                `json:"status"`
	Settlement *settlementRecordBody `json:"settlement,omitempty"`
}

type settlementRecordBody struct {
	RequestID   string `json:"requestId"`
	OrderID     string `json:"orderId"`
	Action      string `json:"action"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	ProviderRef string `json:"providerRef,omitempty"`
	ProcessedAt string `json:"processedAt"`
}

func (h *SettlementHandlers) process(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxPushBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_push_envelope", "push envelope must be valid JSON", http.StatusBadRequest))
		return
	}

	logger := requestctx.Logger(ctx).With(
		zap.String("message_id", envelope.Message.MessageID),
		zap.String("subscription", envelope.Subscription),
	)

	event, err := jobs.DecodeSettlementMessage(envelope.Message.Data)
	if err != nil {
		// Redelivering a malformed message never succeeds, so it is acknowledged and dropped.
		logger.Error("settlement message discarded", zap.Error(err))
		writeJSONResponse(w, http.StatusOK, settlementResponse{Status: "discarded"})
		return
	}

	ctx, span := observability.StartSpan(ctx, "settlements.process",
		attribute.String("return_request.id", event.RequestID),
		attribute.String("order.id", event.OrderID),
		attribute.String("messaging.message.id", envelope.Message.MessageID),
	)
	defer span.End()

	record, err := h.processor.Process(ctx, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settlement failed")
		if errors.Is(err, services.ErrReturnInvalidRequest) {
			logger.Error("settlement event rejected", zap.String("return_request_id", event.RequestID), zap.Error(err))
			writeJSONResponse(w, http.StatusOK, settlementResponse{Status: "discarded"})
			return
		}
		logger.Warn("settlement processing failed", zap.String("return_request_id", event.RequestID), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("settlement_failed", "settlement processing failed", http.StatusServiceUnavailable))
		return
	}

	writeJSONResponse(w, http.StatusOK, settlementResponse{
		Status: "processed",
		Settlement: &settlementRecordBody{
			RequestID:   record.RequestID,
			OrderID:     record.OrderID,
			Action:      record.Action,
			Amount:      record.Amount,
			Currency:    record.Currency,
			ProviderRef: record.ProviderRef,
			ProcessedAt: formatTime(record.ProcessedAt),
		},
	})
}
