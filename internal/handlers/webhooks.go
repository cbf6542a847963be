package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/returns/internal/payments"
	"github.com/hanko-field/returns/internal/platform/httpx"
	"github.com/hanko-field/returns/internal/platform/requestctx"
	"github.com/hanko-field/returns/internal/services"
)

const (
	maxWebhookBodySize    = 64 * 1024
	stripeSignatureHeader = "Stripe-Signature"
)

type intentEventParser interface {
	ParseIntentEvent(payload []byte, signatureHeader string) (payments.IntentEvent, error)
}

type exchangePaymentRecorder interface {
	RecordExchangePayment(ctx context.Context, cmd services.ExchangePaymentReceipt) (bool, error)
}

// WebhookHandlers accepts PSP events and signed voucher ledger callbacks.
type WebhookHandlers struct {
	vouchers  services.VoucherLedgerService
	exchanges exchangePaymentRecorder
	stripe    intentEventParser
	signed    func(http.Handler) http.Handler
}

// WebhookOption customises WebhookHandlers.
type WebhookOption func(*WebhookHandlers)

// WithStripeWebhookParser enables POST /webhooks/payments/stripe.
func WithStripeWebhookParser(parser intentEventParser) WebhookOption {
	return func(h *WebhookHandlers) {
		h.stripe = parser
	}
}

// WithExchangePayments books paid exchange checkouts, recognised by their return_request_id
// metadata, against the return request.
func WithExchangePayments(recorder exchangePaymentRecorder) WebhookOption {
	return func(h *WebhookHandlers) {
		h.exchanges = recorder
	}
}

// WithSignedVoucherRoutes enables POST /webhooks/vouchers/{reserve,confirm,release} behind mw,
// normally the HMAC validator.
func WithSignedVoucherRoutes(mw func(http.Handler) http.Handler) WebhookOption {
	return func(h *WebhookHandlers) {
		h.signed = mw
	}
}

// NewWebhookHandlers constructs webhook handlers over the voucher ledger.
func NewWebhookHandlers(vouchers services.VoucherLedgerService, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{vouchers: vouchers}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers webhook endpoints on the /webhooks group.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.stripe != nil {
		r.Post("/payments/stripe", h.handleStripe)
	}
	if h.signed != nil {
		r.Group(func(signed chi.Router) {
			signed.Use(h.signed)
			signed.Post("/vouchers/reserve", h.voucherAction(h.reserve))
			signed.Post("/vouchers/confirm", h.voucherAction(h.confirm))
			signed.Post("/vouchers/release", h.voucherAction(h.release))
		})
	}
}

type webhookAck struct {
	Status  string `json:"status"`
	Applied bool   `json:"applied"`
}

func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	event, err := h.stripe.ParseIntentEvent(body, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		if errors.Is(err, payments.ErrWebhookSignature) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "webhook payload could not be decoded", http.StatusBadRequest))
		return
	}

	logger := requestctx.Logger(ctx).With(
		zap.String("stripe_event_id", event.EventID),
		zap.String("stripe_event_type", event.Type),
		zap.String("payment_intent", event.PaymentIntentID),
	)

	if event.Outcome == payments.IntentOutcomeIgnored {
		writeJSONResponse(w, http.StatusOK, webhookAck{Status: "ignored"})
		return
	}
	if requestID := strings.TrimSpace(event.Metadata[payments.MetadataReturnRequestID]); requestID != "" {
		h.handleExchangePayment(ctx, w, logger, requestID, event)
		return
	}

	cmd := services.VoucherLedgerCommand{
		UserID:          strings.TrimSpace(event.Metadata[payments.MetadataUserID]),
		VoucherID:       strings.TrimSpace(event.Metadata[payments.MetadataVoucherID]),
		PaymentIntentID: event.PaymentIntentID,
		OrderID:         strings.TrimSpace(event.Metadata[payments.MetadataOrderID]),
	}
	if cmd.VoucherID == "" || cmd.UserID == "" {
		writeJSONResponse(w, http.StatusOK, webhookAck{Status: "ignored"})
		return
	}

	var applied bool
	switch event.Outcome {
	case payments.IntentOutcomeSucceeded:
		if cmd.OrderID == "" {
			logger.Warn("payment succeeded without order id; voucher stays reserved", zap.String("voucher_id", cmd.VoucherID))
			writeJSONResponse(w, http.StatusOK, webhookAck{Status: "skipped"})
			return
		}
		applied, err = h.vouchers.Confirm(ctx, cmd)
	default:
		applied, err = h.vouchers.Release(ctx, cmd)
	}
	if err != nil {
		logger.Warn("voucher ledger update failed", zap.Error(err))
		writeWebhookError(ctx, w, err)
		return
	}
	logger.Info("voucher ledger updated", zap.Bool("applied", applied), zap.String("outcome", string(event.Outcome)))
	writeJSONResponse(w, http.StatusOK, webhookAck{Status: "processed", Applied: applied})
}

// handleExchangePayment books a paid price-difference checkout. Failed or canceled attempts need
// no bookkeeping: the customer can open a new checkout.
func (h *WebhookHandlers) handleExchangePayment(ctx context.Context, w http.ResponseWriter, logger *zap.Logger, requestID string, event payments.IntentEvent) {
	logger = logger.With(zap.String("return_request_id", requestID))
	if event.Outcome != payments.IntentOutcomeSucceeded {
		writeJSONResponse(w, http.StatusOK, webhookAck{Status: "ignored"})
		return
	}
	if h.exchanges == nil {
		logger.Warn("exchange payment received but exchange payments are not configured")
		writeJSONResponse(w, http.StatusOK, webhookAck{Status: "ignored"})
		return
	}
	applied, err := h.exchanges.RecordExchangePayment(ctx, services.ExchangePaymentReceipt{
		RequestID:         requestID,
		UserID:            strings.TrimSpace(event.Metadata[payments.MetadataUserID]),
		PaymentIntentID:   event.PaymentIntentID,
		CheckoutSessionID: event.CheckoutSessionID,
		Amount:            event.Amount,
		Currency:          event.Currency,
	})
	if err != nil {
		logger.Warn("exchange payment not recorded", zap.Error(err))
		exchangeWebhookErrors.Write(ctx, w, err)
		return
	}
	logger.Info("exchange payment recorded", zap.Bool("applied", applied), zap.Int64("amount", event.Amount))
	writeJSONResponse(w, http.StatusOK, webhookAck{Status: "processed", Applied: applied})
}

type voucherWebhookRequest struct {
	UserID          string `json:"userId"`
	VoucherID       string `json:"voucherId"`
	PaymentIntentID string `json:"paymentIntentId"`
	OrderID         string `json:"orderId"`
}

type voucherFunc func(ctx context.Context, cmd services.VoucherLedgerCommand) (bool, error)

func (h *WebhookHandlers) reserve(ctx context.Context, cmd services.VoucherLedgerCommand) (bool, error) {
	if _, err := h.vouchers.Reserve(ctx, cmd); err != nil {
		return false, err
	}
	return true, nil
}

func (h *WebhookHandlers) confirm(ctx context.Context, cmd services.VoucherLedgerCommand) (bool, error) {
	return h.vouchers.Confirm(ctx, cmd)
}

func (h *WebhookHandlers) release(ctx context.Context, cmd services.VoucherLedgerCommand) (bool, error) {
	return h.vouchers.Release(ctx, cmd)
}

func (h *WebhookHandlers) voucherAction(fn voucherFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, err := readLimitedBody(r, maxWebhookBodySize)
		if err != nil {
			writeBodyError(ctx, w, err)
			return
		}
		var req voucherWebhookRequest
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_json", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
		applied, err := fn(ctx, services.VoucherLedgerCommand{
			UserID:          strings.TrimSpace(req.UserID),
			VoucherID:       strings.TrimSpace(req.VoucherID),
			PaymentIntentID: strings.TrimSpace(req.PaymentIntentID),
			OrderID:         strings.TrimSpace(req.OrderID),
		})
		if err != nil {
			writeWebhookError(ctx, w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, webhookAck{Status: "processed", Applied: applied})
	}
}

// Client mistakes stay 4xx so the sender stops retrying; anything else is a retryable 503.
var webhookErrors = httpx.NewErrorMapper(
	httpx.NewError("voucher_ledger_error", "failed to update voucher ledger", http.StatusServiceUnavailable).WithRetryAfter(time.Second),
	httpx.ErrorRule{Target: services.ErrVoucherInvalidInput, Code: "invalid_request", Status: http.StatusBadRequest},
	httpx.ErrorRule{Target: services.ErrVoucherNotFound, Code: "voucher_not_found", Message: "voucher not found", Status: http.StatusNotFound},
	httpx.ErrorRule{Target: services.ErrVoucherConflict, Code: "voucher_conflict", Status: http.StatusConflict},
)

var exchangeWebhookErrors = httpx.NewErrorMapper(
	httpx.NewError("exchange_payment_error", "failed to record exchange payment", http.StatusServiceUnavailable).WithRetryAfter(time.Second),
	httpx.ErrorRule{Target: services.ErrReturnInvalidRequest, Code: "invalid_request", Status: http.StatusBadRequest},
	httpx.ErrorRule{Target: services.ErrReturnNotFound, Code: "return_not_found", Message: "return request not found", Status: http.StatusNotFound},
)

func writeWebhookError(ctx context.Context, w http.ResponseWriter, err error) {
	webhookErrors.Write(ctx, w, err)
}
