package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/hanko-field/returns/internal/payments"
	"github.com/hanko-field/returns/internal/services"
)

const testStripeSecret = "whsec_handlers"

type stubVoucherLedger struct {
	reserveFn func(context.Context, services.VoucherLedgerCommand) (services.UserVoucher, error)
	confirmFn func(context.Context, services.VoucherLedgerCommand) (bool, error)
	releaseFn func(context.Context, services.VoucherLedgerCommand) (bool, error)
}

func (s *stubVoucherLedger) Reserve(ctx context.Context, cmd services.VoucherLedgerCommand) (services.UserVoucher, error) {
	if s.reserveFn == nil {
		return services.UserVoucher{}, errors.New("unexpected Reserve")
	}
	return s.reserveFn(ctx, cmd)
}

func (s *stubVoucherLedger) Confirm(ctx context.Context, cmd services.VoucherLedgerCommand) (bool, error) {
	if s.confirmFn == nil {
		return false, errors.New("unexpected Confirm")
	}
	return s.confirmFn(ctx, cmd)
}

func (s *stubVoucherLedger) Release(ctx context.Context, cmd services.VoucherLedgerCommand) (bool, error) {
	if s.releaseFn == nil {
		return false, errors.New("unexpected Release")
	}
	return s.releaseFn(ctx, cmd)
}

var _ services.VoucherLedgerService = (*stubVoucherLedger)(nil)

func newWebhookRouter(t *testing.T, ledger services.VoucherLedgerService, opts ...WebhookOption) chi.Router {
	t.Helper()
	parser, err := payments.NewWebhookParser(testStripeSecret, 0)
	require.NoError(t, err)
	opts = append([]WebhookOption{WithStripeWebhookParser(parser)}, opts...)
	h := NewWebhookHandlers(ledger, opts...)
	r := chi.NewRouter()
	r.Route("/webhooks", h.Routes)
	return r
}

func stripeRequest(t *testing.T, eventType string, metadata string) *http.Request {
	t.Helper()
	payload := fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"type": %q,
		"created": 1735689600,
		"data": {"object": {
			"id": "pi_1",
			"object": "payment_intent",
			"amount": 250000,
			"currency": "vnd",
			"metadata": %s
		}}
	}`, eventType, metadata)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testStripeSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", strings.NewReader(string(signed.Payload)))
	req.Header.Set(stripeSignatureHeader, signed.Header)
	return req
}

func decodeAck(t *testing.T, rr *httptest.ResponseRecorder) webhookAck {
	t.Helper()
	var ack webhookAck
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ack))
	return ack
}

func TestWebhookHandlers_StripeSucceededConfirmsVoucher(t *testing.T) {
	var captured services.VoucherLedgerCommand
	ledger := &stubVoucherLedger{
		confirmFn: func(_ context.Context, cmd services.VoucherLedgerCommand) (bool, error) {
			captured = cmd
			return true, nil
		},
	}
	router := newWebhookRouter(t, ledger)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, stripeRequest(t, "payment_intent.succeeded", `{"user_id":"user-1","voucher_id":"v-10","order_id":"ord_1"}`))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, services.VoucherLedgerCommand{UserID: "user-1", VoucherID: "v-10", PaymentIntentID: "pi_1", OrderID: "ord_1"}, captured)
	ack := decodeAck(t, rr)
	require.Equal(t, "processed", ack.Status)
	require.True(t, ack.Applied)
}

func TestWebhookHandlers_StripeFailureReleasesVoucher(t *testing.T) {
	for _, eventType := range []string{"payment_intent.payment_failed", "payment_intent.canceled"} {
		t.Run(eventType, func(t *testing.T) {
			released := false
			ledger := &stubVoucherLedger{
				releaseFn: func(_ context.Context, cmd services.VoucherLedgerCommand) (bool, error) {
					released = cmd.VoucherID == "v-10" && cmd.PaymentIntentID == "pi_1"
					return false, nil
				},
			}
			router := newWebhookRouter(t, ledger)

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, stripeRequest(t, eventType, `{"user_id":"user-1","voucher_id":"v-10"}`))

			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			require.True(t, released)
			require.False(t, decodeAck(t, rr).Applied)
		})
	}
}

func TestWebhookHandlers_StripeIgnoresEventsWithoutVoucher(t *testing.T) {
	router := newWebhookRouter(t, &stubVoucherLedger{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, stripeRequest(t, "payment_intent.succeeded", `{"order_id":"ord_1"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ignored", decodeAck(t, rr).Status)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, stripeRequest(t, "charge.refunded", `{"user_id":"user-1","voucher_id":"v-10"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ignored", decodeAck(t, rr).Status)
}

func TestWebhookHandlers_StripeSucceededWithoutOrderLeavesVoucherReserved(t *testing.T) {
	router := newWebhookRouter(t, &stubVoucherLedger{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, stripeRequest(t, "payment_intent.succeeded", `{"user_id":"user-1","voucher_id":"v-10"}`))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	ack := decodeAck(t, rr)
	require.Equal(t, "skipped", ack.Status)
	require.False(t, ack.Applied)
}

type stubExchangePayments struct {
	receipts []services.ExchangePaymentReceipt
	err      error
}

func (s *stubExchangePayments) RecordExchangePayment(_ context.Context, cmd services.ExchangePaymentReceipt) (bool, error) {
	s.receipts = append(s.receipts, cmd)
	return s.err == nil, s.err
}

func checkoutSessionRequest(t *testing.T) *http.Request {
	t.Helper()
	payload := `{
		"id": "evt_cs",
		"object": "event",
		"type": "checkout.session.completed",
		"created": 1735689600,
		"data": {"object": {
			"id": "cs_1",
			"object": "checkout.session",
			"payment_status": "paid",
			"payment_intent": "pi_7",
			"amount_total": 300000,
			"currency": "vnd",
			"metadata": {"return_request_id": "ret_1", "user_id": "user-1", "order_id": "ord_1"}
		}}
	}`
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testStripeSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", strings.NewReader(string(signed.Payload)))
	req.Header.Set(stripeSignatureHeader, signed.Header)
	return req
}

func TestWebhookHandlers_StripeRecordsExchangePayment(t *testing.T) {
	recorder := &stubExchangePayments{}
	router := newWebhookRouter(t, &stubVoucherLedger{}, WithExchangePayments(recorder))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, checkoutSessionRequest(t))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "processed", decodeAck(t, rr).Status)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, stripeRequest(t, "payment_intent.succeeded", `{"return_request_id":"ret_1","user_id":"user-1","order_id":"ord_1"}`))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	require.Equal(t, []services.ExchangePaymentReceipt{
		{RequestID: "ret_1", UserID: "user-1", PaymentIntentID: "pi_7", CheckoutSessionID: "cs_1", Amount: 300000, Currency: "VND"},
		{RequestID: "ret_1", UserID: "user-1", PaymentIntentID: "pi_1", Amount: 250000, Currency: "VND"},
	}, recorder.receipts)
}

func TestWebhookHandlers_StripeIgnoresFailedExchangePayment(t *testing.T) {
	recorder := &stubExchangePayments{}
	router := newWebhookRouter(t, &stubVoucherLedger{}, WithExchangePayments(recorder))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, stripeRequest(t, "payment_intent.payment_failed", `{"return_request_id":"ret_1","user_id":"user-1"}`))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ignored", decodeAck(t, rr).Status)
	require.Empty(t, recorder.receipts)
}

func TestWebhookHandlers_StripeExchangePaymentErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "unknown request", err: fmt.Errorf("%w: ret_1", services.ErrReturnNotFound), status: http.StatusNotFound},
		{name: "currency mismatch", err: fmt.Errorf("%w: currency", services.ErrReturnInvalidRequest), status: http.StatusBadRequest},
		{name: "order service down", err: fmt.Errorf("%w: confirm", services.ErrReturnDependency), status: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := newWebhookRouter(t, &stubVoucherLedger{}, WithExchangePayments(&stubExchangePayments{err: tc.err}))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, checkoutSessionRequest(t))
			require.Equal(t, tc.status, rr.Code, rr.Body.String())
		})
	}
}

func TestWebhookHandlers_StripeRejectsBadSignature(t *testing.T) {
	router := newWebhookRouter(t, &stubVoucherLedger{})

	req := stripeRequest(t, "payment_intent.succeeded", `{"user_id":"user-1","voucher_id":"v-10"}`)
	req.Header.Set(stripeSignatureHeader, "t=1,v1=deadbeef")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != "invalid_signature" {
		t.Fatalf("expected invalid_signature, got %q", code)
	}
}

func TestWebhookHandlers_StripeLedgerErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "conflict", err: fmt.Errorf("%w: held by pi_2", services.ErrVoucherConflict), status: http.StatusConflict},
		{name: "not found", err: services.ErrVoucherNotFound, status: http.StatusNotFound},
		{name: "storage", err: errors.New("deadline exceeded"), status: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ledger := &stubVoucherLedger{
				confirmFn: func(context.Context, services.VoucherLedgerCommand) (bool, error) {
					return false, tc.err
				},
			}
			router := newWebhookRouter(t, ledger)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, stripeRequest(t, "payment_intent.succeeded", `{"user_id":"user-1","voucher_id":"v-10","order_id":"ord_1"}`))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}

func TestWebhookHandlers_SignedVoucherRoutes(t *testing.T) {
	var calls []string
	ledger := &stubVoucherLedger{
		reserveFn: func(_ context.Context, cmd services.VoucherLedgerCommand) (services.UserVoucher, error) {
			calls = append(calls, "reserve:"+cmd.VoucherID+":"+cmd.PaymentIntentID)
			return services.UserVoucher{}, nil
		},
		confirmFn: func(_ context.Context, cmd services.VoucherLedgerCommand) (bool, error) {
			calls = append(calls, "confirm:"+cmd.VoucherID+":"+cmd.OrderID)
			return true, nil
		},
		releaseFn: func(_ context.Context, cmd services.VoucherLedgerCommand) (bool, error) {
			calls = append(calls, "release:"+cmd.VoucherID)
			return true, nil
		},
	}
	signedCalls := 0
	signed := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			signedCalls++
			next.ServeHTTP(w, r)
		})
	}
	router := newWebhookRouter(t, ledger, WithSignedVoucherRoutes(signed))

	body := `{"userId":"user-1","voucherId":"v-10","paymentIntentId":"pi_1","orderId":"ord_1"}`
	for _, action := range []string{"reserve", "confirm", "release"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/vouchers/"+action, strings.NewReader(body)))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	require.Equal(t, []string{"reserve:v-10:pi_1", "confirm:v-10:ord_1", "release:v-10"}, calls)
	require.Equal(t, 3, signedCalls)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/vouchers/confirm", strings.NewReader("{")))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhookHandlers_VoucherRoutesAbsentWithoutSigner(t *testing.T) {
	router := newWebhookRouter(t, &stubVoucherLedger{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/vouchers/confirm", strings.NewReader(`{}`)))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
