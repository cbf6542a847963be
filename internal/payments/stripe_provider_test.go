package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	params *stripe.CheckoutSessionParams
	result *stripe.CheckoutSession
	err    error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	return f.result, f.err
}

type fakeRefunds struct {
	params *stripe.RefundParams
	result *stripe.Refund
	err    error
}

func (f *fakeRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	return f.result, f.err
}

var stripeTestNow = time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)

func newTestStripeProvider(t *testing.T, sessions *fakeSessions, refunds *fakeRefunds) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &StripeClients{Sessions: sessions, Refunds: refunds},
		Clock:   func() time.Time { return stripeTestNow },
	})
	require.NoError(t, err)
	return provider
}

func TestNewStripeProviderRequiresKey(t *testing.T) {
	_, err := NewStripeProvider(StripeProviderConfig{})
	require.Error(t, err)
}

func TestStripeCheckoutSessionForExchangeDifference(t *testing.T) {
	sessions := &fakeSessions{result: &stripe.CheckoutSession{
		ID:            "cs_1",
		URL:           "https://checkout.stripe.com/c/cs_1",
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_9"},
	}}
	provider := newTestStripeProvider(t, sessions, &fakeRefunds{})

	session, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		Amount:         150000,
		Currency:       "VND",
		CustomerID:     "user-1",
		SuccessURL:     "https://shop.example/ok",
		CancelURL:      "https://shop.example/cancel",
		IdempotencyKey: "exchange:ret_1",
		Metadata:       map[string]string{MetadataReturnRequestID: "ret_1"},
		Items:          []CheckoutLineItem{{Name: "Exchange price difference", SKU: "prod-2", Quantity: 1, Amount: 150000}},
	})
	require.NoError(t, err)
	require.Equal(t, "cs_1", session.ID)
	require.Equal(t, "pi_9", session.IntentID)
	require.Equal(t, stripeTestNow.Add(defaultSessionTTL), session.ExpiresAt)

	params := sessions.params
	require.NotNil(t, params)
	require.Equal(t, "exchange:ret_1", *params.IdempotencyKey)
	require.Equal(t, "user-1", *params.ClientReferenceID)
	require.Len(t, params.LineItems, 1)
	require.Equal(t, "vnd", *params.LineItems[0].PriceData.Currency)
	require.Equal(t, int64(150000), *params.LineItems[0].PriceData.UnitAmount)
	require.Equal(t, "ret_1", params.PaymentIntentData.Metadata[MetadataReturnRequestID])
}

func TestStripeCheckoutSessionRejectsEmptyAmount(t *testing.T) {
	provider := newTestStripeProvider(t, &fakeSessions{}, &fakeRefunds{})
	_, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{Currency: "VND"})
	require.Error(t, err)
}

func TestStripeRefund(t *testing.T) {
	refunds := &fakeRefunds{result: &stripe.Refund{
		ID:       "re_1",
		Amount:   468500,
		Currency: stripe.Currency("vnd"),
		Status:   stripe.RefundStatusSucceeded,
		Created:  stripeTestNow.Unix(),
	}}
	provider := newTestStripeProvider(t, &fakeSessions{}, refunds)

	amount := int64(468500)
	details, err := provider.Refund(context.Background(), RefundRequest{
		IntentID:       "pi_1",
		Amount:         &amount,
		Reason:         "requested_by_customer",
		IdempotencyKey: "settlement:ret_1",
	})
	require.NoError(t, err)
	require.Equal(t, "re_1", details.RefundID)
	require.Equal(t, StatusRefunded, details.Status)
	require.Equal(t, "VND", details.Currency)
	require.Equal(t, "settlement:ret_1", *refunds.params.IdempotencyKey)
	require.Equal(t, "requested_by_customer", *refunds.params.Reason)
	require.Equal(t, int64(468500), *refunds.params.Amount)
}

func TestStripeRefundFailures(t *testing.T) {
	provider := newTestStripeProvider(t, &fakeSessions{}, &fakeRefunds{err: errors.New("card_declined")})
	_, err := provider.Refund(context.Background(), RefundRequest{IntentID: "pi_1"})
	require.ErrorContains(t, err, "card_declined")

	_, err = provider.Refund(context.Background(), RefundRequest{})
	require.Error(t, err)

	failed := newTestStripeProvider(t, &fakeSessions{}, &fakeRefunds{result: &stripe.Refund{ID: "re_2", Status: stripe.RefundStatusFailed}})
	details, err := failed.Refund(context.Background(), RefundRequest{IntentID: "pi_1"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, details.Status)
}

func TestStripeRefundPendingStatus(t *testing.T) {
	refunds := &fakeRefunds{result: &stripe.Refund{ID: "re_3", Status: stripe.RefundStatusPending, Amount: 10}}
	provider := newTestStripeProvider(t, &fakeSessions{}, refunds)

	details, err := provider.Refund(context.Background(), RefundRequest{IntentID: "pi_1", Reason: "changed mind"})
	require.NoError(t, err)
	require.Equal(t, StatusPending, details.Status)
	require.Nil(t, refunds.params.Reason, "unknown reasons are not forwarded")
	require.Equal(t, stripeTestNow, *details.RefundedAt)
}

func TestStripeCheckoutSessionDefaultsLineItem(t *testing.T) {
	sessions := &fakeSessions{result: &stripe.CheckoutSession{ID: "cs_2", ExpiresAt: stripeTestNow.Add(time.Hour).Unix()}}
	provider := newTestStripeProvider(t, sessions, &fakeRefunds{})

	session, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{Amount: 5000, Currency: "JPY", Locale: "ja_JP"})
	require.NoError(t, err)
	require.Equal(t, stripeTestNow.Add(time.Hour), session.ExpiresAt)
	require.Len(t, sessions.params.LineItems, 1)
	require.Equal(t, "jpy", *sessions.params.LineItems[0].PriceData.Currency)
	require.Equal(t, "ja-jp", *sessions.params.Locale)
	require.Nil(t, sessions.params.PaymentIntentData)
}
