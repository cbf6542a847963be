package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/hanko-field/returns/internal/platform/textutil"
)

const (
	stripeProviderKey = "stripe"
	defaultSessionTTL = 30 * time.Minute
)

// Stripe rejects metadata beyond these bounds.
var stripeMetadataLimits = textutil.MetadataLimits{MaxKeys: 50, MaxKeyRunes: 40, MaxValueRunes: 500}

type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeClients lets tests replace the Stripe API surfaces.
type StripeClients struct {
	Sessions stripeSessionAPI
	Refunds  stripeRefundAPI
}

type StripeProviderConfig struct {
	APIKey string
	// AccountID routes calls to a connected account.
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *StripeClients
}

// StripeProvider implements Provider with Checkout Sessions and Refunds.
type StripeProvider struct {
	api     StripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	var api StripeClients
	switch {
	case cfg.Clients != nil:
		api = *cfg.Clients
	case strings.TrimSpace(cfg.APIKey) != "":
		sc := client.New(strings.TrimSpace(cfg.APIKey), cfg.Backends)
		api = StripeClients{Sessions: sc.CheckoutSessions, Refunds: sc.Refunds}
	default:
		return nil, errors.New("stripe: api key is required")
	}
	if api.Sessions == nil || api.Refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	p := &StripeProvider{
		api:     api,
		account: strings.TrimSpace(cfg.AccountID),
		clock:   time.Now,
		logger:  cfg.Logger,
	}
	if cfg.Clock != nil {
		p.clock = cfg.Clock
	}
	if p.logger == nil {
		p.logger = func(context.Context, string, map[string]any) {}
	}
	return p, nil
}

// prepare applies the per-call options every Stripe request shares.
func (p *StripeProvider) prepare(ctx context.Context, params *stripe.Params, idempotencyKey string) {
	params.Context = ctx
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
}

// CreateCheckoutSession opens a payment-mode Checkout session. Amounts are minor units, which for
// zero-decimal currencies such as VND is the whole amount.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	items, err := checkoutLineItems(req)
	if err != nil {
		return CheckoutSession{}, err
	}
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems:  items,
	}
	p.prepare(ctx, &params.Params, req.IdempotencyKey)
	if req.CustomerID != "" {
		params.ClientReferenceID = stripe.String(req.CustomerID)
	}
	if req.Locale != "" {
		params.Locale = stripe.String(strings.ReplaceAll(strings.ToLower(req.Locale), "_", "-"))
	}
	// the webhook reads metadata from the payment intent, not the session
	if metadata := textutil.NormalizeMetadata(req.Metadata, stripeMetadataLimits); len(metadata) > 0 {
		params.Metadata = metadata
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: maps.Clone(metadata)}
	}

	session, err := p.api.Sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	out := CheckoutSession{
		ID:          session.ID,
		Provider:    stripeProviderKey,
		RedirectURL: session.URL,
		ExpiresAt:   p.clock().UTC().Add(defaultSessionTTL),
	}
	if session.PaymentIntent != nil {
		out.IntentID = session.PaymentIntent.ID
	}
	if session.ExpiresAt != 0 {
		out.ExpiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":     out.ID,
		"paymentIntent": out.IntentID,
		"currency":      session.Currency,
	})
	return out, nil
}

func checkoutLineItems(req CheckoutSessionRequest) ([]*stripe.CheckoutSessionLineItemParams, error) {
	items := req.Items
	if len(items) == 0 {
		items = []CheckoutLineItem{{Name: "Payment", Quantity: 1, Amount: req.Amount}}
	}
	out := make([]*stripe.CheckoutSessionLineItemParams, 0, len(items))
	for _, item := range items {
		if item.Amount <= 0 {
			return nil, errors.New("stripe: checkout amount must be positive")
		}
		currency := item.Currency
		if currency == "" {
			currency = req.Currency
		}
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(item.Name)}
		if item.Description != "" {
			product.Description = stripe.String(item.Description)
		}
		if item.SKU != "" {
			product.Metadata = map[string]string{"sku": item.SKU}
		}
		out = append(out, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(strings.ToLower(currency)),
				UnitAmount:  stripe.Int64(item.Amount),
				ProductData: product,
			},
		})
	}
	return out, nil
}

// Refund refunds against a payment intent. Failed and canceled refunds come back as StatusFailed
// rather than an error, since Stripe accepted the request.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if strings.TrimSpace(req.IntentID) == "" {
		return PaymentDetails{}, errors.New("stripe: payment intent id is required")
	}
	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.IntentID)}
	p.prepare(ctx, &params.Params, req.IdempotencyKey)
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason, ok := stripeRefundReasons[strings.ToLower(strings.TrimSpace(req.Reason))]; ok {
		params.Reason = stripe.String(string(reason))
	}
	if metadata := textutil.NormalizeMetadata(req.Metadata, stripeMetadataLimits); len(metadata) > 0 {
		params.Metadata = metadata
	}

	refund, err := p.api.Refunds.New(params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"paymentIntent": req.IntentID,
		"refundId":      refund.ID,
		"status":        refund.Status,
		"amount":        refund.Amount,
	})

	details := PaymentDetails{
		Provider: stripeProviderKey,
		IntentID: req.IntentID,
		RefundID: refund.ID,
		Status:   StatusRefunded,
		Amount:   refund.Amount,
		Currency: strings.ToUpper(string(refund.Currency)),
	}
	switch refund.Status {
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		details.Status = StatusFailed
	case stripe.RefundStatusPending, stripe.RefundStatusRequiresAction:
		details.Status = StatusPending
	}
	refundedAt := p.clock().UTC()
	if refund.Created != 0 {
		refundedAt = time.Unix(refund.Created, 0).UTC()
	}
	details.RefundedAt = &refundedAt
	return details, nil
}

var stripeRefundReasons = map[string]stripe.RefundReason{
	string(stripe.RefundReasonDuplicate):           stripe.RefundReasonDuplicate,
	string(stripe.RefundReasonFraudulent):          stripe.RefundReasonFraudulent,
	string(stripe.RefundReasonRequestedByCustomer): stripe.RefundReasonRequestedByCustomer,
}
