package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// Metadata keys attached to payment intents by checkout flows. Voucher flows read them back from
// webhook events.
const (
	MetadataUserID          = "user_id"
	MetadataVoucherID       = "voucher_id"
	MetadataOrderID         = "order_id"
	MetadataReturnRequestID = "return_request_id"
)

// IntentOutcome classifies a payment intent webhook.
type IntentOutcome string

const (
	IntentOutcomeSucceeded IntentOutcome = "succeeded"
	IntentOutcomeFailed    IntentOutcome = "failed"
	IntentOutcomeCanceled  IntentOutcome = "canceled"
	// IntentOutcomeIgnored marks event types the service does not act on.
	IntentOutcomeIgnored IntentOutcome = "ignored"
)

var (
	// ErrWebhookSignature reports a payload whose Stripe-Signature header does not verify.
	ErrWebhookSignature = errors.New("payments: invalid webhook signature")
	// ErrWebhookPayload reports a verified payload that cannot be decoded.
	ErrWebhookPayload = errors.New("payments: invalid webhook payload")
)

// IntentEvent is the normalised view of a payment intent or completed checkout webhook.
// CheckoutSessionID is only set for checkout.session.completed.
type IntentEvent struct {
	EventID           string
	Type              string
	Outcome           IntentOutcome
	PaymentIntentID   string
	CheckoutSessionID string
	Amount            int64
	Currency          string
	Metadata          map[string]string
	CreatedAt         time.Time
}

// WebhookParser verifies and decodes Stripe webhook deliveries.
type WebhookParser struct {
	secret    string
	tolerance time.Duration
}

// NewWebhookParser builds a parser for the endpoint signing secret.
func NewWebhookParser(secret string, tolerance time.Duration) (*WebhookParser, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("payments: webhook secret is required")
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &WebhookParser{secret: secret, tolerance: tolerance}, nil
}

// ParseIntentEvent verifies the Stripe-Signature header and decodes payment_intent.* and
// checkout.session.completed events. Other event types are returned with IntentOutcomeIgnored.
func (p *WebhookParser) ParseIntentEvent(payload []byte, signatureHeader string) (IntentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrNoValidSignature) ||
			errors.Is(err, webhook.ErrTooOld) || errors.Is(err, webhook.ErrInvalidHeader) {
			return IntentEvent{}, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
		}
		return IntentEvent{}, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
	}

	result := IntentEvent{
		EventID:   event.ID,
		Type:      string(event.Type),
		Outcome:   outcomeFor(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
	}
	if result.Outcome == IntentOutcomeIgnored {
		return result, nil
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return IntentEvent{}, fmt.Errorf("%w: event %s has no data", ErrWebhookPayload, event.ID)
	}
	if event.Type == stripe.EventTypeCheckoutSessionCompleted {
		return decodeCheckoutSession(result, event.Data.Raw)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return IntentEvent{}, fmt.Errorf("%w: decode payment intent: %v", ErrWebhookPayload, err)
	}
	if intent.ID == "" {
		return IntentEvent{}, fmt.Errorf("%w: payment intent id missing", ErrWebhookPayload)
	}
	result.PaymentIntentID = intent.ID
	result.Amount = intent.Amount
	result.Currency = strings.ToUpper(string(intent.Currency))
	result.Metadata = intent.Metadata
	return result, nil
}

// decodeCheckoutSession reports a completed session as succeeded only once it is paid; delayed
// payment methods complete the session first and settle later through payment_intent events.
func decodeCheckoutSession(result IntentEvent, raw json.RawMessage) (IntentEvent, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return IntentEvent{}, fmt.Errorf("%w: decode checkout session: %v", ErrWebhookPayload, err)
	}
	if session.ID == "" {
		return IntentEvent{}, fmt.Errorf("%w: checkout session id missing", ErrWebhookPayload)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid || session.PaymentIntent == nil || session.PaymentIntent.ID == "" {
		result.Outcome = IntentOutcomeIgnored
		return result, nil
	}
	result.CheckoutSessionID = session.ID
	result.PaymentIntentID = session.PaymentIntent.ID
	result.Amount = session.AmountTotal
	result.Currency = strings.ToUpper(string(session.Currency))
	result.Metadata = session.Metadata
	return result, nil
}

func outcomeFor(eventType stripe.EventType) IntentOutcome {
	switch eventType {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypeCheckoutSessionCompleted:
		return IntentOutcomeSucceeded
	case stripe.EventTypePaymentIntentPaymentFailed:
		return IntentOutcomeFailed
	case stripe.EventTypePaymentIntentCanceled:
		return IntentOutcomeCanceled
	default:
		return IntentOutcomeIgnored
	}
}
