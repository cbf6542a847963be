// Package payments adapts payment service providers (PSPs) for exchange top-ups and return refunds.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusRefunded covers partial and full refunds.
	StatusRefunded Status = "refunded"
)

var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// CheckoutLineItem is one priced line on a hosted checkout page. Amount is per unit, in the
// currency's minor unit.
type CheckoutLineItem struct {
	Name        string
	Description string
	SKU         string
	Quantity    int64
	Amount      int64
	Currency    string
}

// CheckoutSessionRequest asks the PSP for a hosted payment page. When Items is empty a single line
// for Amount is charged.
type CheckoutSessionRequest struct {
	Amount         int64
	Currency       string
	CustomerID     string
	SuccessURL     string
	CancelURL      string
	Locale         string
	Metadata       map[string]string
	IdempotencyKey string
	Items          []CheckoutLineItem
}

type CheckoutSession struct {
	ID          string
	Provider    string
	RedirectURL string
	IntentID    string
	ExpiresAt   time.Time
}

// RefundRequest refunds against a captured payment. A nil Amount refunds the remaining balance.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// PaymentDetails is the PSP-neutral outcome of a refund.
type PaymentDetails struct {
	Provider   string
	IntentID   string
	RefundID   string
	Status     Status
	Amount     int64
	Currency   string
	RefundedAt *time.Time
}

// Provider is implemented by each PSP adapter.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error)
}

// PaymentContext carries the hints used to pick a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

// Manager routes calls to a registered Provider. Resolution order: the preferred provider, the
// currency route, the default provider, and finally the only provider when exactly one is
// registered.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

type ManagerOption func(*Manager)

func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) { m.defaultProvider = providerKey(provider) }
}

// WithCurrencyRoutes maps ISO currency codes to provider keys.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		for currency, provider := range routes {
			m.currencyRoutes[currencyKey(currency)] = providerKey(provider)
		}
	}
}

func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{
		providers:      make(map[string]Provider, len(providers)),
		currencyRoutes: make(map[string]string),
	}
	for name, provider := range providers {
		key := providerKey(name)
		if key == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", name)
		}
		m.providers[key] = provider
	}
	if _, ok := m.providers[stripeProviderKey]; ok {
		m.defaultProvider = stripeProviderKey
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

func (m *Manager) resolve(pc PaymentContext) (string, Provider, error) {
	candidates := []string{
		providerKey(pc.PreferredProvider),
		m.currencyRoutes[currencyKey(pc.Currency)],
		m.defaultProvider,
	}
	for _, key := range candidates {
		if provider, ok := m.providers[key]; key != "" && ok {
			return key, provider, nil
		}
	}
	if len(m.providers) == 1 {
		for key, provider := range m.providers {
			return key, provider, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateCheckoutSession stamps the resolved provider key on the returned session.
func (m *Manager) CreateCheckoutSession(ctx context.Context, pc PaymentContext, req CheckoutSessionRequest) (CheckoutSession, error) {
	key, provider, err := m.resolve(pc)
	if err != nil {
		return CheckoutSession{}, err
	}
	session, err := provider.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutSession{}, err
	}
	session.Provider = key
	return session, nil
}

func (m *Manager) Refund(ctx context.Context, pc PaymentContext, req RefundRequest) (PaymentDetails, error) {
	key, provider, err := m.resolve(pc)
	if err != nil {
		return PaymentDetails{}, err
	}
	details, err := provider.Refund(ctx, req)
	if err != nil {
		return PaymentDetails{}, err
	}
	if details.Provider == "" {
		details.Provider = key
	}
	return details, nil
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func currencyKey(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
