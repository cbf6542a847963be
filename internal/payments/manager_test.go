package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	name  string
	calls int
	err   error
}

func (f *fakeProvider) CreateCheckoutSession(context.Context, CheckoutSessionRequest) (CheckoutSession, error) {
	f.calls++
	return CheckoutSession{ID: "cs_" + f.name}, f.err
}

func (f *fakeProvider) Refund(_ context.Context, req RefundRequest) (PaymentDetails, error) {
	f.calls++
	return PaymentDetails{IntentID: req.IntentID}, f.err
}

func TestManagerResolution(t *testing.T) {
	cases := []struct {
		name      string
		providers []string
		opts      []ManagerOption
		pc        PaymentContext
		want      string
	}{
		{name: "preferred wins", providers: []string{"stripe", "momo"}, pc: PaymentContext{PreferredProvider: " MoMo ", Currency: "USD"}, want: "momo"},
		{name: "currency route", providers: []string{"stripe", "momo"}, opts: []ManagerOption{WithCurrencyRoutes(map[string]string{"vnd": "momo"})}, pc: PaymentContext{Currency: "VND"}, want: "momo"},
		{name: "unknown preferred falls through", providers: []string{"stripe", "momo"}, pc: PaymentContext{PreferredProvider: "paypal"}, want: "stripe"},
		{name: "explicit default", providers: []string{"stripe", "momo"}, opts: []ManagerOption{WithDefaultProvider("momo")}, want: "momo"},
		{name: "sole provider", providers: []string{"momo"}, want: "momo"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			registered := map[string]Provider{}
			fakes := map[string]*fakeProvider{}
			for _, name := range tc.providers {
				fakes[name] = &fakeProvider{name: name}
				registered[name] = fakes[name]
			}
			mgr, err := NewManager(registered, tc.opts...)
			if err != nil {
				t.Fatalf("new manager: %v", err)
			}

			session, err := mgr.CreateCheckoutSession(context.Background(), tc.pc, CheckoutSessionRequest{})
			if err != nil {
				t.Fatalf("create session: %v", err)
			}
			if session.Provider != tc.want || session.ID != "cs_"+tc.want {
				t.Fatalf("expected %s to handle the call, got %+v", tc.want, session)
			}
			for name, fake := range fakes {
				if name != tc.want && fake.calls != 0 {
					t.Fatalf("provider %s should not have been called", name)
				}
			}
		})
	}
}

func TestManagerRefundStampsProvider(t *testing.T) {
	stripe := &fakeProvider{name: "stripe"}
	mgr, err := NewManager(map[string]Provider{"Stripe": stripe})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.Refund(context.Background(), PaymentContext{Currency: "VND"}, RefundRequest{IntentID: "pi_1"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if details.Provider != "stripe" || details.IntentID != "pi_1" || stripe.calls != 1 {
		t.Fatalf("unexpected refund details %+v", details)
	}

	stripe.err = errors.New("declined")
	if _, err := mgr.Refund(context.Background(), PaymentContext{}, RefundRequest{IntentID: "pi_1"}); err == nil {
		t.Fatal("expected provider error to propagate")
	}
}

func TestManagerUnsupportedProvider(t *testing.T) {
	mgr, err := NewManager(map[string]Provider{"stripe": &fakeProvider{}, "momo": &fakeProvider{}}, WithDefaultProvider(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	_, err = mgr.CreateCheckoutSession(context.Background(), PaymentContext{PreferredProvider: "unknown"}, CheckoutSessionRequest{})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatal("expected error for nil provider")
	}
	if _, err := NewManager(map[string]Provider{" ": &fakeProvider{}}); err == nil {
		t.Fatal("expected error for blank key")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatal("expected error when providers empty")
	}
}
