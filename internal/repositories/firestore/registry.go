package firestore

import (
	"context"
	"errors"
	"time"

	pfirestore "github.com/hanko-field/returns/internal/platform/firestore"
	"github.com/hanko-field/returns/internal/repositories"
)

// Registry bundles the Firestore backed repositories sharing one provider.
type Registry struct {
	provider       *pfirestore.Provider
	returns        *ReturnRequestRepository
	vouchers       *VoucherRepository
	orders         *OrderRepository
	prices         *ProductPriceRepository
	exchangeOrders *ExchangeOrderRepository
	settlements    *SettlementRepository
	health         repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every repository to provider. health may be nil when readiness checks are
// assembled elsewhere.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository, clock func() time.Time) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	returns, err := NewReturnRequestRepository(provider)
	if err != nil {
		return nil, err
	}
	vouchers, err := NewVoucherRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	prices, err := NewProductPriceRepository(provider)
	if err != nil {
		return nil, err
	}
	exchangeOrders, err := NewExchangeOrderRepository(provider, clock)
	if err != nil {
		return nil, err
	}
	settlements, err := NewSettlementRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:       provider,
		returns:        returns,
		vouchers:       vouchers,
		orders:         orders,
		prices:         prices,
		exchangeOrders: exchangeOrders,
		settlements:    settlements,
		health:         health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunInTx(ctx, fn)
}

func (r *Registry) ReturnRequests() repositories.ReturnRequestRepository { return r.returns }
func (r *Registry) Vouchers() repositories.VoucherRepository             { return r.vouchers }
func (r *Registry) Orders() repositories.OrderRepository                 { return r.orders }
func (r *Registry) Prices() repositories.ProductPriceRepository          { return r.prices }
func (r *Registry) ExchangeOrders() repositories.ExchangeOrderCreator    { return r.exchangeOrders }
func (r *Registry) Settlements() repositories.SettlementRepository       { return r.settlements }
func (r *Registry) Health() repositories.HealthRepository                { return r.health }
