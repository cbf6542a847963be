package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/returns/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	ReturnRequests() ReturnRequestRepository
	Vouchers() VoucherRepository
	Orders() OrderRepository
	Prices() ProductPriceRepository
	ExchangeOrders() ExchangeOrderCreator
	Settlements() SettlementRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReturnRequestRepository persists return requests. Every write runs in a transaction that
// re-reads the stored document before mutating it.
type ReturnRequestRepository interface {
	// InsertChecked stores a new request after verifying, within the same transaction, that the
	// quantities of every non-rejected request on the order plus this one stay within LineLimits.
	// Violations surface as *ReturnError with ReturnErrorQuantityExceeded.
	InsertChecked(ctx context.Context, req ReturnInsertRequest) (domain.ReturnRequest, error)
	FindByID(ctx context.Context, requestID string) (domain.ReturnRequest, error)
	// UpdateIf applies fn to the stored request when its status equals expected. A mismatch returns
	// *ReturnError with ReturnErrorStatusMismatch carrying the observed status. An empty expected
	// status matches any status.
	UpdateIf(ctx context.Context, requestID string, expected domain.ReturnStatus, fn func(*domain.ReturnRequest) error) (domain.ReturnRequest, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.ReturnRequest, error)
	List(ctx context.Context, filter domain.ReturnListFilter) (domain.CursorPage[domain.ReturnRequest], error)
	Stats(ctx context.Context, filter ReturnStatsFilter) (domain.ReturnStats, error)
}

// ReturnInsertRequest carries a new request and the purchased quantity of each order line.
type ReturnInsertRequest struct {
	Request    domain.ReturnRequest
	LineLimits map[string]int
}

// ReturnStatsFilter narrows aggregate queries.
type ReturnStatsFilter struct {
	Since *time.Time
}

// VoucherRepository owns the reservation ledger for user vouchers.
type VoucherRepository interface {
	Reserve(ctx context.Context, req VoucherReserveRequest) (domain.UserVoucher, error)
	// Confirm marks the voucher used when it is reserved for the given payment intent. The boolean
	// result is false when nothing matched.
	Confirm(ctx context.Context, req VoucherConfirmRequest) (domain.UserVoucher, bool, error)
	Release(ctx context.Context, req VoucherReleaseRequest) (domain.UserVoucher, bool, error)
	Get(ctx context.Context, userID, voucherID string) (domain.UserVoucher, error)
}

// VoucherReserveRequest holds a voucher for a pending payment intent.
type VoucherReserveRequest struct {
	UserID          string
	VoucherID       string
	PaymentIntentID string
	Now             time.Time
}

// VoucherConfirmRequest finalises a reservation once payment succeeds.
type VoucherConfirmRequest struct {
	UserID          string
	VoucherID       string
	PaymentIntentID string
	OrderID         string
	Now             time.Time
}

// VoucherReleaseRequest drops a reservation after payment fails or expires.
type VoucherReleaseRequest struct {
	UserID          string
	VoucherID       string
	PaymentIntentID string
	Now             time.Time
}

// OrderRepository is the read side of the order collaborator plus the delivery status hook used
// when returned goods arrive.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.OrderSnapshot, error)
	UpdateDeliveryStatus(ctx context.Context, orderID string, status string, at time.Time) error
}

// ProductPriceRepository resolves the current selling price of a product or variant.
type ProductPriceRepository interface {
	CurrentPrice(ctx context.Context, productID, variantID string) (domain.ProductPrice, error)
}

// ExchangeOrderCreator materialises replacement orders. Implementations must be idempotent per
// ReturnRequestID and return the existing order id on repeated calls.
type ExchangeOrderCreator interface {
	CreateExchangeOrder(ctx context.Context, req domain.ExchangeOrderRequest) (string, error)
	// ConfirmExchangeOrder releases an order that was awaiting the price-difference payment.
	// Confirming an already confirmed order is a no-op.
	ConfirmExchangeOrder(ctx context.Context, orderID, paymentIntentID string) error
}

// SettlementRepository records processed settlement events.
type SettlementRepository interface {
	// Record stores the outcome and reports a conflict when the request was already settled.
	Record(ctx context.Context, record domain.SettlementRecord) error
	FindByRequestID(ctx context.Context, requestID string) (domain.SettlementRecord, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
