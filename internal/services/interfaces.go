package services

import (
	"context"
	"slices"
	"time"

	domain "github.com/hanko-field/returns/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination           = domain.Pagination
	ReturnRequest        = domain.ReturnRequest
	ReturnItem           = domain.ReturnItem
	ReturnQuote          = domain.ReturnQuote
	ReturnStats          = domain.ReturnStats
	ReturnListFilter     = domain.ReturnListFilter
	ShippingBreakdown    = domain.ShippingBreakdown
	SettlementEvent      = domain.SettlementEvent
	SettlementRecord     = domain.SettlementRecord
	UserVoucher          = domain.UserVoucher
	OrderSnapshot        = domain.OrderSnapshot
	SystemHealthReport   = domain.SystemHealthReport
	SignedUploadResponse = domain.SignedUploadResponse
)

const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Actor identifies the principal performing an operation.
type Actor struct {
	ID    string
	Roles []string
}

// IsStaff reports whether the actor may perform back-office transitions.
func (a Actor) IsStaff() bool {
	return slices.Contains(a.Roles, RoleAdmin) || slices.Contains(a.Roles, RoleStaff)
}

// ReturnRequestService owns the return/exchange lifecycle.
type ReturnRequestService interface {
	Create(ctx context.Context, cmd CreateReturnCommand) (ReturnRequest, error)
	Quote(ctx context.Context, cmd QuoteReturnCommand) (ReturnQuote, error)
	Approve(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error)
	Reject(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error)
	Complete(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error)
	AmendNotes(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error)
	StartExchangePayment(ctx context.Context, cmd ExchangePaymentCommand) (ExchangePaymentSession, error)
	RecordExchangePayment(ctx context.Context, cmd ExchangePaymentReceipt) (bool, error)
	Get(ctx context.Context, requestID string, actor Actor) (ReturnRequest, error)
	List(ctx context.Context, filter ReturnListFilter, actor Actor) (domain.CursorPage[ReturnRequest], error)
	Stats(ctx context.Context, since *time.Time, actor Actor) (ReturnStats, error)
}

// VoucherLedgerService tracks voucher reservations across payment completion.
type VoucherLedgerService interface {
	Reserve(ctx context.Context, cmd VoucherLedgerCommand) (UserVoucher, error)
	Confirm(ctx context.Context, cmd VoucherLedgerCommand) (bool, error)
	Release(ctx context.Context, cmd VoucherLedgerCommand) (bool, error)
}

// SettlementProcessor turns settlement events into PSP refunds.
type SettlementProcessor interface {
	Process(ctx context.Context, event SettlementEvent) (SettlementRecord, error)
}

// SettlementPublisher is the sink for settlement events emitted on completion.
type SettlementPublisher interface {
	PublishSettlement(ctx context.Context, event SettlementEvent) error
}

// EvidenceService issues signed upload URLs for return evidence images.
type EvidenceService interface {
	IssueUploadURL(ctx context.Context, cmd EvidenceUploadCommand) (SignedUploadResponse, error)
}

// SystemService aggregates utility endpoints such as health checks.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Command and DTO definitions ------------------------------------------------

type CreateReturnCommand struct {
	OrderID         string
	Actor           Actor
	Type            domain.ReturnType
	Reason          domain.ReturnReason
	Items           []ReturnItemInput
	Description     string
	Images          []string
	TargetProductID string
	TargetVariantID string
}

// ReturnItemInput references an order line; prices are taken from the order, never the caller.
type ReturnItemInput struct {
	LineID   string
	Quantity int
	Reason   string
}

type QuoteReturnCommand struct {
	OrderID string
	Actor   Actor
	Reason  domain.ReturnReason
	Items   []ReturnItemInput
}

type ReturnTransitionCommand struct {
	RequestID  string
	Actor      Actor
	AdminNotes *string
}

type ExchangePaymentCommand struct {
	RequestID  string
	Actor      Actor
	SuccessURL string
	CancelURL  string
}

type ExchangePaymentSession struct {
	SessionID   string
	RedirectURL string
	Amount      int64
	Currency    string
}

// ExchangePaymentReceipt reports a succeeded price-difference payment from the PSP webhook.
type ExchangePaymentReceipt struct {
	RequestID         string
	UserID            string
	PaymentIntentID   string
	CheckoutSessionID string
	Amount            int64
	Currency          string
}

type VoucherLedgerCommand struct {
	UserID          string
	VoucherID       string
	PaymentIntentID string
	OrderID         string
}

type EvidenceUploadCommand struct {
	Actor       Actor
	OrderID     string
	FileName    string
	ContentType string
	Size        int64
}
