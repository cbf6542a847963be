package domain

import (
	"slices"
	"time"
)

// ReturnType distinguishes refunds from unit swaps. It never changes after creation.
type ReturnType string

const (
	ReturnTypeReturn   ReturnType = "RETURN"
	ReturnTypeExchange ReturnType = "EXCHANGE"
)

// ReturnStatus enumerates the lifecycle states of a return request.
type ReturnStatus string

const (
	ReturnStatusPending   ReturnStatus = "PENDING"
	ReturnStatusApproved  ReturnStatus = "APPROVED"
	ReturnStatusRejected  ReturnStatus = "REJECTED"
	ReturnStatusCompleted ReturnStatus = "COMPLETED"
)

// ReturnReason drives the shipping responsibility policy.
type ReturnReason string

const (
	ReturnReasonDefective       ReturnReason = "DEFECTIVE"
	ReturnReasonWrongItem       ReturnReason = "WRONG_ITEM"
	ReturnReasonDamagedShipping ReturnReason = "DAMAGED_SHIPPING"
	ReturnReasonChangeMind      ReturnReason = "CHANGE_MIND"
	ReturnReasonSizeColor       ReturnReason = "SIZE_COLOR"
	ReturnReasonDifferentModel  ReturnReason = "DIFFERENT_MODEL"
)

// ReturnItem snapshots an order line covered by a return request.
type ReturnItem struct {
	LineID    string
	ProductID string
	VariantID string
	Quantity  int
	UnitPrice int64
	Reason    string
}

// Subtotal returns unit price multiplied by quantity.
func (i ReturnItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// ShippingBreakdown splits the return shipping fee between customer and shop.
type ShippingBreakdown struct {
	ReturnShippingFee    int64
	CustomerShippingFee  int64
	ShopShippingFee      int64
	ProcessingFee        int64
	CustomerPaysShipping bool
	RequiresApproval     bool
}

// Balanced reports whether customer and shop shares add up to the total fee.
func (b ShippingBreakdown) Balanced() bool {
	return b.CustomerShippingFee+b.ShopShippingFee == b.ReturnShippingFee
}

// ReturnDetail holds the RETURN-only part of a request.
type ReturnDetail struct {
	ShippingBreakdown ShippingBreakdown
	RefundAmount      int64
	RestoreInventory  bool
}

// ExchangeDetail holds the EXCHANGE-only part of a request. AdditionalCost is signed:
// positive means the customer owes money, negative means the customer is owed a refund.
// CheckoutSessionID and CheckoutAmount describe the open price-difference checkout, if any.
type ExchangeDetail struct {
	TargetProductID   string
	TargetVariantID   string
	TargetUnitPrice   int64
	AdditionalCost    int64
	ExchangeOrderID   string
	CheckoutSessionID string
	CheckoutAmount    int64
	Payments          []ExchangePayment
}

// ExchangePayment is a price-difference payment collected through checkout.
type ExchangePayment struct {
	PaymentIntentID   string
	CheckoutSessionID string
	Amount            int64
	PaidAt            time.Time
}

// PaidAmount sums the payments collected so far.
func (d *ExchangeDetail) PaidAmount() int64 {
	if d == nil {
		return 0
	}
	var total int64
	for _, p := range d.Payments {
		total += p.Amount
	}
	return total
}

// Outstanding is AdditionalCost net of payments. Negative means the customer is owed money.
func (d *ExchangeDetail) Outstanding() int64 {
	if d == nil {
		return 0
	}
	return d.AdditionalCost - d.PaidAmount()
}

// HasPayment reports whether the payment intent was already recorded.
func (d *ExchangeDetail) HasPayment(intentID string) bool {
	if d == nil {
		return false
	}
	return slices.ContainsFunc(d.Payments, func(p ExchangePayment) bool { return p.PaymentIntentID == intentID })
}

// ReturnRequest is a customer initiated return or exchange against a paid order.
// Exactly one of Return or Exchange is set, matching Type.
type ReturnRequest struct {
	ID          string
	OrderID     string
	UserID      string
	Type        ReturnType
	Status      ReturnStatus
	Reason      ReturnReason
	Items       []ReturnItem
	Description string
	Images      []string
	Return      *ReturnDetail
	Exchange    *ExchangeDetail
	AdminNotes  string
	ApprovedBy  string
	CompletedBy string
	Currency    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DecidedAt   *time.Time
	CompletedAt *time.Time
}

// ItemsTotal sums the gross value of every item on the request.
func (r ReturnRequest) ItemsTotal() int64 {
	var total int64
	for _, item := range r.Items {
		total += item.Subtotal()
	}
	return total
}

// QuantityByLine aggregates requested quantities per order line.
func (r ReturnRequest) QuantityByLine() map[string]int {
	out := make(map[string]int, len(r.Items))
	for _, item := range r.Items {
		out[item.LineID] += item.Quantity
	}
	return out
}

// ReturnListFilter narrows list queries. Empty slices match every value.
type ReturnListFilter struct {
	UserID     string
	OrderID    string
	Statuses   []ReturnStatus
	Types      []ReturnType
	Pagination Pagination
}

// ReturnStats aggregates request counts and settled money.
type ReturnStats struct {
	Total                 int
	ByStatus              map[ReturnStatus]int
	ByType                map[ReturnType]int
	TotalRefund           int64
	TotalAdditionalCharge int64
	GeneratedAt           time.Time
}

// ReturnQuote previews the financial outline of a return without persisting anything.
type ReturnQuote struct {
	Breakdown        ShippingBreakdown
	ItemsTotal       int64
	EstimatedRefund  int64
	RestoreInventory bool
	Currency         string
}

// SettlementEvent is emitted once a request completes so payment collaborators can move money.
// PaidAmount is what the customer already paid through exchange checkout.
type SettlementEvent struct {
	RequestID       string
	OrderID         string
	UserID          string
	Type            ReturnType
	RefundAmount    *int64
	AdditionalCost  *int64
	PaidAmount      int64
	ExchangeOrderID string
	Currency        string
	PaymentIntentID string
	OccurredAt      time.Time
}

// SettlementRecord stores the processed outcome of a settlement event.
type SettlementRecord struct {
	RequestID   string
	OrderID     string
	Action      string
	Amount      int64
	Currency    string
	ProviderRef string
	ProcessedAt time.Time
}

// ExchangeOrderRequest asks the order collaborator to create a replacement order.
type ExchangeOrderRequest struct {
	ReturnRequestID string
	OriginalOrderID string
	UserID          string
	TargetProductID string
	TargetVariantID string
	Quantity        int
	UnitPrice       int64
	AdditionalCost  int64
	PaidAmount      int64
	Currency        string
}
