package domain

import "time"

// OrderLine is a purchased line on an order.
type OrderLine struct {
	LineID    string
	ProductID string
	VariantID string
	Quantity  int
	UnitPrice int64
}

// OrderSnapshot is the read-only view of an order used when validating returns.
type OrderSnapshot struct {
	ID              string
	UserID          string
	Status          string
	PaymentStatus   string
	DeliveryStatus  string
	PaymentIntentID string
	Amount          int64
	ShippingFee     int64
	Currency        string
	Items           []OrderLine
	DeliveredAt     *time.Time
	CreatedAt       time.Time
}

// Line finds an order line by id.
func (o OrderSnapshot) Line(lineID string) (OrderLine, bool) {
	for _, line := range o.Items {
		if line.LineID == lineID {
			return line, true
		}
	}
	return OrderLine{}, false
}

// ProductPrice is the current unit price of a product or one of its variants.
type ProductPrice struct {
	ProductID string
	VariantID string
	UnitPrice int64
	Currency  string
}

// UserVoucher tracks a customer's claim on a voucher through checkout.
// At most one of ReservedForOrderID and OrderID is set at a time.
type UserVoucher struct {
	ID                 string
	UserID             string
	VoucherID          string
	ReservedForOrderID string
	OrderID            string
	UsedAt             *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Reserved reports whether the voucher is held for a pending payment.
func (v UserVoucher) Reserved() bool {
	return v.ReservedForOrderID != ""
}

// Used reports whether the voucher has been confirmed against an order.
func (v UserVoucher) Used() bool {
	return v.OrderID != ""
}
