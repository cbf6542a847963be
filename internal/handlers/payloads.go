package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/hanko-field/returns/internal/domain"
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

type returnResponse struct {
	Return returnPayload `json:"return"`
}

type returnListResponse struct {
	Items         []returnPayload `json:"items"`
	NextPageToken string          `json:"nextPageToken,omitempty"`
}

type returnPayload struct {
	ID          string               `json:"id"`
	OrderID     string               `json:"orderId"`
	UserID      string               `json:"userId"`
	Type        string               `json:"type"`
	Status      string               `json:"status"`
	Reason      string               `json:"reason"`
	Items       []returnItemPayload  `json:"items"`
	Description string               `json:"description,omitempty"`
	Images      []string             `json:"images,omitempty"`
	Return      *returnDetailPayload `json:"return,omitempty"`
	Exchange    *exchangePayload     `json:"exchange,omitempty"`
	AdminNotes  string               `json:"adminNotes,omitempty"`
	ApprovedBy  string               `json:"approvedBy,omitempty"`
	CompletedBy string               `json:"completedBy,omitempty"`
	Currency    string               `json:"currency"`
	CreatedAt   string               `json:"createdAt"`
	UpdatedAt   string               `json:"updatedAt"`
	DecidedAt   string               `json:"decidedAt,omitempty"`
	CompletedAt string               `json:"completedAt,omitempty"`
}

type returnItemPayload struct {
	LineID    string `json:"lineId"`
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Reason    string `json:"reason,omitempty"`
}

type breakdownPayload struct {
	ReturnShippingFee    int64 `json:"returnShippingFee"`
	CustomerShippingFee  int64 `json:"customerShippingFee"`
	ShopShippingFee      int64 `json:"shopShippingFee"`
	ProcessingFee        int64 `json:"processingFee"`
	CustomerPaysShipping bool  `json:"customerPaysShipping"`
	RequiresApproval     bool  `json:"requiresApproval"`
}

type returnDetailPayload struct {
	ShippingBreakdown breakdownPayload `json:"shippingBreakdown"`
	RefundAmount      int64            `json:"refundAmount"`
	RestoreInventory  bool             `json:"restoreInventory"`
}

type exchangePayload struct {
	TargetProductID   string `json:"targetProductId"`
	TargetVariantID   string `json:"targetVariantId,omitempty"`
	TargetUnitPrice   int64  `json:"targetUnitPrice"`
	AdditionalCost    int64  `json:"additionalCost"`
	AmountPaid        int64  `json:"amountPaid"`
	ExchangeOrderID   string `json:"exchangeOrderId,omitempty"`
	CheckoutSessionID string `json:"checkoutSessionId,omitempty"`
}

type quotePayload struct {
	Breakdown        breakdownPayload `json:"shippingBreakdown"`
	ItemsTotal       int64            `json:"itemsTotal"`
	EstimatedRefund  int64            `json:"estimatedRefund"`
	RestoreInventory bool             `json:"restoreInventory"`
	Currency         string           `json:"currency"`
}

type statsPayload struct {
	Total                 int            `json:"total"`
	ByStatus              map[string]int `json:"byStatus"`
	ByType                map[string]int `json:"byType"`
	TotalRefund           int64          `json:"totalRefund"`
	TotalAdditionalCharge int64          `json:"totalAdditionalCharge"`
	GeneratedAt           string         `json:"generatedAt"`
}

type paymentSessionPayload struct {
	SessionID   string `json:"sessionId"`
	RedirectURL string `json:"redirectUrl"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

type uploadURLPayload struct {
	ObjectPath string            `json:"objectPath"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	ExpiresAt  string            `json:"expiresAt"`
}

func buildReturnPayload(req domain.ReturnRequest) returnPayload {
	payload := returnPayload{
		ID:          req.ID,
		OrderID:     req.OrderID,
		UserID:      req.UserID,
		Type:        string(req.Type),
		Status:      string(req.Status),
		Reason:      string(req.Reason),
		Items:       make([]returnItemPayload, 0, len(req.Items)),
		Description: req.Description,
		Images:      req.Images,
		AdminNotes:  req.AdminNotes,
		ApprovedBy:  req.ApprovedBy,
		CompletedBy: req.CompletedBy,
		Currency:    req.Currency,
		CreatedAt:   formatTime(req.CreatedAt),
		UpdatedAt:   formatTime(req.UpdatedAt),
	}
	for _, item := range req.Items {
		payload.Items = append(payload.Items, returnItemPayload{
			LineID:    item.LineID,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Reason:    item.Reason,
		})
	}
	if req.Return != nil {
		payload.Return = &returnDetailPayload{
			ShippingBreakdown: buildBreakdownPayload(req.Return.ShippingBreakdown),
			RefundAmount:      req.Return.RefundAmount,
			RestoreInventory:  req.Return.RestoreInventory,
		}
	}
	if req.Exchange != nil {
		payload.Exchange = &exchangePayload{
			TargetProductID:   req.Exchange.TargetProductID,
			TargetVariantID:   req.Exchange.TargetVariantID,
			TargetUnitPrice:   req.Exchange.TargetUnitPrice,
			AdditionalCost:    req.Exchange.AdditionalCost,
			AmountPaid:        req.Exchange.PaidAmount(),
			ExchangeOrderID:   req.Exchange.ExchangeOrderID,
			CheckoutSessionID: req.Exchange.CheckoutSessionID,
		}
	}
	if req.DecidedAt != nil {
		payload.DecidedAt = formatTime(*req.DecidedAt)
	}
	if req.CompletedAt != nil {
		payload.CompletedAt = formatTime(*req.CompletedAt)
	}
	return payload
}

func buildBreakdownPayload(b domain.ShippingBreakdown) breakdownPayload {
	return breakdownPayload{
		ReturnShippingFee:    b.ReturnShippingFee,
		CustomerShippingFee:  b.CustomerShippingFee,
		ShopShippingFee:      b.ShopShippingFee,
		ProcessingFee:        b.ProcessingFee,
		CustomerPaysShipping: b.CustomerPaysShipping,
		RequiresApproval:     b.RequiresApproval,
	}
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseFilterValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	filters := make([]string, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			if _, exists := seen[trimmed]; exists {
				continue
			}
			seen[trimmed] = struct{}{}
			filters = append(filters, trimmed)
		}
	}
	return filters
}
