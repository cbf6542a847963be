package firestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"

	domain "github.com/hanko-field/returns/internal/domain"
	pfirestore "github.com/hanko-field/returns/internal/platform/firestore"
	"github.com/hanko-field/returns/internal/platform/pagination"
	"github.com/hanko-field/returns/internal/repositories"
)

const (
	returnRequestsCollection = "returnRequests"
	defaultReturnPageSize    = 50
	maxReturnPageSize        = 200
)

// ReturnRequestRepository stores return requests in the returnRequests collection.
type ReturnRequestRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[returnRequestDocument]
}

var _ repositories.ReturnRequestRepository = (*ReturnRequestRepository)(nil)

func NewReturnRequestRepository(provider *pfirestore.Provider) (*ReturnRequestRepository, error) {
	if provider == nil {
		return nil, errors.New("return request repository requires firestore provider")
	}
	return &ReturnRequestRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[returnRequestDocument](provider, returnRequestsCollection),
	}, nil
}

func (r *ReturnRequestRepository) InsertChecked(ctx context.Context, req repositories.ReturnInsertRequest) (domain.ReturnRequest, error) {
	if r == nil || r.provider == nil {
		return domain.ReturnRequest{}, errors.New("return request repository not initialised")
	}
	id := strings.TrimSpace(req.Request.ID)
	if id == "" {
		return domain.ReturnRequest{}, errors.New("return insert: request id is required")
	}
	orderID := strings.TrimSpace(req.Request.OrderID)
	if orderID == "" {
		return domain.ReturnRequest{}, errors.New("return insert: order id is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		existing, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
			return q.Where("orderId", "==", orderID)
		})
		if err != nil {
			return err
		}

		used := make(map[string]int)
		for _, doc := range existing {
			if doc.Data.Status == string(domain.ReturnStatusRejected) {
				continue
			}
			for _, item := range doc.Data.Items {
				used[item.LineID] += item.Quantity
			}
		}
		for line, qty := range req.Request.QuantityByLine() {
			limit, ok := req.LineLimits[line]
			if !ok {
				return repositories.NewReturnError(repositories.ReturnErrorUnknownLine, fmt.Sprintf("order %s has no line %s", orderID, line), nil)
			}
			if used[line]+qty > limit {
				return repositories.NewReturnError(repositories.ReturnErrorQuantityExceeded,
					fmt.Sprintf("line %s: %d already requested, %d more exceeds purchased %d", line, used[line], qty, limit), nil)
			}
		}

		if err := r.base.Create(ctx, id, newReturnRequestDocument(req.Request)); err != nil {
			if pfirestore.IsConflict(err) {
				return repositories.NewReturnError(repositories.ReturnErrorUnknown, fmt.Sprintf("return request %s already exists", id), err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.ReturnRequest{}, wrapReturnError("returns.insert", err)
	}
	return req.Request, nil
}

func (r *ReturnRequestRepository) FindByID(ctx context.Context, requestID string) (domain.ReturnRequest, error) {
	if r == nil || r.base == nil {
		return domain.ReturnRequest{}, errors.New("return request repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(requestID))
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *ReturnRequestRepository) UpdateIf(ctx context.Context, requestID string, expected domain.ReturnStatus, fn func(*domain.ReturnRequest) error) (domain.ReturnRequest, error) {
	if r == nil || r.provider == nil {
		return domain.ReturnRequest{}, errors.New("return request repository not initialised")
	}
	if fn == nil {
		return domain.ReturnRequest{}, errors.New("return update: mutation is required")
	}
	requestID = strings.TrimSpace(requestID)

	var updated domain.ReturnRequest
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		doc, err := r.base.Get(ctx, requestID)
		if err != nil {
			return err
		}
		current := doc.Data.toDomain(doc.ID)
		if expected != "" && current.Status != expected {
			return repositories.NewStatusMismatchError(current.Status, expected)
		}
		if err := fn(&current); err != nil {
			return err
		}
		current.ID = doc.ID
		if err := r.base.Set(ctx, doc.ID, newReturnRequestDocument(current)); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return domain.ReturnRequest{}, wrapReturnError("returns.update", err)
	}
	return updated, nil
}

func (r *ReturnRequestRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.ReturnRequest, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("return request repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", strings.TrimSpace(orderID))
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.ReturnRequest, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}

// List pages newest first. The page token encodes the createdAt and id of the last item.
func (r *ReturnRequestRepository) List(ctx context.Context, filter domain.ReturnListFilter) (domain.CursorPage[domain.ReturnRequest], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.ReturnRequest]{}, errors.New("return request repository not initialised")
	}
	pageSize := filter.Pagination.PageSize
	switch {
	case pageSize <= 0:
		pageSize = defaultReturnPageSize
	case pageSize > maxReturnPageSize:
		pageSize = maxReturnPageSize
	}

	scope := returnFilterScope(filter)
	cursor, err := pagination.DecodeScopedToken(filter.Pagination.PageToken, scope)
	if err != nil {
		return domain.CursorPage[domain.ReturnRequest]{}, repositories.NewReturnError(repositories.ReturnErrorInvalidCursor, "invalid page token", err)
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = applyReturnFilter(q, filter)
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.ReturnRequest]{}, err
	}

	page := domain.CursorPage[domain.ReturnRequest]{}
	for i, doc := range docs {
		if i == pageSize {
			last := docs[pageSize-1]
			token, err := pagination.EncodeToken(pagination.Cursor{
				CreatedAt: last.Data.CreatedAt,
				ID:        last.ID,
				Scope:     scope,
			})
			if err != nil {
				return domain.CursorPage[domain.ReturnRequest]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

// Stats runs server-side aggregations so the collection is never scanned client side.
func (r *ReturnRequestRepository) Stats(ctx context.Context, filter repositories.ReturnStatsFilter) (domain.ReturnStats, error) {
	if r == nil || r.base == nil {
		return domain.ReturnStats{}, errors.New("return request repository not initialised")
	}
	coll, err := r.base.CollectionRef(ctx)
	if err != nil {
		return domain.ReturnStats{}, err
	}
	base := coll.Query
	if filter.Since != nil {
		base = base.Where("createdAt", ">=", filter.Since.UTC())
	}

	stats := domain.ReturnStats{
		ByStatus: make(map[domain.ReturnStatus]int),
		ByType:   make(map[domain.ReturnType]int),
	}
	for _, status := range []domain.ReturnStatus{
		domain.ReturnStatusPending,
		domain.ReturnStatusApproved,
		domain.ReturnStatusRejected,
		domain.ReturnStatusCompleted,
	} {
		count, err := aggregateCount(ctx, base.Where("status", "==", string(status)))
		if err != nil {
			return domain.ReturnStats{}, err
		}
		stats.ByStatus[status] = int(count)
		stats.Total += int(count)
	}
	for _, typ := range []domain.ReturnType{domain.ReturnTypeReturn, domain.ReturnTypeExchange} {
		count, err := aggregateCount(ctx, base.Where("type", "==", string(typ)))
		if err != nil {
			return domain.ReturnStats{}, err
		}
		stats.ByType[typ] = int(count)
	}

	completed := base.Where("status", "==", string(domain.ReturnStatusCompleted))
	stats.TotalRefund, err = aggregateSum(ctx, completed.Where("type", "==", string(domain.ReturnTypeReturn)), "return.refundAmount")
	if err != nil {
		return domain.ReturnStats{}, err
	}
	stats.TotalAdditionalCharge, err = aggregateSum(ctx,
		completed.Where("type", "==", string(domain.ReturnTypeExchange)).Where("exchange.additionalCost", ">", 0),
		"exchange.additionalCost")
	if err != nil {
		return domain.ReturnStats{}, err
	}
	return stats, nil
}

func applyReturnFilter(q firestore.Query, filter domain.ReturnListFilter) firestore.Query {
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		q = q.Where("userId", "==", userID)
	}
	if orderID := strings.TrimSpace(filter.OrderID); orderID != "" {
		q = q.Where("orderId", "==", orderID)
	}
	switch len(filter.Statuses) {
	case 0:
	case 1:
		q = q.Where("status", "==", string(filter.Statuses[0]))
	default:
		values := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			values = append(values, string(s))
		}
		q = q.Where("status", "in", values)
	}
	switch len(filter.Types) {
	case 0:
	case 1:
		q = q.Where("type", "==", string(filter.Types[0]))
	default:
		values := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			values = append(values, string(t))
		}
		q = q.Where("type", "in", values)
	}
	return q
}

// returnFilterScope binds page tokens to the filter that produced them.
func returnFilterScope(filter domain.ReturnListFilter) string {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	types := make([]string, 0, len(filter.Types))
	for _, t := range filter.Types {
		types = append(types, string(t))
	}
	slices.Sort(statuses)
	slices.Sort(types)
	return strings.Join([]string{
		strings.TrimSpace(filter.UserID),
		strings.TrimSpace(filter.OrderID),
		strings.Join(statuses, ","),
		strings.Join(types, ","),
	}, "|")
}

func aggregateCount(ctx context.Context, q firestore.Query) (int64, error) {
	result, err := q.NewAggregationQuery().WithCount("count").Get(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("returns.stats", err)
	}
	return aggregateValue(result, "count")
}

func aggregateSum(ctx context.Context, q firestore.Query, field string) (int64, error) {
	result, err := q.NewAggregationQuery().WithSum(field, "sum").Get(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("returns.stats", err)
	}
	return aggregateValue(result, "sum")
}

func aggregateValue(result firestore.AggregationResult, alias string) (int64, error) {
	raw, ok := result[alias]
	if !ok {
		return 0, fmt.Errorf("returns.stats: aggregation %s missing", alias)
	}
	value, ok := raw.(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("returns.stats: aggregation %s has unexpected type %T", alias, raw)
	}
	switch v := value.GetValueType().(type) {
	case *firestorepb.Value_IntegerValue:
		return v.IntegerValue, nil
	case *firestorepb.Value_DoubleValue:
		return int64(v.DoubleValue), nil
	case *firestorepb.Value_NullValue:
		return 0, nil
	default:
		return 0, fmt.Errorf("returns.stats: aggregation %s has unsupported value %T", alias, v)
	}
}

// wrapReturnError keeps domain errors intact and classifies everything else.
func wrapReturnError(op string, err error) error {
	if err == nil {
		return nil
	}
	var returnErr *repositories.ReturnError
	if errors.As(err, &returnErr) {
		if returnErr.Op == "" {
			returnErr.Op = op
		}
		return returnErr
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return pfirestore.WrapError(op, err)
	}
	// Errors returned by mutation callbacks are passed through untouched.
	return err
}

type returnItemDocument struct {
	LineID    string `firestore:"lineId"`
	ProductID string `firestore:"productId"`
	VariantID string `firestore:"variantId,omitempty"`
	Quantity  int    `firestore:"quantity"`
	UnitPrice int64  `firestore:"unitPrice"`
	Reason    string `firestore:"reason,omitempty"`
}

type shippingBreakdownDocument struct {
	ReturnShippingFee    int64 `firestore:"returnShippingFee"`
	CustomerShippingFee  int64 `firestore:"customerShippingFee"`
	ShopShippingFee      int64 `firestore:"shopShippingFee"`
	ProcessingFee        int64 `firestore:"processingFee"`
	CustomerPaysShipping bool  `firestore:"customerPaysShipping"`
	RequiresApproval     bool  `firestore:"requiresApproval"`
}

type returnDetailDocument struct {
	ShippingBreakdown shippingBreakdownDocument `firestore:"shippingBreakdown"`
	RefundAmount      int64                     `firestore:"refundAmount"`
	RestoreInventory  bool                      `firestore:"restoreInventory"`
}

type exchangeDetailDocument struct {
	TargetProductID   string                    `firestore:"targetProductId"`
	TargetVariantID   string                    `firestore:"targetVariantId,omitempty"`
	TargetUnitPrice   int64                     `firestore:"targetUnitPrice"`
	AdditionalCost    int64                     `firestore:"additionalCost"`
	ExchangeOrderID   string                    `firestore:"exchangeOrderId,omitempty"`
	CheckoutSessionID string                    `firestore:"checkoutSessionId,omitempty"`
	CheckoutAmount    int64                     `firestore:"checkoutAmount,omitempty"`
	Payments          []exchangePaymentDocument `firestore:"payments,omitempty"`
}

type exchangePaymentDocument struct {
	PaymentIntentID   string    `firestore:"paymentIntentId"`
	CheckoutSessionID string    `firestore:"checkoutSessionId,omitempty"`
	Amount            int64     `firestore:"amount"`
	PaidAt            time.Time `firestore:"paidAt"`
}

type returnRequestDocument struct {
	OrderID     string                  `firestore:"orderId"`
	UserID      string                  `firestore:"userId"`
	Type        string                  `firestore:"type"`
	Status      string                  `firestore:"status"`
	Reason      string                  `firestore:"reason"`
	Items       []returnItemDocument    `firestore:"items"`
	LineIDs     []string                `firestore:"lineIds"`
	Description string                  `firestore:"description,omitempty"`
	Images      []string                `firestore:"images,omitempty"`
	Return      *returnDetailDocument   `firestore:"return,omitempty"`
	Exchange    *exchangeDetailDocument `firestore:"exchange,omitempty"`
	AdminNotes  string                  `firestore:"adminNotes,omitempty"`
	ApprovedBy  string                  `firestore:"approvedBy,omitempty"`
	CompletedBy string                  `firestore:"completedBy,omitempty"`
	Currency    string                  `firestore:"currency"`
	CreatedAt   time.Time               `firestore:"createdAt"`
	UpdatedAt   time.Time               `firestore:"updatedAt"`
	DecidedAt   *time.Time              `firestore:"decidedAt,omitempty"`
	CompletedAt *time.Time              `firestore:"completedAt,omitempty"`
}

func newReturnRequestDocument(req domain.ReturnRequest) returnRequestDocument {
	doc := returnRequestDocument{
		OrderID:     req.OrderID,
		UserID:      req.UserID,
		Type:        string(req.Type),
		Status:      string(req.Status),
		Reason:      string(req.Reason),
		Description: req.Description,
		Images:      append([]string(nil), req.Images...),
		AdminNotes:  req.AdminNotes,
		ApprovedBy:  req.ApprovedBy,
		CompletedBy: req.CompletedBy,
		Currency:    req.Currency,
		CreatedAt:   req.CreatedAt.UTC(),
		UpdatedAt:   req.UpdatedAt.UTC(),
		DecidedAt:   utcPtr(req.DecidedAt),
		CompletedAt: utcPtr(req.CompletedAt),
	}
	for _, item := range req.Items {
		doc.Items = append(doc.Items, returnItemDocument{
			LineID:    item.LineID,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Reason:    item.Reason,
		})
		doc.LineIDs = append(doc.LineIDs, item.LineID)
	}
	if req.Return != nil {
		b := req.Return.ShippingBreakdown
		doc.Return = &returnDetailDocument{
			ShippingBreakdown: shippingBreakdownDocument{
				ReturnShippingFee:    b.ReturnShippingFee,
				CustomerShippingFee:  b.CustomerShippingFee,
				ShopShippingFee:      b.ShopShippingFee,
				ProcessingFee:        b.ProcessingFee,
				CustomerPaysShipping: b.CustomerPaysShipping,
				RequiresApproval:     b.RequiresApproval,
			},
			RefundAmount:     req.Return.RefundAmount,
			RestoreInventory: req.Return.RestoreInventory,
		}
	}
	if req.Exchange != nil {
		doc.Exchange = &exchangeDetailDocument{
			TargetProductID:   req.Exchange.TargetProductID,
			TargetVariantID:   req.Exchange.TargetVariantID,
			TargetUnitPrice:   req.Exchange.TargetUnitPrice,
			AdditionalCost:    req.Exchange.AdditionalCost,
			ExchangeOrderID:   req.Exchange.ExchangeOrderID,
			CheckoutSessionID: req.Exchange.CheckoutSessionID,
			CheckoutAmount:    req.Exchange.CheckoutAmount,
		}
		for _, p := range req.Exchange.Payments {
			doc.Exchange.Payments = append(doc.Exchange.Payments, exchangePaymentDocument{
				PaymentIntentID:   p.PaymentIntentID,
				CheckoutSessionID: p.CheckoutSessionID,
				Amount:            p.Amount,
				PaidAt:            p.PaidAt.UTC(),
			})
		}
	}
	return doc
}

func (d returnRequestDocument) toDomain(id string) domain.ReturnRequest {
	req := domain.ReturnRequest{
		ID:          id,
		OrderID:     d.OrderID,
		UserID:      d.UserID,
		Type:        domain.ReturnType(d.Type),
		Status:      domain.ReturnStatus(d.Status),
		Reason:      domain.ReturnReason(d.Reason),
		Description: d.Description,
		Images:      append([]string(nil), d.Images...),
		AdminNotes:  d.AdminNotes,
		ApprovedBy:  d.ApprovedBy,
		CompletedBy: d.CompletedBy,
		Currency:    d.Currency,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
		DecidedAt:   utcPtr(d.DecidedAt),
		CompletedAt: utcPtr(d.CompletedAt),
	}
	for _, item := range d.Items {
		req.Items = append(req.Items, domain.ReturnItem{
			LineID:    item.LineID,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Reason:    item.Reason,
		})
	}
	if d.Return != nil {
		b := d.Return.ShippingBreakdown
		req.Return = &domain.ReturnDetail{
			ShippingBreakdown: domain.ShippingBreakdown{
				ReturnShippingFee:    b.ReturnShippingFee,
				CustomerShippingFee:  b.CustomerShippingFee,
				ShopShippingFee:      b.ShopShippingFee,
				ProcessingFee:        b.ProcessingFee,
				CustomerPaysShipping: b.CustomerPaysShipping,
				RequiresApproval:     b.RequiresApproval,
			},
			RefundAmount:     d.Return.RefundAmount,
			RestoreInventory: d.Return.RestoreInventory,
		}
	}
	if d.Exchange != nil {
		req.Exchange = &domain.ExchangeDetail{
			TargetProductID:   d.Exchange.TargetProductID,
			TargetVariantID:   d.Exchange.TargetVariantID,
			TargetUnitPrice:   d.Exchange.TargetUnitPrice,
			AdditionalCost:    d.Exchange.AdditionalCost,
			ExchangeOrderID:   d.Exchange.ExchangeOrderID,
			CheckoutSessionID: d.Exchange.CheckoutSessionID,
			CheckoutAmount:    d.Exchange.CheckoutAmount,
		}
		for _, p := range d.Exchange.Payments {
			req.Exchange.Payments = append(req.Exchange.Payments, domain.ExchangePayment{
				PaymentIntentID:   p.PaymentIntentID,
				CheckoutSessionID: p.CheckoutSessionID,
				Amount:            p.Amount,
				PaidAt:            p.PaidAt.UTC(),
			})
		}
	}
	return req
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
