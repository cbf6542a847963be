package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/returns/internal/domain"
	"github.com/hanko-field/returns/internal/payments"
	pstorage "github.com/hanko-field/returns/internal/platform/storage"
	"github.com/hanko-field/returns/internal/platform/textutil"
	"github.com/hanko-field/returns/internal/repositories"
)

const (
	returnEventCreated   = "returns.request.created"
	returnEventApproved  = "returns.request.approved"
	returnEventRejected  = "returns.request.rejected"
	returnEventCompleted = "returns.request.completed"

	returnEventCheckoutOpened   = "returns.exchange.checkout_opened"
	returnEventPaymentRecorded  = "returns.exchange.payment_recorded"
	returnEventOrderConfirmFail = "returns.exchange.order_confirm.failed"

	returnIDPrefix = "ret_"

	defaultReturnWindow    = 7 * 24 * time.Hour
	defaultBaseShippingFee = 30000
	maxDescriptionRunes    = 2000
	maxEvidenceImages      = 10
	maxReturnNotesRunes    = 2000

	orderDeliveryReturned = "returned"
)

var returnStateTransitions = map[domain.ReturnStatus][]domain.ReturnStatus{
	domain.ReturnStatusPending:  {domain.ReturnStatusApproved, domain.ReturnStatusRejected},
	domain.ReturnStatusApproved: {domain.ReturnStatusCompleted},
}

var (
	paidPaymentStatuses     = []string{"paid", "succeeded", "captured"}
	returnableOrderStatuses = []string{"completed", "delivered"}
)

// OrderLocker serialises writers on the same order across instances.
type OrderLocker interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// exchangeCheckoutManager abstracts payments.Manager for easier testing.
type exchangeCheckoutManager interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// ReturnPolicy holds tunables for eligibility and fees.
type ReturnPolicy struct {
	Window               time.Duration
	BaseShippingFee      int64
	ProcessingFeePercent int
	// StrictInvariants panics on invariant violations instead of only logging them.
	StrictInvariants bool
}

// ReturnRequestServiceDeps bundles collaborators required to construct the return service.
type ReturnRequestServiceDeps struct {
	Requests       repositories.ReturnRequestRepository
	Orders         repositories.OrderRepository
	Prices         repositories.ProductPriceRepository
	ExchangeOrders repositories.ExchangeOrderCreator
	UnitOfWork     repositories.UnitOfWork
	Locker         OrderLocker
	Payments       exchangeCheckoutManager
	Settlements    SettlementPublisher
	Policy         ReturnPolicy
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type returnRequestService struct {
	requests       repositories.ReturnRequestRepository
	orders         repositories.OrderRepository
	prices         repositories.ProductPriceRepository
	exchangeOrders repositories.ExchangeOrderCreator
	unitOfWork     repositories.UnitOfWork
	locker         OrderLocker
	payments       exchangeCheckoutManager
	settlements    SettlementPublisher
	allocator      ShippingAllocator
	policy         ReturnPolicy
	clock          func() time.Time
	newID          func() string
	logger         func(context.Context, string, map[string]any)
}

// NewReturnRequestService wires dependencies into a concrete ReturnRequestService implementation.
func NewReturnRequestService(deps ReturnRequestServiceDeps) (ReturnRequestService, error) {
	if deps.Requests == nil {
		return nil, errors.New("return service: request repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("return service: order repository is required")
	}
	if deps.Prices == nil {
		return nil, errors.New("return service: price repository is required")
	}
	if deps.ExchangeOrders == nil {
		return nil, errors.New("return service: exchange order creator is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	locker := deps.Locker
	if locker == nil {
		locker = noopLocker{}
	}

	policy := deps.Policy
	if policy.Window <= 0 {
		policy.Window = defaultReturnWindow
	}
	if policy.BaseShippingFee <= 0 {
		policy.BaseShippingFee = defaultBaseShippingFee
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &returnRequestService{
		requests:       deps.Requests,
		orders:         deps.Orders,
		prices:         deps.Prices,
		exchangeOrders: deps.ExchangeOrders,
		unitOfWork:     unit,
		locker:         locker,
		payments:       deps.Payments,
		settlements:    deps.Settlements,
		allocator:      NewShippingAllocator(policy.ProcessingFeePercent),
		policy:         policy,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *returnRequestService) Create(ctx context.Context, cmd CreateReturnCommand) (ReturnRequest, error) {
	if err := validateCreateCommand(cmd); err != nil {
		return ReturnRequest{}, err
	}

	order, err := s.loadEligibleOrder(ctx, strings.TrimSpace(cmd.OrderID), cmd.Actor)
	if err != nil {
		return ReturnRequest{}, err
	}
	items, err := buildReturnItems(order, cmd.Items)
	if err != nil {
		return ReturnRequest{}, err
	}
	images := normalizeImages(cmd.Images)
	for _, img := range images {
		if !pstorage.OwnsEvidencePath(img, order.UserID, order.ID) {
			return ReturnRequest{}, fmt.Errorf("%w: image %q was not uploaded for this order", ErrReturnInvalidRequest, img)
		}
	}

	now := s.clock()
	req := ReturnRequest{
		ID:          returnIDPrefix + s.newID(),
		OrderID:     order.ID,
		UserID:      order.UserID,
		Type:        cmd.Type,
		Status:      domain.ReturnStatusPending,
		Reason:      cmd.Reason,
		Items:       items,
		Description: textutil.SanitizePlainText(cmd.Description, maxDescriptionRunes),
		Images:      images,
		Currency:    order.Currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	switch cmd.Type {
	case domain.ReturnTypeReturn:
		detail, err := s.outlineReturn(order, cmd.Reason, items)
		if err != nil {
			return ReturnRequest{}, err
		}
		req.Return = &detail
	case domain.ReturnTypeExchange:
		detail, err := s.outlineExchange(ctx, items[0], strings.TrimSpace(cmd.TargetProductID), strings.TrimSpace(cmd.TargetVariantID))
		if err != nil {
			return ReturnRequest{}, err
		}
		req.Exchange = &detail
	}

	release, err := s.locker.Acquire(ctx, orderLockKey(order.ID))
	if err != nil {
		return ReturnRequest{}, fmt.Errorf("%w: order %s is locked: %v", ErrReturnConflict, order.ID, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger(ctx, "returns.lock.release.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
	}()

	limits := make(map[string]int, len(order.Items))
	for _, line := range order.Items {
		limits[line.LineID] = line.Quantity
	}

	var saved ReturnRequest
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		saved, err = s.requests.InsertChecked(txCtx, repositories.ReturnInsertRequest{
			Request:    req,
			LineLimits: limits,
		})
		return err
	})
	if err != nil {
		return ReturnRequest{}, mapReturnRepositoryError(err)
	}

	s.logger(ctx, returnEventCreated, map[string]any{
		"requestId": saved.ID,
		"orderId":   saved.OrderID,
		"type":      string(saved.Type),
		"reason":    string(saved.Reason),
	})
	return saved, nil
}

func (s *returnRequestService) Quote(ctx context.Context, cmd QuoteReturnCommand) (ReturnQuote, error) {
	if !IsKnownReturnReason(cmd.Reason) {
		return ReturnQuote{}, fmt.Errorf("%w: unsupported return reason %q", ErrReturnInvalidRequest, cmd.Reason)
	}
	if err := validateItemInputs(cmd.Items); err != nil {
		return ReturnQuote{}, err
	}

	order, err := s.loadEligibleOrder(ctx, strings.TrimSpace(cmd.OrderID), cmd.Actor)
	if err != nil {
		return ReturnQuote{}, err
	}
	items, err := buildReturnItems(order, cmd.Items)
	if err != nil {
		return ReturnQuote{}, err
	}

	existing, err := s.requests.ListByOrder(ctx, order.ID)
	if err != nil {
		return ReturnQuote{}, mapReturnRepositoryError(err)
	}
	if err := checkRemainingQuantities(order, existing, items); err != nil {
		return ReturnQuote{}, err
	}

	detail, err := s.outlineReturn(order, cmd.Reason, items)
	if err != nil {
		return ReturnQuote{}, err
	}
	var total int64
	for _, item := range items {
		total += item.Subtotal()
	}
	return ReturnQuote{
		Breakdown:        detail.ShippingBreakdown,
		ItemsTotal:       total,
		EstimatedRefund:  detail.RefundAmount,
		RestoreInventory: detail.RestoreInventory,
		Currency:         order.Currency,
	}, nil
}

func (s *returnRequestService) Approve(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error) {
	req, err := s.transition(ctx, cmd, domain.ReturnStatusPending, domain.ReturnStatusApproved, nil)
	if err != nil {
		return ReturnRequest{}, err
	}
	s.logger(ctx, returnEventApproved, map[string]any{
		"requestId": req.ID,
		"actorId":   cmd.Actor.ID,
	})
	return req, nil
}

func (s *returnRequestService) Reject(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error) {
	req, err := s.transition(ctx, cmd, domain.ReturnStatusPending, domain.ReturnStatusRejected, func(req *ReturnRequest) error {
		// Provisional figures computed at creation are advisory and dropped on rejection.
		if req.Return != nil {
			req.Return.RefundAmount = 0
		}
		if req.Exchange != nil {
			req.Exchange.AdditionalCost = 0
		}
		return nil
	})
	if err != nil {
		return ReturnRequest{}, err
	}
	s.logger(ctx, returnEventRejected, map[string]any{
		"requestId": req.ID,
		"actorId":   cmd.Actor.ID,
	})
	return req, nil
}

func (s *returnRequestService) Complete(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error) {
	requestID := strings.TrimSpace(cmd.RequestID)
	if err := requireStaff(cmd.Actor); err != nil {
		return ReturnRequest{}, err
	}
	if requestID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: request id is required", ErrReturnInvalidRequest)
	}

	current, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		return ReturnRequest{}, mapReturnRepositoryError(err)
	}
	if current.Status != domain.ReturnStatusApproved {
		return ReturnRequest{}, invalidTransition(current.Status, domain.ReturnStatusCompleted)
	}

	order, err := s.orders.FindByID(ctx, current.OrderID)
	if err != nil {
		return ReturnRequest{}, mapDependencyError("order lookup", err)
	}

	var settle func(*ReturnRequest)
	switch current.Type {
	case domain.ReturnTypeExchange:
		settle, err = s.settleExchange(ctx, current)
		if err != nil {
			return ReturnRequest{}, err
		}
	default:
		if current.Return == nil {
			return ReturnRequest{}, s.invariantViolated(ctx, fmt.Errorf("%w: return %s has no return detail", ErrReturnInvariant, current.ID))
		}
		refund := FinalizeReturnRefund(current.Items, current.Return.ShippingBreakdown)
		settle = func(req *ReturnRequest) {
			req.Return.RefundAmount = refund
		}
	}

	now := s.clock()
	var completed ReturnRequest
	var violation error
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		completed, err = s.requests.UpdateIf(txCtx, requestID, domain.ReturnStatusApproved, func(req *ReturnRequest) error {
			if err := applyStatusTransition(req, domain.ReturnStatusCompleted, now); err != nil {
				return err
			}
			settle(req)
			req.CompletedBy = cmd.Actor.ID
			req.CompletedAt = valuePtr(now)
			if cmd.AdminNotes != nil {
				req.AdminNotes = textutil.SanitizePlainText(*cmd.AdminNotes, maxReturnNotesRunes)
			}
			if err := checkCompletionInvariants(*req); err != nil {
				violation = err
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}
		if completed.Type == domain.ReturnTypeReturn {
			return s.orders.UpdateDeliveryStatus(txCtx, completed.OrderID, orderDeliveryReturned, now)
		}
		return nil
	})
	if violation != nil {
		return ReturnRequest{}, s.invariantViolated(ctx, violation)
	}
	if err != nil {
		var returnErr *repositories.ReturnError
		if errors.As(err, &returnErr) && returnErr.Code == repositories.ReturnErrorStatusMismatch {
			return ReturnRequest{}, invalidTransition(returnErr.Current, domain.ReturnStatusCompleted)
		}
		if errors.Is(err, ErrReturnInvalidState) {
			return ReturnRequest{}, err
		}
		return ReturnRequest{}, fmt.Errorf("%w: complete %s: %v", ErrReturnDependency, requestID, mapReturnRepositoryError(err))
	}

	s.confirmPaidExchange(ctx, completed)
	s.publishSettlement(ctx, buildSettlementEvent(completed, order, now))
	s.logger(ctx, returnEventCompleted, map[string]any{
		"requestId":       completed.ID,
		"actorId":         cmd.Actor.ID,
		"type":            string(completed.Type),
		"exchangeOrderId": exchangeOrderID(completed),
	})
	return completed, nil
}

// settleExchange reprices the target and makes sure the replacement order exists. The order id is
// persisted on the still APPROVED request so a retried completion reuses it.
func (s *returnRequestService) settleExchange(ctx context.Context, req ReturnRequest) (func(*ReturnRequest), error) {
	if req.Exchange == nil || len(req.Items) == 0 {
		return nil, s.invariantViolated(ctx, fmt.Errorf("%w: exchange %s has no exchange detail", ErrReturnInvariant, req.ID))
	}
	item := req.Items[0]
	price, err := s.prices.CurrentPrice(ctx, req.Exchange.TargetProductID, req.Exchange.TargetVariantID)
	if err != nil {
		return nil, mapDependencyError("price lookup", err)
	}
	diff, err := ComputeExchangeDifference(item.UnitPrice, item.Quantity, price.UnitPrice)
	if err != nil {
		return nil, err
	}

	orderID := req.Exchange.ExchangeOrderID
	if orderID == "" {
		orderID, err = s.exchangeOrders.CreateExchangeOrder(ctx, domain.ExchangeOrderRequest{
			ReturnRequestID: req.ID,
			OriginalOrderID: req.OrderID,
			UserID:          req.UserID,
			TargetProductID: req.Exchange.TargetProductID,
			TargetVariantID: req.Exchange.TargetVariantID,
			Quantity:        1,
			UnitPrice:       price.UnitPrice,
			AdditionalCost:  diff,
			PaidAmount:      req.Exchange.PaidAmount(),
			Currency:        req.Currency,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: create exchange order: %v", ErrReturnDependency, err)
		}
		if strings.TrimSpace(orderID) == "" {
			return nil, fmt.Errorf("%w: exchange order creator returned empty id", ErrReturnDependency)
		}
		_, err = s.requests.UpdateIf(ctx, req.ID, domain.ReturnStatusApproved, func(stored *ReturnRequest) error {
			if stored.Exchange == nil {
				return fmt.Errorf("%w: exchange %s has no exchange detail", ErrReturnInvariant, stored.ID)
			}
			if stored.Exchange.ExchangeOrderID == "" {
				stored.Exchange.ExchangeOrderID = orderID
			}
			stored.UpdatedAt = s.clock()
			return nil
		})
		if err != nil {
			var returnErr *repositories.ReturnError
			if errors.As(err, &returnErr) && returnErr.Code == repositories.ReturnErrorStatusMismatch {
				return nil, invalidTransition(returnErr.Current, domain.ReturnStatusCompleted)
			}
			return nil, fmt.Errorf("%w: record exchange order: %v", ErrReturnDependency, err)
		}
	}

	return func(stored *ReturnRequest) {
		if stored.Exchange.ExchangeOrderID == "" {
			stored.Exchange.ExchangeOrderID = orderID
		}
		stored.Exchange.TargetUnitPrice = price.UnitPrice
		stored.Exchange.AdditionalCost = diff
	}, nil
}

// confirmPaidExchange releases an exchange order created while its payment was still in flight.
// Completion has already committed, so failures are only logged.
func (s *returnRequestService) confirmPaidExchange(ctx context.Context, req ReturnRequest) {
	if req.Type != domain.ReturnTypeExchange || req.Exchange == nil || req.Exchange.ExchangeOrderID == "" {
		return
	}
	if req.Exchange.PaidAmount() == 0 || req.Exchange.Outstanding() > 0 {
		return
	}
	if err := s.exchangeOrders.ConfirmExchangeOrder(ctx, req.Exchange.ExchangeOrderID, ""); err != nil {
		s.logger(ctx, returnEventOrderConfirmFail, map[string]any{
			"requestId":       req.ID,
			"exchangeOrderId": req.Exchange.ExchangeOrderID,
			"error":           err.Error(),
		})
	}
}

func (s *returnRequestService) AmendNotes(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error) {
	if err := requireStaff(cmd.Actor); err != nil {
		return ReturnRequest{}, err
	}
	requestID := strings.TrimSpace(cmd.RequestID)
	if requestID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: request id is required", ErrReturnInvalidRequest)
	}
	if cmd.AdminNotes == nil {
		return ReturnRequest{}, fmt.Errorf("%w: notes are required", ErrReturnInvalidRequest)
	}
	notes := textutil.SanitizePlainText(*cmd.AdminNotes, maxReturnNotesRunes)

	updated, err := s.requests.UpdateIf(ctx, requestID, "", func(req *ReturnRequest) error {
		req.AdminNotes = notes
		req.UpdatedAt = s.clock()
		return nil
	})
	if err != nil {
		return ReturnRequest{}, mapReturnRepositoryError(err)
	}
	return updated, nil
}

// StartExchangePayment opens a checkout for the unpaid part of an exchange's price difference.
// An APPROVED exchange is repriced first and the fresh figures are stored with the session. A
// COMPLETED exchange charges what is left of the difference settled at completion.
func (s *returnRequestService) StartExchangePayment(ctx context.Context, cmd ExchangePaymentCommand) (ExchangePaymentSession, error) {
	if s.payments == nil {
		return ExchangePaymentSession{}, fmt.Errorf("%w: payments are not configured", ErrReturnDependency)
	}
	req, err := s.Get(ctx, cmd.RequestID, cmd.Actor)
	if err != nil {
		return ExchangePaymentSession{}, err
	}
	if req.UserID != cmd.Actor.ID {
		return ExchangePaymentSession{}, fmt.Errorf("%w: only the requesting customer can pay", ErrReturnForbidden)
	}
	if req.Type != domain.ReturnTypeExchange || req.Exchange == nil {
		return ExchangePaymentSession{}, fmt.Errorf("%w: request is not an exchange", ErrReturnInvalidRequest)
	}

	targetPrice, diff := req.Exchange.TargetUnitPrice, req.Exchange.AdditionalCost
	switch req.Status {
	case domain.ReturnStatusApproved:
		if len(req.Items) == 0 {
			return ExchangePaymentSession{}, s.invariantViolated(ctx, fmt.Errorf("%w: exchange %s has no items", ErrReturnInvariant, req.ID))
		}
		price, err := s.prices.CurrentPrice(ctx, req.Exchange.TargetProductID, req.Exchange.TargetVariantID)
		if err != nil {
			return ExchangePaymentSession{}, mapDependencyError("price lookup", err)
		}
		diff, err = ComputeExchangeDifference(req.Items[0].UnitPrice, req.Items[0].Quantity, price.UnitPrice)
		if err != nil {
			return ExchangePaymentSession{}, err
		}
		targetPrice = price.UnitPrice
	case domain.ReturnStatusCompleted:
	default:
		return ExchangePaymentSession{}, fmt.Errorf("%w: exchange must be approved before payment, status is %s", ErrReturnInvalidState, req.Status)
	}
	paid := req.Exchange.PaidAmount()
	amount := diff - paid
	if amount <= 0 {
		return ExchangePaymentSession{}, fmt.Errorf("%w: nothing to pay for this exchange", ErrReturnInvalidRequest)
	}

	session, err := s.payments.CreateCheckoutSession(ctx, payments.PaymentContext{
		Currency: req.Currency,
	}, payments.CheckoutSessionRequest{
		Amount:     amount,
		Currency:   req.Currency,
		CustomerID: req.UserID,
		SuccessURL: cmd.SuccessURL,
		CancelURL:  cmd.CancelURL,
		// a repriced or partly paid exchange needs a new session, not a replay of the old one
		IdempotencyKey: fmt.Sprintf("exchange:%s:%d:%d", req.ID, paid, amount),
		Metadata: map[string]string{
			payments.MetadataReturnRequestID: req.ID,
			payments.MetadataOrderID:         req.OrderID,
			payments.MetadataUserID:          req.UserID,
		},
		Items: []payments.CheckoutLineItem{{
			Name:     "Exchange price difference",
			SKU:      req.Exchange.TargetProductID,
			Quantity: 1,
			Amount:   amount,
			Currency: req.Currency,
		}},
	})
	if err != nil {
		return ExchangePaymentSession{}, fmt.Errorf("%w: create checkout session: %v", ErrReturnDependency, err)
	}

	_, err = s.requests.UpdateIf(ctx, req.ID, req.Status, func(stored *ReturnRequest) error {
		if stored.Exchange == nil {
			return fmt.Errorf("%w: exchange %s has no exchange detail", ErrReturnInvariant, stored.ID)
		}
		if stored.Exchange.PaidAmount() != paid {
			return fmt.Errorf("%w: a payment for %s landed while the checkout was opened", ErrReturnConflict, stored.ID)
		}
		if stored.Status == domain.ReturnStatusApproved {
			stored.Exchange.TargetUnitPrice = targetPrice
			stored.Exchange.AdditionalCost = diff
		}
		stored.Exchange.CheckoutSessionID = session.ID
		stored.Exchange.CheckoutAmount = amount
		stored.UpdatedAt = s.clock()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrReturnConflict) || errors.Is(err, ErrReturnInvariant) {
			return ExchangePaymentSession{}, err
		}
		return ExchangePaymentSession{}, mapReturnRepositoryError(err)
	}

	s.logger(ctx, returnEventCheckoutOpened, map[string]any{
		"requestId": req.ID,
		"sessionId": session.ID,
		"amount":    amount,
		"paid":      paid,
	})
	return ExchangePaymentSession{
		SessionID:   session.ID,
		RedirectURL: session.RedirectURL,
		Amount:      amount,
		Currency:    req.Currency,
	}, nil
}

var errPaymentAlreadyRecorded = errors.New("exchange payment already recorded")

// RecordExchangePayment books a successful price-difference payment against its exchange. It is
// idempotent per payment intent. Once nothing is outstanding the replacement order, if it exists,
// is confirmed.
func (s *returnRequestService) RecordExchangePayment(ctx context.Context, cmd ExchangePaymentReceipt) (bool, error) {
	requestID := strings.TrimSpace(cmd.RequestID)
	intentID := strings.TrimSpace(cmd.PaymentIntentID)
	switch {
	case requestID == "":
		return false, fmt.Errorf("%w: request id is required", ErrReturnInvalidRequest)
	case intentID == "":
		return false, fmt.Errorf("%w: payment intent id is required", ErrReturnInvalidRequest)
	case cmd.Amount <= 0:
		return false, fmt.Errorf("%w: payment amount must be positive", ErrReturnInvalidRequest)
	}

	req, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		return false, mapReturnRepositoryError(err)
	}
	if req.Type != domain.ReturnTypeExchange || req.Exchange == nil {
		return false, fmt.Errorf("%w: request %s is not an exchange", ErrReturnInvalidRequest, requestID)
	}
	if cmd.UserID != "" && cmd.UserID != req.UserID {
		return false, fmt.Errorf("%w: payment for %s belongs to another customer", ErrReturnInvalidRequest, requestID)
	}
	if cmd.Currency != "" && !strings.EqualFold(cmd.Currency, req.Currency) {
		return false, fmt.Errorf("%w: payment currency %s does not match %s", ErrReturnInvalidRequest, cmd.Currency, req.Currency)
	}

	now := s.clock()
	var applied bool
	updated, err := s.requests.UpdateIf(ctx, requestID, "", func(stored *ReturnRequest) error {
		if stored.Exchange == nil {
			return fmt.Errorf("%w: exchange %s has no exchange detail", ErrReturnInvariant, stored.ID)
		}
		sessionPaid := cmd.CheckoutSessionID != "" && cmd.CheckoutSessionID == stored.Exchange.CheckoutSessionID
		applied = !stored.Exchange.HasPayment(intentID)
		if !applied {
			if !sessionPaid {
				return errPaymentAlreadyRecorded
			}
		} else {
			stored.Exchange.Payments = append(stored.Exchange.Payments, domain.ExchangePayment{
				PaymentIntentID:   intentID,
				CheckoutSessionID: cmd.CheckoutSessionID,
				Amount:            cmd.Amount,
				PaidAt:            now,
			})
		}
		if sessionPaid {
			stored.Exchange.CheckoutSessionID = ""
			stored.Exchange.CheckoutAmount = 0
		}
		stored.UpdatedAt = now
		return nil
	})
	switch {
	case errors.Is(err, errPaymentAlreadyRecorded):
		updated = req
	case err != nil:
		if errors.Is(err, ErrReturnInvariant) {
			return false, err
		}
		return false, mapReturnRepositoryError(err)
	}

	if orderID := updated.Exchange.ExchangeOrderID; orderID != "" && updated.Exchange.Outstanding() <= 0 {
		if err := s.exchangeOrders.ConfirmExchangeOrder(ctx, orderID, intentID); err != nil {
			return applied, fmt.Errorf("%w: confirm exchange order %s: %v", ErrReturnDependency, orderID, err)
		}
	}
	s.logger(ctx, returnEventPaymentRecorded, map[string]any{
		"requestId":     requestID,
		"paymentIntent": intentID,
		"amount":        cmd.Amount,
		"applied":       applied,
		"outstanding":   updated.Exchange.Outstanding(),
		"status":        string(updated.Status),
	})
	return applied, nil
}

func (s *returnRequestService) Get(ctx context.Context, requestID string, actor Actor) (ReturnRequest, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: request id is required", ErrReturnInvalidRequest)
	}
	req, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		return ReturnRequest{}, mapReturnRepositoryError(err)
	}
	if !actor.IsStaff() && req.UserID != actor.ID {
		return ReturnRequest{}, fmt.Errorf("%w: request %s", ErrReturnNotFound, requestID)
	}
	return req, nil
}

func (s *returnRequestService) List(ctx context.Context, filter ReturnListFilter, actor Actor) (domain.CursorPage[ReturnRequest], error) {
	if !actor.IsStaff() {
		if strings.TrimSpace(actor.ID) == "" {
			return domain.CursorPage[ReturnRequest]{}, fmt.Errorf("%w: actor is required", ErrReturnForbidden)
		}
		filter.UserID = actor.ID
	}
	for _, status := range filter.Statuses {
		if _, ok := returnStateTransitions[status]; !ok && !isTerminalStatus(status) {
			return domain.CursorPage[ReturnRequest]{}, fmt.Errorf("%w: unknown status %q", ErrReturnInvalidRequest, status)
		}
	}
	for _, typ := range filter.Types {
		if typ != domain.ReturnTypeReturn && typ != domain.ReturnTypeExchange {
			return domain.CursorPage[ReturnRequest]{}, fmt.Errorf("%w: unknown type %q", ErrReturnInvalidRequest, typ)
		}
	}
	page, err := s.requests.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[ReturnRequest]{}, mapReturnRepositoryError(err)
	}
	return page, nil
}

func (s *returnRequestService) Stats(ctx context.Context, since *time.Time, actor Actor) (ReturnStats, error) {
	if err := requireStaff(actor); err != nil {
		return ReturnStats{}, err
	}
	stats, err := s.requests.Stats(ctx, repositories.ReturnStatsFilter{Since: since})
	if err != nil {
		return ReturnStats{}, mapReturnRepositoryError(err)
	}
	if stats.GeneratedAt.IsZero() {
		stats.GeneratedAt = s.clock()
	}
	return stats, nil
}

// transition performs a guarded status change as a single compare-and-set on expected.
func (s *returnRequestService) transition(ctx context.Context, cmd ReturnTransitionCommand, expected, target domain.ReturnStatus, mutate func(*ReturnRequest) error) (ReturnRequest, error) {
	if err := requireStaff(cmd.Actor); err != nil {
		return ReturnRequest{}, err
	}
	requestID := strings.TrimSpace(cmd.RequestID)
	if requestID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: request id is required", ErrReturnInvalidRequest)
	}

	now := s.clock()
	updated, err := s.requests.UpdateIf(ctx, requestID, expected, func(req *ReturnRequest) error {
		if err := applyStatusTransition(req, target, now); err != nil {
			return err
		}
		req.ApprovedBy = cmd.Actor.ID
		req.DecidedAt = valuePtr(now)
		if cmd.AdminNotes != nil {
			req.AdminNotes = textutil.SanitizePlainText(*cmd.AdminNotes, maxReturnNotesRunes)
		}
		if mutate != nil {
			return mutate(req)
		}
		return nil
	})
	if err != nil {
		var returnErr *repositories.ReturnError
		if errors.As(err, &returnErr) && returnErr.Code == repositories.ReturnErrorStatusMismatch {
			return ReturnRequest{}, invalidTransition(returnErr.Current, target)
		}
		if errors.Is(err, ErrReturnInvalidState) {
			return ReturnRequest{}, err
		}
		return ReturnRequest{}, mapReturnRepositoryError(err)
	}
	return updated, nil
}

func (s *returnRequestService) loadEligibleOrder(ctx context.Context, orderID string, actor Actor) (OrderSnapshot, error) {
	if orderID == "" {
		return OrderSnapshot{}, fmt.Errorf("%w: order id is required", ErrReturnInvalidRequest)
	}
	if strings.TrimSpace(actor.ID) == "" {
		return OrderSnapshot{}, fmt.Errorf("%w: actor is required", ErrReturnForbidden)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return OrderSnapshot{}, mapDependencyError("order lookup", err)
	}
	if order.UserID != actor.ID {
		return OrderSnapshot{}, fmt.Errorf("%w: order %s does not belong to the caller", ErrReturnForbidden, orderID)
	}
	if !slices.Contains(paidPaymentStatuses, strings.ToLower(order.PaymentStatus)) {
		return OrderSnapshot{}, fmt.Errorf("%w: order %s is not paid", ErrReturnInvalidRequest, orderID)
	}
	delivered := strings.EqualFold(order.DeliveryStatus, "delivered")
	if !delivered && !slices.Contains(returnableOrderStatuses, strings.ToLower(order.Status)) {
		return OrderSnapshot{}, fmt.Errorf("%w: order %s has not been delivered", ErrReturnInvalidRequest, orderID)
	}

	since := order.CreatedAt
	if order.DeliveredAt != nil {
		since = *order.DeliveredAt
	}
	if !since.IsZero() && s.clock().After(since.Add(s.policy.Window)) {
		return OrderSnapshot{}, fmt.Errorf("%w: return window of %s has closed", ErrReturnInvalidRequest, s.policy.Window)
	}
	return order, nil
}

func (s *returnRequestService) outlineReturn(order OrderSnapshot, reason domain.ReturnReason, items []ReturnItem) (domain.ReturnDetail, error) {
	fee := order.ShippingFee
	if fee <= 0 {
		fee = s.policy.BaseShippingFee
	}
	breakdown, err := s.allocator.Allocate(reason, fee)
	if err != nil {
		return domain.ReturnDetail{}, err
	}
	if !breakdown.Balanced() {
		return domain.ReturnDetail{}, fmt.Errorf("%w: shipping split %d+%d != %d", ErrReturnInvariant, breakdown.CustomerShippingFee, breakdown.ShopShippingFee, breakdown.ReturnShippingFee)
	}
	return domain.ReturnDetail{
		ShippingBreakdown: breakdown,
		RefundAmount:      FinalizeReturnRefund(items, breakdown),
		RestoreInventory:  ShouldRestoreInventory(reason),
	}, nil
}

func (s *returnRequestService) outlineExchange(ctx context.Context, item ReturnItem, productID, variantID string) (domain.ExchangeDetail, error) {
	price, err := s.prices.CurrentPrice(ctx, productID, variantID)
	if err != nil {
		return domain.ExchangeDetail{}, mapDependencyError("price lookup", err)
	}
	diff, err := ComputeExchangeDifference(item.UnitPrice, item.Quantity, price.UnitPrice)
	if err != nil {
		return domain.ExchangeDetail{}, err
	}
	return domain.ExchangeDetail{
		TargetProductID: productID,
		TargetVariantID: variantID,
		TargetUnitPrice: price.UnitPrice,
		AdditionalCost:  diff,
	}, nil
}

func (s *returnRequestService) publishSettlement(ctx context.Context, event SettlementEvent) {
	if s.settlements == nil {
		return
	}
	if err := s.settlements.PublishSettlement(ctx, event); err != nil {
		s.logger(ctx, "returns.settlement.publish.failed", map[string]any{
			"requestId": event.RequestID,
			"orderId":   event.OrderID,
			"error":     err.Error(),
		})
	}
}

func (s *returnRequestService) invariantViolated(ctx context.Context, err error) error {
	s.logger(ctx, "returns.invariant.violated", map[string]any{
		"error": err.Error(),
	})
	if s.policy.StrictInvariants {
		panic(err)
	}
	return err
}

func (s *returnRequestService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func validateCreateCommand(cmd CreateReturnCommand) error {
	switch cmd.Type {
	case domain.ReturnTypeReturn:
		if strings.TrimSpace(cmd.TargetProductID) != "" {
			return fmt.Errorf("%w: returns cannot name an exchange target", ErrReturnInvalidRequest)
		}
	case domain.ReturnTypeExchange:
		if strings.TrimSpace(cmd.TargetProductID) == "" {
			return fmt.Errorf("%w: exchange target product is required", ErrReturnInvalidRequest)
		}
		if len(cmd.Items) != 1 {
			return fmt.Errorf("%w: an exchange covers exactly one order line", ErrReturnInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unsupported request type %q", ErrReturnInvalidRequest, cmd.Type)
	}
	if strings.TrimSpace(string(cmd.Reason)) == "" {
		return fmt.Errorf("%w: reason is required", ErrReturnInvalidRequest)
	}
	if !IsKnownReturnReason(cmd.Reason) {
		return fmt.Errorf("%w: unsupported return reason %q", ErrReturnInvalidRequest, cmd.Reason)
	}
	if len(cmd.Images) > maxEvidenceImages {
		return fmt.Errorf("%w: at most %d images are allowed", ErrReturnInvalidRequest, maxEvidenceImages)
	}
	return validateItemInputs(cmd.Items)
}

func validateItemInputs(items []ReturnItemInput) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrReturnInvalidRequest)
	}
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		lineID := strings.TrimSpace(item.LineID)
		if lineID == "" {
			return fmt.Errorf("%w: items[%d].lineId is required", ErrReturnInvalidRequest, i)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("%w: items[%d].quantity must be at least 1", ErrReturnInvalidRequest, i)
		}
		if _, dup := seen[lineID]; dup {
			return fmt.Errorf("%w: order line %s listed twice", ErrReturnInvalidRequest, lineID)
		}
		seen[lineID] = struct{}{}
	}
	return nil
}

// buildReturnItems snapshots the referenced order lines. Prices always come from the order.
func buildReturnItems(order OrderSnapshot, inputs []ReturnItemInput) ([]ReturnItem, error) {
	items := make([]ReturnItem, 0, len(inputs))
	for _, input := range inputs {
		lineID := strings.TrimSpace(input.LineID)
		line, ok := order.Line(lineID)
		if !ok {
			return nil, fmt.Errorf("%w: order line %s not found on order %s", ErrReturnInvalidRequest, lineID, order.ID)
		}
		if input.Quantity > line.Quantity {
			return nil, fmt.Errorf("%w: quantity %d exceeds purchased %d for line %s", ErrReturnInvalidRequest, input.Quantity, line.Quantity, lineID)
		}
		items = append(items, ReturnItem{
			LineID:    line.LineID,
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Quantity:  input.Quantity,
			UnitPrice: line.UnitPrice,
			Reason:    textutil.SanitizePlainText(input.Reason, 500),
		})
	}
	return items, nil
}

// checkRemainingQuantities mirrors the transactional check for advisory reads such as quotes.
func checkRemainingQuantities(order OrderSnapshot, existing []ReturnRequest, items []ReturnItem) error {
	used := make(map[string]int)
	for _, req := range existing {
		if req.Status == domain.ReturnStatusRejected {
			continue
		}
		for line, qty := range req.QuantityByLine() {
			used[line] += qty
		}
	}
	for _, item := range items {
		line, _ := order.Line(item.LineID)
		remaining := line.Quantity - used[item.LineID]
		if item.Quantity > remaining {
			return fmt.Errorf("%w: quantity %d exceeds remaining %d for line %s", ErrReturnInvalidRequest, item.Quantity, remaining, item.LineID)
		}
	}
	return nil
}

func normalizeImages(images []string) []string {
	if len(images) == 0 {
		return nil
	}
	out := make([]string, 0, len(images))
	for _, img := range images {
		if trimmed := strings.TrimSpace(img); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func applyStatusTransition(req *ReturnRequest, target domain.ReturnStatus, now time.Time) error {
	if !canTransition(req.Status, target) {
		return invalidTransition(req.Status, target)
	}
	req.Status = target
	req.UpdatedAt = now
	return nil
}

func canTransition(current, target domain.ReturnStatus) bool {
	return slices.Contains(returnStateTransitions[current], target)
}

func invalidTransition(current, target domain.ReturnStatus) error {
	return fmt.Errorf("%w: %s → %s", ErrReturnInvalidState, current, target)
}

func isTerminalStatus(status domain.ReturnStatus) bool {
	return status == domain.ReturnStatusRejected || status == domain.ReturnStatusCompleted
}

func requireStaff(actor Actor) error {
	if !actor.IsStaff() {
		return fmt.Errorf("%w: staff or admin role required", ErrReturnForbidden)
	}
	return nil
}

func exchangeOrderID(req ReturnRequest) string {
	if req.Exchange == nil {
		return ""
	}
	return req.Exchange.ExchangeOrderID
}

func orderLockKey(orderID string) string {
	return "returns:order:" + orderID
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type noopLocker struct{}

func (noopLocker) Acquire(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
