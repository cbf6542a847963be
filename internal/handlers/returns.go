package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/returns/internal/domain"
	"github.com/hanko-field/returns/internal/platform/auth"
	"github.com/hanko-field/returns/internal/platform/httpx"
	"github.com/hanko-field/returns/internal/platform/pagination"
	"github.com/hanko-field/returns/internal/repositories"
	"github.com/hanko-field/returns/internal/services"
)

const (
	maxReturnBodySize    = 32 * 1024
	maxReturnItems       = 50
	maxEvidenceImages    = 10
	defaultUploadsPerMin = 20
)

// ReturnHandlers exposes the customer (/me/returns) and back-office (/admin/returns) endpoints.
type ReturnHandlers struct {
	authn       *auth.Authenticator
	returns     services.ReturnRequestService
	evidence    services.EvidenceService
	idempotency func(http.Handler) http.Handler
	uploads     rateLimiter
	clock       func() time.Time
}

// ReturnHandlersOption customises ReturnHandlers.
type ReturnHandlersOption func(*ReturnHandlers)

// WithReturnIdempotency guards create and pay-difference with the supplied middleware.
func WithReturnIdempotency(mw func(http.Handler) http.Handler) ReturnHandlersOption {
	return func(h *ReturnHandlers) {
		h.idempotency = mw
	}
}

// WithEvidenceService enables the evidence upload URL endpoint.
func WithEvidenceService(svc services.EvidenceService) ReturnHandlersOption {
	return func(h *ReturnHandlers) {
		h.evidence = svc
	}
}

// WithUploadRateLimit caps signed URL issuance per user per window.
func WithUploadRateLimit(limit int, window time.Duration) ReturnHandlersOption {
	return func(h *ReturnHandlers) {
		h.uploads = newKeyedRateLimiter(limit, window, func() time.Time { return h.clock() })
	}
}

func WithReturnClock(clock func() time.Time) ReturnHandlersOption {
	return func(h *ReturnHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewReturnHandlers constructs the return request HTTP handlers.
func NewReturnHandlers(authn *auth.Authenticator, returns services.ReturnRequestService, opts ...ReturnHandlersOption) *ReturnHandlers {
	h := &ReturnHandlers{
		authn:   authn,
		returns: returns,
		clock:   time.Now,
	}
	h.uploads = newKeyedRateLimiter(defaultUploadsPerMin, time.Minute, func() time.Time { return h.clock() })
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// CustomerRoutes registers the /me/returns endpoints.
func (h *ReturnHandlers) CustomerRoutes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	guarded := r
	if h.idempotency != nil {
		guarded = r.With(h.idempotency)
	}
	guarded.Post("/returns", h.createReturn)
	r.Post("/returns:quote", h.quoteReturn)
	r.Get("/returns", h.listMyReturns)
	r.Post("/returns/evidence-upload-url", h.issueEvidenceUploadURL)
	r.Get("/returns/{requestID}", h.getReturn)
	guarded.Post("/returns/{requestID}:pay-difference", h.payDifference)
}

// AdminRoutes registers the /admin/returns endpoints. Only staff and admins may call them.
func (h *ReturnHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/returns", h.listAllReturns)
	r.Get("/returns/stats", h.returnStats)
	r.Get("/returns/{requestID}", h.getReturn)
	r.Post("/returns/{requestID}:approve", h.transition(h.returns.Approve))
	r.Post("/returns/{requestID}:reject", h.transition(h.returns.Reject))
	r.Post("/returns/{requestID}:complete", h.transition(h.returns.Complete))
	r.Put("/returns/{requestID}/notes", h.amendNotes)
}

type returnItemRequest struct {
	LineID   string `json:"lineId"`
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason,omitempty"`
}

type createReturnRequest struct {
	OrderID         string              `json:"orderId"`
	Type            string              `json:"type"`
	Reason          string              `json:"reason"`
	Items           []returnItemRequest `json:"items"`
	Description     string              `json:"description"`
	Images          []string            `json:"images"`
	TargetProductID string              `json:"targetProductId"`
	TargetVariantID string              `json:"targetVariantId"`
}

type quoteReturnRequest struct {
	OrderID string              `json:"orderId"`
	Reason  string              `json:"reason"`
	Items   []returnItemRequest `json:"items"`
}

type transitionRequest struct {
	AdminNotes *string `json:"adminNotes"`
}

type payDifferenceRequest struct {
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

type evidenceUploadRequest struct {
	OrderID     string `json:"orderId"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

func (h *ReturnHandlers) createReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	var body createReturnRequest
	if !decodeReturnBody(ctx, w, r, &body) {
		return
	}
	if len(body.Items) > maxReturnItems {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "too many items", http.StatusBadRequest))
		return
	}
	if len(body.Images) > maxEvidenceImages {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "too many images", http.StatusBadRequest))
		return
	}

	created, err := h.returns.Create(ctx, services.CreateReturnCommand{
		OrderID:         strings.TrimSpace(body.OrderID),
		Actor:           actor,
		Type:            domain.ReturnType(strings.ToUpper(strings.TrimSpace(body.Type))),
		Reason:          domain.ReturnReason(strings.ToUpper(strings.TrimSpace(body.Reason))),
		Items:           itemInputs(body.Items),
		Description:     body.Description,
		Images:          body.Images,
		TargetProductID: strings.TrimSpace(body.TargetProductID),
		TargetVariantID: strings.TrimSpace(body.TargetVariantID),
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/me/returns/"+created.ID)
	writeJSONResponse(w, http.StatusCreated, returnResponse{Return: buildReturnPayload(created)})
}

func (h *ReturnHandlers) quoteReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	var body quoteReturnRequest
	if !decodeReturnBody(ctx, w, r, &body) {
		return
	}
	quote, err := h.returns.Quote(ctx, services.QuoteReturnCommand{
		OrderID: strings.TrimSpace(body.OrderID),
		Actor:   actor,
		Reason:  domain.ReturnReason(strings.ToUpper(strings.TrimSpace(body.Reason))),
		Items:   itemInputs(body.Items),
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, quotePayload{
		Breakdown:        buildBreakdownPayload(quote.Breakdown),
		ItemsTotal:       quote.ItemsTotal,
		EstimatedRefund:  quote.EstimatedRefund,
		RestoreInventory: quote.RestoreInventory,
		Currency:         quote.Currency,
	})
}

func (h *ReturnHandlers) listMyReturns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	filter, ok := parseReturnListFilter(ctx, w, r)
	if !ok {
		return
	}
	filter.UserID = actor.ID
	h.writeList(ctx, w, filter, actor)
}

func (h *ReturnHandlers) listAllReturns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	filter, ok := parseReturnListFilter(ctx, w, r)
	if !ok {
		return
	}
	filter.UserID = strings.TrimSpace(r.URL.Query().Get("userId"))
	h.writeList(ctx, w, filter, actor)
}

func (h *ReturnHandlers) writeList(ctx context.Context, w http.ResponseWriter, filter services.ReturnListFilter, actor services.Actor) {
	page, err := h.returns.List(ctx, filter, actor)
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	items := make([]returnPayload, 0, len(page.Items))
	for _, req := range page.Items {
		items = append(items, buildReturnPayload(req))
	}
	writeJSONResponse(w, http.StatusOK, returnListResponse{Items: items, NextPageToken: page.NextPageToken})
}

func (h *ReturnHandlers) getReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	requestID, ok := requestIDParam(ctx, w, r)
	if !ok {
		return
	}
	req, err := h.returns.Get(ctx, requestID, actor)
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(req)})
}

func (h *ReturnHandlers) returnStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	var since *time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "since must be an RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		ts = ts.UTC()
		since = &ts
	}
	stats, err := h.returns.Stats(ctx, since, actor)
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	byStatus := make(map[string]int, len(stats.ByStatus))
	for status, count := range stats.ByStatus {
		byStatus[string(status)] = count
	}
	byType := make(map[string]int, len(stats.ByType))
	for typ, count := range stats.ByType {
		byType[string(typ)] = count
	}
	writeJSONResponse(w, http.StatusOK, statsPayload{
		Total:                 stats.Total,
		ByStatus:              byStatus,
		ByType:                byType,
		TotalRefund:           stats.TotalRefund,
		TotalAdditionalCharge: stats.TotalAdditionalCharge,
		GeneratedAt:           formatTime(stats.GeneratedAt),
	})
}

type transitionFunc func(ctx context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error)

func (h *ReturnHandlers) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actor, ok := requireActor(ctx, w)
		if !ok {
			return
		}
		requestID, ok := requestIDParam(ctx, w, r)
		if !ok {
			return
		}
		var body transitionRequest
		if !decodeOptionalBody(ctx, w, r, &body) {
			return
		}
		updated, err := fn(ctx, services.ReturnTransitionCommand{
			RequestID:  requestID,
			Actor:      actor,
			AdminNotes: body.AdminNotes,
		})
		if err != nil {
			writeReturnError(ctx, w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(updated)})
	}
}

func (h *ReturnHandlers) amendNotes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	requestID, ok := requestIDParam(ctx, w, r)
	if !ok {
		return
	}
	var body transitionRequest
	if !decodeReturnBody(ctx, w, r, &body) {
		return
	}
	if body.AdminNotes == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "adminNotes is required", http.StatusBadRequest))
		return
	}
	updated, err := h.returns.AmendNotes(ctx, services.ReturnTransitionCommand{
		RequestID:  requestID,
		Actor:      actor,
		AdminNotes: body.AdminNotes,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(updated)})
}

func (h *ReturnHandlers) payDifference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	requestID, ok := requestIDParam(ctx, w, r)
	if !ok {
		return
	}
	var body payDifferenceRequest
	if !decodeReturnBody(ctx, w, r, &body) {
		return
	}
	if !isAbsoluteURL(body.SuccessURL) || !isAbsoluteURL(body.CancelURL) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "successUrl and cancelUrl must be absolute https URLs", http.StatusBadRequest))
		return
	}
	session, err := h.returns.StartExchangePayment(ctx, services.ExchangePaymentCommand{
		RequestID:  requestID,
		Actor:      actor,
		SuccessURL: body.SuccessURL,
		CancelURL:  body.CancelURL,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, paymentSessionPayload{
		SessionID:   session.SessionID,
		RedirectURL: session.RedirectURL,
		Amount:      session.Amount,
		Currency:    session.Currency,
	})
}

func (h *ReturnHandlers) issueEvidenceUploadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.evidence == nil {
		httpx.WriteError(ctx, w, httpx.NewError("evidence_unavailable", "evidence uploads are not configured", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	if h.uploads != nil && !h.uploads.Allow(actor.ID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many upload requests", http.StatusTooManyRequests))
		return
	}
	var body evidenceUploadRequest
	if !decodeReturnBody(ctx, w, r, &body) {
		return
	}
	resp, err := h.evidence.IssueUploadURL(ctx, services.EvidenceUploadCommand{
		Actor:       actor,
		OrderID:     strings.TrimSpace(body.OrderID),
		FileName:    body.FileName,
		ContentType: strings.TrimSpace(body.ContentType),
		Size:        body.Size,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, uploadURLPayload{
		ObjectPath: resp.ObjectPath,
		URL:        resp.URL,
		Method:     resp.Method,
		Headers:    resp.Headers,
		ExpiresAt:  formatTime(resp.ExpiresAt),
	})
}

func requireActor(ctx context.Context, w http.ResponseWriter) (services.Actor, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Actor{}, false
	}
	return services.Actor{ID: strings.TrimSpace(identity.UID), Roles: identity.Roles}, true
}

func requestIDParam(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	requestID := strings.TrimSpace(chi.URLParam(r, "requestID"))
	if requestID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "return request id is required", http.StatusBadRequest))
		return "", false
	}
	return requestID, true
}

func decodeReturnBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	data, err := readLimitedBody(r, maxReturnBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_json", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body for endpoints whose payload is optional.
func decodeOptionalBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	data, err := readLimitedBody(r, maxReturnBodySize)
	if errors.Is(err, errEmptyBody) {
		return true
	}
	if err != nil {
		writeBodyError(ctx, w, err)
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_json", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
	}
}

func parseReturnListFilter(ctx context.Context, w http.ResponseWriter, r *http.Request) (services.ReturnListFilter, bool) {
	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return services.ReturnListFilter{}, false
	}
	query := r.URL.Query()
	filter := services.ReturnListFilter{
		OrderID:    strings.TrimSpace(query.Get("orderId")),
		Pagination: params.Pagination(),
	}
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.ReturnStatus(strings.ToUpper(raw))
		switch status {
		case domain.ReturnStatusPending, domain.ReturnStatusApproved, domain.ReturnStatusRejected, domain.ReturnStatusCompleted:
			filter.Statuses = append(filter.Statuses, status)
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown status "+raw, http.StatusBadRequest))
			return services.ReturnListFilter{}, false
		}
	}
	for _, raw := range parseFilterValues(query["type"]) {
		typ := domain.ReturnType(strings.ToUpper(raw))
		if typ != domain.ReturnTypeReturn && typ != domain.ReturnTypeExchange {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown type "+raw, http.StatusBadRequest))
			return services.ReturnListFilter{}, false
		}
		filter.Types = append(filter.Types, typ)
	}
	return filter, true
}

func itemInputs(items []returnItemRequest) []services.ReturnItemInput {
	out := make([]services.ReturnItemInput, 0, len(items))
	for _, item := range items {
		out = append(out, services.ReturnItemInput{
			LineID:   strings.TrimSpace(item.LineID),
			Quantity: item.Quantity,
			Reason:   item.Reason,
		})
	}
	return out
}

func isAbsoluteURL(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return false
	}
	return parsed.Scheme == "https" || (parsed.Scheme == "http" && parsed.Hostname() == "localhost")
}

var returnErrors = httpx.NewErrorMapper(
	httpx.NewError("internal_error", "failed to process return request", http.StatusInternalServerError),
	httpx.ErrorRule{Target: services.ErrReturnInvalidRequest, Code: "invalid_request", Status: http.StatusBadRequest},
	httpx.ErrorRule{Target: services.ErrVoucherInvalidInput, Code: "invalid_request", Status: http.StatusBadRequest},
	httpx.ErrorRule{Target: services.ErrReturnForbidden, Code: "forbidden", Message: "operation not permitted", Status: http.StatusForbidden},
	httpx.ErrorRule{Target: services.ErrReturnNotFound, Code: "not_found", Message: "resource not found", Status: http.StatusNotFound},
	httpx.ErrorRule{Target: services.ErrVoucherNotFound, Code: "not_found", Message: "resource not found", Status: http.StatusNotFound},
	httpx.ErrorRule{Target: services.ErrReturnInvalidState, Code: "invalid_state", Status: http.StatusConflict},
	httpx.ErrorRule{Target: services.ErrReturnConflict, Code: "conflict", Status: http.StatusConflict},
	httpx.ErrorRule{Target: services.ErrVoucherConflict, Code: "conflict", Status: http.StatusConflict},
	httpx.ErrorRule{Target: services.ErrReturnDependency, Code: "dependency_failure", Message: "a downstream dependency failed; retry later", Status: http.StatusBadGateway},
	httpx.ErrorRule{Target: services.ErrReturnInvariant, Code: "internal_error", Message: "internal invariant violated", Status: http.StatusInternalServerError},
	httpx.ErrorRule{Match: repositoryUnavailable, Code: "service_unavailable", Message: "storage unavailable", Status: http.StatusServiceUnavailable},
)

func repositoryUnavailable(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// writeReturnError translates service errors into the JSON error envelope.
func writeReturnError(ctx context.Context, w http.ResponseWriter, err error) {
	returnErrors.Write(ctx, w, err)
}
