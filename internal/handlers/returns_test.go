package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/returns/internal/domain"
	"github.com/hanko-field/returns/internal/platform/auth"
	"github.com/hanko-field/returns/internal/platform/pagination"
	"github.com/hanko-field/returns/internal/repositories"
	"github.com/hanko-field/returns/internal/services"
)

type stubReturnService struct {
	createFn   func(context.Context, services.CreateReturnCommand) (services.ReturnRequest, error)
	quoteFn    func(context.Context, services.QuoteReturnCommand) (services.ReturnQuote, error)
	approveFn  func(context.Context, services.ReturnTransitionCommand) (services.ReturnRequest, error)
	rejectFn   func(context.Context, services.ReturnTransitionCommand) (services.ReturnRequest, error)
	completeFn func(context.Context, services.ReturnTransitionCommand) (services.ReturnRequest, error)
	notesFn    func(context.Context, services.ReturnTransitionCommand) (services.ReturnRequest, error)
	payFn      func(context.Context, services.ExchangePaymentCommand) (services.ExchangePaymentSession, error)
	paidFn     func(context.Context, services.ExchangePaymentReceipt) (bool, error)
	getFn      func(context.Context, string, services.Actor) (services.ReturnRequest, error)
	listFn     func(context.Context, services.ReturnListFilter, services.Actor) (domain.CursorPage[services.ReturnRequest], error)
	statsFn    func(context.Context, *time.Time, services.Actor) (services.ReturnStats, error)
}

func (s *stubReturnService) Create(ctx context.Context, cmd services.CreateReturnCommand) (services.ReturnRequest, error) {
	if s.createFn == nil {
		return services.ReturnRequest{}, errors.New("unexpected Create")
	}
	return s.createFn(ctx, cmd)
}

func (s *stubReturnService) Quote(ctx context.Context, cmd services.QuoteReturnCommand) (services.ReturnQuote, error) {
	if s.quoteFn == nil {
		return services.ReturnQuote{}, errors.New("unexpected Quote")
	}
	return s.quoteFn(ctx, cmd)
}

func (s *stubReturnService) Approve(ctx context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error) {
	if s.approveFn == nil {
		return services.ReturnRequest{}, errors.New("unexpected Approve")
	}
	return s.approveFn(ctx, cmd)
}

func (s *stubReturnService) Reject(ctx context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error) {
	if s.rejectFn == nil {
		return services.ReturnRequest{}, errors.New("unexpected Reject")
	}
	return s.rejectFn(ctx, cmd)
}

func (s *stubReturnService) Complete(ctx context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error) {
	if s.completeFn == nil {
		return services.ReturnRequest{}, errors.New("unexpected Complete")
	}
	return s.completeFn(ctx, cmd)
}

func (s *stubReturnService) AmendNotes(ctx context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error) {
	if s.notesFn == nil {
		return services.ReturnRequest{}, errors.New("unexpected AmendNotes")
	}
	return s.notesFn(ctx, cmd)
}

func (s *stubReturnService) StartExchangePayment(ctx context.Context, cmd services.ExchangePaymentCommand) (services.ExchangePaymentSession, error) {
	if s.payFn == nil {
		return services.ExchangePaymentSession{}, errors.New("unexpected StartExchangePayment")
	}
	return s.payFn(ctx, cmd)
}

func (s *stubReturnService) RecordExchangePayment(ctx context.Context, cmd services.ExchangePaymentReceipt) (bool, error) {
	if s.paidFn == nil {
		return false, errors.New("unexpected RecordExchangePayment")
	}
	return s.paidFn(ctx, cmd)
}

func (s *stubReturnService) Get(ctx context.Context, id string, actor services.Actor) (services.ReturnRequest, error) {
	if s.getFn == nil {
		return services.ReturnRequest{}, errors.New("unexpected Get")
	}
	return s.getFn(ctx, id, actor)
}

func (s *stubReturnService) List(ctx context.Context, filter services.ReturnListFilter, actor services.Actor) (domain.CursorPage[services.ReturnRequest], error) {
	if s.listFn == nil {
		return domain.CursorPage[services.ReturnRequest]{}, errors.New("unexpected List")
	}
	return s.listFn(ctx, filter, actor)
}

func (s *stubReturnService) Stats(ctx context.Context, since *time.Time, actor services.Actor) (services.ReturnStats, error) {
	if s.statsFn == nil {
		return services.ReturnStats{}, errors.New("unexpected Stats")
	}
	return s.statsFn(ctx, since, actor)
}

type stubEvidenceService struct {
	issueFn func(context.Context, services.EvidenceUploadCommand) (services.SignedUploadResponse, error)
}

func (s *stubEvidenceService) IssueUploadURL(ctx context.Context, cmd services.EvidenceUploadCommand) (services.SignedUploadResponse, error) {
	return s.issueFn(ctx, cmd)
}

type unavailableRepoError struct{}

func (unavailableRepoError) Error() string       { return "storage unavailable" }
func (unavailableRepoError) IsNotFound() bool    { return false }
func (unavailableRepoError) IsConflict() bool    { return false }
func (unavailableRepoError) IsUnavailable() bool { return true }

var (
	_ repositories.RepositoryError  = unavailableRepoError{}
	_ services.ReturnRequestService = (*stubReturnService)(nil)
	_ services.EvidenceService      = (*stubEvidenceService)(nil)
)

func withIdentity(identity *auth.Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if identity != nil {
				r = r.WithContext(auth.WithIdentity(r.Context(), identity))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newCustomerRouter(h *ReturnHandlers, identity *auth.Identity) chi.Router {
	r := chi.NewRouter()
	r.Use(withIdentity(identity))
	r.Route("/me", h.CustomerRoutes)
	return r
}

func newAdminRouter(h *ReturnHandlers, identity *auth.Identity) chi.Router {
	r := chi.NewRouter()
	r.Use(withIdentity(identity))
	r.Route("/admin", h.AdminRoutes)
	return r
}

func sampleReturnRequest() services.ReturnRequest {
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return services.ReturnRequest{
		ID:       "ret_1",
		OrderID:  "ord_1",
		UserID:   "user-1",
		Type:     domain.ReturnTypeReturn,
		Status:   domain.ReturnStatusPending,
		Reason:   domain.ReturnReasonChangeMind,
		Currency: "VND",
		Items: []services.ReturnItem{
			{LineID: "line-1", ProductID: "prod-1", Quantity: 2, UnitPrice: 100000},
		},
		Return: &domain.ReturnDetail{
			ShippingBreakdown: domain.ShippingBreakdown{
				ReturnShippingFee:    30000,
				CustomerShippingFee:  30000,
				ProcessingFee:        10000,
				CustomerPaysShipping: true,
			},
			RefundAmount:     160000,
			RestoreInventory: true,
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error body: %v (%s)", err, rr.Body.String())
	}
	code, _ := body["error"].(string)
	return code
}

func TestReturnHandlers_CreateReturn(t *testing.T) {
	var captured services.CreateReturnCommand
	svc := &stubReturnService{
		createFn: func(_ context.Context, cmd services.CreateReturnCommand) (services.ReturnRequest, error) {
			captured = cmd
			return sampleReturnRequest(), nil
		},
	}
	router := newCustomerRouter(NewReturnHandlers(nil, svc), &auth.Identity{UID: "user-1", Roles: []string{auth.RoleUser}})

	body := `{"orderId":" ord_1 ","type":"return","reason":"change_mind","items":[{"lineId":"line-1","quantity":2}],"images":["https://cdn.example.com/a.jpg"]}`
	req := httptest.NewRequest(http.MethodPost, "/me/returns", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, "/me/returns/ret_1", rr.Header().Get("Location"))
	require.Equal(t, "ord_1", captured.OrderID)
	require.Equal(t, domain.ReturnTypeReturn, captured.Type)
	require.Equal(t, domain.ReturnReasonChangeMind, captured.Reason)
	require.Equal(t, "user-1", captured.Actor.ID)
	require.Len(t, captured.Items, 1)
	require.Equal(t, 2, captured.Items[0].Quantity)

	var resp struct {
		Return struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Return struct {
				RefundAmount      int64 `json:"refundAmount"`
				ShippingBreakdown struct {
					ProcessingFee int64 `json:"processingFee"`
				} `json:"shippingBreakdown"`
			} `json:"return"`
		} `json:"return"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "ret_1", resp.Return.ID)
	require.Equal(t, "PENDING", resp.Return.Status)
	require.Equal(t, int64(160000), resp.Return.Return.RefundAmount)
	require.Equal(t, int64(10000), resp.Return.Return.ShippingBreakdown.ProcessingFee)
}

func TestReturnHandlers_CreateReturnRequiresIdentity(t *testing.T) {
	router := newCustomerRouter(NewReturnHandlers(nil, &stubReturnService{}), nil)

	req := httptest.NewRequest(http.MethodPost, "/me/returns", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestReturnHandlers_CreateReturnRejectsBadBodies(t *testing.T) {
	router := newCustomerRouter(NewReturnHandlers(nil, &stubReturnService{}), &auth.Identity{UID: "user-1"})

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "empty", body: "", status: http.StatusBadRequest, code: "invalid_request"},
		{name: "malformed", body: "{", status: http.StatusBadRequest, code: "invalid_json"},
		{name: "too many images", body: `{"images":["1","2","3","4","5","6","7","8","9","10","11"]}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "too large", body: `{"description":"` + strings.Repeat("x", maxReturnBodySize) + `"}`, status: http.StatusRequestEntityTooLarge, code: "payload_too_large"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/me/returns", strings.NewReader(tc.body)))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rr.Code, rr.Body.String())
			}
			if code := decodeErrorCode(t, rr); code != tc.code {
				t.Fatalf("expected error %q, got %q", tc.code, code)
			}
		})
	}
}

func TestReturnHandlers_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid request", err: fmt.Errorf("%w: quantity exceeds remaining", services.ErrReturnInvalidRequest), status: http.StatusBadRequest, code: "invalid_request"},
		{name: "forbidden", err: services.ErrReturnForbidden, status: http.StatusForbidden, code: "forbidden"},
		{name: "not found", err: services.ErrReturnNotFound, status: http.StatusNotFound, code: "not_found"},
		{name: "invalid state", err: services.ErrReturnInvalidState, status: http.StatusConflict, code: "invalid_state"},
		{name: "conflict", err: services.ErrReturnConflict, status: http.StatusConflict, code: "conflict"},
		{name: "dependency", err: fmt.Errorf("%w: pricing", services.ErrReturnDependency), status: http.StatusBadGateway, code: "dependency_failure"},
		{name: "invariant", err: services.ErrReturnInvariant, status: http.StatusInternalServerError, code: "internal_error"},
		{name: "storage unavailable", err: unavailableRepoError{}, status: http.StatusServiceUnavailable, code: "service_unavailable"},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubReturnService{
				approveFn: func(context.Context, services.ReturnTransitionCommand) (services.ReturnRequest, error) {
					return services.ReturnRequest{}, tc.err
				},
			}
			router := newAdminRouter(NewReturnHandlers(nil, svc), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}})
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/returns/ret_1:approve", nil))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if code := decodeErrorCode(t, rr); code != tc.code {
				t.Fatalf("expected error %q, got %q", tc.code, code)
			}
		})
	}
}

func TestReturnHandlers_AdminTransitions(t *testing.T) {
	var calls []string
	record := func(name string) func(context.Context, services.ReturnTransitionCommand) (services.ReturnRequest, error) {
		return func(_ context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error) {
			calls = append(calls, name+":"+cmd.RequestID+":"+cmd.Actor.ID)
			if cmd.AdminNotes != nil {
				calls = append(calls, "notes:"+*cmd.AdminNotes)
			}
			req := sampleReturnRequest()
			req.Status = domain.ReturnStatusApproved
			return req, nil
		}
	}
	svc := &stubReturnService{
		approveFn:  record("approve"),
		rejectFn:   record("reject"),
		completeFn: record("complete"),
	}
	router := newAdminRouter(NewReturnHandlers(nil, svc), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}})

	for _, path := range []string{"/admin/returns/ret_1:approve", "/admin/returns/ret_2:reject", "/admin/returns/ret_3:complete"} {
		rr := httptest.NewRecorder()
		var body *strings.Reader
		if strings.HasSuffix(path, ":reject") {
			body = strings.NewReader(`{"adminNotes":"outside policy"}`)
		} else {
			body = strings.NewReader("")
		}
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, body))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	require.Equal(t, []string{
		"approve:ret_1:staff-1",
		"reject:ret_2:staff-1",
		"notes:outside policy",
		"complete:ret_3:staff-1",
	}, calls)
}

func TestReturnHandlers_AmendNotesRequiresField(t *testing.T) {
	called := false
	svc := &stubReturnService{
		notesFn: func(_ context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error) {
			called = true
			require.Equal(t, "checked by warehouse", *cmd.AdminNotes)
			return sampleReturnRequest(), nil
		},
	}
	router := newAdminRouter(NewReturnHandlers(nil, svc), &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/admin/returns/ret_1/notes", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.False(t, called)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/admin/returns/ret_1/notes", strings.NewReader(`{"adminNotes":"checked by warehouse"}`)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.True(t, called)
}

func TestReturnHandlers_ListMyReturnsScopesToCaller(t *testing.T) {
	var captured services.ReturnListFilter
	svc := &stubReturnService{
		listFn: func(_ context.Context, filter services.ReturnListFilter, _ services.Actor) (domain.CursorPage[services.ReturnRequest], error) {
			captured = filter
			return domain.CursorPage[services.ReturnRequest]{
				Items:         []services.ReturnRequest{sampleReturnRequest()},
				NextPageToken: "next",
			}, nil
		},
	}
	router := newCustomerRouter(NewReturnHandlers(nil, svc), &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/me/returns?status=pending,approved&type=exchange&pageSize=10&userId=someone-else", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	require.Equal(t, "user-1", captured.UserID)
	require.Equal(t, []domain.ReturnStatus{domain.ReturnStatusPending, domain.ReturnStatusApproved}, captured.Statuses)
	require.Equal(t, []domain.ReturnType{domain.ReturnTypeExchange}, captured.Types)
	require.Equal(t, 10, captured.Pagination.PageSize)

	var resp struct {
		Items         []map[string]any `json:"items"`
		NextPageToken string           `json:"nextPageToken"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, "next", resp.NextPageToken)
}

func TestReturnHandlers_ListRejectsForeignPageToken(t *testing.T) {
	token, err := pagination.EncodeToken(pagination.Cursor{
		CreatedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		ID:        "ret_9",
		Scope:     "status=COMPLETED",
	})
	require.NoError(t, err)

	var captured string
	svc := &stubReturnService{
		listFn: func(_ context.Context, filter services.ReturnListFilter, _ services.Actor) (domain.CursorPage[services.ReturnRequest], error) {
			captured = filter.Pagination.PageToken
			return domain.CursorPage[services.ReturnRequest]{}, fmt.Errorf("%w: invalid page token", services.ErrReturnInvalidRequest)
		},
	}
	router := newCustomerRouter(NewReturnHandlers(nil, svc), &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/me/returns?pageToken="+url.QueryEscape(token), nil))
	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
	require.Equal(t, token, captured)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.NotEqual(t, "internal_error", body["error"])
}

func TestReturnHandlers_ListRejectsMalformedPageToken(t *testing.T) {
	router := newCustomerRouter(NewReturnHandlers(nil, &stubReturnService{}), &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/me/returns?pageToken=not-a-token", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
}

func TestReturnHandlers_ListRejectsUnknownStatus(t *testing.T) {
	router := newAdminRouter(NewReturnHandlers(nil, &stubReturnService{}), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/returns?status=shipped", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestReturnHandlers_Stats(t *testing.T) {
	var gotSince *time.Time
	svc := &stubReturnService{
		statsFn: func(_ context.Context, since *time.Time, _ services.Actor) (services.ReturnStats, error) {
			gotSince = since
			return services.ReturnStats{
				Total:       3,
				ByStatus:    map[domain.ReturnStatus]int{domain.ReturnStatusPending: 2, domain.ReturnStatusCompleted: 1},
				ByType:      map[domain.ReturnType]int{domain.ReturnTypeReturn: 3},
				TotalRefund: 90000,
			}, nil
		},
	}
	router := newAdminRouter(NewReturnHandlers(nil, svc), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/returns/stats?since=2025-01-01T00:00:00Z", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NotNil(t, gotSince)
	require.True(t, gotSince.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))

	var resp struct {
		Total       int            `json:"total"`
		ByStatus    map[string]int `json:"byStatus"`
		TotalRefund int64          `json:"totalRefund"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Total)
	require.Equal(t, 2, resp.ByStatus["PENDING"])
	require.Equal(t, int64(90000), resp.TotalRefund)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/returns/stats?since=yesterday", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReturnHandlers_PayDifference(t *testing.T) {
	var captured services.ExchangePaymentCommand
	svc := &stubReturnService{
		payFn: func(_ context.Context, cmd services.ExchangePaymentCommand) (services.ExchangePaymentSession, error) {
			captured = cmd
			return services.ExchangePaymentSession{SessionID: "cs_1", RedirectURL: "https://checkout.stripe.com/c/cs_1", Amount: 50000, Currency: "VND"}, nil
		},
	}
	router := newCustomerRouter(NewReturnHandlers(nil, svc), &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/me/returns/ret_1:pay-difference",
		strings.NewReader(`{"successUrl":"ftp://example.com/ok","cancelUrl":"https://example.com/cancel"}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/me/returns/ret_1:pay-difference",
		strings.NewReader(`{"successUrl":"https://example.com/ok","cancelUrl":"http://localhost:3000/cancel"}`)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "ret_1", captured.RequestID)
	require.Equal(t, "user-1", captured.Actor.ID)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "cs_1", resp["sessionId"])
}

func TestReturnHandlers_IdempotencyGuardsMutatingCustomerRoutes(t *testing.T) {
	var guarded []string
	guard := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guarded = append(guarded, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
	svc := &stubReturnService{
		createFn: func(context.Context, services.CreateReturnCommand) (services.ReturnRequest, error) {
			return sampleReturnRequest(), nil
		},
		getFn: func(context.Context, string, services.Actor) (services.ReturnRequest, error) {
			return sampleReturnRequest(), nil
		},
	}
	router := newCustomerRouter(NewReturnHandlers(nil, svc, WithReturnIdempotency(guard)), &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/me/returns", strings.NewReader(`{"orderId":"ord_1"}`)))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/me/returns/ret_1", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	require.Equal(t, []string{"/me/returns"}, guarded)
}

func TestReturnHandlers_EvidenceUploadURL(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	evidence := &stubEvidenceService{
		issueFn: func(_ context.Context, cmd services.EvidenceUploadCommand) (services.SignedUploadResponse, error) {
			require.Equal(t, "ord_1", cmd.OrderID)
			require.Equal(t, "image/jpeg", cmd.ContentType)
			return services.SignedUploadResponse{
				ObjectPath: "returns/user-1/ord_1/abc.jpg",
				URL:        "https://storage.googleapis.com/signed",
				Method:     http.MethodPut,
				ExpiresAt:  now.Add(15 * time.Minute),
			}, nil
		},
	}
	handlers := NewReturnHandlers(nil, &stubReturnService{},
		WithEvidenceService(evidence),
		WithReturnClock(func() time.Time { return now }),
		WithUploadRateLimit(1, time.Minute),
	)
	router := newCustomerRouter(handlers, &auth.Identity{UID: "user-1"})

	body := `{"orderId":"ord_1","fileName":"crack.jpg","contentType":"image/jpeg","size":1024}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/me/returns/evidence-upload-url", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "returns/user-1/ord_1/abc.jpg", resp["objectPath"])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/me/returns/evidence-upload-url", strings.NewReader(body)))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestReturnHandlers_EvidenceUnavailableWithoutService(t *testing.T) {
	router := newCustomerRouter(NewReturnHandlers(nil, &stubReturnService{}), &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/me/returns/evidence-upload-url", strings.NewReader(`{}`)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
