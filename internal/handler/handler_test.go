package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/starsgate/internal/middleware"
	"github.com/mmeshcher/starsgate/internal/model"
	"github.com/mmeshcher/starsgate/internal/service"
)

const testBotToken = "123:test-token"

type stubService struct {
	admins map[int64]bool

	sellReq     service.SellRequest
	sellOwner   int64
	sellSession *service.SellSession
	sellErr     error

	buyOrder *model.Order
	buyErr   error

	releaseErr error

	order    *model.Order
	orderErr error

	ordersResp []model.Order
	ordersErr  error

	adminAction model.AdminAction
	adminActor  string
	adminOrder  *model.Order
	adminErr    error

	events   []model.GatewayEvent
	eventErr error
}

func (s *stubService) AcquireSession(ctx context.Context, ownerID int64, req service.SellRequest) (*service.SellSession, error) {
	s.sellOwner = ownerID
	s.sellReq = req
	return s.sellSession, s.sellErr
}

func (s *stubService) ReleaseSession(ctx context.Context, orderID string, ownerID int64) (*model.Order, error) {
	return s.order, s.releaseErr
}

func (s *stubService) CreateBuyOrder(ctx context.Context, ownerID int64, req service.BuyRequest) (*model.Order, error) {
	return s.buyOrder, s.buyErr
}

func (s *stubService) GetOrder(ctx context.Context, ownerID int64, orderID string) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) GetOrdersByOwner(ctx context.Context, ownerID int64) ([]model.Order, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) ApplyAdminAction(ctx context.Context, orderID string, action model.AdminAction, actor string) (*model.Order, error) {
	s.adminAction = action
	s.adminActor = actor
	return s.adminOrder, s.adminErr
}

func (s *stubService) HandleGatewayEvent(ctx context.Context, ev model.GatewayEvent) (model.EventResult, error) {
	s.events = append(s.events, ev)
	if s.eventErr != nil {
		return model.EventResult{}, s.eventErr
	}
	return model.EventResult{Accepted: true}, nil
}

func (s *stubService) IsAdmin(userID int64) bool {
	return s.admins[userID]
}

func newTestHandler(t *testing.T, svc Service, opts Options) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware(testBotToken, time.Hour)

	return NewHandler(svc, logger, auth, opts)
}

func authorize(h *Handler, req *http.Request, userID int64) {
	req.Header.Set("Authorization", "tma "+h.authMiddleware.SignInitData(userID, time.Now()))
}

func sampleOrder(id string) *model.Order {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.Order{
		ID:                 id,
		OwnerID:            42,
		Direction:          model.DirectionSell,
		Product:            model.ProductStars,
		Quantity:           500,
		SettlementAmount:   decimal.RequireFromString("6.5"),
		Rate:               decimal.RequireFromString("0.013"),
		Currency:           "TON",
		DestinationAddress: "UQwallet",
		Status:             model.OrderStatusPending,
		ExpiresAt:          now.Add(15 * time.Minute),
		CreatedAt:          now,
	}
}

func TestCreateSellOrder_Created(t *testing.T) {
	order := sampleOrder("abc123")
	svc := &stubService{
		sellSession: &service.SellSession{
			Order:       order,
			Token:       "tok",
			ExpiresAt:   order.ExpiresAt,
			PaymentLink: "https://t.me/$invoice",
		},
	}
	h := newTestHandler(t, svc, Options{})
	router := h.SetupRouter()

	body, _ := json.Marshal(sellRequest{Quantity: 500, DestinationAddress: "UQwallet", Memo: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/orders/sell", bytes.NewReader(body))
	authorize(h, req, 42)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(42), svc.sellOwner)
	assert.Equal(t, service.SellRequest{Quantity: 500, DestinationAddress: "UQwallet", Memo: "hi"}, svc.sellReq)

	var resp sellResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "abc123", resp.Order.ID)
	assert.Equal(t, "6.50", resp.Order.SettlementAmount)
	assert.Equal(t, "https://t.me/$invoice", resp.PaymentLink)
	assert.Equal(t, "2026-03-01T12:15:00Z", resp.ExpiresAt)
}

func TestCreateSellOrder_Conflict(t *testing.T) {
	svc := &stubService{sellErr: fmt.Errorf("acquire: %w", &model.ConflictError{ExistingOrderID: "old42"})}
	h := newTestHandler(t, svc, Options{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/orders/sell", strings.NewReader(`{"quantity":100,"destinationAddress":"x"}`))
	authorize(h, req, 42)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "old42", resp.ExistingOrderID)
}

func TestCreateSellOrder_BadJSON(t *testing.T) {
	h := newTestHandler(t, &stubService{}, Options{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/orders/sell", strings.NewReader(`{"quantity":`))
	authorize(h, req, 42)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCreateSellOrder_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{}, Options{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/orders/sell", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return false, nil
}

func TestCreateBuyOrder_RateLimited(t *testing.T) {
	h := newTestHandler(t, &stubService{}, Options{Limiter: denyLimiter{}, IntakeRateLimit: 5})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/orders/buy", strings.NewReader(`{"quantity":100,"destinationAddress":"@durov"}`))
	authorize(h, req, 42)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}

func TestWriteError_StatusMapping(t *testing.T) {
	h := newTestHandler(t, &stubService{}, Options{})

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("%w: quantity", model.ErrValidation), http.StatusUnprocessableEntity},
		{"not found", model.ErrNotFound, http.StatusNotFound},
		{"expired", model.ErrExpired, http.StatusGone},
		{"invalid state", model.ErrInvalidState, http.StatusConflict},
		{"forbidden", model.ErrForbidden, http.StatusForbidden},
		{"rate limited", model.ErrRateLimited, http.StatusTooManyRequests},
		{"gateway", fmt.Errorf("%w: timeout", model.ErrGateway), http.StatusBadGateway},
		{"already processed", model.ErrAlreadyProcessed, http.StatusOK},
		{"internal", errors.New("db is down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeError(rec, tt.err)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestGetOrders_NoContent(t *testing.T) {
	svc := &stubService{ordersResp: []model.Order{}}
	h := newTestHandler(t, svc, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	authorize(h, req, 1)
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetOrders))
	handlerWithAuth.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestGetOrders_JSONResponse(t *testing.T) {
	order := sampleOrder("abc123")
	paid := order.CreatedAt.Add(time.Minute)
	order.Status = model.OrderStatusCompleted
	order.PaidAt = &paid
	order.CompletedAt = &paid
	svc := &stubService{ordersResp: []model.Order{*order}}
	h := newTestHandler(t, svc, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	authorize(h, req, 42)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp []orderResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "completed", resp[0].Status)
	require.NotNil(t, resp[0].ResolvedAt)
	assert.Equal(t, "2026-03-01T12:01:00Z", *resp[0].ResolvedAt)
}

func TestAdminAction_ForbiddenForNonAdmin(t *testing.T) {
	svc := &stubService{admins: map[int64]bool{1001: true}}
	h := newTestHandler(t, svc, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/orders/abc/complete", nil)
	authorize(h, req, 42)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, svc.adminAction)
}

func TestAdminAction_AlreadyProcessed(t *testing.T) {
	svc := &stubService{
		admins:   map[int64]bool{1001: true},
		adminErr: model.ErrAlreadyProcessed,
	}
	h := newTestHandler(t, svc, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/orders/abc/complete", nil)
	authorize(h, req, 1001)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.ActionComplete, svc.adminAction)
	assert.Equal(t, "admin:1001", svc.adminActor)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "already_processed", resp["status"])
}

func postUpdate(t *testing.T, h *Handler, update string, secret string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(update))
	if secret != "" {
		req.Header.Set("X-Telegram-Bot-Api-Secret-Token", secret)
	}
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func TestWebhook_PreCheckout(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, Options{})

	rec := postUpdate(t, h, `{"update_id":1,"pre_checkout_query":{"id":"q1","from":{"id":42,"username":"alice"},
		"currency":"XTR","total_amount":500,"invoice_payload":"abc123:tok"}}`, "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.events, 1)
	ev := svc.events[0]
	assert.Equal(t, model.EventPreCheckout, ev.Type)
	assert.Equal(t, "q1", ev.QueryID)
	assert.Equal(t, "abc123", ev.OrderID)
	assert.Equal(t, "tok", ev.Token)
	assert.Equal(t, int64(500), ev.Amount)
	assert.Equal(t, int64(42), ev.ActorID)
	assert.Equal(t, "@alice", ev.ActorLabel)
	assert.False(t, ev.System)
}

func TestWebhook_PreCheckoutForeignCurrency(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, Options{})

	rec := postUpdate(t, h, `{"update_id":1,"pre_checkout_query":{"id":"q1","from":{"id":42},
		"currency":"USD","total_amount":500,"invoice_payload":"abc123:tok"}}`, "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.events, 1)
	assert.Empty(t, svc.events[0].OrderID, "foreign currency must be rejected by the service")
}

func TestWebhook_SuccessfulPayment(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, Options{})

	rec := postUpdate(t, h, `{"update_id":2,"message":{"message_id":7,"from":{"id":42},"chat":{"id":42},
		"successful_payment":{"currency":"XTR","total_amount":500,"invoice_payload":"abc123:tok",
		"telegram_payment_charge_id":"charge-1"}}}`, "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.events, 1)
	ev := svc.events[0]
	assert.Equal(t, model.EventPaymentCaptured, ev.Type)
	assert.Equal(t, "abc123", ev.OrderID)
	assert.Equal(t, "charge-1", ev.ChargeRef)
	assert.Equal(t, int64(42), ev.ActorID)
}

func TestWebhook_CallbackQuery(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, Options{})

	update := fmt.Sprintf(`{"update_id":3,"callback_query":{"id":"cb-1","from":{"id":1001,"first_name":"Ann"},
		"message":{"message_id":9,"chat":{"id":1001}},"data":%q}}`, model.OrderActionData(model.ActionDecline, "abc123"))
	rec := postUpdate(t, h, update, "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.events, 1)
	ev := svc.events[0]
	assert.Equal(t, model.EventAdminAction, ev.Type)
	assert.Equal(t, model.ActionDecline, ev.Action)
	assert.Equal(t, "abc123", ev.OrderID)
	assert.Equal(t, "cb-1", ev.QueryID)
	assert.Equal(t, "Ann", ev.ActorLabel)
	assert.Equal(t, int64(1001), ev.ChatID)
}

func TestWebhook_IgnoresUnknownCallback(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, Options{})

	rec := postUpdate(t, h, `{"update_id":4,"callback_query":{"id":"cb-2","from":{"id":1},"data":"garbage"}}`, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, svc.events)
}

func TestWebhook_OwnerMessage(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, Options{})

	rec := postUpdate(t, h, `{"update_id":5,"message":{"message_id":1,"from":{"id":42},"chat":{"id":42},"text":"/reverse abc123"}}`, "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.events, 1)
	assert.Equal(t, model.EventOwnerMessage, svc.events[0].Type)
	assert.Equal(t, "/reverse abc123", svc.events[0].Text)
	assert.Equal(t, int64(42), svc.events[0].ChatID)
}

func TestWebhook_SecretMismatch(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, Options{WebhookSecret: "s3cret"})

	rec := postUpdate(t, h, `{"update_id":6}`, "wrong")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, svc.events)

	rec = postUpdate(t, h, `{"update_id":6}`, "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhook_ErrorStatus(t *testing.T) {
	const update = `{"update_id":7,"message":{"message_id":1,"from":{"id":42},"chat":{"id":42},"text":"hello"}}`

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"domain error is acknowledged", model.ErrExpired, http.StatusOK},
		{"internal error is retried", errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{eventErr: tt.err}, Options{})
			rec := postUpdate(t, h, update, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
