// Package handler содержит HTTP-обработчики API и вебхука сервиса обмена звёзд.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/starsgate/internal/middleware"
	"github.com/mmeshcher/starsgate/internal/model"
	"github.com/mmeshcher/starsgate/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	AcquireSession(ctx context.Context, ownerID int64, req service.SellRequest) (*service.SellSession, error)
	ReleaseSession(ctx context.Context, orderID string, ownerID int64) (*model.Order, error)
	CreateBuyOrder(ctx context.Context, ownerID int64, req service.BuyRequest) (*model.Order, error)
	GetOrder(ctx context.Context, ownerID int64, orderID string) (*model.Order, error)
	GetOrdersByOwner(ctx context.Context, ownerID int64) ([]model.Order, error)
	ApplyAdminAction(ctx context.Context, orderID string, action model.AdminAction, actor string) (*model.Order, error)
	HandleGatewayEvent(ctx context.Context, ev model.GatewayEvent) (model.EventResult, error)
	IsAdmin(userID int64) bool
}

// Options содержит необязательные параметры обработчика.
type Options struct {
	Limiter         middleware.Limiter
	IntakeRateLimit int
	WebhookSecret   string
}

// Handler реализует HTTP-обработчики API сервиса обмена звёзд.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	opts           Options
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts Options) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		opts:           opts,
	}
}

type sellRequest struct {
	Quantity           int64  `json:"quantity"`
	DestinationAddress string `json:"destinationAddress"`
	Memo               string `json:"memo,omitempty"`
}

type buyRequest struct {
	Quantity           int64  `json:"quantity,omitempty"`
	PremiumMonths      int64  `json:"premiumMonths,omitempty"`
	DestinationAddress string `json:"destinationAddress"`
}

type orderResponse struct {
	ID                 string  `json:"id"`
	Direction          string  `json:"direction"`
	Product            string  `json:"product"`
	Quantity           int64   `json:"quantity"`
	SettlementAmount   string  `json:"settlementAmount"`
	Rate               string  `json:"rate"`
	Currency           string  `json:"currency"`
	DestinationAddress string  `json:"destinationAddress"`
	Memo               string  `json:"memo,omitempty"`
	Status             string  `json:"status"`
	AlreadyRefunded    bool    `json:"alreadyRefunded,omitempty"`
	ExpiresAt          string  `json:"expiresAt"`
	CreatedAt          string  `json:"createdAt"`
	PaidAt             *string `json:"paidAt,omitempty"`
	ResolvedAt         *string `json:"resolvedAt,omitempty"`
}

type sellResponse struct {
	Order       orderResponse `json:"order"`
	PaymentLink string        `json:"paymentLink"`
	ExpiresAt   string        `json:"expiresAt"`
}

type errorResponse struct {
	Error           string `json:"error"`
	ExistingOrderID string `json:"existingOrderId,omitempty"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toOrderResponse(o *model.Order) orderResponse {
	resolved := o.CompletedAt
	for _, t := range []*time.Time{o.DeclinedAt, o.RefundedAt, o.FailedAt, o.ExpiredAt} {
		if resolved == nil {
			resolved = t
		}
	}

	return orderResponse{
		ID:                 o.ID,
		Direction:          string(o.Direction),
		Product:            string(o.Product),
		Quantity:           o.Quantity,
		SettlementAmount:   o.SettlementAmount.StringFixed(2),
		Rate:               o.Rate.String(),
		Currency:           o.Currency,
		DestinationAddress: o.DestinationAddress,
		Memo:               o.Memo,
		Status:             string(o.Status),
		AlreadyRefunded:    o.AlreadyRefunded,
		ExpiresAt:          o.ExpiresAt.UTC().Format(time.RFC3339),
		CreatedAt:          o.CreatedAt.UTC().Format(time.RFC3339),
		PaidAt:             formatTime(o.PaidAt),
		ResolvedAt:         formatTime(resolved),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит доменную ошибку в HTTP-ответ.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ce *model.ConflictError
	switch {
	case errors.As(err, &ce):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "active session already exists", ExistingOrderID: ce.ExistingOrderID})
	case errors.Is(err, model.ErrAlreadyProcessed):
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
	case errors.Is(err, model.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, model.ErrExpired):
		writeJSON(w, http.StatusGone, errorResponse{Error: err.Error()})
	case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, model.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
	case errors.Is(err, model.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error()})
	case errors.Is(err, model.ErrGateway):
		h.logger.Warn("payment gateway error", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "payment gateway unavailable"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)})
	}
}

// CreateSellOrder открывает сессию оплаты заказа на продажу звёзд.
func (h *Handler) CreateSellOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req sellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sess, err := h.service.AcquireSession(r.Context(), userID, service.SellRequest{
		Quantity:           req.Quantity,
		DestinationAddress: req.DestinationAddress,
		Memo:               req.Memo,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sellResponse{
		Order:       toOrderResponse(sess.Order),
		PaymentLink: sess.PaymentLink,
		ExpiresAt:   sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// CreateBuyOrder создаёт заказ на покупку звёзд или Premium.
func (h *Handler) CreateBuyOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req buyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CreateBuyOrder(r.Context(), userID, service.BuyRequest{
		Quantity:           req.Quantity,
		PremiumMonths:      req.PremiumMonths,
		DestinationAddress: req.DestinationAddress,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]orderResponse{"order": toOrderResponse(order)})
}

// ReleaseOrder снимает блокировку сессии оплаты по запросу владельца.
func (h *Handler) ReleaseOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	order, err := h.service.ReleaseSession(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]orderResponse{"order": toOrderResponse(order)})
}

// GetOrder возвращает заказ текущего пользователя.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	order, err := h.service.GetOrder(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByOwner(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// AdminAction применяет действие администратора (complete, decline, fail, refund) к заказу.
func (h *Handler) AdminAction(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	action := model.AdminAction(chi.URLParam(r, "action"))
	order, err := h.service.ApplyAdminAction(r.Context(), chi.URLParam(r, "id"), action, fmt.Sprintf("admin:%d", userID))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]orderResponse{"order": toOrderResponse(order)})
}
