package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/starsgate/internal/model"
	"github.com/mmeshcher/starsgate/internal/validation"
)

const (
	orderIDLength   = 10
	orderIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	maxMemoLength   = 120
)

// SellRequest описывает параметры заказа на продажу звёзд.
type SellRequest struct {
	Quantity           int64
	DestinationAddress string
	Memo               string
}

// BuyRequest описывает параметры заказа на покупку звёзд или Premium.
type BuyRequest struct {
	Quantity           int64
	PremiumMonths      int64
	DestinationAddress string
}

// SellSession описывает открытую сессию оплаты заказа на продажу.
type SellSession struct {
	Order       *model.Order
	Token       string
	ExpiresAt   time.Time
	PaymentLink string
}

// AcquireSession создаёт заказ на продажу и резервирует за владельцем сессию оплаты.
// Если у владельца уже есть активная сессия, возвращается *model.ConflictError
// с идентификатором существующего заказа.
func (s *Service) AcquireSession(ctx context.Context, ownerID int64, req SellRequest) (*SellSession, error) {
	if ownerID <= 0 {
		return nil, fmt.Errorf("%w: owner is required", model.ErrValidation)
	}
	if !validation.IsValidWalletAddress(req.DestinationAddress) {
		return nil, fmt.Errorf("%w: invalid wallet address", model.ErrValidation)
	}
	if utf8.RuneCountInString(req.Memo) > maxMemoLength {
		return nil, fmt.Errorf("%w: memo is too long", model.ErrValidation)
	}

	quote, err := s.prices.Quote(model.DirectionSell, model.ProductStars, req.Quantity)
	if err != nil {
		return nil, err
	}

	id, err := newOrderID()
	if err != nil {
		return nil, fmt.Errorf("generate order id: %w", err)
	}

	now := s.now()
	token := uuid.NewString()
	expiresAt := now.Add(SessionTTL)
	order := &model.Order{
		ID:                 id,
		OwnerID:            ownerID,
		Direction:          model.DirectionSell,
		Product:            model.ProductStars,
		Quantity:           req.Quantity,
		SettlementAmount:   quote.Amount,
		Rate:               quote.Rate,
		Currency:           quote.Currency,
		DestinationAddress: req.DestinationAddress,
		Memo:               req.Memo,
		Status:             model.OrderStatusPending,
		SessionLock:        &model.SessionLock{Token: token, ExpiresAt: expiresAt, LockedOwnerID: ownerID},
		ExpiresAt:          expiresAt,
		CreatedAt:          now,
	}

	if err := s.ledger.CreateSellOrder(ctx, order); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	link, err := s.gateway.CreateInvoiceLink(callCtx,
		fmt.Sprintf("Продажа %d звёзд", order.Quantity),
		fmt.Sprintf("Заказ %s: выплата %s %s", order.ID, order.SettlementAmount.StringFixed(2), order.Currency),
		model.InvoicePayload(order.ID, token),
		order.Quantity,
	)
	if err != nil {
		s.logger.Warn("create invoice link failed", zap.String("order", order.ID), zap.Error(err))
		if _, relErr := s.ledger.ReleaseSession(context.WithoutCancel(ctx), order.ID, ownerID); relErr != nil {
			s.logger.Error("release session after invoice failure", zap.String("order", order.ID), zap.Error(relErr))
		}
		return nil, fmt.Errorf("%w: create invoice: %v", model.ErrGateway, err)
	}

	s.logger.Info("sell session acquired",
		zap.String("order", order.ID),
		zap.Int64("owner", ownerID),
		zap.Time("expiresAt", expiresAt),
	)
	s.publish(ctx, order, "")

	return &SellSession{Order: order, Token: token, ExpiresAt: expiresAt, PaymentLink: link}, nil
}

// ReleaseSession снимает блокировку сессии по запросу владельца. Заказ остаётся
// в статусе pending до истечения срока и закрывается фоновым процессом.
func (s *Service) ReleaseSession(ctx context.Context, orderID string, ownerID int64) (*model.Order, error) {
	order, err := s.ledger.ReleaseSession(ctx, orderID, ownerID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("sell session released", zap.String("order", orderID), zap.Int64("owner", ownerID))
	return order, nil
}

// CreateBuyOrder создаёт заказ на покупку звёзд или Telegram Premium.
func (s *Service) CreateBuyOrder(ctx context.Context, ownerID int64, req BuyRequest) (*model.Order, error) {
	if ownerID <= 0 {
		return nil, fmt.Errorf("%w: owner is required", model.ErrValidation)
	}
	if !validation.IsValidUsername(req.DestinationAddress) {
		return nil, fmt.Errorf("%w: invalid recipient username", model.ErrValidation)
	}

	product, quantity := model.ProductStars, req.Quantity
	switch {
	case req.PremiumMonths > 0 && req.Quantity > 0:
		return nil, fmt.Errorf("%w: either stars quantity or premium months is allowed", model.ErrValidation)
	case req.PremiumMonths > 0:
		product, quantity = model.ProductPremium, req.PremiumMonths
	}

	quote, err := s.prices.Quote(model.DirectionBuy, product, quantity)
	if err != nil {
		return nil, err
	}

	id, err := newOrderID()
	if err != nil {
		return nil, fmt.Errorf("generate order id: %w", err)
	}

	now := s.now()
	order := &model.Order{
		ID:                 id,
		OwnerID:            ownerID,
		Direction:          model.DirectionBuy,
		Product:            product,
		Quantity:           quantity,
		SettlementAmount:   quote.Amount,
		Rate:               quote.Rate,
		Currency:           quote.Currency,
		DestinationAddress: req.DestinationAddress,
		Status:             model.OrderStatusPending,
		ExpiresAt:          now.Add(BuyOrderTTL),
		CreatedAt:          now,
	}

	if err := s.ledger.CreateBuyOrder(ctx, order); err != nil {
		return nil, err
	}

	s.logger.Info("buy order created", zap.String("order", order.ID), zap.Int64("owner", ownerID))
	s.publish(ctx, order, "")

	return order, nil
}

// GetOrder возвращает заказ владельца. Чужие заказы не раскрываются.
func (s *Service) GetOrder(ctx context.Context, ownerID int64, orderID string) (*model.Order, error) {
	if !validation.IsValidOrderID(orderID) {
		return nil, fmt.Errorf("%w: invalid order id", model.ErrValidation)
	}
	order, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.OwnerID != ownerID && !s.IsAdmin(ownerID) {
		return nil, model.ErrNotFound
	}
	return order, nil
}

// GetOrdersByOwner возвращает заказы владельца, новые первыми.
func (s *Service) GetOrdersByOwner(ctx context.Context, ownerID int64) ([]model.Order, error) {
	orders, err := s.ledger.GetOrdersByOwner(ctx, ownerID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	return orders, nil
}

func newOrderID() (string, error) {
	base := big.NewInt(int64(len(orderIDAlphabet)))
	buf := make([]byte, orderIDLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", err
		}
		buf[i] = orderIDAlphabet[n.Int64()]
	}
	return string(buf), nil
}
