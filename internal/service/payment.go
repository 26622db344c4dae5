package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/starsgate/internal/model"
)

// PreCheckoutDecision содержит ответ на предварительную проверку платежа.
type PreCheckoutDecision struct {
	OK     bool
	Reason string
}

const (
	reasonNotFound    = "Заказ не найден"
	reasonNotPayable  = "Заказ больше не ожидает оплаты"
	reasonExpired     = "Время оплаты истекло, создайте новый заказ"
	reasonWrongPayer  = "Оплатить заказ может только его владелец"
	reasonWrongAmount = "Сумма платежа не совпадает с заказом"
	reasonUnavailable = "Сервис временно недоступен, попробуйте позже"
)

// ValidatePreCheckout проверяет, можно ли принять платёж по заказу. Проверка
// ограничена по времени, при любой неопределённости платёж отклоняется.
func (s *Service) ValidatePreCheckout(ctx context.Context, orderID, token string, payerID, amount int64) PreCheckoutDecision {
	ctx, cancel := context.WithTimeout(ctx, s.preCheckoutTimeout)
	defer cancel()

	order, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return PreCheckoutDecision{Reason: reasonNotFound}
		}
		s.logger.Warn("pre-checkout lookup failed", zap.String("order", orderID), zap.Error(err))
		return PreCheckoutDecision{Reason: reasonUnavailable}
	}

	now := s.now()
	switch {
	case order.Direction != model.DirectionSell || order.Status != model.OrderStatusPending:
		return PreCheckoutDecision{Reason: reasonNotPayable}
	case !order.SessionLock.Active(now):
		return PreCheckoutDecision{Reason: reasonExpired}
	case order.SessionLock.Token != token:
		return PreCheckoutDecision{Reason: reasonNotPayable}
	case order.SessionLock.LockedOwnerID != payerID:
		return PreCheckoutDecision{Reason: reasonWrongPayer}
	case amount != 0 && amount != order.Quantity:
		return PreCheckoutDecision{Reason: reasonWrongAmount}
	}

	return PreCheckoutDecision{OK: true}
}

// OnPaymentCaptured фиксирует поступивший платёж: pending -> processing с записью
// внешнего идентификатора платежа. Повторная доставка того же платежа возвращает
// текущее состояние заказа и model.ErrAlreadyProcessed.
func (s *Service) OnPaymentCaptured(ctx context.Context, orderID, chargeRef string, payerID int64) (*model.Order, error) {
	if chargeRef == "" {
		return nil, fmt.Errorf("%w: charge reference is required", model.ErrValidation)
	}

	now := s.now()
	order, err := s.ledger.TransitionOrder(ctx, orderID, model.OrderStatusPending, func(o *model.Order) error {
		if o.Direction != model.DirectionSell {
			return fmt.Errorf("%w: order %s is not a sell order", model.ErrInvalidState, o.ID)
		}
		if !o.SessionLock.Active(now) {
			if !now.Before(o.ExpiresAt) {
				return fmt.Errorf("%w: session of order %s is over", model.ErrExpired, o.ID)
			}
			return fmt.Errorf("%w: session of order %s was released", model.ErrInvalidState, o.ID)
		}
		if o.SessionLock.LockedOwnerID != payerID {
			return fmt.Errorf("%w: payer %d does not hold the session", model.ErrForbidden, payerID)
		}

		paidAt := now
		o.Status = model.OrderStatusProcessing
		o.ExternalChargeRef = chargeRef
		o.PaidAt = &paidAt
		o.SessionLock = nil
		return nil
	})

	if errors.Is(err, model.ErrStatusMismatch) {
		if order.ExternalChargeRef == chargeRef {
			return order, fmt.Errorf("payment %s: %w", chargeRef, model.ErrAlreadyProcessed)
		}
		if order.Status == model.OrderStatusExpired {
			err = fmt.Errorf("%w: order %s expired", model.ErrExpired, orderID)
		} else {
			err = fmt.Errorf("%w: order %s is %s", model.ErrInvalidState, orderID, order.Status)
		}
	}
	if err != nil {
		if isRejection(err) {
			s.returnStrandedPayment(ctx, orderID, chargeRef, payerID, err)
		}
		return nil, err
	}

	s.logger.Info("payment captured", zap.String("order", order.ID), zap.String("charge", chargeRef))

	refs := s.fanout.NotifyAll(ctx, sellAdminText(order), sellAdminButtons(order.ID))
	s.attachAdminRefs(ctx, order, refs)
	s.notifyOwner(ctx, order.OwnerID, s.ownerStatusText(order))
	s.publish(ctx, order, "")

	return order, nil
}

// ConfirmBuyPayment переводит оплаченный заказ на покупку в обработку.
func (s *Service) ConfirmBuyPayment(ctx context.Context, orderID, actor string) (*model.Order, error) {
	now := s.now()
	order, err := s.ledger.TransitionOrder(ctx, orderID, model.OrderStatusPending, func(o *model.Order) error {
		if o.Direction != model.DirectionBuy {
			return fmt.Errorf("%w: order %s is not a buy order", model.ErrInvalidState, o.ID)
		}
		if !now.Before(o.ExpiresAt) {
			return fmt.Errorf("%w: order %s expired", model.ErrExpired, o.ID)
		}
		paidAt := now
		o.Status = model.OrderStatusProcessing
		o.PaidAt = &paidAt
		return nil
	})
	if errors.Is(err, model.ErrStatusMismatch) {
		if order.Status == model.OrderStatusProcessing || (order.Status.IsTerminal() && order.PaidAt != nil) {
			return order, fmt.Errorf("order %s: %w", orderID, model.ErrAlreadyProcessed)
		}
		return nil, fmt.Errorf("%w: order %s is %s", model.ErrInvalidState, orderID, order.Status)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("buy payment confirmed", zap.String("order", order.ID), zap.String("actor", actor))

	refs := s.fanout.NotifyAll(ctx, buyAdminText(order), buyAdminButtons(order.ID))
	s.attachAdminRefs(ctx, order, refs)
	s.notifyOwner(ctx, order.OwnerID, s.ownerStatusText(order))
	s.publish(ctx, order, actor)

	return order, nil
}

func (s *Service) attachAdminRefs(ctx context.Context, order *model.Order, refs []model.AdminMessageRef) {
	if len(refs) == 0 {
		s.logger.Warn("no admin received order notification", zap.String("order", order.ID))
		return
	}
	order.AdminMessageRefs = append(order.AdminMessageRefs, refs...)
	if err := s.ledger.AppendAdminMessageRefs(ctx, order.ID, refs); err != nil {
		s.logger.Error("store admin message refs", zap.String("order", order.ID), zap.Error(err))
	}
}

func isRejection(err error) bool {
	return errors.Is(err, model.ErrExpired) || errors.Is(err, model.ErrInvalidState) ||
		errors.Is(err, model.ErrForbidden) || errors.Is(err, model.ErrNotFound)
}

// returnStrandedPayment возвращает платёж, который не удалось привязать к заказу.
func (s *Service) returnStrandedPayment(ctx context.Context, orderID, chargeRef string, payerID int64, cause error) {
	if payerID <= 0 {
		return
	}
	s.logger.Warn("payment rejected, returning charge",
		zap.String("order", orderID),
		zap.String("charge", chargeRef),
		zap.Int64("payer", payerID),
		zap.Error(cause),
	)

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.gatewayTimeout)
	defer cancel()

	if _, err := s.gateway.RefundStarPayment(callCtx, payerID, chargeRef); err != nil {
		s.logger.Error("return stranded payment failed", zap.String("charge", chargeRef), zap.Error(err))
	}
	s.notifyOwner(ctx, payerID, s.rejectedPaymentText(orderID))
}
