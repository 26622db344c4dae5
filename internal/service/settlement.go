package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/starsgate/internal/model"
)

// RefundResult содержит результат возврата платежа.
type RefundResult struct {
	Order           *model.Order
	AlreadyRefunded bool
}

const reconcilerActor = "reconciler"

type definitiveError interface {
	Definitive() bool
}

// Complete подтверждает выполнение заказа администратором.
func (s *Service) Complete(ctx context.Context, orderID, actor string) (*model.Order, error) {
	return s.resolve(ctx, orderID, model.OrderStatusCompleted, actor, func(o *model.Order) error {
		if o.Direction == model.DirectionSell && o.ExternalChargeRef == "" {
			return fmt.Errorf("%w: order %s has no captured payment", model.ErrInvalidState, o.ID)
		}
		return nil
	})
}

// Decline отклоняет заказ без возврата платежа.
func (s *Service) Decline(ctx context.Context, orderID, actor string) (*model.Order, error) {
	return s.resolve(ctx, orderID, model.OrderStatusDeclined, actor, nil)
}

// Fail помечает заказ как завершившийся ошибкой.
func (s *Service) Fail(ctx context.Context, orderID, actor string) (*model.Order, error) {
	return s.resolve(ctx, orderID, model.OrderStatusFailed, actor, nil)
}

// resolve выполняет переход processing -> to. Проигравший в гонке администратор
// получает model.ErrAlreadyProcessed вместе с зафиксированным состоянием заказа.
func (s *Service) resolve(ctx context.Context, orderID string, to model.OrderStatus, actor string, guard func(o *model.Order) error) (*model.Order, error) {
	now := s.now()
	order, err := s.ledger.TransitionOrder(ctx, orderID, model.OrderStatusProcessing, func(o *model.Order) error {
		if guard != nil {
			if err := guard(o); err != nil {
				return err
			}
		}
		o.Status = to
		o.ResolvedBy = actor
		stampResolution(o, to, now)
		return nil
	})
	if errors.Is(err, model.ErrStatusMismatch) {
		return s.rejectTransition(ctx, order, orderID)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("order resolved",
		zap.String("order", order.ID),
		zap.String("status", string(order.Status)),
		zap.String("actor", actor),
	)
	s.afterResolution(ctx, order)

	return order, nil
}

// rejectTransition объясняет, почему переход не применён, и выравнивает копии
// уведомлений администраторов по зафиксированному статусу.
func (s *Service) rejectTransition(ctx context.Context, current *model.Order, orderID string) (*model.Order, error) {
	if current.Status.IsTerminal() {
		s.fanout.Synchronize(ctx, current.AdminMessageRefs, statusLabel(current.Status), current.ResolvedBy)
		return current, fmt.Errorf("order %s is %s: %w", orderID, current.Status, model.ErrAlreadyProcessed)
	}
	return current, fmt.Errorf("%w: order %s is %s", model.ErrInvalidState, orderID, current.Status)
}

func (s *Service) afterResolution(ctx context.Context, order *model.Order) {
	s.fanout.Synchronize(ctx, order.AdminMessageRefs, statusLabel(order.Status), order.ResolvedBy)
	s.notifyOwner(ctx, order.OwnerID, s.ownerStatusText(order))
	s.publish(ctx, order, order.ResolvedBy)
}

func stampResolution(o *model.Order, to model.OrderStatus, now time.Time) {
	at := now
	switch to {
	case model.OrderStatusCompleted:
		o.CompletedAt = &at
	case model.OrderStatusDeclined:
		o.DeclinedAt = &at
	case model.OrderStatusFailed:
		o.FailedAt = &at
	case model.OrderStatusRefunded:
		o.RefundedAt = &at
	case model.OrderStatusExpired:
		o.ExpiredAt = &at
	}
}

// Refund возвращает звёзды по оплаченному заказу на продажу. Повторный вызов для
// уже возвращённого заказа успешен и не обращается к платёжному шлюзу.
// Если шлюз не подтвердил возврат, заказ остаётся в статусе processing.
func (s *Service) Refund(ctx context.Context, orderID, actor string) (*RefundResult, error) {
	current, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch {
	case current.Status == model.OrderStatusRefunded:
		return &RefundResult{Order: current, AlreadyRefunded: true}, nil
	case current.Status.IsTerminal():
		return &RefundResult{Order: current}, fmt.Errorf("order %s is %s: %w", orderID, current.Status, model.ErrAlreadyProcessed)
	case current.Direction != model.DirectionSell || current.Status != model.OrderStatusProcessing || current.ExternalChargeRef == "":
		return nil, fmt.Errorf("%w: order %s cannot be refunded", model.ErrInvalidState, orderID)
	}

	requestedAt := s.now()
	if err := s.ledger.SetRefundRequested(ctx, orderID, &requestedAt); err != nil {
		return nil, fmt.Errorf("record refund intent: %w", err)
	}

	var gatewayErr error
	order, err := s.ledger.TransitionOrder(ctx, orderID, model.OrderStatusProcessing, func(o *model.Order) error {
		if o.ExternalChargeRef == "" {
			return fmt.Errorf("%w: order %s has no captured payment", model.ErrInvalidState, o.ID)
		}

		callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
		defer cancel()

		already, err := s.gateway.RefundStarPayment(callCtx, o.OwnerID, o.ExternalChargeRef)
		if err != nil {
			gatewayErr = err
			return fmt.Errorf("%w: refund order %s: %v", model.ErrGateway, o.ID, err)
		}

		o.Status = model.OrderStatusRefunded
		o.AlreadyRefunded = already
		o.ResolvedBy = actor
		o.RefundRequestedAt = nil
		stampResolution(o, model.OrderStatusRefunded, s.now())
		return nil
	})

	if errors.Is(err, model.ErrStatusMismatch) {
		if order.Status == model.OrderStatusRefunded {
			return &RefundResult{Order: order, AlreadyRefunded: true}, nil
		}
		order, err = s.rejectTransition(ctx, order, orderID)
		return &RefundResult{Order: order}, err
	}
	if err != nil {
		if gatewayErr != nil {
			s.logger.Warn("refund rejected by gateway", zap.String("order", orderID), zap.Error(gatewayErr))
			var de definitiveError
			if errors.As(gatewayErr, &de) && de.Definitive() {
				if clearErr := s.ledger.SetRefundRequested(context.WithoutCancel(ctx), orderID, nil); clearErr != nil {
					s.logger.Error("clear refund intent", zap.String("order", orderID), zap.Error(clearErr))
				}
			}
		}
		return nil, err
	}

	s.logger.Info("order refunded",
		zap.String("order", order.ID),
		zap.Bool("alreadyRefunded", order.AlreadyRefunded),
		zap.String("actor", actor),
	)
	s.afterResolution(ctx, order)

	return &RefundResult{Order: order, AlreadyRefunded: order.AlreadyRefunded}, nil
}

// ApplyAdminAction выполняет действие администратора над заказом.
func (s *Service) ApplyAdminAction(ctx context.Context, orderID string, action model.AdminAction, actor string) (*model.Order, error) {
	switch action {
	case model.ActionComplete:
		return s.Complete(ctx, orderID, actor)
	case model.ActionDecline:
		return s.Decline(ctx, orderID, actor)
	case model.ActionFail:
		return s.Fail(ctx, orderID, actor)
	case model.ActionRefund:
		res, err := s.Refund(ctx, orderID, actor)
		if res == nil {
			return nil, err
		}
		return res.Order, err
	}
	return nil, fmt.Errorf("%w: unknown action %q", model.ErrValidation, action)
}

// ReconcileRefunds повторяет возвраты, начатые, но не завершённые из-за сбоя.
// Возвращает число заказов, переведённых в refunded.
func (s *Service) ReconcileRefunds(ctx context.Context) int {
	orders, err := s.ledger.GetStaleRefundRequests(ctx, s.now().Add(-refundReconcileGrace), sweepBatchSize)
	if err != nil {
		s.logger.Error("list stale refund requests", zap.Error(err))
		return 0
	}

	done := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			break
		}
		res, err := s.Refund(ctx, o.ID, reconcilerActor)
		if err != nil {
			s.logger.Warn("refund reconciliation failed", zap.String("order", o.ID), zap.Error(err))
			continue
		}
		if res.Order.Status == model.OrderStatusRefunded {
			done++
		}
	}
	return done
}
