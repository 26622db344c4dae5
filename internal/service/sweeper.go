package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/starsgate/internal/model"
)

// SweepStats содержит итоги одного прохода фонового обработчика.
type SweepStats struct {
	ExpiredOrders    int
	ExpiredDialogs   int
	RefundsRecovered int
}

// StartSweeper запускает фоновый обработчик просроченных заказов, диалогов и
// незавершённых возвратов. Блокирует выполнение до отмены ctx.
func (s *Service) StartSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", zap.Duration("interval", s.sweepInterval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			stats := s.Sweep(ctx)
			if stats != (SweepStats{}) {
				s.logger.Info("sweep finished",
					zap.Int("expiredOrders", stats.ExpiredOrders),
					zap.Int("expiredDialogs", stats.ExpiredDialogs),
					zap.Int("refundsRecovered", stats.RefundsRecovered),
				)
			}
		}
	}
}

// Sweep выполняет один проход фонового обработчика.
func (s *Service) Sweep(ctx context.Context) SweepStats {
	return SweepStats{
		ExpiredOrders:    s.ExpireOrders(ctx),
		ExpiredDialogs:   s.ExpireDialogs(ctx),
		RefundsRecovered: s.ReconcileRefunds(ctx),
	}
}

// ExpireOrders переводит в expired ожидающие оплаты заказы с истёкшим сроком.
// Заказ, оплата которого зафиксирована раньше, не затрагивается.
func (s *Service) ExpireOrders(ctx context.Context) int {
	now := s.now()
	orders, err := s.ledger.GetExpiredPendingOrders(ctx, now, sweepBatchSize)
	if err != nil {
		s.logger.Error("list expired orders", zap.Error(err))
		return 0
	}

	expired := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			break
		}
		order, err := s.ledger.TransitionOrder(ctx, o.ID, model.OrderStatusPending, func(cur *model.Order) error {
			if now.Before(cur.ExpiresAt) {
				return fmt.Errorf("%w: order %s is not due", model.ErrInvalidState, cur.ID)
			}
			cur.Status = model.OrderStatusExpired
			cur.SessionLock = nil
			stampResolution(cur, model.OrderStatusExpired, now)
			return nil
		})
		if errors.Is(err, model.ErrStatusMismatch) {
			continue
		}
		if err != nil {
			s.logger.Warn("expire order failed", zap.String("order", o.ID), zap.Error(err))
			continue
		}

		expired++
		s.logger.Debug("order expired", zap.String("order", order.ID))
		s.fanout.Synchronize(ctx, order.AdminMessageRefs, statusLabel(order.Status), "")
		s.notifyOwner(ctx, order.OwnerID, s.ownerStatusText(order))
		s.publish(ctx, order, "")
	}
	return expired
}

// ExpireDialogs удаляет просроченные диалоги и сообщает об этом пользователям.
func (s *Service) ExpireDialogs(ctx context.Context) int {
	dialogs, err := s.ledger.DeleteExpiredDialogs(ctx, s.now(), sweepBatchSize)
	if err != nil {
		s.logger.Error("delete expired dialogs", zap.Error(err))
		return 0
	}
	for _, d := range dialogs {
		s.notifyOwner(ctx, d.ChatID, msgDialogExpired)
	}
	return len(dialogs)
}
