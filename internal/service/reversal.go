package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/starsgate/internal/model"
	"github.com/mmeshcher/starsgate/internal/validation"
)

const minReasonWords = validation.MinReasonWords

// StartReversal открывает диалог сбора причины возврата по оплаченному заказу.
func (s *Service) StartReversal(ctx context.Context, ownerID, chatID int64, orderID string) error {
	order, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.OwnerID != ownerID {
		return model.ErrNotFound
	}
	if order.Direction != model.DirectionSell || order.Status != model.OrderStatusProcessing || order.ExternalChargeRef == "" {
		return fmt.Errorf("%w: order %s cannot be reversed", model.ErrInvalidState, orderID)
	}

	now := s.now()
	limited, err := s.ledger.HasReversalSince(ctx, ownerID, now.Add(-ReversalWindow))
	if err != nil {
		return err
	}
	if limited {
		return fmt.Errorf("%w: one reversal request per 30 days", model.ErrRateLimited)
	}

	if chatID == 0 {
		chatID = ownerID
	}
	dialog := &model.DialogSession{
		ChatID:    chatID,
		OwnerID:   ownerID,
		Kind:      model.DialogReversalReason,
		OrderID:   orderID,
		ExpiresAt: now.Add(s.dialogTTL),
		CreatedAt: now,
	}
	if err := s.ledger.SaveDialog(ctx, dialog); err != nil {
		return err
	}

	s.notifyOwner(ctx, chatID, reversalPromptText())
	return nil
}

// SubmitReversalReason принимает причину возврата и создаёт заявку. Слишком
// короткая причина отклоняется, диалог при этом сохраняется.
func (s *Service) SubmitReversalReason(ctx context.Context, chatID, ownerID int64, text string) (*model.ReversalRequest, error) {
	dialog, err := s.ledger.GetDialog(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if dialog.OwnerID != ownerID {
		return nil, model.ErrForbidden
	}

	now := s.now()
	if !now.Before(dialog.ExpiresAt) {
		s.dropDialog(ctx, chatID)
		return nil, fmt.Errorf("%w: dialog is over", model.ErrExpired)
	}

	reason := strings.TrimSpace(text)
	if !validation.IsValidReversalReason(reason) {
		s.notifyOwner(ctx, chatID, reversalPromptText())
		return nil, fmt.Errorf("%w: reason must contain at least %d words", model.ErrValidation, minReasonWords)
	}

	order, err := s.ledger.GetOrder(ctx, dialog.OrderID)
	if err != nil {
		return nil, err
	}

	r := &model.ReversalRequest{
		OrderID:   dialog.OrderID,
		OwnerID:   ownerID,
		Reason:    reason,
		Status:    model.ReversalStatusPending,
		CreatedAt: now,
	}
	if err := s.ledger.CreateReversal(ctx, r, now.Add(-ReversalWindow)); err != nil {
		if errors.Is(err, model.ErrRateLimited) {
			s.dropDialog(ctx, chatID)
		}
		return nil, err
	}
	s.dropDialog(ctx, chatID)

	refs := s.fanout.NotifyAll(ctx, reversalAdminText(r, order), reversalAdminButtons(r.ID))
	if len(refs) > 0 {
		r.AdminMessageRefs = refs
		if err := s.ledger.AppendReversalMessageRefs(ctx, r.ID, refs); err != nil {
			s.logger.Error("store reversal message refs", zap.Int64("reversal", r.ID), zap.Error(err))
		}
	}
	s.notifyOwner(ctx, chatID, reversalOwnerText(r))
	s.logger.Info("reversal requested", zap.Int64("reversal", r.ID), zap.String("order", r.OrderID))

	return r, nil
}

// ResolveReversal применяет решение администратора по заявке на возврат.
// При одобрении сначала выполняется возврат платежа, затем закрывается заявка.
// Если заказ уже закрыт без возврата, заявка отклоняется и возвращается вместе
// с ошибкой model.ErrInvalidState.
func (s *Service) ResolveReversal(ctx context.Context, id int64, approve bool, actor string) (*model.ReversalRequest, error) {
	r, err := s.ledger.GetReversal(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() {
		s.fanout.Synchronize(ctx, r.AdminMessageRefs, reversalLabels[r.Status], r.ResolvedBy)
		return r, fmt.Errorf("reversal %d is %s: %w", id, r.Status, model.ErrAlreadyProcessed)
	}

	to := model.ReversalStatusDeclined
	var outcome error
	if approve {
		res, err := s.Refund(ctx, r.OrderID, actor)
		switch {
		case errors.Is(err, model.ErrAlreadyProcessed):
			// Заказ закрыт без возврата, одобрять нечего: заявка отклоняется.
			outcome = fmt.Errorf("%w: order %s is closed without refund, reversal %d declined", model.ErrInvalidState, r.OrderID, id)
		case err != nil:
			return nil, err
		case res.Order.Status != model.OrderStatusRefunded:
			return nil, fmt.Errorf("%w: order %s was not refunded", model.ErrInvalidState, r.OrderID)
		default:
			to = model.ReversalStatusCompleted
		}
	}

	resolved, err := s.ledger.TransitionReversal(ctx, id, model.ReversalStatusPending, to, actor, s.now())
	if errors.Is(err, model.ErrStatusMismatch) {
		if to == model.ReversalStatusCompleted {
			s.logger.Warn("reversal closed concurrently after refund", zap.Int64("reversal", id))
		}
		s.fanout.Synchronize(ctx, resolved.AdminMessageRefs, reversalLabels[resolved.Status], resolved.ResolvedBy)
		return resolved, fmt.Errorf("reversal %d is %s: %w", id, resolved.Status, model.ErrAlreadyProcessed)
	}
	if err != nil {
		return nil, err
	}

	s.fanout.Synchronize(ctx, resolved.AdminMessageRefs, reversalLabels[resolved.Status], actor)
	s.notifyOwner(ctx, resolved.OwnerID, reversalOwnerText(resolved))
	s.logger.Info("reversal resolved",
		zap.Int64("reversal", id),
		zap.String("status", string(resolved.Status)),
		zap.String("actor", actor),
	)

	return resolved, outcome
}

// HandleOwnerMessage обрабатывает текстовое сообщение владельца: продолжает
// открытый диалог или открывает заявку командой /reverse <номер заказа>.
func (s *Service) HandleOwnerMessage(ctx context.Context, chatID, ownerID int64, text string) (string, error) {
	if orderID, ok := strings.CutPrefix(strings.TrimSpace(text), "/reverse"); ok {
		orderID = strings.TrimSpace(orderID)
		if !validation.IsValidOrderID(orderID) {
			return "", fmt.Errorf("%w: usage /reverse <order id>", model.ErrValidation)
		}
		if err := s.StartReversal(ctx, ownerID, chatID, orderID); err != nil {
			return "", err
		}
		return "dialog started", nil
	}

	if _, err := s.SubmitReversalReason(ctx, chatID, ownerID, text); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return "ignored", nil
		}
		return "", err
	}
	return "reversal requested", nil
}

func (s *Service) dropDialog(ctx context.Context, chatID int64) {
	if err := s.ledger.DeleteDialog(ctx, chatID); err != nil && !errors.Is(err, model.ErrNotFound) {
		s.logger.Warn("delete dialog failed", zap.Int64("chat", chatID), zap.Error(err))
	}
}
