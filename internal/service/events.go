package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/starsgate/internal/model"
)

// HandleGatewayEvent служит единой точкой входа для событий платёжной платформы и чата,
// общая для вебхука и подписчика шины событий.
func (s *Service) HandleGatewayEvent(ctx context.Context, ev model.GatewayEvent) (model.EventResult, error) {
	switch ev.Type {
	case model.EventPreCheckout:
		return s.handlePreCheckout(ctx, ev)

	case model.EventPaymentCaptured:
		_, err := s.OnPaymentCaptured(ctx, ev.OrderID, ev.ChargeRef, ev.ActorID)
		return captureResult(err)

	case model.EventBuyPaymentConfirmed:
		if !ev.System && !s.IsAdmin(ev.ActorID) {
			return model.EventResult{}, model.ErrForbidden
		}
		_, err := s.ConfirmBuyPayment(ctx, ev.OrderID, actorLabel(ev))
		return captureResult(err)

	case model.EventAdminAction:
		return s.handleAdminAction(ctx, ev)

	case model.EventReversalStart:
		err := s.StartReversal(ctx, ev.ActorID, ev.ChatID, ev.OrderID)
		s.answerCallback(ctx, ev.QueryID, callbackText(err, reversalPromptText()))
		if err != nil {
			return model.EventResult{}, err
		}
		return model.EventResult{Accepted: true, Message: "dialog started"}, nil

	case model.EventReversalAction:
		return s.handleReversalAction(ctx, ev)

	case model.EventOwnerMessage:
		msg, err := s.HandleOwnerMessage(ctx, ev.ChatID, ev.ActorID, ev.Text)
		if err != nil {
			return model.EventResult{}, err
		}
		return model.EventResult{Accepted: true, Message: msg}, nil
	}

	return model.EventResult{}, fmt.Errorf("%w: unknown event type %q", model.ErrValidation, ev.Type)
}

func (s *Service) handlePreCheckout(ctx context.Context, ev model.GatewayEvent) (model.EventResult, error) {
	decision := s.ValidatePreCheckout(ctx, ev.OrderID, ev.Token, ev.ActorID, ev.Amount)
	if !decision.OK {
		s.logger.Info("pre-checkout rejected", zap.String("order", ev.OrderID), zap.String("reason", decision.Reason))
	}

	if ev.QueryID != "" {
		ctx, cancel := context.WithTimeout(ctx, s.preCheckoutTimeout)
		defer cancel()
		if err := s.gateway.AnswerPreCheckoutQuery(ctx, ev.QueryID, decision.OK, decision.Reason); err != nil {
			return model.EventResult{}, fmt.Errorf("%w: answer pre-checkout: %v", model.ErrGateway, err)
		}
	}
	return model.EventResult{Accepted: decision.OK, Message: decision.Reason}, nil
}

func (s *Service) handleAdminAction(ctx context.Context, ev model.GatewayEvent) (model.EventResult, error) {
	if !s.IsAdmin(ev.ActorID) {
		s.answerCallback(ctx, ev.QueryID, "Недостаточно прав")
		return model.EventResult{}, model.ErrForbidden
	}

	order, err := s.ApplyAdminAction(ctx, ev.OrderID, ev.Action, actorLabel(ev))
	switch {
	case errors.Is(err, model.ErrAlreadyProcessed):
		s.answerCallback(ctx, ev.QueryID, msgAlreadyProcessed)
		return model.EventResult{Accepted: false, Message: model.ErrAlreadyProcessed.Error()}, nil
	case err != nil:
		s.answerCallback(ctx, ev.QueryID, callbackText(err, ""))
		return model.EventResult{}, err
	}

	s.answerCallback(ctx, ev.QueryID, "Статус: "+statusLabel(order.Status))
	return model.EventResult{Accepted: true, Message: string(order.Status)}, nil
}

func (s *Service) handleReversalAction(ctx context.Context, ev model.GatewayEvent) (model.EventResult, error) {
	if !s.IsAdmin(ev.ActorID) {
		s.answerCallback(ctx, ev.QueryID, "Недостаточно прав")
		return model.EventResult{}, model.ErrForbidden
	}

	var approve bool
	switch ev.Action {
	case model.ActionApprove:
		approve = true
	case model.ActionDecline:
	default:
		return model.EventResult{}, fmt.Errorf("%w: unknown reversal action %q", model.ErrValidation, ev.Action)
	}

	r, err := s.ResolveReversal(ctx, ev.ReversalID, approve, actorLabel(ev))
	switch {
	case errors.Is(err, model.ErrAlreadyProcessed):
		s.answerCallback(ctx, ev.QueryID, "Заявка уже обработана")
		return model.EventResult{Accepted: false, Message: model.ErrAlreadyProcessed.Error()}, nil
	case r != nil && errors.Is(err, model.ErrInvalidState):
		s.answerCallback(ctx, ev.QueryID, "Заказ уже закрыт, заявка "+reversalLabels[r.Status])
		return model.EventResult{Accepted: false, Message: string(r.Status)}, nil
	case err != nil:
		s.answerCallback(ctx, ev.QueryID, callbackText(err, ""))
		return model.EventResult{}, err
	}

	s.answerCallback(ctx, ev.QueryID, "Заявка "+reversalLabels[r.Status])
	return model.EventResult{Accepted: true, Message: string(r.Status)}, nil
}

func (s *Service) answerCallback(ctx context.Context, queryID, text string) {
	if queryID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	if err := s.gateway.AnswerCallbackQuery(ctx, queryID, text); err != nil {
		s.logger.Debug("answer callback failed", zap.String("query", queryID), zap.Error(err))
	}
}

func captureResult(err error) (model.EventResult, error) {
	switch {
	case errors.Is(err, model.ErrAlreadyProcessed):
		return model.EventResult{Accepted: true, Message: model.ErrAlreadyProcessed.Error()}, nil
	case err != nil:
		return model.EventResult{}, err
	}
	return model.EventResult{Accepted: true}, nil
}

func actorLabel(ev model.GatewayEvent) string {
	if ev.ActorLabel != "" {
		return ev.ActorLabel
	}
	if ev.System && ev.ActorID == 0 {
		return "system"
	}
	return fmt.Sprintf("id%d", ev.ActorID)
}

func callbackText(err error, ok string) string {
	switch {
	case err == nil:
		return ok
	case errors.Is(err, model.ErrRateLimited):
		return "Заявку на возврат можно подать не чаще раза в 30 дней"
	case errors.Is(err, model.ErrInvalidState):
		return "Действие недоступно для текущего статуса заказа"
	case errors.Is(err, model.ErrNotFound):
		return "Заказ не найден"
	case errors.Is(err, model.ErrGateway):
		return "Платёжный сервис недоступен, попробуйте позже"
	}
	return "Не удалось выполнить действие"
}
