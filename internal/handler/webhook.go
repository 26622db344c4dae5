package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/starsgate/internal/model"
	"github.com/mmeshcher/starsgate/internal/telegram"
)

// Webhook принимает обновления Bot API и передаёт их в сервис как события платёжной платформы.
// На доменные отказы отвечает 200, чтобы Bot API не повторял доставку; на внутренние сбои 500.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var upd telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ev, ok, err := eventFromUpdate(upd)
	if err != nil {
		h.logger.Debug("unsupported update", zap.Int64("updateID", upd.UpdateID), zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	res, err := h.service.HandleGatewayEvent(r.Context(), ev)
	if err != nil {
		if isDomainError(err) {
			h.logger.Info("gateway event rejected",
				zap.String("type", string(ev.Type)),
				zap.String("order", ev.OrderID),
				zap.Error(err),
			)
			writeJSON(w, http.StatusOK, model.EventResult{Message: err.Error()})
			return
		}
		h.logger.Error("gateway event failed", zap.String("type", string(ev.Type)), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// eventFromUpdate переводит обновление Bot API в событие. ok=false означает,
// что обновление не требует обработки.
func eventFromUpdate(upd telegram.Update) (model.GatewayEvent, bool, error) {
	switch {
	case upd.PreCheckoutQuery != nil:
		q := upd.PreCheckoutQuery
		ev := model.GatewayEvent{
			Type:       model.EventPreCheckout,
			QueryID:    q.ID,
			ActorID:    q.From.ID,
			ActorLabel: q.From.Label(),
			Amount:     q.TotalAmount,
		}
		// Нераспознанный счёт всё равно передаётся в сервис, чтобы запрос получил отказ.
		if orderID, token, err := model.ParseInvoicePayload(q.InvoicePayload); err == nil && q.Currency == telegram.StarsCurrency {
			ev.OrderID, ev.Token = orderID, token
		}
		return ev, true, nil

	case upd.CallbackQuery != nil:
		q := upd.CallbackQuery
		ev, err := model.ParseCallbackData(q.Data)
		if err != nil {
			return model.GatewayEvent{}, false, err
		}
		ev.QueryID = q.ID
		ev.ActorID = q.From.ID
		ev.ActorLabel = q.From.Label()
		if q.Message != nil {
			ev.ChatID = q.Message.Chat.ID
		}
		return ev, true, nil

	case upd.Message != nil && upd.Message.SuccessfulPayment != nil:
		m := upd.Message
		p := m.SuccessfulPayment
		if p.Currency != telegram.StarsCurrency {
			return model.GatewayEvent{}, false, errors.New("payment currency is not stars")
		}
		orderID, _, err := model.ParseInvoicePayload(p.InvoicePayload)
		if err != nil {
			return model.GatewayEvent{}, false, err
		}
		ev := model.GatewayEvent{
			Type:      model.EventPaymentCaptured,
			OrderID:   orderID,
			ChargeRef: p.TelegramPaymentChargeID,
			ChatID:    m.Chat.ID,
			Amount:    p.TotalAmount,
		}
		if m.From != nil {
			ev.ActorID = m.From.ID
			ev.ActorLabel = m.From.Label()
		}
		return ev, true, nil

	case upd.Message != nil && upd.Message.From != nil && upd.Message.Text != "":
		m := upd.Message
		return model.GatewayEvent{
			Type:       model.EventOwnerMessage,
			ActorID:    m.From.ID,
			ActorLabel: m.From.Label(),
			ChatID:     m.Chat.ID,
			Text:       m.Text,
		}, true, nil
	}

	return model.GatewayEvent{}, false, nil
}

func isDomainError(err error) bool {
	for _, target := range []error{
		model.ErrValidation, model.ErrNotFound, model.ErrConflict, model.ErrAlreadyProcessed,
		model.ErrExpired, model.ErrInvalidState, model.ErrRateLimited, model.ErrForbidden,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
