package service

import (
	"fmt"
	"strings"

	"github.com/mmeshcher/starsgate/internal/model"
)

var statusLabels = map[model.OrderStatus]string{
	model.OrderStatusPending:    "ожидает оплаты",
	model.OrderStatusProcessing: "в обработке",
	model.OrderStatusCompleted:  "выполнен",
	model.OrderStatusDeclined:   "отклонён",
	model.OrderStatusRefunded:   "возвращён",
	model.OrderStatusFailed:     "ошибка",
	model.OrderStatusExpired:    "истёк",
}

var reversalLabels = map[model.ReversalStatus]string{
	model.ReversalStatusPending:   "на рассмотрении",
	model.ReversalStatusCompleted: "одобрена",
	model.ReversalStatusDeclined:  "отклонена",
}

const msgAlreadyProcessed = "Заказ уже обработан"

func statusLabel(s model.OrderStatus) string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

func (s *Service) supportLine(orderID string) string {
	if s.supportContact == "" {
		return fmt.Sprintf("Номер заказа: %s", orderID)
	}
	return fmt.Sprintf("Если возникли вопросы, напишите в поддержку %s и укажите номер заказа %s.", s.supportContact, orderID)
}

func sellAdminText(o *model.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Продажа звёзд %s\n", o.ID)
	fmt.Fprintf(&b, "Пользователь: %d\n", o.OwnerID)
	fmt.Fprintf(&b, "Звёзд: %d\n", o.Quantity)
	fmt.Fprintf(&b, "К выплате: %s %s\n", o.SettlementAmount.StringFixed(2), o.Currency)
	fmt.Fprintf(&b, "Адрес: %s", o.DestinationAddress)
	if o.Memo != "" {
		fmt.Fprintf(&b, "\nКомментарий: %s", o.Memo)
	}
	fmt.Fprintf(&b, "\nПлатёж: %s", o.ExternalChargeRef)
	return b.String()
}

func buyAdminText(o *model.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Покупка %s\n", o.ID)
	fmt.Fprintf(&b, "Пользователь: %d\n", o.OwnerID)
	if o.Product == model.ProductPremium {
		fmt.Fprintf(&b, "Premium, месяцев: %d\n", o.Quantity)
	} else {
		fmt.Fprintf(&b, "Звёзд: %d\n", o.Quantity)
	}
	fmt.Fprintf(&b, "Оплачено: %s %s\n", o.SettlementAmount.StringFixed(2), o.Currency)
	fmt.Fprintf(&b, "Получатель: %s", o.DestinationAddress)
	return b.String()
}

func sellAdminButtons(orderID string) [][]model.Button {
	return [][]model.Button{
		{
			{Text: "Выплачено", Data: model.OrderActionData(model.ActionComplete, orderID)},
			{Text: "Отклонить", Data: model.OrderActionData(model.ActionDecline, orderID)},
		},
		{
			{Text: "Вернуть звёзды", Data: model.OrderActionData(model.ActionRefund, orderID)},
			{Text: "Ошибка", Data: model.OrderActionData(model.ActionFail, orderID)},
		},
	}
}

func buyAdminButtons(orderID string) [][]model.Button {
	return [][]model.Button{
		{
			{Text: "Выполнено", Data: model.OrderActionData(model.ActionComplete, orderID)},
			{Text: "Отклонить", Data: model.OrderActionData(model.ActionDecline, orderID)},
			{Text: "Ошибка", Data: model.OrderActionData(model.ActionFail, orderID)},
		},
	}
}

func reversalAdminText(r *model.ReversalRequest, o *model.Order) string {
	return fmt.Sprintf("Заявка на возврат #%d\nЗаказ: %s\nПользователь: %d\nЗвёзд: %d\nПричина: %s",
		r.ID, r.OrderID, r.OwnerID, o.Quantity, r.Reason)
}

func reversalAdminButtons(id int64) [][]model.Button {
	return [][]model.Button{{
		{Text: "Одобрить", Data: model.ReversalActionData(model.ActionApprove, id)},
		{Text: "Отклонить", Data: model.ReversalActionData(model.ActionDecline, id)},
	}}
}

func (s *Service) ownerStatusText(o *model.Order) string {
	switch o.Status {
	case model.OrderStatusProcessing:
		if o.Direction == model.DirectionSell {
			return fmt.Sprintf("Оплата по заказу %s получена. Выплата %s %s будет отправлена на %s после проверки.",
				o.ID, o.SettlementAmount.StringFixed(2), o.Currency, o.DestinationAddress)
		}
		return fmt.Sprintf("Оплата по заказу %s подтверждена. Заказ передан в обработку.", o.ID)
	case model.OrderStatusCompleted:
		return fmt.Sprintf("Заказ %s выполнен.", o.ID)
	case model.OrderStatusDeclined:
		return fmt.Sprintf("Заказ %s отклонён. %s", o.ID, s.supportLine(o.ID))
	case model.OrderStatusFailed:
		return fmt.Sprintf("При обработке заказа %s произошла ошибка. %s", o.ID, s.supportLine(o.ID))
	case model.OrderStatusRefunded:
		if o.AlreadyRefunded {
			return fmt.Sprintf("Возврат по заказу %s уже был обработан ранее. Звёзды вернулись на ваш счёт.", o.ID)
		}
		return fmt.Sprintf("Звёзды по заказу %s возвращены на ваш счёт.", o.ID)
	case model.OrderStatusExpired:
		return fmt.Sprintf("Время оплаты заказа %s истекло. Создайте новый заказ.", o.ID)
	}
	return fmt.Sprintf("Статус заказа %s: %s", o.ID, statusLabel(o.Status))
}

func (s *Service) rejectedPaymentText(orderID string) string {
	return fmt.Sprintf("Платёж по заказу %s не может быть принят и будет возвращён. %s", orderID, s.supportLine(orderID))
}

func reversalPromptText() string {
	return fmt.Sprintf("Опишите причину возврата одним сообщением (не менее %d слов).", minReasonWords)
}

func reversalOwnerText(r *model.ReversalRequest) string {
	switch r.Status {
	case model.ReversalStatusCompleted:
		return fmt.Sprintf("Заявка на возврат по заказу %s одобрена. Звёзды возвращены.", r.OrderID)
	case model.ReversalStatusDeclined:
		return fmt.Sprintf("Заявка на возврат по заказу %s отклонена.", r.OrderID)
	}
	return fmt.Sprintf("Заявка на возврат по заказу %s принята и передана администраторам.", r.OrderID)
}

const msgDialogExpired = "Время ожидания ответа истекло. Чтобы подать заявку на возврат, начните заново."
