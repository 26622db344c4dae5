package model

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	callbackOrderPrefix    = "ord"
	callbackReversalPrefix = "rev"
	callbackStartReversal  = "reverse"
)

// InvoicePayload формирует полезную нагрузку счёта, связывающую платёж с заказом и сессией.
func InvoicePayload(orderID, token string) string {
	return orderID + ":" + token
}

// ParseInvoicePayload разбирает полезную нагрузку счёта.
func ParseInvoicePayload(payload string) (orderID, token string, err error) {
	orderID, token, ok := strings.Cut(payload, ":")
	if !ok || orderID == "" || token == "" {
		return "", "", fmt.Errorf("%w: malformed invoice payload", ErrValidation)
	}
	return orderID, token, nil
}

// OrderActionData формирует данные кнопки действия администратора над заказом.
func OrderActionData(action AdminAction, orderID string) string {
	return callbackOrderPrefix + ":" + string(action) + ":" + orderID
}

// ReversalActionData формирует данные кнопки решения по заявке на возврат.
func ReversalActionData(action AdminAction, reversalID int64) string {
	return callbackReversalPrefix + ":" + string(action) + ":" + strconv.FormatInt(reversalID, 10)
}

// StartReversalData формирует данные кнопки, открывающей заявку на возврат.
func StartReversalData(orderID string) string {
	return callbackStartReversal + ":" + orderID
}

// ParseCallbackData превращает данные inline-кнопки в событие без сведений об инициаторе.
func ParseCallbackData(data string) (GatewayEvent, error) {
	parts := strings.Split(data, ":")
	switch {
	case len(parts) == 3 && parts[0] == callbackOrderPrefix && parts[2] != "":
		return GatewayEvent{Type: EventAdminAction, Action: AdminAction(parts[1]), OrderID: parts[2]}, nil
	case len(parts) == 3 && parts[0] == callbackReversalPrefix:
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || id <= 0 {
			return GatewayEvent{}, fmt.Errorf("%w: bad reversal id %q", ErrValidation, parts[2])
		}
		return GatewayEvent{Type: EventReversalAction, Action: AdminAction(parts[1]), ReversalID: id}, nil
	case len(parts) == 2 && parts[0] == callbackStartReversal && parts[1] != "":
		return GatewayEvent{Type: EventReversalStart, OrderID: parts[1]}, nil
	}
	return GatewayEvent{}, fmt.Errorf("%w: unknown callback data %q", ErrValidation, data)
}
