package model

import "time"

// EventType задаёт тип входящего события платёжной платформы.
type EventType string

const (
	EventPreCheckout         EventType = "pre_checkout"
	EventPaymentCaptured     EventType = "payment_captured"
	EventBuyPaymentConfirmed EventType = "buy_payment_confirmed"
	EventAdminAction         EventType = "admin_action"
	EventReversalStart       EventType = "reversal_start"
	EventReversalAction      EventType = "reversal_action"
	EventOwnerMessage        EventType = "owner_message"
)

// AdminAction задаёт действие администратора над заказом.
type AdminAction string

const (
	ActionComplete AdminAction = "complete"
	ActionDecline  AdminAction = "decline"
	ActionFail     AdminAction = "fail"
	ActionRefund   AdminAction = "refund"
	ActionApprove  AdminAction = "approve"
)

// GatewayEvent описывает входящее событие платёжной платформы или чата.
type GatewayEvent struct {
	Type       EventType   `json:"type"`
	QueryID    string      `json:"queryId,omitempty"`
	OrderID    string      `json:"orderId,omitempty"`
	Token      string      `json:"token,omitempty"`
	ChargeRef  string      `json:"chargeRef,omitempty"`
	Amount     int64       `json:"amount,omitempty"`
	ActorID    int64       `json:"actorId"`
	ActorLabel string      `json:"actorLabel,omitempty"`
	ChatID     int64       `json:"chatId,omitempty"`
	Action     AdminAction `json:"action,omitempty"`
	ReversalID int64       `json:"reversalId,omitempty"`
	Text       string      `json:"text,omitempty"`

	// System выставляется доверенным внутренним источником, а не отправителем события.
	System bool `json:"-"`
}

// EventResult содержит результат обработки входящего события.
type EventResult struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// OrderEvent публикуется после каждого зафиксированного перехода статуса заказа.
type OrderEvent struct {
	OrderID   string      `json:"orderId"`
	OwnerID   int64       `json:"ownerId"`
	Direction Direction   `json:"direction"`
	Status    OrderStatus `json:"status"`
	Actor     string      `json:"actor,omitempty"`
	At        time.Time   `json:"at"`
}
