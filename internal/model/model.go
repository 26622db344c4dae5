// Package model содержит доменные сущности сервиса обмена звёзд.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction задаёт направление заказа.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Product описывает, что именно покупает пользователь в заказе на покупку.
type Product string

const (
	ProductStars   Product = "stars"
	ProductPremium Product = "premium"
)

// OrderStatus описывает статус обработки заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusDeclined   OrderStatus = "declined"
	OrderStatusRefunded   OrderStatus = "refunded"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusExpired    OrderStatus = "expired"
)

// SessionLock резервирует ожидающий оплаты заказ на продажу за одним плательщиком.
type SessionLock struct {
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expiresAt"`
	LockedOwnerID int64     `json:"lockedOwnerId"`
}

// Active сообщает, действует ли блокировка в момент now.
func (l *SessionLock) Active(now time.Time) bool {
	return l != nil && l.Token != "" && now.Before(l.ExpiresAt)
}

// AdminMessageRef указывает на копию уведомления у конкретного администратора.
type AdminMessageRef struct {
	AdminID      int64  `json:"adminId"`
	MessageRef   int64  `json:"messageRef"`
	RenderedText string `json:"renderedText"`
}

// Order описывает заказ на покупку или продажу звёзд.
type Order struct {
	ID                 string
	OwnerID            int64
	Direction          Direction
	Product            Product
	Quantity           int64
	SettlementAmount   decimal.Decimal
	Rate               decimal.Decimal
	Currency           string
	DestinationAddress string
	Memo               string
	Status             OrderStatus
	ExternalChargeRef  string
	SessionLock        *SessionLock
	ExpiresAt          time.Time
	AdminMessageRefs   []AdminMessageRef
	AlreadyRefunded    bool
	ResolvedBy         string
	RefundRequestedAt  *time.Time
	CreatedAt          time.Time
	PaidAt             *time.Time
	CompletedAt        *time.Time
	DeclinedAt         *time.Time
	FailedAt           *time.Time
	RefundedAt         *time.Time
	ExpiredAt          *time.Time
}

// Clone возвращает копию заказа, не разделяющую изменяемые поля с оригиналом.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.SessionLock != nil {
		l := *o.SessionLock
		c.SessionLock = &l
	}
	if o.AdminMessageRefs != nil {
		c.AdminMessageRefs = append([]AdminMessageRef(nil), o.AdminMessageRefs...)
	}
	return &c
}

// ReversalStatus описывает статус заявки на возврат.
type ReversalStatus string

const (
	ReversalStatusPending   ReversalStatus = "pending"
	ReversalStatusCompleted ReversalStatus = "completed"
	ReversalStatusDeclined  ReversalStatus = "declined"
)

// ReversalRequest описывает заявку владельца на возврат оплаты по заказу.
type ReversalRequest struct {
	ID               int64
	OrderID          string
	OwnerID          int64
	Reason           string
	Status           ReversalStatus
	AdminMessageRefs []AdminMessageRef
	ResolvedBy       string
	CreatedAt        time.Time
	ResolvedAt       *time.Time
}

// DialogKind задаёт тип диалога с пользователем.
type DialogKind string

const DialogReversalReason DialogKind = "reversal_reason"

// DialogSession хранит состояние незавершённого диалога с пользователем.
type DialogSession struct {
	ChatID    int64
	OwnerID   int64
	Kind      DialogKind
	OrderID   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Button описывает inline-кнопку сообщения.
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data"`
}
