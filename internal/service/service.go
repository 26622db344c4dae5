// Package service реализует жизненный цикл заказов и движок расчётов сервиса обмена звёзд.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/starsgate/internal/fanout"
	"github.com/mmeshcher/starsgate/internal/model"
	"github.com/mmeshcher/starsgate/internal/pricing"
)

const (
	// SessionTTL задаёт фиксированную длительность сессии оплаты заказа на продажу. Не продлевается.
	SessionTTL = 15 * time.Minute
	// BuyOrderTTL задаёт срок ожидания оплаты заказа на покупку.
	BuyOrderTTL = time.Hour
	// ReversalWindow ограничивает заявки на возврат: не более одной за этот период.
	ReversalWindow = 30 * 24 * time.Hour

	refundReconcileGrace = 2 * time.Minute
	sweepBatchSize       = 100
)

// Ledger описывает контракт хранилища заказов, используемый сервисом.
// Все изменения заказа выполняются через TransitionOrder с проверкой текущего статуса.
type Ledger interface {
	Close() error

	CreateSellOrder(ctx context.Context, o *model.Order) error
	CreateBuyOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrdersByOwner(ctx context.Context, ownerID int64) ([]model.Order, error)
	ReleaseSession(ctx context.Context, id string, ownerID int64) (*model.Order, error)
	// TransitionOrder блокирует заказ, проверяет, что его статус равен from, применяет apply
	// и фиксирует результат в одной транзакции. При несовпадении статуса возвращает
	// текущее состояние заказа и model.ErrStatusMismatch.
	TransitionOrder(ctx context.Context, id string, from model.OrderStatus, apply func(o *model.Order) error) (*model.Order, error)
	SetRefundRequested(ctx context.Context, id string, at *time.Time) error
	AppendAdminMessageRefs(ctx context.Context, id string, refs []model.AdminMessageRef) error
	GetExpiredPendingOrders(ctx context.Context, now time.Time, limit int) ([]model.Order, error)
	GetStaleRefundRequests(ctx context.Context, before time.Time, limit int) ([]model.Order, error)

	HasReversalSince(ctx context.Context, ownerID int64, since time.Time) (bool, error)
	CreateReversal(ctx context.Context, r *model.ReversalRequest, since time.Time) error
	GetReversal(ctx context.Context, id int64) (*model.ReversalRequest, error)
	TransitionReversal(ctx context.Context, id int64, from, to model.ReversalStatus, actor string, at time.Time) (*model.ReversalRequest, error)
	AppendReversalMessageRefs(ctx context.Context, id int64, refs []model.AdminMessageRef) error

	SaveDialog(ctx context.Context, d *model.DialogSession) error
	GetDialog(ctx context.Context, chatID int64) (*model.DialogSession, error)
	DeleteDialog(ctx context.Context, chatID int64) error
	DeleteExpiredDialogs(ctx context.Context, now time.Time, limit int) ([]model.DialogSession, error)
}

// PaymentGateway описывает вызовы внешней платёжной платформы.
type PaymentGateway interface {
	CreateInvoiceLink(ctx context.Context, title, description, payload string, stars int64) (string, error)
	AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error
	AnswerCallbackQuery(ctx context.Context, queryID, text string) error
	RefundStarPayment(ctx context.Context, userID int64, chargeID string) (bool, error)
}

// AdminFanout рассылает уведомления администраторам и синхронизирует их копии.
type AdminFanout interface {
	NotifyAll(ctx context.Context, text string, buttons [][]model.Button) []model.AdminMessageRef
	Synchronize(ctx context.Context, refs []model.AdminMessageRef, statusText, actor string)
}

// EventPublisher публикует события о зафиксированных переходах статуса.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, ev model.OrderEvent) error
}

// Options содержит настраиваемые параметры сервиса.
type Options struct {
	Admins             []int64
	SupportContact     string
	GatewayTimeout     time.Duration
	PreCheckoutTimeout time.Duration
	DialogTTL          time.Duration
	SweepInterval      time.Duration
	Publisher          EventPublisher
	Logger             *zap.Logger
	Now                func() time.Time
}

// Service содержит бизнес-логику сервиса обмена звёзд.
type Service struct {
	ledger    Ledger
	gateway   PaymentGateway
	sink      fanout.Sink
	fanout    AdminFanout
	prices    *pricing.Table
	publisher EventPublisher
	logger    *zap.Logger
	now       func() time.Time

	admins             map[int64]struct{}
	supportContact     string
	gatewayTimeout     time.Duration
	preCheckoutTimeout time.Duration
	dialogTTL          time.Duration
	sweepInterval      time.Duration
}

// NewService создаёт сервис. sink используется для уведомлений владельцам заказов,
// fan для рассылки администраторам.
func NewService(ledger Ledger, gateway PaymentGateway, sink fanout.Sink, fan AdminFanout, prices *pricing.Table, opts Options) *Service {
	s := &Service{
		ledger:             ledger,
		gateway:            gateway,
		sink:               sink,
		fanout:             fan,
		prices:             prices,
		publisher:          opts.Publisher,
		logger:             opts.Logger,
		now:                opts.Now,
		admins:             make(map[int64]struct{}, len(opts.Admins)),
		supportContact:     opts.SupportContact,
		gatewayTimeout:     opts.GatewayTimeout,
		preCheckoutTimeout: opts.PreCheckoutTimeout,
		dialogTTL:          opts.DialogTTL,
		sweepInterval:      opts.SweepInterval,
	}

	for _, id := range opts.Admins {
		s.admins[id] = struct{}{}
	}
	if s.prices == nil {
		s.prices = pricing.Default()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.gatewayTimeout <= 0 {
		s.gatewayTimeout = 10 * time.Second
	}
	if s.preCheckoutTimeout <= 0 {
		s.preCheckoutTimeout = 3 * time.Second
	}
	if s.dialogTTL <= 0 {
		s.dialogTTL = 10 * time.Minute
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = 30 * time.Second
	}

	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.ledger != nil {
		return s.ledger.Close()
	}
	return nil
}

// IsAdmin сообщает, является ли пользователь администратором.
func (s *Service) IsAdmin(userID int64) bool {
	_, ok := s.admins[userID]
	return ok
}

func (s *Service) notifyOwner(ctx context.Context, ownerID int64, text string) {
	if s.sink == nil {
		return
	}
	if _, err := s.sink.SendMessage(ctx, ownerID, text, nil); err != nil {
		s.logger.Warn("owner notification failed", zap.Int64("ownerID", ownerID), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, o *model.Order, actor string) {
	if s.publisher == nil || o == nil {
		return
	}
	ev := model.OrderEvent{
		OrderID:   o.ID,
		OwnerID:   o.OwnerID,
		Direction: o.Direction,
		Status:    o.Status,
		Actor:     actor,
		At:        s.now().UTC(),
	}
	if err := s.publisher.PublishOrderEvent(ctx, ev); err != nil {
		s.logger.Warn("publish order event failed", zap.String("order", o.ID), zap.Error(err))
	}
}
