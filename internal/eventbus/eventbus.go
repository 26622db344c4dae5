// Package eventbus связывает сервис с шиной NATS: принимает доверенные события
// платёжной платформы и публикует переходы статусов заказов.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mmeshcher/starsgate/internal/model"
)

const (
	clientName    = "starsgate"
	handleTimeout = 30 * time.Second
)

// EventHandler обрабатывает входящее событие платёжной платформы.
type EventHandler interface {
	HandleGatewayEvent(ctx context.Context, ev model.GatewayEvent) (model.EventResult, error)
}

// Bus инкапсулирует подключение к NATS.
type Bus struct {
	conn          *nats.Conn
	logger        *zap.Logger
	subjectPrefix string
}

// Connect подключается к NATS. События заказов публикуются в темы вида
// <subjectPrefix>.<status>.
func Connect(url, subjectPrefix string, logger *zap.Logger) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &Bus{conn: conn, logger: logger, subjectPrefix: subjectPrefix}, nil
}

// Close дожидается доставки отправленных сообщений и закрывает подключение.
func (b *Bus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("nats drain failed", zap.Error(err))
		b.conn.Close()
	}
}

// PublishOrderEvent публикует переход статуса заказа.
func (b *Bus) PublishOrderEvent(_ context.Context, ev model.OrderEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	if err := b.conn.Publish(orderSubject(b.subjectPrefix, ev.Status), data); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// SubscribeGatewayEvents обрабатывает события из subject до отмены ctx.
// Источник на шине считается доверенным, поэтому событие помечается как системное.
func (b *Bus) SubscribeGatewayEvents(ctx context.Context, subject string, h EventHandler) error {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		reply, err := b.handle(ctx, h, msg.Data)
		if err != nil {
			b.logger.Error("gateway event from bus failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
		if msg.Reply != "" && reply != nil {
			if err := msg.Respond(reply); err != nil {
				b.logger.Warn("reply to gateway event failed", zap.Error(err))
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	b.logger.Info("subscribed to gateway events", zap.String("subject", subject))

	<-ctx.Done()

	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.logger.Warn("unsubscribe failed", zap.Error(err))
	}
	return nil
}

// handle декодирует и обрабатывает одно сообщение, возвращая ответ для отправителя.
func (b *Bus) handle(ctx context.Context, h EventHandler, data []byte) ([]byte, error) {
	ev, err := decodeGatewayEvent(data)
	if err != nil {
		reply, _ := json.Marshal(model.EventResult{Message: err.Error()})
		return reply, err
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	res, err := h.HandleGatewayEvent(ctx, ev)
	if err != nil {
		res = model.EventResult{Message: err.Error()}
	}
	reply, mErr := json.Marshal(res)
	if mErr != nil {
		return nil, mErr
	}
	return reply, err
}

func decodeGatewayEvent(data []byte) (model.GatewayEvent, error) {
	var ev model.GatewayEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.GatewayEvent{}, fmt.Errorf("%w: decode gateway event: %v", model.ErrValidation, err)
	}
	if ev.Type == "" {
		return model.GatewayEvent{}, fmt.Errorf("%w: gateway event without type", model.ErrValidation)
	}
	ev.System = true
	return ev, nil
}

func orderSubject(prefix string, status model.OrderStatus) string {
	return prefix + "." + string(status)
}
