// Package fanout рассылает уведомления о заказах всем администраторам
// и синхронизирует их копии при смене статуса.
package fanout

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/starsgate/internal/model"
)

const maxParallelSends = 8

// Sink отправляет и редактирует сообщения чат-платформы.
type Sink interface {
	SendMessage(ctx context.Context, chatID int64, text string, buttons [][]model.Button) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, buttons [][]model.Button) error
}

// Fanout рассылает одно и то же сообщение каждому администратору.
type Fanout struct {
	sink   Sink
	admins []int64
	logger *zap.Logger
}

// New создаёт компонент рассылки для указанного списка администраторов.
func New(sink Sink, admins []int64, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		sink:   sink,
		admins: append([]int64(nil), admins...),
		logger: logger,
	}
}

// Admins возвращает список администраторов.
func (f *Fanout) Admins() []int64 {
	return append([]int64(nil), f.admins...)
}

// NotifyAll отправляет сообщение всем администраторам и возвращает ссылки
// на успешно доставленные копии в порядке списка администраторов.
// Ошибка доставки одному администратору не мешает остальным.
func (f *Fanout) NotifyAll(ctx context.Context, text string, buttons [][]model.Button) []model.AdminMessageRef {
	results := make([]*model.AdminMessageRef, len(f.admins))

	var g errgroup.Group
	g.SetLimit(maxParallelSends)

	for i, adminID := range f.admins {
		g.Go(func() error {
			msgID, err := f.sink.SendMessage(ctx, adminID, text, buttons)
			if err != nil {
				f.logger.Warn("admin notification failed", zap.Int64("adminID", adminID), zap.Error(err))
				return nil
			}
			results[i] = &model.AdminMessageRef{
				AdminID:      adminID,
				MessageRef:   msgID,
				RenderedText: text,
			}
			return nil
		})
	}
	_ = g.Wait()

	refs := make([]model.AdminMessageRef, 0, len(results))
	for _, r := range results {
		if r != nil {
			refs = append(refs, *r)
		}
	}
	return refs
}

// Synchronize дописывает итоговый статус и инициатора в каждую копию сообщения
// и убирает кнопки действий. Ошибки редактирования игнорируются.
func (f *Fanout) Synchronize(ctx context.Context, refs []model.AdminMessageRef, statusText, actor string) {
	var g errgroup.Group
	g.SetLimit(maxParallelSends)

	for _, ref := range refs {
		g.Go(func() error {
			text := RenderResolved(ref.RenderedText, statusText, actor)
			if err := f.sink.EditMessageText(ctx, ref.AdminID, ref.MessageRef, text, nil); err != nil {
				f.logger.Debug("admin message sync failed",
					zap.Int64("adminID", ref.AdminID),
					zap.Int64("messageRef", ref.MessageRef),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// RenderResolved дописывает к исходному тексту строку с итоговым статусом.
func RenderResolved(original, statusText, actor string) string {
	if actor == "" {
		return fmt.Sprintf("%s\n\nСтатус: %s", original, statusText)
	}
	return fmt.Sprintf("%s\n\nСтатус: %s (%s)", original, statusText, actor)
}
