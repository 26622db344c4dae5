package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/starsgate/internal/model"
)

type recordingHandler struct {
	events []model.GatewayEvent
	err    error
}

func (h *recordingHandler) HandleGatewayEvent(ctx context.Context, ev model.GatewayEvent) (model.EventResult, error) {
	h.events = append(h.events, ev)
	if h.err != nil {
		return model.EventResult{}, h.err
	}
	return model.EventResult{Accepted: true}, nil
}

func TestDecodeGatewayEvent_MarksSystem(t *testing.T) {
	ev, err := decodeGatewayEvent([]byte(`{"type":"buy_payment_confirmed","orderId":"abc123","actorId":0}`))
	require.NoError(t, err)

	assert.Equal(t, model.EventBuyPaymentConfirmed, ev.Type)
	assert.Equal(t, "abc123", ev.OrderID)
	assert.True(t, ev.System)
}

func TestDecodeGatewayEvent_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"type":`},
		{"no type", `{"orderId":"abc123"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeGatewayEvent([]byte(tt.data))
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestHandle_RepliesWithResult(t *testing.T) {
	b := &Bus{logger: zap.NewNop()}
	h := &recordingHandler{}

	reply, err := b.handle(context.Background(), h, []byte(`{"type":"buy_payment_confirmed","orderId":"abc123"}`))
	require.NoError(t, err)
	require.Len(t, h.events, 1)
	assert.True(t, h.events[0].System)

	var res model.EventResult
	require.NoError(t, json.Unmarshal(reply, &res))
	assert.True(t, res.Accepted)
}

func TestHandle_PropagatesHandlerError(t *testing.T) {
	b := &Bus{logger: zap.NewNop()}
	h := &recordingHandler{err: model.ErrInvalidState}

	reply, err := b.handle(context.Background(), h, []byte(`{"type":"buy_payment_confirmed","orderId":"abc123"}`))
	assert.True(t, errors.Is(err, model.ErrInvalidState))

	var res model.EventResult
	require.NoError(t, json.Unmarshal(reply, &res))
	assert.False(t, res.Accepted)
	assert.Equal(t, model.ErrInvalidState.Error(), res.Message)
}

func TestHandle_RejectsMalformedWithoutDispatch(t *testing.T) {
	b := &Bus{logger: zap.NewNop()}
	h := &recordingHandler{}

	_, err := b.handle(context.Background(), h, []byte(`garbage`))
	assert.Error(t, err)
	assert.Empty(t, h.events)
}

func TestOrderSubject(t *testing.T) {
	assert.Equal(t, "starsgate.orders.completed", orderSubject("starsgate.orders", model.OrderStatusCompleted))
}

func TestOrderEventEncoding(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(model.OrderEvent{
		OrderID:   "abc123",
		OwnerID:   42,
		Direction: model.DirectionSell,
		Status:    model.OrderStatusRefunded,
		Actor:     "admin:1001",
		At:        at,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderId":"abc123","ownerId":42,"direction":"sell","status":"refunded",
		"actor":"admin:1001","at":"2026-03-01T12:00:00Z"}`, string(data))
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "starsgate.orders", zap.NewNop())
	assert.Error(t, err)
}
