package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/starsgate/internal/model"
)

type edit struct {
	chatID, messageID int64
	text              string
}

type stubSink struct {
	mu       sync.Mutex
	failSend map[int64]bool
	failEdit map[int64]bool
	sent     map[int64]string
	edits    []edit
	nextID   int64
}

func newStubSink() *stubSink {
	return &stubSink{
		failSend: map[int64]bool{},
		failEdit: map[int64]bool{},
		sent:     map[int64]string{},
	}
}

func (s *stubSink) SendMessage(ctx context.Context, chatID int64, text string, buttons [][]model.Button) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend[chatID] {
		return 0, errors.New("bot was blocked by the user")
	}
	s.nextID++
	s.sent[chatID] = text
	return chatID*1000 + s.nextID, nil
}

func (s *stubSink) EditMessageText(ctx context.Context, chatID, messageID int64, text string, buttons [][]model.Button) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failEdit[chatID] {
		return errors.New("message to edit not found")
	}
	s.edits = append(s.edits, edit{chatID, messageID, text})
	return nil
}

func TestNotifyAll_BestEffort(t *testing.T) {
	sink := newStubSink()
	sink.failSend[2] = true

	f := New(sink, []int64{1, 2, 3}, nil)

	refs := f.NotifyAll(context.Background(), "new order", nil)

	require.Len(t, refs, 2)
	assert.Equal(t, int64(1), refs[0].AdminID)
	assert.Equal(t, int64(3), refs[1].AdminID)
	assert.Equal(t, "new order", refs[0].RenderedText)
	assert.NotZero(t, refs[0].MessageRef)
}

func TestSynchronize_SwallowsEditErrors(t *testing.T) {
	sink := newStubSink()
	sink.failEdit[1] = true

	f := New(sink, []int64{1, 2}, nil)
	refs := []model.AdminMessageRef{
		{AdminID: 1, MessageRef: 10, RenderedText: "order A"},
		{AdminID: 2, MessageRef: 20, RenderedText: "order A"},
	}

	f.Synchronize(context.Background(), refs, "выполнен", "@admin")

	require.Len(t, sink.edits, 1)
	assert.Equal(t, int64(20), sink.edits[0].messageID)
	assert.Equal(t, "order A\n\nСтатус: выполнен (@admin)", sink.edits[0].text)
}

func TestRenderResolved_NoActor(t *testing.T) {
	assert.Equal(t, "x\n\nСтатус: истёк", RenderResolved("x", "истёк", ""))
}
