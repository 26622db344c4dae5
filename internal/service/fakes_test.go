package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/starsgate/internal/model"
)

// memLedger хранит заказы в памяти с теми же гарантиями, что и PostgreSQL-реализация:
// одна активная сессия на владельца и изменение заказа только через сравнение статуса.
type memLedger struct {
	mu        sync.Mutex
	orders    map[string]*model.Order
	reversals map[int64]*model.ReversalRequest
	dialogs   map[int64]*model.DialogSession
	nextRevID int64
}

func newMemLedger() *memLedger {
	return &memLedger{
		orders:    make(map[string]*model.Order),
		reversals: make(map[int64]*model.ReversalRequest),
		dialogs:   make(map[int64]*model.DialogSession),
	}
}

func (l *memLedger) Close() error { return nil }

func (l *memLedger) CreateSellOrder(_ context.Context, o *model.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, cur := range l.orders {
		if cur.OwnerID != o.OwnerID || cur.Direction != model.DirectionSell ||
			cur.Status != model.OrderStatusPending || cur.SessionLock == nil {
			continue
		}
		if !cur.SessionLock.ExpiresAt.After(o.CreatedAt) {
			cur.SessionLock = nil
			continue
		}
		return &model.ConflictError{ExistingOrderID: cur.ID}
	}
	l.orders[o.ID] = o.Clone()
	return nil
}

func (l *memLedger) CreateBuyOrder(_ context.Context, o *model.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[o.ID] = o.Clone()
	return nil
}

func (l *memLedger) GetOrder(_ context.Context, id string) (*model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	return o.Clone(), nil
}

func (l *memLedger) GetOrdersByOwner(_ context.Context, ownerID int64) ([]model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var res []model.Order
	for _, o := range l.orders {
		if o.OwnerID == ownerID {
			res = append(res, *o.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (l *memLedger) ReleaseSession(_ context.Context, id string, ownerID int64) (*model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok || o.OwnerID != ownerID {
		return nil, model.ErrNotFound
	}
	if o.Direction != model.DirectionSell || o.Status != model.OrderStatusPending || o.SessionLock == nil {
		return nil, model.ErrInvalidState
	}
	o.SessionLock = nil
	return o.Clone(), nil
}

func (l *memLedger) TransitionOrder(_ context.Context, id string, from model.OrderStatus, apply func(o *model.Order) error) (*model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	if cur.Status != from {
		return cur.Clone(), model.ErrStatusMismatch
	}

	next := cur.Clone()
	if err := apply(next); err != nil {
		return nil, err
	}
	if next.Status != cur.Status && !model.CanTransition(cur.Status, next.Status) {
		return nil, model.ErrInvalidState
	}
	if cur.ExternalChargeRef != "" && next.ExternalChargeRef != cur.ExternalChargeRef {
		return nil, model.ErrInvalidState
	}

	l.orders[id] = next.Clone()
	return next, nil
}

func (l *memLedger) SetRefundRequested(_ context.Context, id string, at *time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return model.ErrNotFound
	}
	o.RefundRequestedAt = at
	return nil
}

func (l *memLedger) AppendAdminMessageRefs(_ context.Context, id string, refs []model.AdminMessageRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return model.ErrNotFound
	}
	o.AdminMessageRefs = append(o.AdminMessageRefs, refs...)
	return nil
}

func (l *memLedger) GetExpiredPendingOrders(_ context.Context, now time.Time, limit int) ([]model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var res []model.Order
	for _, o := range l.orders {
		if o.Status == model.OrderStatusPending && !o.ExpiresAt.After(now) && len(res) < limit {
			res = append(res, *o.Clone())
		}
	}
	return res, nil
}

func (l *memLedger) GetStaleRefundRequests(_ context.Context, before time.Time, limit int) ([]model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var res []model.Order
	for _, o := range l.orders {
		if o.Status == model.OrderStatusProcessing && o.RefundRequestedAt != nil &&
			!o.RefundRequestedAt.After(before) && len(res) < limit {
			res = append(res, *o.Clone())
		}
	}
	return res, nil
}

func (l *memLedger) hasReversalSince(ownerID int64, since time.Time) bool {
	for _, r := range l.reversals {
		if r.OwnerID == ownerID && !r.CreatedAt.Before(since) {
			return true
		}
	}
	return false
}

func (l *memLedger) HasReversalSince(_ context.Context, ownerID int64, since time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasReversalSince(ownerID, since), nil
}

func (l *memLedger) CreateReversal(_ context.Context, r *model.ReversalRequest, since time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasReversalSince(r.OwnerID, since) {
		return model.ErrRateLimited
	}
	l.nextRevID++
	r.ID = l.nextRevID
	c := *r
	l.reversals[r.ID] = &c
	return nil
}

func (l *memLedger) GetReversal(_ context.Context, id int64) (*model.ReversalRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reversals[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (l *memLedger) TransitionReversal(_ context.Context, id int64, from, to model.ReversalStatus, actor string, at time.Time) (*model.ReversalRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reversals[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if r.Status != from {
		c := *r
		return &c, model.ErrStatusMismatch
	}
	r.Status = to
	r.ResolvedBy = actor
	r.ResolvedAt = &at
	c := *r
	return &c, nil
}

func (l *memLedger) AppendReversalMessageRefs(_ context.Context, id int64, refs []model.AdminMessageRef) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reversals[id]
	if !ok {
		return model.ErrNotFound
	}
	r.AdminMessageRefs = append(r.AdminMessageRefs, refs...)
	return nil
}

func (l *memLedger) SaveDialog(_ context.Context, d *model.DialogSession) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := *d
	l.dialogs[d.ChatID] = &c
	return nil
}

func (l *memLedger) GetDialog(_ context.Context, chatID int64) (*model.DialogSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.dialogs[chatID]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *d
	return &c, nil
}

func (l *memLedger) DeleteDialog(_ context.Context, chatID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.dialogs, chatID)
	return nil
}

func (l *memLedger) DeleteExpiredDialogs(_ context.Context, now time.Time, limit int) ([]model.DialogSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var res []model.DialogSession
	for id, d := range l.dialogs {
		if !d.ExpiresAt.After(now) && len(res) < limit {
			res = append(res, *d)
			delete(l.dialogs, id)
		}
	}
	return res, nil
}

type apiError struct {
	code int
}

func (e *apiError) Error() string    { return fmt.Sprintf("api error %d", e.code) }
func (e *apiError) Definitive() bool { return e.code >= 400 && e.code < 500 }

type preCheckoutAnswer struct {
	queryID string
	ok      bool
	reason  string
}

type stubGateway struct {
	mu          sync.Mutex
	refunded    map[string]bool
	refundCalls int
	refundErr   error
	invoiceErr  error
	payloads    []string
	answers     []preCheckoutAnswer
	callbacks   []string
}

func newStubGateway() *stubGateway {
	return &stubGateway{refunded: make(map[string]bool)}
}

func (g *stubGateway) CreateInvoiceLink(_ context.Context, _, _, payload string, _ int64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.invoiceErr != nil {
		return "", g.invoiceErr
	}
	g.payloads = append(g.payloads, payload)
	return "https://t.me/$invoice-" + payload, nil
}

func (g *stubGateway) AnswerPreCheckoutQuery(_ context.Context, queryID string, ok bool, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answers = append(g.answers, preCheckoutAnswer{queryID: queryID, ok: ok, reason: reason})
	return nil
}

func (g *stubGateway) AnswerCallbackQuery(_ context.Context, queryID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, queryID+"|"+text)
	return nil
}

func (g *stubGateway) RefundStarPayment(_ context.Context, _ int64, chargeID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	if g.refundErr != nil {
		return false, g.refundErr
	}
	if g.refunded[chargeID] {
		return true, nil
	}
	g.refunded[chargeID] = true
	return false, nil
}

func (g *stubGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refundCalls
}

type sentMessage struct {
	chatID  int64
	text    string
	buttons [][]model.Button
}

type editedMessage struct {
	chatID    int64
	messageID int64
	text      string
}

// recordingSink запоминает отправленные и отредактированные сообщения.
type recordingSink struct {
	mu     sync.Mutex
	nextID int64
	sent   []sentMessage
	edits  []editedMessage
}

func (s *recordingSink) SendMessage(_ context.Context, chatID int64, text string, buttons [][]model.Button) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.sent = append(s.sent, sentMessage{chatID: chatID, text: text, buttons: buttons})
	return s.nextID, nil
}

func (s *recordingSink) EditMessageText(_ context.Context, chatID, messageID int64, text string, _ [][]model.Button) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, editedMessage{chatID: chatID, messageID: messageID, text: text})
	return nil
}

func (s *recordingSink) sentTo(chatID int64) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []sentMessage
	for _, m := range s.sent {
		if m.chatID == chatID {
			res = append(res, m)
		}
	}
	return res
}

func (s *recordingSink) editsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edits)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.OrderEvent
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, ev model.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

var errNetwork = errors.New("connection reset by peer")
