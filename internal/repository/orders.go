package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/starsgate/internal/model"
)

const (
	sellTable = "sell_orders"
	buyTable  = "buy_orders"

	activeSessionIndex = "sell_orders_one_active_session"
)

const orderColumns = `id, owner_id, product, quantity, settlement_amount::text, rate::text, currency,
	destination_address, memo, status, COALESCE(external_charge_ref, ''),
	lock_token, lock_expires_at, locked_owner_id, expires_at, admin_message_refs,
	already_refunded, resolved_by, refund_requested_at, created_at,
	paid_at, completed_at, declined_at, failed_at, refunded_at, expired_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func tableFor(d model.Direction) string {
	if d == model.DirectionBuy {
		return buyTable
	}
	return sellTable
}

func directionOf(table string) model.Direction {
	if table == buyTable {
		return model.DirectionBuy
	}
	return model.DirectionSell
}

func scanOrder(row rowScanner, direction model.Direction) (*model.Order, error) {
	var (
		o           model.Order
		product     string
		status      string
		amount      string
		rate        string
		lockToken   *string
		lockExpires *time.Time
		lockedOwner *int64
		refs        []byte
	)

	err := row.Scan(
		&o.ID, &o.OwnerID, &product, &o.Quantity, &amount, &rate, &o.Currency,
		&o.DestinationAddress, &o.Memo, &status, &o.ExternalChargeRef,
		&lockToken, &lockExpires, &lockedOwner, &o.ExpiresAt, &refs,
		&o.AlreadyRefunded, &o.ResolvedBy, &o.RefundRequestedAt, &o.CreatedAt,
		&o.PaidAt, &o.CompletedAt, &o.DeclinedAt, &o.FailedAt, &o.RefundedAt, &o.ExpiredAt,
	)
	if err != nil {
		return nil, err
	}

	o.Direction = direction
	o.Product = model.Product(product)
	o.Status = model.OrderStatus(status)

	if o.SettlementAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse settlement amount: %w", err)
	}
	if o.Rate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("parse rate: %w", err)
	}

	if lockToken != nil && lockExpires != nil && lockedOwner != nil {
		o.SessionLock = &model.SessionLock{Token: *lockToken, ExpiresAt: *lockExpires, LockedOwnerID: *lockedOwner}
	}

	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &o.AdminMessageRefs); err != nil {
			return nil, fmt.Errorf("decode admin message refs: %w", err)
		}
	}

	return &o, nil
}

// orderRows описывает часть pgx.Rows, нужную для чтения списка заказов.
type orderRows interface {
	rowScanner
	Next() bool
	Err() error
	Close()
}

func scanOrders(rows orderRows) ([]model.Order, error) {
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var direction string
		o, err := scanOrder(directionScanner{rows: rows, direction: &direction}, "")
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Direction = model.Direction(direction)
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// directionScanner читает ведущую колонку direction в запросах по обеим таблицам.
type directionScanner struct {
	rows      rowScanner
	direction *string
}

func (d directionScanner) Scan(dest ...any) error {
	return d.rows.Scan(append([]any{d.direction}, dest...)...)
}

func lockParams(l *model.SessionLock) (*string, *time.Time, *int64) {
	if l == nil {
		return nil, nil, nil
	}
	token, expires, owner := l.Token, l.ExpiresAt, l.LockedOwnerID
	return &token, &expires, &owner
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func encodeRefs(refs []model.AdminMessageRef) (string, error) {
	if refs == nil {
		refs = []model.AdminMessageRef{}
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("encode admin message refs: %w", err)
	}
	return string(b), nil
}

func insertOrder(ctx context.Context, tx pgx.Tx, o *model.Order) error {
	refs, err := encodeRefs(o.AdminMessageRefs)
	if err != nil {
		return err
	}
	token, lockExpires, lockedOwner := lockParams(o.SessionLock)

	_, err = tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, owner_id, product, quantity, settlement_amount, rate, currency,
			destination_address, memo, status, lock_token, lock_expires_at, locked_owner_id,
			expires_at, admin_message_refs, created_at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14, $15::jsonb, $16)`, tableFor(o.Direction)),
		o.ID, o.OwnerID, string(o.Product), o.Quantity, o.SettlementAmount.String(), o.Rate.String(), o.Currency,
		o.DestinationAddress, o.Memo, string(o.Status), token, lockExpires, lockedOwner,
		o.ExpiresAt, refs, o.CreatedAt,
	)
	return err
}

// CreateSellOrder атомарно создаёт заказ на продажу с активной сессией оплаты.
// Вторая активная сессия того же владельца отвергается уникальным индексом,
// в этом случае возвращается *model.ConflictError. Если мешавшая сессия
// закрылась до чтения её идентификатора, вставка повторяется один раз.
func (r *PostgresRepository) CreateSellOrder(ctx context.Context, o *model.Order) error {
	return r.withRetry(ctx, func() error {
		return retryReleasedSession(func() error {
			return r.createSellOrder(ctx, o)
		})
	})
}

// errSessionReleased означает, что конфликтующая сессия закрылась раньше,
// чем удалось прочитать её идентификатор.
var errSessionReleased = fmt.Errorf("%w: active session was released concurrently", model.ErrConflict)

// retryReleasedSession повторяет вставку один раз, если мешавшая ей сессия уже закрыта.
func retryReleasedSession(insert func() error) error {
	err := insert()
	if errors.Is(err, errSessionReleased) {
		err = insert()
	}
	return err
}

func (r *PostgresRepository) createSellOrder(ctx context.Context, o *model.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Просроченная, но ещё не закрытая сессия того же владельца не должна мешать новой.
	_, err = tx.Exec(ctx,
		`UPDATE sell_orders
		 SET lock_token = NULL, lock_expires_at = NULL, locked_owner_id = NULL
		 WHERE owner_id = $1 AND status = $2 AND lock_token IS NOT NULL AND lock_expires_at <= $3`,
		o.OwnerID, string(model.OrderStatusPending), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("clear stale sessions: %w", err)
	}

	if err := insertOrder(ctx, tx, o); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == activeSessionIndex {
			return r.activeSessionConflict(ctx, o.OwnerID)
		}
		return fmt.Errorf("insert sell order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func (r *PostgresRepository) activeSessionConflict(ctx context.Context, ownerID int64) error {
	var existingID string
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM sell_orders WHERE owner_id = $1 AND status = $2 AND lock_token IS NOT NULL`,
		ownerID, string(model.OrderStatusPending),
	).Scan(&existingID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lookup active session: %w", err)
	}
	return sessionConflict(existingID)
}

func sessionConflict(existingID string) error {
	if existingID == "" {
		return errSessionReleased
	}
	return &model.ConflictError{ExistingOrderID: existingID}
}

// CreateBuyOrder сохраняет заказ на покупку.
func (r *PostgresRepository) CreateBuyOrder(ctx context.Context, o *model.Order) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := insertOrder(ctx, tx, o); err != nil {
			return fmt.Errorf("insert buy order: %w", err)
		}
		return tx.Commit(ctx)
	})
}

// GetOrder возвращает заказ любого направления по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT 'sell', `+orderColumns+` FROM sell_orders WHERE id = $1
		 UNION ALL
		 SELECT 'buy', `+orderColumns+` FROM buy_orders WHERE id = $1`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select order: %w", err)
	}

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}

	return &orders[0], nil
}

// GetOrdersByOwner возвращает заказы владельца обоих направлений, новые первыми.
func (r *PostgresRepository) GetOrdersByOwner(ctx context.Context, ownerID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT 'sell' AS direction, `+orderColumns+` FROM sell_orders WHERE owner_id = $1
		 UNION ALL
		 SELECT 'buy', `+orderColumns+` FROM buy_orders WHERE owner_id = $1
		 ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	return scanOrders(rows)
}

// ReleaseSession снимает блокировку сессии, не меняя статус заказа.
func (r *PostgresRepository) ReleaseSession(ctx context.Context, id string, ownerID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE sell_orders
		 SET lock_token = NULL, lock_expires_at = NULL, locked_owner_id = NULL
		 WHERE id = $1 AND owner_id = $2 AND status = $3 AND lock_token IS NOT NULL
		 RETURNING `+orderColumns,
		id, ownerID, string(model.OrderStatusPending),
	)

	o, err := scanOrder(row, model.DirectionSell)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("release session: %w", err)
	}

	current, err := r.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.OwnerID != ownerID {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	return nil, fmt.Errorf("%w: order %s has no active session", model.ErrInvalidState, id)
}

// lockOrder блокирует строку заказа до конца транзакции.
func lockOrder(ctx context.Context, tx pgx.Tx, id string) (*model.Order, string, error) {
	for _, table := range []string{sellTable, buyTable} {
		row := tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, orderColumns, table), id)
		o, err := scanOrder(row, directionOf(table))
		if err == nil {
			return o, table, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, "", fmt.Errorf("lock order: %w", err)
		}
	}
	return nil, "", fmt.Errorf("order %s: %w", id, model.ErrNotFound)
}

// TransitionOrder выполняет изменение заказа с проверкой текущего статуса.
func (r *PostgresRepository) TransitionOrder(ctx context.Context, id string, from model.OrderStatus, apply func(o *model.Order) error) (*model.Order, error) {
	var result *model.Order
	err := r.withRetry(ctx, func() error {
		var err error
		result, err = r.transitionOrder(ctx, id, from, apply)
		return err
	})
	return result, err
}

func (r *PostgresRepository) transitionOrder(ctx context.Context, id string, from model.OrderStatus, apply func(o *model.Order) error) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, table, err := lockOrder(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != from {
		return current, model.ErrStatusMismatch
	}

	next := current.Clone()
	if err := apply(next); err != nil {
		return nil, &applyError{err: err}
	}
	if next.Status != current.Status && !model.CanTransition(current.Status, next.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidState, current.Status, next.Status)
	}
	if current.ExternalChargeRef != "" && next.ExternalChargeRef != current.ExternalChargeRef {
		return nil, fmt.Errorf("%w: charge reference of order %s is immutable", model.ErrInvalidState, id)
	}

	token, lockExpires, lockedOwner := lockParams(next.SessionLock)
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET
			status = $2,
			external_charge_ref = COALESCE(external_charge_ref, $3),
			lock_token = $4, lock_expires_at = $5, locked_owner_id = $6,
			already_refunded = $7, resolved_by = $8, refund_requested_at = $9,
			paid_at = $10, completed_at = $11, declined_at = $12,
			failed_at = $13, refunded_at = $14, expired_at = $15
		 WHERE id = $1 AND status = $16`, table),
		id, string(next.Status), nullableString(next.ExternalChargeRef),
		token, lockExpires, lockedOwner,
		next.AlreadyRefunded, next.ResolvedBy, next.RefundRequestedAt,
		next.PaidAt, next.CompletedAt, next.DeclinedAt,
		next.FailedAt, next.RefundedAt, next.ExpiredAt,
		string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return current, model.ErrStatusMismatch
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return next, nil
}

// SetRefundRequested записывает или снимает отметку о начатом возврате.
func (r *PostgresRepository) SetRefundRequested(ctx context.Context, id string, at *time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sell_orders SET refund_requested_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("update refund intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// AppendAdminMessageRefs дописывает ссылки на уведомления администраторов.
func (r *PostgresRepository) AppendAdminMessageRefs(ctx context.Context, id string, refs []model.AdminMessageRef) error {
	payload, err := encodeRefs(refs)
	if err != nil {
		return err
	}

	for _, table := range []string{sellTable, buyTable} {
		tag, err := r.pool.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET admin_message_refs = admin_message_refs || $2::jsonb WHERE id = $1`, table),
			id, payload,
		)
		if err != nil {
			return fmt.Errorf("append admin message refs: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
	}
	return fmt.Errorf("order %s: %w", id, model.ErrNotFound)
}

// GetExpiredPendingOrders возвращает ожидающие оплаты заказы с истёкшим сроком.
func (r *PostgresRepository) GetExpiredPendingOrders(ctx context.Context, now time.Time, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT 'sell' AS direction, `+orderColumns+` FROM sell_orders WHERE status = $1 AND expires_at <= $2
		 UNION ALL
		 SELECT 'buy', `+orderColumns+` FROM buy_orders WHERE status = $1 AND expires_at <= $2
		 ORDER BY expires_at
		 LIMIT $3`,
		string(model.OrderStatusPending), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired orders: %w", err)
	}
	return scanOrders(rows)
}

// GetStaleRefundRequests возвращает заказы с незавершённым возвратом, начатым до before.
func (r *PostgresRepository) GetStaleRefundRequests(ctx context.Context, before time.Time, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT 'sell' AS direction, `+orderColumns+` FROM sell_orders
		 WHERE status = $1 AND refund_requested_at IS NOT NULL AND refund_requested_at <= $2
		 ORDER BY refund_requested_at
		 LIMIT $3`,
		string(model.OrderStatusProcessing), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale refunds: %w", err)
	}
	return scanOrders(rows)
}
