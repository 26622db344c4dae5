package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/starsgate/internal/model"
)

const reversalColumns = `id, order_id, owner_id, reason, status, admin_message_refs, resolved_by, created_at, resolved_at`

func scanReversal(row rowScanner) (*model.ReversalRequest, error) {
	var (
		rv     model.ReversalRequest
		status string
		refs   []byte
	)
	if err := row.Scan(&rv.ID, &rv.OrderID, &rv.OwnerID, &rv.Reason, &status, &refs, &rv.ResolvedBy, &rv.CreatedAt, &rv.ResolvedAt); err != nil {
		return nil, err
	}
	rv.Status = model.ReversalStatus(status)
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &rv.AdminMessageRefs); err != nil {
			return nil, fmt.Errorf("decode admin message refs: %w", err)
		}
	}
	return &rv, nil
}

// HasReversalSince сообщает, подавал ли владелец заявку на возврат начиная с since.
func (r *PostgresRepository) HasReversalSince(ctx context.Context, ownerID int64, since time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reversal_requests WHERE owner_id = $1 AND created_at >= $2)`,
		ownerID, since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check reversal limit: %w", err)
	}
	return exists, nil
}

// CreateReversal создаёт заявку на возврат. Проверка лимита и вставка выполняются
// под транзакционной advisory-блокировкой владельца, поэтому параллельные заявки
// одного владельца не обходят лимит.
func (r *PostgresRepository) CreateReversal(ctx context.Context, rv *model.ReversalRequest, since time.Time) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, rv.OwnerID); err != nil {
			return fmt.Errorf("lock owner: %w", err)
		}

		var exists bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM reversal_requests WHERE owner_id = $1 AND created_at >= $2)`,
			rv.OwnerID, since,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check reversal limit: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: owner %d already requested a reversal", model.ErrRateLimited, rv.OwnerID)
		}

		refs, err := encodeRefs(rv.AdminMessageRefs)
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO reversal_requests (order_id, owner_id, reason, status, admin_message_refs, created_at)
			 VALUES ($1, $2, $3, $4, $5::jsonb, $6)
			 RETURNING id`,
			rv.OrderID, rv.OwnerID, rv.Reason, string(rv.Status), refs, rv.CreatedAt,
		).Scan(&rv.ID)
		if err != nil {
			return fmt.Errorf("insert reversal: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GetReversal возвращает заявку на возврат по идентификатору.
func (r *PostgresRepository) GetReversal(ctx context.Context, id int64) (*model.ReversalRequest, error) {
	rv, err := scanReversal(r.pool.QueryRow(ctx, `SELECT `+reversalColumns+` FROM reversal_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("reversal %d: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get reversal: %w", err)
	}
	return rv, nil
}

// TransitionReversal закрывает заявку, если её статус всё ещё равен from.
func (r *PostgresRepository) TransitionReversal(ctx context.Context, id int64, from, to model.ReversalStatus, actor string, at time.Time) (*model.ReversalRequest, error) {
	var result *model.ReversalRequest
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		current, err := scanReversal(tx.QueryRow(ctx,
			`SELECT `+reversalColumns+` FROM reversal_requests WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("reversal %d: %w", id, model.ErrNotFound)
			}
			return fmt.Errorf("lock reversal: %w", err)
		}
		if current.Status != from {
			result = current
			return model.ErrStatusMismatch
		}

		result, err = scanReversal(tx.QueryRow(ctx,
			`UPDATE reversal_requests SET status = $2, resolved_by = $3, resolved_at = $4
			 WHERE id = $1
			 RETURNING `+reversalColumns,
			id, string(to), actor, at,
		))
		if err != nil {
			return fmt.Errorf("update reversal: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil && !errors.Is(err, model.ErrStatusMismatch) {
		return nil, err
	}
	return result, err
}

// AppendReversalMessageRefs дописывает ссылки на уведомления администраторов о заявке.
func (r *PostgresRepository) AppendReversalMessageRefs(ctx context.Context, id int64, refs []model.AdminMessageRef) error {
	payload, err := encodeRefs(refs)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE reversal_requests SET admin_message_refs = admin_message_refs || $2::jsonb WHERE id = $1`,
		id, payload,
	)
	if err != nil {
		return fmt.Errorf("append reversal message refs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reversal %d: %w", id, model.ErrNotFound)
	}
	return nil
}
