package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/starsgate/internal/model"
)

const dialogColumns = `chat_id, owner_id, kind, order_id, expires_at, created_at`

func scanDialog(row rowScanner) (*model.DialogSession, error) {
	var (
		d    model.DialogSession
		kind string
	)
	if err := row.Scan(&d.ChatID, &d.OwnerID, &kind, &d.OrderID, &d.ExpiresAt, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Kind = model.DialogKind(kind)
	return &d, nil
}

// SaveDialog создаёт или заменяет диалог в чате.
func (r *PostgresRepository) SaveDialog(ctx context.Context, d *model.DialogSession) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO dialog_sessions (chat_id, owner_id, kind, order_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (chat_id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			kind = EXCLUDED.kind,
			order_id = EXCLUDED.order_id,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at`,
		d.ChatID, d.OwnerID, string(d.Kind), d.OrderID, d.ExpiresAt, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save dialog: %w", err)
	}
	return nil
}

// GetDialog возвращает открытый диалог чата.
func (r *PostgresRepository) GetDialog(ctx context.Context, chatID int64) (*model.DialogSession, error) {
	d, err := scanDialog(r.pool.QueryRow(ctx, `SELECT `+dialogColumns+` FROM dialog_sessions WHERE chat_id = $1`, chatID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("dialog %d: %w", chatID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get dialog: %w", err)
	}
	return d, nil
}

// DeleteDialog удаляет диалог чата.
func (r *PostgresRepository) DeleteDialog(ctx context.Context, chatID int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM dialog_sessions WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("delete dialog: %w", err)
	}
	return nil
}

// DeleteExpiredDialogs удаляет не более limit просроченных диалогов и возвращает их.
func (r *PostgresRepository) DeleteExpiredDialogs(ctx context.Context, now time.Time, limit int) ([]model.DialogSession, error) {
	rows, err := r.pool.Query(ctx,
		`DELETE FROM dialog_sessions
		 WHERE chat_id IN (
			SELECT chat_id FROM dialog_sessions
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+dialogColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("delete expired dialogs: %w", err)
	}
	defer rows.Close()

	var res []model.DialogSession
	for rows.Next() {
		d, err := scanDialog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dialog: %w", err)
		}
		res = append(res, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
