package repo

import (
	"context"
	"database/sql"

	"crewline/internal/domain"
)

// ListNotifications returns delivery attempts newest first, optionally for one recipient.
func (r Repo) ListNotifications(ctx context.Context, recipient int64, limit int) ([]domain.NotificationRecord, error) {
	query := `SELECT id, recipient, kind, message, delivered, COALESCE(error,''), created_at FROM notifications`
	var args []any
	if recipient != 0 {
		query += ` WHERE recipient=?`
		args = append(args, recipient)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.NotificationRecord
	for rows.Next() {
		var rec domain.NotificationRecord
		var delivered int
		if err := rows.Scan(&rec.ID, &rec.Recipient, &rec.Kind, &rec.Message, &delivered, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Delivered = delivered == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeliveryStats counts delivered and failed attempts.
func (r Repo) DeliveryStats(ctx context.Context) (delivered, failed int, err error) {
	var d, f sql.NullInt64
	err = r.DB.QueryRowContext(ctx, `SELECT SUM(delivered=1), SUM(delivered=0) FROM notifications`).Scan(&d, &f)
	return int(d.Int64), int(f.Int64), err
}
