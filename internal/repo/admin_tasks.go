package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"crewline/internal/domain"
)

const adminTaskViewSelect = `SELECT t.id, t.from_admin, t.to_worker, t.text, t.status, t.created_at,
t.read_at, t.completed_at, t.worker_comment, COALESCE(a.full_name,''), COALESCE(w.full_name,'')
FROM admin_tasks t
LEFT JOIN users a ON a.id=t.from_admin
LEFT JOIN users w ON w.id=t.to_worker`

func scanAdminTaskView(row scanner) (domain.AdminTaskView, error) {
	var v domain.AdminTaskView
	var readAt, completedAt, comment sql.NullString
	err := row.Scan(&v.ID, &v.FromAdmin, &v.ToWorker, &v.Text, &v.Status, &v.CreatedAt,
		&readAt, &completedAt, &comment, &v.AdminName, &v.WorkerName)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.ReadAt = stringPtr(readAt)
	v.CompletedAt = stringPtr(completedAt)
	v.WorkerComment = stringPtr(comment)
	return v, nil
}

// InsertAdminTaskTx stores a new task and returns the id the store assigned.
func (r Repo) InsertAdminTaskTx(ctx context.Context, tx *sql.Tx, t domain.AdminTask) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO admin_tasks(from_admin,to_worker,text,status,created_at) VALUES (?,?,?,?,?)`,
		t.FromAdmin, t.ToWorker, t.Text, t.Status, t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AdminTaskWithParticipants reads a task with both participants' names.
func (r Repo) AdminTaskWithParticipants(ctx context.Context, id int64) (domain.AdminTaskView, error) {
	return scanAdminTaskView(r.DB.QueryRowContext(ctx, adminTaskViewSelect+` WHERE t.id=?`, id))
}

func (r Repo) AdminTaskWithParticipantsTx(ctx context.Context, tx *sql.Tx, id int64) (domain.AdminTaskView, error) {
	return scanAdminTaskView(tx.QueryRowContext(ctx, adminTaskViewSelect+` WHERE t.id=?`, id))
}

// RespondAdminTaskTx moves a pending task to status, stamping read_at and
// storing comment when given. It reports false when the task was not pending.
func (r Repo) RespondAdminTaskTx(ctx context.Context, tx *sql.Tx, id int64, status, at string, comment *string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE admin_tasks
SET status=?, read_at=COALESCE(read_at, ?), worker_comment=COALESCE(?, worker_comment)
WHERE id=? AND status='pending'`, status, at, nullableStringPtr(comment), id)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// AdminTaskFilter narrows ListAdminTasks. Zero values mean no constraint.
type AdminTaskFilter struct {
	WorkerID int64
	AdminID  int64
	Status   string
	Limit    int
}

// ListAdminTasks returns tasks newest first.
func (r Repo) ListAdminTasks(ctx context.Context, f AdminTaskFilter) ([]domain.AdminTaskView, error) {
	var (
		clauses []string
		args    []any
	)
	if f.WorkerID != 0 {
		clauses = append(clauses, "t.to_worker=?")
		args = append(args, f.WorkerID)
	}
	if f.AdminID != 0 {
		clauses = append(clauses, "t.from_admin=?")
		args = append(args, f.AdminID)
	}
	if f.Status != "" {
		clauses = append(clauses, "t.status=?")
		args = append(args, f.Status)
	}
	query := adminTaskViewSelect
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY t.created_at DESC, t.id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AdminTaskView
	for rows.Next() {
		v, err := scanAdminTaskView(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) CountAdminTasksByStatus(ctx context.Context) ([]domain.StatusCount, error) {
	return countByStatus(ctx, r.DB, "admin_tasks")
}

func countByStatus(ctx context.Context, q querier, table string) ([]domain.StatusCount, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StatusCount
	for rows.Next() {
		var c domain.StatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
