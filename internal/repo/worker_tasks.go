package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"crewline/internal/domain"
)

const workerTaskViewSelect = `SELECT t.id, t.from_worker, t.text, t.status, t.created_at,
t.reviewed_at, t.reviewed_by, t.admin_comment, COALESCE(w.full_name,''), COALESCE(rv.full_name,'')
FROM worker_tasks t
LEFT JOIN users w ON w.id=t.from_worker
LEFT JOIN users rv ON rv.id=t.reviewed_by`

func scanWorkerTaskView(row scanner) (domain.WorkerTaskView, error) {
	var v domain.WorkerTaskView
	var reviewedAt, comment sql.NullString
	var reviewedBy sql.NullInt64
	err := row.Scan(&v.ID, &v.FromWorker, &v.Text, &v.Status, &v.CreatedAt,
		&reviewedAt, &reviewedBy, &comment, &v.WorkerName, &v.ReviewerName)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.ReviewedAt = stringPtr(reviewedAt)
	v.ReviewedBy = int64Ptr(reviewedBy)
	v.AdminComment = stringPtr(comment)
	return v, nil
}

func (r Repo) InsertWorkerTaskTx(ctx context.Context, tx *sql.Tx, t domain.WorkerTask) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO worker_tasks(from_worker,text,status,created_at) VALUES (?,?,?,?)`,
		t.FromWorker, t.Text, t.Status, t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) WorkerTaskWithParticipants(ctx context.Context, id int64) (domain.WorkerTaskView, error) {
	return scanWorkerTaskView(r.DB.QueryRowContext(ctx, workerTaskViewSelect+` WHERE t.id=?`, id))
}

func (r Repo) WorkerTaskWithParticipantsTx(ctx context.Context, tx *sql.Tx, id int64) (domain.WorkerTaskView, error) {
	return scanWorkerTaskView(tx.QueryRowContext(ctx, workerTaskViewSelect+` WHERE t.id=?`, id))
}

// ReviewWorkerTaskTx records an admin decision on a pending request. It
// reports false when the request was already reviewed.
func (r Repo) ReviewWorkerTaskTx(ctx context.Context, tx *sql.Tx, id int64, status string, reviewer int64, at string, comment *string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE worker_tasks
SET status=?, reviewed_by=?, reviewed_at=?, admin_comment=?
WHERE id=? AND status='pending'`, status, reviewer, at, nullableStringPtr(comment), id)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// WorkerTaskFilter narrows ListWorkerTasks. OldestFirst flips the default
// newest-first order.
type WorkerTaskFilter struct {
	WorkerID    int64
	Status      string
	Limit       int
	OldestFirst bool
}

func (r Repo) ListWorkerTasks(ctx context.Context, f WorkerTaskFilter) ([]domain.WorkerTaskView, error) {
	var (
		clauses []string
		args    []any
	)
	if f.WorkerID != 0 {
		clauses = append(clauses, "t.from_worker=?")
		args = append(args, f.WorkerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "t.status=?")
		args = append(args, f.Status)
	}
	query := workerTaskViewSelect
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if f.OldestFirst {
		query += " ORDER BY t.created_at ASC, t.id ASC"
	} else {
		query += " ORDER BY t.created_at DESC, t.id DESC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkerTaskView
	for rows.Next() {
		v, err := scanWorkerTaskView(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) CountWorkerTasksByStatus(ctx context.Context) ([]domain.StatusCount, error) {
	return countByStatus(ctx, r.DB, "worker_tasks")
}
