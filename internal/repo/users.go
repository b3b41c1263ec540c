package repo

import (
	"context"
	"database/sql"
	"errors"

	"crewline/internal/domain"
)

const userColumns = `id, COALESCE(username,''), full_name, role, registered_at`

func scanUser(row scanner) (domain.UserProfile, error) {
	var u domain.UserProfile
	var role string
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &role, &u.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	u.Role = domain.Role(role)
	return u, err
}

// InsertUserTx stores a profile unless the identity already exists. It reports
// whether a row was created; an existing profile is left untouched.
func (r Repo) InsertUserTx(ctx context.Context, tx *sql.Tx, u domain.UserProfile) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO users(id,username,full_name,role,registered_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`, u.ID, nullable(u.Username), u.FullName, string(u.Role), u.RegisteredAt)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.UserProfile, error) {
	return getUser(ctx, r.DB, id)
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id int64) (domain.UserProfile, error) {
	return getUser(ctx, tx, id)
}

func getUser(ctx context.Context, q querier, id int64) (domain.UserProfile, error) {
	return scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

// ListUsers returns every profile, admins first, then by name.
func (r Repo) ListUsers(ctx context.Context) ([]domain.UserProfile, error) {
	return r.listUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY role, full_name, id`)
}

// ListWorkers returns worker profiles ordered by name.
func (r Repo) ListWorkers(ctx context.Context) ([]domain.UserProfile, error) {
	return r.listUsers(ctx, `SELECT `+userColumns+` FROM users WHERE role='worker' ORDER BY full_name, id`)
}

func (r Repo) listUsers(ctx context.Context, query string, args ...any) ([]domain.UserProfile, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UserProfile
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// CountUsersByRole returns the number of profiles per role.
func (r Repo) CountUsersByRole(ctx context.Context) (map[domain.Role]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role, COUNT(*) FROM users GROUP BY role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.Role]int{}
	for rows.Next() {
		var role string
		var n int
		if err := rows.Scan(&role, &n); err != nil {
			return nil, err
		}
		out[domain.Role(role)] = n
	}
	return out, rows.Err()
}
