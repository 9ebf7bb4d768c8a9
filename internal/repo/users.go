package repo

import (
	"context"
	"database/sql"
	"errors"

	"riskline/internal/domain"
)

const userColumns = `id,email,name,role,COALESCE(manager_id,''),business_unit,created_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var role, createdAt string
	var unit sql.NullInt64
	err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &u.ManagerID, &unit, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Role = domain.Role(role)
	u.BusinessUnit = intPtr(unit)
	u.CreatedAt, err = ParseTime(createdAt)
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.exec(ctx, `INSERT INTO users(id,email,name,role,manager_id,business_unit,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.Email, u.Name, string(u.Role), nullable(u.ManagerID), nullableInt(u.BusinessUnit), FormatTime(u.CreatedAt))
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) ListUsers(ctx context.Context, role domain.Role) ([]domain.User, error) {
	q := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if role != "" {
		q += ` WHERE role=?`
		args = append(args, string(role))
	}
	q += ` ORDER BY id`
	rows, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// FindRiskOfficer picks a risk officer, preferring one in the given business
// unit. It returns ErrNotFound when no risk officer exists.
func (r Repo) FindRiskOfficer(ctx context.Context, unit *int64) (domain.User, error) {
	if unit != nil {
		u, err := scanUser(r.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE role=? AND business_unit=? ORDER BY id LIMIT 1`,
			string(domain.RoleRiskOfficer), *unit))
		if !errors.Is(err, ErrNotFound) {
			return u, err
		}
	}
	return scanUser(r.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE role=? ORDER BY id LIMIT 1`, string(domain.RoleRiskOfficer)))
}
