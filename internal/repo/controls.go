package repo

import (
	"context"
	"database/sql"
	"errors"

	"riskline/internal/domain"
)

const controlColumns = `id,title,description,business_unit,COALESCE(owner_id,''),active,created_at,updated_at`

func scanControl(row rowScanner) (domain.Control, error) {
	var c domain.Control
	var unit sql.NullInt64
	var active int
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Title, &c.Description, &unit, &c.OwnerID, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.BusinessUnit = intPtr(unit)
	c.Active = active != 0
	if c.CreatedAt, err = ParseTime(createdAt); err != nil {
		return c, err
	}
	c.UpdatedAt, err = ParseTime(updatedAt)
	return c, err
}

func (r Repo) InsertControl(ctx context.Context, c domain.Control) error {
	_, err := r.exec(ctx, `INSERT INTO controls(id,title,description,business_unit,owner_id,active,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.Title, c.Description, nullableInt(c.BusinessUnit), nullable(c.OwnerID), boolInt(c.Active), FormatTime(c.CreatedAt), FormatTime(c.UpdatedAt))
	return err
}

func (r Repo) GetControl(ctx context.Context, id string) (domain.Control, error) {
	return scanControl(r.queryRow(ctx, `SELECT `+controlColumns+` FROM controls WHERE id=?`, id))
}

func (r Repo) UpdateControl(ctx context.Context, c domain.Control) error {
	res, err := r.exec(ctx, `UPDATE controls SET title=?,description=?,business_unit=?,owner_id=?,active=?,updated_at=? WHERE id=?`,
		c.Title, c.Description, nullableInt(c.BusinessUnit), nullable(c.OwnerID), boolInt(c.Active), FormatTime(c.UpdatedAt), c.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListControls(ctx context.Context, activeOnly bool) ([]domain.Control, error) {
	q := `SELECT ` + controlColumns + ` FROM controls`
	if activeOnly {
		q += ` WHERE active=1`
	}
	q += ` ORDER BY id`
	rows, err := r.query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Control
	for rows.Next() {
		c, err := scanControl(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
