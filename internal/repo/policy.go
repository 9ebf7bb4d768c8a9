package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"riskline/internal/config"
)

// LatestPolicy returns the highest stored policy version. With nothing
// imported it returns version 0 and a nil document.
func (r Repo) LatestPolicy(ctx context.Context) (int64, *config.Document, error) {
	var version int64
	var body string
	err := r.queryRow(ctx, `SELECT version,document FROM policy_documents ORDER BY version DESC LIMIT 1`).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	doc, err := config.FromYAML([]byte(body))
	if err != nil {
		return 0, nil, fmt.Errorf("stored policy v%d: %w", version, err)
	}
	return version, doc, nil
}

// SavePolicy stores doc as the next version. The document must already be
// valid.
func (r Repo) SavePolicy(ctx context.Context, doc *config.Document, actorID string, now time.Time) (int64, error) {
	data, err := doc.YAML()
	if err != nil {
		return 0, err
	}
	var current int64
	if err := r.queryRow(ctx, `SELECT COALESCE(MAX(version),0) FROM policy_documents`).Scan(&current); err != nil {
		return 0, err
	}
	next := current + 1
	if _, err := r.exec(ctx, `INSERT INTO policy_documents(version,document,created_by,created_at) VALUES (?,?,?,?)`,
		next, string(data), actorID, FormatTime(now)); err != nil {
		return 0, err
	}
	return next, nil
}
