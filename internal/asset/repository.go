package asset

import (
	"context"
	"database/sql"
	"time"
)

type Repository interface {
	Create(ctx context.Context, a *Asset) error
	Get(ctx context.Context, id string) (*Asset, error)
	GetByHash(ctx context.Context, projectID, hash string) (*Asset, error)
	ListByProject(ctx context.Context, projectID string) ([]*Asset, error)
	TotalBytes(ctx context.Context) (int64, error)
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Create(ctx context.Context, a *Asset) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO assets (id, project_id, hash, kind, size, duration_ms, path, derived_from, job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ProjectID, a.Hash, string(a.Kind), a.Size, a.DurationMs, a.Path,
		nullString(a.DerivedFrom), nullString(a.JobID), a.CreatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Asset, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, hash, kind, size, duration_ms, path, derived_from, job_id, created_at
		FROM assets WHERE id = ?
	`, id)
	return scanAsset(row)
}

func (r *SQLiteRepository) GetByHash(ctx context.Context, projectID, hash string) (*Asset, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, hash, kind, size, duration_ms, path, derived_from, job_id, created_at
		FROM assets WHERE project_id = ? AND hash = ?
	`, projectID, hash)
	return scanAsset(row)
}

func (r *SQLiteRepository) ListByProject(ctx context.Context, projectID string) ([]*Asset, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, hash, kind, size, duration_ms, path, derived_from, job_id, created_at
		FROM assets WHERE project_id = ? ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []*Asset
	for rows.Next() {
		a, err := scanAssetRows(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// TotalBytes counts each blob once, regardless of how many asset rows
// reference its hash.
func (r *SQLiteRepository) TotalBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT SUM(size) FROM (SELECT hash, MAX(size) AS size FROM assets GROUP BY hash)`,
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func scanAsset(row *sql.Row) (*Asset, error) {
	var a Asset
	var kind, createdAt string
	var derivedFrom, jobID sql.NullString

	err := row.Scan(&a.ID, &a.ProjectID, &a.Hash, &kind, &a.Size, &a.DurationMs, &a.Path, &derivedFrom, &jobID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	a.Kind = Kind(kind)
	a.DerivedFrom = derivedFrom.String
	a.JobID = jobID.String
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &a, nil
}

func scanAssetRows(rows *sql.Rows) (*Asset, error) {
	var a Asset
	var kind, createdAt string
	var derivedFrom, jobID sql.NullString

	if err := rows.Scan(&a.ID, &a.ProjectID, &a.Hash, &kind, &a.Size, &a.DurationMs, &a.Path, &derivedFrom, &jobID, &createdAt); err != nil {
		return nil, err
	}

	a.Kind = Kind(kind)
	a.DerivedFrom = derivedFrom.String
	a.JobID = jobID.String
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &a, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
