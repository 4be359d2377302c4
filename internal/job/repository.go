package job

import (
	"context"
	"database/sql"
	"time"
)

type Repository interface {
	Save(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]*Job, error)
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save upserts the job's durable record. Inputs and result payloads stay in
// memory; the table records lifecycle for status queries and restart sweeps.
func (r *SQLiteRepository) Save(ctx context.Context, j *Job) error {
	var completedAt interface{}
	if !j.CompletedAt.IsZero() {
		completedAt = j.CompletedAt.Format(time.RFC3339)
	}
	outputAssetID := ""
	if j.Result != nil {
		outputAssetID = j.Result.AssetID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, project_id, kind, status, error, error_kind, output_asset_id, submitted_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			error_kind = excluded.error_kind,
			output_asset_id = excluded.output_asset_id,
			completed_at = excluded.completed_at
	`, j.ID, j.ProjectID, string(j.Kind), string(j.Status), j.Error, string(j.ErrorKind),
		outputAssetID, j.SubmittedAt.Format(time.RFC3339), completedAt)
	return err
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, kind, status, error, error_kind, output_asset_id, submitted_at, completed_at
		FROM jobs WHERE id = ?
	`, id)

	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (r *SQLiteRepository) ListByProject(ctx context.Context, projectID string, limit int) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, kind, status, error, error_kind, output_asset_id, submitted_at, completed_at
		FROM jobs WHERE project_id = ? ORDER BY submitted_at DESC LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(scan func(dest ...interface{}) error) (*Job, error) {
	var j Job
	var kind, status, errKind, submittedAt, outputAssetID string
	var completedAt sql.NullString

	if err := scan(&j.ID, &j.ProjectID, &kind, &status, &j.Error, &errKind, &outputAssetID, &submittedAt, &completedAt); err != nil {
		return nil, err
	}

	j.Kind = Kind(kind)
	j.Status = Status(status)
	j.ErrorKind = ErrorKind(errKind)
	if outputAssetID != "" {
		j.Result = &Result{AssetID: outputAssetID}
	}
	j.SubmittedAt, _ = time.Parse(time.RFC3339, submittedAt)
	if completedAt.Valid {
		j.CompletedAt, _ = time.Parse(time.RFC3339, completedAt.String)
	}
	return &j, nil
}
