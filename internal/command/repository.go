package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Repository interface {
	AppendEntries(ctx context.Context, entries []Entry) error
	LoadEntries(ctx context.Context, projectID string) ([]Entry, error)
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) AppendEntries(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO commands (project_id, seq, payload, inverse, is_undo, appended_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		payload, err := json.Marshal(e.Cmd)
		if err != nil {
			return fmt.Errorf("marshal seq %d: %w", e.Seq, err)
		}
		inverse, err := json.Marshal(e.Inverse)
		if err != nil {
			return fmt.Errorf("marshal inverse seq %d: %w", e.Seq, err)
		}
		if _, err := stmt.ExecContext(ctx, e.ProjectID, e.Seq, string(payload), string(inverse),
			boolToInt(e.IsUndo), e.AppendedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert seq %d: %w", e.Seq, err)
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) LoadEntries(ctx context.Context, projectID string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT project_id, seq, payload, inverse, is_undo, appended_at
		FROM commands WHERE project_id = ? ORDER BY seq
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload, inverse, appendedAt string
		var isUndo int
		if err := rows.Scan(&e.ProjectID, &e.Seq, &payload, &inverse, &isUndo, &appendedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Cmd); err != nil {
			return nil, fmt.Errorf("unmarshal seq %d: %w", e.Seq, err)
		}
		if err := json.Unmarshal([]byte(inverse), &e.Inverse); err != nil {
			return nil, fmt.Errorf("unmarshal inverse seq %d: %w", e.Seq, err)
		}
		e.IsUndo = isUndo == 1
		e.AppendedAt, _ = time.Parse(time.RFC3339Nano, appendedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
