package repo

import (
	"context"
	"database/sql"
	"strings"

	"huddle/internal/domain"
)

const taskColumns = `id,team_id,title,description,status,priority,due_at,effort_points,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var description, dueAt sql.NullString
	var priority, effort sql.NullInt64
	err := scan(&t.ID, &t.TeamID, &t.Title, &description, &t.Status, &priority, &dueAt, &effort, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	if dueAt.Valid {
		t.DueAt = &dueAt.String
	}
	if effort.Valid {
		e := int(effort.Int64)
		t.EffortPoints = &e
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TeamID, t.Title, nullable(t.Description), t.Status,
		nullableIntPtr(t.Priority), nullableStringPtr(t.DueAt), nullableIntPtr(t.EffortPoints),
		t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, priority=?, due_at=?, effort_points=?, updated_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Status,
		nullableIntPtr(t.Priority), nullableStringPtr(t.DueAt), nullableIntPtr(t.EffortPoints),
		t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	TeamID          string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"team_id=?"}
	args := []any{f.TeamID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
