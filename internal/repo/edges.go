package repo

import (
	"context"
	"database/sql"

	"huddle/internal/domain"
)

// InsertEdge is conflict-tolerant: re-submitting an identical
// (team, blocking, blocked) triple is a no-op rather than an error. The
// returned bool reports whether a new row was actually created, so callers
// can skip downstream effects on duplicates.
func (r Repo) InsertEdge(ctx context.Context, e domain.TaskDependency) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO task_dependencies(team_id,blocking_task_id,blocked_task_id,dependency_type,weight,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(team_id,blocking_task_id,blocked_task_id) DO NOTHING`,
		e.TeamID, e.BlockingTaskID, e.BlockedTaskID, e.DependencyType, e.Weight, e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetEdge(ctx context.Context, teamID, blockingID, blockedID string) (domain.TaskDependency, error) {
	var e domain.TaskDependency
	err := r.DB.QueryRowContext(ctx, `SELECT team_id,blocking_task_id,blocked_task_id,dependency_type,weight,created_at FROM task_dependencies WHERE team_id=? AND blocking_task_id=? AND blocked_task_id=?`,
		teamID, blockingID, blockedID).
		Scan(&e.TeamID, &e.BlockingTaskID, &e.BlockedTaskID, &e.DependencyType, &e.Weight, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) DeleteEdge(ctx context.Context, teamID, blockingID, blockedID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM task_dependencies WHERE team_id=? AND blocking_task_id=? AND blocked_task_id=?`,
		teamID, blockingID, blockedID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListEdges(ctx context.Context, teamID string) ([]domain.TaskDependency, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT team_id,blocking_task_id,blocked_task_id,dependency_type,weight,created_at FROM task_dependencies WHERE team_id=? ORDER BY created_at ASC, blocking_task_id ASC, blocked_task_id ASC`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskDependency
	for rows.Next() {
		var e domain.TaskDependency
		if err := rows.Scan(&e.TeamID, &e.BlockingTaskID, &e.BlockedTaskID, &e.DependencyType, &e.Weight, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
