package engine

import (
	"context"
	"fmt"

	"huddle/internal/audit"
	"huddle/internal/domain"
	"huddle/internal/repo"
)

var taskStatuses = map[string]bool{
	"todo":        true,
	"in_progress": true,
	"done":        true,
	"blocked":     true,
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID           string
	TeamID       string
	Title        string
	Description  string
	Status       string
	Priority     *int
	DueAt        *string
	EffortPoints *int
	ActorID      string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, wrapInvalid("title is required")
	}
	if opts.Status == "" {
		opts.Status = "todo"
	}
	if !taskStatuses[opts.Status] {
		return domain.Task{}, wrapInvalid(fmt.Sprintf("unknown status %q", opts.Status))
	}
	team, err := e.Repo.GetTeam(ctx, opts.TeamID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Access.RequireTeamMember(ctx, opts.TeamID, opts.ActorID); err != nil {
		return domain.Task{}, err
	}
	now := e.timestamp()
	t := domain.Task{
		ID:           newID(opts.ID),
		TeamID:       opts.TeamID,
		Title:        opts.Title,
		Description:  opts.Description,
		Status:       opts.Status,
		Priority:     opts.Priority,
		DueAt:        opts.DueAt,
		EffortPoints: opts.EffortPoints,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	e.Audit.Append(ctx, team.RoomID, "task.created", opts.ActorID, audit.Payload{
		"task_id": t.ID,
		"title":   t.Title,
		"status":  t.Status,
	})
	e.notifyRecompute(ctx, opts.TeamID, "task_created")
	return t, nil
}

// TaskUpdateOptions encapsulates allowed updates. Nil fields are untouched.
type TaskUpdateOptions struct {
	ID           string
	Title        *string
	Description  *string
	Status       *string
	Priority     *int
	DueAt        *string
	EffortPoints *int
	ActorID      string
}

// UpdateTask applies the changed fields and, when any signal-relevant field
// moved (status, priority, due date, effort), submits a recompute for the
// task's team.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	if err := e.Access.RequireTeamMember(ctx, t.TeamID, opts.ActorID); err != nil {
		return t, err
	}
	original := t
	signalRelevant := false
	if opts.Title != nil {
		if *opts.Title == "" {
			return t, wrapInvalid("title cannot be empty")
		}
		t.Title = *opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.Status != nil {
		if !taskStatuses[*opts.Status] {
			return t, wrapInvalid(fmt.Sprintf("unknown status %q", *opts.Status))
		}
		if *opts.Status != t.Status {
			signalRelevant = true
		}
		t.Status = *opts.Status
	}
	if opts.Priority != nil {
		t.Priority = opts.Priority
		signalRelevant = true
	}
	if opts.DueAt != nil {
		if *opts.DueAt == "" {
			t.DueAt = nil
		} else {
			t.DueAt = opts.DueAt
		}
		signalRelevant = true
	}
	if opts.EffortPoints != nil {
		t.EffortPoints = opts.EffortPoints
		signalRelevant = true
	}
	t.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateTask(ctx, t); err != nil {
		return t, err
	}
	team, err := e.Repo.GetTeam(ctx, t.TeamID)
	if err != nil {
		return t, err
	}
	e.Audit.Append(ctx, team.RoomID, "task.updated", opts.ActorID, audit.Payload{
		"task_id":     t.ID,
		"from_status": original.Status,
		"to_status":   t.Status,
	})
	if signalRelevant {
		e.notifyRecompute(ctx, t.TeamID, "task_updated")
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id, requesterID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if err := e.Access.RequireTeamMember(ctx, t.TeamID, requesterID); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters, requesterID string) ([]domain.Task, error) {
	if _, err := e.Repo.GetTeam(ctx, f.TeamID); err != nil {
		return nil, err
	}
	if err := e.Access.RequireTeamMember(ctx, f.TeamID, requesterID); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, f)
}
