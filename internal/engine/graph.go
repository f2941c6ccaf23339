package engine

import (
	"context"
	"fmt"

	"huddle/internal/audit"
	"huddle/internal/domain"
)

const (
	EdgeBlocks  = "blocks"
	EdgeRelated = "related"
)

// EdgeOptions are parameters for adding a dependency edge.
type EdgeOptions struct {
	TeamID         string
	BlockingTaskID string
	BlockedTaskID  string
	DependencyType string
	Weight         float64
	ActorID        string
}

// AddEdge inserts a directed dependency between two tasks of one team.
// Submitting an identical edge twice returns the existing edge without
// re-appending to the audit trail or re-enqueuing a recompute. Cycles are not
// rejected: edges are advisory planning annotations, not hard scheduling
// constraints.
func (e Engine) AddEdge(ctx context.Context, opts EdgeOptions) (domain.TaskDependency, error) {
	if opts.BlockingTaskID == opts.BlockedTaskID {
		return domain.TaskDependency{}, wrapInvalid("task cannot depend on itself")
	}
	if opts.DependencyType == "" {
		opts.DependencyType = EdgeBlocks
	}
	if opts.DependencyType != EdgeBlocks && opts.DependencyType != EdgeRelated {
		return domain.TaskDependency{}, wrapInvalid(fmt.Sprintf("unknown dependency type %q", opts.DependencyType))
	}
	if opts.Weight == 0 {
		opts.Weight = 1
	}
	if opts.Weight < 0 {
		return domain.TaskDependency{}, wrapInvalid("weight must be positive")
	}
	blocked, err := e.Repo.GetTask(ctx, opts.BlockedTaskID)
	if err != nil {
		return domain.TaskDependency{}, err
	}
	if opts.TeamID == "" {
		opts.TeamID = blocked.TeamID
	}
	if blocked.TeamID != opts.TeamID {
		return domain.TaskDependency{}, wrapInvalid("blocked task belongs to a different team")
	}
	if err := e.Access.RequireTeamMember(ctx, opts.TeamID, opts.ActorID); err != nil {
		return domain.TaskDependency{}, err
	}
	blocking, err := e.Repo.GetTask(ctx, opts.BlockingTaskID)
	if err != nil {
		return domain.TaskDependency{}, err
	}
	if blocking.TeamID != opts.TeamID {
		return domain.TaskDependency{}, wrapInvalid("blocking task belongs to a different team")
	}
	edge := domain.TaskDependency{
		TeamID:         opts.TeamID,
		BlockingTaskID: opts.BlockingTaskID,
		BlockedTaskID:  opts.BlockedTaskID,
		DependencyType: opts.DependencyType,
		Weight:         opts.Weight,
		CreatedAt:      e.timestamp(),
	}
	created, err := e.Repo.InsertEdge(ctx, edge)
	if err != nil {
		return domain.TaskDependency{}, err
	}
	if !created {
		return e.Repo.GetEdge(ctx, opts.TeamID, opts.BlockingTaskID, opts.BlockedTaskID)
	}
	team, err := e.Repo.GetTeam(ctx, opts.TeamID)
	if err != nil {
		return edge, err
	}
	e.Audit.Append(ctx, team.RoomID, "dependency.added", opts.ActorID, audit.Payload{
		"team_id":          opts.TeamID,
		"blocking_task_id": opts.BlockingTaskID,
		"blocked_task_id":  opts.BlockedTaskID,
		"dependency_type":  opts.DependencyType,
	})
	e.notifyRecompute(ctx, opts.TeamID, "dependency_added")
	return edge, nil
}

func (e Engine) RemoveEdge(ctx context.Context, teamID, blockingID, blockedID, actorID string) error {
	if err := e.Access.RequireTeamMember(ctx, teamID, actorID); err != nil {
		return err
	}
	if err := e.Repo.DeleteEdge(ctx, teamID, blockingID, blockedID); err != nil {
		return err
	}
	team, err := e.Repo.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	e.Audit.Append(ctx, team.RoomID, "dependency.removed", actorID, audit.Payload{
		"team_id":          teamID,
		"blocking_task_id": blockingID,
		"blocked_task_id":  blockedID,
	})
	e.notifyRecompute(ctx, teamID, "dependency_removed")
	return nil
}

func (e Engine) ListEdges(ctx context.Context, teamID, requesterID string) ([]domain.TaskDependency, error) {
	if _, err := e.Repo.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	if err := e.Access.RequireTeamMember(ctx, teamID, requesterID); err != nil {
		return nil, err
	}
	return e.Repo.ListEdges(ctx, teamID)
}
