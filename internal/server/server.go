package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"huddle/internal/domain"
	"huddle/internal/engine"
	"huddle/internal/engine/access"
	"huddle/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"approval already approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Huddle API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Huddle API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRooms(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerTeams(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerDependencies(group, cfg.Engine)
	registerAuditLogs(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the error taxonomy onto distinct HTTP outcomes. The kinds
// are never collapsed: not-found, forbidden, conflict and bad input each
// surface with their own code.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe access.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"scope": fe.Scope})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerRooms(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-room",
		Method:      http.MethodPost,
		Path:        "/rooms",
		Summary:     "Create a room",
	}, func(ctx context.Context, input *struct {
		Body CreateRoomRequest
	}) (*struct {
		Body domain.Room `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		id := ""
		if input.Body.ID != nil {
			id = *input.Body.ID
		}
		room, err := e.CreateRoom(ctx, id, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Room `json:"body"`
		}{Body: room}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-room-member",
		Method:      http.MethodPost,
		Path:        "/rooms/{room_id}/members",
		Summary:     "Add a member to a room",
	}, func(ctx context.Context, input *struct {
		RoomID string `path:"room_id"`
		Body   AddRoomMemberRequest
	}) (*struct {
		Body domain.RoomMember `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.AddRoomMember(ctx, input.RoomID, input.Body.UserID, input.Body.Role, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RoomMember `json:"body"`
		}{Body: m}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-session",
		Method:      http.MethodPost,
		Path:        "/rooms/{room_id}/sessions",
		Summary:     "Start a collaboration session",
	}, func(ctx context.Context, input *struct {
		RoomID string `path:"room_id"`
		Body   CreateSessionRequest
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.CreateSession(ctx, input.RoomID, input.Body.Topic, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "open-approval",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/approvals",
		Summary:     "Open an approval request",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Body      OpenApprovalRequest
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.OpenApproval(ctx, input.SessionID, input.Body.Type, input.Body.Payload, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: toApprovalResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cast-vote",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/votes",
		Summary:     "Cast or replace a vote",
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
		Body       CastVoteRequest
	}) (*struct {
		Body domain.Vote `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.CastVote(ctx, input.ApprovalID, actorID, input.Body.Vote, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Vote `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{approval_id}",
		Summary:     "Approval with live tally",
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		a, t, err := e.Tally(ctx, input.ApprovalID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: toApprovalWithTally(a, t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/resolve",
		Summary:     "Resolve an approval",
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
		Body       ResolveApprovalRequest
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.Resolve(ctx, input.ApprovalID, input.Body.Outcome, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: toApprovalResponse(a)}, nil
	})
}

func registerTeams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-team",
		Method:      http.MethodPost,
		Path:        "/rooms/{room_id}/teams",
		Summary:     "Create a team",
	}, func(ctx context.Context, input *struct {
		RoomID string `path:"room_id"`
		Body   CreateTeamRequest
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTeam(ctx, input.RoomID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-team-member",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/members",
		Summary:     "Add a member to a team",
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		Body   AddTeamMemberRequest
	}) (*struct {
		Body domain.TeamMember `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.AddTeamMember(ctx, input.TeamID, input.Body.UserID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TeamMember `json:"body"`
		}{Body: m}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-task",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tasks",
		Summary:     "Create a task",
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		Body   CreateTaskRequest
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.TaskCreateOptions{
			TeamID:       input.TeamID,
			Title:        input.Body.Title,
			Priority:     input.Body.Priority,
			DueAt:        input.Body.DueAt,
			EffortPoints: input.Body.EffortPoints,
			ActorID:      actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update a task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   UpdateTaskRequest
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:           input.TaskID,
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			Status:       input.Body.Status,
			Priority:     input.Body.Priority,
			DueAt:        input.Body.DueAt,
			EffortPoints: input.Body.EffortPoints,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/tasks",
		Summary:     "List team tasks",
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.ListTasks(ctx, repo.TaskFilters{TeamID: input.TeamID, Status: input.Status, Limit: input.Limit}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})
}

func registerDependencies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-dependency",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/dependencies",
		Summary:     "Add a dependency edge",
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		Body   AddDependencyRequest
	}) (*struct {
		Body domain.TaskDependency `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.EdgeOptions{
			TeamID:         input.TeamID,
			BlockingTaskID: input.Body.BlockingTaskID,
			BlockedTaskID:  input.Body.BlockedTaskID,
			DependencyType: input.Body.DependencyType,
			ActorID:        actorID,
		}
		if input.Body.Weight != nil {
			opts.Weight = *input.Body.Weight
		}
		edge, err := e.AddEdge(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskDependency `json:"body"`
		}{Body: edge}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-dependency",
		Method:      http.MethodDelete,
		Path:        "/teams/{team_id}/dependencies/{blocking_task_id}/{blocked_task_id}",
		Summary:     "Remove a dependency edge",
	}, func(ctx context.Context, input *struct {
		TeamID         string `path:"team_id"`
		BlockingTaskID string `path:"blocking_task_id"`
		BlockedTaskID  string `path:"blocked_task_id"`
	}) (*struct{}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RemoveEdge(ctx, input.TeamID, input.BlockingTaskID, input.BlockedTaskID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dependencies",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/dependencies",
		Summary:     "List dependency edges",
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body []domain.TaskDependency `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		edges, err := e.ListEdges(ctx, input.TeamID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskDependency `json:"body"`
		}{Body: edges}, nil
	})
}

func registerAuditLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "room-logs",
		Method:      http.MethodGet,
		Path:        "/rooms/{room_id}/logs",
		Summary:     "Room activity log, newest first",
	}, func(ctx context.Context, input *struct {
		RoomID string `path:"room_id"`
		Limit  int    `query:"limit"`
		Cursor int64  `query:"cursor"`
	}) (*struct {
		Body AuditLogResponse `json:"body"`
	}, error) {
		actorID, err := actorIDFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetRoom(ctx, input.RoomID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Access.RequireRoomMember(ctx, input.RoomID, actorID); err != nil {
			return nil, handleError(err)
		}
		page, err := e.Audit.Query(ctx, input.RoomID, input.Limit, input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := AuditLogResponse{Logs: []AuditLogEntryResponse{}, NextCursor: page.NextCursor}
		for _, entry := range page.Entries {
			resp.Logs = append(resp.Logs, toAuditLogEntry(entry))
		}
		return &struct {
			Body AuditLogResponse `json:"body"`
		}{Body: resp}, nil
	})
}
