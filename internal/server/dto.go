package server

import (
	"encoding/json"

	"huddle/internal/domain"
)

// Request payloads

type CreateRoomRequest struct {
	ID   *string `json:"id,omitempty"`
	Name string  `json:"name"`
}

type AddRoomMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty" enum:"owner,member"`
}

type CreateSessionRequest struct {
	Topic string `json:"topic,omitempty"`
}

type CreateTeamRequest struct {
	Name string `json:"name"`
}

type AddTeamMemberRequest struct {
	UserID string `json:"user_id"`
}

type OpenApprovalRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type CastVoteRequest struct {
	Vote    string  `json:"vote" enum:"approve,request_change"`
	Comment *string `json:"comment,omitempty"`
}

type ResolveApprovalRequest struct {
	Outcome string `json:"outcome" enum:"approved,rejected"`
}

type CreateTaskRequest struct {
	ID           *string `json:"id,omitempty"`
	Title        string  `json:"title"`
	Description  *string `json:"description,omitempty"`
	Status       *string `json:"status,omitempty" enum:"todo,in_progress,done,blocked"`
	Priority     *int    `json:"priority,omitempty"`
	DueAt        *string `json:"due_at,omitempty" format:"date-time"`
	EffortPoints *int    `json:"effort_points,omitempty"`
}

type UpdateTaskRequest struct {
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty"`
	Status       *string `json:"status,omitempty" enum:"todo,in_progress,done,blocked"`
	Priority     *int    `json:"priority,omitempty"`
	DueAt        *string `json:"due_at,omitempty" format:"date-time"`
	EffortPoints *int    `json:"effort_points,omitempty"`
}

type AddDependencyRequest struct {
	BlockingTaskID string   `json:"blocking_task_id"`
	BlockedTaskID  string   `json:"blocked_task_id"`
	DependencyType string   `json:"dependency_type,omitempty" enum:"blocks,related"`
	Weight         *float64 `json:"weight,omitempty"`
}

// Response payloads

type AuditLogEntryResponse struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Actor     *string        `json:"actor"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type AuditLogResponse struct {
	Logs       []AuditLogEntryResponse `json:"logs"`
	NextCursor *int64                  `json:"next_cursor"`
}

type ApprovalResponse struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload,omitempty"`
	Status       string         `json:"status" enum:"pending,approved,rejected"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	ResolvedAt   *string        `json:"resolved_at,omitempty" format:"date-time"`
	Votes        []domain.Vote  `json:"votes,omitempty"`
	ApproveCount *int           `json:"approve_count,omitempty"`
	ChangeCount  *int           `json:"change_count,omitempty"`
	MemberCount  *int           `json:"member_count,omitempty"`
	UserVote     *string        `json:"user_vote,omitempty"`
}

func toAuditLogEntry(e domain.AuditLogEntry) AuditLogEntryResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return AuditLogEntryResponse{
		ID:        e.ID,
		Type:      e.Type,
		Actor:     e.ActorID,
		Payload:   payload,
		CreatedAt: e.CreatedAt,
	}
}

func toApprovalResponse(a domain.ApprovalRequest) ApprovalResponse {
	resp := ApprovalResponse{
		ID:         a.ID,
		SessionID:  a.SessionID,
		Type:       a.Type,
		Status:     a.Status,
		CreatedAt:  a.CreatedAt,
		ResolvedAt: a.ResolvedAt,
	}
	if a.PayloadJSON != "" {
		payload := map[string]any{}
		if err := json.Unmarshal([]byte(a.PayloadJSON), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}

func toApprovalWithTally(a domain.ApprovalRequest, t domain.Tally) ApprovalResponse {
	resp := toApprovalResponse(a)
	resp.Votes = t.Votes
	resp.ApproveCount = &t.ApproveCount
	resp.ChangeCount = &t.ChangeCount
	resp.MemberCount = &t.MemberCount
	resp.UserVote = t.UserVote
	return resp
}
