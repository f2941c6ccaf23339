package domain

type Room struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RoomMember struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role" enum:"owner,member"`
	JoinedAt string `json:"joined_at" format:"date-time"`
}

// Session is one collaboration session inside a room. Approvals hang off
// sessions; the owning room is resolved through the session for membership
// checks.
type Session struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	Topic     string `json:"topic,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Team struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TeamMember struct {
	TeamID   string `json:"team_id"`
	UserID   string `json:"user_id"`
	JoinedAt string `json:"joined_at" format:"date-time"`
}

type Task struct {
	ID           string  `json:"id"`
	TeamID       string  `json:"team_id"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Status       string  `json:"status" enum:"todo,in_progress,done,blocked"`
	Priority     *int    `json:"priority,omitempty"`
	DueAt        *string `json:"due_at,omitempty" format:"date-time"`
	EffortPoints *int    `json:"effort_points,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// TaskDependency is a directed edge in a team's dependency graph. A "blocks"
// edge asserts the blocking task must finish before the blocked one;
// "related" edges are advisory annotations without that meaning.
type TaskDependency struct {
	TeamID         string  `json:"team_id"`
	BlockingTaskID string  `json:"blocking_task_id"`
	BlockedTaskID  string  `json:"blocked_task_id"`
	DependencyType string  `json:"dependency_type" enum:"blocks,related"`
	Weight         float64 `json:"weight"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type ApprovalRequest struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"session_id"`
	Type        string  `json:"type"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	Status      string  `json:"status" enum:"pending,approved,rejected"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
}

// Vote holds one member's latest position on an approval. At most one row
// exists per (approval, user); re-voting replaces the previous row.
type Vote struct {
	ApprovalID string  `json:"approval_id"`
	UserID     string  `json:"user_id"`
	Vote       string  `json:"vote" enum:"approve,request_change"`
	Comment    *string `json:"comment,omitempty"`
	VotedAt    string  `json:"voted_at" format:"date-time"`
}

// Tally is the on-demand vote summary for an approval. MemberCount is the
// room's membership at call time, not a snapshot taken at approval creation.
type Tally struct {
	ApproveCount int     `json:"approve_count"`
	ChangeCount  int     `json:"change_count"`
	MemberCount  int     `json:"member_count"`
	UserVote     *string `json:"user_vote,omitempty"`
	Votes        []Vote  `json:"votes"`
}

type AuditLogEntry struct {
	ID        int64   `json:"id"`
	RoomID    string  `json:"room_id"`
	Type      string  `json:"type"`
	ActorID   *string `json:"actor,omitempty"`
	Payload   string  `json:"payload_json"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
