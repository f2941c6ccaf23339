package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"huddle/internal/audit"
	"huddle/internal/domain"
	"huddle/internal/engine/access"
	"huddle/internal/repo"
	"huddle/internal/signals"
)

var (
	// ErrConflict marks a state transition the entity's current status
	// does not permit, such as voting on a resolved approval.
	ErrConflict = errors.New("conflict")

	// ErrInvalidArgument marks malformed input, such as a self-dependency.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Access resolves membership questions. Production wiring uses
// access.Checker; the membership service proper is outside this core.
type Access interface {
	RequireRoomMember(ctx context.Context, roomID, userID string) error
	RequireTeamMember(ctx context.Context, teamID, userID string) error
	CountRoomMembers(ctx context.Context, roomID string) (int, error)
}

// Dispatcher hands recomputation jobs to the shared queue.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobName string, payload signals.RecomputePayload) (string, error)
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   *audit.Writer
	Access  Access
	Signals Dispatcher
	Logger  *log.Logger
	Now     func() time.Time
}

func New(db *sql.DB, dispatcher Dispatcher) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Audit:   &audit.Writer{DB: db},
		Access:  access.Checker{Repo: r},
		Signals: dispatcher,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

// notifyRecompute submits a recompute job for the team. Enqueue failures are
// logged and discarded: the request path observes at-most-once delivery even
// though the queue itself is at-least-once. The worker recomputes full state,
// so a duplicate job is harmless and a missed one heals on the next mutation.
func (e Engine) notifyRecompute(ctx context.Context, teamID, reason string) {
	if e.Signals == nil {
		return
	}
	payload := signals.RecomputePayload{TeamID: teamID, Reason: reason}
	if _, err := e.Signals.Enqueue(ctx, signals.RecomputeJob, payload); err != nil {
		e.logger().Printf("signals: enqueue %s for team %s failed, recompute skipped: %v", reason, teamID, err)
	}
}

// CreateRoom creates a room with the creator as its first member.
func (e Engine) CreateRoom(ctx context.Context, id, name, actorID string) (domain.Room, error) {
	if name == "" {
		return domain.Room{}, wrapInvalid("room name is required")
	}
	room := domain.Room{
		ID:        newID(id),
		Name:      name,
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertRoom(ctx, room); err != nil {
		return domain.Room{}, err
	}
	if actorID != "" {
		member := domain.RoomMember{RoomID: room.ID, UserID: actorID, Role: "owner", JoinedAt: room.CreatedAt}
		if err := e.Repo.UpsertRoomMember(ctx, member); err != nil {
			return domain.Room{}, err
		}
	}
	e.Audit.Append(ctx, room.ID, "room.created", actorID, audit.Payload{"name": room.Name})
	return room, nil
}

func (e Engine) AddRoomMember(ctx context.Context, roomID, userID, role, actorID string) (domain.RoomMember, error) {
	if _, err := e.Repo.GetRoom(ctx, roomID); err != nil {
		return domain.RoomMember{}, err
	}
	if err := e.Access.RequireRoomMember(ctx, roomID, actorID); err != nil {
		return domain.RoomMember{}, err
	}
	if role == "" {
		role = "member"
	}
	m := domain.RoomMember{RoomID: roomID, UserID: userID, Role: role, JoinedAt: e.timestamp()}
	if err := e.Repo.UpsertRoomMember(ctx, m); err != nil {
		return domain.RoomMember{}, err
	}
	e.Audit.Append(ctx, roomID, "room.member_added", actorID, audit.Payload{"user_id": userID, "role": role})
	return m, nil
}

func (e Engine) CreateSession(ctx context.Context, roomID, topic, actorID string) (domain.Session, error) {
	if _, err := e.Repo.GetRoom(ctx, roomID); err != nil {
		return domain.Session{}, err
	}
	if err := e.Access.RequireRoomMember(ctx, roomID, actorID); err != nil {
		return domain.Session{}, err
	}
	s := domain.Session{
		ID:        newID(""),
		RoomID:    roomID,
		Topic:     topic,
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertSession(ctx, s); err != nil {
		return domain.Session{}, err
	}
	e.Audit.Append(ctx, roomID, "session.created", actorID, audit.Payload{"session_id": s.ID, "topic": topic})
	return s, nil
}

func (e Engine) CreateTeam(ctx context.Context, roomID, name, actorID string) (domain.Team, error) {
	if name == "" {
		return domain.Team{}, wrapInvalid("team name is required")
	}
	if _, err := e.Repo.GetRoom(ctx, roomID); err != nil {
		return domain.Team{}, err
	}
	if err := e.Access.RequireRoomMember(ctx, roomID, actorID); err != nil {
		return domain.Team{}, err
	}
	t := domain.Team{
		ID:        newID(""),
		RoomID:    roomID,
		Name:      name,
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertTeam(ctx, t); err != nil {
		return domain.Team{}, err
	}
	if err := e.Repo.UpsertTeamMember(ctx, domain.TeamMember{TeamID: t.ID, UserID: actorID, JoinedAt: t.CreatedAt}); err != nil {
		return domain.Team{}, err
	}
	e.Audit.Append(ctx, roomID, "team.created", actorID, audit.Payload{"team_id": t.ID, "name": name})
	return t, nil
}

func (e Engine) AddTeamMember(ctx context.Context, teamID, userID, actorID string) (domain.TeamMember, error) {
	team, err := e.Repo.GetTeam(ctx, teamID)
	if err != nil {
		return domain.TeamMember{}, err
	}
	if err := e.Access.RequireTeamMember(ctx, teamID, actorID); err != nil {
		return domain.TeamMember{}, err
	}
	m := domain.TeamMember{TeamID: teamID, UserID: userID, JoinedAt: e.timestamp()}
	if err := e.Repo.UpsertTeamMember(ctx, m); err != nil {
		return domain.TeamMember{}, err
	}
	e.Audit.Append(ctx, team.RoomID, "team.member_added", actorID, audit.Payload{"team_id": teamID, "user_id": userID})
	return m, nil
}

func wrapInvalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, msg)
}

func wrapConflict(msg string) error {
	return fmt.Errorf("%w: %s", ErrConflict, msg)
}
