package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"huddle/internal/db"
	"huddle/internal/engine"
	"huddle/internal/engine/access"
	"huddle/internal/migrate"
	"huddle/internal/repo"
	"huddle/internal/signals"
)

func taskFilters(teamID string, limit int, cursorCreatedAt, cursorID string) repo.TaskFilters {
	return repo.TaskFilters{
		TeamID:          teamID,
		Limit:           limit,
		CursorCreatedAt: cursorCreatedAt,
		CursorID:        cursorID,
	}
}

type fakeDispatcher struct {
	calls []signals.RecomputePayload
	err   error
}

func (d *fakeDispatcher) Enqueue(ctx context.Context, jobName string, p signals.RecomputePayload) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	d.calls = append(d.calls, p)
	return "run-1", nil
}

type testEnv struct {
	Engine     engine.Engine
	Dispatcher *fakeDispatcher
	Ctx        context.Context
	RoomID     string
	SessionID  string
	TeamID     string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	dispatcher := &fakeDispatcher{}
	eng := engine.New(conn, dispatcher)
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	room, err := eng.CreateRoom(ctx, "room-1", "CS101 project", "alice")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	for _, user := range []string{"bob", "carol"} {
		if _, err := eng.AddRoomMember(ctx, room.ID, user, "member", "alice"); err != nil {
			t.Fatalf("add member %s: %v", user, err)
		}
	}
	session, err := eng.CreateSession(ctx, room.ID, "sprint planning", "alice")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	team, err := eng.CreateTeam(ctx, room.ID, "backend", "alice")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	if _, err := eng.AddTeamMember(ctx, team.ID, "bob", "alice"); err != nil {
		t.Fatalf("add team member: %v", err)
	}
	return testEnv{
		Engine:     eng,
		Dispatcher: dispatcher,
		Ctx:        ctx,
		RoomID:     room.ID,
		SessionID:  session.ID,
		TeamID:     team.ID,
	}
}

func TestLatestVoteWins(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.OpenApproval(env.Ctx, env.SessionID, "merge_proposal", nil, "alice")
	if err != nil {
		t.Fatalf("open approval: %v", err)
	}
	if _, err := env.Engine.CastVote(env.Ctx, a.ID, "alice", engine.VoteApprove, nil); err != nil {
		t.Fatalf("alice approve: %v", err)
	}
	if _, err := env.Engine.CastVote(env.Ctx, a.ID, "bob", engine.VoteApprove, nil); err != nil {
		t.Fatalf("bob approve: %v", err)
	}
	// both flip; only the latest vote per user counts
	if _, err := env.Engine.CastVote(env.Ctx, a.ID, "alice", engine.VoteRequestChange, nil); err != nil {
		t.Fatalf("alice flip: %v", err)
	}
	if _, err := env.Engine.CastVote(env.Ctx, a.ID, "bob", engine.VoteRequestChange, nil); err != nil {
		t.Fatalf("bob flip: %v", err)
	}
	_, tally, err := env.Engine.Tally(env.Ctx, a.ID, "alice")
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if tally.ApproveCount != 0 || tally.ChangeCount != 2 {
		t.Fatalf("tally = approve %d change %d, want 0/2", tally.ApproveCount, tally.ChangeCount)
	}
	if tally.MemberCount != 3 {
		t.Fatalf("member count = %d, want 3", tally.MemberCount)
	}
	if tally.UserVote == nil || *tally.UserVote != engine.VoteRequestChange {
		t.Fatalf("user vote = %v, want request_change", tally.UserVote)
	}
	if len(tally.Votes) != 2 {
		t.Fatalf("votes = %d rows, want 2", len(tally.Votes))
	}
}

func TestTallyCountsLiveMembership(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.OpenApproval(env.Ctx, env.SessionID, "rename_repo", nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddRoomMember(env.Ctx, env.RoomID, "dave", "member", "alice"); err != nil {
		t.Fatal(err)
	}
	_, tally, err := env.Engine.Tally(env.Ctx, a.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if tally.MemberCount != 4 {
		t.Fatalf("member count = %d, want 4 after join", tally.MemberCount)
	}
}

func TestVoteAfterResolutionConflicts(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.OpenApproval(env.Ctx, env.SessionID, "merge_proposal", nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Resolve(env.Ctx, a.ID, engine.StatusApproved, "alice"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err = env.Engine.CastVote(env.Ctx, a.ID, "bob", engine.VoteApprove, nil)
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("vote on resolved = %v, want ErrConflict", err)
	}
}

func TestResolveIdempotentRetry(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.OpenApproval(env.Ctx, env.SessionID, "merge_proposal", nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.Resolve(env.Ctx, a.ID, engine.StatusApproved, "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.Status != engine.StatusApproved || first.ResolvedAt == nil {
		t.Fatalf("resolved = %+v, want approved with timestamp", first)
	}
	// same outcome again is a no-op success
	second, err := env.Engine.Resolve(env.Ctx, a.ID, engine.StatusApproved, "bob")
	if err != nil {
		t.Fatalf("retry resolve: %v", err)
	}
	if second.Status != engine.StatusApproved {
		t.Fatalf("retry status = %s", second.Status)
	}
	// a different terminal outcome conflicts
	_, err = env.Engine.Resolve(env.Ctx, a.ID, engine.StatusRejected, "bob")
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("conflicting resolve = %v, want ErrConflict", err)
	}
}

func TestResolveLogsOnce(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.OpenApproval(env.Ctx, env.SessionID, "merge_proposal", nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Resolve(env.Ctx, a.ID, engine.StatusApproved, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Resolve(env.Ctx, a.ID, engine.StatusApproved, "bob"); err != nil {
		t.Fatal(err)
	}
	var count int
	err = env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM audit_logs WHERE type='approval.resolved'`).Scan(&count)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("approval.resolved entries = %d, want 1", count)
	}
}

func TestNonMemberForbidden(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.OpenApproval(env.Ctx, env.SessionID, "merge_proposal", nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CastVote(env.Ctx, a.ID, "mallory", engine.VoteApprove, nil)
	var forbidden access.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("outsider vote = %v, want ForbiddenError", err)
	}
	_, _, err = env.Engine.Tally(env.Ctx, a.ID, "mallory")
	if !errors.As(err, &forbidden) {
		t.Fatalf("outsider tally = %v, want ForbiddenError", err)
	}
}

func TestUnknownVoteRejected(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.OpenApproval(env.Ctx, env.SessionID, "merge_proposal", nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CastVote(env.Ctx, a.ID, "alice", "abstain", nil)
	if !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("unknown vote = %v, want ErrInvalidArgument", err)
	}
}

func (env testEnv) mustCreateTask(t *testing.T, title string) string {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID:  env.TeamID,
		Title:   title,
		ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task.ID
}

func TestAddEdgeIdempotent(t *testing.T) {
	env := newTestEnv(t)
	blocking := env.mustCreateTask(t, "design schema")
	blocked := env.mustCreateTask(t, "write queries")
	before := len(env.Dispatcher.calls)

	edge, err := env.Engine.AddEdge(env.Ctx, engine.EdgeOptions{
		TeamID:         env.TeamID,
		BlockingTaskID: blocking,
		BlockedTaskID:  blocked,
		ActorID:        "alice",
	})
	if err != nil {
		t.Fatalf("add edge: %v", err)
	}
	if edge.DependencyType != engine.EdgeBlocks || edge.Weight != 1 {
		t.Fatalf("defaults = %+v, want blocks/1", edge)
	}

	again, err := env.Engine.AddEdge(env.Ctx, engine.EdgeOptions{
		TeamID:         env.TeamID,
		BlockingTaskID: blocking,
		BlockedTaskID:  blocked,
		ActorID:        "bob",
	})
	if err != nil {
		t.Fatalf("re-add edge: %v", err)
	}
	if again.CreatedAt != edge.CreatedAt {
		t.Fatalf("duplicate returned a new edge: %+v", again)
	}

	// the duplicate must not log or enqueue
	if got := len(env.Dispatcher.calls) - before; got != 1 {
		t.Fatalf("recompute jobs = %d, want 1", got)
	}
	var count int
	err = env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM audit_logs WHERE type='dependency.added'`).Scan(&count)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("dependency.added entries = %d, want 1", count)
	}
	edges, err := env.Engine.ListEdges(env.Ctx, env.TeamID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}
}

func TestAddEdgeSelfLoop(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreateTask(t, "self")
	_, err := env.Engine.AddEdge(env.Ctx, engine.EdgeOptions{
		TeamID:         env.TeamID,
		BlockingTaskID: id,
		BlockedTaskID:  id,
		ActorID:        "alice",
	})
	if !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("self loop = %v, want ErrInvalidArgument", err)
	}
}

func TestAddEdgeCrossTeam(t *testing.T) {
	env := newTestEnv(t)
	other, err := env.Engine.CreateTeam(env.Ctx, env.RoomID, "frontend", "alice")
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID: other.ID, Title: "foreign", ActorID: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	local := env.mustCreateTask(t, "local")
	_, err = env.Engine.AddEdge(env.Ctx, engine.EdgeOptions{
		TeamID:         env.TeamID,
		BlockingTaskID: foreign.ID,
		BlockedTaskID:  local,
		ActorID:        "alice",
	})
	if !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("cross-team edge = %v, want ErrInvalidArgument", err)
	}
}

func TestRemoveEdge(t *testing.T) {
	env := newTestEnv(t)
	blocking := env.mustCreateTask(t, "a")
	blocked := env.mustCreateTask(t, "b")
	if _, err := env.Engine.AddEdge(env.Ctx, engine.EdgeOptions{
		TeamID: env.TeamID, BlockingTaskID: blocking, BlockedTaskID: blocked, ActorID: "alice",
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RemoveEdge(env.Ctx, env.TeamID, blocking, blocked, "alice"); err != nil {
		t.Fatalf("remove edge: %v", err)
	}
	edges, err := env.Engine.ListEdges(env.Ctx, env.TeamID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 0 {
		t.Fatalf("edges after remove = %d", len(edges))
	}
}

func TestTaskUpdateSignalsOnlyRelevantChanges(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreateTask(t, "signal check")
	before := len(env.Dispatcher.calls)

	title := "renamed"
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: id, Title: &title, ActorID: "alice",
	}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got := len(env.Dispatcher.calls) - before; got != 0 {
		t.Fatalf("rename enqueued %d jobs, want 0", got)
	}

	status := "in_progress"
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: id, Status: &status, ActorID: "alice",
	}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := len(env.Dispatcher.calls) - before; got != 1 {
		t.Fatalf("status change enqueued %d jobs, want 1", got)
	}
	last := env.Dispatcher.calls[len(env.Dispatcher.calls)-1]
	if last.TeamID != env.TeamID || last.Reason != "task_updated" {
		t.Fatalf("payload = %+v", last)
	}
}

func TestEnqueueFailureDoesNotFailMutation(t *testing.T) {
	env := newTestEnv(t)
	env.Dispatcher.err = errors.New("queue down")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID: env.TeamID, Title: "resilient", ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("create with broken queue: %v", err)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID, "alice")
	if err != nil || got.Title != "resilient" {
		t.Fatalf("task not persisted: %v", err)
	}
}

func TestListTasksCursor(t *testing.T) {
	env := newTestEnv(t)
	// distinct created_at per row so the keyset is exercised
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		offset := time.Duration(i) * time.Minute
		env.Engine.Now = func() time.Time { return base.Add(offset) }
		env.mustCreateTask(t, "t")
	}
	page, err := env.Engine.ListTasks(env.Ctx, taskFilters(env.TeamID, 2, "", ""), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("page = %d rows, want 2", len(page))
	}
	last := page[len(page)-1]
	next, err := env.Engine.ListTasks(env.Ctx, taskFilters(env.TeamID, 2, last.CreatedAt, last.ID), "alice")
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range next {
		if task.ID == page[0].ID || task.ID == page[1].ID {
			t.Fatalf("cursor repeated task %s", task.ID)
		}
	}
}
