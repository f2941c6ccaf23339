package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"huddle/internal/db"
	"huddle/internal/domain"
	"huddle/internal/engine"
	"huddle/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, nil)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-ID": id}
}

// seedRoom creates a room owned by alice with bob as a second member and
// returns the room and a session in it.
func seedRoom(t *testing.T, srv *testServer) (domain.Room, domain.Session) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms", map[string]any{
		"name": "CS101 project",
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create room: %d %s", res.StatusCode, string(data))
	}
	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		t.Fatalf("unmarshal room: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms/"+room.ID+"/members", map[string]any{
		"user_id": "bob",
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add member: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms/"+room.ID+"/sessions", map[string]any{
		"topic": "standup",
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create session: %d %s", res.StatusCode, string(data))
	}
	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	return room, session
}

func TestApprovalVoteFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, session := seedRoom(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/approvals", map[string]any{
		"type":    "merge_proposal",
		"payload": map[string]any{"pr": 42},
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("open approval: %d %s", res.StatusCode, string(data))
	}
	var approval ApprovalResponse
	if err := json.Unmarshal(data, &approval); err != nil {
		t.Fatalf("unmarshal approval: %v", err)
	}
	if approval.Status != "pending" {
		t.Fatalf("status = %s, want pending", approval.Status)
	}

	for _, actor := range []string{"alice", "bob"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+approval.ID+"/votes", map[string]any{
			"vote": "approve",
		}, asActor(actor))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("vote %s: %d %s", actor, res.StatusCode, string(data))
		}
	}
	// bob changes his mind; only his latest vote counts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+approval.ID+"/votes", map[string]any{
		"vote": "request_change",
	}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revote: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals/"+approval.ID, nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get approval: %d %s", res.StatusCode, string(data))
	}
	var withTally ApprovalResponse
	if err := json.Unmarshal(data, &withTally); err != nil {
		t.Fatalf("unmarshal tally: %v", err)
	}
	if *withTally.ApproveCount != 1 || *withTally.ChangeCount != 1 {
		t.Fatalf("tally = %d/%d, want 1/1", *withTally.ApproveCount, *withTally.ChangeCount)
	}
	if *withTally.MemberCount != 2 {
		t.Fatalf("member count = %d, want 2", *withTally.MemberCount)
	}
	if withTally.UserVote == nil || *withTally.UserVote != "request_change" {
		t.Fatalf("bob's vote = %v", withTally.UserVote)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+approval.ID+"/resolve", map[string]any{
		"outcome": "approved",
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", res.StatusCode, string(data))
	}
	var resolved ApprovalResponse
	_ = json.Unmarshal(data, &resolved)
	if resolved.Status != "approved" || resolved.ResolvedAt == nil {
		t.Fatalf("resolved = %+v", resolved)
	}

	// voting after resolution conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+approval.ID+"/votes", map[string]any{
		"vote": "approve",
	}, asActor("bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("vote after resolve: %d %s, want 409", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "conflict" {
		t.Fatalf("error code = %q, want conflict", envelope.Error.Code)
	}
}

func TestAuditLogPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	room, _ := seedRoom(t, srv)

	// seedRoom already produced entries; add more to cross a page boundary
	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms/"+room.ID+"/sessions", map[string]any{}, asActor("alice"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("seed session: %d %s", res.StatusCode, string(data))
		}
	}

	seen := map[int64]bool{}
	url := srv.URL + "/v0/rooms/" + room.ID + "/logs?limit=2"
	pages := 0
	for {
		res, data := doJSON(t, client, http.MethodGet, url, nil, asActor("alice"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("logs: %d %s", res.StatusCode, string(data))
		}
		var page AuditLogResponse
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal logs: %v", err)
		}
		var prev int64
		for _, entry := range page.Logs {
			if seen[entry.ID] {
				t.Fatalf("entry %d repeated across pages", entry.ID)
			}
			if prev != 0 && entry.ID >= prev {
				t.Fatalf("entries not descending: %d then %d", prev, entry.ID)
			}
			prev = entry.ID
			seen[entry.ID] = true
		}
		pages++
		if page.NextCursor == nil {
			break
		}
		url = srv.URL + "/v0/rooms/" + room.ID + "/logs?limit=2&cursor=" + strconv.FormatInt(*page.NextCursor, 10)
	}
	// 6 entries at page size 2
	if len(seen) != 6 || pages != 3 {
		t.Fatalf("walked %d entries in %d pages, want 6 in 3", len(seen), pages)
	}
}

func TestErrorCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	room, _ := seedRoom(t, srv)

	// unknown approval
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals/nope", nil, asActor("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing approval: %d, want 404", res.StatusCode)
	}

	// outsider is forbidden, not 404
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms/"+room.ID+"/sessions", map[string]any{}, asActor("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider: %d, want 403", res.StatusCode)
	}

	// no credentials at all
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms", map[string]any{"name": "x"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d, want 401", res.StatusCode)
	}

	// self-dependency is rejected as bad input
	resTeam, teamData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms/"+room.ID+"/teams", map[string]any{
		"name": "backend",
	}, asActor("alice"))
	if resTeam.StatusCode != http.StatusOK {
		t.Fatalf("create team: %d %s", resTeam.StatusCode, string(teamData))
	}
	var team domain.Team
	_ = json.Unmarshal(teamData, &team)
	resTask, taskData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams/"+team.ID+"/tasks", map[string]any{
		"title": "solo",
	}, asActor("alice"))
	if resTask.StatusCode != http.StatusOK {
		t.Fatalf("create task: %d %s", resTask.StatusCode, string(taskData))
	}
	var task domain.Task
	_ = json.Unmarshal(taskData, &task)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams/"+team.ID+"/dependencies", map[string]any{
		"blocking_task_id": task.ID,
		"blocked_task_id":  task.ID,
	}, asActor("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("self dependency: %d %s, want 400", res.StatusCode, string(data))
	}
}

func TestDuplicateDependencyReturnsExisting(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	room, _ := seedRoom(t, srv)

	_, teamData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms/"+room.ID+"/teams", map[string]any{
		"name": "backend",
	}, asActor("alice"))
	var team domain.Team
	_ = json.Unmarshal(teamData, &team)

	var ids []string
	for _, title := range []string{"a", "b"} {
		_, taskData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams/"+team.ID+"/tasks", map[string]any{
			"title": title,
		}, asActor("alice"))
		var task domain.Task
		_ = json.Unmarshal(taskData, &task)
		ids = append(ids, task.ID)
	}

	body := map[string]any{"blocking_task_id": ids[0], "blocked_task_id": ids[1]}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams/"+team.ID+"/dependencies", body, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first add: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams/"+team.ID+"/dependencies", body, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("duplicate add: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/teams/"+team.ID+"/dependencies", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var edges []domain.TaskDependency
	_ = json.Unmarshal(data, &edges)
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms", map[string]any{
		"name": "jwt room",
	}, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt create room: %d %s", res.StatusCode, string(data))
	}

	// a token signed with the wrong key falls through to unauthorized
	bad := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"})
	badSigned, _ := bad.SignedString([]byte("wrong"))
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms", map[string]any{
		"name": "jwt room",
	}, map[string]string{"Authorization": "Bearer " + badSigned})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d, want 401", res.StatusCode)
	}
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}
