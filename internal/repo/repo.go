package repo

import (
	"context"
	"database/sql"
	"errors"

	"huddle/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertRoom(ctx context.Context, room domain.Room) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO rooms(id,name,created_at) VALUES (?,?,?)`,
		room.ID, room.Name, room.CreatedAt)
	return err
}

func (r Repo) GetRoom(ctx context.Context, id string) (domain.Room, error) {
	var room domain.Room
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM rooms WHERE id=?`, id).
		Scan(&room.ID, &room.Name, &room.CreatedAt)
	if err == sql.ErrNoRows {
		return room, ErrNotFound
	}
	return room, err
}

func (r Repo) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM rooms ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Room
	for rows.Next() {
		var room domain.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, room)
	}
	return res, rows.Err()
}

// UpsertRoomMember is idempotent: re-adding an existing member refreshes the
// role but never duplicates the row.
func (r Repo) UpsertRoomMember(ctx context.Context, m domain.RoomMember) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO room_members(room_id,user_id,role,joined_at) VALUES (?,?,?,?)
ON CONFLICT(room_id,user_id) DO UPDATE SET role=excluded.role`,
		m.RoomID, m.UserID, m.Role, m.JoinedAt)
	return err
}

func (r Repo) IsRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM room_members WHERE room_id=? AND user_id=?`, roomID, userID).Scan(&n)
	return n > 0, err
}

func (r Repo) CountRoomMembers(ctx context.Context, roomID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM room_members WHERE room_id=?`, roomID).Scan(&n)
	return n, err
}

func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,room_id,topic,created_at) VALUES (?,?,?,?)`,
		s.ID, s.RoomID, nullable(s.Topic), s.CreatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	var topic sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,room_id,topic,created_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.RoomID, &topic, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if topic.Valid {
		s.Topic = topic.String
	}
	return s, err
}

func (r Repo) InsertTeam(ctx context.Context, t domain.Team) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO teams(id,room_id,name,created_at) VALUES (?,?,?,?)`,
		t.ID, t.RoomID, t.Name, t.CreatedAt)
	return err
}

func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	var t domain.Team
	err := r.DB.QueryRowContext(ctx, `SELECT id,room_id,name,created_at FROM teams WHERE id=?`, id).
		Scan(&t.ID, &t.RoomID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) UpsertTeamMember(ctx context.Context, m domain.TeamMember) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO team_members(team_id,user_id,joined_at) VALUES (?,?,?)
ON CONFLICT(team_id,user_id) DO NOTHING`,
		m.TeamID, m.UserID, m.JoinedAt)
	return err
}

func (r Repo) IsTeamMember(ctx context.Context, teamID, userID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM team_members WHERE team_id=? AND user_id=?`, teamID, userID).Scan(&n)
	return n > 0, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
