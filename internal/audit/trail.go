// Package audit keeps the append-only activity record for a room.
//
// Appends are best-effort observability: a failed insert is retried a few
// times, then counted and dropped, and must never abort the mutation that
// produced it. Reads page backwards through history with a keyset cursor
// pinned to the monotonic row id, so concurrent inserts between page fetches
// cannot shift, repeat, or skip rows.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"huddle/internal/domain"
)

const appendAttempts = 3

type Writer struct {
	DB     *sql.DB
	Logger *log.Logger
	Now    func() time.Time

	dropped atomic.Int64
}

type Payload map[string]any

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Writer) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Append records one action against a room. The entry is retried internally
// before being dropped; the caller never sees a storage error. actorID may be
// empty for system actions.
func (w *Writer) Append(ctx context.Context, roomID, entryType, actorID string, payload Payload) {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		w.drop(roomID, entryType, fmt.Errorf("marshal payload: %w", err))
		return
	}
	ts := w.now().UTC().Format(time.RFC3339)
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_logs(room_id,type,actor_id,payload_json,created_at) VALUES (?,?,?,?,?)`,
			roomID, entryType, nullable(actorID), string(data), ts)
		if err == nil {
			return
		}
		if attempt < appendAttempts {
			time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
		}
	}
	w.drop(roomID, entryType, err)
}

func (w *Writer) drop(roomID, entryType string, err error) {
	w.dropped.Add(1)
	w.logger().Printf("audit: dropped entry room=%s type=%s: %v", roomID, entryType, err)
}

// Dropped reports how many entries were lost after exhausting retries.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

type Page struct {
	Entries    []domain.AuditLogEntry
	NextCursor *int64
}

// Query returns up to limit entries for a room in descending id order.
// cursor, when positive, is the id of the last entry of the previous page;
// the next page starts strictly below it. NextCursor is nil once the log is
// exhausted.
func (w *Writer) Query(ctx context.Context, roomID string, limit int, cursor int64) (Page, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,room_id,type,actor_id,payload_json,created_at FROM audit_logs WHERE room_id=?`
	args := []any{roomID}
	if cursor > 0 {
		query += ` AND id<?`
		args = append(args, cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()
	var entries []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		var actor sql.NullString
		if err := rows.Scan(&e.ID, &e.RoomID, &e.Type, &actor, &e.Payload, &e.CreatedAt); err != nil {
			return Page{}, err
		}
		if actor.Valid {
			e.ActorID = &actor.String
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	page := Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		last := page.Entries[limit-1].ID
		page.NextCursor = &last
	}
	return page, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
