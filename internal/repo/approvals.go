package repo

import (
	"context"
	"database/sql"

	"huddle/internal/domain"
)

func (r Repo) InsertApproval(ctx context.Context, a domain.ApprovalRequest) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO approvals(id,session_id,type,payload_json,status,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.SessionID, a.Type, nullable(a.PayloadJSON), a.Status, a.CreatedAt)
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var payload, resolvedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,session_id,type,payload_json,status,created_at,resolved_at FROM approvals WHERE id=?`, id).
		Scan(&a.ID, &a.SessionID, &a.Type, &payload, &a.Status, &a.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if payload.Valid {
		a.PayloadJSON = payload.String
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.String
	}
	return a, nil
}

func (r Repo) ListApprovalsBySession(ctx context.Context, sessionID string) ([]domain.ApprovalRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,type,payload_json,status,created_at,resolved_at FROM approvals WHERE session_id=? ORDER BY created_at DESC, id DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		var a domain.ApprovalRequest
		var payload, resolvedAt sql.NullString
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Type, &payload, &a.Status, &a.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			a.PayloadJSON = payload.String
		}
		if resolvedAt.Valid {
			a.ResolvedAt = &resolvedAt.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpsertVote atomically replaces any earlier vote by the same user on the
// same approval. Concurrent casts for one (approval, user) serialize on the
// composite primary key; no read-modify-write is involved.
func (r Repo) UpsertVote(ctx context.Context, v domain.Vote) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO approval_votes(approval_id,user_id,vote,comment,voted_at) VALUES (?,?,?,?,?)
ON CONFLICT(approval_id,user_id) DO UPDATE SET vote=excluded.vote, comment=excluded.comment, voted_at=excluded.voted_at`,
		v.ApprovalID, v.UserID, v.Vote, nullableStringPtr(v.Comment), v.VotedAt)
	return err
}

func (r Repo) ListVotes(ctx context.Context, approvalID string) ([]domain.Vote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT approval_id,user_id,vote,comment,voted_at FROM approval_votes WHERE approval_id=? ORDER BY voted_at ASC, user_id ASC`, approvalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		var comment sql.NullString
		if err := rows.Scan(&v.ApprovalID, &v.UserID, &v.Vote, &comment, &v.VotedAt); err != nil {
			return nil, err
		}
		if comment.Valid {
			v.Comment = &comment.String
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// MarkApprovalResolved flips a pending approval to a terminal outcome. The
// status guard in the WHERE clause makes the transition race-safe: of two
// concurrent resolvers only one affects a row. Returns false when no pending
// row was transitioned.
func (r Repo) MarkApprovalResolved(ctx context.Context, id, outcome, resolvedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE approvals SET status=?, resolved_at=? WHERE id=? AND status='pending'`,
		outcome, resolvedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
