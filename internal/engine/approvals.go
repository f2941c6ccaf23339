package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"huddle/internal/audit"
	"huddle/internal/domain"
)

const (
	VoteApprove       = "approve"
	VoteRequestChange = "request_change"

	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

func terminal(status string) bool {
	return status == StatusApproved || status == StatusRejected
}

// roomForApproval resolves the approval's owning room through its session.
func (e Engine) roomForApproval(ctx context.Context, a domain.ApprovalRequest) (string, error) {
	s, err := e.Repo.GetSession(ctx, a.SessionID)
	if err != nil {
		return "", err
	}
	return s.RoomID, nil
}

// OpenApproval creates a pending request in a session.
func (e Engine) OpenApproval(ctx context.Context, sessionID, approvalType string, payload map[string]any, actorID string) (domain.ApprovalRequest, error) {
	if approvalType == "" {
		return domain.ApprovalRequest{}, wrapInvalid("approval type is required")
	}
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := e.Access.RequireRoomMember(ctx, s.RoomID, actorID); err != nil {
		return domain.ApprovalRequest{}, err
	}
	var payloadJSON string
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return domain.ApprovalRequest{}, fmt.Errorf("marshal approval payload: %w", err)
		}
		payloadJSON = string(data)
	}
	a := domain.ApprovalRequest{
		ID:          newID(""),
		SessionID:   sessionID,
		Type:        approvalType,
		PayloadJSON: payloadJSON,
		Status:      StatusPending,
		CreatedAt:   e.timestamp(),
	}
	if err := e.Repo.InsertApproval(ctx, a); err != nil {
		return domain.ApprovalRequest{}, err
	}
	e.Audit.Append(ctx, s.RoomID, "approval.opened", actorID, audit.Payload{"approval_id": a.ID, "type": a.Type})
	return a, nil
}

// CastVote upserts the caller's vote on a pending approval. A later vote from
// the same user supersedes the earlier one; votedAt is refreshed. Resolution
// is a separate explicit transition, never a side effect of voting.
func (e Engine) CastVote(ctx context.Context, approvalID, userID, vote string, comment *string) (domain.Vote, error) {
	if vote != VoteApprove && vote != VoteRequestChange {
		return domain.Vote{}, wrapInvalid(fmt.Sprintf("unknown vote %q", vote))
	}
	a, err := e.Repo.GetApproval(ctx, approvalID)
	if err != nil {
		return domain.Vote{}, err
	}
	roomID, err := e.roomForApproval(ctx, a)
	if err != nil {
		return domain.Vote{}, err
	}
	if err := e.Access.RequireRoomMember(ctx, roomID, userID); err != nil {
		return domain.Vote{}, err
	}
	if terminal(a.Status) {
		return domain.Vote{}, wrapConflict(fmt.Sprintf("approval %s already %s", a.ID, a.Status))
	}
	v := domain.Vote{
		ApprovalID: approvalID,
		UserID:     userID,
		Vote:       vote,
		Comment:    comment,
		VotedAt:    e.timestamp(),
	}
	if err := e.Repo.UpsertVote(ctx, v); err != nil {
		return domain.Vote{}, err
	}
	e.Audit.Append(ctx, roomID, "approval.vote_cast", userID, audit.Payload{"approval_id": approvalID, "vote": vote})
	return v, nil
}

// Tally summarizes the latest vote per distinct user. MemberCount is the
// room's live membership count, so the consensus denominator moves as members
// join or leave after the request was opened.
func (e Engine) Tally(ctx context.Context, approvalID, requesterID string) (domain.ApprovalRequest, domain.Tally, error) {
	a, err := e.Repo.GetApproval(ctx, approvalID)
	if err != nil {
		return domain.ApprovalRequest{}, domain.Tally{}, err
	}
	roomID, err := e.roomForApproval(ctx, a)
	if err != nil {
		return domain.ApprovalRequest{}, domain.Tally{}, err
	}
	if err := e.Access.RequireRoomMember(ctx, roomID, requesterID); err != nil {
		return domain.ApprovalRequest{}, domain.Tally{}, err
	}
	votes, err := e.Repo.ListVotes(ctx, approvalID)
	if err != nil {
		return domain.ApprovalRequest{}, domain.Tally{}, err
	}
	members, err := e.Access.CountRoomMembers(ctx, roomID)
	if err != nil {
		return domain.ApprovalRequest{}, domain.Tally{}, err
	}
	t := domain.Tally{MemberCount: members, Votes: votes}
	for _, v := range votes {
		switch v.Vote {
		case VoteApprove:
			t.ApproveCount++
		case VoteRequestChange:
			t.ChangeCount++
		}
		if v.UserID == requesterID {
			vote := v.Vote
			t.UserVote = &vote
		}
	}
	return a, t, nil
}

// Resolve transitions a pending approval to a terminal outcome. The update is
// guarded on status, so of two racing resolvers only one transitions the row.
// Retrying an already-applied outcome succeeds with the existing terminal
// state; a different terminal outcome is a conflict.
func (e Engine) Resolve(ctx context.Context, approvalID, outcome, actorID string) (domain.ApprovalRequest, error) {
	if outcome != StatusApproved && outcome != StatusRejected {
		return domain.ApprovalRequest{}, wrapInvalid(fmt.Sprintf("unknown outcome %q", outcome))
	}
	a, err := e.Repo.GetApproval(ctx, approvalID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	roomID, err := e.roomForApproval(ctx, a)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := e.Access.RequireRoomMember(ctx, roomID, actorID); err != nil {
		return domain.ApprovalRequest{}, err
	}
	resolvedAt := e.timestamp()
	transitioned, err := e.Repo.MarkApprovalResolved(ctx, approvalID, outcome, resolvedAt)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if !transitioned {
		current, err := e.Repo.GetApproval(ctx, approvalID)
		if err != nil {
			return domain.ApprovalRequest{}, err
		}
		if current.Status == outcome {
			return current, nil
		}
		return domain.ApprovalRequest{}, wrapConflict(fmt.Sprintf("approval %s already %s", approvalID, current.Status))
	}
	a.Status = outcome
	a.ResolvedAt = &resolvedAt
	e.Audit.Append(ctx, roomID, "approval.resolved", actorID, audit.Payload{"approval_id": approvalID, "outcome": outcome})
	return a, nil
}
