// Package access answers membership questions for rooms and teams. It stands
// in for the product's membership service; the engine only depends on the
// checks below.
package access

import (
	"context"
	"fmt"

	"huddle/internal/repo"
)

// ForbiddenError marks a caller who exists but lacks membership in the scope
// guarding an operation.
type ForbiddenError struct {
	Scope  string
	ID     string
	UserID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("user %s is not a member of %s %s", e.UserID, e.Scope, e.ID)
}

type Checker struct {
	Repo repo.Repo
}

func (c Checker) RequireRoomMember(ctx context.Context, roomID, userID string) error {
	ok, err := c.Repo.IsRoomMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Scope: "room", ID: roomID, UserID: userID}
	}
	return nil
}

func (c Checker) RequireTeamMember(ctx context.Context, teamID, userID string) error {
	ok, err := c.Repo.IsTeamMember(ctx, teamID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Scope: "team", ID: teamID, UserID: userID}
	}
	return nil
}

func (c Checker) CountRoomMembers(ctx context.Context, roomID string) (int, error) {
	return c.Repo.CountRoomMembers(ctx, roomID)
}
