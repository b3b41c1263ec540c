package auth

import (
	"context"
	"errors"
	"fmt"

	"crewline/internal/domain"
	"crewline/internal/repo"
)

// ForbiddenError indicates the identity may not perform the action.
type ForbiddenError struct {
	Identity int64
	Required domain.Role
	Reason   string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("role %s required", e.Required)
}

// NotRegisteredError indicates the identity has no profile yet.
type NotRegisteredError struct {
	Identity int64
}

func (e NotRegisteredError) Error() string {
	return fmt.Sprintf("user %d is not registered", e.Identity)
}

// Directory resolves identities to stored profiles.
type Directory interface {
	GetUser(ctx context.Context, id int64) (domain.UserProfile, error)
}

// AdminList is the live admin allow-list.
type AdminList interface {
	IsAdmin(id int64) bool
}

// Guard checks roles at the moment an action runs.
type Guard struct {
	Users  Directory
	Admins AdminList
}

// Require returns the caller's profile if its stored role is role. Admin
// actions additionally need the identity to still be on the allow-list.
func (g Guard) Require(ctx context.Context, id int64, role domain.Role) (domain.UserProfile, error) {
	u, err := g.Users.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.UserProfile{}, NotRegisteredError{Identity: id}
	}
	if err != nil {
		return domain.UserProfile{}, err
	}
	if u.Role != role {
		return u, ForbiddenError{Identity: id, Required: role}
	}
	if role == domain.RoleAdmin && (g.Admins == nil || !g.Admins.IsAdmin(id)) {
		return u, ForbiddenError{Identity: id, Required: role, Reason: "admin access has been revoked"}
	}
	return u, nil
}
