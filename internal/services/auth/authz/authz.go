// Package authz answers capability checks against stored user state.
//
// Role and scope decisions always come from the user record, never from
// token claims. The token proves identity; this package decides capability.
package authz

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/services/auth/storage"
	"github.com/louisbranch/latchkey/internal/services/auth/user"
)

// AuthContext carries the authenticated identity through a request. Handlers
// receive it explicitly; there is no ambient lookup.
type AuthContext struct {
	User     user.User
	DeviceID string
}

// UserID returns the authenticated user id.
func (a AuthContext) UserID() string {
	return a.User.ID
}

// IsAdmin reports whether the authenticated user holds the admin role.
func (a AuthContext) IsAdmin() bool {
	return a.User.Role == user.RoleAdmin
}

// Resolver loads role and scope state for capability checks.
type Resolver struct {
	users storage.UserStore
}

// NewResolver builds a resolver over the user store.
func NewResolver(users storage.UserStore) *Resolver {
	return &Resolver{users: users}
}

// HasRole reports whether the user currently holds the given role. Admins
// satisfy checks for the base user role.
func (r *Resolver) HasRole(ctx context.Context, userID string, role user.Role) (bool, error) {
	resolved, err := r.load(ctx, userID)
	if err != nil {
		return false, err
	}
	if resolved.Role == role {
		return true, nil
	}
	return role == user.RoleUser && resolved.Role == user.RoleAdmin, nil
}

// HasScopes reports whether the user holds every scope in the set.
func (r *Resolver) HasScopes(ctx context.Context, userID string, scopes []string) (bool, error) {
	resolved, err := r.load(ctx, userID)
	if err != nil {
		return false, err
	}
	return resolved.HasScopes(scopes...), nil
}

// RequireAdmin fails with a FORBIDDEN error unless the user is an admin.
func (r *Resolver) RequireAdmin(ctx context.Context, userID string) error {
	resolved, err := r.load(ctx, userID)
	if err != nil {
		return err
	}
	if resolved.Role != user.RoleAdmin {
		return apperrors.New(apperrors.CodeForbidden, "admin role is required")
	}
	return nil
}

// RequireScopes fails with a FORBIDDEN error naming the missing scopes
// unless the user holds all of them.
func (r *Resolver) RequireScopes(ctx context.Context, userID string, scopes []string) error {
	resolved, err := r.load(ctx, userID)
	if err != nil {
		return err
	}
	if resolved.HasScopes(scopes...) {
		return nil
	}
	missing := make([]string, 0, len(scopes))
	held := make(map[string]struct{}, len(resolved.Scopes))
	for _, scope := range resolved.Scopes {
		held[scope] = struct{}{}
	}
	for _, scope := range scopes {
		if _, ok := held[scope]; !ok {
			missing = append(missing, scope)
		}
	}
	return apperrors.WithMetadata(
		apperrors.CodeForbidden,
		"missing required scopes",
		map[string]string{"Scopes": strings.Join(missing, ", ")},
	)
}

func (r *Resolver) load(ctx context.Context, userID string) (user.User, error) {
	if r == nil || r.users == nil {
		return user.User{}, fmt.Errorf("authorization resolver is not configured")
	}
	resolved, err := r.users.GetUser(ctx, userID)
	if err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return user.User{}, apperrors.New(apperrors.CodeUnknownUser, "user is unknown")
		}
		return user.User{}, err
	}
	if resolved.Disabled() {
		return user.User{}, apperrors.New(apperrors.CodeUserDisabled, "user account is disabled")
	}
	return resolved, nil
}
