// Package user provides auth user identity records.
package user

import (
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/louisbranch/latchkey/internal/platform/errors"
	"github.com/louisbranch/latchkey/internal/services/auth/ids"
)

// Role is the coarse privilege tier stored on the user record.
type Role string

const (
	// RoleUser is the default role for new registrations.
	RoleUser Role = "user"
	// RoleAdmin grants administrative capability checks.
	RoleAdmin Role = "admin"
)

// ErrInvalidRole indicates a role outside the known enum.
var ErrInvalidRole = apperrors.New(apperrors.CodeUserInvalidRole, "role must be user or admin")

// User represents an authenticated identity record.
//
// Roles and scopes live here and only here: tokens never carry privilege
// data, so authorization always reads this record.
type User struct {
	ID         string
	Role       Role
	Scopes     []string
	CreatedAt  time.Time
	DisabledAt *time.Time
}

// ParseRole validates a raw role string.
func ParseRole(raw string) (Role, error) {
	trimmed := strings.TrimSpace(raw)
	switch Role(trimmed) {
	case RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", apperrors.WithMetadata(
			apperrors.CodeUserInvalidRole,
			"role must be user or admin",
			map[string]string{"role": trimmed},
		)
	}
}

// Disabled reports whether the user has been soft-disabled.
func (u User) Disabled() bool {
	return u.DisabledAt != nil
}

// HasScopes reports whether the user holds every requested scope.
func (u User) HasScopes(scopes ...string) bool {
	if len(scopes) == 0 {
		return true
	}
	held := make(map[string]bool, len(u.Scopes))
	for _, scope := range u.Scopes {
		held[scope] = true
	}
	for _, scope := range scopes {
		if !held[scope] {
			return false
		}
	}
	return true
}

// NewUser creates a durable user identity.
//
// Users are created exactly once, as a side effect of a successful
// registration ceremony; there is no standalone signup path.
func NewUser(role Role, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = ids.NewUserID
	}
	if role == "" {
		role = RoleUser
	}
	if _, err := ParseRole(string(role)); err != nil {
		return User{}, err
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	return User{
		ID:        userID,
		Role:      role,
		CreatedAt: now().UTC(),
	}, nil
}

// NormalizeScopes trims, deduplicates, and sorts a scope list.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]bool, len(scopes))
	normalized := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" || seen[scope] {
			continue
		}
		seen[scope] = true
		normalized = append(normalized, scope)
	}
	sort.Strings(normalized)
	return normalized
}

// JoinScopes encodes scopes for storage as a comma-separated string.
func JoinScopes(scopes []string) string {
	return strings.Join(NormalizeScopes(scopes), ",")
}

// SplitScopes decodes a stored comma-separated scope string.
func SplitScopes(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return NormalizeScopes(strings.Split(raw, ","))
}
