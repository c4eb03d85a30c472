package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/latchkey/internal/services/auth/storage"
	"github.com/louisbranch/latchkey/internal/services/auth/user"
)

// PutUser persists a user record, replacing any previous row.
func (s *Store) PutUser(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if _, err := user.ParseRole(string(u.Role)); err != nil {
		return err
	}

	disabledAt := sql.NullInt64{}
	if u.DisabledAt != nil {
		disabledAt = sql.NullInt64{Int64: toMillis(*u.DisabledAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (id, role, scopes, created_at, disabled_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	role = excluded.role,
	scopes = excluded.scopes,
	disabled_at = excluded.disabled_at
`,
		u.ID,
		string(u.Role),
		user.JoinScopes(u.Scopes),
		toMillis(u.CreatedAt),
		disabledAt,
	)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// GetUser fetches a user record by id.
func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return user.User{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return user.User{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, role, scopes, created_at, disabled_at
FROM users
WHERE id = ?
`, userID)
	return scanUser(row.Scan)
}

// CountUsers returns the total number of user records.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var count int64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

// SetUserRole updates the role assigned to a user.
func (s *Store) SetUserRole(ctx context.Context, userID string, role user.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if _, err := user.ParseRole(string(role)); err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(ctx, `UPDATE users SET role = ? WHERE id = ?`, string(role), userID)
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	return requireRowAffected(result, "set user role")
}

// SetUserScopes replaces the scopes granted to a user.
func (s *Store) SetUserScopes(ctx context.Context, userID string, scopes []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `UPDATE users SET scopes = ? WHERE id = ?`,
		user.JoinScopes(user.NormalizeScopes(scopes)), userID)
	if err != nil {
		return fmt.Errorf("set user scopes: %w", err)
	}
	return requireRowAffected(result, "set user scopes")
}

// DisableUser marks a user as disabled. Disabling is idempotent; the first
// timestamp wins.
func (s *Store) DisableUser(ctx context.Context, userID string, disabledAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE users SET disabled_at = COALESCE(disabled_at, ?) WHERE id = ?
`, toMillis(disabledAt), userID)
	if err != nil {
		return fmt.Errorf("disable user: %w", err)
	}
	return requireRowAffected(result, "disable user")
}

func requireRowAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanUser(scan func(dest ...any) error) (user.User, error) {
	var u user.User
	var role string
	var scopes string
	var createdAt int64
	var disabledAt sql.NullInt64
	if err := scan(&u.ID, &role, &scopes, &createdAt, &disabledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, storage.ErrNotFound
		}
		return user.User{}, fmt.Errorf("get user: %w", err)
	}
	parsedRole, err := user.ParseRole(role)
	if err != nil {
		return user.User{}, err
	}
	u.Role = parsedRole
	u.Scopes = user.SplitScopes(scopes)
	u.CreatedAt = fromMillis(createdAt)
	if disabledAt.Valid {
		value := fromMillis(disabledAt.Int64)
		u.DisabledAt = &value
	}
	return u, nil
}
