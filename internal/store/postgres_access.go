package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertMembership inserts or replaces the role for (projectID, userID) and
// reports whether a new row was created.
func (s *PostgresStore) UpsertMembership(ctx context.Context, m Membership) (Membership, bool, error) {
	var created bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO memberships (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=EXCLUDED.role, updated_at=NOW()
		RETURNING created_at, updated_at, (xmax = 0)
	`, m.ProjectID, m.UserID, m.Role).Scan(&m.CreatedAt, &m.UpdatedAt, &created)
	if err != nil {
		return Membership{}, false, fmt.Errorf("upsert membership: %w", err)
	}
	return m, created, nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, projectID, userID string) (Membership, error) {
	m := Membership{ProjectID: projectID, UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT role, created_at, updated_at FROM memberships WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&m.Role, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return Membership{}, translateError(err)
	}
	return m, nil
}

func (s *PostgresStore) DeleteMembership(ctx context.Context, projectID, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memberships WHERE project_id=$1 AND user_id=$2`, projectID, userID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAccessibleProjectIDs returns projects the user is a member of or owns.
func (s *PostgresStore) ListAccessibleProjectIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id FROM memberships WHERE user_id=$1
		UNION
		SELECT id FROM entities WHERE entity_type='project' AND owner_id=$1 AND archived_at IS NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accessible projects: %w", err)
	}
	return scanIDs(rows)
}

func (s *PostgresStore) InsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", translateError(err))
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.getUser(ctx, `WHERE id=$1`, userID)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `WHERE LOWER(email)=LOWER($1)`, email)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, created_at FROM users `+where, arg,
	).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, translateError(err)
	}
	return user, nil
}

// DeleteUser physically removes the account and its memberships. Entities the
// user owned and the audit trail are left untouched.
func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE user_id=$1`, userID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete user memberships: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete user: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		_ = tx.Rollback()
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete user: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsersByIDs(ctx context.Context, ids []string) (map[string]User, error) {
	users := make(map[string]User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}
	a := &args{}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, email, password_hash, role, created_at FROM users WHERE id IN (`+a.list(ids)+`)
	`, a.values...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users[user.ID] = user
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}
