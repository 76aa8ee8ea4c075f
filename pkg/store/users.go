package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ozgurkan/chatgate/pkg/protocol"
)

// GetUserByExternalID looks a user up by the identity-provider subject id.
func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (*protocol.User, error) {
	query := s.rebind(`
SELECT id, external_id, email, username, first_name, last_name, role, active, created_at, updated_at
FROM users WHERE external_id = ?`)

	var user protocol.User
	var firstName, lastName sql.NullString

	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, externalID).Scan(
			&user.ID, &user.ExternalID, &user.Email, &user.Username,
			&firstName, &lastName, &user.Role, &user.Active,
			&user.CreatedAt, &user.UpdatedAt,
		)
	})
	if err != nil {
		return nil, classify(err, "user not found")
	}

	user.FirstName = firstName.String
	user.LastName = lastName.String
	return &user, nil
}

// GetUser looks a user up by local id.
func (s *Store) GetUser(ctx context.Context, id int64) (*protocol.User, error) {
	query := s.rebind(`
SELECT id, external_id, email, username, first_name, last_name, role, active, created_at, updated_at
FROM users WHERE id = ?`)

	var user protocol.User
	var firstName, lastName sql.NullString

	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, id).Scan(
			&user.ID, &user.ExternalID, &user.Email, &user.Username,
			&firstName, &lastName, &user.Role, &user.Active,
			&user.CreatedAt, &user.UpdatedAt,
		)
	})
	if err != nil {
		return nil, classify(err, "user not found")
	}

	user.FirstName = firstName.String
	user.LastName = lastName.String
	return &user, nil
}

// CreateUser inserts a new user row. A concurrent insert of the same
// external id surfaces as conflict; callers re-read and use the winner.
func (s *Store) CreateUser(ctx context.Context, user *protocol.User) (*protocol.User, error) {
	now := time.Now().UTC()
	if user.Role == "" {
		user.Role = "user"
	}

	insert := s.rebind(`
INSERT INTO users (external_id, email, username, first_name, last_name, role, active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	err := s.withRetry(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, insert,
			user.ExternalID, user.Email, user.Username, user.FirstName,
			user.LastName, user.Role, user.Active, now, now,
		)
		if execErr != nil {
			return execErr
		}
		// postgres does not support LastInsertId; fall back to a read.
		if id, idErr := res.LastInsertId(); idErr == nil && id > 0 {
			user.ID = id
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "user not found")
	}

	if user.ID == 0 {
		created, readErr := s.GetUserByExternalID(ctx, user.ExternalID)
		if readErr != nil {
			return nil, readErr
		}
		user.ID = created.ID
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return user, nil
}
