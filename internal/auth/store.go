package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type PostgresCredentialStore struct {
	db *sqlx.DB
}

func NewPostgresCredentialStore(db *sqlx.DB) *PostgresCredentialStore {
	return &PostgresCredentialStore{db: db}
}

func (s *PostgresCredentialStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, `
		SELECT id, email, name, password_hash, role, created_at, updated_at
		FROM users WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("user not found")
		}
		return nil, err
	}
	return &user, nil
}

func (s *PostgresCredentialStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, `
		SELECT id, email, name, password_hash, role, created_at, updated_at
		FROM users WHERE email = $1
	`, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("user not found")
		}
		return nil, err
	}
	return &user, nil
}

func (s *PostgresCredentialStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.Email, user.Name, user.Password, user.Role, user.CreatedAt, user.UpdatedAt)
	return err
}

func (s *PostgresCredentialStore) StoreRefreshToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), userID, token, expiresAt, time.Now())
	return err
}

func (s *PostgresCredentialStore) ValidateRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM refresh_tokens
		WHERE user_id = $1 AND token = $2 AND expires_at > NOW() AND revoked_at IS NULL
	`, userID, token)
	return count > 0, err
}

func (s *PostgresCredentialStore) RevokeRefreshToken(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW()
		WHERE user_id = $1 AND token = $2
	`, userID, token)
	return err
}

func (s *PostgresCredentialStore) GetAgentCredential(ctx context.Context, agentID string) (*AgentCredential, error) {
	var cred AgentCredential
	err := s.db.GetContext(ctx, &cred, `
		SELECT agent_id, key_hash, platform, revoked, created_at, last_seen
		FROM agent_credentials WHERE agent_id = $1
	`, agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	return &cred, nil
}

func (s *PostgresCredentialStore) CreateAgentCredential(ctx context.Context, cred *AgentCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_credentials (agent_id, key_hash, platform, revoked, created_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id) DO UPDATE SET
			key_hash = EXCLUDED.key_hash,
			platform = EXCLUDED.platform,
			revoked = false
	`, cred.AgentID, cred.KeyHash, cred.Platform, cred.Revoked, cred.CreatedAt, cred.CreatedAt)
	return err
}

func (s *PostgresCredentialStore) RevokeAgentCredential(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_credentials SET revoked = true WHERE agent_id = $1
	`, agentID)
	return err
}

func (s *PostgresCredentialStore) TouchAgent(ctx context.Context, agentID string, seen time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_credentials SET last_seen = $2 WHERE agent_id = $1
	`, agentID, seen)
	return err
}
