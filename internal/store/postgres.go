package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions in PostgreSQL with the state mapping stored
// as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the sessions and users tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pipeline_sessions (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			state JSONB NOT NULL DEFAULT '{}'::jsonb,
			outcome TEXT,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			hashed_password TEXT NOT NULL,
			roles TEXT[] NOT NULL DEFAULT '{user}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

// CreateSession implements SessionStore.
func (s *PostgresStore) CreateSession(ctx context.Context, name string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_sessions (id, name) VALUES ($1, $2)`,
		id, name,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

// GetSession implements SessionStore.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	var (
		sess      Session
		stateJSON []byte
		outcome   *string
		reason    *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, state, outcome, reason, created_at, updated_at
		FROM pipeline_sessions
		WHERE id = $1
	`, sessionID).Scan(&sess.ID, &sess.Name, &stateJSON, &outcome, &reason, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if err := json.Unmarshal(stateJSON, &sess.State); err != nil {
		return nil, fmt.Errorf("failed to decode session state: %w", err)
	}
	if outcome != nil {
		sess.Outcome = *outcome
	}
	if reason != nil {
		sess.Reason = *reason
	}
	return &sess, nil
}

// Load implements SessionStore.
func (s *PostgresStore) Load(ctx context.Context, sessionID uuid.UUID) (map[string]interface{}, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.State, nil
}

// Save implements SessionStore. Values that do not survive a JSON round trip
// are the caller's responsibility; the engine's final state is built from
// JSON-compatible capability outputs.
func (s *PostgresStore) Save(ctx context.Context, sessionID uuid.UUID, state map[string]interface{}) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_sessions
		SET state = $1, updated_at = NOW()
		WHERE id = $2
	`, encoded, sessionID)
	if err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetOutcome implements SessionStore.
func (s *PostgresStore) SetOutcome(ctx context.Context, sessionID uuid.UUID, outcome, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_sessions
		SET outcome = $1, reason = $2, updated_at = NOW()
		WHERE id = $3
	`, outcome, reason, sessionID)
	if err != nil {
		return fmt.Errorf("failed to record session outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}
