package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/dbpulse/ingest/internal/models"
)

// PostgresKeyStore persists API keys alongside the run data.
type PostgresKeyStore struct {
	db *sqlx.DB
}

func NewPostgresKeyStore(db *sqlx.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

func (s *PostgresKeyStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.APIKey, error) {
	var key models.APIKey
	err := s.db.GetContext(ctx, &key, `
		SELECT id, name, key_hash, key_prefix, company_id, active, last_used_at, created_at
		FROM api_keys
		WHERE key_prefix = $1`, prefix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	return &key, nil
}

func (s *PostgresKeyStore) TouchAPIKey(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("updating api key last use: %w", err)
	}
	return nil
}

func (s *PostgresKeyStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (name, key_hash, key_prefix, company_id, active, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at`,
		key.Name, key.KeyHash, key.KeyPrefix, key.CompanyID, key.Active,
	).Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}
