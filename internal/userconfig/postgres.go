package userconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const pgOpTimeout = 5 * time.Second

// ErrDuplicateUser is returned by Create when the user ID already exists.
var ErrDuplicateUser = errors.New("configuration already exists")

// PostgresStore persists configurations in the user_configs table. Catalogs
// and preferences are stored as JSONB documents.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type configRow struct {
	UserID          string    `db:"user_id"`
	APIKeyIDHash    string    `db:"api_key_id_hash"`
	EncryptedAPIKey []byte    `db:"encrypted_api_key"`
	Catalogs        []byte    `db:"catalogs"`
	Preferences     []byte    `db:"preferences"`
	ConfigName      string    `db:"config_name"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r *configRow) toConfig() (*Config, error) {
	cfg := &Config{
		UserID:          r.UserID,
		APIKeyIDHash:    r.APIKeyIDHash,
		EncryptedAPIKey: r.EncryptedAPIKey,
		ConfigName:      r.ConfigName,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.Catalogs) > 0 {
		if err := json.Unmarshal(r.Catalogs, &cfg.Catalogs); err != nil {
			return nil, fmt.Errorf("decode catalogs for %s: %w", r.UserID, err)
		}
	}
	if len(r.Preferences) > 0 {
		if err := json.Unmarshal(r.Preferences, &cfg.Preferences); err != nil {
			return nil, fmt.Errorf("decode preferences for %s: %w", r.UserID, err)
		}
	}
	return cfg, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Config, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	var row configRow
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, api_key_id_hash, encrypted_api_key,
		       catalogs, preferences, config_name, created_at, updated_at
		FROM user_configs
		WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get config %s: %w", userID, err)
	}
	return row.toConfig()
}

func (s *PostgresStore) ListByKeyHash(ctx context.Context, keyHash string) ([]*Config, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	var rows []configRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT user_id, api_key_id_hash, encrypted_api_key,
		       catalogs, preferences, config_name, created_at, updated_at
		FROM user_configs
		WHERE api_key_id_hash = $1
		ORDER BY created_at ASC`, keyHash)
	if err != nil {
		return nil, fmt.Errorf("list configs by key hash: %w", err)
	}

	configs := make([]*Config, 0, len(rows))
	for i := range rows {
		cfg, convErr := rows[i].toConfig()
		if convErr != nil {
			// A single undecodable row should not hide the user's other
			// configurations.
			log.Warn().Err(convErr).Str("user_id", rows[i].UserID).Msg("Skipping undecodable config row")
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (s *PostgresStore) Create(ctx context.Context, cfg *Config) error {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	catalogs, err := json.Marshal(cfg.Catalogs)
	if err != nil {
		return fmt.Errorf("encode catalogs: %w", err)
	}
	prefs, err := json.Marshal(cfg.Preferences)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_configs
			(user_id, api_key_id_hash, encrypted_api_key, catalogs, preferences,
			 config_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		cfg.UserID, cfg.APIKeyIDHash, cfg.EncryptedAPIKey, catalogs, prefs,
		cfg.ConfigName, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateUser
		}
		return fmt.Errorf("create config %s: %w", cfg.UserID, err)
	}

	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, cfg *Config) error {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	catalogs, err := json.Marshal(cfg.Catalogs)
	if err != nil {
		return fmt.Errorf("encode catalogs: %w", err)
	}
	prefs, err := json.Marshal(cfg.Preferences)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_configs
		SET catalogs = $2, preferences = $3, config_name = $4, updated_at = $5
		WHERE user_id = $1`,
		cfg.UserID, catalogs, prefs, cfg.ConfigName, now)
	if err != nil {
		return fmt.Errorf("update config %s: %w", cfg.UserID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update config %s: %w", cfg.UserID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	cfg.UpdatedAt = now
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM user_configs WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete config %s: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete config %s: %w", userID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
