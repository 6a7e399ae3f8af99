// Package store provides the data access layer for the Bifrost control
// plane. Definitions are persisted as JSONB documents keyed by their natural
// identifier, so the wire shape, the database shape and the Redis snapshot
// shape are one and the same.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcavalcanti/bifrost/internal/registry"
)

// ErrDuplicate signals a unique constraint violation on create.
var ErrDuplicate = errors.New("already exists")

// Compile-time check that PostgresStore implements FlagRepository.
var _ FlagRepository = (*PostgresStore)(nil)

// FlagRepository defines persistence operations for flag definitions.
type FlagRepository interface {
	// CreateFlag inserts a new definition. Duplicate keys answer ErrDuplicate.
	CreateFlag(ctx context.Context, def *registry.FlagDefinition) error

	// UpdateFlag replaces an existing definition. Missing keys answer
	// registry.ErrNotFound.
	UpdateFlag(ctx context.Context, def *registry.FlagDefinition) error

	// GetFlag loads one definition by key.
	GetFlag(ctx context.Context, key string) (*registry.FlagDefinition, error)

	// ListFlags loads every definition, ordered by key. The full set is
	// small by design (hundreds, not millions), so no pagination here; the
	// syncer reads it wholesale every cycle.
	ListFlags(ctx context.Context) ([]*registry.FlagDefinition, error)

	// DeleteFlag removes a definition. Missing keys answer registry.ErrNotFound.
	DeleteFlag(ctx context.Context, key string) error
}

// PostgresStore implements the repositories backed by PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a repository instance with the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresStore{db: db}
}

// isUniqueViolation reports PostgreSQL error 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateFlag inserts a new flag definition.
func (s *PostgresStore) CreateFlag(ctx context.Context, def *registry.FlagDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal flag %q: %w", def.Key, err)
	}

	query := `INSERT INTO flags (key, definition) VALUES ($1, $2)`
	if _, err := s.db.Exec(ctx, query, def.Key, data); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("flag %q: %w", def.Key, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert flag %q: %w", def.Key, err)
	}
	return nil
}

// UpdateFlag replaces the stored definition for the flag's key.
func (s *PostgresStore) UpdateFlag(ctx context.Context, def *registry.FlagDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal flag %q: %w", def.Key, err)
	}

	query := `UPDATE flags SET definition = $2, updated_at = now() WHERE key = $1`
	tag, err := s.db.Exec(ctx, query, def.Key, data)
	if err != nil {
		return fmt.Errorf("failed to update flag %q: %w", def.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("flag %q: %w", def.Key, registry.ErrNotFound)
	}
	return nil
}

// GetFlag loads and recompiles one definition.
func (s *PostgresStore) GetFlag(ctx context.Context, key string) (*registry.FlagDefinition, error) {
	var data []byte
	query := `SELECT definition FROM flags WHERE key = $1`

	if err := s.db.QueryRow(ctx, query, key).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("flag %q: %w", key, registry.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load flag %q: %w", key, err)
	}

	return decodeFlag(key, data)
}

// ListFlags loads every definition ordered by key.
func (s *PostgresStore) ListFlags(ctx context.Context) ([]*registry.FlagDefinition, error) {
	query := `SELECT key, definition FROM flags ORDER BY key`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	defer rows.Close()

	var defs []*registry.FlagDefinition
	for rows.Next() {
		var (
			key  string
			data []byte
		)
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("failed to scan flag row: %w", err)
		}

		def, err := decodeFlag(key, data)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return defs, nil
}

// DeleteFlag removes the definition for key.
func (s *PostgresStore) DeleteFlag(ctx context.Context, key string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM flags WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete flag %q: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("flag %q: %w", key, registry.ErrNotFound)
	}
	return nil
}

func decodeFlag(key string, data []byte) (*registry.FlagDefinition, error) {
	var def registry.FlagDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flag %q: %w", key, err)
	}
	def.Compile()
	return &def, nil
}
