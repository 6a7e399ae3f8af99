package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rcavalcanti/bifrost/internal/experiment"
	"github.com/rcavalcanti/bifrost/internal/registry"
)

var _ ExperimentRepository = (*PostgresStore)(nil)

// ExperimentRepository defines persistence operations for experiments.
type ExperimentRepository interface {
	// CreateExperiment inserts a new definition. Duplicate keys answer
	// ErrDuplicate; changing a running experiment's variants is forbidden at
	// the controller level, so there is no blind upsert.
	CreateExperiment(ctx context.Context, e *experiment.Experiment) error

	// UpdateExperiment replaces an existing definition.
	UpdateExperiment(ctx context.Context, e *experiment.Experiment) error

	GetExperiment(ctx context.Context, key string) (*experiment.Experiment, error)
	ListExperiments(ctx context.Context) ([]*experiment.Experiment, error)
	DeleteExperiment(ctx context.Context, key string) error
}

// CreateExperiment inserts a new experiment definition.
func (s *PostgresStore) CreateExperiment(ctx context.Context, e *experiment.Experiment) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment %q: %w", e.Key, err)
	}

	query := `INSERT INTO experiments (key, definition) VALUES ($1, $2)`
	if _, err := s.db.Exec(ctx, query, e.Key, data); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("experiment %q: %w", e.Key, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert experiment %q: %w", e.Key, err)
	}
	return nil
}

// UpdateExperiment replaces the stored definition for the experiment's key.
func (s *PostgresStore) UpdateExperiment(ctx context.Context, e *experiment.Experiment) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment %q: %w", e.Key, err)
	}

	query := `UPDATE experiments SET definition = $2, updated_at = now() WHERE key = $1`
	tag, err := s.db.Exec(ctx, query, e.Key, data)
	if err != nil {
		return fmt.Errorf("failed to update experiment %q: %w", e.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("experiment %q: %w", e.Key, registry.ErrNotFound)
	}
	return nil
}

// GetExperiment loads one experiment definition.
func (s *PostgresStore) GetExperiment(ctx context.Context, key string) (*experiment.Experiment, error) {
	var data []byte
	if err := s.db.QueryRow(ctx, `SELECT definition FROM experiments WHERE key = $1`, key).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("experiment %q: %w", key, registry.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load experiment %q: %w", key, err)
	}

	var e experiment.Experiment
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experiment %q: %w", key, err)
	}
	return &e, nil
}

// ListExperiments loads every experiment ordered by key.
func (s *PostgresStore) ListExperiments(ctx context.Context) ([]*experiment.Experiment, error) {
	rows, err := s.db.Query(ctx, `SELECT key, definition FROM experiments ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var out []*experiment.Experiment
	for rows.Next() {
		var (
			key  string
			data []byte
		)
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("failed to scan experiment row: %w", err)
		}

		var e experiment.Experiment
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal experiment %q: %w", key, err)
		}
		out = append(out, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// DeleteExperiment removes the definition for key.
func (s *PostgresStore) DeleteExperiment(ctx context.Context, key string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM experiments WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete experiment %q: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("experiment %q: %w", key, registry.ErrNotFound)
	}
	return nil
}
