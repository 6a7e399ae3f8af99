package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rcavalcanti/bifrost/internal/registry"
)

var _ SegmentRepository = (*PostgresStore)(nil)

// SegmentRepository defines persistence operations for segment rules. Rules
// are stored as their serializable (kind, params) records; predicates are
// recompiled on load.
type SegmentRepository interface {
	// UpsertSegment inserts or replaces the rule under its name.
	UpsertSegment(ctx context.Context, rule *registry.SegmentRule) error

	GetSegment(ctx context.Context, name string) (*registry.SegmentRule, error)
	ListSegments(ctx context.Context) ([]*registry.SegmentRule, error)
	DeleteSegment(ctx context.Context, name string) error
}

// UpsertSegment inserts or replaces the rule under its name. Segments have
// no cross-entity invariants, so upsert semantics are safe here.
func (s *PostgresStore) UpsertSegment(ctx context.Context, rule *registry.SegmentRule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal segment %q: %w", rule.Name, err)
	}

	query := `
		INSERT INTO segments (name, rule) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET rule = EXCLUDED.rule, updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, rule.Name, data); err != nil {
		return fmt.Errorf("failed to upsert segment %q: %w", rule.Name, err)
	}
	return nil
}

// GetSegment loads and recompiles one rule.
func (s *PostgresStore) GetSegment(ctx context.Context, name string) (*registry.SegmentRule, error) {
	var data []byte
	if err := s.db.QueryRow(ctx, `SELECT rule FROM segments WHERE name = $1`, name).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("segment %q: %w", name, registry.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load segment %q: %w", name, err)
	}
	return decodeSegment(name, data)
}

// ListSegments loads every rule ordered by name.
func (s *PostgresStore) ListSegments(ctx context.Context) ([]*registry.SegmentRule, error) {
	rows, err := s.db.Query(ctx, `SELECT name, rule FROM segments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var rules []*registry.SegmentRule
	for rows.Next() {
		var (
			name string
			data []byte
		)
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("failed to scan segment row: %w", err)
		}

		rule, err := decodeSegment(name, data)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return rules, nil
}

// DeleteSegment removes the rule for name.
func (s *PostgresStore) DeleteSegment(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM segments WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete segment %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("segment %q: %w", name, registry.ErrNotFound)
	}
	return nil
}

func decodeSegment(name string, data []byte) (*registry.SegmentRule, error) {
	var rule registry.SegmentRule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal segment %q: %w", name, err)
	}
	if err := rule.Compile(); err != nil {
		return nil, fmt.Errorf("failed to compile segment %q: %w", name, err)
	}
	return &rule, nil
}
