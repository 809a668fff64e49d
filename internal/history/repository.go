package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PolicyRepository persists per-datapoint logging policies.
// This abstraction allows SQLite in production and in-memory fakes in tests.
type PolicyRepository interface {
	// List returns every stored policy keyed by datapoint id.
	List(ctx context.Context) (map[string]Policy, error)

	// Save inserts or replaces the policy for id.
	Save(ctx context.Context, id string, p Policy) error

	// Delete removes the policy for id.
	// Returns ErrNotTracked if no policy exists.
	Delete(ctx context.Context, id string) error

	// UpdateStorageType pins the storage type of an existing policy.
	// Returns ErrNotTracked if no policy exists.
	UpdateStorageType(ctx context.Context, id string, st StorageType) error
}

// SQLitePolicyRepository implements PolicyRepository on the history_policies table.
type SQLitePolicyRepository struct {
	db *sql.DB
}

// NewSQLitePolicyRepository creates a repository on an open, migrated database.
func NewSQLitePolicyRepository(db *sql.DB) *SQLitePolicyRepository {
	return &SQLitePolicyRepository{db: db}
}

// List returns every stored policy.
func (r *SQLitePolicyRepository) List(ctx context.Context) (map[string]Policy, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, enabled, debounce_ms, block_time_ms, changes_only,
			changes_relog_interval, changes_min_delta, storage_type, alias_id, retention
		FROM history_policies
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying policies: %w", err)
	}
	defer rows.Close()

	policies := make(map[string]Policy)
	for rows.Next() {
		var (
			id          string
			p           Policy
			storageType string
		)
		if err := rows.Scan(&id, &p.Enabled, &p.DebounceMs, &p.BlockTimeMs, &p.ChangesOnly,
			&p.ChangesRelogInterval, &p.ChangesMinDelta, &storageType, &p.AliasID, &p.Retention); err != nil {
			return nil, fmt.Errorf("scanning policy: %w", err)
		}
		p.StorageType = StorageType(storageType)
		policies[id] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating policies: %w", err)
	}
	return policies, nil
}

// Save inserts or replaces the policy for id.
func (r *SQLitePolicyRepository) Save(ctx context.Context, id string, p Policy) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO history_policies (id, enabled, debounce_ms, block_time_ms, changes_only,
			changes_relog_interval, changes_min_delta, storage_type, alias_id, retention,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			debounce_ms = excluded.debounce_ms,
			block_time_ms = excluded.block_time_ms,
			changes_only = excluded.changes_only,
			changes_relog_interval = excluded.changes_relog_interval,
			changes_min_delta = excluded.changes_min_delta,
			storage_type = excluded.storage_type,
			alias_id = excluded.alias_id,
			retention = excluded.retention,
			updated_at = excluded.updated_at`,
		id, p.Enabled, p.DebounceMs, p.BlockTimeMs, p.ChangesOnly,
		p.ChangesRelogInterval, p.ChangesMinDelta, string(p.StorageType), p.AliasID, p.Retention,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("saving policy %s: %w", id, err)
	}
	return nil
}

// Delete removes the policy for id.
func (r *SQLitePolicyRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM history_policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting policy %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// UpdateStorageType pins the storage type of an existing policy.
func (r *SQLitePolicyRepository) UpdateStorageType(ctx context.Context, id string, st StorageType) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE history_policies SET storage_type = ?, updated_at = ? WHERE id = ?`,
		string(st), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating storage type of %s: %w", id, err)
	}
	return requireAffected(res, id)
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotTracked, id)
	}
	return nil
}
