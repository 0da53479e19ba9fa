package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ListCleanupCandidates walks items whose raw bytes are safe to evict, in
// (uploaded_at, id) order starting after the cursor. Only permanent and
// quarantined items qualify; anything still moving through the pipeline is
// excluded so its raw bytes stay retrievable for retries.
func (s *PostgresStore) ListCleanupCandidates(ctx context.Context, cursor CleanupCursor, olderThan time.Time, limit int) ([]CleanupItem, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, uploaded_at, status FROM (
			SELECT id, uploaded_at, '%s' AS status FROM %s
			UNION ALL
			SELECT id, uploaded_at, '%s' AS status FROM %s WHERE failed_at IS NOT NULL
		) c
		WHERE uploaded_at < $1 AND (uploaded_at, id) > ($2, $3)
		ORDER BY uploaded_at, id
		LIMIT $4`,
		ItemStatusPermanent, s.permanentTable,
		ItemStatusFailed, s.newItemsTable),
		olderThan, cursor.UploadedAt, cursor.ItemID, limit)
	if err != nil {
		return nil, fmt.Errorf("list cleanup candidates: %w", err)
	}
	defer rows.Close()

	var items []CleanupItem
	for rows.Next() {
		var it CleanupItem
		if err := rows.Scan(&it.ID, &it.UploadedAt, &it.Status); err != nil {
			return nil, fmt.Errorf("scan cleanup candidate: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetCleanupCursor loads a named cursor. A cursor that has never been stored
// comes back zero so the walk starts from the beginning.
func (s *PostgresStore) GetCleanupCursor(ctx context.Context, name string) (CleanupCursor, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT value FROM %s WHERE key = $1`, s.configTable), name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return CleanupCursor{}, nil
	}
	if err != nil {
		return CleanupCursor{}, fmt.Errorf("query cleanup cursor: %w", err)
	}
	var c CleanupCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return CleanupCursor{}, fmt.Errorf("decode cleanup cursor: %w", err)
	}
	return c, nil
}

// PutCleanupCursor stores a named cursor.
func (s *PostgresStore) PutCleanupCursor(ctx context.Context, name string, cursor CleanupCursor) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode cleanup cursor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`, s.configTable),
		name, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store cleanup cursor: %w", err)
	}
	return nil
}
