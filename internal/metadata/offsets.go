package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// WriteOffsets records byte positions for a bundle's items. Offsets are
// immutable once written, so a re-derivation after a retry keeps the first
// write.
func (s *PostgresStore) WriteOffsets(ctx context.Context, rows []ItemOffset) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (item_id, root_bundle_id, start_offset_in_root, raw_content_length, payload_data_start, payload_content_type, parent_item_id, start_offset_in_parent_payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (item_id) DO NOTHING`, s.offsetsTable))
		if err != nil {
			return fmt.Errorf("prepare offset insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			_, err := stmt.ExecContext(ctx,
				r.ItemID, r.RootBundleID, r.StartOffsetInRoot, r.RawContentLength,
				r.PayloadDataStart, r.PayloadContentType, r.ParentItemID, r.StartOffsetInParentPayload)
			if err != nil {
				return fmt.Errorf("insert offset for %s: %w", r.ItemID, err)
			}
		}
		return nil
	})
}

// GetOffsets fetches an item's position inside its root bundle.
func (s *PostgresStore) GetOffsets(ctx context.Context, itemID string) (ItemOffset, error) {
	var o ItemOffset
	err := s.reader.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT item_id, root_bundle_id, start_offset_in_root, raw_content_length, payload_data_start, payload_content_type, parent_item_id, start_offset_in_parent_payload
		FROM %s WHERE item_id = $1`, s.offsetsTable), itemID).Scan(
		&o.ItemID, &o.RootBundleID, &o.StartOffsetInRoot, &o.RawContentLength,
		&o.PayloadDataStart, &o.PayloadContentType, &o.ParentItemID, &o.StartOffsetInParentPayload)
	if errors.Is(err, sql.ErrNoRows) {
		return ItemOffset{}, ErrNotFound
	}
	if err != nil {
		return ItemOffset{}, fmt.Errorf("query offsets: %w", err)
	}
	return o, nil
}
