package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bundlepay/server/pkg/bundleitem"
)

// scanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanItem reads one row in itemColumns order.
func scanItem(sc scanner) (DataItem, error) {
	var (
		item          DataItem
		tagsJSON      []byte
		failedBundles string
		failedAt      sql.NullTime
	)
	err := sc.Scan(
		&item.ID,
		&item.OwnerAddress,
		&item.SignatureType,
		&item.ByteCount,
		&item.PayloadContentType,
		&item.PayloadDataStart,
		&item.UploadedAt,
		&item.DeadlineHeight,
		&item.AssessedPrice,
		&item.PremiumFeatureType,
		&tagsJSON,
		&failedBundles,
		&failedAt,
		&item.FailedReason,
	)
	if err != nil {
		return DataItem{}, err
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &item.Tags); err != nil {
			return DataItem{}, fmt.Errorf("decode item tags: %w", err)
		}
	}
	item.FailedBundles = splitFailedBundles(failedBundles)
	item.FailedAt = timePtr(failedAt)
	return item, nil
}

// itemArgs flattens a DataItem into itemColumns order for inserts.
func itemArgs(item DataItem) ([]interface{}, error) {
	tags := item.Tags
	if tags == nil {
		tags = []bundleitem.Tag{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode item tags: %w", err)
	}
	return []interface{}{
		item.ID,
		item.OwnerAddress,
		item.SignatureType,
		item.ByteCount,
		item.PayloadContentType,
		item.PayloadDataStart,
		item.UploadedAt,
		item.DeadlineHeight,
		item.AssessedPrice,
		item.PremiumFeatureType,
		tagsJSON,
		joinFailedBundles(item.FailedBundles),
		nullTimePtr(item.FailedAt),
		item.FailedReason,
	}, nil
}

// InsertNewItem admits an item into the unplanned pool. Returns ErrDuplicate
// when the id is already on record in any lifecycle stage.
func (s *PostgresStore) InsertNewItem(ctx context.Context, item DataItem) error {
	args, err := itemArgs(item)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var elsewhere bool
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT EXISTS (
				SELECT 1 FROM %s WHERE id = $1
				UNION ALL
				SELECT 1 FROM %s WHERE id = $1
			)`, s.plannedTable, s.permanentTable), item.ID).Scan(&elsewhere)
		if err != nil {
			return fmt.Errorf("check item existence: %w", err)
		}
		if elsewhere {
			return ErrDuplicate
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (%s)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO NOTHING`, s.newItemsTable, itemColumns), args...)
		if err != nil {
			return fmt.Errorf("insert new item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert new item: %w", err)
		}
		if n == 0 {
			return ErrDuplicate
		}
		return nil
	})
}

// GetItemStatus projects an item's lifecycle state from whichever table
// currently holds it. Permanent wins over planned, planned over new, so a
// concurrent move never reports an earlier stage.
func (s *PostgresStore) GetItemStatus(ctx context.Context, id string) (ItemStatus, error) {
	var st ItemStatus

	var bundleTxID string
	err := s.reader.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT bundle_tx_id, uploaded_at, assessed_price FROM %s WHERE id = $1`, s.permanentTable),
		id).Scan(&bundleTxID, &st.UploadedAt, &st.AssessedPrice)
	if err == nil {
		st.Status = ItemStatusPermanent
		st.BundleID = bundleTxID
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ItemStatus{}, fmt.Errorf("query permanent item: %w", err)
	}

	var planStatus, planID string
	err = s.reader.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT p.status, p.plan_id, i.uploaded_at, i.assessed_price
		FROM %s i JOIN %s p ON p.plan_id = i.plan_id
		WHERE i.id = $1`, s.plannedTable, s.planTable),
		id).Scan(&planStatus, &planID, &st.UploadedAt, &st.AssessedPrice)
	if err == nil {
		switch planStatus {
		case PlanStatusPrepared:
			st.Status = ItemStatusPrepared
		case PlanStatusPosted:
			st.Status = ItemStatusPosted
			var txID string
			err := s.reader.QueryRowContext(ctx, fmt.Sprintf(`
				SELECT bundle_tx_id FROM %s WHERE plan_id = $1`, s.postedTable),
				planID).Scan(&txID)
			if err == nil {
				st.BundleID = txID
			} else if !errors.Is(err, sql.ErrNoRows) {
				return ItemStatus{}, fmt.Errorf("query posted bundle: %w", err)
			}
		default:
			st.Status = ItemStatusPlanned
		}
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ItemStatus{}, fmt.Errorf("query planned item: %w", err)
	}

	var failedAt sql.NullTime
	err = s.reader.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT uploaded_at, assessed_price, failed_at, failed_reason FROM %s WHERE id = $1`, s.newItemsTable),
		id).Scan(&st.UploadedAt, &st.AssessedPrice, &failedAt, &st.FailedReason)
	if err == nil {
		if failedAt.Valid {
			st.Status = ItemStatusFailed
		} else {
			st.Status = ItemStatusNew
			st.FailedReason = ""
		}
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ItemStatus{}, fmt.Errorf("query new item: %w", err)
	}
	return ItemStatus{}, ErrNotFound
}

// GetItem fetches an item's full record along with the lifecycle pool that
// holds it: ItemStatusNew, ItemStatusPlanned, or ItemStatusPermanent.
func (s *PostgresStore) GetItem(ctx context.Context, id string) (DataItem, string, error) {
	for _, t := range []struct {
		table string
		pool  string
	}{
		{s.newItemsTable, ItemStatusNew},
		{s.plannedTable, ItemStatusPlanned},
		{s.permanentTable, ItemStatusPermanent},
	} {
		row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT %s FROM %s WHERE id = $1`, itemColumns, t.table), id)
		item, err := scanItem(row)
		if err == nil {
			return item, t.pool, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return DataItem{}, "", fmt.Errorf("query %s: %w", t.table, err)
		}
	}
	return DataItem{}, "", ErrNotFound
}

// ListUnbundledItems returns plannable items of one feature class in upload
// order. Failed items are excluded.
func (s *PostgresStore) ListUnbundledItems(ctx context.Context, featureClass string, limit int) ([]DataItem, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE premium_feature_type = $1 AND failed_at IS NULL
		ORDER BY uploaded_at, id
		LIMIT $2`, itemColumns, s.newItemsTable), featureClass, limit)
	if err != nil {
		return nil, fmt.Errorf("list unbundled items: %w", err)
	}
	defer rows.Close()

	var items []DataItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unbundled item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListFeatureClasses returns the distinct feature classes with plannable
// items, so the packer can treat each class as its own packing lane.
func (s *PostgresStore) ListFeatureClasses(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT premium_feature_type FROM %s WHERE failed_at IS NULL`, s.newItemsTable))
	if err != nil {
		return nil, fmt.Errorf("list feature classes: %w", err)
	}
	defer rows.Close()

	var classes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan feature class: %w", err)
		}
		classes = append(classes, c)
	}
	return classes, rows.Err()
}

// OldestUnbundledAge returns the upload time of the oldest plannable item in
// a feature class. ok is false when the class has no plannable items.
func (s *PostgresStore) OldestUnbundledAge(ctx context.Context, featureClass string) (time.Time, bool, error) {
	var oldest time.Time
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT uploaded_at FROM %s
		WHERE premium_feature_type = $1 AND failed_at IS NULL
		ORDER BY uploaded_at, id
		LIMIT 1`, s.newItemsTable), featureClass).Scan(&oldest)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query oldest unbundled item: %w", err)
	}
	return oldest, true, nil
}

// MarkItemFailed quarantines an unplanned item. The first failure time is
// kept on repeat calls; the reason reflects the latest failure.
func (s *PostgresStore) MarkItemFailed(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET failed_at = COALESCE(failed_at, $2), failed_reason = $3
		WHERE id = $1`, s.newItemsTable), id, time.Now().UTC(), reason)
	if err != nil {
		return fmt.Errorf("mark item failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark item failed: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
