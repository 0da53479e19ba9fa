package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// CreateBundlePlan atomically moves the member items from the unplanned pool
// into the plan. Returns ErrAlreadyPlanned when any member is missing from
// the pool, so concurrent packers cannot double-bundle an item.
func (s *PostgresStore) CreateBundlePlan(ctx context.Context, planID, featureClass string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return fmt.Errorf("create bundle plan: empty item set")
	}
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
			SELECT byte_count FROM %s
			WHERE id = ANY($1) AND failed_at IS NULL
			FOR UPDATE`, s.newItemsTable), pq.Array(itemIDs))
		if err != nil {
			return fmt.Errorf("lock plan members: %w", err)
		}
		var total int64
		var count int
		for rows.Next() {
			var bc int64
			if err := rows.Scan(&bc); err != nil {
				rows.Close()
				return fmt.Errorf("scan plan member: %w", err)
			}
			total += bc
			count++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("lock plan members: %w", err)
		}
		rows.Close()
		if count != len(itemIDs) {
			return ErrAlreadyPlanned
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (%s, plan_id, planned_at)
			SELECT %s, $2, $3 FROM %s WHERE id = ANY($1)`,
			s.plannedTable, itemColumns, itemColumns, s.newItemsTable),
			pq.Array(itemIDs), planID, now)
		if err != nil {
			return fmt.Errorf("move items to plan: %w", err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE id = ANY($1)`, s.newItemsTable), pq.Array(itemIDs))
		if err != nil {
			return fmt.Errorf("clear planned items: %w", err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (plan_id, premium_feature_type, status, planned_at, total_byte_count, item_count)
			VALUES ($1, $2, $3, $4, $5, $6)`, s.planTable),
			planID, featureClass, PlanStatusPlanned, now, total, count)
		if err != nil {
			return fmt.Errorf("insert bundle plan: %w", err)
		}
		return nil
	})
}

// GetBundlePlan fetches one plan record.
func (s *PostgresStore) GetBundlePlan(ctx context.Context, planID string) (BundlePlan, error) {
	var p BundlePlan
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT plan_id, premium_feature_type, status, planned_at, total_byte_count, item_count, prepared_byte_count, failed_reason
		FROM %s WHERE plan_id = $1`, s.planTable), planID).Scan(
		&p.PlanID, &p.PremiumFeatureType, &p.Status, &p.PlannedAt,
		&p.TotalByteCount, &p.ItemCount, &p.PreparedByteCount, &p.FailedReason)
	if errors.Is(err, sql.ErrNoRows) {
		return BundlePlan{}, ErrNotFound
	}
	if err != nil {
		return BundlePlan{}, fmt.Errorf("query bundle plan: %w", err)
	}
	return p, nil
}

// ListPlanItems returns the plan members in packing order. The prepare
// worker assembles the bundle in this order and the offset writer relies on
// the same order, so both derive identical byte layouts.
func (s *PostgresStore) ListPlanItems(ctx context.Context, planID string) ([]PlanItem, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, byte_count, payload_data_start, payload_content_type, uploaded_at
		FROM %s WHERE plan_id = $1
		ORDER BY uploaded_at, id`, s.plannedTable), planID)
	if err != nil {
		return nil, fmt.Errorf("list plan items: %w", err)
	}
	defer rows.Close()

	var items []PlanItem
	for rows.Next() {
		var it PlanItem
		if err := rows.Scan(&it.ID, &it.ByteCount, &it.PayloadDataStart, &it.PayloadContentType, &it.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan plan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkPrepared records the assembled bundle size. Re-running after a rewind
// is allowed; later stages are not rolled back.
func (s *PostgresStore) MarkPrepared(ctx context.Context, planID string, byteCount int64) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $2, prepared_byte_count = $3, prepared_at = $4
		WHERE plan_id = $1 AND status IN ($5, $2)`, s.planTable),
		planID, PlanStatusPrepared, byteCount, time.Now().UTC(), PlanStatusPlanned)
	if err != nil {
		return fmt.Errorf("mark plan prepared: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark plan prepared: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPosted records the bundle transaction for a prepared plan. A retried
// post that produced a fresh transaction replaces the recorded one.
func (s *PostgresStore) MarkPosted(ctx context.Context, planID, bundleTxID string, byteCount int64, itemCount int) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (bundle_tx_id, plan_id, byte_count, item_count, posted_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (plan_id) DO UPDATE SET
				bundle_tx_id = EXCLUDED.bundle_tx_id,
				byte_count = EXCLUDED.byte_count,
				item_count = EXCLUDED.item_count,
				posted_at = EXCLUDED.posted_at`, s.postedTable),
			bundleTxID, planID, byteCount, itemCount, now)
		if err != nil {
			return fmt.Errorf("insert posted bundle: %w", err)
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET status = $2 WHERE plan_id = $1`, s.planTable),
			planID, PlanStatusPosted)
		if err != nil {
			return fmt.Errorf("mark plan posted: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark plan posted: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// MarkPermanent finalizes a confirmed bundle: the posted record gains its
// confirmation height and the member items move to the permanent table.
func (s *PostgresStore) MarkPermanent(ctx context.Context, bundleTxID string, height int64) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var planID string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT plan_id FROM %s WHERE bundle_tx_id = $1`, s.postedTable),
			bundleTxID).Scan(&planID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query posted bundle: %w", err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET confirmed_height = $2, permanent_at = $3 WHERE bundle_tx_id = $1`, s.postedTable),
			bundleTxID, height, now)
		if err != nil {
			return fmt.Errorf("confirm posted bundle: %w", err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET status = $2 WHERE plan_id = $1`, s.planTable),
			planID, PlanStatusPermanent)
		if err != nil {
			return fmt.Errorf("mark plan permanent: %w", err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (%s, plan_id, bundle_tx_id, block_height, permanent_at)
			SELECT %s, plan_id, $2, $3, $4 FROM %s WHERE plan_id = $1
			ON CONFLICT (id) DO NOTHING`,
			s.permanentTable, itemColumns, itemColumns, s.plannedTable),
			planID, bundleTxID, height, now)
		if err != nil {
			return fmt.Errorf("move items to permanent: %w", err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE plan_id = $1`, s.plannedTable), planID)
		if err != nil {
			return fmt.Errorf("clear permanent items: %w", err)
		}
		return nil
	})
}

// FailPlanReturnItems abandons a plan and returns its members to the
// unplanned pool with the plan recorded in their failure history. Members
// that have now failed maxAttempts plans are quarantined instead of retried.
func (s *PostgresStore) FailPlanReturnItems(ctx context.Context, planID, reason string, maxAttempts int) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET status = $2, failed_reason = $3 WHERE plan_id = $1`, s.planTable),
			planID, PlanStatusFailed, reason)
		if err != nil {
			return fmt.Errorf("mark plan failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark plan failed: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}

		// Append this plan to each member's failure history while moving it
		// back. Members at the attempt cap are quarantined in place.
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (%s)
			SELECT id, owner_address, signature_type, byte_count, payload_content_type,
				payload_data_start, uploaded_at, deadline_height, assessed_price,
				premium_feature_type, tags,
				CASE WHEN failed_bundles = '' THEN $2 ELSE failed_bundles || ',' || $2 END,
				CASE WHEN (CASE WHEN failed_bundles = '' THEN 0 ELSE array_length(string_to_array(failed_bundles, ','), 1) END) + 1 >= $3
					THEN $4::timestamptz ELSE NULL END,
				CASE WHEN (CASE WHEN failed_bundles = '' THEN 0 ELSE array_length(string_to_array(failed_bundles, ','), 1) END) + 1 >= $3
					THEN $5 ELSE '' END
			FROM %s WHERE plan_id = $1
			ON CONFLICT (id) DO NOTHING`,
			s.newItemsTable, itemColumns, s.plannedTable),
			planID, planID, maxAttempts, now, reason)
		if err != nil {
			return fmt.Errorf("return plan items: %w", err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE plan_id = $1`, s.plannedTable), planID)
		if err != nil {
			return fmt.Errorf("clear failed plan items: %w", err)
		}
		return nil
	})
}

// RewindPostedBundle undoes a post whose transaction fell out of the chain.
// The plan returns to planned with its members intact so the pipeline can
// prepare and post it again; the lost transaction joins each member's
// failure history.
func (s *PostgresStore) RewindPostedBundle(ctx context.Context, bundleTxID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var planID string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT plan_id FROM %s WHERE bundle_tx_id = $1`, s.postedTable),
			bundleTxID).Scan(&planID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query posted bundle: %w", err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE bundle_tx_id = $1`, s.postedTable), bundleTxID)
		if err != nil {
			return fmt.Errorf("delete posted bundle: %w", err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET status = $2 WHERE plan_id = $1`, s.planTable),
			planID, PlanStatusPlanned)
		if err != nil {
			return fmt.Errorf("rewind plan status: %w", err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET failed_bundles = CASE WHEN failed_bundles = '' THEN $2 ELSE failed_bundles || ',' || $2 END
			WHERE plan_id = $1`, s.plannedTable), planID, bundleTxID)
		if err != nil {
			return fmt.Errorf("record lost bundle: %w", err)
		}
		return nil
	})
}

// ListBundleItems returns a permanent bundle's members in the same
// (uploaded_at, id) order the prepare worker assembled them, so the offset
// writer derives the byte layout the bundle actually has.
func (s *PostgresStore) ListBundleItems(ctx context.Context, bundleTxID string) ([]PlanItem, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, byte_count, payload_data_start, payload_content_type, uploaded_at
		FROM %s WHERE bundle_tx_id = $1
		ORDER BY uploaded_at, id`, s.permanentTable), bundleTxID)
	if err != nil {
		return nil, fmt.Errorf("list bundle items: %w", err)
	}
	defer rows.Close()

	var items []PlanItem
	for rows.Next() {
		var it PlanItem
		if err := rows.Scan(&it.ID, &it.ByteCount, &it.PayloadDataStart, &it.PayloadContentType, &it.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan bundle item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetPostedBundle fetches one posted bundle record.
func (s *PostgresStore) GetPostedBundle(ctx context.Context, bundleTxID string) (PostedBundle, error) {
	return s.getPostedBundle(ctx, "bundle_tx_id", bundleTxID)
}

// GetPostedBundleByPlan fetches the posted bundle for a plan, letting a
// retried post job recover the transaction it already submitted.
func (s *PostgresStore) GetPostedBundleByPlan(ctx context.Context, planID string) (PostedBundle, error) {
	return s.getPostedBundle(ctx, "plan_id", planID)
}

func (s *PostgresStore) getPostedBundle(ctx context.Context, column, value string) (PostedBundle, error) {
	var (
		b         PostedBundle
		confirmed sql.NullInt64
		permanent sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT bundle_tx_id, plan_id, byte_count, item_count, posted_at, confirmed_height, permanent_at
		FROM %s WHERE %s = $1`, s.postedTable, column), value).Scan(
		&b.BundleTxID, &b.PlanID, &b.ByteCount, &b.ItemCount, &b.PostedAt, &confirmed, &permanent)
	if errors.Is(err, sql.ErrNoRows) {
		return PostedBundle{}, ErrNotFound
	}
	if err != nil {
		return PostedBundle{}, fmt.Errorf("query posted bundle: %w", err)
	}
	if confirmed.Valid {
		v := confirmed.Int64
		b.ConfirmedHeight = &v
	}
	b.PermanentAt = timePtr(permanent)
	return b, nil
}
