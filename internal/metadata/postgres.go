package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bundlepay/server/internal/dbpool"
)

// Store is the transactional metadata contract the admission path and
// pipeline workers run against.
type Store interface {
	// Items
	InsertNewItem(ctx context.Context, item DataItem) error
	GetItemStatus(ctx context.Context, id string) (ItemStatus, error)
	GetItem(ctx context.Context, id string) (DataItem, string, error)
	ListUnbundledItems(ctx context.Context, featureClass string, limit int) ([]DataItem, error)
	ListFeatureClasses(ctx context.Context) ([]string, error)
	OldestUnbundledAge(ctx context.Context, featureClass string) (time.Time, bool, error)
	MarkItemFailed(ctx context.Context, id, reason string) error

	// Plans and bundles
	CreateBundlePlan(ctx context.Context, planID, featureClass string, itemIDs []string) error
	GetBundlePlan(ctx context.Context, planID string) (BundlePlan, error)
	ListPlanItems(ctx context.Context, planID string) ([]PlanItem, error)
	ListBundleItems(ctx context.Context, bundleTxID string) ([]PlanItem, error)
	MarkPrepared(ctx context.Context, planID string, byteCount int64) error
	MarkPosted(ctx context.Context, planID, bundleTxID string, byteCount int64, itemCount int) error
	MarkPermanent(ctx context.Context, bundleTxID string, height int64) error
	FailPlanReturnItems(ctx context.Context, planID, reason string, maxAttempts int) error
	RewindPostedBundle(ctx context.Context, bundleTxID string) error
	GetPostedBundle(ctx context.Context, bundleTxID string) (PostedBundle, error)
	GetPostedBundleByPlan(ctx context.Context, planID string) (PostedBundle, error)

	// Offsets
	WriteOffsets(ctx context.Context, rows []ItemOffset) error
	GetOffsets(ctx context.Context, itemID string) (ItemOffset, error)

	// Payments
	InsertPayment(ctx context.Context, p Payment) error
	LinkPaymentToItem(ctx context.Context, paymentID, itemID string) error
	FinalizePayment(ctx context.Context, paymentID string, actualBytes int64, status string, refundAmount uint64) error
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
	GetPaymentByItem(ctx context.Context, itemID string) (Payment, error)

	// Cleanup bookkeeping
	ListCleanupCandidates(ctx context.Context, cursor CleanupCursor, olderThan time.Time, limit int) ([]CleanupItem, error)
	GetCleanupCursor(ctx context.Context, name string) (CleanupCursor, error)
	PutCleanupCursor(ctx context.Context, name string, cursor CleanupCursor) error
}

// CleanupItem is one eviction candidate from the cursor walk.
type CleanupItem struct {
	ID         string
	UploadedAt time.Time
	Status     string
}

// PostgresStore implements Store on PostgreSQL. Reads that tolerate replica
// lag go to the reader pool; every write and transactional read goes to the
// writer.
type PostgresStore struct {
	db     *sql.DB
	reader *sql.DB

	newItemsTable  string
	plannedTable   string
	permanentTable string
	planTable      string
	postedTable    string
	offsetsTable   string
	paymentsTable  string
	configTable    string
}

// NewPostgresStore binds the store to the shared pools and creates missing
// tables.
func NewPostgresStore(pool *dbpool.SharedPool) (*PostgresStore, error) {
	s := &PostgresStore{
		db:             pool.DB(),
		reader:         pool.Reader(),
		newItemsTable:  "new_data_item",
		plannedTable:   "planned_data_item",
		permanentTable: "permanent_data_item",
		planTable:      "bundle_plan",
		postedTable:    "posted_bundle",
		offsetsTable:   "data_item_offsets",
		paymentsTable:  "x402_payments",
		configTable:    "bundler_config",
	}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

// itemColumns is the column list shared by the new and planned item tables.
const itemColumns = `id, owner_address, signature_type, byte_count, payload_content_type, payload_data_start, uploaded_at, deadline_height, assessed_price, premium_feature_type, tags, failed_bundles, failed_at, failed_reason`

// createTables creates the schema if it does not exist. The permanent table
// carries a leading uploaded_at index so operators can range-partition it by
// upload date without schema changes here.
func (s *PostgresStore) createTables() error {
	itemBody := `
			id TEXT PRIMARY KEY,
			owner_address TEXT NOT NULL,
			signature_type SMALLINT NOT NULL,
			byte_count BIGINT NOT NULL,
			payload_content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			payload_data_start BIGINT NOT NULL,
			uploaded_at TIMESTAMPTZ NOT NULL,
			deadline_height BIGINT NOT NULL,
			assessed_price BIGINT NOT NULL DEFAULT 0,
			premium_feature_type TEXT NOT NULL DEFAULT '',
			tags JSONB NOT NULL DEFAULT '[]',
			failed_bundles TEXT NOT NULL DEFAULT '',
			failed_at TIMESTAMPTZ,
			failed_reason TEXT NOT NULL DEFAULT ''`

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (%s);
		CREATE INDEX IF NOT EXISTS idx_new_item_pack ON %s (premium_feature_type, uploaded_at, id) WHERE failed_at IS NULL;

		CREATE TABLE IF NOT EXISTS %s (%s,
			plan_id TEXT NOT NULL,
			planned_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_planned_item_plan ON %s (plan_id);

		CREATE TABLE IF NOT EXISTS %s (%s,
			plan_id TEXT NOT NULL,
			bundle_tx_id TEXT NOT NULL,
			block_height BIGINT NOT NULL,
			permanent_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_permanent_item_age ON %s (uploaded_at, id);
		CREATE INDEX IF NOT EXISTS idx_permanent_item_bundle ON %s (bundle_tx_id);

		CREATE TABLE IF NOT EXISTS %s (
			plan_id TEXT PRIMARY KEY,
			premium_feature_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'planned',
			planned_at TIMESTAMPTZ NOT NULL,
			total_byte_count BIGINT NOT NULL,
			item_count INTEGER NOT NULL,
			prepared_byte_count BIGINT NOT NULL DEFAULT 0,
			prepared_at TIMESTAMPTZ,
			failed_reason TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS %s (
			bundle_tx_id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL UNIQUE,
			byte_count BIGINT NOT NULL,
			item_count INTEGER NOT NULL,
			posted_at TIMESTAMPTZ NOT NULL,
			confirmed_height BIGINT,
			permanent_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS %s (
			item_id TEXT PRIMARY KEY,
			root_bundle_id TEXT NOT NULL,
			start_offset_in_root BIGINT NOT NULL,
			raw_content_length BIGINT NOT NULL,
			payload_data_start BIGINT NOT NULL,
			payload_content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			parent_item_id TEXT NOT NULL DEFAULT '',
			start_offset_in_parent_payload BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_offsets_root ON %s (root_bundle_id);

		CREATE TABLE IF NOT EXISTS %s (
			payment_id TEXT PRIMARY KEY,
			tx_hash TEXT NOT NULL,
			network TEXT NOT NULL,
			token_address TEXT NOT NULL DEFAULT '',
			payer_address TEXT NOT NULL DEFAULT '',
			recipient_address TEXT NOT NULL DEFAULT '',
			stable_amount BIGINT NOT NULL,
			chain_unit_amount BIGINT NOT NULL DEFAULT 0,
			mode TEXT NOT NULL DEFAULT 'payg',
			declared_byte_count BIGINT NOT NULL,
			actual_byte_count BIGINT,
			status TEXT NOT NULL DEFAULT 'pending_validation',
			refund_amount BIGINT NOT NULL DEFAULT 0,
			linked_item_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			finalized_at TIMESTAMPTZ,
			UNIQUE (network, tx_hash)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_linked_item ON %s (linked_item_id) WHERE linked_item_id <> '';

		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
	`,
		s.newItemsTable, itemBody, s.newItemsTable,
		s.plannedTable, itemBody, s.plannedTable,
		s.permanentTable, itemBody, s.permanentTable, s.permanentTable,
		s.planTable,
		s.postedTable,
		s.offsetsTable, s.offsetsTable,
		s.paymentsTable, s.paymentsTable,
		s.configTable,
	)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create metadata tables: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// joinFailedBundles flattens the failed-bundle history for storage.
func joinFailedBundles(ids []string) string {
	return strings.Join(ids, ",")
}

// splitFailedBundles restores the failed-bundle history.
func splitFailedBundles(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// nullTime converts a time.Time to sql.NullTime, handling zero values.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// nullTimePtr converts a *time.Time to sql.NullTime.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// timePtr converts a valid sql.NullTime back to a pointer.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
