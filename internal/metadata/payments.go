package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// paymentColumns is the column list used by every payment query.
const paymentColumns = `payment_id, tx_hash, network, token_address, payer_address, recipient_address, stable_amount, chain_unit_amount, mode, declared_byte_count, actual_byte_count, status, refund_amount, linked_item_id, created_at, finalized_at`

func scanPayment(sc scanner) (Payment, error) {
	var (
		p           Payment
		actualBytes sql.NullInt64
		finalizedAt sql.NullTime
	)
	err := sc.Scan(
		&p.PaymentID,
		&p.TxHash,
		&p.Network,
		&p.TokenAddress,
		&p.PayerAddress,
		&p.RecipientAddress,
		&p.StableAmount,
		&p.ChainUnitAmount,
		&p.Mode,
		&p.DeclaredBytes,
		&actualBytes,
		&p.Status,
		&p.RefundAmount,
		&p.LinkedItemID,
		&p.CreatedAt,
		&finalizedAt,
	)
	if err != nil {
		return Payment{}, err
	}
	if actualBytes.Valid {
		v := actualBytes.Int64
		p.ActualBytes = &v
	}
	p.FinalizedAt = timePtr(finalizedAt)
	return p, nil
}

// InsertPayment records a settled authorization. A replayed settlement for
// the same on-chain transaction returns ErrDuplicate.
func (s *PostgresStore) InsertPayment(ctx context.Context, p Payment) error {
	var actualBytes sql.NullInt64
	if p.ActualBytes != nil {
		actualBytes = sql.NullInt64{Int64: *p.ActualBytes, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (network, tx_hash) DO NOTHING`, s.paymentsTable, paymentColumns),
		p.PaymentID, p.TxHash, p.Network, p.TokenAddress, p.PayerAddress,
		p.RecipientAddress, p.StableAmount, p.ChainUnitAmount, p.Mode,
		p.DeclaredBytes, actualBytes, p.Status, p.RefundAmount,
		p.LinkedItemID, p.CreatedAt, nullTimePtr(p.FinalizedAt))
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// LinkPaymentToItem binds a payment to the item it funded. A payment links
// to at most one item, and an item accepts at most one payment; relinking
// the same pair is a no-op.
func (s *PostgresStore) LinkPaymentToItem(ctx context.Context, paymentID, itemID string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET linked_item_id = $2
		WHERE payment_id = $1 AND (linked_item_id = '' OR linked_item_id = $2)`, s.paymentsTable),
		paymentID, itemID)
	if err != nil {
		return fmt.Errorf("link payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("link payment: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT EXISTS (SELECT 1 FROM %s WHERE payment_id = $1)`, s.paymentsTable),
			paymentID).Scan(&exists); err != nil {
			return fmt.Errorf("link payment: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrDuplicate
	}
	return nil
}

// FinalizePayment resolves a pending payment once the funded item's actual
// size is known. Re-finalizing with the same outcome is a no-op.
func (s *PostgresStore) FinalizePayment(ctx context.Context, paymentID string, actualBytes int64, status string, refundAmount uint64) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET actual_byte_count = $2, status = $3, refund_amount = $4, finalized_at = $5
		WHERE payment_id = $1 AND status IN ($6, $3)`, s.paymentsTable),
		paymentID, actualBytes, status, refundAmount, time.Now().UTC(), PaymentStatusPendingValidation)
	if err != nil {
		return fmt.Errorf("finalize payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize payment: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPayment fetches one payment record.
func (s *PostgresStore) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE payment_id = $1`, paymentColumns, s.paymentsTable), paymentID)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("query payment: %w", err)
	}
	return p, nil
}

// GetPaymentByItem fetches the payment linked to an item.
func (s *PostgresStore) GetPaymentByItem(ctx context.Context, itemID string) (Payment, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE linked_item_id = $1`, paymentColumns, s.paymentsTable), itemID)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("query payment by item: %w", err)
	}
	return p, nil
}
