package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/internal/payment"
	"github.com/bundlepay/server/internal/queue"
)

// HandleNewItem is the new-item queue handler. It finalizes the item's
// payment against the byte count the sinks actually stored. The check runs
// here, while the item still sits in the unplanned pool, because a fraud
// penalty has to pull the item before the packer can plan it.
func (p *Pipeline) HandleNewItem(ctx context.Context, job queue.Job) error {
	var payload queue.ItemJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode new-item payload: %v", queue.ErrPermanent, err)
	}

	item, pool, err := p.store.GetItem(ctx, payload.ItemID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			// Admitted, then evicted or failed before this job ran. The
			// payment, if any, stays pending and reconciles on the next
			// upload attempt.
			return fmt.Errorf("%w: item %s not on record", queue.ErrPermanent, payload.ItemID)
		}
		return err
	}

	outcome, finalized, err := p.payments.FinalizeItemPayment(ctx, payload.ItemID, item.ByteCount)
	if err != nil {
		return err
	}
	if !finalized {
		return nil
	}

	if outcome == payment.FraudOutcomePenalty {
		if pool != metadata.ItemStatusNew {
			// The packer got there first. The payment is penalized either
			// way; the bytes are already committed to a plan.
			p.logger.Error().
				Str("itemID", payload.ItemID).
				Str("pool", pool).
				Msg("fraud penalty raised after item left the unplanned pool")
			return nil
		}
		reason := fmt.Sprintf("fraud penalty: stored %d bytes against a smaller declared payment", item.ByteCount)
		if err := p.store.MarkItemFailed(ctx, payload.ItemID, reason); err != nil {
			return fmt.Errorf("fail penalized item %s: %w", payload.ItemID, err)
		}
		p.quarantineItem(ctx, payload.ItemID)
		p.logger.Warn().
			Str("itemID", payload.ItemID).
			Int64("byteCount", item.ByteCount).
			Msg("item quarantined on fraud penalty")
	}
	return nil
}
