package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bundlepay/server/internal/arweave"
	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/internal/queue"
	"github.com/bundlepay/server/pkg/bundleitem"
)

// reseedAfter is how long a posted bundle may stay invisible to the gateway
// before a verify poll asks for its chunks to be pushed again.
const reseedAfter = 10 * time.Minute

// HandleVerifyBundle is the verify-bundle queue handler. Each delivery is
// one status poll: deep enough confirmation marks the bundle permanent and
// derives offsets; a bundle the gateway cannot find past the verify timeout
// is rewound to planned and re-prepared. Anything in between schedules the
// next poll, widening the interval as the bundle ages.
func (p *Pipeline) HandleVerifyBundle(ctx context.Context, job queue.Job) error {
	var payload queue.BundleJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode verify-bundle payload: %v", queue.ErrPermanent, err)
	}

	posted, err := p.store.GetPostedBundle(ctx, payload.BundleTxID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			// Already rewound; the replacement post gets its own verify chain.
			return nil
		}
		return err
	}
	if posted.PermanentAt != nil {
		return nil
	}
	sincePost := p.clock().Sub(posted.PostedAt)

	status, err := p.chain.TxStatus(ctx, payload.BundleTxID)
	switch {
	case err == nil:
		confirmations := p.chainCfg.VerifyConfirmations
		if confirmations <= 0 {
			confirmations = 18
		}
		if status.NumberOfConfirmations >= confirmations {
			return p.finalizeBundle(ctx, posted, status.BlockHeight, sincePost)
		}
		return p.schedulePoll(ctx, payload.BundleTxID, sincePost)

	case errors.Is(err, arweave.ErrTxPending):
		return p.schedulePoll(ctx, payload.BundleTxID, sincePost)

	case errors.Is(err, arweave.ErrTxNotFound):
		timeout := p.chainCfg.VerifyTimeout.Duration
		if timeout <= 0 {
			timeout = 6 * time.Hour
		}
		if sincePost > timeout {
			return p.rewindBundle(ctx, posted, sincePost)
		}
		if sincePost > reseedAfter {
			// The transaction should have propagated by now; the gateway may
			// have dropped chunks. One re-seed in flight at a time is enough.
			if _, err := p.queue.EnqueueSingleton(ctx, queue.LabelSeedBundle, queue.BundleJob{BundleTxID: payload.BundleTxID}); err != nil {
				p.logger.Error().Err(err).Str("bundleTxID", payload.BundleTxID).Msg("failed to enqueue re-seed")
			}
		}
		return p.schedulePoll(ctx, payload.BundleTxID, sincePost)

	default:
		// Gateway outage; lean on the job's own retry backoff.
		return err
	}
}

// finalizeBundle records permanence and kicks off offset derivation.
func (p *Pipeline) finalizeBundle(ctx context.Context, posted metadata.PostedBundle, height int64, sincePost time.Duration) error {
	if err := p.store.MarkPermanent(ctx, posted.BundleTxID, height); err != nil {
		return fmt.Errorf("mark bundle %s permanent: %w", posted.BundleTxID, err)
	}
	if p.metrics != nil {
		p.metrics.ObserveBundlePermanent(posted.ByteCount, posted.ItemCount, sincePost)
	}
	if _, err := p.queue.Enqueue(ctx, queue.LabelPutOffsets, queue.BundleJob{BundleTxID: posted.BundleTxID}); err != nil {
		return fmt.Errorf("enqueue put-offsets for %s: %w", posted.BundleTxID, err)
	}
	p.removeSpool(posted.PlanID)

	p.logger.Info().
		Str("bundleTxID", posted.BundleTxID).
		Str("planID", posted.PlanID).
		Int64("height", height).
		Dur("sincePost", sincePost).
		Msg("bundle permanent")
	return nil
}

// rewindBundle undoes a post the chain never accepted and sends the plan
// back through prepare.
func (p *Pipeline) rewindBundle(ctx context.Context, posted metadata.PostedBundle, sincePost time.Duration) error {
	if err := p.store.RewindPostedBundle(ctx, posted.BundleTxID); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("rewind bundle %s: %w", posted.BundleTxID, err)
	}
	if p.metrics != nil {
		p.metrics.ObserveBundleRewound()
	}
	p.removeSpool(posted.PlanID)
	if _, err := p.queue.Enqueue(ctx, queue.LabelPrepareBundle, queue.PlanJob{PlanID: posted.PlanID}); err != nil {
		return fmt.Errorf("enqueue re-prepare for %s: %w", posted.PlanID, err)
	}

	p.logger.Warn().
		Str("bundleTxID", posted.BundleTxID).
		Str("planID", posted.PlanID).
		Dur("sincePost", sincePost).
		Msg("bundle lost by the chain, plan rewound")
	return nil
}

// schedulePoll queues the next verify delivery.
func (p *Pipeline) schedulePoll(ctx context.Context, bundleTxID string, sincePost time.Duration) error {
	if _, err := p.queue.EnqueueDelayed(ctx, queue.LabelVerifyBundle, queue.BundleJob{BundleTxID: bundleTxID}, p.verifyPollDelay(sincePost)); err != nil {
		return fmt.Errorf("enqueue verify poll for %s: %w", bundleTxID, err)
	}
	return nil
}

// verifyPollDelay widens the polling interval as a bundle ages, so a slow
// chain does not monopolize the verify workers: the configured delay for
// the first ten minutes, then two minutes within the first hour, then five.
func (p *Pipeline) verifyPollDelay(sincePost time.Duration) time.Duration {
	base := p.chainCfg.VerifyDelay.Duration
	if base <= 0 {
		base = 30 * time.Second
	}
	switch {
	case sincePost > time.Hour:
		return 5 * time.Minute
	case sincePost > 10*time.Minute:
		return 2 * time.Minute
	default:
		return base
	}
}

// HandlePutOffsets is the put-offsets queue handler. It derives each
// member's byte position from the recorded packing order: the bundle is the
// index section followed by member bodies back to back, so offsets fall out
// of a running sum.
func (p *Pipeline) HandlePutOffsets(ctx context.Context, job queue.Job) error {
	var payload queue.BundleJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode put-offsets payload: %v", queue.ErrPermanent, err)
	}

	posted, err := p.store.GetPostedBundle(ctx, payload.BundleTxID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return fmt.Errorf("%w: bundle %s not on record", queue.ErrPermanent, payload.BundleTxID)
		}
		return err
	}

	items, err := p.store.ListBundleItems(ctx, payload.BundleTxID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		// MarkPermanent moves members before this job is enqueued, so an
		// empty listing is replica lag.
		return fmt.Errorf("bundle %s has no recorded members yet", payload.BundleTxID)
	}

	rows := make([]metadata.ItemOffset, len(items))
	cursor := bundleitem.BundleHeaderSize(len(items))
	for i, it := range items {
		rows[i] = metadata.ItemOffset{
			ItemID:             it.ID,
			RootBundleID:       payload.BundleTxID,
			StartOffsetInRoot:  cursor,
			RawContentLength:   it.ByteCount,
			PayloadDataStart:   it.PayloadDataStart,
			PayloadContentType: it.PayloadContentType,
		}
		cursor += it.ByteCount
	}
	if posted.ByteCount > 0 && cursor != posted.ByteCount {
		// The derived layout must land exactly on the assembled size, or
		// these offsets describe some other bundle.
		return fmt.Errorf("%w: bundle %s offsets sum to %d bytes, posted as %d",
			queue.ErrPermanent, payload.BundleTxID, cursor, posted.ByteCount)
	}

	if err := p.store.WriteOffsets(ctx, rows); err != nil {
		return fmt.Errorf("write offsets for %s: %w", payload.BundleTxID, err)
	}

	p.logger.Info().
		Str("bundleTxID", payload.BundleTxID).
		Int("items", len(rows)).
		Msg("bundle offsets recorded")
	return nil
}
