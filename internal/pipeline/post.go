package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bundlepay/server/internal/arweave"
	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/internal/queue"
	"github.com/bundlepay/server/pkg/bundleitem"
)

// bundleTxTags mark the transaction payload as a binary bundle so gateways
// and indexers unbundle it.
func bundleTxTags() []bundleitem.Tag {
	return []bundleitem.Tag{
		{Name: bundleitem.TagBundleFormat, Value: "binary"},
		{Name: bundleitem.TagBundleVersion, Value: "2.0.0"},
		{Name: "App-Name", Value: "bundlepay"},
	}
}

// HandlePostBundle is the post-bundle queue handler. It commits the spooled
// bundle to the chain: a format-2 transaction signed over the chunked data
// root, submitted to the gateway, then seeded chunk by chunk. The plan is
// marked posted as soon as the transaction is accepted so a retry resumes
// seeding instead of double-spending on a second transaction.
func (p *Pipeline) HandlePostBundle(ctx context.Context, job queue.Job) error {
	var payload queue.PlanJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode post-bundle payload: %v", queue.ErrPermanent, err)
	}

	plan, err := p.store.GetBundlePlan(ctx, payload.PlanID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return fmt.Errorf("%w: plan %s not on record", queue.ErrPermanent, payload.PlanID)
		}
		return err
	}

	switch plan.Status {
	case metadata.PlanStatusPrepared:
		// proceed
	case metadata.PlanStatusPosted:
		// A previous attempt submitted the transaction; finish seeding.
		posted, err := p.store.GetPostedBundleByPlan(ctx, payload.PlanID)
		if err != nil {
			return err
		}
		if err := p.seedBundle(ctx, posted); err != nil {
			return err
		}
		return p.scheduleVerify(ctx, posted.BundleTxID)
	default:
		// planned means a verify timeout rewound the plan under this job;
		// prepare-bundle owns it again. permanent and failed are stale.
		return nil
	}

	path := p.spoolPath(payload.PlanID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// The spool did not survive a host swap. Rebuild it from storage;
		// the members are still pinned to the plan.
		if _, err := p.assembleSpool(ctx, payload.PlanID); err != nil {
			var broken *brokenPlanError
			if errors.As(err, &broken) {
				if failErr := p.store.FailPlanReturnItems(ctx, payload.PlanID, broken.reason, maxPlanFailures); failErr != nil {
					return failErr
				}
				return fmt.Errorf("%w: %s", queue.ErrPermanent, broken.reason)
			}
			return err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open spool file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat spool file: %w", err)
	}
	size := info.Size()
	if plan.PreparedByteCount > 0 && size != plan.PreparedByteCount {
		return fmt.Errorf("%w: spool for %s is %d bytes, prepared as %d",
			queue.ErrPermanent, payload.PlanID, size, plan.PreparedByteCount)
	}

	tree, err := arweave.BuildChunkTree(f, size)
	if err != nil {
		return fmt.Errorf("chunk spool file: %w", err)
	}

	anchor, err := p.chain.TxAnchor(ctx)
	if err != nil {
		return err
	}
	reward, err := p.chain.PriceForBytes(ctx, size)
	if err != nil {
		return err
	}

	tx, err := arweave.NewDataTransaction(p.wallet, arweave.TxOptions{
		LastTx:   anchor,
		Reward:   reward,
		Tags:     bundleTxTags(),
		DataRoot: tree.DataRoot,
		DataSize: size,
	})
	if err != nil {
		return fmt.Errorf("build bundle transaction: %w", err)
	}

	if err := p.chain.SubmitTx(ctx, tx); err != nil {
		return fmt.Errorf("submit bundle transaction: %w", err)
	}
	if err := p.store.MarkPosted(ctx, payload.PlanID, tx.ID, size, plan.ItemCount); err != nil {
		return fmt.Errorf("mark plan %s posted: %w", payload.PlanID, err)
	}
	if p.metrics != nil {
		p.metrics.ObserveBundlePosted(size, plan.ItemCount)
	}

	p.logger.Info().
		Str("planID", payload.PlanID).
		Str("bundleTxID", tx.ID).
		Int64("byteCount", size).
		Int("items", plan.ItemCount).
		Uint64("reward", reward).
		Msg("bundle posted")

	if err := p.seedChunks(ctx, f, tree); err != nil {
		// The transaction is on record; only the chunk upload retries.
		return fmt.Errorf("seed bundle %s: %w", tx.ID, err)
	}
	return p.scheduleVerify(ctx, tx.ID)
}

// HandleSeedBundle is the seed-bundle queue handler. It re-pushes every
// chunk of a posted bundle, for gateways that accepted the transaction but
// lost part of its data.
func (p *Pipeline) HandleSeedBundle(ctx context.Context, job queue.Job) error {
	var payload queue.BundleJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode seed-bundle payload: %v", queue.ErrPermanent, err)
	}

	posted, err := p.store.GetPostedBundle(ctx, payload.BundleTxID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			// Rewound while this job waited; nothing left to seed.
			return nil
		}
		return err
	}
	if posted.PermanentAt != nil {
		return nil
	}
	return p.seedBundle(ctx, posted)
}

// seedBundle re-seeds a posted bundle from its spool file.
func (p *Pipeline) seedBundle(ctx context.Context, posted metadata.PostedBundle) error {
	f, err := os.Open(p.spoolPath(posted.PlanID))
	if err != nil {
		if os.IsNotExist(err) {
			// Without the spool the chunks cannot be reproduced. The verify
			// timeout rewinds the bundle if the gateway never completes it.
			p.logger.Warn().
				Str("bundleTxID", posted.BundleTxID).
				Str("planID", posted.PlanID).
				Msg("no spool file to seed from")
			return nil
		}
		return fmt.Errorf("open spool file: %w", err)
	}
	defer f.Close()

	tree, err := arweave.BuildChunkTree(f, posted.ByteCount)
	if err != nil {
		return fmt.Errorf("chunk spool file: %w", err)
	}
	if err := p.seedChunks(ctx, f, tree); err != nil {
		return fmt.Errorf("seed bundle %s: %w", posted.BundleTxID, err)
	}
	return nil
}

// seedChunks uploads every chunk with its inclusion proof. The gateway
// deduplicates by (data_root, offset), so re-seeding already-held chunks is
// harmless.
func (p *Pipeline) seedChunks(ctx context.Context, f io.ReaderAt, tree *arweave.ChunkTree) error {
	buf := make([]byte, arweave.MaxChunkSize)
	for i, c := range tree.Chunks {
		b := buf[:c.MaxByteRange-c.MinByteRange]
		if _, err := f.ReadAt(b, c.MinByteRange); err != nil {
			return fmt.Errorf("read chunk %d: %w", i, err)
		}
		if err := p.chain.UploadChunk(ctx, arweave.NewChunkUpload(tree, i, b)); err != nil {
			return fmt.Errorf("upload chunk %d: %w", i, err)
		}
	}
	return nil
}

// scheduleVerify queues the first permanence poll after the configured
// settling delay.
func (p *Pipeline) scheduleVerify(ctx context.Context, bundleTxID string) error {
	delay := p.chainCfg.VerifyDelay.Duration
	if delay <= 0 {
		delay = 30 * time.Second
	}
	if _, err := p.queue.EnqueueDelayed(ctx, queue.LabelVerifyBundle, queue.BundleJob{BundleTxID: bundleTxID}, delay); err != nil {
		return fmt.Errorf("enqueue verify-bundle for %s: %w", bundleTxID, err)
	}
	return nil
}
