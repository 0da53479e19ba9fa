package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/internal/objectstore"
	"github.com/bundlepay/server/internal/queue"
)

// Cursor names under which each tier's walk position persists.
const (
	cleanupCursorFilesystem  = "cleanup:filesystem"
	cleanupCursorObjectStore = "cleanup:object-store"
)

// HandleCleanupFS is the cleanup-fs queue handler, run from the nightly
// cron. Raw bytes of permanent and quarantined items are evicted after the
// tier's retention: the local tier quickly, the warm tier on a longer
// leash. Each tier keeps a persisted cursor so an interrupted walk resumes
// where it stopped; an exhausted walk resets it for the next night.
func (p *Pipeline) HandleCleanupFS(ctx context.Context, job queue.Job) error {
	batch := p.cleanupCfg.BatchSize
	if batch <= 0 {
		batch = 500
	}

	fsDays := p.cleanupCfg.FilesystemDays
	if fsDays <= 0 {
		fsDays = 7
	}
	objectDays := p.cleanupCfg.ObjectStoreDays
	if objectDays <= 0 {
		objectDays = 90
	}

	if p.backup != nil {
		if err := p.cleanTier(ctx, "filesystem", cleanupCursorFilesystem, p.backup, fsDays, batch); err != nil {
			return err
		}
	}
	if p.object != nil {
		if err := p.cleanTier(ctx, "object-store", cleanupCursorObjectStore, p.object, objectDays, batch); err != nil {
			return err
		}
	}
	return nil
}

// cleanTier walks one tier's eviction candidates in batches.
func (p *Pipeline) cleanTier(ctx context.Context, tier, cursorName string, store objectstore.Store, retentionDays, batch int) error {
	cutoff := p.clock().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	cursor, err := p.store.GetCleanupCursor(ctx, cursorName)
	if err != nil {
		return fmt.Errorf("load %s cleanup cursor: %w", tier, err)
	}

	var deleted int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		candidates, err := p.store.ListCleanupCandidates(ctx, cursor, cutoff, batch)
		if err != nil {
			return fmt.Errorf("list %s cleanup candidates: %w", tier, err)
		}
		if len(candidates) == 0 {
			break
		}

		for _, c := range candidates {
			// Delete is missing-ok; a tier that never held the item, or a
			// previous partial run, counts as done.
			if err := store.Delete(ctx, objectstore.RawKey(c.ID)); err != nil {
				return fmt.Errorf("evict %s from %s: %w", c.ID, tier, err)
			}
			if c.Status == metadata.ItemStatusFailed {
				if err := store.Delete(ctx, objectstore.QuarantineKey(c.ID)); err != nil {
					return fmt.Errorf("evict quarantined %s from %s: %w", c.ID, tier, err)
				}
			}
			deleted++
		}

		last := candidates[len(candidates)-1]
		cursor = metadata.CleanupCursor{UploadedAt: last.UploadedAt, ItemID: last.ID}
		if err := p.store.PutCleanupCursor(ctx, cursorName, cursor); err != nil {
			return fmt.Errorf("store %s cleanup cursor: %w", tier, err)
		}

		if len(candidates) < batch {
			break
		}
	}

	// Exhausted: restart from the top next run, picking up items that aged
	// past the cutoff since the cursor passed them.
	if err := p.store.PutCleanupCursor(ctx, cursorName, metadata.CleanupCursor{}); err != nil {
		return fmt.Errorf("reset %s cleanup cursor: %w", tier, err)
	}

	if p.metrics != nil {
		p.metrics.ObserveCleanupRun(tier, deleted)
	}
	if deleted > 0 {
		p.logger.Info().
			Str("tier", tier).
			Int64("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("cleanup pass complete")
	}
	return nil
}
