package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/internal/queue"
	"github.com/bundlepay/server/pkg/bundleitem"
)

// HandlePrepareBundle is the prepare-bundle queue handler. It streams the
// plan's items out of storage into one bundle file on the local spool,
// records the assembled size, and hands the plan to post-bundle.
//
// Item bytes that cannot be read back are a plan-level failure, not a
// retry: the plan is abandoned and its members return to the pool, where
// three failed plans quarantine an item for good.
func (p *Pipeline) HandlePrepareBundle(ctx context.Context, job queue.Job) error {
	var payload queue.PlanJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode prepare-bundle payload: %v", queue.ErrPermanent, err)
	}

	plan, err := p.store.GetBundlePlan(ctx, payload.PlanID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return fmt.Errorf("%w: plan %s not on record", queue.ErrPermanent, payload.PlanID)
		}
		return err
	}

	switch plan.Status {
	case metadata.PlanStatusPlanned:
		// proceed
	case metadata.PlanStatusPrepared:
		// A previous attempt died between marking and enqueueing.
		_, err := p.queue.Enqueue(ctx, queue.LabelPostBundle, queue.PlanJob{PlanID: payload.PlanID})
		return err
	default:
		// posted, permanent, failed: this delivery is stale.
		return nil
	}

	byteCount, err := p.assembleSpool(ctx, payload.PlanID)
	if err != nil {
		var broken *brokenPlanError
		if errors.As(err, &broken) {
			if failErr := p.store.FailPlanReturnItems(ctx, payload.PlanID, broken.reason, maxPlanFailures); failErr != nil {
				return failErr
			}
			p.logger.Warn().
				Str("planID", payload.PlanID).
				Str("reason", broken.reason).
				Msg("abandoned unassemblable plan")
			return fmt.Errorf("%w: %s", queue.ErrPermanent, broken.reason)
		}
		return err
	}

	if err := p.store.MarkPrepared(ctx, payload.PlanID, byteCount); err != nil {
		return fmt.Errorf("mark plan %s prepared: %w", payload.PlanID, err)
	}
	if _, err := p.queue.Enqueue(ctx, queue.LabelPostBundle, queue.PlanJob{PlanID: payload.PlanID}); err != nil {
		return fmt.Errorf("enqueue post-bundle for %s: %w", payload.PlanID, err)
	}

	p.logger.Info().
		Str("planID", payload.PlanID).
		Int("items", plan.ItemCount).
		Int64("byteCount", byteCount).
		Msg("bundle prepared")
	return nil
}

// brokenPlanError marks an assembly failure no retry can cure: a member's
// bytes are gone or no longer match their recorded size.
type brokenPlanError struct {
	reason string
}

func (e *brokenPlanError) Error() string { return e.reason }

// assembleSpool writes the plan's bundle to the spool and returns its size.
// The file is built under a temporary name and renamed in, so a crashed
// attempt never leaves a plausible-looking partial bundle.
func (p *Pipeline) assembleSpool(ctx context.Context, planID string) (int64, error) {
	items, err := p.store.ListPlanItems(ctx, planID)
	if err != nil {
		return 0, fmt.Errorf("list plan items: %w", err)
	}
	if len(items) == 0 {
		return 0, &brokenPlanError{reason: "plan has no members"}
	}

	entries := make([]bundleitem.BundleEntry, len(items))
	for i, it := range items {
		entries[i] = bundleitem.BundleEntry{ID: it.ID, Size: it.ByteCount}
	}

	final := p.spoolPath(planID)
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmp)
	}()

	if err := bundleitem.WriteBundleHeader(f, entries); err != nil {
		return 0, fmt.Errorf("write bundle header: %w", err)
	}

	byteCount := bundleitem.BundleHeaderSize(len(items))
	for _, it := range items {
		n, err := p.copyItem(ctx, f, it.ID)
		if err != nil {
			return 0, err
		}
		if n != it.ByteCount {
			return 0, &brokenPlanError{
				reason: fmt.Sprintf("item %s stored as %d bytes, recorded as %d", it.ID, n, it.ByteCount),
			}
		}
		byteCount += n
	}

	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync spool file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close spool file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return 0, fmt.Errorf("publish spool file: %w", err)
	}
	return byteCount, nil
}

// copyItem streams one member's raw bytes into the bundle file.
func (p *Pipeline) copyItem(ctx context.Context, w io.Writer, itemID string) (int64, error) {
	r, err := p.openRaw(ctx, itemID, 0)
	if err != nil {
		return 0, &brokenPlanError{reason: fmt.Sprintf("item %s bytes unavailable: %v", itemID, err)}
	}
	defer r.Close()

	n, err := io.Copy(w, r)
	if err != nil {
		// The read side survived opening; a mid-stream error is likelier a
		// transient tier problem than lost bytes.
		return n, fmt.Errorf("copy item %s: %w", itemID, err)
	}
	return n, nil
}
