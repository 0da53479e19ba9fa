package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/internal/queue"
	"github.com/bundlepay/server/pkg/bundleitem"
)

// HandleUnbundleNested is the unbundle-nested queue handler. Items tagged
// as binary bundles get their members indexed: one offset row per nested
// entry, positioned inside the parent's payload. The rows go in without
// waiting for the parent's own bundle to reach the chain; parent linkage is
// what ties a nested entry back to served bytes.
func (p *Pipeline) HandleUnbundleNested(ctx context.Context, job queue.Job) error {
	var payload queue.ItemJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode unbundle-nested payload: %v", queue.ErrPermanent, err)
	}

	item, _, err := p.store.GetItem(ctx, payload.ItemID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			// This job races the admission insert by design; retry.
			return fmt.Errorf("item %s not visible yet: %w", payload.ItemID, err)
		}
		return err
	}
	if !bundleitem.IsNestedBundle(item.Tags) {
		return nil
	}

	r, err := p.openRaw(ctx, payload.ItemID, item.PayloadDataStart)
	if err != nil {
		return fmt.Errorf("open payload of %s: %w", payload.ItemID, err)
	}
	defer r.Close()

	nested, err := bundleitem.ParseNestedBundle(r)
	if err != nil {
		// Tagged as a bundle but not one. The item itself stays admitted;
		// it just indexes nothing.
		p.logger.Warn().
			Err(err).
			Str("itemID", payload.ItemID).
			Msg("nested bundle payload did not parse")
		return fmt.Errorf("%w: parse nested bundle %s: %v", queue.ErrPermanent, payload.ItemID, err)
	}

	rows := make([]metadata.ItemOffset, len(nested))
	for i, m := range nested {
		rows[i] = metadata.ItemOffset{
			ItemID:                     m.Header.ID(),
			RawContentLength:           m.Size,
			PayloadDataStart:           m.Header.PayloadDataStart,
			PayloadContentType:         m.Header.ContentType(),
			ParentItemID:               payload.ItemID,
			StartOffsetInParentPayload: m.Offset,
		}
	}
	if err := p.store.WriteOffsets(ctx, rows); err != nil {
		return fmt.Errorf("write nested offsets for %s: %w", payload.ItemID, err)
	}

	p.logger.Info().
		Str("itemID", payload.ItemID).
		Int("members", len(rows)).
		Msg("nested bundle indexed")
	return nil
}
