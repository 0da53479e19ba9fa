// Package bundlepacker turns the pool of unbundled items into bundle plans.
// Packing is greedy in insertion order, partitioned by premium feature class,
// and holds underweight plans back until their oldest member goes overdue.
package bundlepacker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/config"
	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/internal/metrics"
	"github.com/bundlepay/server/internal/queue"
)

// planStore is the metadata slice planning reads and writes.
type planStore interface {
	ListFeatureClasses(ctx context.Context) ([]string, error)
	ListUnbundledItems(ctx context.Context, featureClass string, limit int) ([]metadata.DataItem, error)
	OldestUnbundledAge(ctx context.Context, featureClass string) (time.Time, bool, error)
	CreateBundlePlan(ctx context.Context, planID, featureClass string, itemIDs []string) error
}

// jobQueue enqueues prepare work for emitted plans.
type jobQueue interface {
	Enqueue(ctx context.Context, label string, payload interface{}) (string, error)
}

// Packer owns the plan-bundle job.
type Packer struct {
	cfg     config.PackingConfig
	store   planStore
	queue   jobQueue
	metrics *metrics.Metrics
	logger  zerolog.Logger
	clock   func() time.Time
}

// NewPacker builds the packer.
func NewPacker(cfg config.PackingConfig, store planStore, q jobQueue, logger zerolog.Logger) *Packer {
	return &Packer{
		cfg:    cfg,
		store:  store,
		queue:  q,
		logger: logger.With().Str("component", "bundlepacker").Logger(),
		clock:  time.Now,
	}
}

// WithMetrics attaches planning metrics.
func (p *Packer) WithMetrics(m *metrics.Metrics) *Packer {
	p.metrics = m
	return p
}

// HandlePlanBundle is the plan-bundle queue handler. Each run drains every
// feature class as far as full or overdue plans allow.
func (p *Packer) HandlePlanBundle(ctx context.Context, job queue.Job) error {
	classes, err := p.store.ListFeatureClasses(ctx)
	if err != nil {
		return err
	}

	total := 0
	for _, class := range classes {
		n, err := p.planClass(ctx, class)
		total += n
		if err != nil {
			return err
		}
	}
	if total > 0 {
		p.logger.Info().Int("plans", total).Msg("bundle planning pass complete")
	}
	return nil
}

// planClass packs one feature class. It keeps re-listing the pool until a
// pass emits nothing, so a large backlog drains in one run while a trailing
// underweight plan is held back for the next.
func (p *Packer) planClass(ctx context.Context, class string) (int, error) {
	created := 0
	for {
		if _, ok, err := p.store.OldestUnbundledAge(ctx, class); err != nil {
			return created, err
		} else if !ok {
			return created, nil
		}

		items, err := p.store.ListUnbundledItems(ctx, class, p.listLimit())
		if err != nil {
			return created, err
		}
		if len(items) == 0 {
			return created, nil
		}

		emitted, heldBack, err := p.packPage(ctx, class, items)
		created += emitted
		if err != nil {
			return created, err
		}
		// No progress means everything left is held back; the next tick
		// revisits it.
		if emitted == 0 {
			return created, nil
		}
		if heldBack || len(items) < p.listLimit() {
			return created, nil
		}
	}
}

// packPage greedily accumulates one listing page into plans. It reports how
// many plans were emitted and whether a trailing underweight plan was held.
func (p *Packer) packPage(ctx context.Context, class string, items []metadata.DataItem) (int, bool, error) {
	maxBytes := p.maxBundleBytes()
	maxItems := p.maxItemsPerBundle()

	emitted := 0
	var members []metadata.DataItem
	var size int64

	flush := func() error {
		if len(members) == 0 {
			return nil
		}
		if err := p.emitPlan(ctx, class, members, size); err != nil {
			return err
		}
		emitted++
		members = nil
		size = 0
		return nil
	}

	for _, item := range items {
		if len(members) > 0 && (size+item.ByteCount > maxBytes || len(members) >= maxItems) {
			if err := flush(); err != nil {
				return emitted, false, err
			}
		}
		members = append(members, item)
		size += item.ByteCount
	}

	if len(members) == 0 {
		return emitted, false, nil
	}

	// The trailing plan flushes when full (a lone item may exceed the byte
	// cap on its own and still must ship) or when its oldest member has
	// waited past the threshold. Otherwise it is held back to pack tighter.
	full := size >= maxBytes || len(members) >= maxItems
	overdue := p.clock().Sub(members[0].UploadedAt) > p.overdueThreshold()
	if full || overdue {
		if err := flush(); err != nil {
			return emitted, false, err
		}
		return emitted, false, nil
	}
	return emitted, true, nil
}

// emitPlan creates the plan transactionally and queues its preparation.
func (p *Packer) emitPlan(ctx context.Context, class string, members []metadata.DataItem, size int64) error {
	planID := uuid.NewString()
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}

	if err := p.store.CreateBundlePlan(ctx, planID, class, ids); err != nil {
		if errors.Is(err, metadata.ErrAlreadyPlanned) {
			// Another planner claimed some of these items first; its plan
			// carries them and the next listing reflects that.
			p.logger.Warn().Str("planID", planID).Msg("plan creation lost an item race, skipping")
			return nil
		}
		return err
	}

	if _, err := p.queue.Enqueue(ctx, queue.LabelPrepareBundle, queue.PlanJob{PlanID: planID}); err != nil {
		// The plan row exists but has no job. Surface the failure so the
		// run retries; stuck plans show up in the plan age metrics.
		p.logger.Error().Err(err).Str("planID", planID).Msg("failed to enqueue prepare-bundle")
		return err
	}

	if p.metrics != nil {
		p.metrics.ObservePlanCreated(len(members), size)
	}
	p.logger.Info().
		Str("planID", planID).
		Str("featureClass", class).
		Int("items", len(members)).
		Int64("byteCount", size).
		Msg("bundle plan created")
	return nil
}

func (p *Packer) maxBundleBytes() int64 {
	if p.cfg.MaxBundleBytes > 0 {
		return p.cfg.MaxBundleBytes
	}
	return 2 << 30
}

func (p *Packer) maxItemsPerBundle() int {
	if p.cfg.MaxItemsPerBundle > 0 {
		return p.cfg.MaxItemsPerBundle
	}
	return 10000
}

func (p *Packer) overdueThreshold() time.Duration {
	if p.cfg.OverdueThreshold.Duration > 0 {
		return p.cfg.OverdueThreshold.Duration
	}
	return 30 * time.Minute
}

// listLimit bounds one listing page at the plan item cap, so a single page
// can always fill at least one plan.
func (p *Packer) listLimit() int {
	return p.maxItemsPerBundle()
}
