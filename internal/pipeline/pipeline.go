// Package pipeline implements the queue workers that move admitted items
// through bundling: payment finalization, bundle assembly, chain posting,
// permanence verification, offset derivation, nested unbundling, multipart
// assembly, and tier cleanup. Every handler is idempotent on its job
// payload; the broker delivers at least once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/admission"
	"github.com/bundlepay/server/internal/arweave"
	"github.com/bundlepay/server/internal/config"
	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/internal/metrics"
	"github.com/bundlepay/server/internal/objectstore"
	"github.com/bundlepay/server/internal/payment"
	"github.com/bundlepay/server/internal/queue"
)

// maxPlanFailures bounds how many failed plans an item may pass through
// before it is quarantined instead of returned to the pool.
const maxPlanFailures = 3

// metaStore is the metadata slice the workers touch.
type metaStore interface {
	// items
	GetItem(ctx context.Context, id string) (metadata.DataItem, string, error)
	MarkItemFailed(ctx context.Context, id, reason string) error

	// plans and bundles
	GetBundlePlan(ctx context.Context, planID string) (metadata.BundlePlan, error)
	ListPlanItems(ctx context.Context, planID string) ([]metadata.PlanItem, error)
	MarkPrepared(ctx context.Context, planID string, byteCount int64) error
	MarkPosted(ctx context.Context, planID, bundleTxID string, byteCount int64, itemCount int) error
	MarkPermanent(ctx context.Context, bundleTxID string, height int64) error
	FailPlanReturnItems(ctx context.Context, planID, reason string, maxAttempts int) error
	RewindPostedBundle(ctx context.Context, bundleTxID string) error
	GetPostedBundle(ctx context.Context, bundleTxID string) (metadata.PostedBundle, error)
	GetPostedBundleByPlan(ctx context.Context, planID string) (metadata.PostedBundle, error)
	ListBundleItems(ctx context.Context, bundleTxID string) ([]metadata.PlanItem, error)

	// offsets
	WriteOffsets(ctx context.Context, rows []metadata.ItemOffset) error

	// cleanup
	ListCleanupCandidates(ctx context.Context, cursor metadata.CleanupCursor, olderThan time.Time, limit int) ([]metadata.CleanupItem, error)
	GetCleanupCursor(ctx context.Context, name string) (metadata.CleanupCursor, error)
	PutCleanupCursor(ctx context.Context, name string, cursor metadata.CleanupCursor) error
}

// chainGateway is the slice of the gateway client the post and verify
// workers need.
type chainGateway interface {
	TxAnchor(ctx context.Context) (string, error)
	PriceForBytes(ctx context.Context, byteCount int64) (uint64, error)
	SubmitTx(ctx context.Context, tx *arweave.Transaction) error
	UploadChunk(ctx context.Context, chunk *arweave.ChunkUpload) error
	TxStatus(ctx context.Context, id string) (*arweave.TxStatus, error)
}

// paymentFinalizer runs the declared-versus-actual fraud check.
type paymentFinalizer interface {
	FinalizeItemPayment(ctx context.Context, itemID string, actualBytes int64) (payment.FraudOutcome, bool, error)
}

// jobQueue enqueues follow-up pipeline stages.
type jobQueue interface {
	Enqueue(ctx context.Context, label string, payload interface{}) (string, error)
	EnqueueDelayed(ctx context.Context, label string, payload interface{}, delay time.Duration) (string, error)
	EnqueueSingleton(ctx context.Context, label string, payload interface{}) (string, error)
}

// admitter hands assembled multipart uploads to the admission path.
type admitter interface {
	Admit(ctx context.Context, req admission.Request) (*admission.Result, error)
}

// Pipeline owns the per-label queue handlers.
type Pipeline struct {
	store    metaStore
	backup   objectstore.Store // filesystem tier, may be nil
	object   objectstore.Store // warm tier, may be nil
	spoolDir string

	chain    chainGateway
	wallet   *arweave.Wallet
	payments paymentFinalizer
	queue    jobQueue
	admit    admitter

	chainCfg   config.ChainConfig
	cleanupCfg config.CleanupConfig

	metrics *metrics.Metrics
	logger  zerolog.Logger
	clock   func() time.Time
}

// NewPipeline builds the worker set. backup and object mirror the sinks the
// admission service wrote to; at least one must be non-nil or prepared
// bundles would have no bytes to read.
func NewPipeline(
	chainCfg config.ChainConfig,
	cleanupCfg config.CleanupConfig,
	spoolDir string,
	store metaStore,
	backup, object objectstore.Store,
	chain chainGateway,
	wallet *arweave.Wallet,
	payments paymentFinalizer,
	q jobQueue,
	admit admitter,
	logger zerolog.Logger,
) (*Pipeline, error) {
	if backup == nil && object == nil {
		return nil, errors.New("pipeline: no item store attached")
	}
	if spoolDir == "" {
		spoolDir = os.TempDir()
	}
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create spool dir: %w", err)
	}
	return &Pipeline{
		store:      store,
		backup:     backup,
		object:     object,
		spoolDir:   spoolDir,
		chain:      chain,
		wallet:     wallet,
		payments:   payments,
		queue:      q,
		admit:      admit,
		chainCfg:   chainCfg,
		cleanupCfg: cleanupCfg,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		clock:      time.Now,
	}, nil
}

// WithMetrics attaches pipeline metrics.
func (p *Pipeline) WithMetrics(m *metrics.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// Register attaches every pipeline handler to the runner under its label.
func (p *Pipeline) Register(r *queue.Runner) {
	r.Handle(queue.LabelNewItem, p.HandleNewItem)
	r.Handle(queue.LabelPrepareBundle, p.HandlePrepareBundle)
	r.Handle(queue.LabelPostBundle, p.HandlePostBundle)
	r.Handle(queue.LabelVerifyBundle, p.HandleVerifyBundle)
	r.Handle(queue.LabelSeedBundle, p.HandleSeedBundle)
	r.Handle(queue.LabelPutOffsets, p.HandlePutOffsets)
	r.Handle(queue.LabelUnbundleNested, p.HandleUnbundleNested)
	r.Handle(queue.LabelFinalizeUpload, p.HandleFinalizeUpload)
	r.Handle(queue.LabelCleanupFS, p.HandleCleanupFS)
}

// spoolPath is where a plan's assembled bundle waits between prepare and
// permanence.
func (p *Pipeline) spoolPath(planID string) string {
	return filepath.Join(p.spoolDir, planID+".bundle")
}

// openRaw opens an item's raw bytes from offset, preferring the local tier.
func (p *Pipeline) openRaw(ctx context.Context, itemID string, offset int64) (io.ReadCloser, error) {
	key := objectstore.RawKey(itemID)
	var lastErr error
	for _, store := range []objectstore.Store{p.backup, p.object} {
		if store == nil {
			continue
		}
		var (
			r   io.ReadCloser
			err error
		)
		if offset > 0 {
			r, err = store.GetRange(ctx, key, offset, -1)
		} else {
			r, err = store.Get(ctx, key)
		}
		if err == nil {
			return r, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("item %s: no tier holds %s", itemID, key)
	}
	return nil, lastErr
}

// quarantineItem moves an item's raw bytes out of the served prefix in every
// tier that still holds them.
func (p *Pipeline) quarantineItem(ctx context.Context, itemID string) {
	rawKey := objectstore.RawKey(itemID)
	for _, store := range []objectstore.Store{p.object, p.backup} {
		if store == nil {
			continue
		}
		if ok, err := store.Exists(ctx, rawKey); err != nil || !ok {
			continue
		}
		if err := objectstore.Move(ctx, store, rawKey, objectstore.QuarantineKey(itemID)); err != nil {
			p.logger.Error().Err(err).Str("itemID", itemID).Msg("failed to quarantine item bytes")
		}
	}
}

// removeSpool deletes a plan's assembled bundle file. Missing files are
// fine; the host may have rotated since the bundle was prepared.
func (p *Pipeline) removeSpool(planID string) {
	if err := os.Remove(p.spoolPath(planID)); err != nil && !os.IsNotExist(err) {
		p.logger.Warn().Err(err).Str("planID", planID).Msg("failed to remove bundle spool")
	}
}
