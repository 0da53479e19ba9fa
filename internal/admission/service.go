// Package admission runs the upload path: it streams an incoming data item
// into the storage tiers while decoding its header, gates it behind the x402
// payment handshake, verifies the item signature, and acknowledges with a
// signed receipt once the item is on record and queued for bundling.
package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bundlepay/server/internal/arweave"
	"github.com/bundlepay/server/internal/config"
	apierrors "github.com/bundlepay/server/internal/errors"
	"github.com/bundlepay/server/internal/inflight"
	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/internal/metrics"
	"github.com/bundlepay/server/internal/objectstore"
	"github.com/bundlepay/server/internal/optical"
	"github.com/bundlepay/server/internal/payment"
	"github.com/bundlepay/server/internal/queue"
	"github.com/bundlepay/server/pkg/bundleitem"
	"github.com/bundlepay/server/pkg/x402"
)

// replicationPause is how long the service waits between inserting the item
// row and acknowledging the client, so a status lookup fired immediately
// after the response lands on a read replica that already has the row.
const replicationPause = 20 * time.Millisecond

// chainInfo is the slice of the gateway client receipts need.
type chainInfo interface {
	CachedHeight(ctx context.Context) (int64, error)
	Gateways() []string
}

// paymentGate is the slice of the payment service the upload path calls.
type paymentGate interface {
	Enabled() bool
	Quote(ctx context.Context, byteCount int64) (x402.RequiredResponse, error)
	VerifyAndSettle(ctx context.Context, header string, declaredBytes int64) (*payment.Settlement, error)
	LinkToItem(ctx context.Context, paymentID, itemID string) error
}

// itemStore is the metadata slice admission writes through.
type itemStore interface {
	InsertNewItem(ctx context.Context, item metadata.DataItem) error
}

// jobQueue enqueues follow-up work for admitted items.
type jobQueue interface {
	Enqueue(ctx context.Context, label string, payload interface{}) (string, error)
}

// PaymentRequiredError carries the fresh quote a 402 response embeds
// alongside the failure code.
type PaymentRequiredError struct {
	Code  apierrors.ErrorCode
	Quote x402.RequiredResponse
	Cause error
}

func (e *PaymentRequiredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return string(e.Code)
}

func (e *PaymentRequiredError) Unwrap() error { return e.Cause }

// Request is one upload entering the admission pipeline.
type Request struct {
	// Body is the raw data item stream.
	Body io.Reader

	// ContentLength is the declared size, -1 when unknown.
	ContentLength int64

	// PaymentHeader is the raw X-PAYMENT value, empty when absent.
	PaymentHeader string
}

// Result is a successful admission.
type Result struct {
	Receipt    arweave.Receipt
	Settlement *payment.Settlement // nil for free-tier and allowlisted uploads
}

// Service is the admission pipeline.
type Service struct {
	cfg       config.UploadConfig
	chainCfg  config.ChainConfig
	inflight  inflight.Set
	backup    objectstore.Store // filesystem tier, may be nil
	object    objectstore.Store // warm tier, may be nil
	store     itemStore
	queue     jobQueue
	payments  paymentGate
	chain     chainInfo
	wallet    *arweave.Wallet
	signer    bundleitem.Signer
	optical   bool
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	clock     func() time.Time
	allowed   map[string]struct{}
	blocked   map[string]struct{}
	skipOptic map[string]struct{}
	spamSizes map[int64]struct{}
}

// NewService wires the admission pipeline. backup and object are the durable
// sinks; either may be nil but Admit refuses service when both are.
func NewService(
	cfg config.UploadConfig,
	chainCfg config.ChainConfig,
	set inflight.Set,
	backup, object objectstore.Store,
	store itemStore,
	q jobQueue,
	payments paymentGate,
	chain chainInfo,
	wallet *arweave.Wallet,
	opticalEnabled bool,
	logger zerolog.Logger,
) (*Service, error) {
	signer, err := wallet.ItemSigner()
	if err != nil {
		return nil, fmt.Errorf("wallet item signer: %w", err)
	}
	return &Service{
		cfg:       cfg,
		chainCfg:  chainCfg,
		inflight:  set,
		backup:    backup,
		object:    object,
		store:     store,
		queue:     q,
		payments:  payments,
		chain:     chain,
		wallet:    wallet,
		signer:    signer,
		optical:   opticalEnabled,
		logger:    logger.With().Str("component", "admission").Logger(),
		clock:     time.Now,
		allowed:   toSet(cfg.AllowedOwners),
		blocked:   toSet(cfg.BlockedOwners),
		skipOptic: toSet(cfg.SkipOpticalOwners),
		spamSizes: toSizeSet(cfg.Spam.ExactSizes),
	}, nil
}

// WithMetrics attaches upload metrics recording.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// Admit runs the full upload path for one item.
func (s *Service) Admit(ctx context.Context, req Request) (*Result, error) {
	start := s.clock()

	res, sigType, byteCount, err := s.admit(ctx, req)
	if s.metrics != nil {
		s.metrics.ObserveUpload(uploadOutcome(err), sigType, byteCount, time.Since(start))
	}
	return res, err
}

func (s *Service) admit(ctx context.Context, req Request) (res *Result, sigType string, byteCount int64, err error) {
	sigType = "unknown"

	// Declared size bounds the stream before the first byte is read.
	if req.ContentLength < 0 {
		return nil, sigType, 0, x402.NewVerificationError(apierrors.ErrCodeMissingContentLength,
			errors.New("content length required"))
	}
	if req.ContentLength > s.cfg.MaxSingleItemBytes {
		return nil, sigType, req.ContentLength, x402.NewVerificationError(apierrors.ErrCodeItemTooLarge,
			fmt.Errorf("declared %d bytes exceeds limit %d", req.ContentLength, s.cfg.MaxSingleItemBytes))
	}
	if s.backup == nil && s.object == nil {
		return nil, sigType, 0, x402.NewVerificationError(apierrors.ErrCodeStorageUnavailable,
			errors.New("no durable sink attached"))
	}

	// The id derives from the signature, which sits at the front of the
	// stream, so the header decode doubles as the earliest possible
	// duplicate check.
	body := io.LimitReader(req.Body, s.cfg.MaxSingleItemBytes+1)
	header, payloadStream, err := bundleitem.DecodeHeader(body)
	if err != nil {
		return nil, sigType, 0, x402.VerificationError{Code: apierrors.ErrCodeInvalidHeader, Message: "item header could not be decoded", Err: err}
	}
	if spec, ok := bundleitem.SpecFor(header.SignatureType); ok {
		sigType = spec.Name
	}
	itemID := header.ID()
	logger := s.logger.With().Str("itemID", itemID).Logger()

	ownerAddress, err := header.OwnerAddress()
	if err != nil {
		return nil, sigType, 0, x402.VerificationError{Code: apierrors.ErrCodeInvalidHeader, Message: "owner address underivable", Err: err}
	}
	if _, bad := s.blocked[ownerAddress]; bad {
		return nil, sigType, 0, x402.VerificationError{
			Code:    apierrors.ErrCodeOwnerBlocklisted,
			Message: "owner address is blocklisted",
		}
	}

	ttl := s.cfg.InFlightTTL.Duration
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if !s.inflight.SetIfAbsent(itemID, ttl) {
		return nil, sigType, 0, x402.VerificationError{
			Code:    apierrors.ErrCodeDuplicateItem,
			Message: "item already received",
		}
	}
	defer s.inflight.Delete(itemID)

	settlement, err := s.gatePayment(ctx, ownerAddress, req)
	if err != nil {
		return nil, sigType, 0, err
	}

	payloadDigest, payloadBytes, err := s.streamToSinks(ctx, header, payloadStream, req.ContentLength)
	if err != nil {
		s.deleteStored(itemID)
		return nil, sigType, 0, err
	}
	byteCount = header.PayloadDataStart + payloadBytes
	if byteCount > s.cfg.MaxSingleItemBytes {
		s.deleteStored(itemID)
		return nil, sigType, byteCount, x402.NewVerificationError(apierrors.ErrCodeItemTooLarge,
			fmt.Errorf("item is %d bytes, limit %d", byteCount, s.cfg.MaxSingleItemBytes))
	}

	if err := header.VerifySignature(payloadDigest); err != nil {
		s.quarantine(ctx, itemID, logger)
		return nil, sigType, byteCount, x402.VerificationError{
			Code:    apierrors.ErrCodeInvalidItem,
			Message: "item signature did not verify",
			Err:     err,
		}
	}

	if s.isSpam(byteCount, header.Tags) {
		s.deleteStored(itemID)
		return nil, sigType, byteCount, x402.VerificationError{
			Code:    apierrors.ErrCodeSpamPattern,
			Message: "upload matches a rejected pattern",
		}
	}

	s.enqueueSideChannels(ctx, header, ownerAddress, payloadBytes, logger)

	receipt, assessedPrice, err := s.buildReceipt(ctx, itemID, settlement)
	if err != nil {
		s.deleteStored(itemID)
		return nil, sigType, byteCount, err
	}

	item := metadata.DataItem{
		ID:                 itemID,
		OwnerAddress:       ownerAddress,
		SignatureType:      int(header.SignatureType),
		ByteCount:          byteCount,
		PayloadContentType: header.ContentType(),
		PayloadDataStart:   header.PayloadDataStart,
		UploadedAt:         s.clock().UTC(),
		DeadlineHeight:     receipt.DeadlineHeight,
		AssessedPrice:      assessedPrice,
		Tags:               header.Tags,
	}
	if err := s.store.InsertNewItem(ctx, item); err != nil {
		if errors.Is(err, metadata.ErrDuplicate) {
			return nil, sigType, byteCount, x402.VerificationError{
				Code:    apierrors.ErrCodeDuplicateItem,
				Message: "item already received",
			}
		}
		s.deleteStored(itemID)
		return nil, sigType, byteCount, fmt.Errorf("record item: %w", err)
	}

	if _, err := s.queue.Enqueue(ctx, queue.LabelNewItem, queue.ItemJob{ItemID: itemID}); err != nil {
		// The row exists; the packer's periodic sweep will still find it.
		logger.Error().Err(err).Msg("failed to enqueue new-item job")
	}

	if settlement != nil {
		if err := s.payments.LinkToItem(ctx, settlement.PaymentID, itemID); err != nil {
			// The transfer settled and the item is durable. An unlinked
			// payment skips fraud reconciliation rather than failing the
			// upload it already paid for.
			logger.Error().Err(err).
				Str("paymentID", settlement.PaymentID).
				Msg("failed to link payment to item")
		}
	}

	select {
	case <-time.After(replicationPause):
	case <-ctx.Done():
	}

	logger.Info().
		Str("owner", ownerAddress).
		Str("signatureType", sigType).
		Int64("byteCount", byteCount).
		Int64("deadlineHeight", receipt.DeadlineHeight).
		Bool("paid", settlement != nil).
		Msg("item admitted")

	return &Result{Receipt: *receipt, Settlement: settlement}, sigType, byteCount, nil
}

// gatePayment applies the free tier, the allowlist, and the x402 handshake,
// in that order. A nil settlement with a nil error means the upload is free.
func (s *Service) gatePayment(ctx context.Context, ownerAddress string, req Request) (*payment.Settlement, error) {
	if req.ContentLength <= s.cfg.FreeUploadLimitBytes {
		return nil, nil
	}
	if _, ok := s.allowed[ownerAddress]; ok {
		return nil, nil
	}

	if req.PaymentHeader == "" {
		quote, err := s.payments.Quote(ctx, req.ContentLength)
		if err != nil {
			return nil, err
		}
		return nil, &PaymentRequiredError{Code: apierrors.ErrCodePaymentRequired, Quote: quote}
	}

	settlement, err := s.payments.VerifyAndSettle(ctx, req.PaymentHeader, req.ContentLength)
	if err != nil {
		// Failed handshakes answer with a fresh quote so the client can
		// re-sign without a second round trip.
		code := apierrors.ErrCodePaymentRequired
		var vErr x402.VerificationError
		if errors.As(err, &vErr) {
			code = vErr.Code
		}
		quote, qErr := s.payments.Quote(ctx, req.ContentLength)
		if qErr != nil {
			return nil, err
		}
		return nil, &PaymentRequiredError{Code: code, Quote: quote, Cause: err}
	}
	return settlement, nil
}

// streamToSinks fans the item bytes out to every attached tier while the
// payload digest accumulates. Sinks receive the full wire form; the digest
// covers payload bytes only.
func (s *Service) streamToSinks(ctx context.Context, header *bundleitem.Header, payload io.Reader, declared int64) ([]byte, int64, error) {
	itemID := header.ID()
	hasher := bundleitem.NewBlobHasher()

	type sink struct {
		name  string
		store objectstore.Store
	}
	var sinks []sink
	if s.backup != nil {
		sinks = append(sinks, sink{"backup", s.backup})
	}
	if s.object != nil {
		sinks = append(sinks, sink{"object", s.object})
	}

	g, gctx := errgroup.WithContext(ctx)
	sinkWriters := make([]io.Writer, 0, len(sinks))
	pipes := make([]*io.PipeWriter, 0, len(sinks))

	for _, sk := range sinks {
		pr, pw := io.Pipe()
		pipes = append(pipes, pw)
		sinkWriters = append(sinkWriters, pw)
		sk := sk
		g.Go(func() error {
			err := sk.store.Put(gctx, objectstore.RawKey(itemID), pr, declared,
				header.ContentType(), header.PayloadDataStart)
			if err != nil {
				// Break the writer so the copy loop stops feeding a dead sink.
				pr.CloseWithError(err)
				return fmt.Errorf("%s sink: %w", sk.name, err)
			}
			return nil
		})
	}

	// Sinks store the full wire form; the digest covers payload bytes only,
	// so the header goes to the pipes alone and the payload tees to both.
	var copyErr error
	if _, err := io.MultiWriter(sinkWriters...).Write(header.Raw); err != nil {
		copyErr = err
	} else {
		_, copyErr = io.Copy(io.MultiWriter(append(sinkWriters, hasher)...), payload)
	}
	for _, pw := range pipes {
		pw.CloseWithError(copyErr)
	}

	if err := g.Wait(); err != nil {
		return nil, hasher.Count(), x402.NewVerificationError(apierrors.ErrCodeStorageUnavailable, err)
	}
	if copyErr != nil {
		return nil, hasher.Count(), x402.NewVerificationError(apierrors.ErrCodeStorageUnavailable, copyErr)
	}
	return hasher.Sum(), hasher.Count(), nil
}

// enqueueSideChannels schedules the best-effort followers: the optical
// forward and, for nested bundles, the offset expansion. Neither can fail
// the admission.
func (s *Service) enqueueSideChannels(ctx context.Context, header *bundleitem.Header, ownerAddress string, payloadBytes int64, logger zerolog.Logger) {
	itemID := header.ID()

	if s.optical {
		if _, skip := s.skipOptic[ownerAddress]; !skip {
			signed, err := optical.SignHeader(s.signer, optical.NewItemHeader(header, payloadBytes))
			if err != nil {
				logger.Error().Err(err).Msg("failed to sign optical header")
			} else if _, err := s.queue.Enqueue(ctx, queue.LabelOpticalPost, optical.PostJob{Header: signed}); err != nil {
				logger.Error().Err(err).Msg("failed to enqueue optical post")
			}
		}
	}

	if bundleitem.IsNestedBundle(header.Tags) {
		if _, err := s.queue.Enqueue(ctx, queue.LabelUnbundleNested, queue.ItemJob{ItemID: itemID}); err != nil {
			logger.Error().Err(err).Msg("failed to enqueue nested unbundle")
		}
	}
}

// buildReceipt signs the upload acknowledgement against the current chain
// height.
func (s *Service) buildReceipt(ctx context.Context, itemID string, settlement *payment.Settlement) (*arweave.Receipt, uint64, error) {
	height, err := s.chain.CachedHeight(ctx)
	if err != nil {
		return nil, 0, x402.NewVerificationError(apierrors.ErrCodeChainUnavailable, err)
	}
	increment := s.chainCfg.DeadlineHeightIncrement
	if increment <= 0 {
		increment = 200
	}

	var assessedPrice uint64
	if settlement != nil {
		assessedPrice = settlement.ChainUnits
	}

	receipt := &arweave.Receipt{
		ID:                  itemID,
		Timestamp:           s.clock().UnixMilli(),
		Version:             arweave.ReceiptVersion,
		ChainUnitPrice:      strconv.FormatUint(assessedPrice, 10),
		DeadlineHeight:      height + increment,
		DataCaches:          s.chain.Gateways(),
		FastFinalityIndexes: s.chain.Gateways(),
	}
	if err := arweave.SignReceipt(s.wallet, receipt); err != nil {
		return nil, 0, x402.NewVerificationError(apierrors.ErrCodeSignerUnavailable, err)
	}
	return receipt, assessedPrice, nil
}

// isSpam matches the configured abuse shape: an exact raw size with no tags
// (or any tags when the policy does not require them).
func (s *Service) isSpam(byteCount int64, tags []bundleitem.Tag) bool {
	if !s.cfg.Spam.Enabled {
		return false
	}
	if _, hit := s.spamSizes[byteCount]; !hit {
		return false
	}
	if s.cfg.Spam.RequireTags && len(tags) > 0 {
		return false
	}
	return true
}

// quarantine moves stored bytes out of the raw namespace. Best effort: the
// rejection stands whether or not the move succeeds.
func (s *Service) quarantine(ctx context.Context, itemID string, logger zerolog.Logger) {
	rawKey := objectstore.RawKey(itemID)
	moved := false
	for _, store := range []objectstore.Store{s.object, s.backup} {
		if store == nil {
			continue
		}
		if moved {
			if err := store.Delete(ctx, rawKey); err != nil {
				logger.Warn().Err(err).Msg("failed to delete quarantined duplicate copy")
			}
			continue
		}
		if err := objectstore.Move(ctx, store, rawKey, objectstore.QuarantineKey(itemID)); err != nil {
			logger.Warn().Err(err).Msg("failed to quarantine item bytes")
			continue
		}
		moved = true
	}
	if moved {
		logger.Warn().Msg("item bytes quarantined")
	}
}

// deleteStored removes the raw bytes from every tier after a rejection.
func (s *Service) deleteStored(itemID string) {
	// The request context may already be cancelled; removal gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rawKey := objectstore.RawKey(itemID)
	for _, store := range []objectstore.Store{s.backup, s.object} {
		if store == nil {
			continue
		}
		if err := store.Delete(ctx, rawKey); err != nil {
			s.logger.Warn().Err(err).Str("itemID", itemID).Msg("failed to remove rejected item bytes")
		}
	}
}

// uploadOutcome buckets admission results for metrics.
func uploadOutcome(err error) string {
	if err == nil {
		return "success"
	}
	var prErr *PaymentRequiredError
	if errors.As(err, &prErr) {
		return "payment_required"
	}
	var vErr x402.VerificationError
	if errors.As(err, &vErr) {
		switch vErr.Code {
		case apierrors.ErrCodeDuplicateItem:
			return "duplicate"
		case apierrors.ErrCodeStorageUnavailable, apierrors.ErrCodeChainUnavailable,
			apierrors.ErrCodeSignerUnavailable, apierrors.ErrCodePricingUnavailable:
			return "unavailable"
		default:
			return "rejected"
		}
	}
	return "error"
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func toSizeSet(values []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
