package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/bundlepay/server/internal/admission"
	apierrors "github.com/bundlepay/server/internal/errors"
	"github.com/bundlepay/server/internal/objectstore"
	"github.com/bundlepay/server/internal/queue"
	"github.com/bundlepay/server/pkg/x402"
)

// HandleFinalizeUpload is the finalize-upload queue handler. It stitches a
// multipart upload's parts back into one stream, in part order, and runs it
// through the same admission path a direct POST takes. Assemblies carry no
// payment envelope, so the owner must clear the free limit or be
// allowlisted.
func (p *Pipeline) HandleFinalizeUpload(ctx context.Context, job queue.Job) error {
	var payload queue.UploadJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode finalize-upload payload: %v", queue.ErrPermanent, err)
	}

	store := p.partStore()
	if store == nil {
		return errors.New("no part store attached")
	}

	parts, err := p.listParts(ctx, store, payload.UploadID)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: upload %s has no parts", queue.ErrPermanent, payload.UploadID)
	}
	var total int64
	for _, part := range parts {
		total += part.Size
	}

	// The parts stream through a pipe so the assembly never materializes.
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(p.copyParts(ctx, pw, store, parts))
	}()

	_, err = p.admit.Admit(ctx, admission.Request{
		Body:          pr,
		ContentLength: total,
	})
	pr.Close()

	switch outcome := classifyAdmission(err); outcome {
	case admissionOK, admissionDuplicate:
		p.deleteParts(ctx, store, parts)
		if outcome == admissionDuplicate {
			p.logger.Info().Str("uploadID", payload.UploadID).Msg("assembled upload was already admitted")
		} else {
			p.logger.Info().
				Str("uploadID", payload.UploadID).
				Int("parts", len(parts)).
				Int64("byteCount", total).
				Msg("multipart upload admitted")
		}
		return nil
	case admissionRejected:
		// A rejection is about the bytes or the owner; retrying the same
		// assembly cannot change it. Drop the parts with the job.
		p.deleteParts(ctx, store, parts)
		p.logger.Warn().Err(err).Str("uploadID", payload.UploadID).Msg("assembled upload rejected")
		return fmt.Errorf("%w: admit upload %s: %v", queue.ErrPermanent, payload.UploadID, err)
	default:
		return fmt.Errorf("admit upload %s: %w", payload.UploadID, err)
	}
}

// partStore is the tier multipart parts are staged in.
func (p *Pipeline) partStore() objectstore.Store {
	if p.object != nil {
		return p.object
	}
	return p.backup
}

// listParts pages the upload's parts. Keys zero-pad the part number, so
// lexicographic listing order is part order.
func (p *Pipeline) listParts(ctx context.Context, store objectstore.Store, uploadID string) ([]objectstore.ObjectInfo, error) {
	prefix := objectstore.MultipartPrefix + uploadID + "/"
	var (
		parts  []objectstore.ObjectInfo
		cursor string
	)
	for {
		page, next, err := store.ListByPrefix(ctx, prefix, cursor, 1000)
		if err != nil {
			return nil, fmt.Errorf("list parts of %s: %w", uploadID, err)
		}
		parts = append(parts, page...)
		if next == "" {
			return parts, nil
		}
		cursor = next
	}
}

// copyParts streams each part into w in order.
func (p *Pipeline) copyParts(ctx context.Context, w io.Writer, store objectstore.Store, parts []objectstore.ObjectInfo) error {
	for _, part := range parts {
		r, err := store.Get(ctx, part.Key)
		if err != nil {
			return fmt.Errorf("open part %s: %w", part.Key, err)
		}
		_, err = io.Copy(w, r)
		r.Close()
		if err != nil {
			return fmt.Errorf("stream part %s: %w", part.Key, err)
		}
	}
	return nil
}

// deleteParts clears the staged parts once they can never be needed again.
func (p *Pipeline) deleteParts(ctx context.Context, store objectstore.Store, parts []objectstore.ObjectInfo) {
	for _, part := range parts {
		if err := store.Delete(ctx, part.Key); err != nil {
			p.logger.Warn().Err(err).Str("key", part.Key).Msg("failed to delete multipart part")
		}
	}
}

type admissionOutcome int

const (
	admissionOK admissionOutcome = iota
	admissionDuplicate
	admissionRejected
	admissionRetry
)

// classifyAdmission sorts an admission error into terminal and retryable
// outcomes for the queue.
func classifyAdmission(err error) admissionOutcome {
	if err == nil {
		return admissionOK
	}
	var prErr *admission.PaymentRequiredError
	if errors.As(err, &prErr) {
		// No payment envelope exists to retry with.
		return admissionRejected
	}
	var vErr x402.VerificationError
	if errors.As(err, &vErr) {
		if vErr.Code == apierrors.ErrCodeDuplicateItem {
			return admissionDuplicate
		}
		if !vErr.Code.IsRetryable() {
			return admissionRejected
		}
	}
	return admissionRetry
}
