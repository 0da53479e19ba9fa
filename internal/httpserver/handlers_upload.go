package httpserver

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/admission"
	apierrors "github.com/bundlepay/server/internal/errors"
	"github.com/bundlepay/server/internal/logger"
	"github.com/bundlepay/server/pkg/responders"
	"github.com/bundlepay/server/pkg/x402"
)

// uploadItem handles POST /v1/tx: a signed data item as the raw body,
// optionally accompanied by an X-PAYMENT authorization header.
//
// Responses: 200 signed receipt (plus X-Payment-Response when a settlement
// happened), 402 quote envelope, 202 duplicate, 4xx/5xx per error code.
func (h *handlers) uploadItem(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	if r.ContentLength < 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingContentLength,
			"Content-Length is required for upload pricing")
		return
	}

	result, err := h.admission.Admit(r.Context(), admission.Request{
		Body:          r.Body,
		ContentLength: r.ContentLength,
		PaymentHeader: r.Header.Get(x402.HeaderPayment),
	})
	if err != nil {
		h.writeUploadError(w, log, err)
		return
	}

	if result.Settlement != nil {
		addSettlementHeader(w, result.Settlement)
	}

	log.Info().
		Str("itemId", logger.TruncateID(result.Receipt.ID)).
		Bool("paid", result.Settlement != nil).
		Msg("upload.accepted")

	responders.JSON(w, http.StatusOK, result.Receipt)
}

// writeUploadError maps admission failures onto the wire. Payment-gated
// rejections carry a fresh quote so the client can re-sign without another
// round trip.
func (h *handlers) writeUploadError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var payErr *admission.PaymentRequiredError
	if errors.As(err, &payErr) {
		log.Info().
			Str("code", string(payErr.Code)).
			Err(payErr.Cause).
			Msg("upload.payment_required")
		paymentRequiredResponse(w, payErr)
		return
	}

	var vErr x402.VerificationError
	if errors.As(err, &vErr) {
		status := vErr.Code.HTTPStatus()
		switch {
		case status >= 500:
			log.Error().Str("code", string(vErr.Code)).Err(vErr.Err).Msg("upload.unavailable")
		case vErr.Code == apierrors.ErrCodeDuplicateItem:
			log.Info().Str("code", string(vErr.Code)).Msg("upload.duplicate")
		default:
			log.Info().Str("code", string(vErr.Code)).Err(vErr.Err).Msg("upload.rejected")
		}
		apierrors.WriteSimpleError(w, vErr.Code, vErr.Message)
		return
	}

	log.Error().Err(err).Msg("upload.failed")
	apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "upload failed")
}
