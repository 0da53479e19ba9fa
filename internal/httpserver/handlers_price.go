package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	apierrors "github.com/bundlepay/server/internal/errors"
	"github.com/bundlepay/server/internal/logger"
	"github.com/bundlepay/server/pkg/bundleitem"
	"github.com/bundlepay/server/pkg/responders"
	"github.com/bundlepay/server/pkg/x402"
)

// Wrapping estimate for the raw-data price endpoint. The service wallet
// signs wrapped items with the chain-native RSA scheme, so the envelope is
// 2 (sig type) + 512 (signature) + 512 (owner) + 1 + 1 (target and anchor
// presence flags) + 16 (tag counts).
const wrapEnvelopeBytes = 2 + 512 + 512 + 1 + 1 + 16

// wrapSystemTags is how many tags the bundler stamps onto wrapped data
// (content type, app name, format markers, timestamps).
const wrapSystemTags = 7

// estTagBytes over-approximates one encoded tag: varint-prefixed name and
// value. Quotes must not undercut the eventual wire size.
const estTagBytes = 64

// priceQuoteResponse is the single-network quote body returned by the
// /v1/price/x402 endpoints.
type priceQuoteResponse struct {
	X402Version int                      `json:"x402Version"`
	Payment     x402.PaymentRequirements `json:"payment"`
	ByteCount   int64                    `json:"byteCount"`
	WinstonCost string                   `json:"winstonCost"`
	USDCAmount  string                   `json:"usdcAmount"`
}

// priceDataItem handles GET /v1/price/x402/data-item/{token}/{byteCount}:
// a quote for uploading an already-signed item of exactly byteCount bytes.
// token addresses a network by name or stable-coin contract address.
func (h *handlers) priceDataItem(w http.ResponseWriter, r *http.Request) {
	byteCount, ok := parseByteCount(w, chi.URLParam(r, "byteCount"))
	if !ok {
		return
	}
	h.writeNetworkQuote(w, r, chi.URLParam(r, "token"), byteCount, byteCount)
}

// priceData handles GET /v1/price/x402/data/{token}/{byteCount}: a quote
// for raw bytes the bundler will wrap into an item it signs itself. The
// estimate adds the envelope, the system tags, and any declared user tags.
func (h *handlers) priceData(w http.ResponseWriter, r *http.Request) {
	byteCount, ok := parseByteCount(w, chi.URLParam(r, "byteCount"))
	if !ok {
		return
	}

	userTags := 0
	if raw := r.URL.Query().Get("tags"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "tags must be a non-negative integer")
			return
		}
		userTags = n
	}

	tagEstimate := int64(wrapSystemTags+userTags) * estTagBytes
	if ctype := r.URL.Query().Get("contentType"); ctype != "" {
		tagEstimate += int64(len(bundleitem.TagContentType) + len(ctype))
	}

	wrapped := byteCount + wrapEnvelopeBytes + tagEstimate
	h.writeNetworkQuote(w, r, chi.URLParam(r, "token"), byteCount, wrapped)
}

// writeNetworkQuote prices pricedBytes on one network and writes the quote
// body, echoing pricedBytes as the size the client must authorize for.
func (h *handlers) writeNetworkQuote(w http.ResponseWriter, r *http.Request, token string, rawBytes, pricedBytes int64) {
	log := logger.FromContext(r.Context())

	req, q, err := h.payments.QuoteForNetwork(r.Context(), pricedBytes, token)
	if err != nil {
		h.writeQuoteError(w, log, err)
		return
	}

	log.Debug().
		Str("network", req.Network).
		Int64("rawBytes", rawBytes).
		Int64("pricedBytes", pricedBytes).
		Uint64("atomic", q.AtomicTotal).
		Msg("price.quote_generated")

	responders.JSON(w, http.StatusOK, priceQuoteResponse{
		X402Version: x402.ProtocolVersion,
		Payment:     req,
		ByteCount:   pricedBytes,
		WinstonCost: strconv.FormatUint(q.Winston, 10),
		USDCAmount:  strconv.FormatUint(q.AtomicTotal, 10),
	})
}

// priceLegacy handles GET /v1/x402/price/{sigType}/{address}?bytes=N: the
// original multi-network quote shape, one accepts entry per enabled
// network. sigType and address identify the would-be uploader but do not
// change the price.
func (h *handlers) priceLegacy(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	sigType, err := strconv.Atoi(chi.URLParam(r, "sigType"))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnknownSignatureType, "signature type must be numeric")
		return
	}
	if _, ok := bundleitem.SpecFor(bundleitem.SignatureType(sigType)); !ok {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeUnknownSignatureType,
			"unsupported signature type", "sigType", sigType)
		return
	}
	if chi.URLParam(r, "address") == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "uploader address is required")
		return
	}

	byteCount, ok := parseByteCount(w, r.URL.Query().Get("bytes"))
	if !ok {
		return
	}

	quote, err := h.payments.Quote(r.Context(), byteCount)
	if err != nil {
		h.writeQuoteError(w, log, err)
		return
	}

	responders.JSON(w, http.StatusOK, quote)
}

// writeQuoteError maps pricing failures; oracle outages log at error level.
func (h *handlers) writeQuoteError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var vErr x402.VerificationError
	if errors.As(err, &vErr) {
		if vErr.Code == apierrors.ErrCodePricingUnavailable {
			log.Error().Err(vErr.Err).Msg("price.oracle_unavailable")
		} else {
			log.Info().Str("code", string(vErr.Code)).Msg("price.rejected")
		}
		apierrors.WriteSimpleError(w, vErr.Code, vErr.Message)
		return
	}
	log.Error().Err(err).Msg("price.failed")
	apierrors.WriteSimpleError(w, apierrors.ErrCodePricingUnavailable, "quote unavailable")
}

// parseByteCount validates a size path or query component. Zero is allowed;
// empty items still pay the minimum quote.
func parseByteCount(w http.ResponseWriter, raw string) (int64, bool) {
	if raw == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "byte count is required")
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "byte count must be a non-negative integer")
		return 0, false
	}
	return n, true
}
