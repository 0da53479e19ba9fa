package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bundlepay/server/internal/errors"
	"github.com/bundlepay/server/internal/logger"
	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/pkg/responders"
)

// Cache lifetimes for status lookups. Pending items change as the pipeline
// advances; permanent ones never will.
const (
	statusCachePending   = 15 * time.Second
	statusCachePermanent = 24 * time.Hour
)

// itemStatusResponse is the GET /v1/tx/{id}/status body. Offset fields are
// present only once the root bundle is permanent and consistent.
type itemStatusResponse struct {
	Status   string `json:"status"` // pending | permanent | failed
	Info     string `json:"info"`   // precise pipeline state
	BundleID string `json:"bundleId,omitempty"`
	Price    string `json:"price,omitempty"` // assessed chain units; absent for stable-coin paid items
	Reason   string `json:"reason,omitempty"`

	StartOffsetInRoot  int64  `json:"startOffsetInRoot,omitempty"`
	RawContentLength   int64  `json:"rawContentLength,omitempty"`
	PayloadDataStart   int64  `json:"payloadDataStart,omitempty"`
	PayloadContentType string `json:"payloadContentType,omitempty"`
}

// itemStatus handles GET /v1/tx/{id}/status.
func (h *handlers) itemStatus(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")
	if id == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "item id is required")
		return
	}

	status, err := h.store.GetItemStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeItemNotFound, "item not found")
			return
		}
		log.Error().Err(err).Str("itemId", logger.TruncateID(id)).Msg("status.lookup_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "status lookup failed")
		return
	}

	resp := itemStatusResponse{
		Status:   coarseStatus(status.Status),
		Info:     status.Status,
		BundleID: status.BundleID,
		Reason:   status.FailedReason,
	}
	if status.AssessedPrice > 0 {
		resp.Price = strconv.FormatUint(status.AssessedPrice, 10)
	}

	maxAge := statusCachePending
	if status.Status == metadata.ItemStatusPermanent {
		maxAge = statusCachePermanent

		// Offset rows whose root disagrees with the posted bundle are
		// stale rewind leftovers and stay out of the response.
		if offset, err := h.store.GetOffsets(r.Context(), id); err == nil && offset.RootBundleID == status.BundleID {
			resp.StartOffsetInRoot = offset.StartOffsetInRoot
			resp.RawContentLength = offset.RawContentLength
			resp.PayloadDataStart = offset.PayloadDataStart
			resp.PayloadContentType = offset.PayloadContentType
		}
	}

	responders.JSONCached(w, http.StatusOK, maxAge, resp)
}

// coarseStatus folds pipeline states into the three clients act on.
func coarseStatus(state string) string {
	switch state {
	case metadata.ItemStatusPermanent, metadata.ItemStatusFailed:
		return state
	default:
		return "pending"
	}
}

// offsetsResponse is the GET /v1/tx/{id}/offsets body.
type offsetsResponse struct {
	ItemID                     string `json:"itemId"`
	RootBundleID               string `json:"rootBundleId"`
	StartOffsetInRoot          int64  `json:"startOffsetInRoot"`
	RawContentLength           int64  `json:"rawContentLength"`
	PayloadDataStart           int64  `json:"payloadDataStart"`
	PayloadContentType         string `json:"payloadContentType,omitempty"`
	ParentItemID               string `json:"parentItemId,omitempty"`
	StartOffsetInParentPayload int64  `json:"startOffsetInParentPayload,omitempty"`
}

// itemOffsets handles GET /v1/tx/{id}/offsets.
func (h *handlers) itemOffsets(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")
	if id == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "item id is required")
		return
	}

	offset, err := h.store.GetOffsets(r.Context(), id)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeOffsetsNotFound, "offsets not recorded for item")
			return
		}
		log.Error().Err(err).Str("itemId", logger.TruncateID(id)).Msg("offsets.lookup_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "offsets lookup failed")
		return
	}

	responders.JSON(w, http.StatusOK, offsetsResponse{
		ItemID:                     offset.ItemID,
		RootBundleID:               offset.RootBundleID,
		StartOffsetInRoot:          offset.StartOffsetInRoot,
		RawContentLength:           offset.RawContentLength,
		PayloadDataStart:           offset.PayloadDataStart,
		PayloadContentType:         offset.PayloadContentType,
		ParentItemID:               offset.ParentItemID,
		StartOffsetInParentPayload: offset.StartOffsetInParentPayload,
	})
}
