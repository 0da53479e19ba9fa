package metadata

import (
	"errors"
	"time"

	"github.com/bundlepay/server/pkg/bundleitem"
)

// Item lifecycle states. Movement is monotonic except the verify-timeout
// rewind from posted back to planned.
const (
	ItemStatusNew       = "new"
	ItemStatusPlanned   = "planned"
	ItemStatusPrepared  = "prepared"
	ItemStatusPosted    = "posted"
	ItemStatusPermanent = "permanent"
	ItemStatusFailed    = "failed"
)

// Bundle plan states, mirrored onto member items by GetItemStatus.
const (
	PlanStatusPlanned   = "planned"
	PlanStatusPrepared  = "prepared"
	PlanStatusPosted    = "posted"
	PlanStatusPermanent = "permanent"
	PlanStatusFailed    = "failed"
)

// Payment finalization states.
const (
	PaymentStatusPendingValidation = "pending_validation"
	PaymentStatusConfirmed         = "confirmed"
	PaymentStatusRefunded          = "refunded"
	PaymentStatusFraudPenalty      = "fraud_penalty"
	PaymentStatusFailed            = "failed"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("metadata: not found")
	// ErrDuplicate is returned when an item id is already on record.
	ErrDuplicate = errors.New("metadata: duplicate item")
	// ErrAlreadyPlanned is returned when plan creation finds a member item
	// missing from the unplanned pool.
	ErrAlreadyPlanned = errors.New("metadata: item already planned")
)

// DataItem is an admitted upload awaiting bundling, in the shape shared by
// the new and planned tables.
type DataItem struct {
	ID                 string
	OwnerAddress       string
	SignatureType      int
	ByteCount          int64
	PayloadContentType string
	PayloadDataStart   int64
	UploadedAt         time.Time
	DeadlineHeight     int64
	AssessedPrice      uint64 // chain units; 0 when paid in stable coin
	PremiumFeatureType string // empty for the default class
	Tags               []bundleitem.Tag
	FailedBundles      []string // plan/bundle ids this item failed in
	FailedAt           *time.Time
	FailedReason       string
}

// ItemStatus is the status projection served by GET /v1/tx/{id}/status.
type ItemStatus struct {
	Status        string
	BundleID      string // bundle tx id once posted
	AssessedPrice uint64 // chain units; 0 when paid in stable coin
	FailedReason  string
	UploadedAt    time.Time
}

// BundlePlan groups items destined for one bundle.
type BundlePlan struct {
	PlanID             string
	PremiumFeatureType string
	Status             string
	PlannedAt          time.Time
	TotalByteCount     int64 // sum of member item sizes at planning time
	ItemCount          int
	PreparedByteCount  int64 // assembled bundle size, set by MarkPrepared
	FailedReason       string
}

// PlanItem is a plan member in packing order with the fields the pipeline
// needs to assemble bundles and derive offsets.
type PlanItem struct {
	ID                 string
	ByteCount          int64
	PayloadDataStart   int64
	PayloadContentType string
	UploadedAt         time.Time
}

// PostedBundle records a bundle transaction on its way to permanence.
type PostedBundle struct {
	BundleTxID      string
	PlanID          string
	ByteCount       int64
	ItemCount       int
	PostedAt        time.Time
	ConfirmedHeight *int64
	PermanentAt     *time.Time
}

// ItemOffset locates an item's bytes inside its root bundle, and inside a
// parent item's payload for nested entries.
type ItemOffset struct {
	ItemID                     string
	RootBundleID               string
	StartOffsetInRoot          int64
	RawContentLength           int64
	PayloadDataStart           int64
	PayloadContentType         string
	ParentItemID               string // empty for top-level items
	StartOffsetInParentPayload int64
}

// Payment is one settled stable-coin authorization.
type Payment struct {
	PaymentID        string
	TxHash           string
	Network          string
	TokenAddress     string
	PayerAddress     string
	RecipientAddress string
	StableAmount     uint64 // 6-decimal atomic units
	ChainUnitAmount  uint64 // oracle equivalent at settlement time
	Mode             string
	DeclaredBytes    int64
	ActualBytes      *int64
	Status           string
	RefundAmount     uint64 // chain units recorded for refunded payments
	LinkedItemID     string
	CreatedAt        time.Time
	FinalizedAt      *time.Time
}

// CleanupCursor resumes the eviction walk between runs.
type CleanupCursor struct {
	UploadedAt time.Time `json:"uploadedAt"`
	ItemID     string    `json:"itemId"`
}
