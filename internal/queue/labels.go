package queue

import "time"

// Pipeline job labels. Each label gets its own worker pool.
const (
	LabelNewItem        = "new-item"
	LabelPlanBundle     = "plan-bundle"
	LabelPrepareBundle  = "prepare-bundle"
	LabelPostBundle     = "post-bundle"
	LabelVerifyBundle   = "verify-bundle"
	LabelSeedBundle     = "seed-bundle"
	LabelPutOffsets     = "put-offsets"
	LabelOpticalPost    = "optical-post"
	LabelUnbundleNested = "unbundle-nested"
	LabelFinalizeUpload = "finalize-upload"
	LabelCleanupFS      = "cleanup-fs"
)

// DefaultConcurrency holds per-label worker counts. Planning and nested
// unbundling stay single-threaded so their ordering assumptions hold.
var DefaultConcurrency = map[string]int{
	LabelNewItem:        5,
	LabelPlanBundle:     1,
	LabelPrepareBundle:  2,
	LabelPostBundle:     2,
	LabelVerifyBundle:   3,
	LabelSeedBundle:     2,
	LabelPutOffsets:     2,
	LabelOpticalPost:    3,
	LabelUnbundleNested: 1,
	LabelFinalizeUpload: 2,
	LabelCleanupFS:      1,
}

// DefaultMaxAttempts holds per-label retry budgets before a job moves to
// the dead letter set.
var DefaultMaxAttempts = map[string]int{
	LabelNewItem:        5,
	LabelPlanBundle:     3,
	LabelPrepareBundle:  5,
	LabelPostBundle:     8,
	LabelVerifyBundle:   5,
	LabelSeedBundle:     5,
	LabelPutOffsets:     5,
	LabelOpticalPost:    5,
	LabelUnbundleNested: 5,
	LabelFinalizeUpload: 5,
	LabelCleanupFS:      3,
}

// DefaultJobTimeouts raises the handler deadline for labels that stream
// whole bundles. Unlisted labels use the worker default.
var DefaultJobTimeouts = map[string]time.Duration{
	LabelPrepareBundle:  30 * time.Minute,
	LabelPostBundle:     30 * time.Minute,
	LabelSeedBundle:     30 * time.Minute,
	LabelFinalizeUpload: 30 * time.Minute,
	LabelCleanupFS:      10 * time.Minute,
}

// ItemJob targets a single data item.
type ItemJob struct {
	ItemID string `json:"itemId"`
}

// PlanJob targets a bundle plan.
type PlanJob struct {
	PlanID string `json:"planId"`
}

// BundleJob targets a posted bundle transaction.
type BundleJob struct {
	BundleTxID string `json:"bundleTxId"`
}

// UploadJob targets an in-progress multipart upload.
type UploadJob struct {
	UploadID string `json:"uploadId"`
}
