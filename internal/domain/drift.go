package domain

// DriftKind classifies a disagreement between the scheduler and the store.
type DriftKind string

const (
	// DriftStalePending is a marker whose operation never finished. The pair
	// is driven to inactive.
	DriftStalePending DriftKind = "stale_pending"
	// DriftOrphanJob is a scheduler job with no active record.
	DriftOrphanJob DriftKind = "orphan_job"
	// DriftPhantomRecord is an active record with no scheduler job.
	DriftPhantomRecord DriftKind = "phantom_record"
	// DriftUnknownJob is a job id that does not resolve through the
	// catalog. It is reported and never touched.
	DriftUnknownJob DriftKind = "unknown_job"
)

// Drift is one finding of a reconciliation pass.
type Drift struct {
	Kind         DriftKind    `json:"kind"`
	MerchantID   string       `json:"merchant_id,omitempty"`
	PromotionKey PromotionKey `json:"promotion_key,omitempty"`
	JobID        string       `json:"job_id"`
	Operation    TransitionOp `json:"operation,omitempty"`
	Repaired     bool         `json:"repaired"`
	Error        string       `json:"error,omitempty"`
}
