package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// PromotionKey is the canonical identifier of a catalog promotion, e.g.
// "happy-hour". It is the only form used inside the service; the stored and
// display forms are derived from it.
type PromotionKey string

var keyPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ParsePromotionKey accepts the canonical, stored ("happy hour") and display
// ("Happy Hour") forms and returns the canonical key. Underscores are
// treated like spaces.
func ParsePromotionKey(s string) (PromotionKey, error) {
	normalized := strings.NewReplacer("-", " ", "_", " ").Replace(strings.ToLower(s))
	key := strings.Join(strings.Fields(normalized), "-")
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPromotionKey, s)
	}
	return PromotionKey(key), nil
}

func (k PromotionKey) String() string {
	return string(k)
}

// StoredName is the value kept in active_promotions.promotion_name.
func (k PromotionKey) StoredName() string {
	return strings.ReplaceAll(string(k), "-", " ")
}

// JobID is the scheduler job id for this promotion and merchant. Merchant
// ids never contain hyphens, so the last hyphen splits the two parts.
func JobID(key PromotionKey, merchantID string) string {
	return string(key) + "-" + merchantID
}

// Promotion is one immutable catalog entry.
type Promotion struct {
	Key          PromotionKey `json:"key"`
	DisplayName  string       `json:"display_name"`
	Description  string       `json:"description"`
	Path         string       `json:"path"`
	CronSchedule string       `json:"cron_schedule"`
}

// ActivePromotion is the durable record that a merchant has a promotion on.
type ActivePromotion struct {
	ID           int64        `json:"id"`
	MerchantID   string       `json:"merchant_id"`
	PromotionKey PromotionKey `json:"promotion_key"`
	ActivatedAt  time.Time    `json:"activated_at"`
}

// TransitionOp names the operation a pending marker belongs to.
type TransitionOp string

const (
	OpActivation   TransitionOp = "activation"
	OpDeactivation TransitionOp = "deactivation"
)

// PendingTransition marks an operation that has started side effects but
// not yet reached a definite outcome.
type PendingTransition struct {
	MerchantID   string       `json:"merchant_id"`
	PromotionKey PromotionKey `json:"promotion_key"`
	Operation    TransitionOp `json:"operation"`
	StartedAt    time.Time    `json:"started_at"`
	// Stale is set when the marker outlived the grace period, measured on
	// the store's clock.
	Stale bool `json:"stale"`
}

// Activation outcomes.
const (
	StatusCreated       = "created"
	StatusAlreadyActive = "already_active"
	StatusDeleted       = "deleted"
)

// ActivationResult is returned by a successful Activate.
type ActivationResult struct {
	Status       string       `json:"status"`
	Message      string       `json:"message"`
	JobID        string       `json:"job_id"`
	PromotionKey PromotionKey `json:"promotion_key"`
	MerchantID   string       `json:"merchant_id"`
}

// DeactivationResult is returned by a successful Deactivate. JobDeleted and
// RecordRemoved are false when there was nothing to remove.
type DeactivationResult struct {
	Status        string       `json:"status"`
	Message       string       `json:"message"`
	JobID         string       `json:"job_id"`
	PromotionKey  PromotionKey `json:"promotion_key"`
	MerchantID    string       `json:"merchant_id"`
	JobDeleted    bool         `json:"job_deleted"`
	RecordRemoved bool         `json:"record_removed"`
}

// MerchantPromotion is a catalog entry annotated with a merchant's state.
type MerchantPromotion struct {
	Promotion
	IsActive    bool       `json:"is_active"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}
