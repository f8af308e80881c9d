// Package types contains the request and response shapes shared by the run
// queue, the workers and the HTTP API.
package types

import (
	"errors"
	"strings"
	"time"

	"github.com/okian/textrewards/internal/domain/model"
)

// ErrInvalidRunRequest marks a request that names no issue.
var ErrInvalidRunRequest = errors.New("invalid run request")

// RunRequest asks for one issue to be scored and settled. DeliveryID makes
// redeliveries idempotent; it defaults to the issue reference.
type RunRequest struct {
	DeliveryID string    `json:"delivery_id"`
	Owner      string    `json:"owner"`
	Repo       string    `json:"repo"`
	Number     int       `json:"number"`
	ReceivedAt time.Time `json:"-"`
}

// Ref returns the issue the request names.
func (r RunRequest) Ref() model.IssueRef {
	return model.IssueRef{Owner: r.Owner, Repo: r.Repo, Number: r.Number}
}

// Key returns the deduplication key.
func (r RunRequest) Key() string {
	if id := strings.TrimSpace(r.DeliveryID); id != "" {
		return id
	}
	return r.Ref().String()
}

// Validate checks that the request names an issue.
func (r RunRequest) Validate() error {
	if strings.TrimSpace(r.Owner) == "" || strings.TrimSpace(r.Repo) == "" || r.Number <= 0 {
		return ErrInvalidRunRequest
	}
	return nil
}

// RunResult summarizes a finished run. Settlement is "settled", "skipped",
// "failed", "disabled" or empty when the run stopped before settling;
// SettlementReason says why a settlement was skipped or failed.
type RunResult struct {
	RunID            string `json:"run_id"`
	Issue            string `json:"issue"`
	Outcome          string `json:"outcome"`
	Settlement       string `json:"settlement,omitempty"`
	SettlementReason string `json:"settlement_reason,omitempty"`
	Users            int    `json:"users"`
	Total            string `json:"total"`
	DurationMs       int64  `json:"duration_ms"`
}

// Stats reports queue and run counters.
type Stats struct {
	QueueLength   int              `json:"queue_length"`
	QueueCapacity int              `json:"queue_capacity"`
	Workers       int              `json:"workers"`
	Deliveries    int64            `json:"deliveries_remembered"`
	Runs          map[string]int64 `json:"runs"`
	LastRun       *RunResult       `json:"last_run,omitempty"`
}
