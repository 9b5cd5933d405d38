// Package backend decides how a health-check submission reaches durable
// storage. One capability interface, four strategies: Direct writes inline,
// Pooled writes through a bounded connection pool, AsyncQueue defers the
// write to a queue worker, Disabled rejects everything. Configuration picks
// one at startup; all of them funnel into the same repository insert.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dbpulse/ingest/internal/models"
)

// ErrSubmissionDisabled is returned by the disabled backend for every
// submission. Read-only deployments run with this backend selected.
var ErrSubmissionDisabled = errors.New("submission backend disabled")

// ValidationError marks a malformed request. Validation failures are
// rejected synchronously; they are never enqueued and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s %s", e.Field, e.Reason)
}

// Result is what a backend reports back for an accepted unit of work.
// Completed carries the run id (Direct, Pooled); accepted carries the task id
// and an ETA (AsyncQueue). A completed or accepted result is only returned
// after the corresponding guarantee holds: committed transaction or durably
// enqueued task.
type Result struct {
	Status  models.SubmitStatus `json:"status"`
	Message string              `json:"message,omitempty"`
	RunID   *int64              `json:"run_id,omitempty"`
	TaskID  *uuid.UUID          `json:"task_id,omitempty"`
	ETA     *time.Time          `json:"eta,omitempty"`
}

type Status struct {
	Mode    models.BackendMode     `json:"mode"`
	Healthy bool                   `json:"healthy"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type Backend interface {
	Submit(ctx context.Context, req *models.SubmissionRequest) (*Result, error)
	HealthCheck(ctx context.Context) bool
	Status(ctx context.Context) Status

	// Close releases pool or queue clients. The host process calls it on
	// shutdown; backends live for the process lifetime otherwise.
	Close() error
}

// ValidateRequest enforces the required target fields before any backend
// does work.
func ValidateRequest(req *models.SubmissionRequest) error {
	if req == nil {
		return &ValidationError{Field: "request", Reason: "is missing"}
	}
	if req.TargetInfo.CompanyName == "" {
		return &ValidationError{Field: "target_info.company_name", Reason: "is required"}
	}
	if req.TargetInfo.DBType == "" {
		return &ValidationError{Field: "target_info.db_type", Reason: "is required"}
	}
	if req.TargetInfo.Host == "" {
		return &ValidationError{Field: "target_info.host", Reason: "is required"}
	}
	if req.FindingsJSON == "" {
		return &ValidationError{Field: "findings_json", Reason: "is required"}
	}
	return nil
}
