package backend

import (
	"context"

	"github.com/dbpulse/ingest/internal/models"
)

// Disabled rejects every submission. Selected for read-only deployments.
type Disabled struct{}

func NewDisabled() *Disabled {
	return &Disabled{}
}

func (Disabled) Submit(ctx context.Context, req *models.SubmissionRequest) (*Result, error) {
	return nil, ErrSubmissionDisabled
}

func (Disabled) HealthCheck(ctx context.Context) bool {
	return false
}

func (Disabled) Status(ctx context.Context) Status {
	return Status{
		Mode:    models.BackendDisabled,
		Healthy: false,
	}
}

func (Disabled) Close() error {
	return nil
}
