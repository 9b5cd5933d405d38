package backend

import (
	"context"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/dbpulse/ingest/internal/models"
	"github.com/dbpulse/ingest/internal/store"
)

// Direct opens a dedicated connection per submission and runs the insert on
// the calling goroutine. Blocking, no retry; failures propagate to the
// caller.
type Direct struct {
	dsn    string
	repo   *store.RunRepository
	logger *slog.Logger
}

func NewDirect(dsn string, repo *store.RunRepository, logger *slog.Logger) *Direct {
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{dsn: dsn, repo: repo, logger: logger}
}

func (d *Direct) Submit(ctx context.Context, req *models.SubmissionRequest) (*Result, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", d.dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	runID, err := d.repo.Insert(ctx, db, req)
	if err != nil {
		return nil, err
	}

	d.logger.Info("run ingested", "backend", models.BackendDirect, "run_id", runID,
		"company", req.TargetInfo.CompanyName)

	return &Result{
		Status:  models.SubmitCompleted,
		Message: "health check stored",
		RunID:   &runID,
	}, nil
}

func (d *Direct) HealthCheck(ctx context.Context) bool {
	db, err := sqlx.ConnectContext(ctx, "postgres", d.dsn)
	if err != nil {
		return false
	}
	defer db.Close()
	return db.PingContext(ctx) == nil
}

func (d *Direct) Status(ctx context.Context) Status {
	return Status{
		Mode:    models.BackendDirect,
		Healthy: d.HealthCheck(ctx),
	}
}

func (d *Direct) Close() error {
	return nil
}
