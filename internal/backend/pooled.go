package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/dbpulse/ingest/internal/models"
	"github.com/dbpulse/ingest/internal/store"
)

// Pooled runs the same insert as Direct but borrows a connection from a
// bounded pool. Callers beyond pool capacity block until a connection frees
// up or their context expires.
type Pooled struct {
	db       *sqlx.DB
	repo     *store.RunRepository
	logger   *slog.Logger
	maxConns int
}

func NewPooled(dsn string, minConns, maxConns int, repo *store.RunRepository, logger *slog.Logger) (*Pooled, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting pool: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	return &Pooled{db: db, repo: repo, logger: logger, maxConns: maxConns}, nil
}

func (p *Pooled) Submit(ctx context.Context, req *models.SubmissionRequest) (*Result, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	conn, err := p.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking out connection: %w", err)
	}
	// The deferred close is the checkin; it must run on every exit path or
	// the pool leaks a slot.
	defer conn.Close()

	runID, err := p.repo.Insert(ctx, conn, req)
	if err != nil {
		return nil, err
	}

	p.logger.Info("run ingested", "backend", models.BackendPooled, "run_id", runID,
		"company", req.TargetInfo.CompanyName)

	return &Result{
		Status:  models.SubmitCompleted,
		Message: "health check stored",
		RunID:   &runID,
	}, nil
}

func (p *Pooled) HealthCheck(ctx context.Context) bool {
	return p.db.PingContext(ctx) == nil
}

func (p *Pooled) Status(ctx context.Context) Status {
	stats := p.db.Stats()
	return Status{
		Mode:    models.BackendPooled,
		Healthy: p.HealthCheck(ctx),
		Details: map[string]interface{}{
			"max_conns":  p.maxConns,
			"open_conns": stats.OpenConnections,
			"in_use":     stats.InUse,
			"idle":       stats.Idle,
			"wait_count": stats.WaitCount,
		},
	}
}

func (p *Pooled) Close() error {
	return p.db.Close()
}
