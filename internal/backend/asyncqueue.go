package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dbpulse/ingest/internal/models"
	"github.com/dbpulse/ingest/internal/queue"
)

// AsyncQueue serializes the submission onto the durable task queue and
// returns as soon as the broker has it. A worker performs the insert later;
// the caller learns the run id only through the task status API. Enqueue
// latency is bounded by the broker, not the database.
type AsyncQueue struct {
	queue  *queue.Queue
	eta    time.Duration
	logger *slog.Logger
}

func NewAsyncQueue(q *queue.Queue, eta time.Duration, logger *slog.Logger) *AsyncQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncQueue{queue: q, eta: eta, logger: logger}
}

func (a *AsyncQueue) Submit(ctx context.Context, req *models.SubmissionRequest) (*Result, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	taskID, err := a.queue.Enqueue(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("enqueueing submission: %w", err)
	}

	a.logger.Info("run enqueued", "backend", models.BackendAsyncQueue, "task_id", taskID,
		"company", req.TargetInfo.CompanyName)

	eta := time.Now().Add(a.eta)
	return &Result{
		Status:  models.SubmitAccepted,
		Message: "health check queued for processing",
		TaskID:  &taskID,
		ETA:     &eta,
	}, nil
}

// TaskState reports the progress of a previously accepted submission.
func (a *AsyncQueue) TaskState(ctx context.Context, taskID uuid.UUID) (*queue.TaskState, error) {
	return a.queue.GetTaskState(ctx, taskID)
}

func (a *AsyncQueue) HealthCheck(ctx context.Context) bool {
	return a.queue.HealthCheck(ctx)
}

func (a *AsyncQueue) Status(ctx context.Context) Status {
	details := make(map[string]interface{})

	if stats, err := a.queue.Stats(ctx); err == nil {
		for k, v := range stats {
			details[k] = v
		}
	}
	if workers, err := a.queue.ActiveWorkers(ctx, time.Minute); err == nil {
		details["active_workers"] = len(workers)
	}

	return Status{
		Mode:    models.BackendAsyncQueue,
		Healthy: a.HealthCheck(ctx),
		Details: details,
	}
}

func (a *AsyncQueue) Close() error {
	return a.queue.Close()
}
