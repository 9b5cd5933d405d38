package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/dbpulse/ingest/internal/store"
)

// Worker drains the ingest task queue. Each attempt runs the same insert path
// as the synchronous backends inside a fresh transaction; a failed attempt
// leaves no partial state behind.
type Worker struct {
	id    string
	queue *Queue
	store *store.Store
	repo  *store.RunRepository

	retention       time.Duration
	cleanupSchedule string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	cron   *cron.Cron

	running bool
	mu      sync.Mutex
}

type WorkerConfig struct {
	Queue      *Queue
	Store      *store.Store
	Repository *store.RunRepository

	// MaxRunAge of zero disables retention pruning.
	MaxRunAge       time.Duration
	CleanupSchedule string
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	return &Worker{
		id:              workerID,
		queue:           cfg.Queue,
		store:           cfg.Store,
		repo:            cfg.Repository,
		retention:       cfg.MaxRunAge,
		cleanupSchedule: cfg.CleanupSchedule,
		cron:            cron.New(),
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	log.Printf("[%s] Worker starting", w.id)

	if _, err := w.cron.AddFunc("@every 5m", w.cleanupStale); err != nil {
		return fmt.Errorf("scheduling stale cleanup: %w", err)
	}
	if w.retention > 0 && w.cleanupSchedule != "" {
		if _, err := w.cron.AddFunc(w.cleanupSchedule, w.pruneOldRuns); err != nil {
			return fmt.Errorf("scheduling retention pruning: %w", err)
		}
	}
	w.cron.Start()

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.processLoop()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	log.Printf("[%s] Worker stopping", w.id)
	w.cancel()
	<-w.cron.Stop().Done()
	w.wg.Wait()
	log.Printf("[%s] Worker stopped", w.id)
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.queue.WorkerHeartbeat(w.ctx, w.id)
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			task, err := w.queue.Dequeue(w.ctx, w.id)
			if err != nil {
				log.Printf("[%s] Error dequeuing task: %v", w.id, err)
				time.Sleep(5 * time.Second)
				continue
			}

			if task == nil {
				time.Sleep(1 * time.Second)
				continue
			}

			w.processTask(task)
		}
	}
}

func (w *Worker) processTask(task *Task) {
	log.Printf("[%s] Processing task %s (company: %s, attempt: %d)",
		w.id, task.ID, task.Request.TargetInfo.CompanyName, task.Attempts+1)

	runID, err := w.repo.Insert(w.ctx, w.store.DB(), task.Request)
	if err == nil {
		if ackErr := w.queue.Complete(w.ctx, task, runID); ackErr != nil {
			log.Printf("[%s] Task %s committed run %d but ack failed: %v", w.id, task.ID, runID, ackErr)
		} else {
			log.Printf("[%s] Task %s completed, run %d", w.id, task.ID, runID)
		}
		return
	}

	if !store.IsRetryable(err) {
		log.Printf("[%s] Task %s failed permanently: %v", w.id, task.ID, err)
		if failErr := w.queue.Fail(w.ctx, task, err.Error()); failErr != nil {
			log.Printf("[%s] Error marking task %s failed: %v", w.id, task.ID, failErr)
		}
		return
	}

	retried, qErr := w.queue.RetryOrFail(w.ctx, task, err.Error())
	if qErr != nil {
		log.Printf("[%s] Error rescheduling task %s: %v", w.id, task.ID, qErr)
		return
	}
	if retried {
		log.Printf("[%s] Task %s failed, scheduled retry %d: %v", w.id, task.ID, task.Attempts, err)
	} else {
		log.Printf("[%s] Task %s failed after %d attempts: %v", w.id, task.ID, task.Attempts, err)
	}
}

func (w *Worker) cleanupStale() {
	requeued, err := w.queue.RequeueStale(w.ctx, 30*time.Minute)
	if err != nil {
		log.Printf("[%s] Error cleaning stale tasks: %v", w.id, err)
	} else if requeued > 0 {
		log.Printf("[%s] Requeued %d stale tasks", w.id, requeued)
	}
}

func (w *Worker) pruneOldRuns() {
	cutoff := time.Now().Add(-w.retention)
	deleted, err := w.store.DeleteRunsBefore(w.ctx, cutoff)
	if err != nil {
		log.Printf("[%s] Error pruning old runs: %v", w.id, err)
	} else if deleted > 0 {
		log.Printf("[%s] Pruned %d runs older than %s", w.id, deleted, cutoff.Format(time.RFC3339))
	}
}
