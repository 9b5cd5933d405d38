// Package queue is the durable task queue behind the async_queue backend.
// Tasks live in a Redis sorted set scored by their not-before time, so a
// retry with backoff is just a re-add with a future score. A task is only
// acknowledged (removed from the processing set) after its transaction has
// committed; a worker crash leaves it in processing until stale cleanup
// requeues it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dbpulse/ingest/internal/models"
)

const (
	ingestTasksQueue      = "dbpulse:tasks:ingest"
	ingestTasksProcessing = "dbpulse:tasks:processing"
	ingestTasksFailed     = "dbpulse:tasks:failed"
	workerHeartbeatKey    = "dbpulse:workers:heartbeat"
	taskStatusPrefix      = "dbpulse:task:status:"

	taskStatusTTL = 7 * 24 * time.Hour
)

type Config struct {
	Addr     string
	Password string
	DB       int

	MaxRetries   int
	RetryBackoff time.Duration
}

type Queue struct {
	client       *redis.Client
	maxRetries   int
	retryBackoff time.Duration
}

func New(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Queue{
		client:       client,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
	}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) HealthCheck(ctx context.Context) bool {
	return q.client.Ping(ctx).Err() == nil
}

// Task is one serialized submission waiting for a worker.
type Task struct {
	ID         uuid.UUID                 `json:"id"`
	Request    *models.SubmissionRequest `json:"request"`
	EnqueuedAt time.Time                 `json:"enqueued_at"`
	Attempts   int                       `json:"attempts"`
}

type TaskState struct {
	TaskID      uuid.UUID         `json:"task_id"`
	Status      models.TaskStatus `json:"status"`
	RunID       *int64            `json:"run_id,omitempty"`
	Attempts    int               `json:"attempts"`
	Errors      []string          `json:"errors,omitempty"`
	WorkerID    string            `json:"worker_id,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Enqueue durably queues a submission and returns its task id. The caller
// may only report "accepted" once this returns without error, because that
// is the point at which the broker holds the task.
func (q *Queue) Enqueue(ctx context.Context, req *models.SubmissionRequest) (uuid.UUID, error) {
	task := &Task{
		ID:         uuid.New(),
		Request:    req,
		EnqueuedAt: time.Now(),
	}

	data, err := json.Marshal(task)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling task: %w", err)
	}

	if err := q.client.ZAdd(ctx, ingestTasksQueue, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: string(data),
	}).Err(); err != nil {
		return uuid.Nil, fmt.Errorf("enqueueing task: %w", err)
	}

	state := &TaskState{
		TaskID:     task.ID,
		Status:     models.TaskStatusPending,
		EnqueuedAt: task.EnqueuedAt,
	}
	if err := q.updateState(ctx, state); err != nil {
		return uuid.Nil, fmt.Errorf("initializing task status: %w", err)
	}

	return task.ID, nil
}

// Dequeue claims the oldest task whose not-before time has passed. Returns
// nil when nothing is due. The claim moves the task into the processing set;
// it stays there until Complete or RetryOrFail.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Task, error) {
	now := float64(time.Now().Unix())

	members, err := q.client.ZRangeByScore(ctx, ingestTasksQueue, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling queue: %w", err)
	}
	if len(members) == 0 {
		return nil, nil // Nothing due yet
	}

	// ZRem is the claim; zero removals means another worker got there first.
	removed, err := q.client.ZRem(ctx, ingestTasksQueue, members[0]).Result()
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	if removed == 0 {
		return nil, nil
	}

	var task Task
	if err := json.Unmarshal([]byte(members[0]), &task); err != nil {
		return nil, fmt.Errorf("unmarshaling task: %w", err)
	}

	if err := q.client.SAdd(ctx, ingestTasksProcessing, members[0]).Err(); err != nil {
		q.client.ZAdd(ctx, ingestTasksQueue, redis.Z{Score: now, Member: members[0]})
		return nil, fmt.Errorf("marking task as processing: %w", err)
	}

	now2 := time.Now()
	state, _ := q.GetTaskState(ctx, task.ID)
	if state == nil {
		state = &TaskState{TaskID: task.ID, EnqueuedAt: task.EnqueuedAt}
	}
	state.Status = models.TaskStatusRunning
	state.Attempts = task.Attempts + 1
	state.WorkerID = workerID
	state.StartedAt = &now2
	_ = q.updateState(ctx, state)

	return &task, nil
}

// Complete acknowledges a task after its run has committed.
func (q *Queue) Complete(ctx context.Context, task *Task, runID int64) error {
	q.removeProcessing(ctx, task)

	now := time.Now()
	state, _ := q.GetTaskState(ctx, task.ID)
	if state == nil {
		state = &TaskState{TaskID: task.ID, EnqueuedAt: task.EnqueuedAt}
	}
	state.Status = models.TaskStatusCompleted
	state.RunID = &runID
	state.CompletedAt = &now

	return q.updateState(ctx, state)
}

// RetryOrFail reschedules a failed task with exponential backoff
// (retry_backoff * 2^attempt), or marks it failed once attempts are
// exhausted. Failed tasks are parked in a set rather than dropped.
func (q *Queue) RetryOrFail(ctx context.Context, task *Task, errMsg string) (retried bool, err error) {
	q.removeProcessing(ctx, task)

	task.Attempts++

	state, _ := q.GetTaskState(ctx, task.ID)
	if state == nil {
		state = &TaskState{TaskID: task.ID, EnqueuedAt: task.EnqueuedAt}
	}
	state.Attempts = task.Attempts
	state.Errors = append(state.Errors, errMsg)

	if task.Attempts > q.maxRetries {
		return false, q.failTask(ctx, task, state)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("marshaling task: %w", err)
	}

	backoff := time.Duration(float64(q.retryBackoff) * math.Pow(2, float64(task.Attempts-1)))
	if err := q.client.ZAdd(ctx, ingestTasksQueue, redis.Z{
		Score:  float64(time.Now().Add(backoff).Unix()),
		Member: string(data),
	}).Err(); err != nil {
		return false, fmt.Errorf("requeueing task: %w", err)
	}

	state.Status = models.TaskStatusPending
	return true, q.updateState(ctx, state)
}

// Fail marks a task permanently failed without further retries.
func (q *Queue) Fail(ctx context.Context, task *Task, errMsg string) error {
	q.removeProcessing(ctx, task)

	state, _ := q.GetTaskState(ctx, task.ID)
	if state == nil {
		state = &TaskState{TaskID: task.ID, EnqueuedAt: task.EnqueuedAt}
	}
	state.Errors = append(state.Errors, errMsg)

	return q.failTask(ctx, task, state)
}

func (q *Queue) failTask(ctx context.Context, task *Task, state *TaskState) error {
	data, _ := json.Marshal(task)
	if err := q.client.SAdd(ctx, ingestTasksFailed, string(data)).Err(); err != nil {
		return fmt.Errorf("parking failed task: %w", err)
	}

	now := time.Now()
	state.Status = models.TaskStatusFailed
	state.CompletedAt = &now
	return q.updateState(ctx, state)
}

func (q *Queue) removeProcessing(ctx context.Context, task *Task) {
	data, _ := json.Marshal(task)
	q.client.SRem(ctx, ingestTasksProcessing, string(data))
}

func (q *Queue) updateState(ctx context.Context, state *TaskState) error {
	state.UpdatedAt = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling task state: %w", err)
	}

	key := taskStatusPrefix + state.TaskID.String()
	if err := q.client.Set(ctx, key, string(data), taskStatusTTL).Err(); err != nil {
		return fmt.Errorf("updating task state: %w", err)
	}

	return nil
}

func (q *Queue) GetTaskState(ctx context.Context, taskID uuid.UUID) (*TaskState, error) {
	key := taskStatusPrefix + taskID.String()
	data, err := q.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting task state: %w", err)
	}

	var state TaskState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("unmarshaling task state: %w", err)
	}

	return &state, nil
}

func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	pending, _ := q.client.ZCard(ctx, ingestTasksQueue).Result()
	processing, _ := q.client.SCard(ctx, ingestTasksProcessing).Result()
	failed, _ := q.client.SCard(ctx, ingestTasksFailed).Result()

	stats["pending"] = pending
	stats["processing"] = processing
	stats["failed"] = failed

	return stats, nil
}

func (q *Queue) WorkerHeartbeat(ctx context.Context, workerID string) error {
	return q.client.HSet(ctx, workerHeartbeatKey, workerID, time.Now().Unix()).Err()
}

func (q *Queue) ActiveWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	workers, err := q.client.HGetAll(ctx, workerHeartbeatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("getting workers: %w", err)
	}

	var active []string
	cutoff := time.Now().Add(-timeout).Unix()

	for workerID, lastSeen := range workers {
		var ts int64
		_, _ = fmt.Sscanf(lastSeen, "%d", &ts)
		if ts > cutoff {
			active = append(active, workerID)
		}
	}

	return active, nil
}

// RequeueStale returns tasks abandoned by crashed workers to the queue.
// Because acknowledgement happens only after commit, a redelivered task was
// never committed and is safe to run again.
func (q *Queue) RequeueStale(ctx context.Context, timeout time.Duration) (int, error) {
	members, err := q.client.SMembers(ctx, ingestTasksProcessing).Result()
	if err != nil {
		return 0, fmt.Errorf("getting processing tasks: %w", err)
	}

	requeued := 0
	for _, member := range members {
		var task Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			continue
		}

		state, err := q.GetTaskState(ctx, task.ID)
		if err != nil || state == nil {
			continue
		}

		if time.Since(state.UpdatedAt) > timeout {
			q.client.SRem(ctx, ingestTasksProcessing, member)

			task.Attempts++
			if task.Attempts > q.maxRetries {
				state.Errors = append(state.Errors, "worker lost")
				_ = q.failTask(ctx, &task, state)
			} else {
				data, _ := json.Marshal(task)
				q.client.ZAdd(ctx, ingestTasksQueue, redis.Z{
					Score:  float64(time.Now().Unix()),
					Member: string(data),
				})
				state.Status = models.TaskStatusPending
				state.Attempts = task.Attempts
				_ = q.updateState(ctx, state)
			}
			requeued++
		}
	}

	return requeued, nil
}
