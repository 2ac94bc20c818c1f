package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Queue carries stage jobs. Enqueueing a job that is already held is a no-op.
type Queue interface {
	EnqueueTranscription(ctx context.Context, callSID string) error
	EnqueueAnalysis(ctx context.Context, callSID string) error
}

// AsynqQueue enqueues stage jobs on Redis. Jobs never retry: a stage that
// fails is recorded as failed on the call.
type AsynqQueue struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

func NewAsynqQueue(rdb redis.UniversalClient, queue string, stageTimeout time.Duration) *AsynqQueue {
	if queue == "" {
		queue = "default"
	}
	return &AsynqQueue{
		client:  asynq.NewClientFromRedisClient(rdb),
		queue:   queue,
		timeout: stageTimeout,
	}
}

func (q *AsynqQueue) EnqueueTranscription(ctx context.Context, callSID string) error {
	return q.enqueue(ctx, TaskTranscribe, callSID)
}

func (q *AsynqQueue) EnqueueAnalysis(ctx context.Context, callSID string) error {
	return q.enqueue(ctx, TaskAnalyze, callSID)
}

func (q *AsynqQueue) enqueue(ctx context.Context, taskType, callSID string) error {
	task, err := NewStageTask(taskType, callSID)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.Queue(q.queue),
		asynq.TaskID(TaskID(taskType, callSID)),
		asynq.MaxRetry(0),
	}
	if q.timeout > 0 {
		// headroom over the stage's own deadline so the stage records its failure
		opts = append(opts, asynq.Timeout(q.timeout+30*time.Second))
	}
	_, err = q.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// LocalQueue is an in-process queue for local runs and tests.
type LocalQueue struct {
	jobs chan localJob
	log  *slog.Logger

	mu   sync.Mutex
	held map[string]struct{}
}

type localJob struct {
	taskType string
	callSID  string
}

func NewLocalQueue(size int, log *slog.Logger) *LocalQueue {
	if size <= 0 {
		size = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &LocalQueue{jobs: make(chan localJob, size), log: log, held: map[string]struct{}{}}
}

func (q *LocalQueue) EnqueueTranscription(ctx context.Context, callSID string) error {
	return q.push(TaskTranscribe, callSID)
}

func (q *LocalQueue) EnqueueAnalysis(ctx context.Context, callSID string) error {
	return q.push(TaskAnalyze, callSID)
}

func (q *LocalQueue) push(taskType, callSID string) error {
	if callSID == "" {
		return errors.New("pipeline: call sid is required")
	}
	id := TaskID(taskType, callSID)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.held[id]; ok {
		return nil
	}
	select {
	case q.jobs <- localJob{taskType: taskType, callSID: callSID}:
		q.held[id] = struct{}{}
		return nil
	default:
		return fmt.Errorf("pipeline: local queue full (%d jobs)", cap(q.jobs))
	}
}

// Len reports queued jobs not yet taken by Run.
func (q *LocalQueue) Len() int { return len(q.jobs) }

// Run executes jobs one at a time until ctx is done.
func (q *LocalQueue) Run(ctx context.Context, r *Runner) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-q.jobs:
			q.dispatch(ctx, r, job)
		}
	}
}

// Drain executes every queued job, including jobs enqueued while draining.
func (q *LocalQueue) Drain(ctx context.Context, r *Runner) int {
	n := 0
	for {
		select {
		case job := <-q.jobs:
			q.dispatch(ctx, r, job)
			n++
		default:
			return n
		}
	}
}

func (q *LocalQueue) dispatch(ctx context.Context, r *Runner, job localJob) {
	defer func() {
		q.mu.Lock()
		delete(q.held, TaskID(job.taskType, job.callSID))
		q.mu.Unlock()
	}()
	var err error
	switch job.taskType {
	case TaskTranscribe:
		err = r.Transcribe(ctx, job.callSID)
	case TaskAnalyze:
		err = r.Analyze(ctx, job.callSID)
	}
	if err != nil {
		q.log.ErrorContext(ctx, "local stage job failed",
			slog.String("task", job.taskType),
			slog.String("call_sid", job.callSID),
			slog.Any("err", err),
		)
	}
}
