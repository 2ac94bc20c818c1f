package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

type WorkerConfig struct {
	Queue       string
	Concurrency int
}

// Worker consumes stage jobs from Redis and hands them to the Runner.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *Runner
	log    *slog.Logger
}

func NewWorker(rdb redis.UniversalClient, cfg WorkerConfig, runner *Runner, log *slog.Logger) *Worker {
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if log == nil {
		log = slog.Default()
	}

	server := asynq.NewServerFromRedisClient(rdb, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			cfg.Queue: 1,
		},
		Logger:   asynqLogger{log: log},
		LogLevel: asynq.WarnLevel,
	})

	mux := asynq.NewServeMux()
	w := &Worker{server: server, mux: mux, runner: runner, log: log}
	mux.HandleFunc(TaskTranscribe, w.handleTranscribe)
	mux.HandleFunc(TaskAnalyze, w.handleAnalyze)
	return w
}

func (w *Worker) handleTranscribe(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseStagePayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return w.runner.Transcribe(ctx, payload.CallSID)
}

func (w *Worker) handleAnalyze(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseStagePayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return w.runner.Analyze(ctx, payload.CallSID)
}

// Run processes jobs until ctx is done, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("pipeline worker: %w", err)
	}
	w.log.InfoContext(ctx, "pipeline worker started")
	<-ctx.Done()
	w.server.Shutdown()
	w.log.Info("pipeline worker stopped")
	return nil
}

// asynqLogger routes asynq's internal logging into slog.
type asynqLogger struct {
	log *slog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...), slog.String("component", "asynq")) }
func (l asynqLogger) Info(args ...any)  { l.log.Info(fmt.Sprint(args...), slog.String("component", "asynq")) }
func (l asynqLogger) Warn(args ...any)  { l.log.Warn(fmt.Sprint(args...), slog.String("component", "asynq")) }
func (l asynqLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...), slog.String("component", "asynq")) }
func (l asynqLogger) Fatal(args ...any) { l.log.Error(fmt.Sprint(args...), slog.String("component", "asynq")) }
