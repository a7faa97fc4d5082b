package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/core/fault"
)

// Task types.
const (
	TypeChunk      = "chunk:process"
	TypeCompletion = "chunk:complete"
)

// AsynqConfig configures the Redis-backed transport.
type AsynqConfig struct {
	RedisURL     string
	Concurrency  int
	ChunkTimeout time.Duration
	Redeliveries int
	Retention    time.Duration
}

// Asynq carries assignments and completions over Redis. A task stays
// leased until its handler returns, so a crashed worker's chunk is
// redelivered after the lease expires.
type Asynq struct {
	cfg    AsynqConfig
	redis  asynq.RedisConnOpt
	client *asynq.Client
	log    *slog.Logger
}

// NewAsynq creates the Redis transport.
func NewAsynq(cfg AsynqConfig) (*Asynq, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Asynq{
		cfg:    cfg,
		redis:  opt,
		client: asynq.NewClient(opt),
		log:    slog.Default().With("component", "queue", "backend", "asynq"),
	}, nil
}

// ChunkTaskID is the dedup key of one chunk attempt.
func ChunkTaskID(a domain.ChunkAssignment) string {
	return fmt.Sprintf("%s:%d", a.ChunkID, a.Attempt)
}

// NewChunkTask encodes an assignment.
func NewChunkTask(a domain.ChunkAssignment) (*asynq.Task, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode assignment: %w", err)
	}
	return asynq.NewTask(TypeChunk, payload), nil
}

// NewCompletionTask encodes a completion.
func NewCompletionTask(c domain.Completion) (*asynq.Task, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion: %w", err)
	}
	return asynq.NewTask(TypeCompletion, payload), nil
}

// Dispatch implements Dispatcher. Enqueuing the same attempt twice is a no-op.
func (q *Asynq) Dispatch(ctx context.Context, a domain.ChunkAssignment) (string, error) {
	task, err := NewChunkTask(a)
	if err != nil {
		return "", err
	}
	id := ChunkTaskID(a)
	opts := []asynq.Option{
		asynq.Queue(QueueFor(a.Priority)),
		asynq.TaskID(id),
		asynq.MaxRetry(q.cfg.Redeliveries),
		asynq.Retention(q.cfg.Retention),
	}
	if q.cfg.ChunkTimeout > 0 {
		opts = append(opts, asynq.Timeout(q.cfg.ChunkTimeout))
	}

	info, err := q.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return id, nil
	}
	if err != nil {
		return "", fault.Wrap(fault.KindBrokerConnection, "enqueue chunk", err)
	}
	q.log.Debug("Chunk enqueued", "task", info.ID, "queue", info.Queue)
	return info.ID, nil
}

// Report implements Reporter.
func (q *Asynq) Report(ctx context.Context, c domain.Completion) error {
	task, err := NewCompletionTask(c)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueCompletions),
		asynq.TaskID(fmt.Sprintf("%s:%d:done", c.ChunkID, c.Attempt)),
		asynq.MaxRetry(q.cfg.Redeliveries),
		asynq.Retention(q.cfg.Retention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fault.Wrap(fault.KindBrokerConnection, "enqueue completion", err)
	}
	return nil
}

func (q *Asynq) server(queues map[string]int, concurrency int) *asynq.Server {
	return asynq.NewServer(q.redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
		Logger:      &slogLogger{log: q.log},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			q.log.Error("Task failed", "task", id, "type", task.Type(), "error", err)
		}),
		ShutdownTimeout: 30 * time.Second,
	})
}

// ServeChunks consumes chunk tasks until ctx is done.
func (q *Asynq) ServeChunks(ctx context.Context, handler ChunkHandler) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeChunk, func(ctx context.Context, t *asynq.Task) error {
		var a domain.ChunkAssignment
		if err := json.Unmarshal(t.Payload(), &a); err != nil {
			return fmt.Errorf("decode assignment: %v: %w", err, asynq.SkipRetry)
		}
		return handler(ctx, a)
	})
	srv := q.server(map[string]int{QueueHigh: 6, QueueDefault: 3, QueueLow: 1}, q.cfg.Concurrency)
	return run(ctx, srv, mux)
}

// ServeCompletions consumes completion tasks until ctx is done. A handler
// error leaves the task for redelivery.
func (q *Asynq) ServeCompletions(ctx context.Context, handler CompletionHandler) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeCompletion, func(ctx context.Context, t *asynq.Task) error {
		var c domain.Completion
		if err := json.Unmarshal(t.Payload(), &c); err != nil {
			return fmt.Errorf("decode completion: %v: %w", err, asynq.SkipRetry)
		}
		return handler(ctx, c)
	})
	srv := q.server(map[string]int{QueueCompletions: 1}, 2)
	return run(ctx, srv, mux)
}

func run(ctx context.Context, srv *asynq.Server, mux *asynq.ServeMux) error {
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

// Close closes the client.
func (q *Asynq) Close() error {
	return q.client.Close()
}

// slogLogger adapts asynq's logger onto slog.
type slogLogger struct {
	log *slog.Logger
}

func (l *slogLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l *slogLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l *slogLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l *slogLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l *slogLogger) Fatal(args ...interface{}) {
	l.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}
