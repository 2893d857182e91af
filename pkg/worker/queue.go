package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	jobQueueKey = "kiln:jobs"
	// Each worker owns processingKey:<workerID>; jobs sit there while running.
	processingKey = "kiln:processing"
)

// ErrNoJob is returned by Dequeue when no job arrived within its poll timeout.
var ErrNoJob = errors.New("no job available")

// NewRedisClient connects to the configured Redis and checks it answers.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Queue is a reliable Redis list queue: jobs are moved atomically to a
// per-worker processing list and only removed once handled.
type Queue struct {
	client      redis.UniversalClient
	logger      *zap.SugaredLogger
	pollTimeout time.Duration
}

func NewQueue(client redis.UniversalClient, logger *zap.SugaredLogger) *Queue {
	return &Queue{client: client, logger: logger, pollTimeout: time.Second}
}

func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	data, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	// LPUSH on the head, BRPOPLPUSH from the tail: FIFO.
	if err := q.client.LPush(ctx, jobQueueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	q.logger.Debugf("Enqueued job: %s", job.ID)
	return nil
}

// Dequeue waits up to the poll timeout for a job. It returns ErrNoJob when
// none arrived so callers can check for shutdown.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	processingListKey := processingKey + ":" + workerID

	result, err := q.client.BRPopLPush(ctx, jobQueueKey, processingListKey, q.pollTimeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJob
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	job, err := UnmarshalJob([]byte(result))
	if err != nil {
		q.client.LRem(ctx, processingListKey, 1, result)
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, nil
}

// Complete removes a handled job from the worker's processing list.
func (q *Queue) Complete(ctx context.Context, workerID string, job *Job) error {
	payload := job.raw
	if payload == "" {
		data, err := job.Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal job for removal: %w", err)
		}
		payload = string(data)
	}
	if err := q.client.LRem(ctx, processingKey+":"+workerID, 1, payload).Err(); err != nil {
		return fmt.Errorf("failed to remove job from processing list: %w", err)
	}
	q.logger.Debugf("Completed job: %s", job.ID)
	return nil
}

// Requeue puts a job back on the queue with its retry count incremented.
func (q *Queue) Requeue(ctx context.Context, workerID string, job *Job) error {
	if err := q.Complete(ctx, workerID, job); err != nil {
		q.logger.Warnf("Failed to remove job from processing list during requeue: %v", err)
	}
	job.Retries++
	job.raw = ""
	return q.Enqueue(ctx, job)
}

// Fail drops a job for good.
func (q *Queue) Fail(ctx context.Context, workerID string, job *Job) error {
	return q.Complete(ctx, workerID, job)
}

// Recover moves jobs left in a worker's processing list by a previous crash
// back onto the queue. It returns how many were moved.
func (q *Queue) Recover(ctx context.Context, workerID string) (int, error) {
	processingListKey := processingKey + ":" + workerID
	n := 0
	for {
		err := q.client.RPopLPush(ctx, processingListKey, jobQueueKey).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to recover jobs of %s: %w", workerID, err)
		}
		n++
	}
}

func (q *Queue) QueueLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, jobQueueKey).Result()
}
