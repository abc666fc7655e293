package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-nvr/backend/internal/models"
)

const (
	// QueueIndex is the Redis list key for index jobs.
	QueueIndex = "nvr:index"
	// QueueDLQ is the dead-letter queue for jobs that exhausted their retries.
	QueueDLQ = "nvr:index:dlq"
	// DefaultMaxRetries is the number of attempts before a job moves to the DLQ.
	DefaultMaxRetries = 5
	// RetryBackoff is the delay between retries.
	RetryBackoff = 2 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeIndex JobType = "index"
)

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// IndexRequest decodes the payload of an index job.
func (j *Job) IndexRequest() (models.IndexRequest, error) {
	var req models.IndexRequest
	if j.Type != JobTypeIndex {
		return req, fmt.Errorf("unknown job type: %s", j.Type)
	}
	if err := json.Unmarshal(j.Payload, &req); err != nil {
		return req, fmt.Errorf("unmarshal payload: %w", err)
	}
	return req, nil
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client     *redis.Client
	logger     *zap.Logger
	MaxRetries int
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger, MaxRetries: DefaultMaxRetries}
}

// Invoke enqueues an index job. It lets the normalizer hand off to the
// indexer asynchronously.
func (q *Queue) Invoke(ctx context.Context, req models.IndexRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypeIndex,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueIndex, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued index job", zap.String("job_id", job.ID), zap.String("key", req.Key))
	return nil
}

// Dequeue waits up to timeout for a job. It returns nil, nil on timeout or
// when the entry is not a valid job.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, QueueIndex).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. Once attempts reach
// MaxRetries the job is pushed to the DLQ instead and dead is true.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error) (dead bool, err error) {
	job.Attempt++
	if cause != nil {
		job.LastError = cause.Error()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if job.Attempt >= q.MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return false, err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return true, nil
	}
	if err := q.client.RPush(ctx, QueueIndex, raw).Err(); err != nil {
		return false, err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return false, nil
}

// DeadLetters returns up to limit jobs from the DLQ, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	raws, err := q.client.LRange(ctx, QueueDLQ, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Ping checks the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
