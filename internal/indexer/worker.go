package indexer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aura-nvr/backend/internal/apperr"
	"github.com/aura-nvr/backend/internal/models"
	"github.com/aura-nvr/backend/pkg/queue"
)

// JobQueue is the index job queue.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job, cause error) (bool, error)
}

// Worker consumes index jobs queued by the normalizer.
type Worker struct {
	indexer *Indexer
	queue   JobQueue
	logger  *zap.Logger

	PollTimeout  time.Duration
	RetryBackoff time.Duration
}

// NewWorker creates a queue worker for x.
func NewWorker(x *Indexer, q JobQueue, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{indexer: x, queue: q, logger: logger, PollTimeout: 5 * time.Second, RetryBackoff: queue.RetryBackoff}
}

// Process executes one index job. Transient failures are returned for retry;
// other failures go to the ledger.
func (w *Worker) Process(ctx context.Context, job *queue.Job) error {
	req, err := job.IndexRequest()
	if err != nil {
		w.indexer.reporter.Report(ctx, models.StageIndex, job.ID, job.Attempt+1, err)
		return nil
	}
	res, attempts, err := w.indexer.Index(ctx, req)
	if err != nil {
		if apperr.IsTransient(err) || errors.Is(err, context.Canceled) {
			return err
		}
		w.indexer.reporter.Report(ctx, models.StageIndex, req.Key, job.Attempt+attempts, err)
		return nil
	}
	w.logger.Info("indexed video", zap.String("job_id", job.ID), zap.String("key", req.Key), zap.String("result", string(res)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("index worker stopping")
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, w.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, w.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		w.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := w.Process(ctx, job); err != nil {
			w.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			dead, reErr := w.queue.Retry(context.WithoutCancel(ctx), job, err)
			if reErr != nil {
				w.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			if dead {
				req, _ := job.IndexRequest()
				w.indexer.reporter.Report(ctx, models.StageIndex, req.Key, job.Attempt, err)
			}
			sleep(ctx, w.RetryBackoff)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
