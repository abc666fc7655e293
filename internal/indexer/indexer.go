// Package indexer writes index entries for canonical objects. Writes are
// conditional so repeated invocations for one segment converge on a single
// entry.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/aura-nvr/backend/internal/apperr"
	"github.com/aura-nvr/backend/internal/failures"
	"github.com/aura-nvr/backend/internal/metadata"
	"github.com/aura-nvr/backend/internal/metrics"
	"github.com/aura-nvr/backend/internal/models"
	"github.com/aura-nvr/backend/pkg/indextable"
	"github.com/aura-nvr/backend/pkg/storage"
)

// Table is the conditional index store.
type Table interface {
	PutIfAbsent(ctx context.Context, e models.IndexEntry) error
	Get(ctx context.Context, cameraID, sortKey string) (*models.IndexEntry, error)
}

// ObjectHeader reads object metadata.
type ObjectHeader interface {
	Head(ctx context.Context, key string) (*storage.ObjectInfo, error)
}

// Result describes how an index request was resolved.
type Result string

const (
	ResultInserted  Result = "inserted"
	ResultComposite Result = "composite"
	ResultDuplicate Result = "duplicate"
)

// Options tunes the write retry loop.
type Options struct {
	Attempts int
	Backoff  time.Duration
	MaxDelay time.Duration
}

// Indexer is safe for concurrent use.
type Indexer struct {
	table     Table
	objects   ObjectHeader
	extractor *metadata.Extractor
	reporter  *failures.Reporter
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// New creates an indexer.
func New(table Table, objects ObjectHeader, extractor *metadata.Extractor, reporter *failures.Reporter, opts Options, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		reporter = failures.NewReporter(nil, logger)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	return &Indexer{
		table:     table,
		objects:   objects,
		extractor: extractor,
		reporter:  reporter,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Invoke indexes req and records terminal failures in the ledger. Only
// transient failures are returned, so callers may redeliver.
func (x *Indexer) Invoke(ctx context.Context, req models.IndexRequest) error {
	res, attempts, err := x.Index(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		x.reporter.Report(ctx, models.StageIndex, req.Key, attempts, err)
		if apperr.IsTransient(err) {
			return err
		}
		return nil
	}
	x.logger.Info("indexed video", zap.String("key", req.Key), zap.String("result", string(res)))
	return nil
}

// Index performs the conditional write, retrying transient failures with
// exponential backoff. It reports the number of attempts made.
func (x *Indexer) Index(ctx context.Context, req models.IndexRequest) (Result, int, error) {
	id, err := x.extractor.ParseCanonicalKey(req.Key)
	if err != nil {
		metrics.Indexed.WithLabelValues("error").Inc()
		return "", 1, err
	}

	b := retry.NewExponential(x.opts.Backoff)
	b = retry.WithCappedDuration(x.opts.MaxDelay, b)
	b = retry.WithMaxRetries(uint64(x.opts.Attempts-1), b)

	var (
		res      Result
		attempts int
	)
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		var werr error
		res, werr = x.write(ctx, id, req)
		if apperr.IsTransient(werr) {
			x.logger.Warn("index write throttled, retrying", zap.String("key", req.Key), zap.Int("attempt", attempts), zap.Error(werr))
			return retry.RetryableError(werr)
		}
		return werr
	})
	if err != nil {
		metrics.Indexed.WithLabelValues("error").Inc()
		return "", attempts, err
	}
	metrics.Indexed.WithLabelValues(string(res)).Inc()
	return res, attempts, nil
}

func (x *Indexer) write(ctx context.Context, id models.SegmentIdentity, req models.IndexRequest) (Result, error) {
	info, err := x.objects.Head(ctx, req.Key)
	if err != nil {
		return "", fmt.Errorf("head canonical object: %w", err)
	}
	entry := models.IndexEntry{
		CameraID:    id.CameraID,
		SortKey:     indextable.SortKey(id.Start),
		Start:       id.Start,
		SiteID:      id.SiteID,
		Sequence:    id.Sequence,
		S3Key:       req.Key,
		FileSize:    info.Size,
		DurationSec: durationFromMeta(info.Metadata),
		CreatedAt:   x.now().UTC(),
	}
	if req.Size > 0 {
		entry.FileSize = req.Size
	}

	inserted, err := x.putOrMatch(ctx, entry)
	if err != nil {
		if !errors.Is(err, apperr.ErrCollision) {
			return "", err
		}
		entry.SortKey = indextable.CompositeSortKey(id.Start, id.Sequence)
		inserted, err = x.putOrMatch(ctx, entry)
		if err != nil {
			return "", err
		}
		if inserted {
			x.logger.Info("index collision resolved with sequence key",
				zap.String("camera_id", entry.CameraID), zap.String("sort_key", entry.SortKey), zap.String("key", req.Key))
			return ResultComposite, nil
		}
		return ResultDuplicate, nil
	}
	if inserted {
		return ResultInserted, nil
	}
	return ResultDuplicate, nil
}

// putOrMatch inserts e, or reports whether the existing item already points
// at the same object. A different object under the key is ErrCollision.
func (x *Indexer) putOrMatch(ctx context.Context, e models.IndexEntry) (bool, error) {
	err := x.table.PutIfAbsent(ctx, e)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, apperr.ErrConditionFailed) {
		return false, err
	}
	existing, gerr := x.table.Get(ctx, e.CameraID, e.SortKey)
	if gerr != nil {
		if errors.Is(gerr, apperr.ErrNotFound) {
			return false, apperr.Transient(fmt.Errorf("entry %s/%s vanished after conditional failure", e.CameraID, e.SortKey))
		}
		return false, gerr
	}
	if existing.S3Key == e.S3Key {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s/%s holds %s, wanted %s", apperr.ErrCollision, e.CameraID, e.SortKey, existing.S3Key, e.S3Key)
}

func durationFromMeta(meta map[string]string) *int {
	v, ok := meta["duration_sec"]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}
