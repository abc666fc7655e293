// Package cloudsync uploads stable segment files from shared storage to the
// object store under the raw prefix. Uploads are idempotent: a segment already
// present under its canonical or raw key is not uploaded again.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aura-nvr/backend/internal/apperr"
	"github.com/aura-nvr/backend/internal/failures"
	"github.com/aura-nvr/backend/internal/metadata"
	"github.com/aura-nvr/backend/internal/metrics"
	"github.com/aura-nvr/backend/internal/models"
	"github.com/aura-nvr/backend/pkg/storage"
)

// ObjectStore is the subset of the object store the uploader needs.
type ObjectStore interface {
	Head(ctx context.Context, key string) (*storage.ObjectInfo, error)
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string, meta map[string]string) error
}

const (
	RetentionKeep   = "keep"
	RetentionDelete = "delete"
)

// Result describes how one file was handled.
type Result string

const (
	ResultUploaded  Result = "uploaded"
	ResultDuplicate Result = "duplicate"
	ResultSkipped   Result = "skipped"
	ResultFailed    Result = "failed"
)

// Options tunes the worker pool.
type Options struct {
	Concurrency      int
	MaxBandwidthMbps int
	RetryAttempts    int
	RetryBase        time.Duration
	RetryMax         time.Duration
	RetentionPolicy  string
	DrainTimeout     time.Duration
}

// Stats is a point-in-time snapshot of uploader activity.
type Stats struct {
	Uploaded   int64                       `json:"uploaded"`
	Duplicates int64                       `json:"duplicates"`
	Failed     int64                       `json:"failed"`
	Bytes      int64                       `json:"bytes"`
	InFlight   int64                       `json:"in_flight"`
	States     map[models.UploadStatus]int `json:"states"`
}

// Uploader drains ready files from a channel with a fixed pool of workers.
type Uploader struct {
	store     ObjectStore
	extractor *metadata.Extractor
	states    *StateStore
	reporter  *failures.Reporter
	limiter   *rate.Limiter
	opts      Options
	logger    *zap.Logger

	uploaded   atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
	bytes      atomic.Int64
	inFlight   atomic.Int64
}

// New creates an uploader. A nil states store gets a fresh one with a one
// hour retention.
func New(store ObjectStore, extractor *metadata.Extractor, states *StateStore, reporter *failures.Reporter, opts Options, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		reporter = failures.NewReporter(nil, logger)
	}
	if states == nil {
		states = NewStateStore(time.Hour)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 5 * time.Minute
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if opts.RetentionPolicy == "" {
		opts.RetentionPolicy = RetentionKeep
	}
	return &Uploader{
		store:     store,
		extractor: extractor,
		states:    states,
		reporter:  reporter,
		limiter:   NewBandwidthLimiter(opts.MaxBandwidthMbps),
		opts:      opts,
		logger:    logger,
	}
}

// Run starts the workers and blocks until ctx is cancelled or in is closed.
// After cancellation no new files are taken; uploads already running get
// DrainTimeout to finish before they are aborted.
func (u *Uploader) Run(ctx context.Context, in <-chan models.LocalFile) error {
	work, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	done := make(chan struct{})
	var drain sync.WaitGroup
	drain.Add(1)
	go func() {
		defer drain.Done()
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		timer := time.NewTimer(u.opts.DrainTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			u.logger.Warn("drain timeout reached, aborting uploads", zap.Int64("in_flight", u.inFlight.Load()))
			abort()
		}
	}()

	u.logger.Info("uploader started", zap.Int("concurrency", u.opts.Concurrency), zap.Int("max_bandwidth_mbps", u.opts.MaxBandwidthMbps))

	var g errgroup.Group
	for i := 0; i < u.opts.Concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case f, ok := <-in:
					if !ok {
						return nil
					}
					u.Process(work, f)
				}
			}
		})
	}
	err := g.Wait()
	close(done)
	drain.Wait()
	u.logger.Info("uploader stopped", zap.Any("stats", u.Stats()))
	return err
}

// Process handles one file end to end.
func (u *Uploader) Process(ctx context.Context, f models.LocalFile) Result {
	key := f.Key()
	if !u.states.Detect(f) {
		metrics.Uploads.WithLabelValues(string(ResultSkipped)).Inc()
		return ResultSkipped
	}

	start := time.Now()
	res, attempts, err := u.process(ctx, key, f)
	metrics.UploadDuration.Observe(time.Since(start).Seconds())
	metrics.Uploads.WithLabelValues(string(res)).Inc()

	switch res {
	case ResultUploaded:
		u.uploaded.Add(1)
		u.bytes.Add(f.Size)
		metrics.UploadBytes.Add(float64(f.Size))
		u.applyRetention(f)
	case ResultDuplicate:
		u.duplicates.Add(1)
		u.applyRetention(f)
	case ResultSkipped:
		u.states.Forget(key)
	case ResultFailed:
		u.failed.Add(1)
		u.states.Transition(key, models.UploadFailed, err)
		u.reporter.Report(context.WithoutCancel(ctx), models.StageUpload, f.Path, attempts, err)
	}
	return res
}

func (u *Uploader) process(ctx context.Context, key string, f models.LocalFile) (Result, int, error) {
	id, err := u.extractor.Extract(f.RelPath)
	if err != nil {
		return ResultFailed, 1, err
	}
	info, err := os.Stat(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			u.logger.Warn("file vanished before upload", zap.String("path", f.Path))
			return ResultSkipped, 0, nil
		}
		return ResultFailed, 1, fmt.Errorf("stat %s: %w", f.Path, err)
	}
	if info.Size() != f.Size || !info.ModTime().Equal(f.ModTime) {
		u.logger.Info("file changed since detection, deferring", zap.String("path", f.Path))
		return ResultSkipped, 0, nil
	}
	u.states.Transition(key, models.UploadValidated, nil)

	name := path.Base(f.RelPath)
	canonical := metadata.CanonicalKey(id, name)
	raw := u.extractor.RawKeyFor(id, name)

	b := retry.NewExponential(u.opts.RetryBase)
	b = retry.WithCappedDuration(u.opts.RetryMax, b)
	b = retry.WithMaxRetries(uint64(u.opts.RetryAttempts-1), b)

	var (
		res      Result
		attempts int
	)
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		u.states.Transition(key, models.UploadUploading, nil)
		var uerr error
		res, uerr = u.attempt(ctx, f, id, name, canonical, raw)
		if uerr != nil && apperr.IsTransient(uerr) {
			u.states.Transition(key, models.UploadValidated, uerr)
			u.logger.Warn("upload failed, retrying",
				zap.String("path", f.Path), zap.Int("attempt", attempts), zap.Error(uerr))
			return retry.RetryableError(uerr)
		}
		return uerr
	})
	if err != nil {
		if ctx.Err() != nil {
			u.logger.Warn("upload aborted", zap.String("path", f.Path), zap.Int("attempts", attempts), zap.Error(err))
			return ResultSkipped, attempts, nil
		}
		return ResultFailed, attempts, err
	}
	u.states.Transition(key, models.UploadUploaded, nil)
	return res, attempts, nil
}

// attempt checks for an existing copy then uploads. Duplicates under the
// canonical key win over the raw key. A raw object whose metadata names a
// different segment is waiting for normalization and is retried later.
func (u *Uploader) attempt(ctx context.Context, f models.LocalFile, id models.SegmentIdentity, name, canonical, raw string) (Result, error) {
	for _, k := range []string{canonical, raw} {
		info, err := u.store.Head(ctx, k)
		if err == nil {
			if !metadata.SameSegment(info.Metadata, id) {
				return "", apperr.Transient(fmt.Errorf("%s holds another segment", k))
			}
			u.logger.Info("segment already in object storage", zap.String("path", f.Path), zap.String("key", k))
			u.states.SetObjectKey(f.Key(), k)
			return ResultDuplicate, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return "", fmt.Errorf("check %s: %w", k, err)
		}
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer file.Close()

	u.inFlight.Add(1)
	metrics.UploadsInFlight.Inc()
	defer func() {
		u.inFlight.Add(-1)
		metrics.UploadsInFlight.Dec()
	}()

	body := newLimitedReader(ctx, file, u.limiter)
	if err := u.store.Upload(ctx, raw, body, f.Size, ContentType(name), metadata.ObjectMetadata(id, f.RelPath)); err != nil {
		return "", fmt.Errorf("upload %s: %w", raw, err)
	}
	u.states.SetObjectKey(f.Key(), raw)
	u.logger.Info("uploaded segment",
		zap.String("path", f.Path),
		zap.String("key", raw),
		zap.String("camera_id", id.CameraID),
		zap.Int64("size", f.Size),
	)
	return ResultUploaded, nil
}

func (u *Uploader) applyRetention(f models.LocalFile) {
	if u.opts.RetentionPolicy != RetentionDelete {
		return
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		u.logger.Warn("delete local file after upload", zap.String("path", f.Path), zap.Error(err))
		return
	}
	u.logger.Debug("deleted local file", zap.String("path", f.Path))
}

// Evict drops terminal state records past their retention.
func (u *Uploader) Evict() int {
	return u.states.Evict()
}

// Failed returns the records of files whose upload gave up. They stay on
// local storage and are retried when the watcher reports them again.
func (u *Uploader) Failed() []models.UploadState {
	return u.states.Failed()
}

// Stats returns a snapshot of counters and state counts.
func (u *Uploader) Stats() Stats {
	return Stats{
		Uploaded:   u.uploaded.Load(),
		Duplicates: u.duplicates.Load(),
		Failed:     u.failed.Load(),
		Bytes:      u.bytes.Load(),
		InFlight:   u.inFlight.Load(),
		States:     u.states.Counts(),
	}
}

var contentTypes = map[string]string{
	".dav": "video/x-dav",
	".mp4": "video/mp4",
	".mkv": "video/x-matroska",
	".avi": "video/x-msvideo",
	".ts":  "video/mp2t",
}

// ContentType maps a segment extension to a MIME type.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
