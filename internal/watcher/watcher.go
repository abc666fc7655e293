// Package watcher polls shared storage for finished segment files. A file is
// ready once its size and modification time are unchanged across two
// consecutive polls; each ready file is emitted once per seen-cache lifetime.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/aura-nvr/backend/internal/metadata"
	"github.com/aura-nvr/backend/internal/metrics"
	"github.com/aura-nvr/backend/internal/models"
)

// Queue policies applied when the upload queue is full.
const (
	PolicyBlock = "block"
	PolicyDrop  = "drop"
)

const notifyDebounce = time.Second

// Options configures a Watcher.
type Options struct {
	Root        string
	Interval    time.Duration
	Extensions  []string
	Retention   time.Duration
	MaxSeen     int
	QueuePolicy string
	UseFSNotify bool
}

type observation struct {
	size    int64
	modTime time.Time
}

// Watcher emits ready files to out. Poll and Run must not be called
// concurrently.
type Watcher struct {
	opts      Options
	exts      map[string]bool
	extractor *metadata.Extractor
	out       chan<- models.LocalFile
	seen      *SeenCache
	pending   map[string]observation
	logger    *zap.Logger
}

// New creates a watcher.
func New(opts Options, extractor *metadata.Extractor, out chan<- models.LocalFile, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.QueuePolicy == "" {
		opts.QueuePolicy = PolicyBlock
	}
	exts := make(map[string]bool, len(opts.Extensions))
	for _, e := range opts.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &Watcher{
		opts:      opts,
		exts:      exts,
		extractor: extractor,
		out:       out,
		seen:      NewSeenCache(opts.Retention, opts.MaxSeen),
		pending:   make(map[string]observation),
		logger:    logger,
	}
}

// Run polls until ctx is cancelled. Filesystem notifications, when enabled,
// only bring the next poll forward.
func (w *Watcher) Run(ctx context.Context) error {
	var hints <-chan struct{}
	if w.opts.UseFSNotify {
		ch, closeFn, err := w.notify(ctx)
		if err != nil {
			w.logger.Warn("fsnotify unavailable, polling only", zap.Error(err))
		} else {
			defer closeFn()
			hints = ch
		}
	}

	w.logger.Info("watcher started",
		zap.String("root", w.opts.Root),
		zap.Duration("interval", w.opts.Interval),
		zap.String("queue_policy", w.opts.QueuePolicy),
	)
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("poll failed", zap.String("root", w.opts.Root), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return nil
		case <-ticker.C:
		case <-hints:
		}
	}
}

// Poll performs one pass over Root and returns how many files were emitted.
// Unreadable entries are logged and skipped; only an unreadable root or a
// cancelled context is returned as an error.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	if _, err := os.Stat(w.opts.Root); err != nil {
		metrics.WatchErrors.Inc()
		return 0, err
	}
	visited := make(map[string]bool, len(w.pending))
	emitted := 0
	err := filepath.WalkDir(w.opts.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			metrics.WatchErrors.Inc()
			w.logger.Warn("skipping unreadable path", zap.String("path", p), zap.Error(err))
			if d != nil && d.IsDir() && p != w.opts.Root {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !d.Type().IsRegular() || !w.accepts(p) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			metrics.WatchErrors.Inc()
			w.logger.Warn("skipping unreadable file", zap.String("path", p), zap.Error(err))
			return nil
		}
		visited[p] = true
		ok, err := w.observe(ctx, p, info)
		if ok {
			emitted++
		}
		return err
	})
	for p := range w.pending {
		if !visited[p] {
			delete(w.pending, p)
		}
	}
	w.seen.Prune()
	metrics.SeenEntries.Set(float64(w.seen.Len()))
	return emitted, err
}

// observe records one poll sighting and emits the file once it is stable.
func (w *Watcher) observe(ctx context.Context, p string, info fs.FileInfo) (bool, error) {
	obs := observation{size: info.Size(), modTime: info.ModTime()}
	rel, err := filepath.Rel(w.opts.Root, p)
	if err != nil {
		rel = filepath.Base(p)
	}
	f := models.LocalFile{Path: p, RelPath: filepath.ToSlash(rel), Size: obs.size, ModTime: obs.modTime}
	key := f.Key()
	if w.seen.Contains(key) {
		return false, nil
	}
	prev, ok := w.pending[p]
	if !ok || prev.size != obs.size || !prev.modTime.Equal(obs.modTime) {
		w.pending[p] = obs
		return false, nil
	}

	id, err := w.extractor.Extract(f.RelPath)
	if err != nil {
		metrics.WatchErrors.Inc()
		w.logger.Warn("ignoring file with unrecognized name", zap.String("path", p), zap.Error(err))
		w.seen.Add(key)
		delete(w.pending, p)
		return false, nil
	}
	f.Identity = id

	switch w.opts.QueuePolicy {
	case PolicyDrop:
		select {
		case w.out <- f:
		default:
			metrics.FilesDropped.Inc()
			w.logger.Warn("upload queue full, dropping until next poll", zap.String("path", p))
			return false, nil
		}
	default:
		select {
		case w.out <- f:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	w.seen.Add(key)
	delete(w.pending, p)
	metrics.FilesDetected.Inc()
	w.logger.Debug("file ready", zap.String("path", p), zap.String("camera_id", id.CameraID), zap.Int64("size", f.Size))
	return true, nil
}

func (w *Watcher) accepts(p string) bool {
	if len(w.exts) == 0 {
		return true
	}
	return w.exts[strings.ToLower(filepath.Ext(p))]
}

// notify watches Root and its subdirectories and signals, debounced, when
// anything changes.
func (w *Watcher) notify(ctx context.Context) (<-chan struct{}, func(), error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	err = filepath.WalkDir(w.opts.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if aerr := fw.Add(p); aerr != nil {
			w.logger.Warn("fsnotify add", zap.String("path", p), zap.Error(aerr))
		}
		return nil
	})
	if err != nil {
		fw.Close()
		return nil, nil, err
	}

	hints := make(chan struct{}, 1)
	go func() {
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) {
					if info, serr := os.Stat(ev.Name); serr == nil && info.IsDir() {
						_ = fw.Add(ev.Name)
					}
				}
				if timer == nil {
					timer = time.NewTimer(notifyDebounce)
				} else {
					timer.Reset(notifyDebounce)
				}
				fire = timer.C
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				if !errors.Is(err, fsnotify.ErrEventOverflow) {
					w.logger.Warn("fsnotify error", zap.Error(err))
				}
			case <-fire:
				fire = nil
				select {
				case hints <- struct{}{}:
				default:
				}
			}
		}
	}()
	return hints, func() { fw.Close() }, nil
}
