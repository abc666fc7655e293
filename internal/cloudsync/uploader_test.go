package cloudsync

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/aura-nvr/backend/internal/apperr"
	"github.com/aura-nvr/backend/internal/failures"
	"github.com/aura-nvr/backend/internal/memstore"
	"github.com/aura-nvr/backend/internal/metadata"
	"github.com/aura-nvr/backend/internal/models"
)

const (
	segmentName  = "ch1_20250814123045.dav"
	rawKey       = "incoming/ch1_20250814123045.dav"
	canonicalKey = "home/ch1/2025/08/14/ch1_20250814123045.dav"
)

func writeSegment(t *testing.T, dir, rel, data string) models.LocalFile {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	info, err := os.Stat(p)
	require.NoError(t, err)
	return models.LocalFile{Path: p, RelPath: rel, Size: info.Size(), ModTime: info.ModTime()}
}

func fastOptions() Options {
	return Options{Concurrency: 1, RetryAttempts: 3, RetryBase: time.Millisecond, RetryMax: 5 * time.Millisecond, DrainTimeout: time.Second}
}

func newUploader(store ObjectStore, opts Options) (*Uploader, *failures.Reporter) {
	reporter := failures.NewReporter(failures.NewMemory(10), nil)
	return New(store, metadata.New("home"), NewStateStore(time.Hour), reporter, opts, nil), reporter
}

func TestProcess_UploadsRawWithMetadata(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	u, _ := newUploader(objects, fastOptions())
	f := writeSegment(t, t.TempDir(), "office/"+segmentName, "segment")

	res := u.Process(context.Background(), f)
	require.Equal(t, ResultUploaded, res)

	data, ok := objects.Data(rawKey)
	require.True(t, ok)
	assert.Equal(t, "segment", string(data))

	info, err := objects.Head(context.Background(), rawKey)
	require.NoError(t, err)
	assert.Equal(t, "office", info.Metadata["site_id"])
	assert.Equal(t, "ch1", info.Metadata["camera_id"])
	assert.Equal(t, "2025-08-14T12:30:45Z", info.Metadata["start_ts"])
	assert.Equal(t, "video/x-dav", info.ContentType)

	st, ok := u.states.Get(f.Key())
	require.True(t, ok)
	assert.Equal(t, models.UploadUploaded, st.Status)
	assert.Equal(t, rawKey, st.ObjectKey)

	stats := u.Stats()
	assert.Equal(t, int64(1), stats.Uploaded)
	assert.Equal(t, int64(7), stats.Bytes)
	assert.FileExists(t, f.Path, "keep policy leaves the local file")
}

func TestProcess_SameFileTwiceUploadsOnce(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	u, _ := newUploader(objects, fastOptions())
	f := writeSegment(t, t.TempDir(), segmentName, "segment")

	assert.Equal(t, ResultUploaded, u.Process(context.Background(), f))
	assert.Equal(t, ResultSkipped, u.Process(context.Background(), f))
	assert.Equal(t, 1, objects.Calls("upload"))
}

func TestProcess_RestartDoesNotUploadAgain(t *testing.T) {
	dir := t.TempDir()
	f := writeSegment(t, dir, segmentName, "segment")

	t.Run("raw pending normalization", func(t *testing.T) {
		objects := memstore.NewObjects("nvr")
		first, _ := newUploader(objects, fastOptions())
		require.Equal(t, ResultUploaded, first.Process(context.Background(), f))

		restarted, _ := newUploader(objects, fastOptions())
		assert.Equal(t, ResultDuplicate, restarted.Process(context.Background(), f))
		assert.Equal(t, 1, objects.Calls("upload"))
	})

	t.Run("already canonical", func(t *testing.T) {
		objects := memstore.NewObjects("nvr")
		objects.Put(canonicalKey, []byte("segment"), nil)

		restarted, _ := newUploader(objects, fastOptions())
		assert.Equal(t, ResultDuplicate, restarted.Process(context.Background(), f))
		assert.Zero(t, objects.Calls("upload"))
		assert.Equal(t, []string{canonicalKey}, objects.Keys())
	})
}

func TestProcess_DirectoryCamerasDoNotShareRawKey(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	u, _ := newUploader(objects, fastOptions())
	dir := t.TempDir()
	cam1 := writeSegment(t, dir, "home/cam1/20250814_123045.mp4", "one")
	cam2 := writeSegment(t, dir, "home/cam2/20250814_123045.mp4", "two")

	assert.Equal(t, ResultUploaded, u.Process(context.Background(), cam1))
	assert.Equal(t, ResultUploaded, u.Process(context.Background(), cam2))
	assert.Equal(t, []string{
		"incoming/home/cam1/20250814_123045.mp4",
		"incoming/home/cam2/20250814_123045.mp4",
	}, objects.Keys())

	data, ok := objects.Data("incoming/home/cam2/20250814_123045.mp4")
	require.True(t, ok)
	assert.Equal(t, "two", string(data))
}

func TestProcess_RawKeyHeldByOtherSegmentIsNotDuplicate(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	objects.Put(rawKey, []byte("other"), map[string]string{"site_id": "office", "camera_id": "ch1"})
	opts := fastOptions()
	opts.RetentionPolicy = RetentionDelete
	u, reporter := newUploader(objects, opts)
	f := writeSegment(t, t.TempDir(), segmentName, "segment")

	assert.Equal(t, ResultFailed, u.Process(context.Background(), f))
	assert.Zero(t, objects.Calls("upload"))
	assert.FileExists(t, f.Path)

	list, err := reporter.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].Attempts)

	failed := u.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, f.Path, failed[0].Path)
	assert.Contains(t, failed[0].LastError, "holds another segment")
}

func TestProcess_RetriesTransientFailures(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	objects.Fail("upload", apperr.Transient(errors.New("503 slow down")), 2)
	u, reporter := newUploader(objects, fastOptions())
	f := writeSegment(t, t.TempDir(), segmentName, "segment")

	assert.Equal(t, ResultUploaded, u.Process(context.Background(), f))
	assert.Equal(t, 3, objects.Calls("upload"))

	st, _ := u.states.Get(f.Key())
	assert.Equal(t, 3, st.Attempts)
	assert.Empty(t, st.LastError)

	recorded, err := reporter.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recorded)
}

func TestProcess_ExhaustedRetriesKeepLocalFile(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	objects.Fail("upload", apperr.Transient(errors.New("connection reset")), 10)
	opts := fastOptions()
	opts.RetentionPolicy = RetentionDelete
	u, reporter := newUploader(objects, opts)
	f := writeSegment(t, t.TempDir(), segmentName, "segment")

	assert.Equal(t, ResultFailed, u.Process(context.Background(), f))
	assert.Equal(t, 3, objects.Calls("upload"))
	assert.FileExists(t, f.Path)
	assert.Empty(t, objects.Keys())

	st, _ := u.states.Get(f.Key())
	assert.Equal(t, models.UploadFailed, st.Status)
	assert.Contains(t, st.LastError, "connection reset")

	recorded, err := reporter.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, models.StageUpload, recorded[0].Stage)
	assert.Equal(t, apperr.KindTransient, recorded[0].Kind)
	assert.Equal(t, 3, recorded[0].Attempts)
	assert.Equal(t, f.Path, recorded[0].Subject)
}

func TestProcess_PermanentFailureIsNotRetried(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	objects.Fail("upload", errors.New("access denied"), 1)
	u, _ := newUploader(objects, fastOptions())
	f := writeSegment(t, t.TempDir(), segmentName, "segment")

	assert.Equal(t, ResultFailed, u.Process(context.Background(), f))
	assert.Equal(t, 1, objects.Calls("upload"))
}

func TestProcess_DeleteRetention(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	opts := fastOptions()
	opts.RetentionPolicy = RetentionDelete
	u, _ := newUploader(objects, opts)
	f := writeSegment(t, t.TempDir(), segmentName, "segment")

	require.Equal(t, ResultUploaded, u.Process(context.Background(), f))
	assert.NoFileExists(t, f.Path)
}

func TestProcess_ChangedFileIsDeferred(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	u, _ := newUploader(objects, fastOptions())
	f := writeSegment(t, t.TempDir(), segmentName, "segment")
	require.NoError(t, os.WriteFile(f.Path, []byte("segment grew"), 0o644))

	assert.Equal(t, ResultSkipped, u.Process(context.Background(), f))
	assert.Zero(t, objects.Calls("upload"))
	_, ok := u.states.Get(f.Key())
	assert.False(t, ok)
}

func TestProcess_UnparseableNameFails(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	u, reporter := newUploader(objects, fastOptions())
	f := writeSegment(t, t.TempDir(), "notes.dav", "x")

	assert.Equal(t, ResultFailed, u.Process(context.Background(), f))
	recorded, _ := reporter.List(context.Background(), 10)
	require.Len(t, recorded, 1)
	assert.Equal(t, apperr.KindParse, recorded[0].Kind)
}

// blockingStore holds uploads until released or cancelled.
type blockingStore struct {
	*memstore.Objects
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newBlockingStore() *blockingStore {
	return &blockingStore{Objects: memstore.NewObjects("nvr"), started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingStore) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string, meta map[string]string) error {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Objects.Upload(ctx, key, body, size, contentType, meta)
}

func runUploader(t *testing.T, u *Uploader, f models.LocalFile) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan models.LocalFile, 1)
	in <- f
	errc := make(chan error, 1)
	go func() { errc <- u.Run(ctx, in) }()
	return cancel, errc
}

func TestRun_DrainLetsInFlightUploadFinish(t *testing.T) {
	store := newBlockingStore()
	u, _ := newUploader(store, fastOptions())
	f := writeSegment(t, t.TempDir(), segmentName, "segment")

	cancel, errc := runUploader(t, u, f)
	<-store.started
	cancel()
	close(store.release)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("uploader did not stop")
	}
	assert.Equal(t, int64(1), u.Stats().Uploaded)
	assert.Equal(t, []string{rawKey}, store.Keys())
}

func TestRun_DrainTimeoutAbortsUpload(t *testing.T) {
	store := newBlockingStore()
	opts := fastOptions()
	opts.DrainTimeout = 20 * time.Millisecond
	u, reporter := newUploader(store, opts)
	f := writeSegment(t, t.TempDir(), segmentName, "segment")

	cancel, errc := runUploader(t, u, f)
	<-store.started
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("uploader did not abort")
	}
	assert.Empty(t, store.Keys())
	assert.Zero(t, u.Stats().Failed, "an aborted upload is not a failure")
	recorded, _ := reporter.List(context.Background(), 10)
	assert.Empty(t, recorded)
	assert.FileExists(t, f.Path)
}

func TestRun_StopsWhenInputCloses(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	opts := fastOptions()
	opts.Concurrency = 3
	u, _ := newUploader(objects, opts)
	dir := t.TempDir()

	in := make(chan models.LocalFile, 3)
	in <- writeSegment(t, dir, "ch1_20250814123045.dav", "a")
	in <- writeSegment(t, dir, "ch2_20250814123045.dav", "b")
	in <- writeSegment(t, dir, "ch3_20250814123045.dav", "c")
	close(in)

	require.NoError(t, u.Run(context.Background(), in))
	assert.Equal(t, int64(3), u.Stats().Uploaded)
	assert.Len(t, objects.Keys(), 3)
}

func TestBandwidthLimiter(t *testing.T) {
	assert.Nil(t, NewBandwidthLimiter(0))

	l := NewBandwidthLimiter(8)
	require.NotNil(t, l)
	assert.Equal(t, rate.Limit(1_000_000), l.Limit())
	assert.Equal(t, limiterBurst, l.Burst())
}

func TestLimitedReader_CapsReadsToBurst(t *testing.T) {
	src := strings.NewReader(strings.Repeat("x", 64))
	r := newLimitedReader(context.Background(), src, rate.NewLimiter(rate.Limit(1e9), 16))

	buf := make([]byte, 64)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 16, n)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, rest, 48)
}

func TestLimitedReader_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lim := rate.NewLimiter(rate.Limit(1), 1)
	lim.AllowN(time.Now(), 1)
	r := newLimitedReader(ctx, strings.NewReader("abc"), lim)

	_, err := r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStateStore(t *testing.T) {
	s := NewStateStore(time.Minute)
	now := time.Date(2025, 8, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	f := models.LocalFile{Path: "/s/a.dav", Size: 1, ModTime: now}
	g := models.LocalFile{Path: "/s/b.dav", Size: 1, ModTime: now}
	require.True(t, s.Detect(f))
	require.True(t, s.Detect(g))
	assert.False(t, s.Detect(f), "a detected file is held by its worker")

	s.Transition(f.Key(), models.UploadValidated, nil)
	assert.False(t, s.Detect(f))
	s.Transition(f.Key(), models.UploadUploading, nil)
	assert.False(t, s.Detect(f), "an in-flight file cannot be claimed twice")

	s.Transition(f.Key(), models.UploadUploaded, nil)
	s.Transition(g.Key(), models.UploadFailed, errors.New("boom"))
	assert.True(t, s.Detect(g), "a failed file may be retried")
	s.Transition(g.Key(), models.UploadFailed, errors.New("boom"))
	assert.Equal(t, map[models.UploadStatus]int{models.UploadUploaded: 1, models.UploadFailed: 1}, s.Counts())

	assert.Zero(t, s.Evict())
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, s.Evict())
	assert.Empty(t, s.Counts())
}
