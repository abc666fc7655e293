package normalizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-nvr/backend/internal/apperr"
	"github.com/aura-nvr/backend/internal/cloudsync"
	"github.com/aura-nvr/backend/internal/failures"
	"github.com/aura-nvr/backend/internal/indexer"
	"github.com/aura-nvr/backend/internal/memstore"
	"github.com/aura-nvr/backend/internal/metadata"
	"github.com/aura-nvr/backend/internal/models"
)

const (
	rawKey       = "incoming/ch1_20250814123045.dav"
	canonicalKey = "home/ch1/2025/08/14/ch1_20250814123045.dav"
)

type recordingInvoker struct {
	mu    sync.Mutex
	reqs  []models.IndexRequest
	fails []error
}

func (r *recordingInvoker) Invoke(_ context.Context, req models.IndexRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if len(r.fails) > 0 {
		err := r.fails[0]
		r.fails = r.fails[1:]
		return err
	}
	return nil
}

func ref(key string) models.ObjectRef {
	return models.ObjectRef{Bucket: "nvr", Key: key, EventName: "ObjectCreated:Put"}
}

func TestHandle_DuplicateDeliveryYieldsOneCanonicalAndOneEntry(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	index := memstore.NewIndex()
	ex := metadata.New("home")
	idx := indexer.New(index, objects, ex, nil, indexer.Options{Attempts: 2, Backoff: time.Millisecond}, nil)
	n := New(objects, idx, ex, nil, false, nil)
	objects.Put(rawKey, []byte("segment"), map[string]string{"site_id": "home", "camera_id": "ch1"})
	ctx := context.Background()

	out, err := n.Normalize(ctx, ref(rawKey))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNormalized, out)

	out, err = n.Normalize(ctx, ref(rawKey))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlready, out)

	assert.Equal(t, []string{canonicalKey}, objects.Keys())
	assert.Equal(t, 1, objects.Calls("copy"))

	entries := index.All()
	require.Len(t, entries, 1)
	assert.Equal(t, canonicalKey, entries[0].S3Key)
	assert.Equal(t, int64(len("segment")), entries[0].FileSize)
}

func TestHandle_KeepRawShortCircuits(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	inv := &recordingInvoker{}
	n := New(objects, inv, metadata.New("home"), nil, true, nil)
	objects.Put(rawKey, []byte("segment"), nil)
	ctx := context.Background()

	require.NoError(t, n.Handle(ctx, ref(rawKey)))
	out, err := n.Normalize(ctx, ref(rawKey))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlready, out)

	assert.Equal(t, []string{canonicalKey, rawKey}, objects.Keys())
	assert.Equal(t, 1, objects.Calls("copy"))
	require.Len(t, inv.reqs, 2)
	assert.Equal(t, models.IndexRequest{Bucket: "nvr", Key: canonicalKey, Size: 7}, inv.reqs[0])
	assert.Equal(t, inv.reqs[0], inv.reqs[1])
}

func TestHandle_SiteFromObjectMetadata(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	inv := &recordingInvoker{}
	n := New(objects, inv, metadata.New("home"), nil, false, nil)
	objects.Put(rawKey, []byte("x"), map[string]string{"site_id": "office"})

	require.NoError(t, n.Handle(context.Background(), ref(rawKey)))
	assert.Equal(t, []string{"office/ch1/2025/08/14/ch1_20250814123045.dav"}, objects.Keys())
	require.Len(t, inv.reqs, 1)
	assert.Equal(t, "office/ch1/2025/08/14/ch1_20250814123045.dav", inv.reqs[0].Key)
}

func TestHandle_QuarantinesUnparseable(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	inv := &recordingInvoker{}
	ledger := failures.NewMemory(10)
	n := New(objects, inv, metadata.New("home"), failures.NewReporter(ledger, nil), false, nil)
	objects.Put("incoming/holiday-party.dav", []byte("x"), nil)

	out, err := n.Normalize(context.Background(), ref("incoming/holiday-party.dav"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuarantined, out)

	assert.Equal(t, []string{"quarantine/holiday-party.dav"}, objects.Keys())
	assert.Empty(t, inv.reqs)
	list, err := ledger.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, apperr.KindParse, list[0].Kind)
	assert.Equal(t, models.StageNormalize, list[0].Stage)
}

func TestHandle_IgnoresNonRawKeys(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	inv := &recordingInvoker{}
	n := New(objects, inv, metadata.New("home"), nil, false, nil)

	for _, key := range []string{canonicalKey, "quarantine/x.dav", "incoming/"} {
		out, err := n.Normalize(context.Background(), ref(key))
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, out)
	}
	assert.Zero(t, objects.Calls("head"))
	assert.Empty(t, inv.reqs)
}

func TestHandle_TransientCopyFailureIsRedelivered(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	inv := &recordingInvoker{}
	n := New(objects, inv, metadata.New("home"), nil, false, nil)
	objects.Put(rawKey, []byte("x"), nil)
	objects.Fail("copy", apperr.Transient(errors.New("SlowDown")), 1)
	ctx := context.Background()

	err := n.Handle(ctx, ref(rawKey))
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
	assert.Equal(t, []string{rawKey}, objects.Keys())
	assert.Empty(t, inv.reqs)

	require.NoError(t, n.Handle(ctx, ref(rawKey)))
	assert.Equal(t, []string{canonicalKey}, objects.Keys())
	assert.Len(t, inv.reqs, 1)
}

func TestHandle_IndexerFailureKeepsRaw(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	inv := &recordingInvoker{fails: []error{apperr.Transient(errors.New("throttled"))}}
	n := New(objects, inv, metadata.New("home"), nil, false, nil)
	objects.Put(rawKey, []byte("x"), nil)
	ctx := context.Background()

	require.Error(t, n.Handle(ctx, ref(rawKey)))
	assert.Equal(t, []string{canonicalKey, rawKey}, objects.Keys())

	out, err := n.Normalize(ctx, ref(rawKey))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlready, out)
	assert.Equal(t, []string{canonicalKey}, objects.Keys())
	assert.Equal(t, 1, objects.Calls("copy"))
	assert.Len(t, inv.reqs, 2)
}

func TestHandle_RawGoneWithoutCanonical(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	inv := &recordingInvoker{}
	n := New(objects, inv, metadata.New("home"), nil, false, nil)

	out, err := n.Normalize(context.Background(), ref(rawKey))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGone, out)
	assert.Empty(t, inv.reqs)
}

func localSegment(t *testing.T, dir, rel, data string) models.LocalFile {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	info, err := os.Stat(p)
	require.NoError(t, err)
	return models.LocalFile{Path: p, RelPath: rel, Size: info.Size(), ModTime: info.ModTime()}
}

func TestPipeline_TimestampOnlyNamesKeepDirectoryCamera(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	index := memstore.NewIndex()
	ex := metadata.New("home")
	up := cloudsync.New(objects, ex, nil, nil, cloudsync.Options{Concurrency: 1, RetryAttempts: 1, RetryBase: time.Millisecond}, nil)
	idx := indexer.New(index, objects, ex, nil, indexer.Options{Attempts: 2, Backoff: time.Millisecond}, nil)
	n := New(objects, idx, ex, nil, false, nil)
	ctx := context.Background()
	dir := t.TempDir()

	for _, rel := range []string{"home/cam1/20250814_123045.mp4", "home/cam2/20250814_123045.mp4"} {
		require.Equal(t, cloudsync.ResultUploaded, up.Process(ctx, localSegment(t, dir, rel, rel)))
	}
	raws := objects.Keys()
	require.Len(t, raws, 2)
	for _, key := range raws {
		out, err := n.Normalize(ctx, ref(key))
		require.NoError(t, err)
		assert.Equal(t, OutcomeNormalized, out)
	}

	assert.Equal(t, []string{
		"home/cam1/2025/08/14/20250814_123045.mp4",
		"home/cam2/2025/08/14/20250814_123045.mp4",
	}, objects.Keys())
	entries := index.All()
	require.Len(t, entries, 2)
	cams := []string{entries[0].CameraID, entries[1].CameraID}
	assert.ElementsMatch(t, []string{"cam1", "cam2"}, cams)
}

func TestHandle_CameraFromMetadataWhenNameLacksOne(t *testing.T) {
	objects := memstore.NewObjects("nvr")
	inv := &recordingInvoker{}
	n := New(objects, inv, metadata.New("home"), nil, false, nil)
	objects.Put("incoming/20250814_123045.mp4", []byte("x"), map[string]string{
		"site_id": "office", "camera_id": "cam1", "start_ts": "2025-08-14T12:30:45Z", "sequence": "0",
	})

	out, err := n.Normalize(context.Background(), ref("incoming/20250814_123045.mp4"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNormalized, out)
	assert.Equal(t, []string{"office/cam1/2025/08/14/20250814_123045.mp4"}, objects.Keys())
	require.Len(t, inv.reqs, 1)
	assert.Equal(t, "office/cam1/2025/08/14/20250814_123045.mp4", inv.reqs[0].Key)
}
