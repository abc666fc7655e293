package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-nvr/backend/internal/metadata"
	"github.com/aura-nvr/backend/internal/models"
)

func newTestWatcher(t *testing.T, policy string, capacity int) (*Watcher, string, chan models.LocalFile) {
	t.Helper()
	root := t.TempDir()
	out := make(chan models.LocalFile, capacity)
	w := New(Options{
		Root:        root,
		Interval:    time.Hour,
		Extensions:  []string{".dav", "mp4"},
		Retention:   time.Hour,
		MaxSeen:     100,
		QueuePolicy: policy,
	}, metadata.New("home"), out, nil)
	return w, root, out
}

func write(t *testing.T, root, rel, data string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func poll(t *testing.T, w *Watcher) int {
	t.Helper()
	n, err := w.Poll(context.Background())
	require.NoError(t, err)
	return n
}

func TestPoll_EmitsOnceStable(t *testing.T) {
	w, root, out := newTestWatcher(t, PolicyBlock, 4)
	p := write(t, root, "office/ch1_20250814123045.dav", "segment")

	assert.Equal(t, 0, poll(t, w), "first sighting only records the observation")
	assert.Equal(t, 1, poll(t, w))
	assert.Equal(t, 0, poll(t, w), "an emitted file is not emitted again")

	require.Len(t, out, 1)
	f := <-out
	assert.Equal(t, p, f.Path)
	assert.Equal(t, "office/ch1_20250814123045.dav", f.RelPath)
	assert.Equal(t, int64(7), f.Size)
	assert.Equal(t, "ch1", f.Identity.CameraID)
	assert.Equal(t, "office", f.Identity.SiteID)
}

func TestPoll_GrowingFileIsNeverEmitted(t *testing.T) {
	w, root, out := newTestWatcher(t, PolicyBlock, 4)
	p := write(t, root, "ch1_20250814123045.dav", "a")

	for i := 0; i < 5; i++ {
		assert.Equal(t, 0, poll(t, w))
		fh, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = fh.WriteString("more")
		require.NoError(t, err)
		require.NoError(t, fh.Close())
	}
	assert.Empty(t, out)
}

func TestPoll_RewrittenFileIsEmittedAgain(t *testing.T) {
	w, root, out := newTestWatcher(t, PolicyBlock, 4)
	p := write(t, root, "ch1_20250814123045.dav", "a")
	poll(t, w)
	require.Equal(t, 1, poll(t, w))

	require.NoError(t, os.WriteFile(p, []byte("a longer file"), 0o644))
	poll(t, w)
	assert.Equal(t, 1, poll(t, w), "a new size is a new file identity")
	assert.Len(t, out, 2)
}

func TestPoll_FiltersExtensions(t *testing.T) {
	w, root, out := newTestWatcher(t, PolicyBlock, 4)
	write(t, root, "ch1_20250814123045.txt", "x")
	write(t, root, "ch1_20250814123046.MP4", "x")

	poll(t, w)
	assert.Equal(t, 1, poll(t, w))
	f := <-out
	assert.Equal(t, "ch1_20250814123046.MP4", f.RelPath)
}

func TestPoll_UnrecognizedNameIsSkippedOnce(t *testing.T) {
	w, root, out := newTestWatcher(t, PolicyBlock, 4)
	write(t, root, "notes.dav", "x")

	poll(t, w)
	assert.Equal(t, 0, poll(t, w))
	assert.Equal(t, 1, w.seen.Len(), "remembered so it is not logged every poll")
	assert.Empty(t, out)
}

func TestPoll_DropPolicyRetriesNextPoll(t *testing.T) {
	w, root, out := newTestWatcher(t, PolicyDrop, 1)
	out <- models.LocalFile{Path: "occupied"}
	write(t, root, "ch1_20250814123045.dav", "segment")

	poll(t, w)
	assert.Equal(t, 0, poll(t, w), "queue full")
	assert.Zero(t, w.seen.Len(), "dropped files are not marked seen")

	<-out
	assert.Equal(t, 1, poll(t, w))
	f := <-out
	assert.Equal(t, "ch1_20250814123045.dav", f.RelPath)
}

func TestPoll_BlockPolicyWaitsForContext(t *testing.T) {
	w, root, out := newTestWatcher(t, PolicyBlock, 1)
	out <- models.LocalFile{Path: "occupied"}
	write(t, root, "ch1_20250814123045.dav", "segment")
	poll(t, w)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	n, err := w.Poll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, n)
	assert.Zero(t, w.seen.Len())
}

func TestPoll_ForgetsDeletedPendingFiles(t *testing.T) {
	w, root, _ := newTestWatcher(t, PolicyBlock, 1)
	p := write(t, root, "ch1_20250814123045.dav", "segment")
	poll(t, w)
	require.Len(t, w.pending, 1)

	require.NoError(t, os.Remove(p))
	poll(t, w)
	assert.Empty(t, w.pending)
}

func TestPoll_SkipsUnreadableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	w, root, out := newTestWatcher(t, PolicyBlock, 4)
	write(t, root, "ch1_20250814123045.dav", "segment")
	locked := filepath.Join(root, "locked")
	write(t, root, "locked/ch2_20250814123045.dav", "segment")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	poll(t, w)
	assert.Equal(t, 1, poll(t, w))
	assert.Len(t, out, 1)
}

func TestPoll_MissingRoot(t *testing.T) {
	out := make(chan models.LocalFile, 1)
	w := New(Options{Root: filepath.Join(t.TempDir(), "absent")}, metadata.New("home"), out, nil)
	_, err := w.Poll(context.Background())
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	w, root, out := newTestWatcher(t, PolicyBlock, 4)
	w.opts.Interval = 5 * time.Millisecond
	write(t, root, "ch1_20250814123045.dav", "segment")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case f := <-out:
		assert.Equal(t, "ch1_20250814123045.dav", f.RelPath)
	case <-time.After(2 * time.Second):
		t.Fatal("no file emitted")
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestSeenCache(t *testing.T) {
	c := NewSeenCache(time.Minute, 2)
	now := time.Date(2025, 8, 14, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Add("a")
	c.Add("b")
	assert.True(t, c.Contains("a"))

	c.Add("c")
	assert.False(t, c.Contains("a"), "oldest entry evicted at the cap")
	assert.Equal(t, 2, c.Len())

	now = now.Add(2 * time.Minute)
	assert.False(t, c.Contains("b"))
	assert.Equal(t, 2, c.Prune())
	assert.Zero(t, c.Len())
}
