package indextable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-nvr/backend/internal/models"
)

func TestSortKeys(t *testing.T) {
	start := time.Date(2025, 8, 14, 12, 30, 45, 0, time.UTC)
	assert.Equal(t, "2025-08-14T12:30:45Z", SortKey(start))
	assert.Equal(t, "2025-08-14T12:30:45Z#000003", CompositeSortKey(start, 3))

	for _, sk := range []string{SortKey(start), CompositeSortKey(start, 3)} {
		got, err := StartFromSortKey(sk)
		require.NoError(t, err)
		assert.True(t, got.Equal(start))
	}
	_, err := StartFromSortKey("garbage")
	assert.Error(t, err)

	assert.Less(t, SortKey(start), CompositeSortKey(start, 0))
	assert.Less(t, CompositeSortKey(start, 999), SortKey(start.Add(time.Second)))
}

func TestRange_HalfOpen(t *testing.T) {
	day := time.Date(2025, 8, 14, 0, 0, 0, 0, time.UTC)
	r := Range{CameraID: "ch1", From: day, To: day.Add(24 * time.Hour)}

	assert.True(t, r.Contains(SortKey(day)))
	assert.True(t, r.Contains(CompositeSortKey(day, 2)))
	assert.True(t, r.Contains(CompositeSortKey(day.Add(24*time.Hour-time.Second), 5)))
	assert.False(t, r.Contains(SortKey(day.Add(24*time.Hour))))
	assert.False(t, r.Contains(CompositeSortKey(day.Add(24*time.Hour), 1)))
	assert.False(t, r.Contains(SortKey(day.Add(-time.Second))))

	r.After = SortKey(day.Add(time.Hour))
	assert.False(t, r.Contains(SortKey(day.Add(time.Hour))))
	assert.True(t, r.Contains(CompositeSortKey(day.Add(time.Hour), 1)))
}

func TestRange_SubsecondBounds(t *testing.T) {
	from := time.Date(2025, 8, 14, 12, 0, 0, 500, time.UTC)
	r := Range{From: from, To: from.Add(time.Second)}
	lo, hi := r.Bounds()
	assert.Equal(t, "2025-08-14T12:00:01Z", lo)
	assert.Equal(t, "2025-08-14T12:00:01Z#999999", hi)

	lo, hi = Range{}.Bounds()
	assert.Equal(t, minSortKey, lo)
	assert.Equal(t, maxSortKey, hi)
}

func TestItemRoundTrip(t *testing.T) {
	dur := 300
	e := models.IndexEntry{
		CameraID:    "ch1",
		SortKey:     "2025-08-14T12:30:45Z#000002",
		Start:       time.Date(2025, 8, 14, 12, 30, 45, 0, time.UTC),
		SiteID:      "home",
		Sequence:    2,
		S3Key:       "home/ch1/2025/08/14/ch1_20250814123045_2.dav",
		FileSize:    1024,
		DurationSec: &dur,
		CreatedAt:   time.Date(2025, 8, 14, 12, 31, 0, 0, time.UTC),
	}
	got, err := toItem(e).entry()
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestBefore(t *testing.T) {
	start := time.Date(2025, 8, 14, 12, 30, 45, 0, time.UTC)
	plain := SortKey(start)
	prev := SortKey(start.Add(-time.Second))

	for _, sk := range []string{plain, CompositeSortKey(start, 0), CompositeSortKey(start, 7)} {
		b := Before(sk)
		assert.Less(t, b, sk)
		assert.Greater(t, b, CompositeSortKey(start.Add(-time.Second), 999999))
		assert.Greater(t, b, prev)
	}
	assert.Equal(t, plain, Before(CompositeSortKey(start, 0)))
	assert.Equal(t, CompositeSortKey(start, 6), Before(CompositeSortKey(start, 7)))

	r := Range{After: Before(CompositeSortKey(start, 7))}
	assert.True(t, r.Contains(CompositeSortKey(start, 7)))
	assert.False(t, r.Contains(CompositeSortKey(start, 6)))
}
