package indextable

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	sortKeyLayout = "2006-01-02T15:04:05Z"
	// lowest and highest sort keys used for unbounded ranges
	minSortKey = "0"
	maxSortKey = "9999-12-31T23:59:59Z#999999"
)

// SortKey returns the primary sort key for a segment start.
func SortKey(start time.Time) string {
	return start.UTC().Format(sortKeyLayout)
}

// CompositeSortKey disambiguates segments sharing a start second.
func CompositeSortKey(start time.Time, sequence int) string {
	return fmt.Sprintf("%s#%06d", SortKey(start), sequence)
}

// StartFromSortKey parses the start time held in a plain or composite key.
func StartFromSortKey(sk string) (time.Time, error) {
	ts, _, _ := strings.Cut(sk, "#")
	return time.Parse(sortKeyLayout, ts)
}

// Range selects entries of one camera whose start lies in [From, To).
// Zero times leave that side open. After resumes strictly past a sort key.
type Range struct {
	CameraID string
	From     time.Time
	To       time.Time
	After    string
	Limit    int
}

// Bounds returns the inclusive sort key interval covering the range.
func (r Range) Bounds() (lo, hi string) {
	lo, hi = minSortKey, maxSortKey
	if !r.From.IsZero() {
		from := r.From.UTC()
		if t := from.Truncate(time.Second); !t.Equal(from) {
			from = t.Add(time.Second)
		}
		lo = SortKey(from)
	}
	if !r.To.IsZero() {
		last := r.To.UTC().Add(-time.Nanosecond).Truncate(time.Second)
		hi = SortKey(last) + "#999999"
	}
	return lo, hi
}

// Contains reports whether sort key sk falls inside the range and past After.
func (r Range) Contains(sk string) bool {
	lo, hi := r.Bounds()
	return sk >= lo && sk <= hi && sk > r.After
}

// Before returns a key that sorts immediately before sk among valid sort
// keys, so that After: Before(sk) resumes at sk inclusive.
func Before(sk string) string {
	ts, seq, composite := strings.Cut(sk, "#")
	if !composite {
		if ts == "" {
			return ""
		}
		return ts[:len(ts)-1] + string(ts[len(ts)-1]-1)
	}
	n, err := strconv.Atoi(seq)
	if err != nil || n == 0 {
		return ts
	}
	return fmt.Sprintf("%s#%06d", ts, n-1)
}
