package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aura-nvr/backend/internal/apperr"
	"github.com/aura-nvr/backend/internal/models"
	"github.com/aura-nvr/backend/pkg/indextable"
)

// Index is an in-memory index table keyed by camera and sort key.
type Index struct {
	Faults

	mu      sync.Mutex
	entries map[string]map[string]models.IndexEntry
	puts    int
}

// NewIndex creates an empty table.
func NewIndex() *Index {
	return &Index{entries: make(map[string]map[string]models.IndexEntry)}
}

func (x *Index) PutIfAbsent(_ context.Context, e models.IndexEntry) error {
	if err := x.next("put"); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.puts++
	cam := x.entries[e.CameraID]
	if cam == nil {
		cam = make(map[string]models.IndexEntry)
		x.entries[e.CameraID] = cam
	}
	if _, ok := cam[e.SortKey]; ok {
		return fmt.Errorf("put %s/%s: %w", e.CameraID, e.SortKey, apperr.ErrConditionFailed)
	}
	cam[e.SortKey] = e
	return nil
}

func (x *Index) Get(_ context.Context, cameraID, sortKey string) (*models.IndexEntry, error) {
	if err := x.next("get"); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[cameraID][sortKey]
	if !ok {
		return nil, fmt.Errorf("entry %s/%s: %w", cameraID, sortKey, apperr.ErrNotFound)
	}
	return &e, nil
}

func (x *Index) Query(_ context.Context, r indextable.Range) ([]models.IndexEntry, error) {
	if err := x.next("query"); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []models.IndexEntry
	for sk, e := range x.entries[r.CameraID] {
		if r.Contains(sk) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortKey < out[j].SortKey })
	if r.Limit > 0 && len(out) > r.Limit {
		out = out[:r.Limit]
	}
	return out, nil
}

func (x *Index) Ping(context.Context) error {
	return x.next("ping")
}

func (x *Index) ItemCount(context.Context) (int64, error) {
	if err := x.next("count"); err != nil {
		return 0, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int64
	for _, cam := range x.entries {
		n += int64(len(cam))
	}
	return n, nil
}

// All returns every entry ordered by camera then sort key.
func (x *Index) All() []models.IndexEntry {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []models.IndexEntry
	for _, cam := range x.entries {
		for _, e := range cam {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CameraID != out[j].CameraID {
			return out[i].CameraID < out[j].CameraID
		}
		return out[i].SortKey < out[j].SortKey
	})
	return out
}

// Puts returns how many conditional puts reached the table.
func (x *Index) Puts() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.puts
}
