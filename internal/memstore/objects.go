// Package memstore provides in-memory stand-ins for the object store and
// the index table with the same conditional semantics, plus fault
// injection for tests.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aura-nvr/backend/internal/apperr"
	"github.com/aura-nvr/backend/pkg/storage"
)

type object struct {
	data        []byte
	contentType string
	meta        map[string]string
	modified    time.Time
}

// Faults injects errors into the next calls of an operation.
type Faults struct {
	mu    sync.Mutex
	queue map[string][]error
}

// Fail makes the next n calls of op return err.
func (f *Faults) Fail(op string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queue == nil {
		f.queue = make(map[string][]error)
	}
	for i := 0; i < n; i++ {
		f.queue[op] = append(f.queue[op], err)
	}
}

func (f *Faults) next(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	errs := f.queue[op]
	if len(errs) == 0 {
		return nil
	}
	f.queue[op] = errs[1:]
	return errs[0]
}

// Objects is an in-memory bucket.
type Objects struct {
	Faults

	mu      sync.Mutex
	bucket  string
	objects map[string]*object
	calls   map[string]int
}

// NewObjects creates an empty bucket.
func NewObjects(bucket string) *Objects {
	return &Objects{bucket: bucket, objects: make(map[string]*object), calls: make(map[string]int)}
}

func (o *Objects) count(op string) error {
	o.mu.Lock()
	o.calls[op]++
	o.mu.Unlock()
	return o.next(op)
}

// Calls returns how many times op was invoked.
func (o *Objects) Calls(op string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[op]
}

func (o *Objects) Bucket() string { return o.bucket }

// Put stores an object directly, bypassing fault injection.
func (o *Objects) Put(key string, data []byte, meta map[string]string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = &object{data: data, meta: copyMeta(meta), modified: time.Now()}
}

// Keys returns all stored keys in order.
func (o *Objects) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.objects))
	for k := range o.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Data returns the bytes stored at key.
func (o *Objects) Data(key string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objects[key]
	if !ok {
		return nil, false
	}
	return obj.data, true
}

func (o *Objects) Upload(ctx context.Context, key string, body io.Reader, _ int64, contentType string, meta map[string]string) error {
	if err := o.count("upload"); err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return apperr.Transient(fmt.Errorf("read body: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = &object{data: buf.Bytes(), contentType: contentType, meta: copyMeta(meta), modified: time.Now()}
	return nil
}

func (o *Objects) Head(_ context.Context, key string) (*storage.ObjectInfo, error) {
	if err := o.count("head"); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objects[key]
	if !ok {
		return nil, fmt.Errorf("head %s: %w", key, apperr.ErrNotFound)
	}
	return &storage.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		Metadata:     copyMeta(obj.meta),
		LastModified: obj.modified,
	}, nil
}

func (o *Objects) Copy(_ context.Context, src, dst string) error {
	if err := o.count("copy"); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objects[src]
	if !ok {
		return fmt.Errorf("copy %s: %w", src, apperr.ErrNotFound)
	}
	o.objects[dst] = &object{data: obj.data, contentType: obj.contentType, meta: copyMeta(obj.meta), modified: time.Now()}
	return nil
}

func (o *Objects) Delete(_ context.Context, key string) error {
	if err := o.count("delete"); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	return nil
}

// Sign returns a fake URL carrying the expiry in X-Amz-Expires.
func (o *Objects) Sign(_ context.Context, key string, ttl time.Duration) (string, error) {
	if err := o.count("sign"); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("X-Amz-Expires", strconv.Itoa(int(ttl/time.Second)))
	return "https://" + o.bucket + ".mem.local/" + key + "?" + q.Encode(), nil
}

func (o *Objects) Ping(context.Context) error {
	return o.count("ping")
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
