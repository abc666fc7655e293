package cloudsync

import (
	"sort"
	"sync"
	"time"

	"github.com/aura-nvr/backend/internal/models"
)

// StateStore holds the upload state of each local file, keyed by path, size
// and modification time. Terminal records are evicted once older than the
// retention window.
type StateStore struct {
	mu        sync.Mutex
	states    map[string]*models.UploadState
	retention time.Duration
	now       func() time.Time
}

// NewStateStore creates an empty store.
func NewStateStore(retention time.Duration) *StateStore {
	if retention <= 0 {
		retention = time.Hour
	}
	return &StateStore{states: make(map[string]*models.UploadState), retention: retention, now: time.Now}
}

// Detect claims a newly observed file for one worker. Only unknown files and
// failed records can be claimed; any other record is uploaded or held.
func (s *StateStore) Detect(f models.LocalFile) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := f.Key()
	if st, ok := s.states[key]; ok {
		if st.Status != models.UploadFailed {
			return false
		}
		st.Status = models.UploadDetected
		st.UpdatedAt = s.now()
		return true
	}
	s.states[key] = &models.UploadState{
		FileKey:   key,
		Path:      f.Path,
		Status:    models.UploadDetected,
		UpdatedAt: s.now(),
	}
	return true
}

// Transition moves a record to status. Uploading increments the attempt count.
func (s *StateStore) Transition(key string, status models.UploadStatus, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return
	}
	st.Status = status
	st.UpdatedAt = s.now()
	if status == models.UploadUploading {
		st.Attempts++
	}
	if cause != nil {
		st.LastError = cause.Error()
	} else if status == models.UploadUploaded {
		st.LastError = ""
	}
}

// SetObjectKey records where the file was uploaded.
func (s *StateStore) SetObjectKey(key, objectKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[key]; ok {
		st.ObjectKey = objectKey
	}
}

// Get returns a copy of the record for key.
func (s *StateStore) Get(key string) (models.UploadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return models.UploadState{}, false
	}
	return *st, true
}

// Forget drops the record for key.
func (s *StateStore) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
}

// Evict removes terminal records older than the retention window and
// returns how many were removed.
func (s *StateStore) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.retention)
	n := 0
	for k, st := range s.states {
		if st.Status.Terminal() && st.UpdatedAt.Before(cutoff) {
			delete(s.states, k)
			n++
		}
	}
	return n
}

// Counts returns the number of records per status.
func (s *StateStore) Counts() map[models.UploadStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.UploadStatus]int)
	for _, st := range s.states {
		out[st.Status]++
	}
	return out
}

// Failed returns the failed records, oldest first.
func (s *StateStore) Failed() []models.UploadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UploadState
	for _, st := range s.states {
		if st.Status == models.UploadFailed {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}
