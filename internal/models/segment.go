package models

import (
	"fmt"
	"time"
)

// SegmentIdentity identifies one recorded segment. It is derived from the
// file name and path and never stored on its own.
type SegmentIdentity struct {
	CameraID string    `json:"camera_id"`
	SiteID   string    `json:"site_id"`
	Start    time.Time `json:"start_timestamp"`
	Sequence int       `json:"sequence"`
}

// LocalFile is a segment file observed on shared storage.
type LocalFile struct {
	Path     string          `json:"path"`
	RelPath  string          `json:"rel_path"`
	Size     int64           `json:"size"`
	ModTime  time.Time       `json:"mod_time"`
	Identity SegmentIdentity `json:"identity"`
}

// Key returns the local file identity: path, size and modification time.
func (f LocalFile) Key() string {
	return fmt.Sprintf("%s|%d|%d", f.Path, f.Size, f.ModTime.UnixNano())
}

// UploadStatus is the uploader's per-file lifecycle.
type UploadStatus string

const (
	UploadDetected  UploadStatus = "detected"
	UploadValidated UploadStatus = "validated"
	UploadUploading UploadStatus = "uploading"
	UploadUploaded  UploadStatus = "uploaded"
	UploadFailed    UploadStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s UploadStatus) Terminal() bool {
	return s == UploadUploaded || s == UploadFailed
}

// UploadState is the uploader's record for one local file.
type UploadState struct {
	FileKey   string       `json:"file_key"`
	Path      string       `json:"path"`
	Status    UploadStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	ObjectKey string       `json:"object_key,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ObjectRef points at an object named by a storage event.
type ObjectRef struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	Size      int64  `json:"size"`
	EventName string `json:"event_name,omitempty"`
}
