package models

import "time"

// IndexEntry is one row of the video index. SortKey is the table sort key,
// either the RFC 3339 start time or "<start>#<sequence>" after a collision.
type IndexEntry struct {
	CameraID    string    `json:"camera_id"`
	SortKey     string    `json:"-"`
	Start       time.Time `json:"start_timestamp"`
	SiteID      string    `json:"site_id"`
	Sequence    int       `json:"sequence"`
	S3Key       string    `json:"s3_key"`
	FileSize    int64     `json:"file_size"`
	DurationSec *int      `json:"duration_sec,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Grant is a time-limited playback link for one stored object.
type Grant struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Playlist is a set of grants issued together.
type Playlist struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Videos    []Grant   `json:"videos"`
}

// Camera is a configured camera as exposed by the API.
type Camera struct {
	CameraID string `json:"camera_id"`
	SiteID   string `json:"site_id"`
	Enabled  bool   `json:"enabled"`
}

// Site groups cameras by location.
type Site struct {
	SiteID  string   `json:"site_id"`
	Cameras []string `json:"cameras"`
}

// IndexRequest asks the indexer to index one canonical object.
type IndexRequest struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}
