package metadata

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aura-nvr/backend/internal/models"
)

const (
	// PrefixIncoming holds objects as first uploaded.
	PrefixIncoming = "incoming/"
	// PrefixQuarantine holds objects whose names could not be parsed.
	PrefixQuarantine = "quarantine/"
)

// CanonicalKey returns <site>/<camera>/<YYYY>/<MM>/<DD>/<name>.
func CanonicalKey(id models.SegmentIdentity, name string) string {
	t := id.Start.UTC()
	return path.Join(id.SiteID, id.CameraID,
		fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", int(t.Month())), fmt.Sprintf("%02d", t.Day()),
		path.Base(name))
}

// Object metadata written on upload and read back by the normalizer.
const (
	MetaSite         = "site_id"
	MetaCamera       = "camera_id"
	MetaStart        = "start_ts"
	MetaSequence     = "sequence"
	MetaOriginalPath = "original_path"
)

// RawKey returns the upload key for an original file name.
func RawKey(name string) string {
	return PrefixIncoming + path.Base(name)
}

// RawKeyFor returns the upload key for a segment. Names that carry their own
// camera upload flat; names whose camera comes from the directory keep
// <site>/<camera>/ so segments of different cameras never share a key.
func (e *Extractor) RawKeyFor(id models.SegmentIdentity, name string) string {
	name = path.Base(name)
	if own, err := e.Extract(name); err == nil && own.CameraID == id.CameraID {
		return RawKey(name)
	}
	return PrefixIncoming + path.Join(id.SiteID, id.CameraID, name)
}

// RelativeRawPath strips the upload prefix from a raw key.
func RelativeRawPath(key string) string {
	return strings.TrimPrefix(key, PrefixIncoming)
}

// QuarantineKey returns the key an unparseable raw object is moved to.
// rel is the raw key or its path below the upload prefix.
func QuarantineKey(rel string) string {
	rel = strings.TrimPrefix(path.Clean("/"+RelativeRawPath(rel)), "/")
	return PrefixQuarantine + rel
}

// ObjectMetadata returns the user metadata stored with an uploaded segment.
func ObjectMetadata(id models.SegmentIdentity, relPath string) map[string]string {
	return map[string]string{
		MetaSite:         id.SiteID,
		MetaCamera:       id.CameraID,
		MetaStart:        id.Start.UTC().Format(time.RFC3339),
		MetaSequence:     strconv.Itoa(id.Sequence),
		MetaOriginalPath: relPath,
	}
}

// IdentityFromMetadata rebuilds an identity from upload metadata. It reports
// false unless camera and start are both present and valid.
func IdentityFromMetadata(meta map[string]string) (models.SegmentIdentity, bool) {
	camera := meta[MetaCamera]
	start, err := time.Parse(time.RFC3339, meta[MetaStart])
	if camera == "" || err != nil {
		return models.SegmentIdentity{}, false
	}
	seq, _ := strconv.Atoi(meta[MetaSequence])
	return models.SegmentIdentity{CameraID: camera, SiteID: meta[MetaSite], Start: start.UTC(), Sequence: seq}, true
}

// SameSegment reports whether stored metadata could describe id. Missing
// fields are not held against it.
func SameSegment(meta map[string]string, id models.SegmentIdentity) bool {
	if v := meta[MetaSite]; v != "" && v != id.SiteID {
		return false
	}
	if v := meta[MetaCamera]; v != "" && v != id.CameraID {
		return false
	}
	if v := meta[MetaStart]; v != "" {
		start, err := time.Parse(time.RFC3339, v)
		if err != nil || !start.Equal(id.Start) {
			return false
		}
	}
	if v := meta[MetaSequence]; v != "" && v != strconv.Itoa(id.Sequence) {
		return false
	}
	return true
}

// IsRawKey reports whether key is under the upload prefix.
func IsRawKey(key string) bool {
	return strings.HasPrefix(key, PrefixIncoming) && len(key) > len(PrefixIncoming)
}

// ParseCanonicalKey recovers the identity from a canonical key and checks
// that the key agrees with the identity its name encodes.
func (e *Extractor) ParseCanonicalKey(key string) (models.SegmentIdentity, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 6 {
		return models.SegmentIdentity{}, &ParseError{Name: key, Reason: "not a canonical key"}
	}
	site, camera, name := parts[0], parts[1], parts[5]
	id, err := e.Extract(path.Join(site, camera, name))
	if err != nil {
		return models.SegmentIdentity{}, err
	}
	id.SiteID = site
	if CanonicalKey(id, name) != key {
		return models.SegmentIdentity{}, &ParseError{Name: key, Reason: "key does not match encoded identity"}
	}
	return id, nil
}
