// Package metadata derives segment identities from camera file names and
// builds the object keys used across the pipeline.
package metadata

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aura-nvr/backend/internal/apperr"
	"github.com/aura-nvr/backend/internal/models"
)

// ParseError reports a name that no pattern accepts.
type ParseError struct {
	Name   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Name, e.Reason)
}

func (e *ParseError) Unwrap() error { return apperr.ErrParse }

// Pattern is one file naming convention. The expression must match the whole
// file stem and may capture "camera", "ts" and "seq". ts is parsed with
// layout in UTC. Without a camera group the camera is taken from the
// containing directory.
type Pattern struct {
	Name   string
	re     *regexp.Regexp
	layout string
}

// NewPattern compiles a naming convention. The expression is anchored.
func NewPattern(name, expr, layout string) (Pattern, error) {
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return Pattern{}, fmt.Errorf("pattern %s: %w", name, err)
	}
	if re.SubexpIndex("ts") < 0 {
		return Pattern{}, fmt.Errorf("pattern %s: missing ts group", name)
	}
	return Pattern{Name: name, re: re, layout: layout}, nil
}

func mustPattern(name, expr, layout string) Pattern {
	p, err := NewPattern(name, expr, layout)
	if err != nil {
		panic(err)
	}
	return p
}

// DefaultPatterns returns the built-in conventions, vendor formats first.
func DefaultPatterns() []Pattern {
	return []Pattern{
		// Amcrest/Dahua export: 20250814_123045_ch1_0001
		mustPattern("nvr", `(?P<ts>\d{8}_\d{6})_(?P<camera>[A-Za-z0-9-]+)_(?P<seq>\d+)`, "20060102_150405"),
		// ch1_20250814123045, ch01-20250814123045_2
		mustPattern("channel", `(?P<camera>ch\d{1,3})[_-]?(?P<ts>\d{14})(?:_(?P<seq>\d+))?`, "20060102150405"),
		// frontdoor_20250814T123045Z
		mustPattern("camera-iso", `(?P<camera>[A-Za-z0-9-]+)_(?P<ts>\d{8}T\d{6})Z?(?:_(?P<seq>\d+))?`, "20060102T150405"),
		// frontdoor_20250814123045_3
		mustPattern("generic", `(?P<camera>[A-Za-z0-9-]+)_(?P<ts>\d{14})(?:_(?P<seq>\d+))?`, "20060102150405"),
		// 20250814_123045 inside a camera directory
		mustPattern("timestamp-only", `(?P<ts>\d{8}_\d{6})`, "20060102_150405"),
	}
}

// Extractor maps file names and relative paths to segment identities.
// It holds no mutable state and is safe for concurrent use.
type Extractor struct {
	DefaultSite string
	Patterns    []Pattern
}

// New returns an extractor with the default pattern table.
func New(defaultSite string) *Extractor {
	return &Extractor{DefaultSite: defaultSite, Patterns: DefaultPatterns()}
}

// Extract parses a file name or a slash-separated path relative to the
// storage root. The first directory names the site unless it is also the
// camera; otherwise DefaultSite is used.
func (e *Extractor) Extract(nameOrPath string) (models.SegmentIdentity, error) {
	p := strings.ReplaceAll(strings.TrimSpace(nameOrPath), `\`, "/")
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	name := path.Base(p)
	dirs := splitDirs(path.Dir(p))

	stem := strings.TrimSuffix(name, path.Ext(name))
	if stem == "" {
		return models.SegmentIdentity{}, &ParseError{Name: nameOrPath, Reason: "empty file name"}
	}

	for _, pat := range e.Patterns {
		m := pat.re.FindStringSubmatch(stem)
		if m == nil {
			continue
		}
		id, err := pat.identity(m, dirs)
		if err != nil {
			return models.SegmentIdentity{}, &ParseError{Name: nameOrPath, Reason: pat.Name + ": " + err.Error()}
		}
		id.SiteID = e.site(dirs, id.CameraID)
		return id, nil
	}
	return models.SegmentIdentity{}, &ParseError{Name: nameOrPath, Reason: "no pattern matched"}
}

func (p Pattern) identity(m []string, dirs []string) (models.SegmentIdentity, error) {
	group := func(name string) string {
		if i := p.re.SubexpIndex(name); i >= 0 {
			return m[i]
		}
		return ""
	}

	start, err := time.ParseInLocation(p.layout, group("ts"), time.UTC)
	if err != nil {
		return models.SegmentIdentity{}, fmt.Errorf("invalid timestamp %q", group("ts"))
	}

	camera := group("camera")
	if camera == "" {
		camera = cameraFromDirs(dirs)
		if camera == "" {
			return models.SegmentIdentity{}, fmt.Errorf("no camera in name or directory")
		}
	}

	seq := 0
	if s := group("seq"); s != "" {
		seq, err = strconv.Atoi(s)
		if err != nil {
			return models.SegmentIdentity{}, fmt.Errorf("invalid sequence %q", s)
		}
	}
	return models.SegmentIdentity{CameraID: camera, Start: start, Sequence: seq}, nil
}

func (e *Extractor) site(dirs []string, camera string) string {
	if len(dirs) > 0 && dirs[0] != camera && !isDigits(dirs[0]) {
		return dirs[0]
	}
	return e.DefaultSite
}

// cameraFromDirs returns the innermost directory that is not a date part.
func cameraFromDirs(dirs []string) string {
	for i := len(dirs) - 1; i >= 0; i-- {
		if !isDigits(dirs[i]) {
			return dirs[i]
		}
	}
	return ""
}

func splitDirs(dir string) []string {
	if dir == "." || dir == "/" || dir == "" {
		return nil
	}
	return strings.Split(dir, "/")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
