// Package videos answers index queries and issues signed playback URLs. It
// holds no state between requests.
package videos

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-nvr/backend/internal/apperr"
	"github.com/aura-nvr/backend/internal/cameras"
	"github.com/aura-nvr/backend/internal/metadata"
	"github.com/aura-nvr/backend/internal/models"
	"github.com/aura-nvr/backend/pkg/indextable"
)

const (
	DefaultLimit     = 50
	MaxLimit         = 1000
	MaxPlaylistItems = 100
	fanOutLimit      = 8
	healthTimeout    = 3 * time.Second
)

// Index is the read side of the index table.
type Index interface {
	Query(ctx context.Context, r indextable.Range) ([]models.IndexEntry, error)
	Get(ctx context.Context, cameraID, sortKey string) (*models.IndexEntry, error)
	Ping(ctx context.Context) error
	ItemCount(ctx context.Context) (int64, error)
}

// Signer issues time-limited URLs for stored objects.
type Signer interface {
	Sign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Pinger checks that a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options bounds URL lifetimes. Region and CloudFrontDomain are reported by
// Status; CloudFrontDomain is set only when URLs are signed by CloudFront.
type Options struct {
	DefaultTTL       time.Duration
	MaxTTL           time.Duration
	Region           string
	CloudFrontDomain string
}

// SearchQuery filters are conjunctive. From and To bound a half-open range
// [From, To); zero values leave a side open.
type SearchQuery struct {
	CameraID string
	SiteID   string
	From     time.Time
	To       time.Time
	Limit    int
	Cursor   string
}

// Page is one page of search results. NextCursor is nil on the last page.
type Page struct {
	Videos     []models.IndexEntry `json:"videos"`
	NextCursor *string             `json:"next_cursor"`
}

// HealthReport is the result of Health.
type HealthReport struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// SystemStatus is the result of Status.
type SystemStatus struct {
	Status        string        `json:"status"`
	Timestamp     time.Time     `json:"timestamp"`
	Index         IndexStats    `json:"vod_service"`
	Configuration Configuration `json:"configuration"`
}

// IndexStats describes the index and playback signing. TotalVideos is nil
// when the table could not be described.
type IndexStats struct {
	TotalVideos       *int64 `json:"total_videos"`
	SignedURLsEnabled bool   `json:"signed_urls_enabled"`
	CloudFrontDomain  string `json:"cloudfront_domain,omitempty"`
	DefaultTTLSeconds int    `json:"default_ttl_seconds"`
	MaxTTLSeconds     int    `json:"max_ttl_seconds"`
}

// Configuration summarizes the deployment the service was started with.
type Configuration struct {
	Cameras          int    `json:"cameras"`
	Sites            int    `json:"sites"`
	Region           string `json:"aws_region,omitempty"`
	CloudFrontDomain string `json:"cloudfront_domain,omitempty"`
}

// Service implements search and stream URL issuance.
type Service struct {
	index     Index
	signer    Signer
	objects   Pinger
	extractor *metadata.Extractor
	cameras   *cameras.Registry
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a service.
func NewService(index Index, signer Signer, objects Pinger, extractor *metadata.Extractor, registry *cameras.Registry, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = 24 * time.Hour
	}
	if opts.DefaultTTL > opts.MaxTTL {
		opts.DefaultTTL = opts.MaxTTL
	}
	if registry == nil {
		registry = cameras.NewRegistry(nil)
	}
	return &Service{
		index:     index,
		signer:    signer,
		objects:   objects,
		extractor: extractor,
		cameras:   registry,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Search returns entries ordered by start time ascending, ties broken by
// camera. Without a camera filter it queries every configured camera, limited
// to SiteID when given, and merges the results.
func (s *Service) Search(ctx context.Context, q SearchQuery) (*Page, error) {
	limit := q.Limit
	switch {
	case limit < 0:
		return nil, fmt.Errorf("%w: limit must be positive", apperr.ErrInvalidArgument)
	case limit == 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return nil, fmt.Errorf("%w: from must be before to", apperr.ErrInvalidArgument)
	}
	cur, err := decodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}

	cams := []string{q.CameraID}
	if q.CameraID == "" {
		cams = s.cameras.IDs(q.SiteID)
	}

	results := make([][]models.IndexEntry, len(cams))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)
	for i, cam := range cams {
		i, cam := i, cam
		g.Go(func() error {
			entries, err := s.scan(gctx, cam, q, cur, limit+1)
			if err != nil {
				return fmt.Errorf("query camera %s: %w", cam, err)
			}
			results[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := merge(results)
	page := &Page{Videos: merged}
	if len(merged) > limit {
		page.Videos = merged[:limit]
		last := page.Videos[limit-1]
		next := cursor{SortKey: last.SortKey, CameraID: last.CameraID}.encode()
		page.NextCursor = &next
	}
	if page.Videos == nil {
		page.Videos = []models.IndexEntry{}
	}
	return page, nil
}

// scan reads up to want entries of one camera positioned after cur, skipping
// entries outside SiteID.
func (s *Service) scan(ctx context.Context, cam string, q SearchQuery, cur *cursor, want int) ([]models.IndexEntry, error) {
	r := indextable.Range{CameraID: cam, From: q.From, To: q.To, Limit: want}
	if cur != nil {
		if cam > cur.CameraID {
			r.After = indextable.Before(cur.SortKey)
		} else {
			r.After = cur.SortKey
		}
	}
	var out []models.IndexEntry
	for len(out) < want {
		batch, err := s.index.Query(ctx, r)
		if err != nil {
			return nil, err
		}
		for _, e := range batch {
			if q.SiteID == "" || e.SiteID == q.SiteID {
				out = append(out, e)
			}
		}
		if len(batch) < r.Limit {
			break
		}
		r.After = batch[len(batch)-1].SortKey
	}
	if len(out) > want {
		out = out[:want]
	}
	return out, nil
}

// merge combines per-camera results, each already in sort key order.
func merge(lists [][]models.IndexEntry) []models.IndexEntry {
	var out []models.IndexEntry
	for _, l := range lists {
		out = append(out, l...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i].SortKey, out[i].CameraID, out[j].SortKey, out[j].CameraID)
	})
	return out
}

// Lookup returns the index entry referencing key.
func (s *Service) Lookup(ctx context.Context, key string) (*models.IndexEntry, error) {
	id, err := s.extractor.ParseCanonicalKey(key)
	if err != nil {
		return nil, apperr.NotFound(fmt.Errorf("video %s", key))
	}
	for _, sk := range []string{indextable.SortKey(id.Start), indextable.CompositeSortKey(id.Start, id.Sequence)} {
		e, err := s.index.Get(ctx, id.CameraID, sk)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if e.S3Key == key {
			return e, nil
		}
	}
	return nil, apperr.NotFound(fmt.Errorf("video %s", key))
}

// ClampTTL applies the default for non-positive ttl and caps it at MaxTTL.
func (s *Service) ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.opts.DefaultTTL
	}
	if ttl > s.opts.MaxTTL {
		return s.opts.MaxTTL
	}
	return ttl
}

// GetStreamURL signs key for playback. Keys without an index entry are
// NotFound.
func (s *Service) GetStreamURL(ctx context.Context, key string, ttl time.Duration) (*models.Grant, error) {
	if _, err := s.Lookup(ctx, key); err != nil {
		return nil, err
	}
	ttl = s.ClampTTL(ttl)
	now := s.now().UTC()
	url, err := s.signer.Sign(ctx, key, ttl)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", key, err)
	}
	return &models.Grant{Key: key, URL: url, ExpiresAt: now.Add(ttl).Truncate(time.Second)}, nil
}

// CreatePlaylist signs every key with one expiry.
func (s *Service) CreatePlaylist(ctx context.Context, keys []string, ttl time.Duration) (*models.Playlist, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: video_keys is empty", apperr.ErrInvalidArgument)
	}
	if len(keys) > MaxPlaylistItems {
		return nil, fmt.Errorf("%w: at most %d videos per playlist", apperr.ErrInvalidArgument, MaxPlaylistItems)
	}
	ttl = s.ClampTTL(ttl)
	now := s.now().UTC()
	p := &models.Playlist{
		ID:        uuid.New().String(),
		CreatedAt: now.Truncate(time.Second),
		ExpiresAt: now.Add(ttl).Truncate(time.Second),
		Videos:    make([]models.Grant, 0, len(keys)),
	}
	for _, key := range keys {
		if _, err := s.Lookup(ctx, key); err != nil {
			return nil, err
		}
		url, err := s.signer.Sign(ctx, key, ttl)
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", key, err)
		}
		p.Videos = append(p.Videos, models.Grant{Key: key, URL: url, ExpiresAt: p.ExpiresAt})
	}
	return p, nil
}

// Health pings the index table and object storage. It never mutates either.
func (s *Service) Health(ctx context.Context) HealthReport {
	checks := map[string]Pinger{"index_table": s.index, "object_storage": s.objects}
	report := HealthReport{Status: "ok", Timestamp: s.now().UTC(), Checks: make(map[string]string, len(checks))}
	for name, p := range checks {
		if p == nil {
			report.Checks[name] = "not configured"
			report.Status = "degraded"
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, healthTimeout)
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			s.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			report.Checks[name] = "unreachable"
			report.Status = "degraded"
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}

// Status reports index size, signing mode and configuration counts. A table
// that cannot be described leaves TotalVideos unset rather than failing.
func (s *Service) Status(ctx context.Context) SystemStatus {
	st := SystemStatus{
		Status:    "running",
		Timestamp: s.now().UTC(),
		Index: IndexStats{
			SignedURLsEnabled: s.opts.CloudFrontDomain != "",
			CloudFrontDomain:  s.opts.CloudFrontDomain,
			DefaultTTLSeconds: int(s.opts.DefaultTTL / time.Second),
			MaxTTLSeconds:     int(s.opts.MaxTTL / time.Second),
		},
		Configuration: Configuration{
			Cameras:          len(s.cameras.List()),
			Sites:            len(s.cameras.Sites()),
			Region:           s.opts.Region,
			CloudFrontDomain: s.opts.CloudFrontDomain,
		},
	}
	cctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	n, err := s.index.ItemCount(cctx)
	if err != nil {
		s.logger.Warn("count index items", zap.Error(err))
		return st
	}
	st.Index.TotalVideos = &n
	return st
}
