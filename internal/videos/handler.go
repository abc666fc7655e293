package videos

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-nvr/backend/internal/apperr"
	"github.com/aura-nvr/backend/pkg/response"
)

// Handler exposes the service over HTTP.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a videos handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the video and playlist routes on g. Canonical keys contain
// slashes, so all video routes share one catch-all and are dispatched by
// suffix. Health is mounted separately so it can stay unauthenticated.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/videos/*path", h.dispatch)
	g.POST("/playlists", h.CreatePlaylist)
	g.GET("/system/status", h.Status)
}

func (h *Handler) dispatch(c *gin.Context) {
	p := strings.TrimPrefix(c.Param("path"), "/")
	switch {
	case p == "search":
		h.Search(c)
	case strings.HasSuffix(p, "/stream"):
		h.Stream(c, strings.TrimSuffix(p, "/stream"))
	case p != "":
		h.Get(c, p)
	default:
		response.NotFound(c, "not found")
	}
}

// Search handles GET /videos/search.
func (h *Handler) Search(c *gin.Context) {
	q := SearchQuery{
		CameraID: c.Query("camera_id"),
		SiteID:   c.Query("site_id"),
		Cursor:   c.Query("cursor"),
	}
	var err error
	if q.From, err = parseTime(c.Query("from")); err != nil {
		response.BadRequest(c, "invalid from: "+err.Error())
		return
	}
	if q.To, err = parseTime(c.Query("to")); err != nil {
		response.BadRequest(c, "invalid to: "+err.Error())
		return
	}
	if v := c.Query("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			response.BadRequest(c, "invalid limit")
			return
		}
	}

	page, err := h.svc.Search(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "search videos", err)
		return
	}
	response.OK(c, page)
}

// Get handles GET /videos/{key}.
func (h *Handler) Get(c *gin.Context, key string) {
	e, err := h.svc.Lookup(c.Request.Context(), key)
	if err != nil {
		h.fail(c, "get video", err)
		return
	}
	response.OK(c, e)
}

// Stream handles GET /videos/{key}/stream.
func (h *Handler) Stream(c *gin.Context, key string) {
	ttl, err := parseTTL(c.Query("ttl"))
	if err != nil {
		response.BadRequest(c, "invalid ttl")
		return
	}
	grant, err := h.svc.GetStreamURL(c.Request.Context(), key, ttl)
	if err != nil {
		h.fail(c, "stream url", err)
		return
	}
	response.OK(c, gin.H{"url": grant.URL, "expires_at": grant.ExpiresAt})
}

type playlistRequest struct {
	VideoKeys []string `json:"video_keys" binding:"required"`
	TTL       int      `json:"ttl"`
}

// CreatePlaylist handles POST /playlists.
func (h *Handler) CreatePlaylist(c *gin.Context) {
	var req playlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	p, err := h.svc.CreatePlaylist(c.Request.Context(), req.VideoKeys, time.Duration(req.TTL)*time.Second)
	if err != nil {
		h.fail(c, "create playlist", err)
		return
	}
	response.Created(c, p)
}

// Health handles GET /health. Degraded backends report 503.
func (h *Handler) Health(c *gin.Context) {
	report := h.svc.Health(c.Request.Context())
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Status handles GET /system/status.
func (h *Handler) Status(c *gin.Context) {
	response.OK(c, h.svc.Status(c.Request.Context()))
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	switch apperr.Kind(err) {
	case apperr.KindInvalid, apperr.KindNotFound:
	default:
		h.logger.Error(op+" failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	response.Error(c, err)
}

// parseTime accepts RFC 3339 or Unix seconds.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or unix seconds")
	}
	return time.Unix(n, 0).UTC(), nil
}

// parseTTL accepts seconds or a Go duration. Empty means default.
func parseTTL(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}
