// Package cameras enumerates configured cameras and sites.
package cameras

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-nvr/backend/config"
	"github.com/aura-nvr/backend/internal/models"
	"github.com/aura-nvr/backend/pkg/response"
)

// Registry is read-only after construction.
type Registry struct {
	cameras []models.Camera
	byID    map[string]models.Camera
}

// NewRegistry builds a registry from configuration. Later duplicates of a
// camera ID are ignored.
func NewRegistry(cfg []config.CameraConfig) *Registry {
	r := &Registry{byID: make(map[string]models.Camera, len(cfg))}
	for _, c := range cfg {
		if _, dup := r.byID[c.CameraID]; dup {
			continue
		}
		cam := models.Camera{CameraID: c.CameraID, SiteID: c.SiteID, Enabled: c.Enabled}
		r.cameras = append(r.cameras, cam)
		r.byID[c.CameraID] = cam
	}
	return r
}

// List returns cameras in configuration order.
func (r *Registry) List() []models.Camera {
	out := make([]models.Camera, len(r.cameras))
	copy(out, r.cameras)
	return out
}

// Lookup returns the camera with id.
func (r *Registry) Lookup(id string) (models.Camera, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// IDs returns camera IDs at site, or all IDs when site is empty.
func (r *Registry) IDs(site string) []string {
	var out []string
	for _, c := range r.cameras {
		if site == "" || c.SiteID == site {
			out = append(out, c.CameraID)
		}
	}
	return out
}

// Sites groups cameras by site in order of first appearance.
func (r *Registry) Sites() []models.Site {
	var out []models.Site
	idx := make(map[string]int)
	for _, c := range r.cameras {
		i, ok := idx[c.SiteID]
		if !ok {
			i = len(out)
			idx[c.SiteID] = i
			out = append(out, models.Site{SiteID: c.SiteID})
		}
		out[i].Cameras = append(out[i].Cameras, c.CameraID)
	}
	return out
}

// Handler serves the camera and site enumerations.
type Handler struct {
	registry *Registry
}

// NewHandler creates a cameras handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// List handles GET /api/v1/cameras.
func (h *Handler) List(c *gin.Context) {
	response.OK(c, gin.H{"cameras": h.registry.List()})
}

// Sites handles GET /api/v1/sites.
func (h *Handler) Sites(c *gin.Context) {
	response.OK(c, gin.H{"sites": h.registry.Sites()})
}
