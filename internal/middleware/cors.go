package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, Authorization"
	corsMaxAge  = "86400"
)

// originSet is the parsed CORS_ALLOWED_ORIGINS value. An empty set or "*"
// allows any origin.
type originSet struct {
	any     bool
	allowed map[string]bool
}

func parseOrigins(s string) originSet {
	set := originSet{allowed: make(map[string]bool)}
	for _, o := range strings.Split(s, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			set.any = true
		default:
			set.allowed[o] = true
		}
	}
	if len(set.allowed) == 0 {
		set.any = true
	}
	return set
}

// allow returns the Access-Control-Allow-Origin value for origin, or "" when
// the origin is refused.
func (s originSet) allow(origin string) string {
	if s.any {
		return "*"
	}
	if origin != "" && s.allowed[origin] {
		return origin
	}
	return ""
}

// CORS answers preflight requests and tags responses for allowed origins.
func CORS(allowedOrigins string) gin.HandlerFunc {
	origins := parseOrigins(allowedOrigins)
	return func(c *gin.Context) {
		allow := origins.allow(c.GetHeader("Origin"))
		if !origins.any {
			c.Header("Vary", "Origin")
		}
		if allow != "" {
			c.Header("Access-Control-Allow-Origin", allow)
			c.Header("Access-Control-Allow-Methods", corsMethods)
			c.Header("Access-Control-Allow-Headers", corsHeaders)
			c.Header("Access-Control-Max-Age", corsMaxAge)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
