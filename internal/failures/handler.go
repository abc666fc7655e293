package failures

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-nvr/backend/pkg/queue"
	"github.com/aura-nvr/backend/pkg/response"
)

// DeadLetterSource lists index jobs that exhausted their retries.
type DeadLetterSource interface {
	DeadLetters(ctx context.Context, limit int) ([]queue.Job, error)
}

// Handler exposes the ledger and the index dead-letter queue to operators.
type Handler struct {
	reporter *Reporter
	dlq      DeadLetterSource
	logger   *zap.Logger
}

// NewHandler creates a failures handler. dlq may be nil when index jobs do
// not go through Redis.
func NewHandler(reporter *Reporter, dlq DeadLetterSource, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{reporter: reporter, dlq: dlq, logger: logger}
}

// List handles GET /failures?limit=. Newest first; default 100, max 1000.
func (h *Handler) List(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	records, err := h.reporter.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list failures", zap.Error(err))
		response.Internal(c, "failed to list failures")
		return
	}
	response.OK(c, gin.H{"failures": records})
}

// DeadLetters handles GET /failures/dead-letters?limit=. Oldest first.
func (h *Handler) DeadLetters(c *gin.Context) {
	if h.dlq == nil {
		response.NotFound(c, "dead-letter queue not configured")
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	jobs, err := h.dlq.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list dead letters", zap.Error(err))
		response.ServiceUnavailable(c, "dead-letter queue unavailable")
		return
	}
	response.OK(c, gin.H{"dead_letters": jobs})
}

func queryLimit(c *gin.Context) (int, bool) {
	v := c.Query("limit")
	if v == "" {
		return 100, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		response.BadRequest(c, "invalid limit")
		return 0, false
	}
	return min(n, 1000), true
}
