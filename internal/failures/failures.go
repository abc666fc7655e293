// Package failures is the operator-visible ledger of terminal pipeline
// failures: uploads that exhausted retries, quarantined objects and index
// writes that could not be resolved.
package failures

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-nvr/backend/internal/apperr"
	"github.com/aura-nvr/backend/internal/metrics"
	"github.com/aura-nvr/backend/internal/models"
)

// Sink stores failure records.
type Sink interface {
	Record(ctx context.Context, f models.Failure) error
	List(ctx context.Context, limit int) ([]models.Failure, error)
}

// Reporter turns errors into ledger records. Ledger write errors are logged
// and never returned to the caller.
type Reporter struct {
	sink   Sink
	logger *zap.Logger
}

// NewReporter creates a reporter. A nil sink keeps records in memory.
func NewReporter(sink Sink, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NewMemory(1000)
	}
	return &Reporter{sink: sink, logger: logger}
}

// Report records a terminal failure for subject at stage.
func (r *Reporter) Report(ctx context.Context, stage, subject string, attempts int, err error) {
	if err == nil {
		return
	}
	f := models.Failure{
		ID:        uuid.New(),
		Stage:     stage,
		Kind:      apperr.Kind(err),
		Subject:   subject,
		Message:   err.Error(),
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	}
	metrics.Failures.WithLabelValues(stage, f.Kind).Inc()
	r.logger.Error("pipeline failure",
		zap.String("stage", stage),
		zap.String("kind", f.Kind),
		zap.String("subject", subject),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	if werr := r.sink.Record(ctx, f); werr != nil {
		r.logger.Error("record failure", zap.String("subject", subject), zap.Error(werr))
	}
}

// List returns the newest records first.
func (r *Reporter) List(ctx context.Context, limit int) ([]models.Failure, error) {
	return r.sink.List(ctx, limit)
}

// Memory is a bounded in-process Sink. The oldest record is evicted once
// max records are held.
type Memory struct {
	mu      sync.Mutex
	max     int
	records []models.Failure
}

// NewMemory creates a memory sink holding at most max records.
func NewMemory(max int) *Memory {
	if max <= 0 {
		max = 1000
	}
	return &Memory{max: max}
}

func (m *Memory) Record(_ context.Context, f models.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, f)
	if len(m.records) > m.max {
		m.records = m.records[len(m.records)-m.max:]
	}
	return nil
}

func (m *Memory) List(_ context.Context, limit int) ([]models.Failure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]models.Failure, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}
