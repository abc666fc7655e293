package failures

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-nvr/backend/internal/models"
)

// Repository persists failure records in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a failures repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record inserts one failure.
func (r *Repository) Record(ctx context.Context, f models.Failure) error {
	const q = `INSERT INTO pipeline_failures (id, stage, kind, subject, message, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, q, f.ID, f.Stage, f.Kind, f.Subject, f.Message, f.Attempts, f.CreatedAt)
	return err
}

// List returns up to limit failures, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]models.Failure, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id, stage, kind, subject, message, attempts, created_at
		FROM pipeline_failures ORDER BY created_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Failure
	for rows.Next() {
		var f models.Failure
		if err := rows.Scan(&f.ID, &f.Stage, &f.Kind, &f.Subject, &f.Message, &f.Attempts, &f.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, f)
	}
	return list, rows.Err()
}
