// Package audit — repository.go выполняет операции с таблицей verifications.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository работает с таблицей verifications.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт репозиторий журнала аудита.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Insert записывает терминальный вердикт в журнал.
func (r *Repository) Insert(ctx context.Context, v *Verification) error {
	query := `
		INSERT INTO verifications (code, outcome, duress, attempts, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		v.Code, v.Outcome, v.Duress, v.Attempts, v.StartedAt, v.CompletedAt,
	)
	return err
}

// RecentByCode возвращает последние вердикты по коду (свежие первыми).
func (r *Repository) RecentByCode(ctx context.Context, code string, limit int) ([]Verification, error) {
	query := `
		SELECT id, code, outcome, duress, attempts, started_at, completed_at, created_at
		FROM verifications
		WHERE code = $1
		ORDER BY completed_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, code, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки журнала: %w", err)
	}
	defer rows.Close()

	var out []Verification
	for rows.Next() {
		var v Verification
		err := rows.Scan(
			&v.ID, &v.Code, &v.Outcome, &v.Duress, &v.Attempts,
			&v.StartedAt, &v.CompletedAt, &v.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения записи журнала: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountByOutcome возвращает число вердиктов каждого типа за период.
func (r *Repository) CountByOutcome(ctx context.Context, since time.Time) (map[string]int, error) {
	query := `
		SELECT outcome, COUNT(*)
		FROM verifications
		WHERE completed_at >= $1
		GROUP BY outcome
	`
	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("ошибка агрегации журнала: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("ошибка чтения агрегата: %w", err)
		}
		out[outcome] = count
	}
	return out, rows.Err()
}
