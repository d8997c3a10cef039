// Package postgres управляет подключением к базе данных PostgreSQL.
// Используется пул соединений pgxpool: журнал аудита пишется из воркеров
// сессий, пул безопасен для нескольких горутин одновременно.
//
// База нужна только журналу аудита (AUDIT_ENABLED=true). Сами сессии
// верификации живут в памяти процесса и в базу не попадают.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"liveness-server/internal/config"
)

// NewPool создаёт новый пул соединений к PostgreSQL.
//
// Параметры:
//   - ctx: контекст для отмены операции
//   - cfg: конфигурация с параметрами подключения
//
// Возвращает готовый к использованию пул или ошибку подключения.
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	// Настройки пула соединений
	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MinConns = cfg.DBMinConns
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула: %w", err)
	}

	// Проверяем, что база доступна
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("база данных недоступна: %w", err)
	}

	log.Info("Подключение к PostgreSQL установлено")
	return pool, nil
}

// RunMigrations приводит схему журнала аудита к актуальному виду.
// Схема из одной таблицы, поэтому миграции выполняются встроенным SQL
// без зависимости golang-migrate.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("не удалось получить соединение: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS verifications (
			id           BIGSERIAL PRIMARY KEY,
			code         VARCHAR(12) NOT NULL,
			outcome      VARCHAR(16) NOT NULL,
			duress       BOOLEAN NOT NULL DEFAULT FALSE,
			attempts     INTEGER NOT NULL DEFAULT 0,
			started_at   TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ошибка миграции таблицы verifications: %w", err)
	}

	_, err = conn.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_verifications_code
		ON verifications (code, completed_at)
	`)
	if err != nil {
		return fmt.Errorf("ошибка создания индекса verifications: %w", err)
	}

	log.Info("Миграции журнала аудита применены")
	return nil
}
