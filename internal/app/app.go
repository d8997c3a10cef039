// Package app инициализирует все компоненты приложения.
// app.go — точка сборки: создаёт (опциональный) БД-пул, журнал аудита,
// реестр сессий, WebSocket- и HTTP-серверы и планировщик задач.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"liveness-server/internal/config"
	"liveness-server/internal/db/postgres"
	"liveness-server/internal/features/audit"
	"liveness-server/internal/features/pipeline"
	"liveness-server/internal/features/session"
	"liveness-server/internal/httpapi"
	"liveness-server/internal/jobs"
	"liveness-server/internal/ws"
)

// App содержит все компоненты приложения.
type App struct {
	Registry  *session.Registry
	WSServer  *ws.Server
	Scheduler *jobs.Scheduler
	DB        *pgxpool.Pool // nil при AUDIT_ENABLED=false

	httpServer *http.Server
	cfg        *config.Config
}

// New создаёт и инициализирует приложение.
// Порядок инициализации важен — компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	// === 1. База данных (только для журнала аудита) ===
	var pool *pgxpool.Pool
	var auditService *audit.Service
	if cfg.AuditEnabled {
		var err error
		pool, err = postgres.NewPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ошибка миграций: %w", err)
		}
		auditService = audit.NewService(audit.NewRepository(pool))
	} else {
		auditService = audit.NewService(nil)
		log.Info("Журнал аудита выключен, сессии живут только в памяти")
	}

	// === 2. Реестр сессий ===
	var onVerdict session.VerdictSink
	if auditService.Enabled() {
		onVerdict = auditService.Record
	}
	registry := session.NewRegistry(cfg, clock.New(), adapterFactory(cfg), onVerdict)

	// === 3. WebSocket-сервер ===
	wsServer := ws.NewServer(cfg, registry)

	// === 4. HTTP-сервер ===
	api := httpapi.NewServer(cfg, registry, wsServer, auditService)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// === 5. Планировщик задач ===
	scheduler := jobs.NewScheduler(cfg, registry)

	return &App{
		Registry:   registry,
		WSServer:   wsServer,
		Scheduler:  scheduler,
		DB:         pool,
		httpServer: httpServer,
		cfg:        cfg,
	}, nil
}

// adapterFactory выбирает бэкенд детекции по конфигурации.
// Сейчас встроен только пустой бэкенд; CV-стек подключается
// реализацией pipeline.DetectionAdapter.
func adapterFactory(cfg *config.Config) session.AdapterFactory {
	switch cfg.DetectorBackend {
	case "none", "":
		return func() pipeline.DetectionAdapter { return pipeline.NopAdapter{} }
	default:
		log.WithField("backend", cfg.DetectorBackend).
			Warn("Неизвестный бэкенд детекции, используется пустой")
		return func() pipeline.DetectionAdapter { return pipeline.NopAdapter{} }
	}
}

// Run запускает HTTP-сервер и планировщик. Блокируется до остановки сервера.
func (a *App) Run(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}

	log.WithField("addr", a.httpServer.Addr).Info("HTTP-сервер запущен")
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ошибка HTTP-сервера: %w", err)
	}
	return nil
}

// Shutdown останавливает компоненты в обратном порядке зависимостей.
func (a *App) Shutdown(ctx context.Context) {
	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("HTTP-сервер остановлен с ошибкой")
	}
	a.Scheduler.Stop()
	a.WSServer.Shutdown()
	a.Registry.Shutdown()
	if a.DB != nil {
		a.DB.Close()
	}
}
