// Package jobs управляет фоновыми задачами (cron).
// scheduler.go настраивает расписание: периодический проход реапера
// по реестру сессий.
package jobs

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"liveness-server/internal/config"
	"liveness-server/internal/features/session"
)

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron     *cron.Cron
	cfg      *config.Config
	registry *session.Registry
}

// NewScheduler создаёт планировщик задач.
func NewScheduler(cfg *config.Config, registry *session.Registry) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		cfg:      cfg,
		registry: registry,
	}
}

// Start запускает все фоновые задачи.
func (s *Scheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.cfg.ReaperInterval)

	_, err := s.cron.AddFunc(spec, func() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if evicted := s.registry.ReapOnce(); evicted > 0 {
			log.WithField("evicted", evicted).Info("[CRON] Реапер снял сессии")
		}
	})
	if err != nil {
		return fmt.Errorf("не удалось зарегистрировать реапер: %w", err)
	}

	s.cron.Start()
	log.WithField("interval", s.cfg.ReaperInterval).Info("Планировщик задач запущен")
	return nil
}

// Stop останавливает планировщик и дожидается завершения текущих задач.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}
