// Package audit — service.go содержит бизнес-логику журнала аудита.
//
// Журнал опционален: без пула соединений сервис превращается в no-op,
// и остальной сервер про базу ничего не знает.
package audit

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"liveness-server/internal/features/session"
)

// сколько ждём запись вердикта в базу
const insertTimeout = 5 * time.Second

// Service записывает терминальные вердикты сессий в журнал.
type Service struct {
	repo *Repository // nil — журнал выключен
}

// NewService создаёт сервис журнала аудита. repo может быть nil.
func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

// Enabled сообщает, включён ли журнал.
func (s *Service) Enabled() bool {
	return s.repo != nil
}

// Record записывает терминальный вердикт сессии.
// Вызывается из воркера сессии, поэтому запись уходит в фоне:
// недоступная база не должна задерживать ответ клиенту.
func (s *Service) Record(rec session.VerdictRecord) {
	if s.repo == nil {
		return
	}

	v := &Verification{
		Code:        rec.Code,
		Outcome:     string(rec.Outcome),
		Duress:      rec.Duress,
		Attempts:    rec.Attempts,
		StartedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		defer cancel()

		if err := s.repo.Insert(ctx, v); err != nil {
			// Журнал best-effort: вердикт уже доставлен клиенту
			log.WithError(err).WithField("code", v.Code).
				Error("Не удалось записать вердикт в журнал аудита")
			return
		}
		log.WithFields(log.Fields{
			"code":    v.Code,
			"outcome": v.Outcome,
		}).Debug("Вердикт записан в журнал аудита")
	}()
}

// History возвращает последние вердикты по коду.
func (s *Service) History(ctx context.Context, code string, limit int) ([]Verification, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.RecentByCode(ctx, code, limit)
}

// Stats возвращает распределение вердиктов по типам с момента since.
func (s *Service) Stats(ctx context.Context, since time.Time) (map[string]int, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.CountByOutcome(ctx, since)
}
