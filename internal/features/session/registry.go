// Package session — registry.go содержит реестр сессий верификации.
//
// Реестр — единственный владелец карты код → сессия. Лок короткий:
// берётся на вставку, поиск и снятие, но никогда не удерживается
// на время вызова детекции или прохода реапера по конвейерам.
package session

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"liveness-server/internal/common"
	"liveness-server/internal/config"
	"liveness-server/internal/features/challenge"
	"liveness-server/internal/features/pipeline"
	"liveness-server/internal/metrics"
)

// сколько раз пробуем сгенерировать код до отказа при коллизиях
const codeGenAttempts = 10

// AdapterFactory создаёт бэкенд детекции для новой сессии.
type AdapterFactory func() pipeline.DetectionAdapter

// VerdictSink принимает терминальный вердикт (журнал аудита).
// Вызывается из воркера сессии: реализация не должна блокироваться.
type VerdictSink func(rec VerdictRecord)

// Registry — реестр живых сессий верификации.
type Registry struct {
	cfg        *config.Config
	clk        clock.Clock
	newAdapter AdapterFactory
	onVerdict  VerdictSink // nil — аудит выключен

	mu       sync.Mutex
	sessions map[string]*VerificationSession
}

// NewRegistry создаёт пустой реестр.
func NewRegistry(cfg *config.Config, clk clock.Clock, newAdapter AdapterFactory, onVerdict VerdictSink) *Registry {
	return &Registry{
		cfg:        cfg,
		clk:        clk,
		newAdapter: newAdapter,
		onVerdict:  onVerdict,
		sessions:   make(map[string]*VerificationSession),
	}
}

// Create создаёт новую сессию: генерирует код, свободный от коллизий
// с живыми сессиями, и регистрирует её в статусе PENDING_JOIN.
// requesterID — соединение запросившей стороны (пустое для HTTP-создания).
func (r *Registry) Create(requesterID string) (*VerificationSession, error) {
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < codeGenAttempts; attempt++ {
		code, err := common.GenerateDigitCode(r.cfg.CodeLength)
		if err != nil {
			return nil, err
		}
		if _, exists := r.sessions[code]; exists {
			continue
		}

		s := &VerificationSession{
			Code:        code,
			Status:      StatusPendingJoin,
			CreatedAt:   now,
			ExpiresAt:   now.Add(r.cfg.CodeExpiry),
			RequesterID: requesterID,
		}
		r.sessions[code] = s

		metrics.SessionsCreated.Inc()
		metrics.SessionsActive.Set(float64(len(r.sessions)))
		log.WithFields(log.Fields{
			"code":    code,
			"expires": s.ExpiresAt,
		}).Info("Создана сессия верификации")
		return s, nil
	}
	return nil, common.ErrCodeCollision
}

// CheckCode проверяет, действителен ли код: сессия существует,
// не терминальна и код не истёк. Только чтение, состояние не меняет.
func (r *Registry) CheckCode(code string) bool {
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[code]
	return ok && !s.Terminal() && !s.Expired(now)
}

// Get возвращает сессию по коду.
func (r *Registry) Get(code string) (*VerificationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[code]
	if !ok {
		return nil, common.ErrCodeNotFound
	}
	return s, nil
}

// Join подключает верифицируемого к сессии по коду и запускает
// (или переподключает) конвейер обработки.
//
// onTerminal вызывается из воркера сессии ровно один раз при
// терминальном вердикте, после бухгалтерии реестра и журнала аудита.
func (r *Registry) Join(
	code, verifierID string,
	emitter pipeline.Emitter,
	onTerminal pipeline.TerminalFunc,
	onPartner pipeline.PartnerFunc,
) (*VerificationSession, error) {
	s, started, err := r.joinLocked(code, verifierID, emitter, onTerminal, onPartner)
	if err != nil {
		return nil, err
	}

	// Запуск конвейера (первая отправка челленджа в сокет) — вне лока реестра
	if started {
		s.Pipeline.Start()
		log.WithFields(log.Fields{"code": code, "conn": verifierID}).
			Info("Верифицируемый подключился, сессия активирована")
	} else {
		s.Pipeline.Attach(emitter)
		log.WithFields(log.Fields{"code": code, "conn": verifierID}).
			Info("Верифицируемый переподключился к сессии")
	}
	return s, nil
}

// joinLocked выполняет бухгалтерию join под локом реестра.
// Возвращает started=true, если конвейер создан и его надо запустить.
func (r *Registry) joinLocked(
	code, verifierID string,
	emitter pipeline.Emitter,
	onTerminal pipeline.TerminalFunc,
	onPartner pipeline.PartnerFunc,
) (*VerificationSession, bool, error) {
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[code]
	if !ok {
		return nil, false, common.ErrCodeNotFound
	}
	if s.Status == StatusExpired || (s.Status == StatusPendingJoin && s.Expired(now)) {
		s.Status = StatusExpired
		return nil, false, common.ErrCodeExpired
	}
	if s.Status == StatusCompleted {
		return nil, false, common.ErrSessionTerminal
	}
	if !s.Joinable() {
		return nil, false, common.ErrAlreadyJoined
	}

	// Переподключение тем же кодом внутри грейс-периода:
	// конвейер жив, снаружи просто переключат исходящую сторону
	if s.Pipeline != nil {
		s.VerifierID = verifierID
		s.verifierGoneAt = time.Time{}
		s.emitter = emitter
		return s, false, nil
	}

	s.Status = StatusActive
	s.VerifierID = verifierID
	s.emitter = emitter
	s.Pipeline = pipeline.New(
		r.cfg, r.clk, code,
		r.newAdapter(), emitter,
		r.terminalHook(s, onTerminal),
		onPartner,
	)
	return s, true, nil
}

// terminalHook оборачивает пользовательский терминальный колбэк
// бухгалтерией реестра и записью в журнал аудита.
func (r *Registry) terminalHook(s *VerificationSession, next pipeline.TerminalFunc) pipeline.TerminalFunc {
	return func(outcome challenge.Outcome, duress bool, attempts int) {
		now := r.clk.Now()

		r.mu.Lock()
		s.Status = StatusCompleted
		s.Outcome = outcome
		s.Duress = duress
		s.Attempts = attempts
		s.CompletedAt = now
		rec := VerdictRecord{
			Code:        s.Code,
			Outcome:     outcome,
			Duress:      duress,
			Attempts:    attempts,
			CreatedAt:   s.CreatedAt,
			CompletedAt: now,
		}
		r.mu.Unlock()

		if r.onVerdict != nil {
			r.onVerdict(rec)
		}
		if next != nil {
			next(outcome, duress, attempts)
		}
	}
}

// Disconnect помечает сторону сессии отключённой. Состояние сессии
// переживает обрыв: до истечения грейс-периода тот же код принимает
// переподключение.
func (r *Registry) Disconnect(code, connID string) {
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[code]
	if !ok {
		return
	}
	switch connID {
	case s.VerifierID:
		s.verifierGoneAt = now
	case s.RequesterID:
		s.requesterGoneAt = now
	default:
		return
	}
	log.WithFields(log.Fields{"code": code, "conn": connID}).
		Debug("Сторона сессии отключилась, ждём переподключения")
}

// Evict снимает сессию: удаляет из реестра и останавливает конвейер.
func (r *Registry) Evict(code string) {
	r.mu.Lock()
	s, ok := r.sessions[code]
	if ok {
		delete(r.sessions, code)
		metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if s.Pipeline != nil {
		s.Pipeline.Stop()
	}
	log.WithField("code", code).Info("Сессия снята")
}

// ReapOnce выполняет один проход реапера: истёкшие коды, брошенные
// сессии (обе стороны отключены дольше грейс-периода) и давно
// завершённые сессии снимаются. Уведомления клиентам уходят после
// освобождения лока.
func (r *Registry) ReapOnce() int {
	now := r.clk.Now()

	type evicted struct {
		s      *VerificationSession
		notify bool
	}
	var victims []evicted

	r.mu.Lock()
	for code, s := range r.sessions {
		switch {
		case s.Status == StatusPendingJoin && s.Expired(now):
			s.Status = StatusExpired
			delete(r.sessions, code)
			victims = append(victims, evicted{s: s})

		case s.Status == StatusActive && s.Expired(now):
			s.Status = StatusExpired
			delete(r.sessions, code)
			victims = append(victims, evicted{s: s, notify: true})

		case s.Status == StatusActive && s.abandoned(now, r.cfg.DisconnectGrace):
			s.Status = StatusExpired
			delete(r.sessions, code)
			victims = append(victims, evicted{s: s})

		case s.Terminal() && !s.CompletedAt.IsZero() &&
			now.Sub(s.CompletedAt) > r.cfg.DisconnectGrace:
			delete(r.sessions, code)
			victims = append(victims, evicted{s: s})
		}
	}
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	for _, v := range victims {
		if v.s.Pipeline != nil {
			v.s.Pipeline.Stop()
		}
		if v.notify && v.s.emitter != nil {
			v.s.emitter.EmitSessionError(common.ErrCodeExpired.Error())
		}
		log.WithFields(log.Fields{
			"code":   v.s.Code,
			"status": v.s.Status,
		}).Info("Реапер снял сессию")
	}
	return len(victims)
}

// Len возвращает число живых сессий.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown останавливает все конвейеры (остановка сервера).
func (r *Registry) Shutdown() {
	r.mu.Lock()
	all := make([]*VerificationSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*VerificationSession)
	r.mu.Unlock()

	for _, s := range all {
		if s.Pipeline != nil {
			s.Pipeline.Stop()
		}
	}
	metrics.SessionsActive.Set(0)
}
