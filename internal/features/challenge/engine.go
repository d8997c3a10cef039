// Package challenge — engine.go содержит машину состояний челленджа:
// NO_CHALLENGE → ISSUED → {PASS, FAIL, DURESS} → (перевыдача | терминал).
//
// Engine не содержит блокировок: всю мутацию выполняет единственный
// воркер сессии (см. pipeline). Время берётся только из инжектированных
// часов, чтобы оконная логика была тестируемой.
package challenge

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"liveness-server/internal/common"
	"liveness-server/internal/config"
)

// Engine — машина состояний челленджа одной сессии.
type Engine struct {
	cfg     *config.Config
	clk     clock.Clock
	rng     *rand.Rand
	limiter *AttemptLimiter

	code    string // код сессии, только для логов
	current *Challenge

	// Дуресс липкий: однажды обнаруженный, он перекрывает любые
	// одновременные условия успеха и доживает до конца сессии.
	duress bool

	terminal     bool
	finalOutcome Outcome

	// Когда можно перевыдать челлендж после неудачной попытки
	reissueAt time.Time
}

// Update — результат применения события или тика к машине состояний.
type Update struct {
	// Resolved=true, если именно этот вызов вынес вердикт по челленджу
	Resolved bool
	Outcome  Outcome
	// NewChallenge не nil, если выдан новый челлендж (его текст надо отправить клиенту)
	NewChallenge *Challenge
	// WordRejected=true, если слово отклонено из-за нарушения окна действие-речь
	WordRejected bool
	// Terminal=true, если сессия перешла в терминальное состояние
	Terminal bool
}

// NewEngine создаёт машину состояний для сессии с кодом code.
func NewEngine(cfg *config.Config, clk clock.Clock, code string) *Engine {
	return &Engine{
		cfg:     cfg,
		clk:     clk,
		rng:     rand.New(rand.NewSource(clk.Now().UnixNano())),
		limiter: NewAttemptLimiter(cfg.MaxAttempts),
		code:    code,
	}
}

// Issue выдаёт новый челлендж: случайное действие, слово и (иногда) блинк-цель.
// Вызывается при активации сессии и при перевыдаче после неудачной попытки.
func (e *Engine) Issue() *Challenge {
	words := e.cfg.ChallengeWords()
	now := e.clk.Now()

	c := &Challenge{
		Action:    Actions[e.rng.Intn(len(Actions))],
		Word:      words[e.rng.Intn(len(words))],
		IssuedAt:  now,
		TimeoutAt: now.Add(e.cfg.ChallengeTimeout),
		Outcome:   OutcomePending,
	}
	if e.cfg.BlinkTarget > 0 && e.rng.Float64() < e.cfg.BlinkChance {
		c.BlinkTarget = e.cfg.BlinkTarget
	}

	e.current = c
	e.reissueAt = time.Time{}

	log.WithFields(log.Fields{
		"code":      e.code,
		"challenge": c.Text(),
		"timeout":   e.cfg.ChallengeTimeout,
	}).Info("Выдан новый челлендж")
	return c
}

// Current возвращает текущий челлендж (может быть nil).
func (e *Engine) Current() *Challenge {
	return e.current
}

// Limiter возвращает лимитер попыток сессии.
func (e *Engine) Limiter() *AttemptLimiter {
	return e.limiter
}

// Terminal сообщает, завершена ли сессия.
func (e *Engine) Terminal() bool {
	return e.terminal
}

// FinalOutcome возвращает итоговый вердикт терминальной сессии.
func (e *Engine) FinalOutcome() Outcome {
	return e.finalOutcome
}

// DuressDetected сообщает, был ли обнаружен дуресс.
func (e *Engine) DuressDetected() bool {
	return e.duress
}

// BlinkPhase сообщает, требует ли текущий челлендж морганий.
// Во время блинк-фазы контроллер потока поднимает минимальный FPS.
func (e *Engine) BlinkPhase() bool {
	c := e.current
	return c != nil && !c.Resolved() && c.BlinkTarget > 0 && !c.BlinkCompleted
}

// OnDetectionEvent применяет одно событие детекции к текущему челленджу.
//
// Порядок приоритетов фиксированный:
//  1. слово дуресса — немедленный вердикт DURESS, даже если всё остальное уже выполнено;
//  2. обновление соответствующего флага (действие / слово / моргание);
//  3. проверка окна действие-речь — при нарушении слово отклоняется и должно
//     быть заработано заново;
//  4. все обязательные компоненты выполнены — вердикт PASS.
func (e *Engine) OnDetectionEvent(ev DetectionEvent) Update {
	c := e.current
	if c == nil || c.Resolved() || e.terminal {
		// События после вердикта игнорируются до перевыдачи
		return Update{}
	}

	// 1. Дуресс проверяется первым: принуждаемый может произнести слово
	// в любой точке потока, и оценка успеха не должна его опередить.
	if ev.Kind == EventDuress ||
		(ev.Kind == EventWord && MatchesKeyword(ev.Word, e.cfg.DuressWord)) {
		e.duress = true
		log.WithField("code", e.code).Warn("Обнаружено слово дуресса")
		return e.resolve(OutcomeDuress)
	}

	upd := Update{}

	// 2. Обновляем флаг, соответствующий событию
	switch ev.Kind {
	case EventAction:
		if ev.Action == c.Action && !c.ActionCompleted {
			c.ActionCompleted = true
			c.ActionCompletedAt = ev.Timestamp
			log.WithFields(log.Fields{"code": e.code, "action": c.Action}).Debug("Действие выполнено")
		}

	case EventWord:
		if MatchesKeyword(ev.Word, c.Word) && !c.WordCompleted {
			c.WordCompleted = true
			c.WordCompletedAt = ev.Timestamp
			log.WithFields(log.Fields{"code": e.code, "word": c.Word}).Debug("Слово распознано")
		}

	case EventBlink:
		if c.BlinkTarget > 0 && !c.BlinkCompleted && ev.BlinkCount >= c.BlinkTarget {
			c.BlinkCompleted = true
			log.WithFields(log.Fields{"code": e.code, "blinks": ev.BlinkCount}).Debug("Блинк-цель достигнута")
		}
	}

	// 3. Окно действие-речь: действие и слово должны произойти рядом по времени.
	// Нарушение отзывает слово (не действие): его придётся произнести заново.
	if c.ActionCompleted && c.WordCompleted {
		gap := c.WordCompletedAt.Sub(c.ActionCompletedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap > e.cfg.ActionSpeechWindow {
			c.WordCompleted = false
			c.WordCompletedAt = time.Time{}
			upd.WordRejected = true
			log.WithFields(log.Fields{
				"code":   e.code,
				"gap":    gap,
				"window": e.cfg.ActionSpeechWindow,
			}).Info("Слово отклонено: нарушено окно действие-речь")
		}
	}

	// 4. Все обязательные компоненты выполнены — PASS
	if c.ActionCompleted && c.WordCompleted && (c.BlinkTarget == 0 || c.BlinkCompleted) {
		return e.resolve(OutcomePass)
	}

	return upd
}

// OnTick продвигает машину состояний по времени: таймаут челленджа
// и перевыдача после кулдауна. Управляется настенными часами,
// а не приходом кадров.
func (e *Engine) OnTick(now time.Time) Update {
	if e.terminal {
		return Update{Terminal: true}
	}

	c := e.current
	if c != nil && !c.Resolved() {
		if now.After(c.TimeoutAt) {
			log.WithField("code", e.code).Info("Челлендж не выполнен за отведённое время")
			return e.resolve(OutcomeFail)
		}
		return Update{}
	}

	// Челленджа нет или он разрешён: ждём кулдаун и перевыдаём
	if !e.reissueAt.IsZero() && !now.Before(e.reissueAt) {
		return Update{NewChallenge: e.Issue()}
	}
	return Update{}
}

// Reset отменяет текущий челлендж и атомарно выдаёт следующий
// (запрос reset от клиента после неудачной попытки).
// Для терминальной сессии возвращает ErrMaxAttempts.
func (e *Engine) Reset() (*Challenge, error) {
	if e.terminal || e.limiter.Exhausted() {
		return nil, common.ErrMaxAttempts
	}
	return e.Issue(), nil
}

// resolve выносит вердикт по текущему челленджу. Идемпотентен: повторный
// вызов по уже разрешённому челленджу не имеет побочных эффектов.
func (e *Engine) resolve(outcome Outcome) Update {
	c := e.current
	if c == nil || c.Resolved() {
		return Update{}
	}

	c.Outcome = outcome
	e.limiter.RecordAttempt()

	log.WithFields(log.Fields{
		"code":    e.code,
		"outcome": outcome,
		"attempt": e.limiter.Count(),
		"max":     e.cfg.MaxAttempts,
	}).Info("Вердикт по челленджу")

	upd := Update{Resolved: true, Outcome: outcome}

	if outcome == OutcomePass || outcome == OutcomeDuress || e.limiter.Exhausted() {
		e.terminal = true
		e.finalOutcome = outcome
		upd.Terminal = true
		return upd
	}

	// Попытки остались: перевыдача после кулдауна
	e.reissueAt = e.clk.Now().Add(e.cfg.ChallengeCooldown)
	return upd
}

// Status возвращает снимок состояния для исходящего processed_frame.
func (e *Engine) Status() Status {
	s := Status{
		Result:         OutcomePending,
		DuressDetected: e.duress,
	}
	if e.terminal {
		s.Result = e.finalOutcome
	}
	if c := e.current; c != nil {
		s.ChallengeText = c.Text()
		s.ActionCompleted = c.ActionCompleted
		s.WordCompleted = c.WordCompleted
		s.BlinkCompleted = c.BlinkTarget == 0 || c.BlinkCompleted
		s.TimeRemaining = c.TimeRemaining(e.clk.Now())
		if c.Resolved() {
			s.Result = c.Outcome
		}
	}
	return s
}
