// Package session — models.go описывает сессию верификации.
package session

import (
	"time"

	"liveness-server/internal/features/challenge"
	"liveness-server/internal/features/pipeline"
)

// Status — статус жизненного цикла сессии.
type Status string

const (
	// StatusPendingJoin — код выдан, верифицируемый ещё не подключился
	StatusPendingJoin Status = "PENDING_JOIN"
	// StatusActive — верифицируемый подключился, челлендж-цикл идёт
	StatusActive Status = "ACTIVE"
	// StatusCompleted — вынесен терминальный вердикт
	StatusCompleted Status = "COMPLETED"
	// StatusExpired — код истёк до подключения или сессию снял реапер
	StatusExpired Status = "EXPIRED"
)

// VerificationSession — одна сессия верификации живости.
// Живёт только в памяти процесса; владеет ею реестр, и все поля
// мутируются под коротким локом реестра. Конвейер внутри сессии
// синхронизируется сам (единственный воркер).
type VerificationSession struct {
	Code      string
	Status    Status
	CreatedAt time.Time
	ExpiresAt time.Time

	// Соединение запросившей стороны (пустое — код создан через HTTP)
	RequesterID string
	// Соединение верифицируемого (пустое до join)
	VerifierID string

	Pipeline *pipeline.Pipeline

	// Итог терминальной сессии
	Outcome     challenge.Outcome
	Duress      bool
	Attempts    int
	CompletedAt time.Time

	// Исходящая сторона верифицируемого; нужна реестру, чтобы
	// уведомить клиента о снятии сессии
	emitter pipeline.Emitter

	// Когда соответствующая сторона оборвала соединение
	// (нулевое время — сторона подключена или её никогда не было)
	requesterGoneAt time.Time
	verifierGoneAt  time.Time
}

// Expired сообщает, истёк ли код сессии к моменту now.
func (s *VerificationSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Terminal сообщает, находится ли сессия в терминальном статусе.
func (s *VerificationSession) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusExpired
}

// Joinable сообщает, можно ли подключиться к сессии кодом:
// либо ещё никто не подключался, либо верифицируемый отвалился
// и переподключается тем же кодом.
func (s *VerificationSession) Joinable() bool {
	if s.Terminal() {
		return false
	}
	return s.VerifierID == "" || !s.verifierGoneAt.IsZero()
}

// abandoned сообщает, что обе стороны отключены дольше грейс-периода.
// Отсутствующая сторона (пустой ID) считается отключённой всегда.
func (s *VerificationSession) abandoned(now time.Time, grace time.Duration) bool {
	requesterGone := s.RequesterID == "" ||
		(!s.requesterGoneAt.IsZero() && now.Sub(s.requesterGoneAt) > grace)
	verifierGone := s.VerifierID == "" ||
		(!s.verifierGoneAt.IsZero() && now.Sub(s.verifierGoneAt) > grace)

	// Сессию без единого подключения снимает только истечение кода
	if s.Status == StatusPendingJoin {
		return false
	}
	return requesterGone && verifierGone
}

// VerdictRecord — данные терминального вердикта для журнала аудита.
type VerdictRecord struct {
	Code        string
	Outcome     challenge.Outcome
	Duress      bool
	Attempts    int
	CreatedAt   time.Time
	CompletedAt time.Time
}
