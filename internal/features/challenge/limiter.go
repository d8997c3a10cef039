// Package challenge — limiter.go ведёт учёт попыток верификации.
// Чистая бухгалтерия: без блокировок, мутируется только воркером сессии.
package challenge

// AttemptLimiter ограничивает число попыток на сессию.
type AttemptLimiter struct {
	max   int
	count int
}

// NewAttemptLimiter создаёт лимитер на max попыток.
func NewAttemptLimiter(max int) *AttemptLimiter {
	return &AttemptLimiter{max: max}
}

// RecordAttempt фиксирует одну завершённую попытку (PASS, FAIL или таймаут).
func (l *AttemptLimiter) RecordAttempt() {
	l.count++
}

// Remaining возвращает число оставшихся попыток.
func (l *AttemptLimiter) Remaining() int {
	left := l.max - l.count
	if left < 0 {
		return 0
	}
	return left
}

// Count возвращает число уже израсходованных попыток.
func (l *AttemptLimiter) Count() int {
	return l.count
}

// Exhausted сообщает, исчерпан ли лимит.
func (l *AttemptLimiter) Exhausted() bool {
	return l.count >= l.max
}
