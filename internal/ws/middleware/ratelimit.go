package middleware

import (
	"sync"
	"time"
)

// RateLimiter ограничивает количество входящих сообщений на соединение.
// Использует алгоритм скользящего окна. Кадры и аудио идут сплошным
// потоком, поэтому лимит считается на соединение, а не на сессию.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		stopCh:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Close останавливает фоновую горутину очистки.
// Его надо вызывать на shutdown (иначе cleanup будет жить вечно).
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) Allow(connID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	var recent []time.Time
	for _, t := range rl.requests[connID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.limit {
		rl.requests[connID] = recent
		return false
	}

	recent = append(recent, now)
	rl.requests[connID] = recent
	return true
}

// Forget удаляет состояние закрывшегося соединения.
func (rl *RateLimiter) Forget(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.requests, connID)
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := time.Now().Add(-rl.window)
			for connID, times := range rl.requests {
				var recent []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						recent = append(recent, t)
					}
				}
				if len(recent) == 0 {
					delete(rl.requests, connID)
					continue
				}
				rl.requests[connID] = recent
			}
			rl.mu.Unlock()
		}
	}
}
