// Package audit — models.go описывает запись журнала аудита.
package audit

import "time"

// Verification — одна запись журнала: терминальный вердикт сессии.
type Verification struct {
	ID          int64
	Code        string
	Outcome     string
	Duress      bool
	Attempts    int
	StartedAt   time.Time
	CompletedAt time.Time
	CreatedAt   time.Time
}
