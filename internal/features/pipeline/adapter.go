// Package pipeline — adapter.go описывает интерфейс внешнего бэкенда детекции.
// Сами детекторы (лицо, поза головы, моргания, распознавание речи) живут
// за пределами этого сервера и подключаются реализацией DetectionAdapter.
package pipeline

import (
	"context"
	"time"

	"liveness-server/internal/features/challenge"
)

// Frame — один видеокадр от верификатора.
type Frame struct {
	// Декодированные байты изображения (JPEG/WebP)
	Image      []byte
	IsPortrait bool
	Timestamp  time.Time
}

// AudioChunk — один аудио-буфер (PCM 16 бит, моно).
type AudioChunk struct {
	PCM       []byte
	Timestamp time.Time
}

// Result — структурированный результат детекции по одному кадру.
// Явные поля вместо утиных проверок наличия: PrimaryFrame — кадр для
// клиента (nil — отдаём входной), DebugFrame — опциональный кадр
// с отладочным оверлеем (используется только при включённой отладке).
type Result struct {
	PrimaryFrame []byte
	DebugFrame   []byte

	FaceFound bool
	// Поза головы в терминах действий челленджа (валидна при FaceFound)
	HeadPose challenge.Action
	// Кумулятивное число морганий с последнего Reset
	BlinkCount int
	// Слова, распознанные на этом кадре (обычно из аудио-дорожки)
	Words []string
}

// DetectionAdapter — бэкенд детекции одной сессии. Без состояния между
// вызовами, кроме счётчика морганий, который сбрасывается Reset-ом
// при выдаче нового челленджа.
type DetectionAdapter interface {
	// ProcessFrame анализирует один кадр. Ошибка трактуется как
	// транзиентная: сообщение пропускается, сессия продолжается.
	ProcessFrame(ctx context.Context, f Frame) (*Result, error)
	// ProcessAudio анализирует аудио-чанк и возвращает распознанные слова.
	ProcessAudio(ctx context.Context, a AudioChunk) ([]string, error)
	// Reset сбрасывает накопленное состояние (счётчик морганий)
	Reset()
	// Close освобождает ресурсы бэкенда
	Close()
}

// NopAdapter — пустой бэкенд (DETECTOR_BACKEND=none): событий не генерирует,
// кадр возвращает как есть. Используется в прогонах без CV-стека и в тестах.
type NopAdapter struct{}

func (NopAdapter) ProcessFrame(_ context.Context, f Frame) (*Result, error) {
	return &Result{PrimaryFrame: f.Image}, nil
}

func (NopAdapter) ProcessAudio(context.Context, AudioChunk) ([]string, error) {
	return nil, nil
}

func (NopAdapter) Reset() {}
func (NopAdapter) Close() {}
