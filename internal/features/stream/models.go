// Package stream реализует адаптивное управление качеством потока.
// models.go описывает уровни качества (tiers).
package stream

import "fmt"

// Tier — дискретный уровень качества потока. Чем больше значение,
// тем лучше канал; понижение уровня = уменьшение индекса.
type Tier int

// Канонические уровни для конфигурации из четырёх порогов.
const (
	TierUltraLow Tier = iota
	TierVeryLow
	TierLow
	TierMedium
	TierHigh
)

// canonicalNames — имена уровней от худшего к лучшему, как их знает клиент.
var canonicalNames = []string{"ultra_low", "very_low", "low", "medium", "high"}

// TierName возвращает проволочное имя уровня при count уровнях качества.
func TierName(t Tier, count int) string {
	if count == len(canonicalNames) && t >= 0 && int(t) < count {
		return canonicalNames[t]
	}
	return fmt.Sprintf("q%d", t)
}

// TierFromName находит уровень по проволочному имени.
// Второй результат false, если имя неизвестно.
func TierFromName(name string, count int) (Tier, bool) {
	if count == len(canonicalNames) {
		for i, n := range canonicalNames {
			if n == name {
				return Tier(i), true
			}
		}
	}
	var t int
	if _, err := fmt.Sscanf(name, "q%d", &t); err == nil && t >= 0 && t < count {
		return Tier(t), true
	}
	return 0, false
}

func minTier(a, b Tier) Tier {
	if a < b {
		return a
	}
	return b
}
