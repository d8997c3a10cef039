// Package challenge — keywords.go сопоставляет распознанную речь с ключевыми словами.
package challenge

import "strings"

// NormalizeWord приводит распознанное слово к канонической форме.
// Регистр не важен. Пунктуация в конце допускается.
func NormalizeWord(text string) string {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	return strings.TrimRight(cleaned, "!.,;:)")
}

// MatchesKeyword проверяет, содержит ли распознанная фраза ключевое слово.
// Распознаватель может вернуть фразу целиком ("please verify now"),
// поэтому сравниваем по словам, а не по строке.
func MatchesKeyword(phrase, keyword string) bool {
	keyword = NormalizeWord(keyword)
	if keyword == "" {
		return false
	}
	for _, w := range strings.Fields(strings.ToLower(phrase)) {
		if NormalizeWord(w) == keyword {
			return true
		}
	}
	return false
}
