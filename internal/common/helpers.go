// Package common содержит общие утилиты, используемые во всём проекте.
package common

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// Truncate обрезает строку до n символов для логов.
// Кадры приходят base64-ом на сотни килобайт, целиком их логировать нельзя.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// GenerateDigitCode генерирует случайный цифровой код заданной длины.
// Используется crypto/rand: коды — единственный фактор доступа к сессии.
func GenerateDigitCode(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("ошибка генерации кода: %w", err)
		}
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits), nil
}

// IsDigitCode проверяет, что строка состоит ровно из length цифр.
func IsDigitCode(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FormatSeconds форматирует остаток времени в секунды с одним знаком,
// как его показывает клиентский оверлей.
func FormatSeconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
