// Package httpapi — auth.go сверяет пароль отладочного входа.
package httpapi

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"
)

// verifyArgon2id сверяет пароль с хешем из DEBUG_PASSWORD_HASH.
// Ожидаемый формат: $argon2id$v=19$m=<KiB>,t=<iters>,p=<lanes>$<salt>$<hash>,
// base64 без паддинга (см. scripts/generate_hash.go).
func verifyArgon2id(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		log.Error("DEBUG_PASSWORD_HASH имеет некорректный формат")
		return false
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		log.WithError(err).Error("Не удалось разобрать параметры Argon2id из DEBUG_PASSWORD_HASH")
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		log.WithError(err).Error("Не удалось декодировать соль из DEBUG_PASSWORD_HASH")
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		log.WithError(err).Error("Не удалось декодировать хеш из DEBUG_PASSWORD_HASH")
		return false
	}

	got := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(want)))

	// Сравнение в постоянном времени
	return subtle.ConstantTimeCompare(got, want) == 1
}
