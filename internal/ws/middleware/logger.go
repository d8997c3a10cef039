// Package middleware содержит промежуточные обработчики WebSocket-соединений:
// логирование, восстановление после паники и rate-limiting.
package middleware

import (
	log "github.com/sirupsen/logrus"

	"liveness-server/internal/common"
)

// LogMessage логирует входящее сообщение соединения.
// Полезная нагрузка обрезается: кадры приходят base64-ом на сотни килобайт.
func LogMessage(connID, msgType string, payload []byte) {
	log.WithFields(log.Fields{
		"conn":    connID,
		"type":    msgType,
		"payload": common.Truncate(string(payload), 50),
	}).Debug("Входящее сообщение")
}
