package middleware

import (
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// RecoverFromPanic восстанавливает обработку после паники в обработчике
// входящего сообщения. Паника одного соединения не должна ронять
// ни сервер, ни чужие сессии.
func RecoverFromPanic(connID string) {
	if r := recover(); r != nil {
		log.WithFields(log.Fields{
			"conn":  connID,
			"panic": fmt.Sprintf("%v", r),
			"stack": string(debug.Stack()),
		}).Error("ПАНИКА в обработчике сообщения — соединение продолжает работу")
	}
}
