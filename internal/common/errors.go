// Package common — errors.go определяет пользовательские ошибки,
// которые используются во всех модулях сервера.
// Эти ошибки позволяют обработчикам различать типы проблем
// и отправлять клиенту понятные терминальные сообщения.
package common

import "errors"

// Ошибки сессий (коды, жизненный цикл)
var (
	// ErrCodeNotFound — код верификации не найден
	ErrCodeNotFound = errors.New("код верификации не найден")
	// ErrCodeExpired — код верификации истёк
	ErrCodeExpired = errors.New("код верификации истёк")
	// ErrSessionTerminal — сессия уже завершена, новые события не принимаются
	ErrSessionTerminal = errors.New("сессия уже завершена")
	// ErrAlreadyJoined — к сессии уже подключён верификатор
	ErrAlreadyJoined = errors.New("к сессии уже подключён верификатор")
	// ErrCodeCollision — не удалось сгенерировать уникальный код за отведённые попытки
	ErrCodeCollision = errors.New("не удалось сгенерировать уникальный код")
)

// Ошибки челленджей и попыток
var (
	// ErrMaxAttempts — лимит попыток верификации исчерпан
	ErrMaxAttempts = errors.New("лимит попыток верификации исчерпан")
)

// Ошибки отладочного входа
var (
	// ErrWrongPassword — неверный пароль отладочного режима
	ErrWrongPassword = errors.New("неверный пароль")
	// ErrDebugDisabled — отладочный вход не сконфигурирован
	ErrDebugDisabled = errors.New("отладочный вход отключён")
)
