// Package metrics регистрирует Prometheus-метрики сервера.
// Коллекторы пакетного уровня: инкременты дешёвые и безопасные
// из любой горутины.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive — число живых сессий в реестре.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveness",
		Name:      "sessions_active",
		Help:      "Number of live verification sessions.",
	})

	// SessionsCreated — всего созданных сессий.
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "liveness",
		Name:      "sessions_created_total",
		Help:      "Total verification sessions created.",
	})

	// Verdicts — вердикты по завершённым челленджам, по исходам.
	Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveness",
		Name:      "verdicts_total",
		Help:      "Challenge resolutions by outcome.",
	}, []string{"outcome"})

	// Attempts — завершённые попытки верификации.
	Attempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "liveness",
		Name:      "attempts_total",
		Help:      "Total completed verification attempts.",
	})

	// FramesProcessed — обработанные входящие сообщения (кадры и аудио).
	FramesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "liveness",
		Name:      "frames_processed_total",
		Help:      "Inbound frame/audio messages processed.",
	})

	// FramesDropped — сообщения, отброшенные из-за переполнения очереди
	// или транзиентной ошибки детектора.
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "liveness",
		Name:      "frames_dropped_total",
		Help:      "Inbound messages dropped (queue overflow or detector error).",
	})

	// TierChanges — смены уровня качества по направлению.
	TierChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveness",
		Name:      "tier_changes_total",
		Help:      "Adaptive quality tier changes by direction.",
	}, []string{"direction"})
)
