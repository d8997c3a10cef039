// Package stream — controller.go содержит контроллер адаптивного качества.
//
// Контроллер превращает замеры задержки в уровень качества без осцилляций:
// понижение применяется немедленно по первому же подходящему замеру,
// повышение — только после того, как улучшение продержалось всё окно
// стабильности. Авторитетный уровень — минимум из серверной оценки
// и последнего репорта клиента.
//
// Блокировок нет: контроллер мутируется только воркером своей сессии.
package stream

import (
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"liveness-server/internal/config"
)

// Controller — состояние качества одного соединения.
type Controller struct {
	cfg *config.Config
	clk clock.Clock

	// Кольцевой буфер последних замеров задержки
	samples []time.Duration
	next    int
	filled  int

	serverTier   Tier // наша оценка с гистерезисом
	clientTier   Tier // последний репорт клиента
	lastChangeAt time.Time
	// С какого момента непрерывно держится условие улучшения.
	// Нулевое время — условие не держится.
	betterSince time.Time
}

// NewController создаёт контроллер. Стартовый серверный уровень — средний
// (ни лучший, ни худший), клиентский — лучший, то есть до первого репорта
// клиента авторитетен серверный.
func NewController(cfg *config.Config, clk clock.Clock) *Controller {
	best := Tier(cfg.TierCount() - 1)
	return &Controller{
		cfg:        cfg,
		clk:        clk,
		samples:    make([]time.Duration, cfg.LatencySampleWindow),
		serverTier: best / 2,
		clientTier: best,
	}
}

// tierForLatency отображает задержку на уровень по упорядоченным порогам.
func (c *Controller) tierForLatency(latency time.Duration) Tier {
	tier := Tier(c.cfg.TierCount() - 1)
	for _, threshold := range c.cfg.LatencyThresholds {
		if latency >= threshold {
			tier--
		}
	}
	return tier
}

// Average возвращает скользящее среднее по накопленным замерам.
func (c *Controller) Average() time.Duration {
	if c.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < c.filled; i++ {
		sum += c.samples[i]
	}
	return sum / time.Duration(c.filled)
}

// ObserveLatency принимает один замер задержки и пересчитывает уровень.
// Возвращает новый авторитетный уровень и признак его изменения.
func (c *Controller) ObserveLatency(sample time.Duration) (Tier, bool) {
	before := c.Authoritative()

	c.samples[c.next] = sample
	c.next = (c.next + 1) % len(c.samples)
	if c.filled < len(c.samples) {
		c.filled++
	}

	now := c.clk.Now()
	sampleTier := c.tierForLatency(sample)
	avgTier := c.tierForLatency(c.Average())

	switch {
	case sampleTier < c.serverTier:
		// Понижение — немедленно, по одиночному замеру
		log.WithFields(log.Fields{
			"from":    TierName(c.serverTier, c.cfg.TierCount()),
			"to":      TierName(sampleTier, c.cfg.TierCount()),
			"latency": sample,
		}).Info("Понижение уровня качества")
		c.serverTier = sampleTier
		c.lastChangeAt = now
		c.betterSince = time.Time{}

	case avgTier > c.serverTier:
		// Кандидат на повышение: проверяем окно стабильности
		if c.cfg.UpgradeResetPolicy == "any" && sampleTier <= c.serverTier {
			// Любой не-улучшающий замер перезапускает окно
			c.betterSince = time.Time{}
			break
		}
		if c.betterSince.IsZero() {
			c.betterSince = now
			break
		}
		held := now.Sub(c.betterSince)
		sinceChange := now.Sub(c.lastChangeAt)
		if held >= c.cfg.UpgradeStabilityWindow && (c.lastChangeAt.IsZero() || sinceChange >= c.cfg.UpgradeStabilityWindow) {
			log.WithFields(log.Fields{
				"from": TierName(c.serverTier, c.cfg.TierCount()),
				"to":   TierName(avgTier, c.cfg.TierCount()),
				"avg":  c.Average(),
			}).Info("Повышение уровня качества")
			c.serverTier = avgTier
			c.lastChangeAt = now
			c.betterSince = time.Time{}
		}

	default:
		// Среднее просело до текущего уровня — улучшение не держится
		c.betterSince = time.Time{}
	}

	after := c.Authoritative()
	return after, after != before
}

// ReportClientTier принимает уровень, вычисленный клиентом локально.
// Возвращает новый авторитетный уровень и признак его изменения.
// Серверное понижение всегда перекрывает клиентскую заявку на повышение:
// авторитетный уровень — минимум двух оценок.
func (c *Controller) ReportClientTier(t Tier, latency time.Duration) (Tier, bool) {
	before := c.Authoritative()
	c.clientTier = t
	log.WithFields(log.Fields{
		"client_tier": TierName(t, c.cfg.TierCount()),
		"latency":     latency,
	}).Debug("Репорт качества от клиента")
	after := c.Authoritative()
	return after, after != before
}

// Authoritative возвращает авторитетный (наиболее консервативный) уровень.
func (c *Controller) Authoritative() Tier {
	return minTier(c.serverTier, c.clientTier)
}

// AuthoritativeName возвращает проволочное имя авторитетного уровня.
func (c *Controller) AuthoritativeName() string {
	return TierName(c.Authoritative(), c.cfg.TierCount())
}

// EffectiveFPS возвращает целевую частоту кадров: каденс уровня качества,
// но не ниже минимума блинк-фазы — детектору морганий нужен плотный поток
// кадров независимо от состояния канала.
func (c *Controller) EffectiveFPS(blinkPhase bool) int {
	fps := c.cfg.TierFPS[c.Authoritative()]
	if blinkPhase && fps < c.cfg.BlinkPhaseMinFPS {
		fps = c.cfg.BlinkPhaseMinFPS
	}
	return fps
}

// FrameInterval возвращает целевой интервал между кадрами.
func (c *Controller) FrameInterval(blinkPhase bool) time.Duration {
	return time.Second / time.Duration(c.EffectiveFPS(blinkPhase))
}
