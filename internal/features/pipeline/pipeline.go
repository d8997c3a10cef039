// Package pipeline — pipeline.go обрабатывает входящий поток одной сессии.
//
// Устройство: два цикла на сессию.
//   - detectLoop читает кадры/аудио строго в порядке прибытия и гоняет их
//     через DetectionAdapter (единственное место, где можно блокироваться
//     надолго);
//   - workerLoop — единственный писатель состояния сессии: применяет
//     результаты детекции к машине челленджа, замеры задержки к контроллеру
//     качества и собирает исходящие сообщения. Тикер таймаутов живёт здесь
//     же, поэтому медленный вызов детектора не задерживает учёт дедлайнов.
//
// Порядок событий внутри сессии совпадает с порядком прибытия сообщений.
// Сброс челленджа атомарен: счётчик эпох гарантирует, что событие,
// догнавшее сессию после reset, не будет приписано старому челленджу.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"liveness-server/internal/common"
	"liveness-server/internal/config"
	"liveness-server/internal/features/challenge"
	"liveness-server/internal/features/stream"
	"liveness-server/internal/metrics"
)

// интервал тика таймаутов; дедлайны проверяются по настенным часам,
// а не по приходу кадров
const tickInterval = 500 * time.Millisecond

// ёмкость очереди на детекцию; переполнение — сигнал, что детектор
// не успевает, лишние кадры отбрасываем
const ingestQueueSize = 16

// StatusFrame — данные для исходящего processed_frame.
type StatusFrame struct {
	Image          []byte
	DebugImage     []byte
	Challenge      string
	ActionDone     bool
	WordDone       bool
	BlinkDone      bool
	TimeRemaining  time.Duration
	Result         challenge.Outcome
	DuressDetected bool
	// Эхо клиентской метки времени для замера задержки на стороне клиента
	ClientTimestamp int64
	IsPortrait      bool
	TargetFPS       int
}

// Emitter — исходящая сторона сессии. Реализуется WebSocket-клиентом.
type Emitter interface {
	EmitChallenge(text string)
	EmitStatus(st StatusFrame)
	EmitNetworkQuality(name string)
	EmitVerdict(outcome challenge.Outcome, duress bool, attempts int)
	EmitResetConfirmed()
	EmitMaxAttempts()
	EmitSessionError(msg string)
}

// TerminalFunc вызывается один раз при терминальном вердикте сессии.
type TerminalFunc func(outcome challenge.Outcome, duress bool, attempts int)

// PartnerFunc транслирует обработанный кадр запросившей стороне.
type PartnerFunc func(image []byte, challengeText string, clientTS int64, isPortrait bool)

type inboundKind int

const (
	inFrame inboundKind = iota
	inAudio
)

type inbound struct {
	kind  inboundKind
	frame Frame
	audio AudioChunk
	epoch int64
	// Клиентская метка отправки (unix-миллисекунды), 0 — нет
	clientTS  int64
	arrivedAt time.Time
}

type applied struct {
	in     inbound
	events []challenge.DetectionEvent
	result *Result
}

type controlKind int

const (
	ctlReset controlKind = iota
	ctlClientQuality
	ctlOrientation
	ctlDebug
	ctlAttach
)

type control struct {
	kind       controlKind
	quality    string
	latency    time.Duration
	isPortrait bool
	debug      bool
	emitter    Emitter
}

// Pipeline — конвейер обработки входящего потока одной сессии.
type Pipeline struct {
	cfg     *config.Config
	clk     clock.Clock
	code    string
	adapter DetectionAdapter
	engine  *challenge.Engine
	ctrl    *stream.Controller

	emitter    Emitter
	onTerminal TerminalFunc
	onPartner  PartnerFunc // nil — трансляция партнёру выключена

	ingestCh chan inbound
	applyCh  chan applied
	ctlCh    chan control

	// Эпоха челленджа: инкрементируется на каждый reset. Сообщения
	// штампуются эпохой при постановке в очередь; устаревшие события
	// отбрасываются воркером.
	epoch atomic.Int64

	isPortrait bool
	showDebug  bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New создаёт конвейер сессии. Start нужно вызвать отдельно.
func New(
	cfg *config.Config,
	clk clock.Clock,
	code string,
	adapter DetectionAdapter,
	emitter Emitter,
	onTerminal TerminalFunc,
	onPartner PartnerFunc,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		clk:        clk,
		code:       code,
		adapter:    adapter,
		engine:     challenge.NewEngine(cfg, clk, code),
		ctrl:       stream.NewController(cfg, clk),
		emitter:    emitter,
		onTerminal: onTerminal,
		onPartner:  onPartner,
		ingestCh:   make(chan inbound, ingestQueueSize),
		applyCh:    make(chan applied, ingestQueueSize),
		ctlCh:      make(chan control, 8),
		stopCh:     make(chan struct{}),
		showDebug:  cfg.ShowDebugFrame,
	}
}

// Start выдаёт первый челлендж и запускает циклы сессии.
func (p *Pipeline) Start() {
	c := p.engine.Issue()
	p.adapter.Reset()
	p.emitter.EmitChallenge(c.Text())

	go p.detectLoop()
	go p.workerLoop()
}

// Stop останавливает конвейер и освобождает бэкенд детекции.
// Идемпотентен: реапер и disconnect могут вызвать его наперегонки.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.adapter.Close()
	})
}

// EnqueueFrame ставит кадр в очередь обработки. Переполнение очереди —
// не ошибка: кадр отбрасывается, пропущенный кадр не влияет на челлендж.
func (p *Pipeline) EnqueueFrame(f Frame, clientTS int64) {
	p.enqueue(inbound{
		kind:      inFrame,
		frame:     f,
		epoch:     p.epoch.Load(),
		clientTS:  clientTS,
		arrivedAt: p.clk.Now(),
	})
}

// EnqueueAudio ставит аудио-чанк в очередь обработки.
func (p *Pipeline) EnqueueAudio(a AudioChunk, clientTS int64) {
	p.enqueue(inbound{
		kind:      inAudio,
		audio:     a,
		epoch:     p.epoch.Load(),
		clientTS:  clientTS,
		arrivedAt: p.clk.Now(),
	})
}

func (p *Pipeline) enqueue(in inbound) {
	select {
	case p.ingestCh <- in:
	case <-p.stopCh:
	default:
		metrics.FramesDropped.Inc()
		log.WithField("code", p.code).Debug("Очередь детекции заполнена, сообщение отброшено")
	}
}

// RequestReset просит отменить текущий челлендж и выдать следующий.
func (p *Pipeline) RequestReset() {
	p.sendControl(control{kind: ctlReset})
}

// ReportClientQuality передаёт локальную оценку качества от клиента.
func (p *Pipeline) ReportClientQuality(quality string, latency time.Duration) {
	p.sendControl(control{kind: ctlClientQuality, quality: quality, latency: latency})
}

// SetOrientation фиксирует смену ориентации экрана клиента.
func (p *Pipeline) SetOrientation(isPortrait bool) {
	p.sendControl(control{kind: ctlOrientation, isPortrait: isPortrait})
}

// SetDebug включает/выключает отладочный оверлей для сессии.
func (p *Pipeline) SetDebug(enabled bool) {
	p.sendControl(control{kind: ctlDebug, debug: enabled})
}

// Attach переключает исходящую сторону сессии на новое соединение
// (повторный join тем же кодом внутри грейс-периода). Текущий челлендж
// отправляется заново, чтобы переподключившийся клиент увидел задание.
func (p *Pipeline) Attach(e Emitter) {
	p.sendControl(control{kind: ctlAttach, emitter: e})
}

func (p *Pipeline) sendControl(c control) {
	select {
	case p.ctlCh <- c:
	case <-p.stopCh:
	}
}

// detectLoop гоняет сообщения через бэкенд детекции строго по одному,
// сохраняя порядок прибытия. Транзиентная ошибка детектора приводит
// к пропуску сообщения, не к ошибке сессии.
func (p *Pipeline) detectLoop() {
	ctx := context.Background()
	for {
		select {
		case <-p.stopCh:
			return
		case in := <-p.ingestCh:
			out, err := p.detect(ctx, in)
			if err != nil {
				metrics.FramesDropped.Inc()
				log.WithError(err).WithField("code", p.code).Warn("Ошибка детекции, сообщение пропущено")
				continue
			}
			select {
			case p.applyCh <- out:
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *Pipeline) detect(ctx context.Context, in inbound) (applied, error) {
	out := applied{in: in}

	switch in.kind {
	case inFrame:
		res, err := p.adapter.ProcessFrame(ctx, in.frame)
		if err != nil {
			return out, err
		}
		out.result = res
		out.events = p.translate(res, in.arrivedAt)

	case inAudio:
		words, err := p.adapter.ProcessAudio(ctx, in.audio)
		if err != nil {
			return out, err
		}
		for _, w := range words {
			out.events = append(out.events, challenge.DetectionEvent{
				Kind:      challenge.EventWord,
				Word:      w,
				Timestamp: in.arrivedAt,
			})
		}
	}
	return out, nil
}

// translate превращает структурированный результат детекции в события
// машины челленджа. Времена событий — серверные (момент прибытия):
// клиентским часам для оконной логики доверять нельзя.
func (p *Pipeline) translate(res *Result, at time.Time) []challenge.DetectionEvent {
	var events []challenge.DetectionEvent
	if res.FaceFound && res.HeadPose != "" {
		events = append(events, challenge.DetectionEvent{
			Kind:      challenge.EventAction,
			Action:    res.HeadPose,
			Timestamp: at,
		})
	}
	if res.BlinkCount > 0 {
		events = append(events, challenge.DetectionEvent{
			Kind:       challenge.EventBlink,
			BlinkCount: res.BlinkCount,
			Timestamp:  at,
		})
	}
	for _, w := range res.Words {
		events = append(events, challenge.DetectionEvent{
			Kind:      challenge.EventWord,
			Word:      w,
			Timestamp: at,
		})
	}
	return events
}

// duressIndex возвращает индекс первого события дуресса в батче, иначе -1.
func (p *Pipeline) duressIndex(events []challenge.DetectionEvent) int {
	for i, ev := range events {
		if ev.Kind == challenge.EventDuress ||
			(ev.Kind == challenge.EventWord && challenge.MatchesKeyword(ev.Word, p.cfg.DuressWord)) {
			return i
		}
	}
	return -1
}

// workerLoop — единственный писатель состояния сессии.
func (p *Pipeline) workerLoop() {
	ticker := p.clk.Ticker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return

		case out := <-p.applyCh:
			p.apply(out)

		case c := <-p.ctlCh:
			p.applyControl(c)

		case <-ticker.C:
			p.handleUpdate(p.engine.OnTick(p.clk.Now()))
		}
	}
}

// apply применяет один результат детекции к состоянию сессии.
func (p *Pipeline) apply(out applied) {
	// Событие из-под прошлой эпохи (до reset) старому челленджу не приписываем
	if out.in.epoch != p.epoch.Load() {
		return
	}
	metrics.FramesProcessed.Inc()

	// Дуресс из батча применяется первым: слово принуждения, пришедшее
	// одним кадром или аудио-чанком с условиями успеха, не должно
	// проиграть оценке успеха
	events := out.events
	if i := p.duressIndex(events); i > 0 {
		reordered := make([]challenge.DetectionEvent, 0, len(events))
		reordered = append(reordered, events[i])
		reordered = append(reordered, events[:i]...)
		reordered = append(reordered, events[i+1:]...)
		events = reordered
	}

	for _, ev := range events {
		upd := p.engine.OnDetectionEvent(ev)
		p.handleUpdate(upd)
		if upd.Terminal {
			break
		}
	}

	// Замер задержки по встроенной клиентской метке времени
	if out.in.clientTS > 0 {
		sent := time.UnixMilli(out.in.clientTS)
		if latency := out.in.arrivedAt.Sub(sent); latency > 0 {
			p.observeLatency(latency)
		}
	}

	if out.in.kind == inFrame {
		p.isPortrait = out.in.frame.IsPortrait
		p.emitStatus(out)
	}
}

func (p *Pipeline) observeLatency(latency time.Duration) {
	before := p.ctrl.Authoritative()
	tier, changed := p.ctrl.ObserveLatency(latency)
	if changed {
		p.tierChanged(before, tier)
	}
}

func (p *Pipeline) tierChanged(before, after stream.Tier) {
	direction := "up"
	if after < before {
		direction = "down"
	}
	metrics.TierChanges.WithLabelValues(direction).Inc()
	p.emitter.EmitNetworkQuality(stream.TierName(after, p.cfg.TierCount()))
}

// emitStatus собирает processed_frame по текущему состоянию сессии.
func (p *Pipeline) emitStatus(out applied) {
	st := p.engine.Status()

	frame := StatusFrame{
		Challenge:       st.ChallengeText,
		ActionDone:      st.ActionCompleted,
		WordDone:        st.WordCompleted,
		BlinkDone:       st.BlinkCompleted,
		TimeRemaining:   st.TimeRemaining,
		Result:          st.Result,
		DuressDetected:  st.DuressDetected,
		ClientTimestamp: out.in.clientTS,
		IsPortrait:      p.isPortrait,
		TargetFPS:       p.ctrl.EffectiveFPS(p.engine.BlinkPhase()),
	}

	if res := out.result; res != nil {
		frame.Image = res.PrimaryFrame
		if frame.Image == nil {
			frame.Image = out.in.frame.Image
		}
		if p.showDebug {
			frame.DebugImage = res.DebugFrame
		}
	}

	p.emitter.EmitStatus(frame)

	if p.onPartner != nil && p.cfg.ShowPartnerVideo && frame.Image != nil {
		p.onPartner(frame.Image, frame.Challenge, frame.ClientTimestamp, frame.IsPortrait)
	}
}

// handleUpdate обрабатывает результат шага машины челленджа.
func (p *Pipeline) handleUpdate(upd challenge.Update) {
	if upd.Resolved {
		metrics.Attempts.Inc()
		metrics.Verdicts.WithLabelValues(string(upd.Outcome)).Inc()
	}
	if upd.NewChallenge != nil {
		// Перевыдача: всё накопленное детектором относится к прошлой попытке
		p.epoch.Add(1)
		p.adapter.Reset()
		p.emitter.EmitChallenge(upd.NewChallenge.Text())
	}
	if upd.Terminal && upd.Resolved {
		duress := p.engine.DuressDetected()
		attempts := p.engine.Limiter().Count()
		if p.onTerminal != nil {
			p.onTerminal(upd.Outcome, duress, attempts)
		}
		// Вердикт уходит через текущий эмиттер: после переподключения
		// это уже новое соединение
		p.emitter.EmitVerdict(upd.Outcome, duress, attempts)
	}
}

// applyControl обрабатывает управляющее сообщение от клиента.
func (p *Pipeline) applyControl(c control) {
	switch c.kind {
	case ctlReset:
		newChallenge, err := p.engine.Reset()
		if err == common.ErrMaxAttempts {
			p.emitter.EmitMaxAttempts()
			return
		}
		if err != nil {
			p.emitter.EmitSessionError(err.Error())
			return
		}
		// Отмена и перевыдача атомарны относительно воркера; смена эпохи
		// отсекает события, поставленные в очередь до reset
		p.epoch.Add(1)
		p.adapter.Reset()
		p.emitter.EmitResetConfirmed()
		p.emitter.EmitChallenge(newChallenge.Text())

	case ctlClientQuality:
		tier, ok := stream.TierFromName(c.quality, p.cfg.TierCount())
		if !ok {
			log.WithFields(log.Fields{"code": p.code, "quality": c.quality}).
				Warn("Клиент прислал неизвестный уровень качества")
			return
		}
		before := p.ctrl.Authoritative()
		after, changed := p.ctrl.ReportClientTier(tier, c.latency)
		if changed {
			p.tierChanged(before, after)
		}

	case ctlOrientation:
		p.isPortrait = c.isPortrait

	case ctlDebug:
		p.showDebug = c.debug

	case ctlAttach:
		p.emitter = c.emitter
		if cur := p.engine.Current(); cur != nil && !p.engine.Terminal() && !cur.Resolved() {
			p.emitter.EmitChallenge(cur.Text())
		}
	}
}
