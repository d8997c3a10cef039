// Package ws — client.go содержит состояние одного WebSocket-соединения.
//
// Client реализует pipeline.Emitter: воркер сессии пишет клиенту напрямую,
// без промежуточных каналов. Запись сериализуется мьютексом — в соединение
// пишут воркер сессии, пинг-горутина и обработчики роутера.
package ws

import (
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"liveness-server/internal/common"
	"liveness-server/internal/config"
	"liveness-server/internal/features/challenge"
	"liveness-server/internal/features/pipeline"
)

// Client — одно WebSocket-соединение.
type Client struct {
	ID   string
	conn *websocket.Conn
	cfg  *config.Config

	writeMu sync.Mutex

	// Код сессии после join_verification или generate_code (иначе пусто).
	// Меняется только в горутине чтения этого соединения.
	code string
	// Конвейер сессии, закэшированный при join
	pipe *pipeline.Pipeline

	closeOnce sync.Once
}

// NewClient оборачивает установленное соединение.
func NewClient(id string, conn *websocket.Conn, cfg *config.Config) *Client {
	return &Client{ID: id, conn: conn, cfg: cfg}
}

// Send сериализует и отправляет конверт с дедлайном записи.
func (c *Client) Send(env Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WSWriteTimeout))
	if err := c.conn.WriteJSON(env); err != nil {
		log.WithError(err).WithField("conn", c.ID).Debug("Ошибка записи в соединение")
	}
}

// SendError отправляет сообщение об ошибке указанного типа.
func (c *Client) SendError(msgType, message string) {
	c.Send(MustEnvelope(msgType, ErrorPayload{Message: message}))
}

// Ping отправляет контрольный ping с дедлайном записи.
func (c *Client) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WSWriteTimeout))
}

// Close закрывает соединение. Идемпотентен.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// --- pipeline.Emitter ---

// EmitChallenge отправляет текст нового челленджа.
func (c *Client) EmitChallenge(text string) {
	c.Send(MustEnvelope(MsgChallenge, ChallengePayload{Text: text}))
}

// EmitStatus отправляет processed_frame по результату обработки кадра.
func (c *Client) EmitStatus(st pipeline.StatusFrame) {
	payload := ProcessedFramePayload{
		Challenge:      st.Challenge,
		ActionDone:     st.ActionDone,
		WordDone:       st.WordDone,
		BlinkDone:      st.BlinkDone,
		TimeRemaining:  common.FormatSeconds(st.TimeRemaining),
		Result:         string(st.Result),
		DuressDetected: st.DuressDetected,
		Timestamp:      st.ClientTimestamp,
		IsPortrait:     st.IsPortrait,
		TargetFPS:      st.TargetFPS,
	}
	if len(st.Image) > 0 {
		payload.Image = encodeFrame(st.Image)
	}
	if len(st.DebugImage) > 0 {
		payload.DebugImage = encodeFrame(st.DebugImage)
	}
	c.Send(MustEnvelope(MsgProcessedFrame, payload))
}

// EmitNetworkQuality отправляет авторитетный уровень качества.
func (c *Client) EmitNetworkQuality(name string) {
	c.Send(MustEnvelope(MsgNetworkQuality, NetworkQualityPayload{Quality: name}))
}

// EmitResetConfirmed подтверждает сброс челленджа.
func (c *Client) EmitResetConfirmed() {
	c.Send(Envelope{Type: MsgResetConfirmed})
}

// EmitMaxAttempts сигналит исчерпание попыток.
func (c *Client) EmitMaxAttempts() {
	c.Send(Envelope{Type: MsgMaxAttempts})
}

// EmitSessionError отправляет терминальную ошибку сессии.
func (c *Client) EmitSessionError(msg string) {
	c.SendError(MsgSessionError, msg)
}

// EmitVerdict отправляет терминальный вердикт.
func (c *Client) EmitVerdict(outcome challenge.Outcome, duress bool, attempts int) {
	c.Send(MustEnvelope(MsgResult, ResultPayload{
		Result:   string(outcome),
		Duress:   duress,
		Attempts: attempts,
	}))
}

// encodeFrame кодирует кадр в data-URL, как его ждёт клиентский оверлей.
func encodeFrame(image []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
}

// decodeFrame разбирает base64-кадр, принимая и голый base64, и data-URL.
func decodeFrame(s string) ([]byte, error) {
	if idx := strings.IndexByte(s, ','); idx >= 0 && strings.HasPrefix(s, "data:") {
		s = s[idx+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}
