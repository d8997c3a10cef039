// Package ws — router.go раздаёт входящие конверты обработчикам.
package ws

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"liveness-server/internal/common"
	"liveness-server/internal/features/pipeline"
)

// route выбирает обработчик по типу сообщения.
func (s *Server) route(client *Client, env Envelope) {
	switch env.Type {
	case MsgGenerateCode:
		s.handleGenerateCode(client)
	case MsgJoin:
		s.handleJoin(client, env.Payload)
	case MsgGetDebugStatus:
		s.handleDebugStatus(client)
	case MsgProcessFrame:
		s.handleFrame(client, env.Payload)
	case MsgAudioChunk:
		s.handleAudio(client, env.Payload)
	case MsgClientQuality:
		s.handleClientQuality(client, env.Payload)
	case MsgOrientation:
		s.handleOrientation(client, env.Payload)
	case MsgReset:
		s.handleReset(client)
	default:
		client.SendError(MsgError, fmt.Sprintf("неизвестный тип сообщения: %s", env.Type))
	}
}

// handleGenerateCode создаёт сессию для запросившей стороны и возвращает код.
func (s *Server) handleGenerateCode(client *Client) {
	sess, err := s.registry.Create(client.ID)
	if err != nil {
		client.SendError(MsgError, err.Error())
		return
	}
	client.code = sess.Code

	client.Send(MustEnvelope(MsgVerificationCode, CodePayload{
		Code:      sess.Code,
		URL:       fmt.Sprintf("%s/?code=%s", s.cfg.BaseURL, sess.Code),
		ExpiresIn: int(s.cfg.CodeExpiry.Seconds()),
	}))
}

// handleJoin привязывает соединение к сессии как верифицируемого
// и запускает челлендж-цикл.
func (s *Server) handleJoin(client *Client, raw json.RawMessage) {
	var p JoinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		client.SendError(MsgError, "некорректный payload join_verification")
		return
	}
	if !common.IsDigitCode(p.Code, s.cfg.CodeLength) {
		client.SendError(MsgSessionError, common.ErrCodeNotFound.Error())
		return
	}

	code := p.Code
	sess, err := s.registry.Join(
		code, client.ID, client,
		nil, // вердикт уходит клиенту через эмиттер конвейера
		func(image []byte, challengeText string, clientTS int64, isPortrait bool) {
			s.relayToRequester(code, image, challengeText, clientTS, isPortrait)
		},
	)
	if err != nil {
		client.SendError(MsgSessionError, err.Error())
		return
	}

	client.code = code
	client.pipe = sess.Pipeline

	if s.cfg.DebugMode {
		s.handleDebugStatus(client)
	}
}

// handleDebugStatus возвращает конфигурацию отладки.
func (s *Server) handleDebugStatus(client *Client) {
	client.Send(MustEnvelope(MsgDebugStatus, DebugStatusPayload{
		Debug:          s.cfg.DebugMode,
		ShowDebugFrame: s.cfg.ShowDebugFrame,
	}))
}

// handleFrame ставит видеокадр в конвейер сессии.
func (s *Server) handleFrame(client *Client, raw json.RawMessage) {
	pipe := client.pipe
	if pipe == nil {
		client.SendError(MsgSessionError, common.ErrCodeNotFound.Error())
		return
	}

	var p FramePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		client.SendError(MsgError, "некорректный payload process_frame")
		return
	}

	image, err := decodeFrame(p.Image)
	if err != nil {
		log.WithError(err).WithField("conn", client.ID).Debug("Кадр не декодируется, пропущен")
		return
	}

	// Клиент может встроить свою оценку качества прямо в кадр
	if p.NetworkQuality != "" {
		pipe.ReportClientQuality(p.NetworkQuality, 0)
	}

	pipe.EnqueueFrame(pipeline.Frame{
		Image:      image,
		IsPortrait: p.IsPortrait,
		Timestamp:  time.UnixMilli(p.Timestamp),
	}, p.Timestamp)
}

// handleAudio ставит аудио-чанк в конвейер сессии.
func (s *Server) handleAudio(client *Client, raw json.RawMessage) {
	pipe := client.pipe
	if pipe == nil {
		client.SendError(MsgSessionError, common.ErrCodeNotFound.Error())
		return
	}

	var p AudioPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		client.SendError(MsgError, "некорректный payload audio_chunk")
		return
	}

	pcm, err := decodeFrame(p.Audio)
	if err != nil {
		log.WithError(err).WithField("conn", client.ID).Debug("Аудио не декодируется, пропущено")
		return
	}

	pipe.EnqueueAudio(pipeline.AudioChunk{
		PCM:       pcm,
		Timestamp: time.UnixMilli(p.Timestamp),
	}, p.Timestamp)
}

// handleClientQuality принимает локальную оценку качества клиента.
func (s *Server) handleClientQuality(client *Client, raw json.RawMessage) {
	if client.pipe == nil {
		return
	}
	var p QualityPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	client.pipe.ReportClientQuality(p.Quality, time.Duration(p.Latency)*time.Millisecond)
}

// handleOrientation фиксирует смену ориентации вьюпорта.
func (s *Server) handleOrientation(client *Client, raw json.RawMessage) {
	if client.pipe == nil {
		return
	}
	var p OrientationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	client.pipe.SetOrientation(p.IsPortrait)
}

// handleReset запрашивает новый челлендж после неудачной попытки.
func (s *Server) handleReset(client *Client) {
	if client.pipe == nil {
		client.SendError(MsgSessionError, common.ErrCodeNotFound.Error())
		return
	}
	client.pipe.RequestReset()
}

// relayToRequester транслирует обработанный кадр запросившей стороне,
// если её соединение ещё живо.
func (s *Server) relayToRequester(code string, image []byte, challengeText string, clientTS int64, isPortrait bool) {
	sess, err := s.registry.Get(code)
	if err != nil || sess.RequesterID == "" {
		return
	}
	requester := s.clientByID(sess.RequesterID)
	if requester == nil {
		return
	}
	requester.Send(MustEnvelope(MsgPartnerFrame, PartnerFramePayload{
		Image:      encodeFrame(image),
		Challenge:  challengeText,
		Timestamp:  clientTS,
		IsPortrait: isPortrait,
	}))
}
