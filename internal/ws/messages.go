// Package ws — messages.go описывает проволочный протокол.
//
// Конверт — JSON {type, payload}. Каждое сообщение несёт код сессии
// (либо соединение уже привязано к сессии через join_verification).
package ws

import "encoding/json"

// Envelope — конверт любого сообщения в обе стороны.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Входящие типы сообщений (клиент → сервер).
const (
	MsgGenerateCode   = "generate_code"
	MsgJoin           = "join_verification"
	MsgGetDebugStatus = "get_debug_status"
	MsgProcessFrame   = "process_frame"
	MsgAudioChunk     = "audio_chunk"
	MsgClientQuality  = "client_network_quality"
	MsgOrientation    = "orientation_change"
	MsgReset          = "reset"
)

// Исходящие типы сообщений (сервер → клиент).
const (
	MsgVerificationCode = "verification_code"
	MsgDebugStatus      = "debug_status"
	MsgChallenge        = "challenge"
	MsgProcessedFrame   = "processed_frame"
	MsgPartnerFrame     = "partner_video_frame"
	MsgNetworkQuality   = "network_quality"
	MsgResult           = "verification_result"
	MsgResetConfirmed   = "reset_confirmed"
	MsgMaxAttempts      = "max_attempts_reached"
	MsgSessionError     = "session_error"
	MsgError            = "error"
)

// --- Входящие полезные нагрузки ---

// JoinPayload — привязка соединения к сессии.
type JoinPayload struct {
	Code       string `json:"code"`
	ClientInfo string `json:"clientInfo,omitempty"`
}

// FramePayload — один видеокадр. Image — base64 (возможно, data-URL).
type FramePayload struct {
	Image string `json:"image"`
	Code  string `json:"code,omitempty"`
	// Unix-миллисекунды отправки на клиенте
	Timestamp      int64  `json:"timestamp,omitempty"`
	NetworkQuality string `json:"networkQuality,omitempty"`
	IsPortrait     bool   `json:"isPortrait,omitempty"`
}

// AudioPayload — один аудио-буфер (PCM 16 бит, моно), base64.
type AudioPayload struct {
	Audio     string `json:"audio"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// QualityPayload — локальная оценка качества, вычисленная клиентом.
type QualityPayload struct {
	Quality string `json:"quality"`
	// Задержка в миллисекундах по клиентским замерам
	Latency int64 `json:"latency,omitempty"`
}

// OrientationPayload — смена ориентации вьюпорта.
type OrientationPayload struct {
	IsPortrait bool `json:"isPortrait"`
	Width      int  `json:"width,omitempty"`
	Height     int  `json:"height,omitempty"`
}

// ResetPayload — запрос нового челленджа после неудачной попытки.
type ResetPayload struct {
	Code string `json:"code,omitempty"`
}

// --- Исходящие полезные нагрузки ---

// CodePayload — выданный код верификации.
type CodePayload struct {
	Code string `json:"code"`
	URL  string `json:"url"`
	// Срок действия кода в секундах
	ExpiresIn int `json:"expires_in"`
}

// DebugStatusPayload — конфигурация отладки.
type DebugStatusPayload struct {
	Debug          bool `json:"debug"`
	ShowDebugFrame bool `json:"showDebugFrame"`
}

// ChallengePayload — описание нового челленджа.
type ChallengePayload struct {
	Text string `json:"text"`
}

// ProcessedFramePayload — статус по обработанному кадру.
type ProcessedFramePayload struct {
	Image          string `json:"image,omitempty"`
	DebugImage     string `json:"debug_image,omitempty"`
	Challenge      string `json:"challenge"`
	ActionDone     bool   `json:"action_completed"`
	WordDone       bool   `json:"word_completed"`
	BlinkDone      bool   `json:"blink_completed"`
	TimeRemaining  string `json:"time_remaining"`
	Result         string `json:"verification_result"`
	DuressDetected bool   `json:"duress_detected"`
	// Эхо клиентской метки времени (замер задержки на клиенте)
	Timestamp  int64 `json:"timestamp,omitempty"`
	IsPortrait bool  `json:"isPortrait,omitempty"`
	TargetFPS  int   `json:"target_fps,omitempty"`
}

// PartnerFramePayload — трансляция кадра верифицируемого запросившей стороне.
type PartnerFramePayload struct {
	Image      string `json:"image"`
	Challenge  string `json:"challenge,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	IsPortrait bool   `json:"isPortrait,omitempty"`
}

// NetworkQualityPayload — авторитетный уровень качества сервера.
type NetworkQualityPayload struct {
	Quality string `json:"quality"`
}

// ResultPayload — терминальный вердикт сессии.
type ResultPayload struct {
	Result   string `json:"result"`
	Duress   bool   `json:"duress"`
	Attempts int    `json:"attempts"`
}

// ErrorPayload — сообщение об ошибке (session_error / error).
type ErrorPayload struct {
	Message string `json:"message"`
}

// MustEnvelope собирает конверт; payload обязан сериализоваться.
// Все исходящие нагрузки — наши структуры, ошибка здесь — баг программиста.
func MustEnvelope(msgType string, payload interface{}) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return Envelope{Type: msgType, Payload: raw}
}
