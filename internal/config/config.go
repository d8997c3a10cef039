// Package config загружает конфигурацию сервера из переменных окружения.
// Используется envconfig для маппинга переменных окружения на поля структуры.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config содержит ВСЕ настройки приложения.
type Config struct {
	// --- HTTP / WebSocket ---
	HTTPHost string `envconfig:"HTTP_HOST" default:"0.0.0.0"`
	HTTPPort int    `envconfig:"HTTP_PORT" default:"8080"`
	// Базовый URL для ссылок верификации (уходит клиенту вместе с кодом)
	BaseURL string `envconfig:"BASE_URL" default:"https://verify.example.com"`

	// Лимит на размер одного WebSocket-сообщения. Кадры приходят base64-ом,
	// поэтому дефолт щедрый (5 МБ, как и буфер исходного сервера).
	WSReadLimitBytes int64         `envconfig:"WS_READ_LIMIT_BYTES" default:"5242880"`
	WSWriteTimeout   time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"10s"`
	WSPingInterval   time.Duration `envconfig:"WS_PING_INTERVAL" default:"25s"`
	WSPongTimeout    time.Duration `envconfig:"WS_PONG_TIMEOUT" default:"60s"`

	// --- Сессии ---
	CodeLength int           `envconfig:"CODE_LENGTH" default:"6"`
	CodeExpiry time.Duration `envconfig:"CODE_EXPIRY" default:"600s"`
	// Сколько держим сессию после обрыва обеих сторон (повторный join тем же кодом)
	DisconnectGrace time.Duration `envconfig:"DISCONNECT_GRACE" default:"30s"`
	MaxAttempts     int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	ReaperInterval  time.Duration `envconfig:"REAPER_INTERVAL" default:"15s"`

	// --- Челленджи ---
	ChallengeTimeout time.Duration `envconfig:"CHALLENGE_TIMEOUT" default:"30s"`
	// Максимальный разрыв между выполнением действия и произнесением слова
	ActionSpeechWindow time.Duration `envconfig:"ACTION_SPEECH_WINDOW" default:"5s"`
	// Пауза перед повторной выдачей челленджа после неудачной попытки
	ChallengeCooldown time.Duration `envconfig:"CHALLENGE_COOLDOWN" default:"2s"`

	// Словарь ключевых слов (через запятую). Слово дуресса и шумовой токен
	// в розыгрыш челленджа не попадают.
	VocabularyRaw string   `envconfig:"SPEECH_VOCABULARY" default:"clock,book,jump,fish,mind,stop"`
	Vocabulary    []string `envconfig:"-"` // заполним вручную
	DuressWord    string   `envconfig:"DURESS_WORD" default:"verify"`
	NoiseToken    string   `envconfig:"NOISE_TOKEN" default:"noise"`

	// Требуемое число морганий, когда челлендж включает моргание.
	// 0 полностью отключает блинк-фактор.
	BlinkTarget int `envconfig:"BLINK_TARGET" default:"2"`
	// Вероятность того, что в челлендж войдёт блинк-фактор (0..1)
	BlinkChance float64 `envconfig:"BLINK_CHANCE" default:"0.5"`

	// --- Адаптивное качество потока ---
	// Пороги средней задержки в миллисекундах, по возрастанию.
	// N порогов задают N+1 уровней качества: high, medium, low, very_low, ultra_low.
	LatencyThresholdsRaw string          `envconfig:"LATENCY_THRESHOLDS_MS" default:"150,250,350,500"`
	LatencyThresholds    []time.Duration `envconfig:"-"`
	// Размер кольцевого буфера замеров задержки
	LatencySampleWindow int `envconfig:"LATENCY_SAMPLE_WINDOW" default:"10"`
	// Сколько условие улучшения должно держаться до повышения уровня
	UpgradeStabilityWindow time.Duration `envconfig:"UPGRADE_STABILITY_WINDOW" default:"10s"`
	// Политика сброса окна стабильности: "any" — любой плохой замер сбрасывает,
	// "sustained" — сбрасывает только просевшее скользящее среднее
	UpgradeResetPolicy string `envconfig:"UPGRADE_RESET_POLICY" default:"any"`
	// Частота кадров по уровням, от ultra_low к high (через запятую)
	TierFPSRaw string `envconfig:"TIER_FPS" default:"2,4,6,10,15"`
	TierFPS    []int  `envconfig:"-"`
	// Минимальный FPS во время блинк-фазы вне зависимости от уровня качества
	BlinkPhaseMinFPS int `envconfig:"BLINK_PHASE_MIN_FPS" default:"10"`

	// --- Детектор ---
	// Бэкенд детекции подключается снаружи; "none" — пустой бэкенд (события
	// не генерируются, полезно для прогонов без CV-стека).
	DetectorBackend string `envconfig:"DETECTOR_BACKEND" default:"none"`

	// --- Отладка ---
	DebugMode      bool `envconfig:"DEBUG_MODE" default:"false"`
	ShowDebugFrame bool `envconfig:"SHOW_DEBUG_FRAME" default:"false"`
	// Argon2id-хеш пароля для включения отладочного оверлея через HTTP.
	// Пустая строка — отладочный вход отключён.
	DebugPasswordHash string `envconfig:"DEBUG_PASSWORD_HASH" default:""`
	// Транслировать ли видео верифицируемого обратно запросившей стороне
	ShowPartnerVideo bool `envconfig:"SHOW_PARTNER_VIDEO" default:"true"`

	// --- Аудит (PostgreSQL) ---
	// Журнал вердиктов. Сессии при этом остаются только в памяти процесса.
	AuditEnabled bool   `envconfig:"AUDIT_ENABLED" default:"false"`
	DBHost       string `envconfig:"DB_HOST" default:"postgres"`
	DBPort       int    `envconfig:"DB_PORT" default:"5432"`
	DBUser       string `envconfig:"DB_USER" default:"liveness"`
	DBPassword   string `envconfig:"DB_PASSWORD" default:""`
	DBName       string `envconfig:"DB_NAME" default:"liveness"`
	DBSSLMode    string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns   int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns   int32  `envconfig:"DB_MIN_CONNS" default:"2"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"debug"`

	// --- Rate limiting ---
	// Лимит входящих сообщений на соединение в окно (кадры + аудио)
	RateLimitMessages int           `envconfig:"RATE_LIMIT_MESSAGES" default:"60"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1s"`
}

// TierCount возвращает число уровней качества.
func (c *Config) TierCount() int {
	return len(c.LatencyThresholds) + 1
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате DSN.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// ChallengeWords возвращает слова, доступные для розыгрыша челленджа:
// словарь без слова дуресса и шумового токена.
func (c *Config) ChallengeWords() []string {
	out := make([]string, 0, len(c.Vocabulary))
	for _, w := range c.Vocabulary {
		if w == c.DuressWord || w == c.NoiseToken {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (c *Config) Validate() error {
	if c.CodeLength < 4 || c.CodeLength > 12 {
		return fmt.Errorf("CODE_LENGTH должен быть в диапазоне 4..12")
	}
	if c.CodeExpiry <= 0 {
		return fmt.Errorf("CODE_EXPIRY должен быть > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS должен быть > 0")
	}
	if c.ChallengeTimeout <= 0 || c.ActionSpeechWindow <= 0 {
		return fmt.Errorf("некорректные CHALLENGE_TIMEOUT/ACTION_SPEECH_WINDOW")
	}
	if len(c.ChallengeWords()) == 0 {
		return fmt.Errorf("SPEECH_VOCABULARY не содержит ни одного слова для челленджей")
	}
	if c.DuressWord == "" {
		return fmt.Errorf("DURESS_WORD не задан")
	}
	if c.BlinkChance < 0 || c.BlinkChance > 1 {
		return fmt.Errorf("BLINK_CHANCE должен быть в диапазоне 0..1")
	}
	if len(c.LatencyThresholds) == 0 {
		return fmt.Errorf("LATENCY_THRESHOLDS_MS пуст")
	}
	for i := 1; i < len(c.LatencyThresholds); i++ {
		if c.LatencyThresholds[i] <= c.LatencyThresholds[i-1] {
			return fmt.Errorf("LATENCY_THRESHOLDS_MS должны строго возрастать")
		}
	}
	if len(c.TierFPS) != c.TierCount() {
		return fmt.Errorf("TIER_FPS: ожидается %d значений, получено %d", c.TierCount(), len(c.TierFPS))
	}
	for _, fps := range c.TierFPS {
		if fps <= 0 {
			return fmt.Errorf("TIER_FPS: значения должны быть > 0")
		}
	}
	if c.LatencySampleWindow <= 0 {
		return fmt.Errorf("LATENCY_SAMPLE_WINDOW должен быть > 0")
	}
	if c.UpgradeResetPolicy != "any" && c.UpgradeResetPolicy != "sustained" {
		return fmt.Errorf("UPGRADE_RESET_POLICY: ожидается \"any\" или \"sustained\"")
	}
	if c.RateLimitMessages <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("некорректные RATE_LIMIT_MESSAGES/RATE_LIMIT_WINDOW")
	}
	if c.AuditEnabled {
		if c.DBPassword == "" {
			return fmt.Errorf("AUDIT_ENABLED=true, но DB_PASSWORD пуст")
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("некорректные DB_MIN_CONNS/DB_MAX_CONNS")
		}
	}
	return nil
}

// Load читает переменные окружения и заполняет структуру Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}

	cfg.Vocabulary = parseCSV(cfg.VocabularyRaw)

	thresholds, err := parseMillisCSV(cfg.LatencyThresholdsRaw)
	if err != nil {
		return nil, fmt.Errorf("LATENCY_THRESHOLDS_MS parse: %w", err)
	}
	cfg.LatencyThresholds = thresholds

	fps, err := parseIntCSV(cfg.TierFPSRaw)
	if err != nil {
		return nil, fmt.Errorf("TIER_FPS parse: %w", err)
	}
	cfg.TierFPS = fps

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIntCSV(s string) ([]int, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad int %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseMillisCSV(s string) ([]time.Duration, error) {
	ints, err := parseIntCSV(s)
	if err != nil {
		return nil, err
	}
	out := make([]time.Duration, 0, len(ints))
	for _, v := range ints {
		out = append(out, time.Duration(v)*time.Millisecond)
	}
	return out, nil
}
