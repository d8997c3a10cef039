package session

import (
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"liveness-server/internal/common"
	"liveness-server/internal/config"
	"liveness-server/internal/features/challenge"
	"liveness-server/internal/features/pipeline"
)

func testConfig() *config.Config {
	return &config.Config{
		CodeLength:         6,
		CodeExpiry:         600 * time.Second,
		DisconnectGrace:    30 * time.Second,
		MaxAttempts:        3,
		// Таймаут заведомо больше любых прыжков часов в тестах реестра:
		// здесь проверяется жизненный цикл сессий, а не машина челленджа
		ChallengeTimeout:   24 * time.Hour,
		ActionSpeechWindow: 5 * time.Second,
		ChallengeCooldown:  2 * time.Second,
		Vocabulary:         []string{"clock", "book", "jump"},
		DuressWord:         "verify",
		NoiseToken:         "noise",
		LatencyThresholds: []time.Duration{
			150 * time.Millisecond,
			250 * time.Millisecond,
			350 * time.Millisecond,
			500 * time.Millisecond,
		},
		LatencySampleWindow:    10,
		UpgradeStabilityWindow: 10 * time.Second,
		UpgradeResetPolicy:     "any",
		TierFPS:                []int{2, 4, 6, 10, 15},
		BlinkPhaseMinFPS:       10,
	}
}

type nullEmitter struct {
	sessionErrors []string
}

func (n *nullEmitter) EmitChallenge(string)                     {}
func (n *nullEmitter) EmitStatus(pipeline.StatusFrame)          {}
func (n *nullEmitter) EmitNetworkQuality(string)                {}
func (n *nullEmitter) EmitVerdict(challenge.Outcome, bool, int) {}
func (n *nullEmitter) EmitResetConfirmed()                      {}
func (n *nullEmitter) EmitMaxAttempts()                         {}
func (n *nullEmitter) EmitSessionError(msg string) {
	n.sessionErrors = append(n.sessionErrors, msg)
}

func newTestRegistry(t *testing.T) (*Registry, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := NewRegistry(testConfig(), mock,
		func() pipeline.DetectionAdapter { return pipeline.NopAdapter{} }, nil)
	return r, mock
}

func TestCreateGeneratesUniqueValidCodes(t *testing.T) {
	r, _ := newTestRegistry(t)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		s, err := r.Create("")
		require.NoError(t, err)
		require.True(t, common.IsDigitCode(s.Code, 6))
		require.False(t, seen[s.Code], "коды живых сессий не повторяются")
		seen[s.Code] = true
		require.Equal(t, StatusPendingJoin, s.Status)
	}
	require.Equal(t, 50, r.Len())
}

func TestCreateFailsWhenCodeSpaceExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.CodeLength = 1
	mock := clock.NewMock()
	r := NewRegistry(cfg, mock,
		func() pipeline.DetectionAdapter { return pipeline.NopAdapter{} }, nil)

	// Занимаем все десять однозначных кодов: любая генерация — коллизия
	for d := 0; d < 10; d++ {
		code := strconv.Itoa(d)
		r.sessions[code] = &VerificationSession{Code: code, Status: StatusPendingJoin}
	}

	_, err := r.Create("")
	require.ErrorIs(t, err, common.ErrCodeCollision)
}

func TestCheckCodeLifecycle(t *testing.T) {
	// Код создан с экспирацией 600с, на 601-й секунде он недействителен
	r, mock := newTestRegistry(t)

	s, err := r.Create("")
	require.NoError(t, err)
	require.True(t, r.CheckCode(s.Code))

	mock.Add(599 * time.Second)
	require.True(t, r.CheckCode(s.Code))

	mock.Add(2 * time.Second)
	require.False(t, r.CheckCode(s.Code))
	require.False(t, r.CheckCode("000000"), "неизвестный код недействителен")
}

func TestJoinActivatesSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	s, err := r.Create("req-1")
	require.NoError(t, err)

	joined, err := r.Join(s.Code, "ver-1", &nullEmitter{}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusActive, joined.Status)
	require.NotNil(t, joined.Pipeline)
	require.Equal(t, "ver-1", joined.VerifierID)
	joined.Pipeline.Stop()
}

func TestJoinErrors(t *testing.T) {
	r, mock := newTestRegistry(t)

	_, err := r.Join("999999", "ver-1", &nullEmitter{}, nil, nil)
	require.ErrorIs(t, err, common.ErrCodeNotFound)

	s, err := r.Create("")
	require.NoError(t, err)

	_, err = r.Join(s.Code, "ver-1", &nullEmitter{}, nil, nil)
	require.NoError(t, err)
	defer s.Pipeline.Stop()

	// Второе соединение к занятой сессии отклоняется
	_, err = r.Join(s.Code, "ver-2", &nullEmitter{}, nil, nil)
	require.ErrorIs(t, err, common.ErrAlreadyJoined)

	// Истёкший код
	expired, err := r.Create("")
	require.NoError(t, err)
	mock.Add(601 * time.Second)
	_, err = r.Join(expired.Code, "ver-3", &nullEmitter{}, nil, nil)
	require.ErrorIs(t, err, common.ErrCodeExpired)
}

func TestRejoinWithinGraceReattaches(t *testing.T) {
	r, mock := newTestRegistry(t)

	s, err := r.Create("")
	require.NoError(t, err)

	_, err = r.Join(s.Code, "ver-1", &nullEmitter{}, nil, nil)
	require.NoError(t, err)
	first := s.Pipeline
	defer first.Stop()

	r.Disconnect(s.Code, "ver-1")
	mock.Add(10 * time.Second)

	rejoined, err := r.Join(s.Code, "ver-2", &nullEmitter{}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "ver-2", rejoined.VerifierID)
	require.Same(t, first, rejoined.Pipeline, "конвейер переживает переподключение")
}

func TestTerminalHookRecordsVerdict(t *testing.T) {
	r, _ := newTestRegistry(t)

	var recorded []VerdictRecord
	r.onVerdict = func(rec VerdictRecord) { recorded = append(recorded, rec) }

	s, err := r.Create("")
	require.NoError(t, err)
	_, err = r.Join(s.Code, "ver-1", &nullEmitter{}, nil, nil)
	require.NoError(t, err)
	defer s.Pipeline.Stop()

	hook := r.terminalHook(s, nil)
	hook(challenge.OutcomeDuress, true, 1)

	require.Equal(t, StatusCompleted, s.Status)
	require.Equal(t, challenge.OutcomeDuress, s.Outcome)
	require.True(t, s.Duress)
	require.Len(t, recorded, 1)
	require.Equal(t, s.Code, recorded[0].Code)
	require.Equal(t, challenge.OutcomeDuress, recorded[0].Outcome)
}

func TestReaperEvictsExpiredPendingSession(t *testing.T) {
	r, mock := newTestRegistry(t)

	s, err := r.Create("")
	require.NoError(t, err)

	mock.Add(599 * time.Second)
	require.Zero(t, r.ReapOnce())
	require.Equal(t, 1, r.Len())

	mock.Add(2 * time.Second)
	require.Equal(t, 1, r.ReapOnce())
	require.Zero(t, r.Len())
	_, err = r.Get(s.Code)
	require.ErrorIs(t, err, common.ErrCodeNotFound)
}

func TestReaperNotifiesActiveSessionOnExpiry(t *testing.T) {
	r, mock := newTestRegistry(t)

	s, err := r.Create("")
	require.NoError(t, err)
	em := &nullEmitter{}
	_, err = r.Join(s.Code, "ver-1", em, nil, nil)
	require.NoError(t, err)

	mock.Add(601 * time.Second)
	require.Equal(t, 1, r.ReapOnce())
	require.Equal(t, StatusExpired, s.Status)
	require.NotEmpty(t, em.sessionErrors, "подключённый клиент получает terminal error")
}

func TestReaperEvictsAbandonedSessionAfterGrace(t *testing.T) {
	r, mock := newTestRegistry(t)

	s, err := r.Create("")
	require.NoError(t, err)
	_, err = r.Join(s.Code, "ver-1", &nullEmitter{}, nil, nil)
	require.NoError(t, err)

	r.Disconnect(s.Code, "ver-1")

	// Внутри грейс-периода сессия живёт и принимает переподключение
	mock.Add(29 * time.Second)
	require.Zero(t, r.ReapOnce())
	require.True(t, s.Joinable())

	mock.Add(2 * time.Second)
	require.Equal(t, 1, r.ReapOnce())
	require.Zero(t, r.Len())
}

func TestEvictStopsPipeline(t *testing.T) {
	r, _ := newTestRegistry(t)

	s, err := r.Create("")
	require.NoError(t, err)
	_, err = r.Join(s.Code, "ver-1", &nullEmitter{}, nil, nil)
	require.NoError(t, err)

	r.Evict(s.Code)
	require.Zero(t, r.Len())

	// Повторное снятие безопасно
	r.Evict(s.Code)
}

func TestShutdownDrainsRegistry(t *testing.T) {
	r, _ := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		s, err := r.Create("")
		require.NoError(t, err)
		_, err = r.Join(s.Code, "ver", &nullEmitter{}, nil, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 3, r.Len())

	r.Shutdown()
	require.Zero(t, r.Len())
}
