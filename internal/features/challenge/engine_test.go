package challenge

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"liveness-server/internal/common"
	"liveness-server/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxAttempts:        3,
		ChallengeTimeout:   30 * time.Second,
		ActionSpeechWindow: 5 * time.Second,
		ChallengeCooldown:  2 * time.Second,
		Vocabulary:         []string{"clock", "book", "jump", "fish", "mind", "stop", "verify", "noise"},
		DuressWord:         "verify",
		NoiseToken:         "noise",
		BlinkTarget:        2,
		BlinkChance:        0, // блинк-фактор в тестах включаем вручную
	}
}

func newTestEngine(t *testing.T) (*Engine, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(testConfig(), mock, "482913"), mock
}

func actionEvent(c *Challenge, at time.Time) DetectionEvent {
	return DetectionEvent{Kind: EventAction, Action: c.Action, Timestamp: at}
}

func wordEvent(c *Challenge, at time.Time) DetectionEvent {
	return DetectionEvent{Kind: EventWord, Word: c.Word, Timestamp: at}
}

func TestPassWhenActionAndWordWithinWindow(t *testing.T) {
	e, mock := newTestEngine(t)
	c := e.Issue()

	upd := e.OnDetectionEvent(actionEvent(c, mock.Now().Add(2*time.Second)))
	require.False(t, upd.Resolved)
	require.True(t, c.ActionCompleted)

	upd = e.OnDetectionEvent(wordEvent(c, mock.Now().Add(4*time.Second)))
	require.True(t, upd.Resolved)
	require.Equal(t, OutcomePass, upd.Outcome)
	require.True(t, upd.Terminal)
	require.Equal(t, OutcomePass, e.FinalOutcome())
	require.Equal(t, 1, e.Limiter().Count())
}

func TestWordRejectedOutsideActionSpeechWindow(t *testing.T) {
	// Действие в t=2s, слово в t=9s при окне 5s — слово не засчитывается
	e, mock := newTestEngine(t)
	c := e.Issue()
	start := mock.Now()

	e.OnDetectionEvent(actionEvent(c, start.Add(2*time.Second)))
	upd := e.OnDetectionEvent(wordEvent(c, start.Add(9*time.Second)))

	require.True(t, upd.WordRejected)
	require.False(t, upd.Resolved)
	require.True(t, c.ActionCompleted, "действие не отзывается")
	require.False(t, c.WordCompleted, "слово должно быть заработано заново")
}

func TestWordBeforeActionWithinWindowPasses(t *testing.T) {
	// Окно симметричное: слово может прозвучать чуть раньше действия
	e, mock := newTestEngine(t)
	c := e.Issue()
	start := mock.Now()

	e.OnDetectionEvent(wordEvent(c, start.Add(1*time.Second)))
	require.True(t, c.WordCompleted)

	upd := e.OnDetectionEvent(actionEvent(c, start.Add(3*time.Second)))
	require.True(t, upd.Resolved)
	require.Equal(t, OutcomePass, upd.Outcome)
}

func TestDuressOverridesCompletedFactors(t *testing.T) {
	e, mock := newTestEngine(t)
	c := e.Issue()
	c.BlinkTarget = 2 // не даём PASS сработать раньше дуресса

	start := mock.Now()
	e.OnDetectionEvent(actionEvent(c, start.Add(1*time.Second)))
	e.OnDetectionEvent(wordEvent(c, start.Add(2*time.Second)))
	require.True(t, c.ActionCompleted)
	require.True(t, c.WordCompleted)

	upd := e.OnDetectionEvent(DetectionEvent{Kind: EventWord, Word: "verify", Timestamp: start.Add(3 * time.Second)})
	require.True(t, upd.Resolved)
	require.Equal(t, OutcomeDuress, upd.Outcome)
	require.True(t, upd.Terminal)
	require.True(t, e.DuressDetected())
	require.Equal(t, OutcomeDuress, e.FinalOutcome())
}

func TestDuressAsFirstEvent(t *testing.T) {
	e, mock := newTestEngine(t)
	e.Issue()

	upd := e.OnDetectionEvent(DetectionEvent{Kind: EventDuress, Word: "verify", Timestamp: mock.Now()})
	require.True(t, upd.Resolved)
	require.Equal(t, OutcomeDuress, upd.Outcome)
	require.True(t, e.Terminal())
}

func TestBlinkTargetRequired(t *testing.T) {
	e, mock := newTestEngine(t)
	c := e.Issue()
	c.BlinkTarget = 2
	start := mock.Now()

	e.OnDetectionEvent(actionEvent(c, start.Add(1*time.Second)))
	upd := e.OnDetectionEvent(wordEvent(c, start.Add(2*time.Second)))
	require.False(t, upd.Resolved, "без блинк-цели PASS невозможен")
	require.True(t, e.BlinkPhase())

	upd = e.OnDetectionEvent(DetectionEvent{Kind: EventBlink, BlinkCount: 1, Timestamp: start.Add(3 * time.Second)})
	require.False(t, upd.Resolved)

	upd = e.OnDetectionEvent(DetectionEvent{Kind: EventBlink, BlinkCount: 2, Timestamp: start.Add(4 * time.Second)})
	require.True(t, upd.Resolved)
	require.Equal(t, OutcomePass, upd.Outcome)
}

func TestTimeoutResolvesFailAndReissuesAfterCooldown(t *testing.T) {
	e, mock := newTestEngine(t)
	first := e.Issue()

	mock.Add(31 * time.Second)
	upd := e.OnTick(mock.Now())
	require.True(t, upd.Resolved)
	require.Equal(t, OutcomeFail, upd.Outcome)
	require.False(t, upd.Terminal, "первая попытка из трёх не терминальна")
	require.Equal(t, 1, e.Limiter().Count())

	// До истечения кулдауна перевыдачи нет
	mock.Add(1 * time.Second)
	upd = e.OnTick(mock.Now())
	require.Nil(t, upd.NewChallenge)

	mock.Add(2 * time.Second)
	upd = e.OnTick(mock.Now())
	require.NotNil(t, upd.NewChallenge)
	require.NotSame(t, first, upd.NewChallenge)
	require.False(t, upd.NewChallenge.Resolved())
}

func TestThreeFailuresAreTerminal(t *testing.T) {
	e, mock := newTestEngine(t)
	e.Issue()

	for i := 0; i < 3; i++ {
		mock.Add(31 * time.Second)
		upd := e.OnTick(mock.Now())
		require.True(t, upd.Resolved, "попытка %d", i+1)
		require.Equal(t, OutcomeFail, upd.Outcome)
		if i < 2 {
			mock.Add(3 * time.Second)
			upd = e.OnTick(mock.Now())
			require.NotNil(t, upd.NewChallenge)
		}
	}

	require.True(t, e.Terminal())
	require.Equal(t, 3, e.Limiter().Count())
	require.Equal(t, 0, e.Limiter().Remaining())

	// Четвёртый reset отклоняется сигналом max attempts
	_, err := e.Reset()
	require.ErrorIs(t, err, common.ErrMaxAttempts)

	// И новые челленджи больше не выдаются
	mock.Add(time.Minute)
	upd := e.OnTick(mock.Now())
	require.Nil(t, upd.NewChallenge)
	require.True(t, upd.Terminal)
}

func TestResolveIsIdempotent(t *testing.T) {
	e, mock := newTestEngine(t)
	c := e.Issue()

	e.OnDetectionEvent(actionEvent(c, mock.Now().Add(time.Second)))
	upd := e.OnDetectionEvent(wordEvent(c, mock.Now().Add(2*time.Second)))
	require.True(t, upd.Resolved)
	require.Equal(t, 1, e.Limiter().Count())

	// События после вердикта игнорируются, счётчик попыток не растёт
	upd = e.OnDetectionEvent(wordEvent(c, mock.Now().Add(3*time.Second)))
	require.False(t, upd.Resolved)
	upd = e.OnTick(mock.Now().Add(time.Minute))
	require.False(t, upd.Resolved)
	require.Equal(t, 1, e.Limiter().Count())
}

func TestAttemptCountIncrementsExactlyOncePerResolution(t *testing.T) {
	e, mock := newTestEngine(t)
	e.Issue()

	// FAIL по таймауту
	mock.Add(31 * time.Second)
	e.OnTick(mock.Now())
	require.Equal(t, 1, e.Limiter().Count())

	// Перевыдача и PASS
	mock.Add(3 * time.Second)
	upd := e.OnTick(mock.Now())
	require.NotNil(t, upd.NewChallenge)
	c := upd.NewChallenge
	e.OnDetectionEvent(actionEvent(c, mock.Now()))
	e.OnDetectionEvent(wordEvent(c, mock.Now().Add(time.Second)))
	require.Equal(t, 2, e.Limiter().Count())
}

func TestResetIssuesFreshChallenge(t *testing.T) {
	e, mock := newTestEngine(t)
	first := e.Issue()

	mock.Add(31 * time.Second)
	e.OnTick(mock.Now())

	c, err := e.Reset()
	require.NoError(t, err)
	require.NotSame(t, first, c)
	require.False(t, c.Resolved())
	require.Same(t, c, e.Current())
}

func TestStatusSnapshot(t *testing.T) {
	e, mock := newTestEngine(t)
	c := e.Issue()
	c.BlinkTarget = 0

	mock.Add(10 * time.Second)
	e.OnDetectionEvent(actionEvent(c, mock.Now()))

	s := e.Status()
	require.Equal(t, c.Text(), s.ChallengeText)
	require.True(t, s.ActionCompleted)
	require.False(t, s.WordCompleted)
	require.True(t, s.BlinkCompleted, "без блинк-цели фактор считается выполненным")
	require.Equal(t, OutcomePending, s.Result)
	require.Equal(t, 20*time.Second, s.TimeRemaining)
}
