package ws

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"liveness-server/internal/config"
	"liveness-server/internal/features/pipeline"
	"liveness-server/internal/features/session"
)

func testConfig() *config.Config {
	return &config.Config{
		BaseURL:            "https://verify.example.com",
		WSReadLimitBytes:   5 << 20,
		WSWriteTimeout:     5 * time.Second,
		WSPingInterval:     25 * time.Second,
		WSPongTimeout:      60 * time.Second,
		CodeLength:         6,
		CodeExpiry:         600 * time.Second,
		DisconnectGrace:    30 * time.Second,
		MaxAttempts:        3,
		ChallengeTimeout:   30 * time.Second,
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
		RateLimitMessages:      1000,
		RateLimitWindow:        time.Second,
		ShowPartnerVideo:       true,
	}
}

type wsFixture struct {
	server   *Server
	registry *session.Registry
	httpSrv  *httptest.Server
}

func newFixture(t *testing.T) *wsFixture {
	t.Helper()
	cfg := testConfig()
	// Реальные часы: сценарии здесь событийные, время не прыгает
	registry := session.NewRegistry(cfg, clock.New(),
		func() pipeline.DetectionAdapter { return pipeline.NopAdapter{} }, nil)
	server := NewServer(cfg, registry)

	httpSrv := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	t.Cleanup(func() {
		httpSrv.Close()
		server.Shutdown()
		registry.Shutdown()
	})
	return &wsFixture{server: server, registry: registry, httpSrv: httpSrv}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(MustEnvelope(msgType, payload)))
}

// expect читает конверты, пока не встретит нужный тип.
func expect(t *testing.T, conn *websocket.Conn, msgType string) Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env), "ожидалось сообщение %s", msgType)
		if env.Type == msgType {
			return env
		}
	}
}

func TestGenerateCodeAndJoinFlow(t *testing.T) {
	f := newFixture(t)

	requester := f.dial(t)
	send(t, requester, MsgGenerateCode, struct{}{})

	env := expect(t, requester, MsgVerificationCode)
	var code CodePayload
	require.NoError(t, json.Unmarshal(env.Payload, &code))
	require.Len(t, code.Code, 6)
	require.Contains(t, code.URL, code.Code)
	require.Equal(t, 600, code.ExpiresIn)

	verifier := f.dial(t)
	send(t, verifier, MsgJoin, JoinPayload{Code: code.Code})

	challengeEnv := expect(t, verifier, MsgChallenge)
	var ch ChallengePayload
	require.NoError(t, json.Unmarshal(challengeEnv.Payload, &ch))
	require.NotEmpty(t, ch.Text)

	sess, err := f.registry.Get(code.Code)
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, sess.Status)
}

func TestJoinUnknownCode(t *testing.T) {
	f := newFixture(t)

	conn := f.dial(t)
	send(t, conn, MsgJoin, JoinPayload{Code: "000000"})

	env := expect(t, conn, MsgSessionError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.NotEmpty(t, p.Message)
}

func TestProcessFrameProducesStatus(t *testing.T) {
	f := newFixture(t)

	s, err := f.registry.Create("")
	require.NoError(t, err)

	verifier := f.dial(t)
	send(t, verifier, MsgJoin, JoinPayload{Code: s.Code})
	expect(t, verifier, MsgChallenge)

	image := base64.StdEncoding.EncodeToString([]byte("fake-jpeg"))
	send(t, verifier, MsgProcessFrame, FramePayload{
		Image:     "data:image/jpeg;base64," + image,
		Timestamp: time.Now().UnixMilli(),
	})

	env := expect(t, verifier, MsgProcessedFrame)
	var p ProcessedFramePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.NotEmpty(t, p.Challenge)
	require.Equal(t, "PENDING", p.Result)
	require.True(t, strings.HasPrefix(p.Image, "data:image/jpeg;base64,"))
	require.Positive(t, p.TargetFPS)
}

func TestPartnerFrameRelayedToRequester(t *testing.T) {
	f := newFixture(t)

	requester := f.dial(t)
	send(t, requester, MsgGenerateCode, struct{}{})
	env := expect(t, requester, MsgVerificationCode)
	var code CodePayload
	require.NoError(t, json.Unmarshal(env.Payload, &code))

	verifier := f.dial(t)
	send(t, verifier, MsgJoin, JoinPayload{Code: code.Code})
	expect(t, verifier, MsgChallenge)

	image := base64.StdEncoding.EncodeToString([]byte("fake-jpeg"))
	send(t, verifier, MsgProcessFrame, FramePayload{Image: image})

	partnerEnv := expect(t, requester, MsgPartnerFrame)
	var p PartnerFramePayload
	require.NoError(t, json.Unmarshal(partnerEnv.Payload, &p))
	require.NotEmpty(t, p.Image)
}

func TestResetConfirmed(t *testing.T) {
	f := newFixture(t)

	s, err := f.registry.Create("")
	require.NoError(t, err)

	verifier := f.dial(t)
	send(t, verifier, MsgJoin, JoinPayload{Code: s.Code})
	expect(t, verifier, MsgChallenge)

	send(t, verifier, MsgReset, ResetPayload{Code: s.Code})
	expect(t, verifier, MsgResetConfirmed)
	expect(t, verifier, MsgChallenge)
}

func TestUnknownMessageType(t *testing.T) {
	f := newFixture(t)

	conn := f.dial(t)
	send(t, conn, "teleport", struct{}{})
	expect(t, conn, MsgError)
}

func TestFrameBeforeJoinRejected(t *testing.T) {
	f := newFixture(t)

	conn := f.dial(t)
	send(t, conn, MsgProcessFrame, FramePayload{Image: "aGk="})
	expect(t, conn, MsgSessionError)
}

func TestDecodeFrameVariants(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte("payload"))

	got, err := decodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	got, err = decodeFrame("data:image/jpeg;base64," + raw)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	_, err = decodeFrame("not base64!!!")
	require.Error(t, err)
}

func TestDisconnectKeepsSessionForRejoin(t *testing.T) {
	f := newFixture(t)

	s, err := f.registry.Create("")
	require.NoError(t, err)

	verifier := f.dial(t)
	send(t, verifier, MsgJoin, JoinPayload{Code: s.Code})
	expect(t, verifier, MsgChallenge)
	verifier.Close()

	// Сессия переживает обрыв; переподключение тем же кодом успешно
	require.Eventually(t, func() bool {
		sess, err := f.registry.Get(s.Code)
		return err == nil && sess.Joinable()
	}, 3*time.Second, 20*time.Millisecond)

	again := f.dial(t)
	send(t, again, MsgJoin, JoinPayload{Code: s.Code})
	expect(t, again, MsgChallenge)
}
