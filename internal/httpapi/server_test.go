package httpapi

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/argon2"

	"liveness-server/internal/config"
	"liveness-server/internal/features/audit"
	"liveness-server/internal/features/pipeline"
	"liveness-server/internal/features/session"
	"liveness-server/internal/ws"
)

func testConfig() *config.Config {
	return &config.Config{
		CodeLength:         6,
		CodeExpiry:         600 * time.Second,
		DisconnectGrace:    30 * time.Second,
		MaxAttempts:        3,
		ChallengeTimeout:   30 * time.Second,
		ActionSpeechWindow: 5 * time.Second,
		ChallengeCooldown:  2 * time.Second,
		Vocabulary:         []string{"clock", "book"},
		DuressWord:         "verify",
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
		RateLimitMessages:      60,
		RateLimitWindow:        time.Second,
		WSWriteTimeout:         10 * time.Second,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *session.Registry, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	registry := session.NewRegistry(cfg, mock,
		func() pipeline.DetectionAdapter { return pipeline.NopAdapter{} }, nil)
	wsServer := ws.NewServer(cfg, registry)
	t.Cleanup(wsServer.Shutdown)
	return NewServer(cfg, registry, wsServer, audit.NewService(nil)), registry, mock
}

// hashPassword собирает Argon2id-хеш в том же формате, что и generate_hash.
func hashPassword(t *testing.T, password string) string {
	t.Helper()
	salt := make([]byte, 16)
	_, err := rand.Read(salt)
	require.NoError(t, err)

	hash := argon2.IDKey([]byte(password), salt, 3, 65536, 2, 32)
	return fmt.Sprintf("$argon2id$v=19$m=65536,t=3,p=2$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
}

func TestCheckCode(t *testing.T) {
	srv, registry, mock := newTestServer(t, testConfig())

	s, err := registry.Create("")
	require.NoError(t, err)

	get := func(code string) string {
		req := httptest.NewRequest(http.MethodGet, "/check_code/"+code, nil)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		return strings.TrimSpace(rec.Body.String())
	}

	require.Equal(t, `{"valid":true}`, get(s.Code))
	require.Equal(t, `{"valid":false}`, get("000000"))
	require.Equal(t, `{"valid":false}`, get("abcdef"))

	// Код недействителен после истечения
	mock.Add(601 * time.Second)
	require.Equal(t, `{"valid":false}`, get(s.Code))
}

func TestDebugLoginDisabledWithoutHash(t *testing.T) {
	srv, _, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/debug/login",
		strings.NewReader(`{"code":"123456","password":"x"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDebugLoginPasswordCheck(t *testing.T) {
	cfg := testConfig()
	cfg.DebugPasswordHash = hashPassword(t, "s3cret")
	srv, registry, _ := newTestServer(t, cfg)

	s, err := registry.Create("")
	require.NoError(t, err)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/debug/login", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		return rec
	}

	rec := post(fmt.Sprintf(`{"code":%q,"password":"wrong"}`, s.Code))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(fmt.Sprintf(`{"code":%q,"password":"s3cret"}`, s.Code))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(`{"code":"999999","password":"s3cret"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugHistory(t *testing.T) {
	post := func(srv *Server, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/debug/history", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		return rec
	}

	// Без настроенного пароля маршрут полностью закрыт
	srv, _, _ := newTestServer(t, testConfig())
	rec := post(srv, `{"code":"123456","password":"x"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// С паролем, но без журнала аудита — 501
	cfg := testConfig()
	cfg.DebugPasswordHash = hashPassword(t, "s3cret")
	srv, _, _ = newTestServer(t, cfg)

	rec = post(srv, `{"code":"123456","password":"wrong"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(srv, `{"code":"123456","password":"s3cret"}`)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestVerifyArgon2idRejectsMalformedHash(t *testing.T) {
	require.False(t, verifyArgon2id("x", "not-a-hash"))
	require.False(t, verifyArgon2id("x", "$argon2id$v=19$bogus"))
	require.False(t, verifyArgon2id("x", "$scrypt$v=19$m=65536,t=3,p=2$AAAA$AAAA"),
		"чужой алгоритм в хеше не принимается")
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
