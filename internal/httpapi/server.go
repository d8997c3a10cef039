// Package httpapi — HTTP-граница сервера: валидация кода, upgrade
// WebSocket-соединений, метрики и отладочный вход.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"liveness-server/internal/common"
	"liveness-server/internal/config"
	"liveness-server/internal/features/audit"
	"liveness-server/internal/features/session"
	"liveness-server/internal/ws"
)

// сколько последних вердиктов отдаёт /debug/history
const historyLimit = 20

// за какой период /debug/history считает распределение вердиктов
const historyStatsWindow = 24 * time.Hour

// Server — HTTP-сторона сервера.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	wsServer *ws.Server
	audit    *audit.Service
	router   *mux.Router
}

// NewServer собирает роутер со всеми маршрутами.
func NewServer(cfg *config.Config, registry *session.Registry, wsServer *ws.Server, auditService *audit.Service) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		wsServer: wsServer,
		audit:    auditService,
		router:   mux.NewRouter(),
	}

	s.router.HandleFunc("/check_code/{code}", s.handleCheckCode).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.wsServer.HandleWS).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/login", s.handleDebugLogin).Methods(http.MethodPost)
	s.router.HandleFunc("/debug/history", s.handleDebugHistory).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	return s
}

// Router возвращает готовый http.Handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// handleCheckCode — внеканальная проверка кода. Только чтение,
// состояние сессии не меняет.
func (s *Server) handleCheckCode(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	valid := common.IsDigitCode(code, s.cfg.CodeLength) && s.registry.CheckCode(code)

	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// debugLoginRequest — тело запроса отладочного входа.
type debugLoginRequest struct {
	Code     string `json:"code"`
	Password string `json:"password"`
}

// handleDebugLogin включает отладочный оверлей для сессии по паролю.
// Пустой DEBUG_PASSWORD_HASH полностью отключает вход.
func (s *Server) handleDebugLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DebugPasswordHash == "" {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": common.ErrDebugDisabled.Error(),
		})
		return
	}

	var req debugLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "некорректное тело запроса"})
		return
	}

	if !verifyArgon2id(req.Password, s.cfg.DebugPasswordHash) {
		log.WithField("code", req.Code).Warn("Неудачная попытка отладочного входа")
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": common.ErrWrongPassword.Error(),
		})
		return
	}

	sess, err := s.registry.Get(req.Code)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if sess.Pipeline != nil {
		sess.Pipeline.SetDebug(true)
	}

	log.WithField("code", req.Code).Info("Отладочный оверлей включён для сессии")
	writeJSON(w, http.StatusOK, map[string]bool{"debug": true})
}

// handleDebugHistory возвращает последние вердикты из журнала аудита
// по коду. Защищён тем же паролем, что и отладочный вход.
func (s *Server) handleDebugHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DebugPasswordHash == "" {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": common.ErrDebugDisabled.Error(),
		})
		return
	}

	var req debugLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "некорректное тело запроса"})
		return
	}
	if !verifyArgon2id(req.Password, s.cfg.DebugPasswordHash) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": common.ErrWrongPassword.Error(),
		})
		return
	}

	if !s.audit.Enabled() {
		writeJSON(w, http.StatusNotImplemented, map[string]string{
			"error": "журнал аудита выключен",
		})
		return
	}

	records, err := s.audit.History(r.Context(), req.Code, historyLimit)
	if err != nil {
		log.WithError(err).WithField("code", req.Code).Error("Ошибка чтения журнала аудита")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ошибка журнала"})
		return
	}

	counts, err := s.audit.Stats(r.Context(), time.Now().Add(-historyStatsWindow))
	if err != nil {
		log.WithError(err).Error("Ошибка агрегации журнала аудита")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ошибка журнала"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"counts":  counts,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Ошибка записи JSON-ответа")
	}
}
