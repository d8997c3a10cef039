// Package ws — server.go принимает WebSocket-соединения и гоняет цикл чтения.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"liveness-server/internal/config"
	"liveness-server/internal/features/session"
	"liveness-server/internal/ws/middleware"
)

// Server — WebSocket-сторона сервера: принимает соединения,
// читает конверты и раздаёт их обработчикам.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	limiter  *middleware.RateLimiter
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewServer создаёт WebSocket-сервер поверх реестра сессий.
func NewServer(cfg *config.Config, registry *session.Registry) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		limiter:  middleware.NewRateLimiter(cfg.RateLimitMessages, cfg.RateLimitWindow),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Код сессии — единственный фактор доступа; Origin не проверяем,
			// клиенты приходят из встраиваемых вьюшек с любых хостов
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
	}
}

// HandleWS апгрейдит HTTP-запрос и обслуживает соединение до обрыва.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Не удалось выполнить upgrade соединения")
		return
	}

	client := NewClient(uuid.NewString(), conn, s.cfg)
	s.register(client)
	defer s.teardown(client)

	log.WithFields(log.Fields{
		"conn":   client.ID,
		"remote": r.RemoteAddr,
	}).Info("Новое WebSocket-соединение")

	conn.SetReadLimit(s.cfg.WSReadLimitBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.WSPongTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(client, stopPing)

	s.readLoop(client)
}

// readLoop читает конверты до обрыва соединения.
func (s *Server) readLoop(client *Client) {
	for {
		var env Envelope
		if err := client.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).WithField("conn", client.ID).Debug("Соединение оборвано")
			}
			return
		}

		if !s.limiter.Allow(client.ID) {
			// Лимит превышен: сообщение молча отбрасывается, поток кадров
			// это переживает, а соединение не наказываем обрывом
			continue
		}

		middleware.LogMessage(client.ID, env.Type, env.Payload)
		s.dispatch(client, env)
	}
}

// dispatch обрабатывает один конверт с восстановлением после паники.
func (s *Server) dispatch(client *Client, env Envelope) {
	defer middleware.RecoverFromPanic(client.ID)
	s.route(client, env)
}

// pingLoop держит соединение живым контрольными ping-ами.
func (s *Server) pingLoop(client *Client, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := client.Ping(); err != nil {
				return
			}
		}
	}
}

func (s *Server) register(client *Client) {
	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()
}

// teardown снимает соединение: сессия при этом переживает обрыв
// и до истечения грейс-периода принимает переподключение тем же кодом.
func (s *Server) teardown(client *Client) {
	s.mu.Lock()
	delete(s.clients, client.ID)
	s.mu.Unlock()

	if client.code != "" {
		s.registry.Disconnect(client.code, client.ID)
	}
	s.limiter.Forget(client.ID)
	client.Close()

	log.WithField("conn", client.ID).Info("WebSocket-соединение закрыто")
}

// clientByID возвращает живое соединение по идентификатору.
func (s *Server) clientByID(id string) *Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[id]
}

// Shutdown закрывает все соединения и останавливает rate limiter.
func (s *Server) Shutdown() {
	s.limiter.Close()

	s.mu.Lock()
	all := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		all = append(all, c)
	}
	s.clients = make(map[string]*Client)
	s.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}
