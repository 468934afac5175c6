package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"xipher/internal/core/domain"
	"xipher/pkg/validation"
)

const msgError domain.MessageType = "error"

// hubError is sent back to a sender whose message could not be routed.
type hubError struct {
	Type    domain.MessageType `json:"type"`
	Target  domain.UserID      `json:"target,omitempty"`
	Ref     domain.MessageType `json:"ref,omitempty"`
	Message string             `json:"message"`
}

// TokenVerifier resolves a bearer token to the connecting user.
type TokenVerifier func(token string) (domain.UserID, error)

type HubConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 256 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

type hubConn struct {
	user    domain.UserID
	conn    *websocket.Conn
	limiter *rate.Limiter
	writeMu sync.Mutex
}

// Hub is a development signaling server: it routes every message to the
// user named in its target field and stamps the sender.
type Hub struct {
	cfg      HubConfig
	verify   TokenVerifier
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu          sync.RWMutex
	connections map[domain.UserID]*hubConn
}

// NewHub creates a hub. With a nil verifier users identify themselves with
// the user_id query parameter.
func NewHub(cfg HubConfig, verify TokenVerifier, logger *zap.SugaredLogger) *Hub {
	h := &Hub{
		cfg:         cfg,
		verify:      verify,
		logger:      logger,
		connections: make(map[domain.UserID]*hubConn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *Hub) identify(r *http.Request) (domain.UserID, error) {
	if h.verify == nil {
		id := r.URL.Query().Get("user_id")
		if err := validation.ValidateUserID(id); err != nil {
			return "", err
		}
		return domain.UserID(id), nil
	}

	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", fmt.Errorf("invalid authorization header format")
		}
		token = parts[1]
	}
	if token == "" {
		return "", fmt.Errorf("authorization required")
	}
	return h.verify(token)
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := h.identify(r)
	if err != nil {
		h.logger.Infow("Rejected signaling connection", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	hc := &hubConn{user: userID, conn: conn}
	if h.cfg.MessagesPerSecond > 0 {
		hc.limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.Burst)
	}

	h.mu.Lock()
	previous, isReconnect := h.connections[userID]
	h.connections[userID] = hc
	h.mu.Unlock()
	if isReconnect {
		_ = previous.conn.Close()
		h.logger.Infow("Closing old connection for reconnecting user", "user_id", userID)
	}
	h.logger.Infow("User connected", "user_id", userID, "reconnect", isReconnect)

	h.serve(hc)

	h.mu.Lock()
	if h.connections[userID] == hc {
		delete(h.connections, userID)
	}
	h.mu.Unlock()
	_ = conn.Close()
	h.logger.Infow("User disconnected", "user_id", userID)
}

func (h *Hub) serve(hc *hubConn) {
	conn := hc.conn
	if h.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		var msg domain.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("Error reading message from user", "user_id", hc.user, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		if hc.limiter != nil && !hc.limiter.Allow() {
			h.reply(hc, hubError{Type: msgError, Ref: msg.Type, Message: "rate limit exceeded"})
			continue
		}
		if err := h.route(hc.user, &msg); err != nil {
			h.reply(hc, hubError{Type: msgError, Target: msg.Target, Ref: msg.Type, Message: err.Error()})
		}
	}
}

func (h *Hub) route(from domain.UserID, msg *domain.Message) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if msg.Target == "" {
		return fmt.Errorf("target is required")
	}
	if msg.Target == from {
		return fmt.Errorf("cannot signal yourself")
	}
	msg.From = from

	h.mu.RLock()
	target, ok := h.connections[msg.Target]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("user %s is not connected", msg.Target)
	}

	h.logger.Debugw("Routing message",
		"type", msg.Type,
		"from", from,
		"to", msg.Target,
		"call_id", msg.CallID,
	)
	return h.write(target, msg)
}

func (h *Hub) write(hc *hubConn, v interface{}) error {
	hc.writeMu.Lock()
	defer hc.writeMu.Unlock()
	_ = hc.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return hc.conn.WriteJSON(v)
}

func (h *Hub) reply(hc *hubConn, e hubError) {
	if err := h.write(hc, e); err != nil {
		h.logger.Debugw("Failed to send error to user", "user_id", hc.user, "error", err)
	}
}

func (h *Hub) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	connectionCount := len(h.connections)
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
	})
}

func (h *Hub) ConnectedUsers() []domain.UserID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make([]domain.UserID, 0, len(h.connections))
	for id := range h.connections {
		users = append(users, id)
	}
	return users
}

func (h *Hub) IsConnected(id domain.UserID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[id]
	return ok
}
