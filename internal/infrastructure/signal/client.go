package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
	xlog "xipher/pkg/logger"
	"xipher/pkg/retry"
)

var errUnauthorized = errors.New("signaling server rejected credentials")

type ClientConfig struct {
	URL               string
	Token             string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
	Reconnect         retry.Config
}

func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:               url,
		PingInterval:      20 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 50,
		Burst:             100,
		MaxMessageSize:    256 * 1024,
		Reconnect:         retry.DefaultConfig(),
	}
}

// Client is the call node's websocket connection to the signaling server.
// Inbound messages are dispatched in arrival order on the read goroutine.
type Client struct {
	cfg     ClientConfig
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
	msgLog  *xlog.ContextLogger

	mu      sync.RWMutex
	handler ports.SignalHandler
	conn    *websocket.Conn

	writeMu sync.Mutex
}

var _ ports.SignalingTransport = (*Client)(nil)

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	c := &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
		msgLog: xlog.NewContextLogger(logger.Desugar()),
	}
	if cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst)
	}
	c.cfg.Reconnect.NonRetryableErrors = append(c.cfg.Reconnect.NonRetryableErrors, errUnauthorized)
	return c
}

func (c *Client) SetHandler(h ports.SignalHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Run keeps the connection up until ctx is done. It returns an error only
// when a reconnect round exhausts its attempts or the server refuses the
// token.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := retry.RetryWithResult(ctx, c.cfg.Reconnect, func() (*websocket.Conn, error) {
			return c.dial(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connect to signaling server: %w", err)
		}

		c.logger.Infow("Signaling connected", "url", c.cfg.URL)
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warnw("Signaling connection lost, reconnecting", "url", c.cfg.URL)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		close(done)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	if c.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})
	go c.pingLoop(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				c.logger.Infow("Signaling read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warnw("Inbound signaling rate exceeded, dropping message", "bytes", len(data))
			continue
		}
		c.handle(ctx, data)
	}
}

func (c *Client) handle(ctx context.Context, data []byte) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warnw("Dropping undecodable signaling frame", "error", err, "bytes", len(data))
		return
	}
	if msg.Type == msgError {
		var e hubError
		_ = json.Unmarshal(data, &e)
		c.logger.Warnw("Signaling server reported an error", "message", e.Message, "target", e.Target)
		return
	}

	ctx = xlog.WithCallID(xlog.WithPeer(ctx, string(msg.From)), string(msg.CallID))
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		c.msgLog.Sugar(ctx).Debugw("No signal handler registered, dropping message", "type", msg.Type)
		return
	}
	if !Dispatch(ctx, h, &msg) {
		c.msgLog.Sugar(ctx).Debugw("Ignoring unknown signaling message", "type", msg.Type)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Infow("Signaling ping failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// Send writes one message. It fails with domain.ErrTransportUnavailable while
// disconnected.
func (c *Client) Send(ctx context.Context, msg *domain.Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return domain.ErrTransportUnavailable
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Dispatch routes msg to the handler method for its type. It reports false
// for unknown types.
func Dispatch(ctx context.Context, h ports.SignalHandler, msg *domain.Message) bool {
	switch msg.Type {
	case domain.MsgOffer:
		h.HandleOffer(ctx, msg)
	case domain.MsgAnswer:
		h.HandleAnswer(ctx, msg)
	case domain.MsgICECandidate:
		h.HandleIceCandidate(ctx, msg)
	case domain.MsgCallEnd:
		h.HandleCallEnd(ctx, msg)
	case domain.MsgMediaState:
		h.HandleMediaState(ctx, msg)
	case domain.MsgGroupInvite:
		h.HandleGroupInvite(ctx, msg)
	case domain.MsgGroupJoin:
		h.HandleGroupJoin(ctx, msg)
	case domain.MsgGroupOffer:
		h.HandleGroupOffer(ctx, msg)
	case domain.MsgGroupAnswer:
		h.HandleGroupAnswer(ctx, msg)
	case domain.MsgGroupICECandidate:
		h.HandleGroupIceCandidate(ctx, msg)
	case domain.MsgGroupLeave:
		h.HandleGroupLeave(ctx, msg)
	default:
		return false
	}
	return true
}
