// Package janus connects group calls to a Janus videoroom relay: one session
// per call carrying a publisher handle and one subscriber handle per remote
// feed.
package janus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
	xlog "xipher/pkg/logger"
)

const defaultJoinTimeout = 6 * time.Second

type Config struct {
	URL                string
	TransactionTimeout time.Duration
	KeepaliveInterval  time.Duration
	JoinTimeout        time.Duration
}

// Client opens relay sessions. It satisfies ports.RelayConnector.
type Client struct {
	cfg       Config
	links     ports.PeerLinkFactory
	directory ports.DirectoryRepository
	metrics   ports.CallMetrics
	dial      DialFunc
	logger    *zap.SugaredLogger
}

var _ ports.RelayConnector = (*Client)(nil)

type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// WithDirectory records subscribed feeds as call participants.
func WithDirectory(repo ports.DirectoryRepository) Option {
	return func(c *Client) { c.directory = repo }
}

func WithMetrics(m ports.CallMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

func NewClient(cfg Config, links ports.PeerLinkFactory, logger *zap.SugaredLogger, opts ...Option) *Client {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if logger == nil {
		logger = xlog.Nop()
	}
	c := &Client{
		cfg:    cfg,
		links:  links,
		dial:   DialWebsocket,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open dials the relay and creates a session. Failure to reach the relay
// matches domain.ErrRelayUnavailable.
func (c *Client) Open(ctx context.Context, events ports.RelayEvents) (ports.RelayRoom, error) {
	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrRelayUnavailable, c.cfg.URL, err)
	}

	s := newSession(conn, c.cfg.TransactionTimeout, c.cfg.KeepaliveInterval, c.metrics, c.logger)
	if err := s.create(ctx); err != nil {
		s.fail(nil)
		<-s.done
		return nil, fmt.Errorf("%w: %v", domain.ErrRelayUnavailable, err)
	}

	room := newRoom(s, c, events)
	s.setOnLost(room.lost)
	c.logger.Infow("Relay session created", "url", c.cfg.URL, "session_id", s.sessionID())
	return room, nil
}
