package janus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"xipher/internal/core/ports"
	"xipher/pkg/tracing"
	"xipher/pkg/utils"
)

const (
	defaultTransactionTimeout = 10 * time.Second
	defaultKeepaliveInterval  = 25 * time.Second
)

var errSessionTimedOut = errors.New("relay session timed out")

type waiter struct {
	ch chan *message
	// skipAck keeps the waiter registered past the ack of an asynchronous
	// plugin request; the reply is the event carrying the same transaction.
	skipAck bool
}

type handleFunc func(msg *message)

// session is one relay session multiplexed over a single connection. Replies
// are matched to requests by transaction; unsolicited messages go to the
// handle named by their sender.
type session struct {
	conn      Conn
	timeout   time.Duration
	keepalive time.Duration
	metrics   ports.CallMetrics
	logger    *zap.SugaredLogger

	writeMu sync.Mutex

	mu      sync.Mutex
	id      uint64
	pending map[string]*waiter
	handles map[uint64]handleFunc
	closed  bool
	onLost  func(err error)

	stop chan struct{}
	done chan struct{}
}

func newSession(conn Conn, timeout, keepalive time.Duration, metrics ports.CallMetrics, logger *zap.SugaredLogger) *session {
	if timeout <= 0 {
		timeout = defaultTransactionTimeout
	}
	if keepalive <= 0 {
		keepalive = defaultKeepaliveInterval
	}
	s := &session{
		conn:      conn,
		timeout:   timeout,
		keepalive: keepalive,
		metrics:   metrics,
		logger:    logger,
		pending:   make(map[string]*waiter),
		handles:   make(map[uint64]handleFunc),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *session) readLoop() {
	defer close(s.done)
	for {
		var msg message
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.fail(fmt.Errorf("relay connection: %w", err))
			return
		}
		s.route(&msg)
	}
}

func (s *session) route(msg *message) {
	if msg.Transaction != "" {
		s.mu.Lock()
		w, ok := s.pending[msg.Transaction]
		if ok && msg.Janus == "ack" && w.skipAck {
			s.mu.Unlock()
			return
		}
		if ok {
			delete(s.pending, msg.Transaction)
		}
		s.mu.Unlock()
		if ok {
			w.ch <- msg
			return
		}
	}

	switch msg.Janus {
	case "ack", "success":
		return
	case "timeout":
		s.fail(errSessionTimedOut)
		return
	}

	s.mu.Lock()
	fn := s.handles[msg.Sender]
	s.mu.Unlock()
	if fn == nil {
		s.logger.Debugw("Relay message for unknown handle", "janus", msg.Janus, "sender", msg.Sender)
		return
	}
	fn(msg)
}

// fail tears the session down once. A nil err is a local close and does not
// notify onLost.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]*waiter)
	onLost := s.onLost
	s.mu.Unlock()

	for _, w := range pending {
		close(w.ch)
	}
	close(s.stop)
	_ = s.conn.Close()

	if err != nil {
		s.logger.Warnw("Relay session lost", "session_id", s.sessionID(), "error", err)
		if onLost != nil {
			onLost(err)
		}
	}
}

func (s *session) setOnLost(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLost = fn
}

func (s *session) sessionID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *session) write(msg *message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// notify sends a message that expects no reply.
func (s *session) notify(msg *message) error {
	msg.Transaction = utils.NewTransactionID()
	msg.SessionID = s.sessionID()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	return s.write(msg)
}

// request sends msg and waits for its reply. A zero timeout uses the
// session default.
func (s *session) request(ctx context.Context, msg *message, skipAck bool, timeout time.Duration) (*message, error) {
	if timeout <= 0 {
		timeout = s.timeout
	}
	method := methodOf(msg)
	ctx, span := tracing.TraceRelayTransaction(ctx, method, msg.HandleID)
	defer span.End()

	start := time.Now()
	reply, err := s.roundTrip(ctx, msg, skipAck, timeout)
	if s.metrics != nil {
		s.metrics.RelayRequest(method, time.Since(start), err)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("relay %s: %w", method, err)
	}
	return reply, nil
}

func (s *session) roundTrip(ctx context.Context, msg *message, skipAck bool, timeout time.Duration) (*message, error) {
	tx := utils.NewTransactionID()
	msg.Transaction = tx
	w := &waiter{ch: make(chan *message, 1), skipAck: skipAck}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	msg.SessionID = s.id
	s.pending[tx] = w
	s.mu.Unlock()

	if err := s.write(msg); err != nil {
		s.forget(tx)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-w.ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		if reply.Janus == "error" {
			if reply.Error != nil {
				return nil, reply.Error
			}
			return nil, &Error{Reason: "unspecified relay error"}
		}
		return reply, nil
	case <-timer.C:
		s.forget(tx)
		return nil, ErrTransactionTimeout
	case <-ctx.Done():
		s.forget(tx)
		return nil, ctx.Err()
	}
}

func (s *session) forget(tx string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, tx)
}

func methodOf(msg *message) string {
	if body, ok := msg.Body.(map[string]interface{}); ok {
		if req, ok := body["request"].(string); ok {
			return req
		}
	}
	return msg.Janus
}

func (s *session) create(ctx context.Context) error {
	reply, err := s.request(ctx, &message{Janus: "create"}, false, 0)
	if err != nil {
		return err
	}
	if reply.Data == nil || reply.Data.ID == 0 {
		return fmt.Errorf("relay create: missing session id")
	}
	s.mu.Lock()
	s.id = reply.Data.ID
	s.mu.Unlock()
	go s.keepaliveLoop()
	return nil
}

func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.notify(&message{Janus: "keepalive"}); err != nil {
				s.fail(fmt.Errorf("keepalive: %w", err))
				return
			}
		}
	}
}

// attach creates a videoroom plugin handle whose unsolicited messages go to fn.
func (s *session) attach(ctx context.Context, fn handleFunc) (uint64, error) {
	reply, err := s.request(ctx, &message{Janus: "attach", Plugin: videoroomPlugin}, false, 0)
	if err != nil {
		return 0, err
	}
	if reply.Data == nil || reply.Data.ID == 0 {
		return 0, fmt.Errorf("relay attach: missing handle id")
	}
	s.mu.Lock()
	s.handles[reply.Data.ID] = fn
	s.mu.Unlock()
	return reply.Data.ID, nil
}

// detach releases a handle. The local registration is dropped even when the
// relay does not answer.
func (s *session) detach(ctx context.Context, handleID uint64) error {
	s.mu.Lock()
	delete(s.handles, handleID)
	s.mu.Unlock()
	_, err := s.request(ctx, &message{Janus: "detach", HandleID: handleID}, false, 0)
	return err
}

// pluginRequest sends a videoroom request on a handle and decodes the plugin
// payload of the reply. Plugin-level failures come back as *Error.
func (s *session) pluginRequest(ctx context.Context, handleID uint64, body map[string]interface{}, offer *jsep, async bool, timeout time.Duration) (*videoroomData, *message, error) {
	reply, err := s.request(ctx, &message{Janus: "message", HandleID: handleID, Body: body, JSEP: offer}, async, timeout)
	if err != nil {
		return nil, nil, err
	}
	if reply.PluginData == nil {
		return nil, nil, fmt.Errorf("relay %s: reply without plugin data", methodOf(&message{Body: body}))
	}
	var data videoroomData
	if err := json.Unmarshal(reply.PluginData.Data, &data); err != nil {
		return nil, nil, fmt.Errorf("decode videoroom reply: %w", err)
	}
	if data.ErrorCode != 0 || data.Videoroom == "event" && data.Error != "" {
		return nil, nil, &Error{Code: data.ErrorCode, Reason: data.Error}
	}
	return &data, reply, nil
}

// close destroys the session on a best-effort basis and waits for the reader
// to exit. onLost is not invoked.
func (s *session) close(ctx context.Context) {
	s.setOnLost(nil)
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		if _, err := s.request(ctx, &message{Janus: "destroy"}, false, 0); err != nil {
			s.logger.Debugw("Relay destroy failed", "session_id", s.sessionID(), "error", err)
		}
	}
	s.fail(nil)
	<-s.done
}
