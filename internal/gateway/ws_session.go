package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/pulse/pkg/models"
)

const (
	wsDefaultSendBuffer  = 64
	wsDefaultWriteWait   = 10 * time.Second
	wsDefaultIdleTimeout = 60 * time.Second
	wsDefaultMaxBytes    = 64 << 10
	wsCloseGrace         = time.Second
	wsWriterGrace        = 250 * time.Millisecond
)

type sessionConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBytes     int64
}

func (c sessionConfig) withDefaults() sessionConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = wsDefaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteWait
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = wsDefaultIdleTimeout
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = wsDefaultMaxBytes
	}
	return c
}

// wsSession is the transport half of a connection. One goroutine reads and
// one writes; everything else reaches the socket through Deliver and Close.
// The send channel is never closed, so a late Deliver cannot panic.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	cfg    sessionConfig
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger

	// writerDone is closed when writeLoop exits.
	writerDone chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newWSSession(id string, conn *websocket.Conn, cfg sessionConfig, logger *slog.Logger) *wsSession {
	cfg = cfg.withDefaults()
	return &wsSession{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		logger: logger,

		writerDone: make(chan struct{}),
	}
}

// Deliver queues frame for the write loop. It blocks while the buffer is
// full, until ctx is done or the session closes.
func (s *wsSession) Deliver(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer, flushes frames that were already queued, then sends
// a close frame and tears the socket down. Only the first call has any
// effect. A writer stuck on a slow peer is abandoned after wsWriterGrace.
func (s *wsSession) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.closeCode, s.closeReason = code, reason
		close(s.done)

		select {
		case <-s.writerDone:
			s.flush()
		case <-time.After(wsWriterGrace):
		}

		msg := websocket.FormatCloseMessage(code, reason)
		if werr := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace)); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			s.logger.Debug("write close frame", "connection_id", s.id, "error", werr)
		}
		err = s.conn.Close()
	})
	return err
}

// flush writes whatever is still buffered. Only called once the writer has
// exited, so it is the sole writer.
func (s *wsSession) flush() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsCloseGrace)) //nolint:errcheck
	for {
		select {
		case frame := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Done is closed once the session starts closing.
func (s *wsSession) Done() <-chan struct{} {
	return s.done
}

// writeLoop must be started for every session; Close waits for it.
func (s *wsSession) writeLoop() {
	err := s.pump()
	close(s.writerDone)
	if err != nil {
		s.logger.Debug("websocket write failed", "connection_id", s.id, "error", err)
		_ = s.Close(models.CloseGoingAway, models.ReasonSlowConsumer)
	}
}

func (s *wsSession) pump() error {
	for {
		select {
		case <-s.done:
			return nil
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		}
	}
}

// readLoop feeds text frames to handle until the socket fails, and reports
// the close code the failure maps to.
func (s *wsSession) readLoop(handle func([]byte)) (int, string) {
	s.conn.SetReadLimit(s.cfg.MaxBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return classifyReadError(err)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)) //nolint:errcheck
		if messageType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

func classifyReadError(err error) (int, string) {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return models.CloseIdleTimeout, models.ReasonIdle
	case errors.Is(err, websocket.ErrReadLimit):
		return websocket.CloseMessageTooBig, models.ReasonProtocol
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure):
		return websocket.CloseProtocolError, models.ReasonProtocol
	default:
		return models.CloseNormal, models.ReasonClientClosed
	}
}
