// Package ws pushes view status snapshots to dashboards over WebSockets.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/session"
	"github.com/example/roster-sync/internal/types"
)

var errSendBufferFull = errors.New("send buffer full")

// ViewLookup resolves the view addressed by a stream request.
type ViewLookup interface {
	Get(id types.ViewID) (*session.View, error)
}

// StreamConfig controls the runtime behaviour of the status stream.
type StreamConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	CheckOrigin        func(r *http.Request) bool
}

// Stream upgrades GET /views/{id}/stream and sends the view's status as a
// JSON text frame on every change. Inbound frames other than control frames
// are ignored. Closing the view ends the stream with a going-away frame.
type Stream struct {
	views    ViewLookup
	upgrader websocket.Upgrader
	cfg      StreamConfig
	logger   zerolog.Logger
}

// NewStream creates a Stream with sane defaults.
func NewStream(views ViewLookup, logger zerolog.Logger, cfg StreamConfig) *Stream {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 16
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Stream{
		views: views,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
			CheckOrigin:      cfg.CheckOrigin,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// ServeHTTP implements http.Handler.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	view, err := s.views.Get(types.ViewID(r.PathValue("id")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	started := time.Now()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	streamUpgradeLatency.Observe(time.Since(started).Seconds())

	logger := s.logger.With().Str("view", string(view.ID())).Str("remote", r.RemoteAddr).Logger()
	c := newConnection(conn, view, s.cfg, logger)
	logger.Info().Msg("status stream connected")
	go c.run()
}

type connection struct {
	conn   *websocket.Conn
	view   *session.View
	cfg    StreamConfig
	logger zerolog.Logger

	send      chan session.Status
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConnection(conn *websocket.Conn, view *session.View, cfg StreamConfig, logger zerolog.Logger) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		conn:   conn,
		view:   view,
		cfg:    cfg,
		logger: logger,
		send:   make(chan session.Status, cfg.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *connection) run() {
	collection := c.view.Scope().Collection
	streamConnections.WithLabelValues(collection).Inc()
	defer streamConnections.WithLabelValues(collection).Dec()

	unsubscribe := c.view.Subscribe(func(st session.Status) {
		if err := c.enqueue(st); err != nil {
			c.logger.Warn().Err(err).Msg("closing slow status stream")
			streamDropped.Inc()
			c.close(websocket.CloseTryAgainLater, "backpressure")
		}
	})
	defer unsubscribe()
	_ = c.enqueue(c.view.Status())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	if err := c.readLoop(); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.cancel()
	wg.Wait()
	_ = c.conn.Close()
	c.logger.Info().Msg("status stream disconnected")
}

func (c *connection) enqueue(st session.Status) error {
	select {
	case c.send <- st:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		return errSendBufferFull
	}
}

func (c *connection) readLoop() error {
	pongWait := c.cfg.HeartbeatInterval * time.Duration(c.cfg.HeartbeatTolerance)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.view.Done():
			c.close(websocket.CloseGoingAway, "view closed")
			return
		case st := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(st); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.close(websocket.CloseInternalServerErr, "write error")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

// close sends a close frame and unblocks the read loop.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}
