package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peercast/internal/core/ports"
	"peercast/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WSConfig struct {
	URL          string
	SendBuffer   int
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	Retry        retry.Config
}

// WSChannel is a SignalingChannel over a WebSocket connection to the relay.
// One goroutine writes, one reads, and one dispatches to handlers in arrival order.
type WSChannel struct {
	conn     *websocket.Conn
	cfg      WSConfig
	handlers *handlerSet

	send    chan Envelope
	inbound chan Envelope
	stop    chan struct{}
	done    chan struct{}

	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped func(event, reason string)
	logger  *zap.SugaredLogger
}

var _ ports.SignalingChannel = (*WSChannel)(nil)

// DialWS connects to the relay, retrying the initial dial with backoff.
func DialWS(ctx context.Context, cfg WSConfig, dropped func(event, reason string), logger *zap.SugaredLogger) (*WSChannel, error) {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if dropped == nil {
		dropped = func(string, string) {}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, err := retry.DoWithResult(ctx, cfg.Retry, func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
		return conn, err
	}, func(attempt int, err error, delay time.Duration) {
		logger.Warnw("Relay not reachable, retrying", "url", cfg.URL, "attempt", attempt, "delay", delay, "error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling relay: %w", err)
	}

	ch := &WSChannel{
		conn:     conn,
		cfg:      cfg,
		handlers: newHandlerSet(),
		send:     make(chan Envelope, cfg.SendBuffer),
		inbound:  make(chan Envelope, cfg.SendBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		dropped:  dropped,
		logger:   logger,
	}

	ch.wg.Add(3)
	go ch.readLoop()
	go ch.writeLoop()
	go ch.dispatchLoop()

	logger.Infow("Connected to signaling relay", "url", cfg.URL)
	return ch, nil
}

// Send queues the event for the writer. It never blocks; a full queue or a
// closed channel drops the event.
func (c *WSChannel) Send(event string, payload interface{}) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		c.logger.Errorw("Dropping unencodable signaling event", "event", event, "error", err)
		c.dropped(event, "encode")
		return
	}

	select {
	case <-c.done:
		c.logger.Debugw("Dropping signaling event, relay connection closed", "event", event)
		c.dropped(event, "closed")
		return
	case <-c.stop:
		c.dropped(event, "closed")
		return
	default:
	}

	select {
	case c.send <- env:
	default:
		c.logger.Warnw("Signaling send buffer full, dropping event", "event", event)
		c.dropped(event, "buffer_full")
	}
}

func (c *WSChannel) On(event string, handler ports.EventHandler) {
	c.handlers.add(event, handler)
}

// Done is closed once the relay connection is gone.
func (c *WSChannel) Done() <-chan struct{} {
	return c.done
}

// Close flushes queued events, says goodbye to the relay and waits for the
// channel goroutines to exit.
func (c *WSChannel) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}

func (c *WSChannel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *WSChannel) readLoop() {
	defer c.wg.Done()
	defer c.shutdown()
	defer close(c.inbound)

	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warnw("Signaling relay connection lost", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		if env.Event == "" {
			c.logger.Debugw("Ignoring frame without event name")
			continue
		}
		select {
		case c.inbound <- env:
		case <-c.done:
			return
		}
	}
}

func (c *WSChannel) writeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Warnw("Failed to write signaling event", "event", env.Event, "error", err)
				c.dropped(env.Event, "write_error")
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warnw("Failed to ping signaling relay", "error", err)
				c.shutdown()
				return
			}
		case <-c.stop:
			c.flush()
			c.shutdown()
			return
		case <-c.done:
			return
		}
	}
}

// flush writes whatever is still queued, best effort, so a stop-stream sent
// right before Close still reaches the relay.
func (c *WSChannel) flush() {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(deadline)
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		default:
			c.conn.SetWriteDeadline(deadline)
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "broadcaster closing"))
			return
		}
	}
}

func (c *WSChannel) dispatchLoop() {
	defer c.wg.Done()

	for env := range c.inbound {
		if !c.handlers.dispatch(env) {
			c.logger.Debugw("No handler for signaling event", "event", env.Event)
		}
	}
}
