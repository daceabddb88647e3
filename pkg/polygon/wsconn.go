package polygon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	connectTimeout = 30 * time.Second
	ackTimeout     = 5 * time.Second
	probeTimeout   = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// StreamConn is one persistent streaming socket bound to a class endpoint.
// It owns the authentication handshake, the subscribe/unsubscribe wire
// protocol, the granularity probe cache, and dispatch of decoded frames to
// the registered handler.
type StreamConn struct {
	url     string
	apiKey  string
	logger  *zap.Logger
	handler func(Frame)
	onDeath func()

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu       sync.Mutex
	conn     *websocket.Conn
	open     bool
	closed   bool
	active   map[string]struct{}   // live wire params, e.g. "T.AAPL"
	prefixes map[string]string     // granularity cache: caller key -> acked prefix
	pending  map[string]chan error // one-shot ack waiters keyed by wire param
}

// NewStreamConn creates an unconnected stream bound to url.
func NewStreamConn(url, apiKey string, logger *zap.Logger) *StreamConn {
	return &StreamConn{
		url:      url,
		apiKey:   apiKey,
		logger:   logger,
		active:   make(map[string]struct{}),
		prefixes: make(map[string]string),
		pending:  make(map[string]chan error),
	}
}

// SetFrameHandler registers the callback receiving decoded data frames.
// Must be called before Connect. The handler runs on the read loop and must
// not block.
func (c *StreamConn) SetFrameHandler(h func(Frame)) {
	c.handler = h
}

// SetDeathHandler registers the callback invoked once when the stream dies
// for good: the reconnect loop gave up and no further traffic will flow.
// Must be called before Connect. Explicit Close does not trigger it.
func (c *StreamConn) SetDeathHandler(h func()) {
	c.onDeath = h
}

// Connect dials the endpoint, completes the open and auth handshakes, and
// starts the read loop. It blocks until the connection is authenticated or
// fails with ConnectTimeoutError / AuthError.
func (c *StreamConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.open {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrConnClosed
	}
	c.conn = conn
	c.open = true
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// dial performs the transport dial plus the synchronous open/auth handshake.
// No frames are dispatched until the handshake completes.
func (c *StreamConn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	// Wait for the server's "connected" status.
	if _, err := c.awaitStatus(conn, connectTimeout, statusConnected); err != nil {
		conn.Close()
		return nil, err
	}

	// Authenticate.
	if err := writeControl(conn, &c.writeMu, controlMsg{Action: "auth", Params: c.apiKey}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}
	st, err := c.awaitStatus(conn, connectTimeout, statusAuthSuccess, statusAuthFailed)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if st.Status == statusAuthFailed {
		conn.Close()
		return nil, &AuthError{Message: st.Message}
	}

	conn.SetReadDeadline(time.Time{})
	c.logger.Info("stream authenticated", zap.String("url", c.url))
	return conn, nil
}

// awaitStatus reads frames until a status frame matching one of want arrives
// or the deadline passes. Non-matching frames are discarded; nothing else is
// expected before authentication.
func (c *StreamConn) awaitStatus(conn *websocket.Conn, timeout time.Duration, want ...string) (*StatusFrame, error) {
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			// Only a blown deadline is a timeout; anything else (peer hangup,
			// transport fault) keeps its own identity.
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, &ConnectTimeoutError{Endpoint: c.url, Timeout: timeout}
			}
			return nil, fmt.Errorf("handshake read: %w", err)
		}
		frames, err := DecodeFrames(msg)
		if err != nil {
			c.logger.Warn("undecodable frame during handshake", zap.Error(err))
			continue
		}
		for _, f := range frames {
			if f.Kind != FrameStatus {
				continue
			}
			for _, w := range want {
				if f.Status.Status == w {
					return f.Status, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return nil, &ConnectTimeoutError{Endpoint: c.url, Timeout: timeout}
		}
	}
}

// Subscribe ensures a wire subscription for ticker. When the granularity
// prefix for cacheKey is already known it is used directly; otherwise each
// candidate prefix is probed in order with a short timeout and the first one
// the vendor acks is cached for the connection's lifetime. Returns the
// prefix in use.
func (c *StreamConn) Subscribe(cacheKey string, candidates []string, ticker string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrConnClosed
	}
	if !c.open {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	prefix, cached := c.prefixes[cacheKey]
	c.mu.Unlock()

	if cached {
		param := prefix + "." + ticker
		// The vendor does not always ack re-subscribes; a quiet timeout on
		// a known-good prefix is not an error.
		if err := c.sendAndAwaitAck("subscribe", param, ackTimeout, false); err != nil {
			return "", err
		}
		c.markActive(param)
		return prefix, nil
	}

	for _, cand := range candidates {
		param := cand + "." + ticker
		err := c.sendAndAwaitAck("subscribe", param, probeTimeout, true)
		if err == nil {
			c.mu.Lock()
			c.prefixes[cacheKey] = cand
			c.active[param] = struct{}{}
			c.mu.Unlock()
			c.logger.Info("granularity probe succeeded",
				zap.String("key", cacheKey), zap.String("prefix", cand), zap.String("ticker", ticker))
			return cand, nil
		}
		c.logger.Debug("granularity probe failed",
			zap.String("param", param), zap.Error(err))
	}
	return "", &SubscriptionUnsupportedError{Ticker: ticker, Candidates: candidates}
}

// Unsubscribe removes the wire subscription for ticker. The cached prefix is
// preferred; without one, every candidate that is actually live is torn
// down. Calling it for a ticker that is not subscribed is a no-op.
func (c *StreamConn) Unsubscribe(cacheKey string, candidates []string, ticker string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	var params []string
	if prefix, ok := c.prefixes[cacheKey]; ok {
		candidates = []string{prefix}
	}
	for _, cand := range candidates {
		param := cand + "." + ticker
		if _, live := c.active[param]; live {
			delete(c.active, param)
			params = append(params, param)
		}
	}
	open := c.open
	c.mu.Unlock()

	if !open {
		return nil
	}
	for _, param := range params {
		if err := c.sendAndAwaitAck("unsubscribe", param, ackTimeout, false); err != nil {
			return err
		}
	}
	return nil
}

func (c *StreamConn) markActive(param string) {
	c.mu.Lock()
	c.active[param] = struct{}{}
	c.mu.Unlock()
}

// sendAndAwaitAck registers a one-shot waiter for param, writes the control
// message, and waits for the matching status frame. With strict set, a quiet
// timeout is a failure (probe semantics); otherwise it is tolerated.
func (c *StreamConn) sendAndAwaitAck(action, param string, timeout time.Duration, strict bool) error {
	ch := make(chan error, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[param] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending[param] == ch {
			delete(c.pending, param)
		}
		c.mu.Unlock()
	}()

	if err := writeControl(conn, &c.writeMu, controlMsg{Action: action, Params: param}); err != nil {
		return fmt.Errorf("send %s %s: %w", action, param, err)
	}

	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		if strict {
			return fmt.Errorf("no ack for %s %s within %s", action, param, timeout)
		}
		c.logger.Debug("no ack observed, assuming accepted",
			zap.String("action", action), zap.String("param", param))
		return nil
	}
}

// readLoop owns the inbound side of conn: it decodes frames, resolves
// pending acks from status frames, hands data frames to the handler, and
// reconnects with a full resubscribe when the transport drops.
func (c *StreamConn) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.open = false
			c.mu.Unlock()

			c.logger.Error("stream read error", zap.String("url", c.url), zap.Error(err))
			newConn, ok := c.reconnect()
			if !ok {
				c.terminate()
				return
			}
			conn = newConn
			continue
		}

		frames, err := DecodeFrames(msg)
		if err != nil {
			c.logger.Warn("undecodable stream message", zap.Error(err))
			continue
		}
		for _, f := range frames {
			if f.Kind == FrameStatus {
				c.resolveStatus(f.Status)
				continue
			}
			if c.handler != nil {
				c.handler(f)
			}
		}
	}
}

// reconnect retries the dial handshake until it succeeds or the connection
// is closed, then replays every active wire subscription exactly once.
func (c *StreamConn) reconnect() (*websocket.Conn, bool) {
	for {
		time.Sleep(reconnectDelay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, false
		}
		c.mu.Unlock()

		conn, err := c.dial(context.Background())
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				// Credentials went bad mid-session; retrying cannot help.
				c.logger.Error("reconnect authentication failed, giving up", zap.Error(err))
				return nil, false
			}
			c.logger.Warn("reconnect failed, retrying", zap.Error(err))
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return nil, false
		}
		c.conn = conn
		c.open = true
		params := make([]string, 0, len(c.active))
		for p := range c.active {
			params = append(params, p)
		}
		c.mu.Unlock()

		for _, param := range params {
			if err := writeControl(conn, &c.writeMu, controlMsg{Action: "subscribe", Params: param}); err != nil {
				c.logger.Warn("resubscribe failed", zap.String("param", param), zap.Error(err))
			}
		}
		c.logger.Info("stream reconnected",
			zap.String("url", c.url), zap.Int("resubscribed", len(params)))
		return conn, true
	}
}

// terminate finalizes a stream whose reconnect loop gave up: the connection
// behaves as closed from here on and the death handler is told, so an owner
// can drop it from rotation. A stream already closed explicitly stays quiet.
func (c *StreamConn) terminate() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.open = false
	for param, ch := range c.pending {
		select {
		case ch <- ErrConnClosed:
		default:
		}
		delete(c.pending, param)
	}
	c.mu.Unlock()

	if c.onDeath != nil {
		c.onDeath()
	}
}

// resolveStatus routes a status frame to the waiter whose wire param appears
// in the message text. Acks the vendor sends for operations nobody is
// waiting on are dropped.
func (c *StreamConn) resolveStatus(st *StatusFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for param, ch := range c.pending {
		if !strings.Contains(st.Message, param) {
			continue
		}
		var result error
		if st.Status == statusError {
			result = fmt.Errorf("vendor rejected %s: %s", param, st.Message)
		}
		select {
		case ch <- result:
		default:
		}
		delete(c.pending, param)
	}
}

// IsOpen reports whether the connection is currently authenticated and
// serving traffic.
func (c *StreamConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

// ActiveCount returns the number of live wire subscriptions.
func (c *StreamConn) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// ActiveParams returns a snapshot of the live wire subscription params.
func (c *StreamConn) ActiveParams() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for p := range c.active {
		out = append(out, p)
	}
	return out
}

// Close tears the connection down. Idempotent; pending waiters receive
// ErrConnClosed.
func (c *StreamConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	conn := c.conn
	for param, ch := range c.pending {
		select {
		case ch <- ErrConnClosed:
		default:
		}
		delete(c.pending, param)
	}
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func writeControl(conn *websocket.Conn, mu *sync.Mutex, msg controlMsg) error {
	mu.Lock()
	defer mu.Unlock()
	return conn.WriteJSON(msg)
}
