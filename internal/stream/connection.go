package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coinbar/internal/infra"
)

// State is the connection lifecycle state. Failed is a sink reached after
// the reconnect budget is exhausted; only a manual Reconnect leaves it.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by Send when no transport is up.
var ErrNotConnected = errors.New("stream not connected")

// Callbacks are the connection's outbound hooks. All may be nil.
// OnMessage runs on the receive goroutine and must not block: hand the
// frame to a buffered inbox and return.
type Callbacks struct {
	OnMessage     func(msg []byte)
	OnReady       func()                          // reached connected; restore subscriptions here
	OnStateChange func(state State, retries int)
}

// Conn manages one logical WebSocket session: connect, heartbeat,
// receive loop, reconnect with backoff, graceful teardown.
type Conn struct {
	url string
	cb  Callbacks

	mu             sync.Mutex
	state          State
	attempts       int
	ws             *websocket.Conn
	sessCancel     context.CancelFunc
	reconnectTimer *time.Timer
	gen            uint64 // session generation; stale goroutines check it and bail
	rootCtx        context.Context

	writeMu sync.Mutex
	wg      sync.WaitGroup

	delayFn func(attempt int) time.Duration

	PingInterval     time.Duration
	ReadTimeout      time.Duration
	GraceDelay       time.Duration
	HandshakeTimeout time.Duration
	MaxAttempts      int
}

// NewConn creates a connection manager for the given stream URL.
func NewConn(url string, cb Callbacks) *Conn {
	return &Conn{
		url:              url,
		cb:               cb,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		GraceDelay:       500 * time.Millisecond,
		HandshakeTimeout: 10 * time.Second,
		MaxAttempts:      infra.MaxReconnectAttempts,
		delayFn:          infra.ReconnectDelay,
	}
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the current reconnect attempt counter.
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the stream. Idempotent: an existing session is torn down
// first and the dial waits out a grace delay so the old transport can
// release its resources. Connect returns immediately; the dial runs in
// the background.
func (c *Conn) Connect(ctx context.Context) {
	c.mu.Lock()
	c.gen++ // claim a generation; anything older is superseded
	gen := c.gen
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.connect(ctx, gen)
	}()
}

// Reconnect resets the attempt counter and connects, regardless of the
// current state. This is the only way out of Failed.
func (c *Conn) Reconnect(ctx context.Context) {
	c.mu.Lock()
	c.attempts = 0
	if c.state == Failed {
		c.state = Disconnected
	}
	c.mu.Unlock()
	c.Connect(ctx)
}

// Disconnect cancels the heartbeat and any scheduled reconnect, then
// closes the transport with a normal-closure code. No frame received
// after Disconnect reaches the message handler.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.gen++ // invalidate in-flight dials and loops
	c.stopReconnectLocked()
	c.closeSessionLocked(true)
	c.attempts = 0
	changed := c.state != Disconnected
	c.state = Disconnected
	c.mu.Unlock()

	if changed {
		c.notifyState(Disconnected, 0)
	}
	c.wg.Wait()
}

// connect runs one connect attempt for the generation Connect claimed.
// A Disconnect or newer Connect bumps c.gen, so a mismatch at any lock
// acquisition means this attempt was superseded and must not touch state.
func (c *Conn) connect(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.state == Connecting || c.state == Connected {
		c.closeSessionLocked(false)
		c.state = Disconnected
		c.mu.Unlock()
		c.notifyState(Disconnected, 0)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.GraceDelay):
		}
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
	}

	c.stopReconnectLocked()
	c.rootCtx = ctx
	c.state = Connecting
	retries := c.attempts
	c.mu.Unlock()
	c.notifyState(Connecting, retries)

	c.dial(ctx, gen)
}

func (c *Conn) dial(ctx context.Context, gen uint64) {
	dialer := websocket.Dialer{HandshakeTimeout: c.HandshakeTimeout}
	header := make(http.Header)
	header.Set("User-Agent", infra.DefaultUserAgent)

	ws, _, err := dialer.DialContext(ctx, c.url, header)

	c.mu.Lock()
	if c.gen != gen || c.state != Connecting {
		c.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}

	if err != nil {
		slog.Warn("Stream connect failed", "err", err, "attempt", c.attempts)
		c.state = Disconnected
		c.scheduleReconnectLocked(ctx)
		st, n := c.state, c.attempts
		c.mu.Unlock()
		c.notifyState(st, n)
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	c.ws = ws
	c.sessCancel = cancel
	c.attempts = 0
	c.state = Connected
	c.mu.Unlock()

	slog.Info("Stream connected", "url", c.url)
	c.notifyState(Connected, 0)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop(sessCtx, ws, gen)
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop(sessCtx, gen)
	}()

	// Fresh sessions have no server-side subscription memory; let the
	// subscription manager restore the full watchlist.
	if c.cb.OnReady != nil {
		c.cb.OnReady()
	}
}

func (c *Conn) readLoop(sessCtx context.Context, ws *websocket.Conn, gen uint64) {
	for {
		ws.SetReadDeadline(time.Now().Add(c.ReadTimeout))
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if sessCtx.Err() != nil {
				return // deliberate teardown
			}
			slog.Warn("Stream read error", "err", err)
			c.handleDisconnect(gen)
			return
		}

		// Re-check after the read so a frame racing Disconnect is dropped.
		select {
		case <-sessCtx.Done():
			return
		default:
		}

		if c.cb.OnMessage != nil {
			c.cb.OnMessage(msg)
		}
	}
}

func (c *Conn) pingLoop(sessCtx context.Context, gen uint64) {
	ticker := time.NewTicker(c.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sessCtx.Done():
			return
		case <-ticker.C:
			if err := c.Send([]byte("ping")); err != nil {
				slog.Warn("Stream ping failed", "err", err)
				c.handleDisconnect(gen)
				return
			}
		}
	}
}

// handleDisconnect reacts to an unexpected transport failure: close the
// session, increment the attempt counter, and either schedule a
// reconnect or give up into Failed.
func (c *Conn) handleDisconnect(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return // a newer session owns the state now
	}
	ctx := c.rootCtx
	c.closeSessionLocked(false)
	c.state = Disconnected
	c.scheduleReconnectLocked(ctx)
	st, n := c.state, c.attempts
	c.mu.Unlock()

	c.notifyState(st, n)
}

// scheduleReconnectLocked advances the attempt counter and arms the
// backoff timer, or transitions to Failed once the budget is spent.
// Caller holds c.mu. Returns the scheduled delay (0 when failed).
func (c *Conn) scheduleReconnectLocked(ctx context.Context) time.Duration {
	c.attempts++
	if c.attempts >= c.MaxAttempts {
		c.state = Failed
		slog.Error("Stream giving up after max reconnect attempts", "attempts", c.attempts)
		return 0
	}

	delay := c.delayFn(c.attempts)
	slog.Info("Stream reconnect scheduled", "attempt", c.attempts, "delay", delay)
	gen := c.gen
	c.reconnectTimer = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		// A manual connect or disconnect in the meantime supersedes this
		// scheduled attempt.
		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}
		c.Connect(ctx)
	})
	return delay
}

func (c *Conn) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// closeSessionLocked cancels the session context and closes the
// transport. Caller holds c.mu.
func (c *Conn) closeSessionLocked(graceful bool) {
	if c.sessCancel != nil {
		c.sessCancel()
		c.sessCancel = nil
	}
	if c.ws != nil {
		if graceful {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		c.ws.Close()
		c.ws = nil
	}
}

// Send writes a text message on the transport. Writes are serialized;
// concurrent callers never interleave frames.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	ws := c.ws
	st := c.state
	c.mu.Unlock()

	if st != Connected || ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) notifyState(s State, retries int) {
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(s, retries)
	}
}
