package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event names on the push channel.
const (
	EventJoinRoom       = "joinRoom"
	EventNewSupportCall = "newSupportCall"
	EventAssignedCall   = "assignedCall"
)

const (
	defaultMaxAttempts  = 5
	defaultRetryDelay   = time.Second
	defaultPingInterval = 25 * time.Second
	writeWait           = 10 * time.Second
	maxMessageSize      = 64 << 10
)

var (
	// ErrEmptyIdentity is returned by Connect when no agent identity is given.
	ErrEmptyIdentity = errors.New("signaling: empty agent identity")
	// ErrAlreadyConnected is returned by Connect on a channel that is running.
	ErrAlreadyConnected = errors.New("signaling: channel already started")
)

// Offer is a call notification pushed by the backend.
type Offer struct {
	Event         string
	CallerRef     string
	CallerName    string
	ConferenceRef string
	ReceivedAt    time.Time
}

// envelope is the JSON frame exchanged over the socket.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type offerPayload struct {
	Caller         string `json:"caller"`
	CallerName     string `json:"callerName,omitempty"`
	ConferenceName string `json:"conferenceName"`
}

// Config holds the channel's connection settings.
type Config struct {
	URL string
	// MaxAttempts bounds consecutive failed dials before the channel gives up.
	MaxAttempts int
	// RetryDelay is the fixed wait between dial attempts.
	RetryDelay time.Duration
	// PingInterval is how often a ping is sent. The read deadline is twice
	// this value.
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// Channel is a reconnecting WebSocket push connection scoped to one agent.
// Connectivity changes and call offers are delivered through the registered
// handlers from the channel's own goroutine.
type Channel struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	onOffer   func(Offer)
	onConn    func(bool)
	connected bool
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex
}

// NewChannel creates a signaling channel. Zero config values fall back to
// five attempts one second apart.
func NewChannel(cfg Config, logger *slog.Logger) *Channel {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Channel{
		cfg:    cfg,
		logger: logger.With("subsystem", "signaling"),
	}
}

// OnCallOffered registers the handler for newSupportCall and assignedCall.
func (c *Channel) OnCallOffered(fn func(Offer)) {
	c.mu.Lock()
	c.onOffer = fn
	c.mu.Unlock()
}

// OnConnectivity registers the handler for connectivity changes.
func (c *Channel) OnConnectivity(fn func(connected bool)) {
	c.mu.Lock()
	c.onConn = fn
	c.mu.Unlock()
}

// Connected reports the current connectivity.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect starts the connection loop for identity and returns immediately.
// Dial failures are reported through the connectivity handler, not here.
func (c *Channel) Connect(ctx context.Context, identity string) error {
	if identity == "" {
		return ErrEmptyIdentity
	}
	if c.cfg.URL == "" {
		return fmt.Errorf("signaling: no url configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyConnected
	}

	// The loop outlives the calling context; Disconnect ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx, identity, c.done)
	return nil
}

// Done is closed when the connection loop exits, either after Disconnect or
// after the retry budget is exhausted. It is nil before Connect.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Disconnect stops the connection loop and closes the socket. It is safe to
// call more than once.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	conn := c.conn
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		err := conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debug("signaling close frame not sent", "error", err)
		}
	}
	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done

	c.logger.Info("signaling disconnected")
	return nil
}

func (c *Channel) run(ctx context.Context, identity string, done chan struct{}) {
	defer close(done)
	defer c.setConnected(false)

	failures := 0
	for {
		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= c.cfg.MaxAttempts {
				c.logger.Error("signaling connection abandoned",
					"url", c.cfg.URL,
					"attempts", failures,
					"error", err,
				)
				return
			}
			c.logger.Warn("signaling dial failed",
				"url", c.cfg.URL,
				"attempt", failures,
				"retry_in", c.cfg.RetryDelay.String(),
				"error", err,
			)
			if !sleepCtx(ctx, c.cfg.RetryDelay) {
				return
			}
			continue
		}

		failures = 0
		err = c.serve(ctx, conn, identity)
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("signaling connection lost", "error", err)
		if !sleepCtx(ctx, c.cfg.RetryDelay) {
			return
		}
	}
}

// serve announces room membership and reads frames until the connection
// fails or ctx ends.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn, identity string) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	if err := c.send(conn, EventJoinRoom, identity); err != nil {
		return fmt.Errorf("joining room: %w", err)
	}
	c.logger.Info("signaling connected", "identity", identity)
	c.setConnected(true)

	pongWait := 2 * c.cfg.PingInterval
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(ctx, conn, stop)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(message)
	}
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("signaling ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Channel) handleFrame(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Warn("invalid signaling frame", "error", err)
		return
	}

	switch env.Event {
	case EventNewSupportCall, EventAssignedCall:
		var p offerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Warn("invalid call offer payload", "event", env.Event, "error", err)
			return
		}
		offer := Offer{
			Event:         env.Event,
			CallerRef:     p.Caller,
			CallerName:    p.CallerName,
			ConferenceRef: p.ConferenceName,
			ReceivedAt:    time.Now(),
		}
		c.logger.Info("call offered",
			"event", env.Event,
			"caller", offer.CallerRef,
			"conference_ref", offer.ConferenceRef,
		)

		c.mu.Lock()
		fn := c.onOffer
		c.mu.Unlock()
		if fn != nil {
			fn(offer)
		}
	default:
		c.logger.Debug("ignoring signaling event", "event", env.Event)
	}
}

func (c *Channel) send(conn *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", event, err)
	}
	frame, err := json.Marshal(envelope{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Channel) setConnected(connected bool) {
	c.mu.Lock()
	if c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	fn := c.onConn
	c.mu.Unlock()

	if fn != nil {
		fn(connected)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
