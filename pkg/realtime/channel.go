// Package realtime maintains the authenticated push channel to the server.
//
// A Channel owns at most one physical websocket at a time. Its run loop dials,
// reads frames until the connection drops, and redials with exponential
// backoff. Frames are classified into Envelopes and handed out through
// Receive in arrival order.
package realtime

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/campuslink/pkg/observable"
)

var (
	ErrNotOpen          = errors.New("realtime: channel is not open")
	ErrUnauthorized     = errors.New("realtime: unauthorized")
	ErrRetriesExhausted = errors.New("realtime: reconnect attempts exhausted")
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// StateEvent is one transition. Reconnect is set on an Open that follows a
// dropped connection, which is the cue to resync anything missed. URL names
// the run that produced the event; it is empty only for the initial Idle.
type StateEvent struct {
	State     State
	URL       string
	Attempt   int
	Err       error
	Reconnect bool
	At        time.Time
}

type Config struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	// Jitter spreads each delay by ±Jitter of its value.
	Jitter float64 `mapstructure:"jitter"`
	// MaxAttempts is the number of consecutive failures before the channel
	// gives up. Negative means retry forever.
	MaxAttempts      int           `mapstructure:"max_attempts"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ReceiveBuffer    int           `mapstructure:"receive_buffer"`
}

func DefaultConfig() Config {
	return Config{
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		Jitter:           0.2,
		MaxAttempts:      12,
		HandshakeTimeout: 15 * time.Second,
		PingInterval:     25 * time.Second,
		PongWait:         60 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReceiveBuffer:    256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReceiveBuffer <= 0 {
		c.ReceiveBuffer = d.ReceiveBuffer
	}
	return c
}

// Backoff returns the delay before reconnect attempt n (1-based).
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.InitialBackoff
	for i := 1; i < n && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	if c.Jitter > 0 {
		spread := (rand.Float64()*2 - 1) * c.Jitter
		d = time.Duration(float64(d) * (1 + spread))
	}
	return d
}

type run struct {
	url    string
	cancel context.CancelFunc
	done   chan struct{}
}

type Channel struct {
	cfg    Config
	dialer Dialer

	// opMu serializes Connect and Close so only one run loop exists.
	opMu sync.Mutex

	mu   sync.Mutex
	cur  *run
	conn Conn

	writeMu  sync.Mutex
	states   *observable.Value[StateEvent]
	incoming chan Envelope
}

func NewChannel(dialer Dialer, cfg Config) *Channel {
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	cfg = cfg.withDefaults()
	return &Channel{
		cfg:      cfg,
		dialer:   dialer,
		states:   observable.NewValue(StateEvent{State: StateIdle, At: time.Now()}),
		incoming: make(chan Envelope, cfg.ReceiveBuffer),
	}
}

// Receive yields inbound envelopes in arrival order across reconnects.
func (c *Channel) Receive() <-chan Envelope { return c.incoming }

// States yields the current state event and every later transition.
func (c *Channel) States(ctx context.Context) <-chan StateEvent {
	return c.states.Subscribe(ctx)
}

func (c *Channel) State() StateEvent { return c.states.Get() }

// Connect starts the run loop for url and returns immediately. It is a no-op
// while a run for the same url is active; a different url replaces the
// current run after it has fully stopped.
func (c *Channel) Connect(url string) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur != nil {
		select {
		case <-cur.done:
		default:
			if cur.url == url {
				return
			}
		}
		c.stopLocked(cur)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{url: url, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.cur = r
	c.mu.Unlock()
	go c.loop(ctx, r)
}

// Close tears down the current connection and stops reconnecting. It is
// idempotent.
func (c *Channel) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	cur := c.cur
	c.cur = nil
	c.mu.Unlock()
	if cur == nil {
		return
	}
	c.stopLocked(cur)
}

func (c *Channel) stopLocked(r *run) {
	select {
	case <-r.done:
		r.cancel()
		return
	default:
	}
	c.publish(StateEvent{State: StateClosing, URL: r.url})
	r.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	<-r.done
	c.publish(StateEvent{State: StateClosed, URL: r.url})
}

// Send writes one text frame. It fails with ErrNotOpen unless the channel is
// Open. A write error is treated like a dropped transport rather than a close:
// the connection is torn down, the run loop publishes Failed and redials
// under the usual backoff. Callers see the error and may resend once the
// channel is Open again.
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.states.Get().State != StateOpen {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "realtime: send")
	}
	return nil
}

func (c *Channel) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "realtime: marshal frame")
	}
	return c.Send(data)
}

func (c *Channel) publish(ev StateEvent) {
	ev.At = time.Now()
	c.states.Set(ev)
}

func (c *Channel) loop(ctx context.Context, r *run) {
	defer close(r.done)
	logger := log.With().Str("component", "realtime").Str("url", redactURL(r.url)).Logger()

	attempt := 0
	reconnect := false
	for {
		c.publish(StateEvent{State: StateConnecting, URL: r.url, Attempt: attempt, Reconnect: reconnect})
		dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		conn, err := c.dialer.Dial(dialCtx, r.url)
		cancelDial()
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}

		if err == nil {
			logger.Info().Bool("reconnect", reconnect).Msg("channel open")
			attempt = 0
			err = c.serve(ctx, r, conn, reconnect)
			if ctx.Err() != nil {
				return
			}
			reconnect = true
		}

		if isUnauthorized(err) {
			logger.Warn().Err(err).Msg("channel rejected credential")
			c.publish(StateEvent{State: StateClosed, URL: r.url, Attempt: attempt, Err: ErrUnauthorized})
			return
		}

		attempt++
		logger.Warn().Err(err).Int("attempt", attempt).Msg("channel failed")
		c.publish(StateEvent{State: StateFailed, URL: r.url, Attempt: attempt, Err: err, Reconnect: reconnect})
		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			logger.Error().Int("attempts", attempt).Msg("giving up on channel")
			c.publish(StateEvent{State: StateClosed, URL: r.url, Attempt: attempt, Err: errors.Wrap(ErrRetriesExhausted, err.Error())})
			return
		}

		delay := c.cfg.Backoff(attempt)
		logger.Debug().Dur("delay", delay).Int("attempt", attempt).Msg("reconnect scheduled")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// serve runs one physical connection until it drops.
func (c *Channel) serve(ctx context.Context, r *run, conn Conn, reconnect bool) error {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	// stopLocked cancels before it looks at c.conn, so checking ctx under the
	// same lock means either it sees this conn or we see the cancel.
	c.mu.Lock()
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return err
	}
	c.conn = conn
	c.mu.Unlock()
	c.publish(StateEvent{State: StateOpen, URL: r.url, Reconnect: reconnect})

	connCtx, stopConn := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pingLoop(connCtx, conn)
	}()
	go func() {
		// Unblocks ReadMessage once the run is cancelled.
		defer wg.Done()
		<-connCtx.Done()
		_ = conn.Close()
	}()

	err := c.readLoop(ctx, conn)

	stopConn()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	wg.Wait()
	return err
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if mt != websocket.TextMessage {
			log.Debug().Str("component", "realtime").Int("message_type", mt).Msg("ignoring non-text frame")
			continue
		}
		env, perr := ParseEnvelope(data, time.Now())
		if perr != nil {
			log.Warn().Err(perr).Str("component", "realtime").Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		select {
		case c.incoming <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) pingLoop(ctx context.Context, conn Conn) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				log.Debug().Err(err).Str("component", "realtime").Msg("ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// CloseInvalidToken is the close code the server sends for a bad token.
const CloseInvalidToken = 4003

func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	return websocket.IsCloseError(err, CloseInvalidToken, websocket.ClosePolicyViolation)
}

// redactURL drops the token path segment from a push URL.
func redactURL(u string) string {
	i := strings.LastIndex(u, "/")
	if i < 0 {
		return u
	}
	return u[:i+1] + "***"
}
