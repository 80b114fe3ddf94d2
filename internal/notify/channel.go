// Package notify keeps the per-user WebSocket open while a session is active
// and turns its frames into signals.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
)

type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultPongWait    = 15 * time.Second
	defaultPingPeriod  = 10 * time.Second
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
	defaultStableAfter = 30 * time.Second
	writeWait          = 10 * time.Second
	maxFrameSize       = 4096
	jitterPercent      = 20
)

var ErrMissingIdentity = errors.New("user id and token are required")

// errRejected marks a handshake the server answered with 4xx; retrying with
// the same token cannot succeed.
var errRejected = errors.New("handshake rejected")

type Config struct {
	// URL is the WebSocket origin, e.g. ws://localhost:8000.
	URL string

	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts bounds consecutive reconnect attempts. Zero retries forever.
	MaxAttempts uint64
	// StableAfter is how long a connection must stay open before the backoff
	// starts over.
	StableAfter time.Duration

	PingPeriod time.Duration
	PongWait   time.Duration

	Dialer *websocket.Dialer
}

func (c *Config) setDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.StableAfter <= 0 {
		c.StableAfter = defaultStableAfter
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 2 / 3
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

type run struct {
	userID string
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Channel owns at most one connection at a time. Callbacks run on the
// channel's goroutine and must not call Start or Stop synchronously.
type Channel struct {
	cfg Config
	log *slog.Logger

	state atomic.Int32

	mu  sync.Mutex
	cur *run

	subMu    sync.RWMutex
	nextSub  int
	signalFn map[int]func(Signal)
	stateFn  map[int]func(State)
}

func New(cfg Config, logger *slog.Logger) *Channel {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:      cfg,
		log:      logger.With("component", "notify"),
		signalFn: make(map[int]func(Signal)),
		stateFn:  make(map[int]func(State)),
	}
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

// OnSignal registers fn for every recognised signal and returns a func that
// removes it.
func (c *Channel) OnSignal(fn func(Signal)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.signalFn[id] = fn
	return func() {
		c.subMu.Lock()
		delete(c.signalFn, id)
		c.subMu.Unlock()
	}
}

func (c *Channel) OnStateChange(fn func(State)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.stateFn[id] = fn
	return func() {
		c.subMu.Lock()
		delete(c.stateFn, id)
		c.subMu.Unlock()
	}
}

// Start connects as userID. Calling it again for the same user and token is a
// no-op; any other identity replaces the running connection.
func (c *Channel) Start(userID, token string) error {
	if strings.TrimSpace(userID) == "" || token == "" {
		return ErrMissingIdentity
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur != nil {
		if c.cur.userID == userID && c.cur.token == token {
			select {
			case <-c.cur.done:
			default:
				return nil
			}
		}
		c.stopLocked()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{userID: userID, token: token, cancel: cancel, done: make(chan struct{})}
	c.cur = r
	go c.loop(ctx, r)
	return nil
}

// Stop closes the connection and cancels any pending reconnect. It returns
// once the connection goroutine has exited.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Channel) stopLocked() {
	if c.cur == nil {
		return
	}
	c.cur.cancel()
	<-c.cur.done
	c.cur = nil
}

func (c *Channel) loop(ctx context.Context, r *run) {
	defer close(r.done)
	defer c.setState(StateClosed)

	b := newResettableBackoff(c.cfg, func() { c.setState(StateReconnecting) })
	c.setState(StateConnecting)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		ws, err := c.dial(ctx, r)
		if err != nil {
			if errors.Is(err, errRejected) || ctx.Err() != nil {
				return err
			}
			c.log.Debug("notification channel dial failed", "error", err)
			return retry.RetryableError(err)
		}

		opened := time.Now()
		c.setState(StateOpen)
		err = c.read(ctx, ws)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(opened) >= c.cfg.StableAfter {
			b.reset()
		}
		c.log.Debug("notification channel lost", "error", err)
		return retry.RetryableError(err)
	})

	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, errRejected):
		c.log.Warn("notification channel rejected by server", "user_id", r.userID, "error", err)
	default:
		c.log.Warn("notification channel gave up reconnecting", "user_id", r.userID, "error", err)
	}
}

func (c *Channel) dial(ctx context.Context, r *run) (*websocket.Conn, error) {
	endpoint, err := wsEndpoint(c.cfg.URL, r.userID, r.token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errRejected, err)
	}

	ws, resp, err := c.cfg.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: status %d", errRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing notification channel: %w", err)
	}
	return ws, nil
}

// read pumps frames until the socket fails or ctx ends.
func (c *Channel) read(ctx context.Context, ws *websocket.Conn) error {
	connDone := make(chan struct{})
	defer close(connDone)

	go func() {
		ticker := time.NewTicker(c.cfg.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				ws.Close()
				return
			case <-connDone:
				ws.Close()
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					ws.Close()
					return
				}
			}
		}
	}()

	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if msgType != websocket.TextMessage {
			continue
		}

		sig, ok := ParseSignal(data)
		if !ok {
			c.log.Debug("ignoring unrecognised frame", "bytes", len(data))
			continue
		}
		c.dispatch(sig)
	}
}

func (c *Channel) dispatch(sig Signal) {
	c.subMu.RLock()
	fns := make([]func(Signal), 0, len(c.signalFn))
	for _, fn := range c.signalFn {
		fns = append(fns, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range fns {
		fn(sig)
	}
}

func (c *Channel) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.log.Debug("notification channel state", "state", s.String())

	c.subMu.RLock()
	fns := make([]func(State), 0, len(c.stateFn))
	for _, fn := range c.stateFn {
		fns = append(fns, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}

// wsEndpoint builds <base>/ws/<userID>?token=<token>. http(s) origins are
// mapped to ws(s).
func wsEndpoint(base, userID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing websocket url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}

	u = u.JoinPath("ws", userID)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
