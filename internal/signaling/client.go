// Package signaling owns the authenticated JSON-RPC channel to the signaling
// server: connecting with rate limiting, per-operation request deadlines,
// server push dispatch, heartbeats, and automatic reconnection after a
// recoverable disconnect.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"golang.org/x/sync/singleflight"

	"github.com/1ureka/rtcall/internal/auth"
	"github.com/1ureka/rtcall/internal/events"
	"github.com/1ureka/rtcall/internal/failure"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/recovery"
	"github.com/1ureka/rtcall/internal/util"
)

var log = util.Scoped("signal")

// Credentials supplies the bearer token presented on connect.
type Credentials interface {
	Identity(ctx context.Context) (auth.Identity, error)
	// Refresh requests a new token without blocking.
	Refresh()
}

// ReconnectOptions bounds automatic reconnection.
type ReconnectOptions struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// LimitOptions configures the connection attempt Limiter.
type LimitOptions struct {
	MaxAttempts int
	Window      time.Duration
	Cooldown    time.Duration
}

// Options configures a Client.
type Options struct {
	URL               string
	Namespace         string
	Timeouts          protocol.Timeouts
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	DisconnectGrace   time.Duration
	Reconnect         ReconnectOptions
	RateLimit         LimitOptions
}

// DefaultOptions returns the stock settings for serverURL.
func DefaultOptions(serverURL string) Options {
	return Options{
		URL:               serverURL,
		Namespace:         "call",
		Timeouts:          protocol.DefaultTimeouts(),
		ConnectTimeout:    10 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		DisconnectGrace:   300 * time.Millisecond,
		Reconnect: ReconnectOptions{
			MaxAttempts:     5,
			InitialInterval: time.Second,
			MaxInterval:     10 * time.Second,
		},
		RateLimit: LimitOptions{
			MaxAttempts: 5,
			Window:      30 * time.Second,
			Cooldown:    60 * time.Second,
		},
	}
}

// Client is the signaling connection manager. It holds at most one live
// Channel at a time.
type Client struct {
	opts    Options
	creds   Credentials
	store   *recovery.Store
	bus     *events.Bus
	limiter *Limiter
	router  *router
	seq     SeqGen
	group   singleflight.Group

	mu              sync.Mutex
	ch              *Channel
	stopHeartbeat   context.CancelFunc
	reconnecting    bool
	cancelReconnect context.CancelFunc
}

// New creates a disconnected client.
func New(opts Options, creds Credentials, store *recovery.Store, bus *events.Bus) *Client {
	return &Client{
		opts:    opts,
		creds:   creds,
		store:   store,
		bus:     bus,
		limiter: NewLimiter(opts.RateLimit.MaxAttempts, opts.RateLimit.Window, opts.RateLimit.Cooldown),
		router:  newRouter(),
	}
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Current returns the live channel, or nil.
func (c *Client) Current() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil && c.ch.Connected() {
		return c.ch
	}
	return nil
}

// Connected reports whether a live channel exists.
func (c *Client) Connected() bool { return c.Current() != nil }

// Connect returns the live channel, dialing a new one if needed. Concurrent
// callers share a single dial.
func (c *Client) Connect(ctx context.Context) (*Channel, error) {
	if ch := c.Current(); ch != nil {
		return ch, nil
	}

	res := c.group.DoChan("connect", func() (interface{}, error) {
		return c.connect()
	})
	select {
	case r := <-res:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Channel), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) connect() (*Channel, error) {
	if ch := c.Current(); ch != nil {
		return ch, nil
	}
	c.dropStale()

	if err := c.limiter.Allow(); err != nil {
		log.Warn("connect rejected: %v", err)
		c.bus.Emit(events.SocketConnectError, events.Socket{Reason: err.Error()})
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()

	id, err := c.creds.Identity(ctx)
	if err != nil {
		c.bus.Emit(events.SocketConnectError, events.Socket{Reason: err.Error()})
		c.creds.Refresh()
		return nil, fmt.Errorf("resolve identity: %w", &failure.HandshakeError{Status: http.StatusUnauthorized, Err: err})
	}

	ch, err := c.dial(ctx, id)
	if err != nil {
		log.Warn("connect failed: %v", err)
		c.store.Record(recovery.EntryError, "connect: %v", err)
		c.bus.Emit(events.SocketConnectError, events.Socket{Reason: err.Error()})
		if failure.Classify(err) == failure.KindAuth {
			c.creds.Refresh()
		}
		return nil, err
	}

	c.install(ch)
	log.Success("connected as %s (%s)", id.UserID, ch.ID())
	return ch, nil
}

// dropStale forgets a channel that is no longer connected.
func (c *Client) dropStale() {
	c.mu.Lock()
	stale := c.ch
	if stale != nil && !stale.Connected() {
		c.ch = nil
	} else {
		stale = nil
	}
	c.mu.Unlock()

	if stale != nil {
		log.Debug("discarding stale channel %s", stale.ID())
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url %q: %w", c.opts.URL, err)
	}
	if c.opts.Namespace != "" {
		u = u.JoinPath(c.opts.Namespace)
	}
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context, id auth.Identity) (*Channel, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+id.Token)
	if id.UserID != "" {
		header.Set("X-User-Id", id.UserID)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &failure.HandshakeError{
			Status: status,
			Err:    fmt.Errorf("failed to connect to signaling server: %w", err),
		}
	}

	return newChannel(ws, jsonrpc2.AsyncHandler(c.router)), nil
}

func (c *Client) install(ch *Channel) {
	hbCtx, stop := context.WithCancel(context.Background())

	c.mu.Lock()
	c.ch = ch
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
	}
	c.stopHeartbeat = stop
	c.mu.Unlock()

	c.store.SetConnectionID(ch.ID())
	c.store.ClearFlag(recovery.FlagIntentionalDisconnect)

	go c.heartbeat(hbCtx, ch)
	go c.watch(ch)

	c.bus.Emit(events.SocketConnected, events.Socket{ConnectionID: ch.ID()})
}

// watch waits for ch to go away and decides whether to reconnect.
func (c *Client) watch(ch *Channel) {
	<-ch.Done()

	c.mu.Lock()
	current := c.ch == ch
	if current {
		c.ch = nil
		if c.stopHeartbeat != nil {
			c.stopHeartbeat()
			c.stopHeartbeat = nil
		}
	}
	c.mu.Unlock()

	reason := ch.reason()
	if reason != ReasonIntentional && c.store.Flag(recovery.FlagIntentionalDisconnect) {
		reason = ReasonIntentional
	}

	log.Info("channel %s closed: %s", ch.ID(), reason)
	c.store.Record(recovery.EntryDisconnect, "%s: %s", ch.ID(), reason)
	c.bus.Emit(events.SocketDisconnected, events.Socket{ConnectionID: ch.ID(), Reason: string(reason)})

	switch {
	case reason == ReasonIntentional || !current:
	case reason.Recoverable():
		go c.reconnect()
	default:
		code := failure.CodeConnectionLost
		c.bus.Emit(events.CallError, events.Failure{Code: string(code), Message: code.Message()})
	}
}

// reconnect re-dials with exponential backoff until it succeeds, the
// attempts run out, or Disconnect is called.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnecting = true
	c.cancelReconnect = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.reconnecting = false
		c.cancelReconnect = nil
		c.mu.Unlock()
	}()

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = c.opts.Reconnect.InitialInterval
	ebo.MaxInterval = c.opts.Reconnect.MaxInterval
	ebo.MaxElapsedTime = 0

	maxAttempts := c.opts.Reconnect.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	var ch *Channel
	op := func() error {
		if c.store.Flag(recovery.FlagIntentionalDisconnect) {
			return backoff.Permanent(errIntentional)
		}
		attempt++
		log.Info("reconnecting (attempt %d/%d)", attempt, maxAttempts)

		var err error
		ch, err = c.connect()
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(maxAttempts-1)), ctx))
	switch {
	case err == nil:
		util.Stats.AddReconnect()
		c.bus.Emit(events.SocketReconnected, events.Socket{ConnectionID: ch.ID(), Attempt: attempt})
	case errors.Is(err, errIntentional), errors.Is(err, context.Canceled):
		log.Debug("reconnection abandoned")
	default:
		log.Error("reconnection failed after %d attempts: %v", attempt, err)
		c.bus.Emit(events.SocketReconnectFailed, events.Socket{Reason: err.Error(), Attempt: attempt})
		code := failure.CodeConnectionLost
		c.bus.Emit(events.CallError, events.Failure{Code: string(code), Message: code.Message(), Err: err})
	}
}

var errIntentional = errors.New("intentional disconnect")

// Disconnect notifies the server, waits the grace period, then closes the
// channel. It also stops any reconnection in progress.
func (c *Client) Disconnect(ctx context.Context) error {
	c.store.SetFlag(recovery.FlagIntentionalDisconnect)

	c.mu.Lock()
	ch := c.ch
	c.ch = nil
	if c.cancelReconnect != nil {
		c.cancelReconnect()
	}
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
		c.stopHeartbeat = nil
	}
	c.mu.Unlock()

	if ch == nil {
		return nil
	}
	ch.intentional.Store(true)

	if ch.Connected() {
		notifyCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := ch.conn.Notify(notifyCtx, string(protocol.OpClientDisconnecting), protocol.DisconnectNotice{Reason: "client"})
		cancel()
		if err != nil {
			log.Debug("clientDisconnecting: %v", err)
		}

		select {
		case <-time.After(c.opts.DisconnectGrace):
		case <-ctx.Done():
		}
	}

	return ch.close()
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// Request sends op and waits for its reply under the per-operation deadline.
// A missed deadline is reported as context.DeadlineExceeded.
func (c *Client) Request(ctx context.Context, op protocol.Op, params, result interface{}) error {
	ch := c.Current()
	if ch == nil {
		util.Stats.AddRequestFailure()
		return fmt.Errorf("%s: %w", op, failure.ErrNotConnected)
	}

	timeout := c.opts.Timeouts.For(op)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := ch.conn.Call(ctx, string(op), params, result); err != nil {
		util.Stats.AddRequestFailure()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: no reply within %s: %w", op, timeout, context.DeadlineExceeded)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Call is Request with the reply decoded and validated as T.
func Call[T any](ctx context.Context, c *Client, op protocol.Op, params interface{}) (T, error) {
	var raw json.RawMessage
	if err := c.Request(ctx, op, params, &raw); err != nil {
		var zero T
		return zero, err
	}
	v, err := protocol.Decode[T](raw)
	if err != nil {
		return v, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}

// Notify sends a fire-and-forget operation.
func (c *Client) Notify(ctx context.Context, op protocol.Op, params interface{}) error {
	ch := c.Current()
	if ch == nil {
		return fmt.Errorf("%s: %w", op, failure.ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeouts.For(op))
	defer cancel()

	if err := ch.conn.Notify(ctx, string(op), params); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// On registers fn for a server-pushed event. Handlers survive reconnects.
func (c *Client) On(event protocol.Event, fn PushHandler) {
	c.router.add(event, fn)
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

func (c *Client) heartbeat(ctx context.Context, ch *Channel) {
	if c.opts.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			beat := protocol.Heartbeat{Seq: c.seq.Next()}
			if err := ch.conn.Notify(ctx, string(protocol.OpHeartbeat), beat); err != nil {
				log.Debug("heartbeat %d: %v", beat.Seq, err)
			}
		case <-ch.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// StopHeartbeat stops the keep-alive of the current channel.
func (c *Client) StopHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
		c.stopHeartbeat = nil
	}
}

// LastPong returns when the last heartbeat_response arrived.
func (c *Client) LastPong() time.Time { return c.router.pong() }

// Heartbeats returns the sequence number of the last heartbeat sent.
func (c *Client) Heartbeats() uint32 { return c.seq.Last() }
