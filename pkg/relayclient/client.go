// Package relayclient is the subscriber-side library for the relay. A Client
// holds one logical connection per instance identity, reconnects forever on
// transport failure and dispatches webhook frames to per-key handlers.
//
// Subscriptions are not replayed after a reconnect. The server forgets them
// when the connection drops, so callers that need to survive reconnects must
// call Subscribe again; the local handler registration is kept so a
// re-subscribe picks up where it left off.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"prrelay/pkg/relay"
)

// Defaults applied by Dial when no option overrides them.
const (
	DefaultBackoff      = 5 * time.Second
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 1 << 20
)

var (
	// ErrNotConnected is returned by control calls made while no connection
	// is established.
	ErrNotConnected = errors.New("relayclient: not connected")
	// ErrAckTimeout is returned when WithAckTimeout is set and the server
	// acknowledgment does not arrive in time.
	ErrAckTimeout = errors.New("relayclient: acknowledgment timed out")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("relayclient: client closed")
)

// Handler receives webhook events for a subscribed unit key. Handlers run
// synchronously on the read loop: a slow handler delays later frames, and a
// handler must not call Subscribe or Unsubscribe without WithAckTimeout set,
// since the acknowledgment it would wait for arrives on the same loop.
type Handler func(key relay.PRKey, event relay.Event)

// Client is a relay subscriber. All methods are safe for concurrent use.
type Client struct {
	url          string
	addr         string
	instanceID   string
	logger       *log.Logger
	backoff      time.Duration
	dialTimeout  time.Duration
	writeTimeout time.Duration
	ackTimeout   time.Duration
	readLimit    int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conn   *websocket.Conn

	mu       sync.Mutex
	handlers map[relay.PRKey]Handler
	pending  map[relay.PRKey][]chan struct{}
	pongs    []chan struct{}

	readyOnce sync.Once
	ready     chan struct{}
}

// Dial starts the connection loop for the given instance identity and blocks
// until the first connection attempt has completed, success or failure. A
// failed first attempt is logged, not returned: the loop keeps retrying every
// backoff interval until Close. The context only bounds the wait for that
// first attempt.
func Dial(ctx context.Context, addr, instanceID string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("relayclient: address is required")
	}
	if instanceID == "" {
		return nil, errors.New("relayclient: instance id is required")
	}
	target, err := wsURL(addr, instanceID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:          target,
		addr:         addr,
		instanceID:   instanceID,
		logger:       log.Default(),
		backoff:      DefaultBackoff,
		dialTimeout:  DefaultDialTimeout,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
		ctx:          runCtx,
		cancel:       cancel,
		handlers:     make(map[relay.PRKey]Handler),
		pending:      make(map[relay.PRKey][]chan struct{}),
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.run()

	select {
	case <-c.ready:
		return c, nil
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

// Subscribe registers the handler for key and asks the server to start
// delivering its events. The call blocks until the server acknowledges.
// Without WithAckTimeout it blocks for as long as the context allows, even
// across a dropped connection whose acknowledgment will never arrive.
func (c *Client) Subscribe(ctx context.Context, key relay.PRKey, handler Handler) error {
	if handler == nil {
		return errors.New("relayclient: handler is required")
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	waiter := make(chan struct{})
	c.mu.Lock()
	c.handlers[key] = handler
	c.pending[key] = append(c.pending[key], waiter)
	c.mu.Unlock()

	if err := c.send(ctx, relay.ClientMessage{Type: relay.TypeSubscribe, Key: &key}); err != nil {
		c.dropWaiter(key, waiter)
		return err
	}
	return c.await(ctx, waiter, func() { c.dropWaiter(key, waiter) })
}

// Unsubscribe removes the local handler for key and asks the server to stop
// delivering its events. The call blocks until the server acknowledges.
// Events already in flight are dropped silently once the handler is gone.
func (c *Client) Unsubscribe(ctx context.Context, key relay.PRKey) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	waiter := make(chan struct{})
	c.mu.Lock()
	delete(c.handlers, key)
	c.pending[key] = append(c.pending[key], waiter)
	c.mu.Unlock()

	if err := c.send(ctx, relay.ClientMessage{Type: relay.TypeUnsubscribe, Key: &key}); err != nil {
		c.dropWaiter(key, waiter)
		return err
	}
	return c.await(ctx, waiter, func() { c.dropWaiter(key, waiter) })
}

// Ping round-trips a control frame through the server.
func (c *Client) Ping(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	waiter := make(chan struct{})
	c.mu.Lock()
	c.pongs = append(c.pongs, waiter)
	c.mu.Unlock()

	if err := c.send(ctx, relay.ClientMessage{Type: relay.TypePing}); err != nil {
		c.dropPong(waiter)
		return err
	}
	return c.await(ctx, waiter, func() { c.dropPong(waiter) })
}

// Close stops the connection loop and closes the active connection.
func (c *Client) Close() error {
	c.cancel()
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	c.wg.Wait()
	return nil
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		c.connectOnce()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Printf("relayclient %s: reconnecting in %s", c.instanceID, c.backoff)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.backoff):
		}
	}
}

// connectOnce dials, serves one connection to completion and tears it down.
// The readiness signal fires on every exit path of the first attempt so Dial
// can never hang on a dead server.
func (c *Client) connectOnce() {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		c.signalReady()
		if c.ctx.Err() == nil {
			c.logger.Printf("relayclient %s: dial %s: %v", c.instanceID, c.addr, err)
		}
		return
	}
	conn.SetReadLimit(c.readLimit)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.signalReady()
	c.logger.Printf("relayclient %s: connected to %s", c.instanceID, c.addr)

	err = c.readLoop(conn)

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && c.ctx.Err() == nil {
		c.logger.Printf("relayclient %s: connection lost: %v", c.instanceID, err)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		msg, err := relay.DecodeServerMessage(data)
		if err != nil {
			c.logger.Printf("relayclient %s: drop frame: %v", c.instanceID, err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg relay.ServerMessage) {
	switch msg.Type {
	case relay.TypeWebhook:
		c.mu.Lock()
		handler := c.handlers[*msg.Key]
		c.mu.Unlock()
		if handler == nil {
			return
		}
		handler(*msg.Key, *msg.Event)
	case relay.TypeSubscribed, relay.TypeUnsubscribed:
		c.completePending(*msg.Key)
	case relay.TypePong:
		c.completePong()
	}
}

func (c *Client) send(ctx context.Context, msg relay.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// await blocks until the waiter fires. cancelWait removes the waiter on the
// abandonment paths so a stale entry cannot swallow a later acknowledgment.
func (c *Client) await(ctx context.Context, waiter chan struct{}, cancelWait func()) error {
	var timeout <-chan time.Time
	if c.ackTimeout > 0 {
		timer := time.NewTimer(c.ackTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		cancelWait()
		return ctx.Err()
	case <-c.ctx.Done():
		cancelWait()
		return ErrClosed
	case <-timeout:
		cancelWait()
		return ErrAckTimeout
	}
}

func (c *Client) completePending(key relay.PRKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.pending[key]
	if len(waiters) == 0 {
		return
	}
	close(waiters[0])
	if len(waiters) == 1 {
		delete(c.pending, key)
	} else {
		c.pending[key] = waiters[1:]
	}
}

func (c *Client) completePong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pongs) == 0 {
		return
	}
	close(c.pongs[0])
	c.pongs = c.pongs[1:]
}

func (c *Client) dropWaiter(key relay.PRKey, waiter chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.pending[key]
	for i, w := range waiters {
		if w == waiter {
			c.pending[key] = append(waiters[:i:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.pending[key]) == 0 {
		delete(c.pending, key)
	}
}

func (c *Client) dropPong(waiter chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.pongs {
		if w == waiter {
			c.pongs = append(c.pongs[:i:i], c.pongs[i+1:]...)
			break
		}
	}
}

func (c *Client) signalReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// wsURL turns a host:port or http(s) base address into the session endpoint
// URL for the instance.
func wsURL(addr, instanceID string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relayclient: unsupported scheme %q", u.Scheme)
	}
	u.RawQuery = ""
	u.Fragment = ""
	base := strings.TrimRight(u.String(), "/")
	return base + "/ws/" + url.PathEscape(instanceID), nil
}
