// Package feed keeps one JSON-RPC 2.0 websocket open to a balance feed and
// turns its replies into Events.
//
// The wire shape is the account subscription protocol: a subscribe request
// carrying the address and {commitment, encoding}, an integer handle as the
// ack, and notifications with params.subscription and the balance in base
// units under params.result.value.balance (or .lamports). Solana RPC nodes
// speak it natively. For EVM deposit addresses the feed URL must point at an
// adapter that watches native balances and emits the same frames; the method
// names are configurable through Options.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nestorselin/web3-own-copy/internal/deposit"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultPingInterval   = 15 * time.Second
	DefaultReadyTimeout   = 30 * time.Second
	DefaultWriteTimeout   = 3 * time.Second

	DefaultSubscribeMethod    = "accountSubscribe"
	DefaultUnsubscribeMethod  = "accountUnsubscribe"
	DefaultNotificationMethod = "accountNotification"
	DefaultCommitment         = "finalized"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// PendingFunc reports whether any deposit still waits for funds. The client
// only reconnects while it returns true.
type PendingFunc func(ctx context.Context) (bool, error)

type Options struct {
	// ReconnectDelay is a fixed delay, not a backoff.
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	// ReadyTimeout bounds how long Watch waits for a connection.
	ReadyTimeout time.Duration
	WriteTimeout time.Duration

	SubscribeMethod    string
	UnsubscribeMethod  string
	NotificationMethod string
	Commitment         string
	Encoding           string

	EventBuffer int
	Dialer      *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.SubscribeMethod == "" {
		o.SubscribeMethod = DefaultSubscribeMethod
	}
	if o.UnsubscribeMethod == "" {
		o.UnsubscribeMethod = DefaultUnsubscribeMethod
	}
	if o.NotificationMethod == "" {
		o.NotificationMethod = DefaultNotificationMethod
	}
	if o.Commitment == "" {
		o.Commitment = DefaultCommitment
	}
	if o.Encoding == "" {
		o.Encoding = "base64"
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Client owns the single live connection to the event feed and multiplexes
// every watched address over it. Parsed messages are delivered on Events.
type Client struct {
	url     string
	opts    Options
	pending PendingFunc
	log     zerolog.Logger

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	// ready is closed when the state reaches Connected and replaced after a
	// live connection drops.
	ready     chan struct{}
	reconnect *time.Timer
	baseCtx   context.Context
	closed    bool

	writeMu sync.Mutex
	events  chan Event
	dials   atomic.Int64
}

func New(url string, pending PendingFunc, opts Options, log zerolog.Logger) *Client {
	opts = opts.withDefaults()
	return &Client{
		url:     url,
		opts:    opts,
		pending: pending,
		log:     log.With().Str("component", "feed").Logger(),
		ready:   make(chan struct{}),
		baseCtx: context.Background(),
		events:  make(chan Event, opts.EventBuffer),
	}
}

// Start binds the client to ctx. When ctx ends the connection is closed and
// no further reconnects happen. If pending deposits exist already (e.g. after
// a restart) the client connects right away.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.shutdown()
	}()

	if c.hasPending(ctx) {
		c.connect()
	}
}

// Events is never closed; consumers stop on their own context.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dials reports how many connection attempts were made.
func (c *Client) Dials() int64 { return c.dials.Load() }

// Watch sends a subscribe request for rec's intermediate address, keyed by
// the record id. It waits for a live connection first. The feed handle
// arrives later as an EventAck.
func (c *Client) Watch(ctx context.Context, rec *deposit.Record) error {
	if rec == nil || rec.ID == "" || rec.IntermediateAddress == "" {
		return fmt.Errorf("watch: record id and intermediate address required")
	}
	if err := c.waitReady(ctx); err != nil {
		return err
	}
	req := request{
		JSONRPC: "2.0",
		ID:      rec.ID,
		Method:  c.opts.SubscribeMethod,
		Params: []any{
			rec.IntermediateAddress,
			subscribeConfig{Commitment: c.opts.Commitment, Encoding: c.opts.Encoding},
		},
	}
	if err := c.send(req); err != nil {
		return err
	}
	c.log.Info().Str("deposit_id", rec.ID).Str("address", rec.IntermediateAddress).Msg("subscribe sent")
	return nil
}

// Unwatch sends an unsubscribe for handle without waiting for a reply.
func (c *Client) Unwatch(handle int64) error {
	if c.State() != Connected {
		return deposit.ErrNotConnected
	}
	req := request{
		JSONRPC: "2.0",
		ID:      handle,
		Method:  c.opts.UnsubscribeMethod,
		Params:  []any{handle},
	}
	if err := c.send(req); err != nil {
		return err
	}
	c.log.Info().Int64("handle", handle).Msg("unsubscribe sent")
	return nil
}

func (c *Client) waitReady(ctx context.Context) error {
	c.connect()

	c.mu.Lock()
	state, ready := c.state, c.ready
	c.mu.Unlock()
	if state == Connected {
		return nil
	}

	t := time.NewTimer(c.opts.ReadyTimeout)
	defer t.Stop()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", deposit.ErrNotConnected, ctx.Err())
	case <-t.C:
		return fmt.Errorf("%w: not ready after %s", deposit.ErrNotConnected, c.opts.ReadyTimeout)
	}
}

// connect starts a dial unless one is in flight or a connection is open.
func (c *Client) connect() {
	c.mu.Lock()
	if c.closed || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = Connecting
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	ctx := c.baseCtx
	c.mu.Unlock()

	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	c.dials.Add(1)
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("dial failed")
		c.disconnected(nil)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = Connected
	close(c.ready)
	c.mu.Unlock()
	c.log.Info().Str("url", c.url).Msg("connected")

	stop := make(chan struct{})
	go c.pingLoop(conn, stop)

	err = c.readLoop(ctx, conn)
	close(stop)
	if err != nil && ctx.Err() == nil {
		c.log.Warn().Err(err).Msg("connection closed")
	}
	c.disconnected(conn)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrCloseSent) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed read: %w", err)
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if len(msg) == 0 {
			continue
		}

		ev := Classify(msg, c.opts.NotificationMethod)
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Warn().Err(err).Msg("ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// disconnected moves the client to Disconnected and schedules a reconnect
// only while pending deposits remain. conn is the connection that ended, nil
// for a failed dial.
func (c *Client) disconnected(conn *websocket.Conn) {
	c.mu.Lock()
	if conn != nil && c.conn != conn {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == Connected
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = Disconnected
	if wasConnected {
		c.ready = make(chan struct{})
	}
	closed, ctx := c.closed, c.baseCtx
	c.mu.Unlock()

	if closed || ctx.Err() != nil {
		return
	}
	if !c.hasPending(ctx) {
		c.log.Info().Msg("no pending deposits; staying disconnected")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != Disconnected || c.reconnect != nil {
		return
	}
	c.log.Info().Dur("delay", c.opts.ReconnectDelay).Msg("pending deposits; reconnect scheduled")
	c.reconnect = time.AfterFunc(c.opts.ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnect = nil
		c.mu.Unlock()
		c.connect()
	})
}

func (c *Client) hasPending(ctx context.Context) bool {
	if c.pending == nil {
		return false
	}
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ok, err := c.pending(qctx)
	if err != nil {
		c.log.Error().Err(err).Msg("pending check failed")
		return false
	}
	return ok
}

func (c *Client) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("feed marshal: %w", err)
	}

	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != Connected {
		return deposit.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		// The read loop observes the close and runs the reconnect policy.
		_ = conn.Close()
		return fmt.Errorf("feed write: %w", err)
	}
	return nil
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
