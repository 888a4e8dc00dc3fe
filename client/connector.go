package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

// ErrNotConnected is returned by intent methods while no connection is up.
// Intents are never queued across reconnects.
var ErrNotConnected = errors.New("not connected")

const (
	defaultRetryInitial = 500 * time.Millisecond
	defaultRetryMax     = 15 * time.Second
	writeTimeout        = 10 * time.Second
)

// Connector keeps one websocket connection to the server's /ws endpoint and
// feeds received facts into a Reconciler. Every new connection resets the
// reconciler so the fresh snapshot replaces all local state.
type Connector struct {
	url    string
	user   string
	rec    *Reconciler
	logger *log.Logger
	dialer *websocket.Dialer

	retryInitial time.Duration
	retryMax     time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	onChange func([]Entry)
	onState  func(bool)
}

type ConnectorOption func(*Connector)

func WithDialer(d *websocket.Dialer) ConnectorOption {
	return func(c *Connector) {
		if d != nil {
			c.dialer = d
		}
	}
}

func WithRetry(initial, max time.Duration) ConnectorOption {
	return func(c *Connector) {
		if initial > 0 {
			c.retryInitial = initial
		}
		if max >= initial {
			c.retryMax = max
		}
	}
}

// NewConnector builds a connector for baseURL (http, https, ws or wss) that
// joins as user.
func NewConnector(baseURL, user string, rec *Reconciler, logger *log.Logger, opts ...ConnectorOption) (*Connector, error) {
	if rec == nil {
		return nil, errors.New("client: reconciler is required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	u, err := wsURL(baseURL, user)
	if err != nil {
		return nil, err
	}
	c := &Connector{
		url:          u,
		user:         user,
		rec:          rec,
		logger:       logger,
		dialer:       websocket.DefaultDialer,
		retryInitial: defaultRetryInitial,
		retryMax:     defaultRetryMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func wsURL(base, user string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u = u.JoinPath("ws")
	q := u.Query()
	q.Set("user", user)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// OnChange registers fn to receive the view after every change. fn runs on
// the read goroutine and must not block.
func (c *Connector) OnChange(fn func([]Entry)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// OnConnection registers fn to be told when the connection goes up or down.
func (c *Connector) OnConnection(fn func(connected bool)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and keeps reconnecting with exponential backoff until ctx is
// cancelled.
func (c *Connector) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		delay := backoff(attempt, c.retryInitial, c.retryMax)
		attempt++
		c.logger.WithError(err).WithFields(log.Fields{
			"url":   c.url,
			"retry": delay.String(),
		}).Warn("connection lost")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// session runs one connection to completion. connected reports whether the
// dial succeeded.
func (c *Connector) session(ctx context.Context) (connected bool, err error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	c.rec.Reset()
	c.setConn(conn)
	c.notify()
	defer func() {
		c.setConn(nil)
		conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		f, err := domain.DecodeFact(data)
		if err != nil {
			c.logger.WithError(err).Debug("ignoring undecodable frame")
			continue
		}
		changed, err := c.rec.Apply(f)
		if err != nil {
			return true, err
		}
		if changed {
			c.notify()
		}
	}
}

func (c *Connector) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(conn != nil)
	}
}

func (c *Connector) notify() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(c.rec.View())
	}
}

// AddTask sends an addTask intent as the connector's user. In optimistic
// mode a provisional entry is shown until the created fact arrives.
func (c *Connector) AddTask(ctx context.Context, title string) error {
	if err := c.send(ctx, domain.NewAddTask(title, c.user)); err != nil {
		return err
	}
	if c.rec.AddProvisional(title, c.user) != "" {
		c.notify()
	}
	return nil
}

func (c *Connector) ToggleTask(ctx context.Context, id int64) error {
	return c.send(ctx, domain.NewToggleTask(id))
}

func (c *Connector) DeleteTask(ctx context.Context, id int64) error {
	return c.send(ctx, domain.NewDeleteTask(id))
}

func (c *Connector) send(ctx context.Context, in domain.Intent) error {
	data, err := domain.EncodeIntent(in)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("send %s: %w", in.Kind, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", in.Kind, err)
	}
	return nil
}

func backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
