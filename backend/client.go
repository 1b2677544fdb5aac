package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/remdev/hostd/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// Client connects an editor to a backend. It owns the socket, performs the
// identifier handshake, and redials after transient drops: outbound frames
// queue while disconnected and flush in order after the next successful dial,
// and the server keeps this client's objects and subscriptions alive keyed by
// the identifier.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	clientID   string
	baseURL    string
	wsURL      string
	tlsConfig  *tls.Config
	rpcTimeout time.Duration
	queueCap   int

	dialLimiter              *rate.Limiter
	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)
	onDisconnect             func()
	onReconnect              func()

	dispatcher *rpc.Dispatcher

	mu     sync.Mutex
	conn   *connState
	queue  [][]byte
	closed bool
}

// connState is one dialed socket; the client outlives it across reconnects.
type connState struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
}

type ClientOption func(c *Client)

// WithClientID pins the client identifier. The default is a random UUID; reuse
// the same identifier to resume server-side state after a process restart.
func WithClientID(id string) ClientOption {
	return func(c *Client) {
		c.clientID = id
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("hostd_client").Sugar()
	}
}

// WithClientTLS supplies mTLS material matching the server's.
func WithClientTLS(caPEM, certPEM, keyPEM []byte) ClientOption {
	return func(c *Client) {
		cfg, err := ClientTLSConfig(caPEM, certPEM, keyPEM)
		if err != nil {
			panic(fmt.Sprintf("building client TLS config: %s", err))
		}
		c.tlsConfig = cfg
	}
}

// WithRPCTimeout overrides the per-call timeout of the dispatcher.
func WithRPCTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.rpcTimeout = d
	}
}

// WithDialRate bounds how fast the client redials after a drop.
func WithDialRate(r rate.Limit, burst int) ClientOption {
	return func(c *Client) {
		c.dialLimiter = rate.NewLimiter(r, burst)
	}
}

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithOnDisconnect installs a callback fired when the socket drops.
func WithOnDisconnect(f func()) ClientOption {
	return func(c *Client) {
		c.onDisconnect = f
	}
}

// WithOnReconnect installs a callback fired after a successful redial.
func WithOnReconnect(f func()) ClientOption {
	return func(c *Client) {
		c.onReconnect = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the backend at addr:port speaking the given
// schema. Connect establishes the socket.
func NewClient(log *zap.SugaredLogger, schema *rpc.Schema, addr string, port int, opts ...ClientOption) (*Client, error) {
	c := &Client{
		Logger:       log.Named("hostd_client"),
		clientID:     uuid.NewString(),
		rpcTimeout:   rpc.DefaultCallTimeout,
		queueCap:     rpc.DefaultQueueCap,
		dialLimiter:  rate.NewLimiter(rate.Every(time.Second), 3),
		waitInterval: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}

	scheme, wsScheme := "http", "ws"
	if c.tlsConfig != nil {
		scheme, wsScheme = "https", "wss"
	}
	c.baseURL = fmt.Sprintf("%s://%s:%d", scheme, addr, port)
	c.wsURL = fmt.Sprintf("%s://%s:%d/rpc", wsScheme, addr, port)

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{TLSClientConfig: c.tlsConfig},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()

	c.dispatcher = rpc.NewDispatcher(c.Logger, schema, c, rpc.WithCallTimeout(c.rpcTimeout))
	return c, nil
}

// ClientID is the identifier keying this client's server-side state.
func (c *Client) ClientID() string { return c.clientID }

// Dispatcher is the RPC surface of the connection.
func (c *Client) Dispatcher() *rpc.Dispatcher { return c.dispatcher }

// Connect dials the backend and performs the identifier handshake. The read
// and write pumps run until the socket drops, after which the client redials
// on its own.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return rpc.ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ws, _, err := websocket.Dial(ctx, c.wsURL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	ws.SetReadLimit(frameReadLimit)

	if err := ws.Write(ctx, websocket.MessageText, []byte(c.clientID)); err != nil {
		ws.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("sending client identifier: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &connState{ws: ws, ctx: connCtx, cancel: cancel, wake: make(chan struct{}, 1)}

	c.mu.Lock()
	if c.closed || c.conn != nil {
		closed := c.closed
		c.mu.Unlock()
		cancel()
		ws.Close(websocket.StatusNormalClosure, "")
		if closed {
			return rpc.ErrClosed
		}
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	go c.writeLoop(conn)
	go c.readLoop(conn)
	c.Logger.Debugw("connected", "clientId", c.clientID)
	return nil
}

// SendFrame enqueues one frame for the server. It never blocks on the network;
// while disconnected the frame is held for the next successful dial.
func (c *Client) SendFrame(m *rpc.Message) error {
	b, err := rpc.EncodeFrame(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return rpc.ErrClosed
	}
	if len(c.queue) >= c.queueCap {
		return rpc.ErrBackpressure
	}
	c.queue = append(c.queue, b)
	if c.conn != nil {
		select {
		case c.conn.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *Client) writeLoop(conn *connState) {
	for {
		c.mu.Lock()
		if c.conn != conn || c.closed {
			c.mu.Unlock()
			return
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			select {
			case <-conn.ctx.Done():
				return
			case <-conn.wake:
			}
			continue
		}
		frame := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := conn.ws.Write(conn.ctx, websocket.MessageText, frame); err != nil {
			c.Logger.Debugf("write error: %s", err)
			c.dropConn(conn)
			return
		}
	}
}

func (c *Client) readLoop(conn *connState) {
	for {
		typ, b, err := conn.ws.Read(conn.ctx)
		if err != nil {
			c.Logger.Debugf("read error: %s", err)
			c.dropConn(conn)
			return
		}
		if typ != websocket.MessageText {
			c.Logger.Warn("ignoring non-text frame")
			continue
		}
		m, err := rpc.ParseFrame(b)
		if err != nil {
			c.Logger.Warnw("ignoring bad frame", "error", err)
			continue
		}
		c.dispatcher.HandleFrame(m)
	}
}

// dropConn retires a dead socket and kicks off the redial loop. Frames queued
// but unsent stay queued; frames in flight at the drop are lost and their
// calls time out.
func (c *Client) dropConn(conn *connState) {
	conn.cancel()
	c.mu.Lock()
	if c.conn != conn || c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()

	conn.ws.Close(websocket.StatusInternalError, "connection dropped")
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
	if !closed {
		go c.redial()
	}
}

func (c *Client) redial() {
	for {
		c.mu.Lock()
		done := c.closed || c.conn != nil
		c.mu.Unlock()
		if done {
			return
		}
		if err := c.dialLimiter.Wait(context.Background()); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			if c.onReconnect != nil {
				c.onReconnect()
			}
			return
		}
		if err == rpc.ErrClosed {
			return
		}
		c.Logger.Debugf("redial failed: %s", err)
	}
}

func (c *Client) fetchText(ctx context.Context, method, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, path)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Heartbeat posts to the server's heartbeat endpoint and returns the server
// version.
func (c *Client) Heartbeat(ctx context.Context) (string, error) {
	return c.fetchText(ctx, http.MethodPost, "/heartbeat")
}

// Version returns the server's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	return c.fetchText(ctx, http.MethodGet, "/version")
}

// WaitForServer polls the heartbeat endpoint until the server responds.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Heartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// Close shuts the client down. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.queue = nil
	c.mu.Unlock()

	if conn != nil {
		conn.cancel()
		conn.ws.Close(websocket.StatusNormalClosure, "")
	}
	c.dispatcher.Close()
	return nil
}
