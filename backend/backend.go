package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/remdev/hostd/rpc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

const (
	defaultListenAddr       = "0.0.0.0:9090"
	defaultHandshakeTimeout = 10 * time.Second

	// handshake frames carry only a client identifier
	handshakeReadLimit = 1024

	// frameReadLimit bounds one RPC frame
	frameReadLimit = 1 << 22
)

// Backend is the long-lived server process running on a developer host. It
// serves the heartbeat and version HTTP endpoints and the WebSocket upgrade
// carrying the RPC transport, all on one listening port.
type Backend struct {
	log     *zap.SugaredLogger
	version string

	listenAddr       string
	caPEM            []byte
	certPEM          []byte
	keyPEM           []byte
	handshakeTimeout time.Duration
	trackLag         bool
	rpcOpts          []rpc.ServerOption

	rpcServer  *rpc.Server
	httpServer *http.Server
	lag        *lagTracker
}

type Option func(b *Backend)

func WithListenAddr(s string) Option {
	return func(b *Backend) {
		b.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		b.log = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(b *Backend) {
		b.log = b.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithTLS supplies the CA, certificate, and key material. With it the listener
// requires and verifies client certificates; without it the listener is plain
// TCP.
func WithTLS(caPEM, certPEM, keyPEM []byte) Option {
	return func(b *Backend) {
		b.caPEM = caPEM
		b.certPEM = certPEM
		b.keyPEM = keyPEM
	}
}

// WithLagTracking enables the scheduler-lag sampler.
func WithLagTracking() Option {
	return func(b *Backend) {
		b.trackLag = true
	}
}

// WithRPCOptions forwards options to the embedded RPC server.
func WithRPCOptions(opts ...rpc.ServerOption) Option {
	return func(b *Backend) {
		b.rpcOpts = append(b.rpcOpts, opts...)
	}
}

// New constructs a backend serving the given schema. Service handlers are
// registered on RPC() before Run.
func New(version string, schema *rpc.Schema, opts ...Option) (*Backend, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	b := &Backend{
		log:              logger.Named("hostd").Sugar(),
		version:          version,
		listenAddr:       defaultListenAddr,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	b.rpcServer = rpc.NewServer(b.log, schema, b.rpcOpts...)
	return b, nil
}

// RPC exposes the embedded RPC server for handler registration.
func (b *Backend) RPC() *rpc.Server { return b.rpcServer }

// Run listens and serves until Stop is called or the listener fails.
func (b *Backend) Run() error {
	listener, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	if b.tlsEnabled() {
		tlsConfig, err := ServerTLSConfig(b.caPEM, b.certPEM, b.keyPEM)
		if err != nil {
			listener.Close()
			return fmt.Errorf("building server TLS config: %w", err)
		}
		listener = tls.NewListener(listener, tlsConfig)
	} else if len(b.caPEM) > 0 || len(b.certPEM) > 0 || len(b.keyPEM) > 0 {
		listener.Close()
		return errors.New("partial TLS material: need all of CA, cert, and key")
	}

	router := httprouter.New()
	router.POST("/heartbeat", b.heartbeat)
	router.GET("/version", b.heartbeat)
	router.GET("/rpc", b.rpcUpgrade)

	if b.trackLag {
		b.lag = newLagTracker(b.log)
		b.lag.start()
	}

	server := &http.Server{Handler: router}
	b.httpServer = server

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (b *Backend) tlsEnabled() bool {
	return len(b.caPEM) > 0 && len(b.certPEM) > 0 && len(b.keyPEM) > 0
}

func (b *Backend) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	w.Header().Add("Content-Type", "text/plain")
	if _, err := w.Write([]byte(b.version)); err != nil {
		b.log.Debugf("error writing heartbeat response: %s", err)
	}
}

// rpcUpgrade accepts a socket and performs the identifier handshake: the first
// frame must be a text frame carrying the client's identifier, after which the
// socket joins that client's session.
func (b *Backend) rpcUpgrade(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		b.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}

	conn.SetReadLimit(handshakeReadLimit)
	hctx, cancel := context.WithTimeout(r.Context(), b.handshakeTimeout)
	typ, frame, err := conn.Read(hctx)
	cancel()
	if err != nil {
		b.log.Debugf("error reading handshake frame: %s", err)
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}
	clientID := string(bytes.TrimSpace(frame))
	if typ != websocket.MessageText || clientID == "" {
		b.log.Debug("rejecting handshake without client identifier")
		conn.Close(websocket.StatusPolicyViolation, "first frame must carry the client identifier")
		return
	}
	conn.SetReadLimit(frameReadLimit)

	err = b.rpcServer.ServeConn(clientID, conn)
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		b.log.Debugw("socket read loop ended", "clientId", clientID, "error", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// Stop shuts the backend down: the listener closes and every client session is
// torn down.
func (b *Backend) Stop() error {
	var err error
	if b.httpServer != nil {
		err = multierr.Append(err, b.httpServer.Close())
	}
	err = multierr.Append(err, b.rpcServer.Close())
	if b.lag != nil {
		b.lag.stop()
	}
	return err
}
