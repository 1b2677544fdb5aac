package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/remdev/hostd/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

const testVersion = "1.2.3-test"

const schemaSrc = `[
  {"kind":"function","name":"ping","returns":"void"},
  {"kind":"function","name":"add","args":["number","number"],"returns":"promise<number>"},
  {"kind":"function","name":"fail","returns":"promise<string>"},
  {"kind":"function","name":"tail","args":["string"],"returns":"observable<string>"},
  {"kind":"function","name":"drip","args":[],"returns":"observable<string>"},
  {"kind":"interface","name":"Session","constructorArgs":["string"],"methods":{
    "describe":{"returns":"promise<string>"}
  }}
]`

func loadSchema(t *testing.T) *rpc.Schema {
	t.Helper()
	s, err := rpc.LoadSchema(strings.NewReader(schemaSrc))
	require.NoError(t, err)
	return s
}

func freeAddr(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return fmt.Sprintf("127.0.0.1:%d", port), port
}

type backendFixture struct {
	backend *Backend
	port    int
	pinged  chan struct{}
	release chan struct{}
}

// startBackend runs a backend with the test services registered.
func startBackend(t *testing.T, opts ...Option) *backendFixture {
	t.Helper()
	addr, port := freeAddr(t)
	b, err := New(testVersion, loadSchema(t), append([]Option{WithListenAddr(addr)}, opts...)...)
	require.NoError(t, err)

	f := &backendFixture{
		backend: b,
		port:    port,
		pinged:  make(chan struct{}, 16),
		release: make(chan struct{}),
	}

	require.NoError(t, b.RPC().HandleFunc("ping", func(ctx context.Context, args []any) (any, error) {
		f.pinged <- struct{}{}
		return nil, nil
	}))
	require.NoError(t, b.RPC().HandleFunc("add", func(ctx context.Context, args []any) (any, error) {
		return args[0].(float64) + args[1].(float64), nil
	}))
	require.NoError(t, b.RPC().HandleFunc("fail", func(ctx context.Context, args []any) (any, error) {
		return nil, &rpc.RemoteError{Message: "boom", Code: "EBOOM"}
	}))
	require.NoError(t, b.RPC().HandleStream("tail", func(ctx context.Context, args []any, emit rpc.Emit) error {
		for _, line := range []string{"a", "b", "c"} {
			if err := emit(line); err != nil {
				return err
			}
		}
		return nil
	}))
	// drip emits once, then waits for the test's release signal before
	// finishing; it drives the reconnect-queueing test
	require.NoError(t, b.RPC().HandleStream("drip", func(ctx context.Context, args []any, emit rpc.Emit) error {
		if err := emit("one"); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.release:
		}
		if err := emit("two"); err != nil {
			return err
		}
		return emit("three")
	}))
	require.NoError(t, b.RPC().HandleInterface("Session", func(ctx context.Context, args []any) (rpc.Object, error) {
		name := args[0].(string)
		return &rpc.MethodMap{
			Calls: map[string]rpc.CallHandler{
				"describe": func(ctx context.Context, args []any) (any, error) {
					return "session " + name, nil
				},
			},
		}, nil
	}))

	go b.Run()
	t.Cleanup(func() { b.Stop() })
	return f
}

func newTestClient(t *testing.T, f *backendFixture, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(log, loadSchema(t), "127.0.0.1", f.port, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.WaitForServer(context.Background()))
	return c
}

func TestHeartbeat(t *testing.T) {
	f := startBackend(t)
	c := newTestClient(t, f)

	version, err := c.Heartbeat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testVersion, version)

	version, err = c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testVersion, version)
}

func TestNegativeAuthz(t *testing.T) {
	// ensure that unauthorized clients are rejected
	serverCerts, err := GenerateCerts()
	require.NoError(t, err)

	addr, port := freeAddr(t)
	b, err := New(testVersion, loadSchema(t),
		WithListenAddr(addr),
		WithTLS(serverCerts.CA.CertPEM, serverCerts.Server.CertPEM, serverCerts.Server.KeyPEM),
	)
	require.NoError(t, err)
	go b.Run()
	t.Cleanup(func() { b.Stop() })

	// client certs signed by some other CA fail server-side verification
	rogueCerts, err := GenerateCerts()
	require.NoError(t, err)
	c, err := NewClient(log, loadSchema(t), "127.0.0.1", port,
		WithClientTLS(serverCerts.CA.CertPEM, rogueCerts.Client.CertPEM, rogueCerts.Client.KeyPEM),
		WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
			r.RetryMax = 0
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	// give the listener a moment to come up, then expect a TLS failure
	require.Eventually(t, func() bool {
		_, err := c.Heartbeat(context.Background())
		return err != nil && strings.Contains(err.Error(), "tls")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRPCOverTLS(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)
	f := startBackend(t, WithTLS(certs.CA.CertPEM, certs.Server.CertPEM, certs.Server.KeyPEM))
	c := newTestClient(t, f, WithClientTLS(certs.CA.CertPEM, certs.Client.CertPEM, certs.Client.KeyPEM))

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	v, err := c.Dispatcher().Call(ctx, "add", 20, 22)
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)
}

func TestPromiseCalls(t *testing.T) {
	f := startBackend(t)
	c := newTestClient(t, f)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	v, err := c.Dispatcher().Call(ctx, "add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)

	_, err = c.Dispatcher().Call(ctx, "fail")
	var re *rpc.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "boom", re.Message)
	assert.Equal(t, "EBOOM", re.Code)
}

func TestConcurrentCalls(t *testing.T) {
	f := startBackend(t)
	c := newTestClient(t, f)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	// calls from one client run concurrently and stay isolated per request id
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < 20; i++ {
		i := i
		group.Go(func() error {
			v, err := c.Dispatcher().Call(groupCtx, "add", i, i)
			if err != nil {
				return err
			}
			if v.(float64) != float64(2*i) {
				return fmt.Errorf("got %v, want %d", v, 2*i)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestObservableCall(t *testing.T) {
	f := startBackend(t)
	c := newTestClient(t, f)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	stream, err := c.Dispatcher().Subscribe("tail", "/var/log/syslog")
	require.NoError(t, err)
	for _, want := range []string{"a", "b", "c"} {
		v, err := stream.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	_, err = stream.Recv(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestRemoteObject(t *testing.T) {
	f := startBackend(t)
	c := newTestClient(t, f)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	p, err := c.Dispatcher().NewObject("Session", "work")
	require.NoError(t, err)

	v, err := p.Call(ctx, "describe")
	require.NoError(t, err)
	assert.Equal(t, "session work", v)

	require.NoError(t, p.Dispose(ctx))
	_, err = p.Call(ctx, "describe")
	require.ErrorIs(t, err, rpc.ErrObjectDisposed)
}

func TestNotifyQueuedUntilConnect(t *testing.T) {
	f := startBackend(t)
	c := newTestClient(t, f)

	// fire-and-forget before any socket exists: the frame must queue, not drop
	require.NoError(t, c.Dispatcher().Notify("ping"))

	require.NoError(t, c.Connect(context.Background()))
	select {
	case <-f.pinged:
	case <-time.After(5 * time.Second):
		t.Fatal("queued notify never reached the server")
	}
}

// raw WebSocket helpers for driving the reconnect contract directly

func rawJSON(parts ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(parts))
	for i, p := range parts {
		out[i] = json.RawMessage(p)
	}
	return out
}

func rawDial(t *testing.T, ctx context.Context, port int, clientID string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/rpc", port)
	var conn *websocket.Conn
	var err error
	for {
		conn, _, err = websocket.Dial(ctx, url, nil)
		if err == nil {
			break
		}
		// the backend's listener starts asynchronously in a goroutine; retry
		// until it comes up or the context expires
		select {
		case <-ctx.Done():
			require.NoError(t, err)
		case <-time.After(10 * time.Millisecond):
		}
	}
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(clientID)))
	return conn
}

func writeRawFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, m *rpc.Message) {
	t.Helper()
	m.Protocol = rpc.Protocol
	m.Channel = rpc.ChannelRPC
	b, err := rpc.EncodeFrame(m)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

func readRawFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) *rpc.Message {
	t.Helper()
	_, b, err := conn.Read(ctx)
	require.NoError(t, err)
	m, err := rpc.ParseFrame(b)
	require.NoError(t, err)
	return m
}

func readStreamEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, wantID uint64) *rpc.StreamEvent {
	t.Helper()
	m := readRawFrame(t, ctx, conn)
	require.Equal(t, wantID, m.RequestID)
	require.False(t, m.HadError)
	var ev rpc.StreamEvent
	require.NoError(t, json.Unmarshal(m.Result, &ev))
	return &ev
}

func TestReconnectPreservesSession(t *testing.T) {
	f := startBackend(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn1 := rawDial(t, ctx, f.port, "editor-1")

	// create an object and start a stream on the first socket
	writeRawFrame(t, ctx, conn1, &rpc.Message{RequestID: 1, Type: rpc.TypeNewObject, Interface: "Session", Args: rawJSON(`"work"`)})
	reply := readRawFrame(t, ctx, conn1)
	require.False(t, reply.HadError)
	var oid uint64
	require.NoError(t, json.Unmarshal(reply.Result, &oid))

	writeRawFrame(t, ctx, conn1, &rpc.Message{RequestID: 2, Type: rpc.TypeFunctionCall, Function: "drip"})
	ev := readStreamEvent(t, ctx, conn1, 2)
	require.Equal(t, rpc.StreamNext, ev.Type)

	// drop the socket, then let the stream produce into the detached session's
	// queue
	require.NoError(t, conn1.Close(websocket.StatusNormalClosure, ""))
	time.Sleep(100 * time.Millisecond)
	close(f.release)
	time.Sleep(100 * time.Millisecond)

	// reconnect under the same identifier: queued frames flush in order, and
	// the object registry is intact
	conn2 := rawDial(t, ctx, f.port, "editor-1")
	defer conn2.Close(websocket.StatusNormalClosure, "")

	ev = readStreamEvent(t, ctx, conn2, 2)
	assert.JSONEq(t, `"two"`, string(ev.Data))
	ev = readStreamEvent(t, ctx, conn2, 2)
	assert.JSONEq(t, `"three"`, string(ev.Data))
	ev = readStreamEvent(t, ctx, conn2, 2)
	assert.Equal(t, rpc.StreamCompleted, ev.Type)

	writeRawFrame(t, ctx, conn2, &rpc.Message{RequestID: 3, Type: rpc.TypeMethodCall, Method: "describe", ObjectID: oid})
	m := readRawFrame(t, ctx, conn2)
	require.False(t, m.HadError)
	assert.JSONEq(t, `"session work"`, string(m.Result))
}

func TestSupersededSocketIsClosed(t *testing.T) {
	f := startBackend(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn1 := rawDial(t, ctx, f.port, "editor-2")

	// a round trip proves the first socket is attached before the second dials
	writeRawFrame(t, ctx, conn1, &rpc.Message{RequestID: 10, Type: rpc.TypeFunctionCall, Function: "add", Args: rawJSON(`1`, `1`)})
	readRawFrame(t, ctx, conn1)

	conn2 := rawDial(t, ctx, f.port, "editor-2")
	defer conn2.Close(websocket.StatusNormalClosure, "")

	// the first socket is closed by the server once the second attaches
	readCtx, readCancel := context.WithTimeout(ctx, 10*time.Second)
	defer readCancel()
	_, _, err := conn1.Read(readCtx)
	require.Error(t, err)

	// the session keeps working through the new socket
	writeRawFrame(t, ctx, conn2, &rpc.Message{RequestID: 1, Type: rpc.TypeFunctionCall, Function: "add", Args: rawJSON(`2`, `3`)})
	m := readRawFrame(t, ctx, conn2)
	require.False(t, m.HadError)
	assert.JSONEq(t, `5`, string(m.Result))
}
