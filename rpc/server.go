package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Server is the callee-side surface of the transport. It receives requests,
// looks up the target, invokes the handler, streams or returns results, and
// tracks per-client live objects and subscriptions.
type Server struct {
	log      *zap.SugaredLogger
	schema   *Schema
	registry *TypeRegistry

	ctx      context.Context
	cancel   context.CancelFunc
	queueCap int
	retain   time.Duration

	functions    map[string]CallHandler
	streams      map[string]StreamHandler
	constructors map[string]Constructor

	nextObjectID uint64

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type ServerOption func(*Server)

// WithQueueCap overrides the per-session outbound queue cap.
func WithQueueCap(n int) ServerOption {
	return func(s *Server) {
		s.queueCap = n
	}
}

// WithSessionRetention overrides how long a detached session is kept before its
// objects and subscriptions are garbage-collected. Zero disables the sweep.
func WithSessionRetention(d time.Duration) ServerOption {
	return func(s *Server) {
		s.retain = d
	}
}

func NewServer(log *zap.SugaredLogger, schema *Schema, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:          log.Named("rpc_server"),
		schema:       schema,
		registry:     NewTypeRegistry(schema),
		ctx:          ctx,
		cancel:       cancel,
		queueCap:     DefaultQueueCap,
		retain:       DefaultSessionRetention,
		functions:    map[string]CallHandler{},
		streams:      map[string]StreamHandler{},
		constructors: map[string]Constructor{},
		sessions:     map[string]*session{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Registry exposes the server's type registry for additional registrations
// during startup.
func (s *Server) Registry() *TypeRegistry { return s.registry }

// HandleFunc installs the handler for a void or promise function.
func (s *Server) HandleFunc(name string, h CallHandler) error {
	def, ok := s.schema.Functions[name]
	if !ok {
		return fmt.Errorf("function %q is not in the schema", name)
	}
	if def.Return.Kind == ReturnObservable {
		return fmt.Errorf("function %q is observable; use HandleStream", name)
	}
	if _, dup := s.functions[name]; dup {
		return fmt.Errorf("function %q already has a handler", name)
	}
	s.functions[name] = h
	return nil
}

// HandleStream installs the handler for an observable function.
func (s *Server) HandleStream(name string, h StreamHandler) error {
	def, ok := s.schema.Functions[name]
	if !ok {
		return fmt.Errorf("function %q is not in the schema", name)
	}
	if def.Return.Kind != ReturnObservable {
		return fmt.Errorf("function %q is %s; use HandleFunc", name, def.Return.Kind)
	}
	if _, dup := s.streams[name]; dup {
		return fmt.Errorf("function %q already has a handler", name)
	}
	s.streams[name] = h
	return nil
}

// HandleInterface installs the constructor for an interface.
func (s *Server) HandleInterface(name string, c Constructor) error {
	if _, ok := s.schema.Interfaces[name]; !ok {
		return fmt.Errorf("interface %q is not in the schema", name)
	}
	if _, dup := s.constructors[name]; dup {
		return fmt.Errorf("interface %q already has a constructor", name)
	}
	s.constructors[name] = c
	return nil
}

// session returns the client's session, creating it if needed.
func (s *Server) session(clientID string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sess, ok := s.sessions[clientID]
	if !ok {
		sess = newSession(s.log, clientID, s.queueCap, s.retain, func() { s.expireSession(clientID) })
		s.sessions[clientID] = sess
	}
	return sess, nil
}

func (s *Server) expireSession(clientID string) {
	s.mu.Lock()
	sess, ok := s.sessions[clientID]
	s.mu.Unlock()
	if !ok {
		return
	}

	// the client may have raced the sweep and reattached
	sess.mu.Lock()
	attached := sess.link != nil || sess.closed
	sess.mu.Unlock()
	if attached {
		return
	}

	s.mu.Lock()
	delete(s.sessions, clientID)
	s.mu.Unlock()
	s.log.Infow("retention window elapsed, tearing down client session", "clientId", clientID)
	if err := sess.teardown(); err != nil {
		s.log.Warnw("session teardown", "clientId", clientID, "error", err)
	}
}

// CloseClient tears down the logical client: every live subscription is
// canceled and every live object disposed in LIFO of creation.
func (s *Server) CloseClient(clientID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[clientID]
	delete(s.sessions, clientID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.teardown()
}

// ServeConn attaches an accepted socket to the client's session and reads
// frames until the socket dies. Per-client state survives the socket: a client
// reconnecting with the same identifier finds its objects, subscriptions, and
// queued outbound frames intact.
func (s *Server) ServeConn(clientID string, conn *websocket.Conn) error {
	sess, err := s.session(clientID)
	if err != nil {
		return err
	}
	l := newLink(conn)
	if err := sess.attach(l); err != nil {
		return err
	}
	s.log.Debugw("socket attached", "clientId", clientID)

	defer sess.detach(l)
	for {
		typ, b, err := conn.Read(l.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			s.log.Warnw("ignoring non-text frame", "clientId", clientID)
			continue
		}
		m, err := ParseFrame(b)
		if err != nil {
			s.log.Warnw("ignoring bad frame", "clientId", clientID, "error", err)
			continue
		}
		s.dispatch(sess, m)
	}
}

func (s *Server) dispatch(sess *session, m *Message) {
	if m.Channel != ChannelRPC {
		s.log.Warnw("ignoring frame on unexpected channel", "channel", m.Channel, "requestId", m.RequestID)
		return
	}
	switch m.Type {
	case TypeFunctionCall:
		go s.handleFunction(sess, m)
	case TypeMethodCall:
		go s.handleMethod(sess, m)
	case TypeNewObject:
		go s.handleNewObject(sess, m)
	case TypeDisposeObject:
		go s.handleDisposeObject(sess, m)
	case TypeDisposeObservable:
		s.handleDisposeObservable(sess, m)
	default:
		s.log.Warnw("ignoring response frame on server side", "requestId", m.RequestID)
	}
}

func (s *Server) reply(sess *session, req *Message, result json.RawMessage) {
	err := sess.send(&Message{
		Protocol:  Protocol,
		Channel:   req.Channel,
		RequestID: req.RequestID,
		Result:    result,
	})
	if err != nil {
		s.log.Warnw("sending reply", "requestId", req.RequestID, "error", err)
	}
}

func (s *Server) replyError(sess *session, req *Message, callErr error) {
	err := sess.send(&Message{
		Protocol:  Protocol,
		Channel:   req.Channel,
		RequestID: req.RequestID,
		HadError:  true,
		Error:     encodeError(callErr),
	})
	if err != nil {
		s.log.Warnw("sending error reply", "requestId", req.RequestID, "error", err)
	}
}

// decodeArgs unmarshals a request's arguments per the declared parameter types.
// Interface-typed parameters decode to ObjectRefs against the caller's session.
func (s *Server) decodeArgs(sess *session, declared []string, raw []json.RawMessage) ([]any, error) {
	if len(raw) != len(declared) {
		return nil, fmt.Errorf("expected %d args, got %d", len(declared), len(raw))
	}
	out := make([]any, len(raw))
	for i, b := range raw {
		name := s.schema.ResolveAlias(declared[i])
		if _, ok := s.schema.Interfaces[name]; ok {
			var id uint64
			if err := json.Unmarshal(b, &id); err != nil {
				return nil, fmt.Errorf("arg %d: decoding object id: %w", i, err)
			}
			out[i] = &ObjectRef{sess: sess, id: id}
			continue
		}
		v, err := s.registry.unmarshalValue(name, b)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// encodeResult marshals a handler's result per the declared element type. An
// interface-typed result registers the object under the caller's session and
// travels as its id.
func (s *Server) encodeResult(sess *session, elem string, v any) (json.RawMessage, error) {
	name := s.schema.ResolveAlias(elem)
	if def, ok := s.schema.Interfaces[name]; ok {
		switch o := v.(type) {
		case *ObjectRef:
			return json.Marshal(o.id)
		case Object:
			id, err := s.registerObject(sess, def, o)
			if err != nil {
				return nil, err
			}
			return json.Marshal(id)
		default:
			return nil, fmt.Errorf("result for interface %q is %T, not an Object", name, v)
		}
	}
	return s.registry.marshalValue(name, v)
}

func (s *Server) registerObject(sess *session, def *InterfaceDef, obj Object) (uint64, error) {
	id := atomic.AddUint64(&s.nextObjectID, 1)
	if err := sess.addObject(&liveObject{id: id, def: def, obj: obj}); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Server) handleFunction(sess *session, m *Message) {
	def, ok := s.schema.Functions[m.Function]
	if !ok {
		s.replyError(sess, m, &RemoteError{Message: fmt.Sprintf("unknown function %q", m.Function), Code: CodeUnknownService})
		return
	}
	args, err := s.decodeArgs(sess, def.Args, m.Args)
	if err != nil {
		s.replyError(sess, m, &RemoteError{Message: err.Error()})
		return
	}

	switch def.Return.Kind {
	case ReturnVoid:
		h, ok := s.functions[m.Function]
		if !ok {
			s.log.Warnw("no handler for void function", "function", m.Function)
			return
		}
		if _, err := safeCall(s.ctx, h, args); err != nil {
			s.log.Warnw("void function handler failed", "function", m.Function, "error", err)
		}
	case ReturnPromise:
		h, ok := s.functions[m.Function]
		if !ok {
			s.replyError(sess, m, &RemoteError{Message: fmt.Sprintf("no handler for function %q", m.Function), Code: CodeUnknownService})
			return
		}
		s.completeCall(sess, m, def.Return.Elem, func(ctx context.Context) (any, error) {
			return safeCall(ctx, h, args)
		})
	case ReturnObservable:
		h, ok := s.streams[m.Function]
		if !ok {
			s.replyError(sess, m, &RemoteError{Message: fmt.Sprintf("no handler for function %q", m.Function), Code: CodeUnknownService})
			return
		}
		s.runStream(sess, m, def.Return.Elem, func(ctx context.Context, emit Emit) error {
			return safeStream(ctx, h, args, emit)
		})
	}
}

func (s *Server) handleMethod(sess *session, m *Message) {
	lo, ok := sess.object(m.ObjectID)
	if !ok {
		s.replyError(sess, m, &RemoteError{Message: fmt.Sprintf("object %d disposed or never created", m.ObjectID), Code: CodeObjectDisposed})
		return
	}
	sig, ok := lo.def.Methods[m.Method]
	if !ok {
		s.replyError(sess, m, &RemoteError{Message: fmt.Sprintf("interface %q has no method %q", lo.def.Name, m.Method), Code: CodeUnknownMethod})
		return
	}
	args, err := s.decodeArgs(sess, sig.Args, m.Args)
	if err != nil {
		s.replyError(sess, m, &RemoteError{Message: err.Error()})
		return
	}

	switch sig.Return.Kind {
	case ReturnVoid:
		if _, err := safeObjectCall(s.ctx, lo.obj, m.Method, args); err != nil {
			s.log.Warnw("void method handler failed", "interface", lo.def.Name, "method", m.Method, "error", err)
		}
	case ReturnPromise:
		s.completeCall(sess, m, sig.Return.Elem, func(ctx context.Context) (any, error) {
			return safeObjectCall(ctx, lo.obj, m.Method, args)
		})
	case ReturnObservable:
		s.runStream(sess, m, sig.Return.Elem, func(ctx context.Context, emit Emit) error {
			return safeObjectStream(ctx, lo.obj, m.Method, args, emit)
		})
	}
}

func (s *Server) handleNewObject(sess *session, m *Message) {
	def, ok := s.schema.Interfaces[m.Interface]
	if !ok {
		s.replyError(sess, m, &RemoteError{Message: fmt.Sprintf("unknown interface %q", m.Interface), Code: CodeUnknownService})
		return
	}
	ctor, ok := s.constructors[m.Interface]
	if !ok {
		s.replyError(sess, m, &RemoteError{Message: fmt.Sprintf("no constructor for interface %q", m.Interface), Code: CodeUnknownService})
		return
	}
	args, err := s.decodeArgs(sess, def.Constructor, m.Args)
	if err != nil {
		s.replyError(sess, m, &RemoteError{Message: err.Error()})
		return
	}
	obj, err := safeConstruct(s.ctx, ctor, args)
	if err != nil {
		s.replyError(sess, m, err)
		return
	}
	id, err := s.registerObject(sess, def, obj)
	if err != nil {
		_ = safeDispose(obj)
		s.replyError(sess, m, err)
		return
	}
	raw, _ := json.Marshal(id)
	s.reply(sess, m, raw)
}

// handleDisposeObject removes the object and invokes its disposer. Dispose is
// idempotent: an id already gone still gets an ack.
func (s *Server) handleDisposeObject(sess *session, m *Message) {
	lo := sess.removeObject(m.ObjectID)
	if lo == nil {
		s.reply(sess, m, nil)
		return
	}
	if err := safeDispose(lo.obj); err != nil {
		s.replyError(sess, m, err)
		return
	}
	s.reply(sess, m, nil)
}

// handleDisposeObservable cancels the subscription registered under the frame's
// request id. No reply is sent, and no terminal frame follows.
func (s *Server) handleDisposeObservable(sess *session, m *Message) {
	sub := sess.takeSub(m.RequestID)
	if sub == nil {
		s.log.Debugw("dispose for unknown subscription", "requestId", m.RequestID)
		return
	}
	sub.dispose()
}

// completeCall runs a promise-shaped handler and sends exactly one terminal
// reply bearing the request's id.
func (s *Server) completeCall(sess *session, m *Message, elem string, run func(ctx context.Context) (any, error)) {
	v, err := run(s.ctx)
	if err != nil {
		s.replyError(sess, m, err)
		return
	}
	raw, err := s.encodeResult(sess, elem, v)
	if err != nil {
		s.replyError(sess, m, err)
		return
	}
	s.reply(sess, m, raw)
}

// runStream runs an observable-shaped handler: zero or more next frames
// followed by at most one terminal frame, and nothing after the terminal. A
// client dispose suppresses the terminal frame entirely.
func (s *Server) runStream(sess *session, m *Message, elem string, run func(ctx context.Context, emit Emit) error) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	sub := &subscription{cancel: cancel}
	if err := sess.addSub(m.RequestID, sub); err != nil {
		s.replyError(sess, m, err)
		return
	}

	emit := func(v any) error {
		if !sub.emittable() {
			return ErrClosed
		}
		raw, err := s.encodeResult(sess, elem, v)
		if err != nil {
			return err
		}
		ev, err := json.Marshal(&StreamEvent{Type: StreamNext, Data: raw})
		if err != nil {
			return err
		}
		return sess.send(&Message{
			Protocol:  Protocol,
			Channel:   m.Channel,
			RequestID: m.RequestID,
			Result:    ev,
		})
	}

	err := run(ctx, emit)
	sess.removeSub(m.RequestID)
	if !sub.beginTerminal() {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.replyError(sess, m, err)
		return
	}
	ev, _ := json.Marshal(&StreamEvent{Type: StreamCompleted})
	s.reply(sess, m, ev)
}

// Close tears down every client session and stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := s.sessions
	s.sessions = map[string]*session{}
	s.mu.Unlock()

	var err error
	for _, sess := range sessions {
		err = multierr.Append(err, sess.teardown())
	}
	s.cancel()
	return err
}
