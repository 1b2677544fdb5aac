package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCallTimeout bounds how long a promise call waits for its reply.
const DefaultCallTimeout = 30 * time.Second

// FrameSender transmits one frame toward the peer. Send must not block on the
// network: a sender with no live socket queues the frame.
type FrameSender interface {
	SendFrame(m *Message) error
}

// Dispatcher is the caller-side surface of the transport. It generates request
// ids, sends requests, correlates replies, enforces per-call timeouts,
// materializes streams, and issues dispose messages.
type Dispatcher struct {
	log      *zap.SugaredLogger
	schema   *Schema
	registry *TypeRegistry
	sender   FrameSender
	timeout  time.Duration

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	proxies map[uint64]*Proxy
	closed  bool
}

type pendingKind int

const (
	kindPromise pendingKind = iota
	kindObservable
	kindNewObject
	kindDispose
)

type pendingCall struct {
	kind    pendingKind
	elem    string
	done    chan callResult
	stream  *Stream
	proxy   *Proxy
	timer   *time.Timer
	started bool
}

func (pc *pendingCall) stopTimer() {
	if pc.timer != nil {
		pc.timer.Stop()
	}
}

type callResult struct {
	value any
	err   error
}

type DispatcherOption func(*Dispatcher)

// WithCallTimeout overrides the per-call timeout for promise calls and for the
// window before an observable's first frame.
func WithCallTimeout(d time.Duration) DispatcherOption {
	return func(c *Dispatcher) {
		c.timeout = d
	}
}

// NewDispatcher builds a client dispatcher speaking through the given sender.
// Interface types from the schema are registered so that proxies round-trip
// through call arguments and results.
func NewDispatcher(log *zap.SugaredLogger, schema *Schema, sender FrameSender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		log:     log.Named("rpc_client"),
		schema:  schema,
		sender:  sender,
		timeout: DefaultCallTimeout,
		pending: map[uint64]*pendingCall{},
		proxies: map[uint64]*Proxy{},
	}
	for _, o := range opts {
		o(d)
	}
	d.registry = NewTypeRegistry(schema)
	for _, def := range schema.Interfaces {
		d.registerInterfaceCodec(def)
	}
	return d
}

// Registry exposes the dispatcher's type registry for additional registrations
// during startup.
func (d *Dispatcher) Registry() *TypeRegistry { return d.registry }

// registerInterfaceCodec installs the codec that puts proxies on the wire as
// object ids and reconstructs them (cached per id) on the way back.
func (d *Dispatcher) registerInterfaceCodec(def *InterfaceDef) {
	// names are unique within the schema maps, so registration cannot collide
	_ = d.registry.Register(def.Name, TypeCodec{
		Marshal: func(v any) (json.RawMessage, error) {
			p, ok := v.(*Proxy)
			if !ok {
				return nil, fmt.Errorf("expected *Proxy for interface %q, got %T", def.Name, v)
			}
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			id, err := p.await(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(id)
		},
		Unmarshal: func(raw json.RawMessage) (any, error) {
			var id uint64
			if err := json.Unmarshal(raw, &id); err != nil {
				return nil, fmt.Errorf("decoding object id: %w", err)
			}
			return d.proxyFor(def, id), nil
		},
	})
}

// proxyFor returns the cached proxy for an id arriving from the wire, or binds
// a fresh one.
func (d *Dispatcher) proxyFor(def *InterfaceDef, id uint64) *Proxy {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.proxies[id]; ok {
		return p
	}
	p := resolvedProxy(d, def, id)
	d.proxies[id] = p
	return p
}

func (d *Dispatcher) allocID() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	d.nextID++
	return d.nextID, nil
}

func (d *Dispatcher) send(m *Message) error {
	m.Protocol = Protocol
	m.Channel = ChannelRPC
	return d.sender.SendFrame(m)
}

func (d *Dispatcher) functionDef(name string, kind ReturnKind) (*FunctionDef, error) {
	def, ok := d.schema.Functions[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	if def.Return.Kind != kind {
		return nil, fmt.Errorf("function %q is %s, not %s", name, def.Return.Kind, kind)
	}
	return def, nil
}

// Notify sends a fire-and-forget function call. Nothing is registered in the
// RPC table and no result is awaited; with no live socket the frame is queued.
func (d *Dispatcher) Notify(name string, args ...any) error {
	def, err := d.functionDef(name, ReturnVoid)
	if err != nil {
		return err
	}
	return d.notify(&Message{Type: TypeFunctionCall, Function: name}, def.Signature, args)
}

func (d *Dispatcher) notify(m *Message, sig Signature, args []any) error {
	raw, err := d.registry.marshalArgs(sig.Args, args)
	if err != nil {
		return err
	}
	id, err := d.allocID()
	if err != nil {
		return err
	}
	m.RequestID = id
	m.Args = raw
	return d.send(m)
}

// Call sends a request/response function call and waits for the reply, the
// per-call timeout, or ctx.
func (d *Dispatcher) Call(ctx context.Context, name string, args ...any) (any, error) {
	def, err := d.functionDef(name, ReturnPromise)
	if err != nil {
		return nil, err
	}
	return d.call(ctx, &Message{Type: TypeFunctionCall, Function: name}, def.Signature, args)
}

// Subscribe starts a server-streamed function call and returns its stream.
func (d *Dispatcher) Subscribe(name string, args ...any) (*Stream, error) {
	def, err := d.functionDef(name, ReturnObservable)
	if err != nil {
		return nil, err
	}
	return d.subscribe(&Message{Type: TypeFunctionCall, Function: name}, def.Signature, args)
}

// NewObject asks the server to construct an instance of the named interface.
// The proxy is usable immediately; its identifier resolves when the server
// replies, and calls made before that wait for it.
func (d *Dispatcher) NewObject(iface string, args ...any) (*Proxy, error) {
	def, ok := d.schema.Interfaces[iface]
	if !ok {
		return nil, fmt.Errorf("unknown interface %q", iface)
	}
	raw, err := d.registry.marshalArgs(def.Constructor, args)
	if err != nil {
		return nil, err
	}
	id, err := d.allocID()
	if err != nil {
		return nil, err
	}

	p := newProxy(d, def)
	pc := &pendingCall{kind: kindNewObject, proxy: p, done: make(chan callResult, 1)}
	d.register(id, pc)

	m := &Message{Type: TypeNewObject, Interface: iface, RequestID: id, Args: raw}
	if err := d.send(m); err != nil {
		d.remove(id)
		p.resolve(0, err)
		return nil, err
	}
	return p, nil
}

// DisposeObject releases the remote object with the given id and waits for the
// acknowledgement.
func (d *Dispatcher) DisposeObject(ctx context.Context, objectID uint64) error {
	id, err := d.allocID()
	if err != nil {
		return err
	}
	pc := &pendingCall{kind: kindDispose, done: make(chan callResult, 1)}
	d.register(id, pc)

	d.mu.Lock()
	delete(d.proxies, objectID)
	d.mu.Unlock()

	m := &Message{Type: TypeDisposeObject, ObjectID: objectID, RequestID: id}
	if err := d.send(m); err != nil {
		d.remove(id)
		return err
	}
	select {
	case <-ctx.Done():
		d.remove(id)
		return ctx.Err()
	case res := <-pc.done:
		return res.err
	}
}

func (d *Dispatcher) call(ctx context.Context, m *Message, sig Signature, args []any) (any, error) {
	raw, err := d.registry.marshalArgs(sig.Args, args)
	if err != nil {
		return nil, err
	}
	id, err := d.allocID()
	if err != nil {
		return nil, err
	}
	pc := &pendingCall{kind: kindPromise, elem: sig.Return.Elem, done: make(chan callResult, 1)}
	d.register(id, pc)

	m.RequestID = id
	m.Args = raw
	if err := d.send(m); err != nil {
		d.remove(id)
		return nil, err
	}
	select {
	case <-ctx.Done():
		d.remove(id)
		return nil, ctx.Err()
	case res := <-pc.done:
		return res.value, res.err
	}
}

func (d *Dispatcher) subscribe(m *Message, sig Signature, args []any) (*Stream, error) {
	raw, err := d.registry.marshalArgs(sig.Args, args)
	if err != nil {
		return nil, err
	}
	id, err := d.allocID()
	if err != nil {
		return nil, err
	}
	s := newStream(d, id)
	pc := &pendingCall{kind: kindObservable, elem: sig.Return.Elem, stream: s}
	d.register(id, pc)

	m.RequestID = id
	m.Args = raw
	if err := d.send(m); err != nil {
		d.remove(id)
		return nil, err
	}
	return s, nil
}

// register installs a pending entry and arms its timeout timer.
func (d *Dispatcher) register(id uint64, pc *pendingCall) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.fail(pc, ErrClosed)
		return
	}
	d.pending[id] = pc
	d.mu.Unlock()
	pc.timer = time.AfterFunc(d.timeout, func() { d.expire(id) })
}

// remove drops a pending entry; late replies for it are then dropped with a
// warning.
func (d *Dispatcher) remove(id uint64) *pendingCall {
	d.mu.Lock()
	pc, ok := d.pending[id]
	delete(d.pending, id)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	pc.stopTimer()
	return pc
}

func (d *Dispatcher) expire(id uint64) {
	pc := d.remove(id)
	if pc == nil {
		return
	}
	d.log.Warnw("rpc call timed out", "requestId", id)
	d.fail(pc, ErrTimeout)
}

func (d *Dispatcher) fail(pc *pendingCall, err error) {
	switch pc.kind {
	case kindObservable:
		pc.stream.fail(err)
	case kindNewObject:
		pc.proxy.resolve(0, err)
		pc.done <- callResult{err: err}
	default:
		pc.done <- callResult{err: err}
	}
}

// unsubscribe is the Stream.Unsubscribe backend: remove the table entry, tell
// the server, and complete the stream locally. The dispose frame carries the
// original request id.
func (d *Dispatcher) unsubscribe(s *Stream) {
	pc := d.remove(s.id)
	s.complete()
	if pc == nil {
		return
	}
	err := d.send(&Message{Type: TypeDisposeObservable, RequestID: s.id})
	if err != nil {
		d.log.Warnw("sending observable dispose", "requestId", s.id, "error", err)
	}
}

// HandleFrame feeds one parsed inbound frame into the RPC table. It is called
// from the socket's read loop.
func (d *Dispatcher) HandleFrame(m *Message) {
	if m.IsRequest() {
		d.log.Warnw("dropping request frame on client side", "type", m.Type, "requestId", m.RequestID)
		return
	}

	d.mu.Lock()
	pc, ok := d.pending[m.RequestID]
	if !ok {
		d.mu.Unlock()
		d.log.Warnw("dropping frame for unknown request", "requestId", m.RequestID)
		return
	}

	if pc.kind == kindObservable && !m.HadError {
		var ev StreamEvent
		if err := json.Unmarshal(m.Result, &ev); err != nil {
			delete(d.pending, m.RequestID)
			d.mu.Unlock()
			pc.stopTimer()
			pc.stream.fail(fmt.Errorf("%w: stream event: %s", ErrMalformedFrame, err))
			return
		}
		switch ev.Type {
		case StreamNext:
			if !pc.started {
				pc.started = true
				pc.stopTimer()
			}
			d.mu.Unlock()
			v, err := d.registry.unmarshalValue(pc.elem, ev.Data)
			if err != nil {
				d.remove(m.RequestID)
				pc.stream.fail(err)
				return
			}
			pc.stream.push(v)
		case StreamCompleted:
			delete(d.pending, m.RequestID)
			d.mu.Unlock()
			pc.stopTimer()
			pc.stream.complete()
		default:
			d.mu.Unlock()
			d.log.Warnw("dropping unrecognized stream event", "requestId", m.RequestID, "event", ev.Type)
		}
		return
	}

	// single-reply entries and stream errors are terminal
	delete(d.pending, m.RequestID)
	d.mu.Unlock()
	pc.stopTimer()

	if m.HadError {
		d.fail(pc, decodeError(m.Error))
		return
	}

	switch pc.kind {
	case kindObservable:
		// non-error frames were handled above
	case kindDispose:
		pc.done <- callResult{}
	case kindNewObject:
		var oid uint64
		if err := json.Unmarshal(m.Result, &oid); err != nil {
			err = fmt.Errorf("decoding object id: %w", err)
			pc.proxy.resolve(0, err)
			pc.done <- callResult{err: err}
			return
		}
		d.mu.Lock()
		d.proxies[oid] = pc.proxy
		d.mu.Unlock()
		pc.proxy.resolve(oid, nil)
		pc.done <- callResult{value: pc.proxy}
	default:
		v, err := d.registry.unmarshalValue(pc.elem, m.Result)
		pc.done <- callResult{value: v, err: err}
	}
}

// Close shuts the dispatcher down: every pending promise is rejected with
// ErrClosed and every live stream fails with ErrClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.pending
	d.pending = map[uint64]*pendingCall{}
	d.mu.Unlock()

	for _, pc := range pending {
		pc.stopTimer()
		d.fail(pc, ErrClosed)
	}
}
