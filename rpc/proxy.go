package rpc

import (
	"context"
	"fmt"
	"sync"
)

// Proxy is a caller-side handle on a server-side object. Its identifier resolves
// asynchronously, since construction is itself an RPC; calls made before the
// identifier is known wait for it, preserving call order for a single caller.
type Proxy struct {
	d   *Dispatcher
	def *InterfaceDef

	ready chan struct{}
	id    uint64
	err   error

	mu       sync.Mutex
	disposed bool
}

func newProxy(d *Dispatcher, def *InterfaceDef) *Proxy {
	return &Proxy{
		d:     d,
		def:   def,
		ready: make(chan struct{}),
	}
}

// resolvedProxy wraps an object id arriving from the wire, e.g. in another
// call's result.
func resolvedProxy(d *Dispatcher, def *InterfaceDef, id uint64) *Proxy {
	p := newProxy(d, def)
	p.resolve(id, nil)
	return p
}

func (p *Proxy) resolve(id uint64, err error) {
	p.id = id
	p.err = err
	close(p.ready)
}

// Interface is the schema name of the remote object's interface.
func (p *Proxy) Interface() string { return p.def.Name }

// ObjectID waits for and returns the remote object's identifier.
func (p *Proxy) ObjectID(ctx context.Context) (uint64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.ready:
		return p.id, p.err
	}
}

func (p *Proxy) signature(method string) (Signature, error) {
	sig, ok := p.def.Methods[method]
	if !ok {
		return Signature{}, fmt.Errorf("interface %q has no method %q", p.def.Name, method)
	}
	return sig, nil
}

func (p *Proxy) await(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	disposed := p.disposed
	p.mu.Unlock()
	if disposed {
		return 0, ErrObjectDisposed
	}
	return p.ObjectID(ctx)
}

// Notify sends a fire-and-forget method call.
func (p *Proxy) Notify(ctx context.Context, method string, args ...any) error {
	sig, err := p.signature(method)
	if err != nil {
		return err
	}
	if sig.Return.Kind != ReturnVoid {
		return fmt.Errorf("method %q.%q is %s, not void", p.def.Name, method, sig.Return.Kind)
	}
	id, err := p.await(ctx)
	if err != nil {
		return err
	}
	return p.d.notify(&Message{Type: TypeMethodCall, Method: method, ObjectID: id}, sig, args)
}

// Call sends a request/response method call and waits for the reply.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	sig, err := p.signature(method)
	if err != nil {
		return nil, err
	}
	if sig.Return.Kind != ReturnPromise {
		return nil, fmt.Errorf("method %q.%q is %s, not promise", p.def.Name, method, sig.Return.Kind)
	}
	id, err := p.await(ctx)
	if err != nil {
		return nil, err
	}
	return p.d.call(ctx, &Message{Type: TypeMethodCall, Method: method, ObjectID: id}, sig, args)
}

// Subscribe starts a server-streamed method call.
func (p *Proxy) Subscribe(ctx context.Context, method string, args ...any) (*Stream, error) {
	sig, err := p.signature(method)
	if err != nil {
		return nil, err
	}
	if sig.Return.Kind != ReturnObservable {
		return nil, fmt.Errorf("method %q.%q is %s, not observable", p.def.Name, method, sig.Return.Kind)
	}
	id, err := p.await(ctx)
	if err != nil {
		return nil, err
	}
	return p.d.subscribe(&Message{Type: TypeMethodCall, Method: method, ObjectID: id}, sig, args)
}

// Dispose releases the remote object. Further calls through the proxy fail with
// ErrObjectDisposed. Disposing twice is harmless.
func (p *Proxy) Dispose(ctx context.Context) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	p.mu.Unlock()

	id, err := p.ObjectID(ctx)
	if err != nil {
		return err
	}
	return p.d.DisposeObject(ctx, id)
}
