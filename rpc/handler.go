package rpc

import (
	"context"
	"fmt"
	"runtime/debug"
)

// CallHandler implements a void or promise function or method. For void calls
// the return value is ignored and no reply is sent.
type CallHandler func(ctx context.Context, args []any) (any, error)

// Emit pushes one value into an observable's stream. It fails with ErrClosed
// once the subscription has terminated or been disposed, and with
// ErrBackpressure if the outbound queue is full; the producer should stop on
// any error.
type Emit func(v any) error

// StreamHandler implements an observable function or method. Returning nil
// completes the stream; returning an error fails it. ctx is canceled when the
// client unsubscribes or the session is torn down.
type StreamHandler func(ctx context.Context, args []any, emit Emit) error

// Constructor builds a service object for a NewObject request.
type Constructor func(ctx context.Context, args []any) (Object, error)

// Object is a server-side object addressable by clients. Which of Call or
// Stream serves a given method is dictated by the schema's return shape.
type Object interface {
	Call(ctx context.Context, method string, args []any) (any, error)
	Stream(ctx context.Context, method string, args []any, emit Emit) error
	Dispose() error
}

// MethodMap is a map-backed Object for services that don't need a custom type.
type MethodMap struct {
	Calls     map[string]CallHandler
	Streams   map[string]StreamHandler
	OnDispose func() error
}

func (m *MethodMap) Call(ctx context.Context, method string, args []any) (any, error) {
	h, ok := m.Calls[method]
	if !ok {
		return nil, &RemoteError{Message: fmt.Sprintf("no handler for method %q", method), Code: CodeUnknownMethod}
	}
	return h(ctx, args)
}

func (m *MethodMap) Stream(ctx context.Context, method string, args []any, emit Emit) error {
	h, ok := m.Streams[method]
	if !ok {
		return &RemoteError{Message: fmt.Sprintf("no handler for method %q", method), Code: CodeUnknownMethod}
	}
	return h(ctx, args, emit)
}

func (m *MethodMap) Dispose() error {
	if m.OnDispose == nil {
		return nil
	}
	return m.OnDispose()
}

// ObjectRef is a weak handle on a client-owned object, produced when an
// interface-typed argument arrives at the server. The session's object registry
// stays authoritative: Resolve fails once the client disposes the object, so
// handler-held references never pin it.
type ObjectRef struct {
	sess *session
	id   uint64
}

// ID is the wire identifier of the referenced object.
func (r *ObjectRef) ID() uint64 { return r.id }

// Resolve looks the object up in its owner's registry.
func (r *ObjectRef) Resolve() (Object, bool) {
	lo, ok := r.sess.object(r.id)
	if !ok {
		return nil, false
	}
	return lo.obj, true
}

func panicErr(r any) error {
	return &RemoteError{
		Message: fmt.Sprintf("handler panic: %v", r),
		Stack:   string(debug.Stack()),
	}
}

// safeCall invokes a handler, converting a panic into a remote error so that a
// misbehaving handler cannot take the process down.
func safeCall(ctx context.Context, h CallHandler, args []any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, panicErr(r)
		}
	}()
	return h(ctx, args)
}

func safeObjectCall(ctx context.Context, obj Object, method string, args []any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, panicErr(r)
		}
	}()
	return obj.Call(ctx, method, args)
}

func safeStream(ctx context.Context, h StreamHandler, args []any, emit Emit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicErr(r)
		}
	}()
	return h(ctx, args, emit)
}

func safeObjectStream(ctx context.Context, obj Object, method string, args []any, emit Emit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicErr(r)
		}
	}()
	return obj.Stream(ctx, method, args, emit)
}

func safeConstruct(ctx context.Context, c Constructor, args []any) (obj Object, err error) {
	defer func() {
		if r := recover(); r != nil {
			obj, err = nil, panicErr(r)
		}
	}()
	return c(ctx, args)
}

func safeDispose(obj Object) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicErr(r)
		}
	}()
	return obj.Dispose()
}
