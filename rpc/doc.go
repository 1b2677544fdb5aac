/*
Package rpc implements the message-framed RPC transport between a hostd server and
its editor clients. It rides on a full-duplex message-oriented socket (WebSockets)
and supports three call shapes: fire-and-forget, request/response, and
server-streamed results.

The client side is a Dispatcher, which generates request ids, correlates replies,
enforces per-call timeouts, and materializes streams. The server side is a Server,
which dispatches inbound calls to registered handlers and tracks per-client live
objects and subscriptions. Per-client state survives socket reconnects as long as
the client reuses its identifier.
*/
package rpc
