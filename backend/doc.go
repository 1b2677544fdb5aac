/*
Package backend runs the hostd server process and the editor-side client that
talks to it.

The server listens on one TCP port and serves both plain HTTP endpoints
(heartbeat, version) and the WebSocket upgrade carrying the RPC transport from
package rpc. TLS is optional: when CA, certificate, and key material are all
supplied, the listener requires and verifies client certificates.

The client dials the server, performs the identifier handshake, and keeps the
connection alive across transient drops: frames sent while disconnected queue
locally and flush after the next successful dial, and server-side state keyed
by the client identifier survives the reconnect.
*/
package backend
