package server

import "context"

// Backend is the role-specific half of a server (login or shard). The Server
// owns the sockets and the event loop; the Backend owns the semantics. Every
// Backend method runs on the event loop goroutine, so implementations hold
// world state without locks.
type Backend interface {
	// Name returns a uniquely identifying string.
	Name() string

	// Init is called once before the event loop starts. The Backend keeps the
	// Server reference it needs for the ClientMap and registers its timers here.
	Init(ctx context.Context, s *Server) error

	// OnConnect is called when a new connection has been registered, before
	// any of its packets are handled.
	OnConnect(c *Client)

	// Handle is the main entry point for processing packets. payload is the
	// decoded struct registered for packetType. A returned error rejects the
	// one request; it never aborts the loop.
	Handle(ctx context.Context, c *Client, packetType uint32, payload interface{}) error

	// OnDisconnect is called exactly once as a connection is torn down, after
	// it has stopped receiving packets but before it is removed from the
	// ClientMap.
	OnDisconnect(c *Client)

	// LiveCheck sends the role-appropriate heartbeat probe to a silent
	// connection.
	LiveCheck(c *Client)
}
