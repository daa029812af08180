package server

import (
	"net"

	"github.com/sirupsen/logrus"
)

// ClientMap owns all live connections, keyed by their local handle. It is the
// only component that creates or destroys Clients; everything else holds
// handles. Lookups by derived attribute are linear scans, which is fine
// because connection counts are bounded by concurrent sessions, not by world
// population.
type ClientMap struct {
	clients    map[int]*Client
	nextHandle int
	logger     *logrus.Logger
}

// NewClientMap builds an empty registry. The Server creates its own; tests
// build them directly.
func NewClientMap(logger *logrus.Logger) *ClientMap {
	return &ClientMap{
		clients: make(map[int]*Client),
		logger:  logger,
	}
}

// Add registers a connection and returns its Client with a fresh handle.
func (m *ClientMap) Add(conn net.Conn) *Client {
	m.nextHandle++
	c := newClient(m.nextHandle, conn)
	m.clients[c.handle] = c
	return c
}

func (m *ClientMap) remove(handle int) {
	delete(m.clients, handle)
}

// Get returns the connection for a handle. Handles are only ever produced by
// the ClientMap itself, so a miss is a logic bug, not recoverable input.
func (m *ClientMap) Get(handle int) *Client {
	c, ok := m.clients[handle]
	if !ok {
		panic("ClientMap.Get(): no connection for handle")
	}
	return c
}

// Lookup is the stale-tolerant variant of Get, for callers holding a handle
// that may have outlived its connection.
func (m *ClientMap) Lookup(handle int) (*Client, error) {
	c, ok := m.clients[handle]
	if !ok {
		return nil, ErrStaleHandle
	}
	return c, nil
}

// Len returns the number of live connections.
func (m *ClientMap) Len() int {
	return len(m.clients)
}

// FindBySerialKey returns the game client holding a serial key, or nil.
func (m *ClientMap) FindBySerialKey(serialKey int64) *Client {
	for _, c := range m.clients {
		if c.Type == GameClient && c.SerialKey == serialKey {
			return c
		}
	}
	return nil
}

// FindByPlayerID returns the game client whose player is in the world under
// the given id, or nil.
func (m *ClientMap) FindByPlayerID(playerID int32) *Client {
	for _, c := range m.clients {
		if c.Type == GameClient && c.InWorld && c.PlayerID == playerID {
			return c
		}
	}
	return nil
}

// LoginServer returns the connected login server peer, or nil with a warning
// logged. A shard can outlive its login server connection; callers degrade
// rather than fail.
func (m *ClientMap) LoginServer() *Client {
	for _, c := range m.clients {
		if c.Type == LoginServerPeer {
			return c
		}
	}
	m.logger.Warn("no login server connected")
	return nil
}

// ShardByPeerID returns the registered shard peer with the given connection
// id, or nil.
func (m *ClientMap) ShardByPeerID(peerID int32) *Client {
	for _, c := range m.clients {
		if c.Type == ShardServerPeer && c.PeerID == peerID {
			return c
		}
	}
	return nil
}

// AnyShard returns a registered shard peer, or nil if none is connected.
func (m *ClientMap) AnyShard() *Client {
	for _, c := range m.clients {
		if c.Type == ShardServerPeer {
			return c
		}
	}
	return nil
}

// EachGameClient calls fn for every authenticated game client.
func (m *ClientMap) EachGameClient(fn func(c *Client)) {
	for _, c := range m.clients {
		if c.Type == GameClient {
			fn(c)
		}
	}
}

// Send writes one packet to a client. A write failure is logged and schedules
// the connection for teardown; it never propagates to the caller, so a bad
// peer cannot abort a broadcast to everyone else.
func (m *ClientMap) Send(c *Client, packetType uint32, payload interface{}) {
	if err := c.Send(packetType, payload); err != nil {
		m.logger.Warnf("send failed, disconnecting %s: %v", c.RemoteAddr(), err)
		c.Disconnect()
	}
}
