package server

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/hfrick/nexus/internal/protocol"
)

// ClientType classifies a connection. Transitions are one-directional: a
// connection starts Unknown and is promoted exactly once during its handshake;
// the only way back is disconnect-and-reconnect.
type ClientType int

const (
	// Unknown is every connection before its first handshake packet.
	Unknown ClientType = iota
	// GameClient is an authenticated player connection.
	GameClient
	// LoginServerPeer is the login server, as seen from a shard.
	LoginServerPeer
	// ShardServerPeer is a registered shard server, as seen from the login server.
	ShardServerPeer
)

func (t ClientType) String() string {
	switch t {
	case Unknown:
		return "unknown"
	case GameClient:
		return "game client"
	case LoginServerPeer:
		return "login server peer"
	case ShardServerPeer:
		return "shard server peer"
	default:
		return "invalid"
	}
}

// EncryptionMode selects which key the server uses for outbound frames.
// Inbound frames are always decrypted with the E key.
type EncryptionMode int

const (
	EncryptEKey EncryptionMode = iota
	EncryptFEKey
)

// Client represents one live TCP peer: the socket, its negotiated key
// material, and its classification. Owned exclusively by the ClientMap and
// only ever touched from the server event loop.
type Client struct {
	handle int
	conn   net.Conn

	EKey    [protocol.KeySize]byte
	FEKey   [protocol.KeySize]byte
	EncMode EncryptionMode
	Type    ClientType

	// Populated as the handshake progresses; which fields are meaningful
	// depends on Type.
	AccountID int64
	Username  string
	SerialKey int64
	PlayerID  int32
	InWorld   bool
	PeerID    int32

	lastHeartbeat time.Time
	liveCheckAt   time.Time
	liveCheckPend bool

	shouldDisconnect bool
}

func newClient(handle int, conn net.Conn) *Client {
	return &Client{
		handle:        handle,
		conn:          conn,
		EKey:          protocol.DefaultKey,
		FEKey:         protocol.DefaultKey,
		EncMode:       EncryptEKey,
		Type:          Unknown,
		lastHeartbeat: time.Now(),
	}
}

// Handle returns the process-unique identifier for this connection, stable
// for the connection's lifetime. Handles are never reused within a process.
func (c *Client) Handle() int {
	return c.handle
}

func (c *Client) RemoteAddr() string {
	if c.conn == nil {
		return "?"
	}
	return c.conn.RemoteAddr().String()
}

// Disconnect schedules the connection for teardown on the next loop pass.
// Teardown is never synchronous so the client set is not mutated mid-dispatch.
func (c *Client) Disconnect() {
	c.shouldDisconnect = true
}

// MayReceive reports whether a packet type is acceptable from this connection
// given its current classification. Anything else is a protocol violation.
func (c *Client) MayReceive(packetType uint32) bool {
	switch c.Type {
	case Unknown:
		switch packetType {
		case protocol.LoginRequestType, protocol.EnterShardRequestType, protocol.PeerConnectRequestType:
			return true
		}
		return false
	case GameClient:
		d := protocol.Direction(packetType)
		return d == protocol.MaskClientToLogin || d == protocol.MaskClientToShard
	case LoginServerPeer:
		return protocol.Direction(packetType) == protocol.MaskLoginToShard
	case ShardServerPeer:
		return protocol.Direction(packetType) == protocol.MaskShardToLogin
	default:
		return false
	}
}

// Send frames, encrypts, and writes one packet. The length prefix travels in
// the clear; the body is encrypted with the key selected by EncMode.
func (c *Client) Send(packetType uint32, payload interface{}) error {
	body := protocol.ComposeBody(packetType, payload)
	if len(body) > protocol.MaxPacketSize {
		return fmt.Errorf("sending %s: body of %d bytes exceeds the packet limit",
			protocol.PacketName(packetType), len(body))
	}

	switch c.EncMode {
	case EncryptFEKey:
		protocol.EncryptPacket(body, c.FEKey)
	default:
		protocol.EncryptPacket(body, c.EKey)
	}

	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("writing %s to %s: %w", protocol.PacketName(packetType), c.RemoteAddr(), err)
	}
	return nil
}

// touch records inbound activity and clears any outstanding live check.
func (c *Client) touch() {
	c.lastHeartbeat = time.Now()
	c.liveCheckPend = false
}

func (c *Client) close() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
