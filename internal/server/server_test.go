package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfrick/nexus/internal/core"
	"github.com/hfrick/nexus/internal/protocol"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *core.Config {
	cfg := &core.Config{}
	cfg.PollInterval = 50
	cfg.LiveCheckTime = 60
	cfg.MaxConnections = 10
	return cfg
}

// stubBackend records the calls the event loop makes into its backend.
type stubBackend struct {
	handled      []uint32
	panicOn      uint32
	disconnected []int
	probed       []int
}

func (b *stubBackend) Name() string                        { return "STUB" }
func (b *stubBackend) Init(context.Context, *Server) error { return nil }
func (b *stubBackend) OnConnect(*Client)                   {}

func (b *stubBackend) Handle(_ context.Context, _ *Client, packetType uint32, _ interface{}) error {
	if b.panicOn != 0 && packetType == b.panicOn {
		panic("handler blew up")
	}
	b.handled = append(b.handled, packetType)
	return nil
}

func (b *stubBackend) OnDisconnect(c *Client) {
	b.disconnected = append(b.disconnected, c.Handle())
}

func (b *stubBackend) LiveCheck(c *Client) {
	b.probed = append(b.probed, c.Handle())
}

func newLoopServer() (*Server, *stubBackend) {
	backend := &stubBackend{}
	return New("TEST", "localhost:0", testConfig(), testLogger(), backend), backend
}

func addPipeClient(t *testing.T, s *Server) (*Client, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return s.clients.Add(local), remote
}

func encryptedBody(packetType uint32, payload interface{}, key [protocol.KeySize]byte) []byte {
	body := protocol.ComposeBody(packetType, payload)
	protocol.EncryptPacket(body, key)
	return body
}

func TestUnclassifiedClientPacketsAreGated(t *testing.T) {
	s, backend := newLoopServer()
	c, _ := addPipeClient(t, s)

	// A packet outside the handshake set is dropped without killing the
	// connection: unclassified peers probe with whatever they like.
	s.handleFrame(context.Background(), rawFrame{
		handle: c.Handle(),
		body:   encryptedBody(protocol.PeerLoginInfoType, &protocol.PeerLoginInfo{}, c.EKey),
	})
	assert.Empty(t, backend.handled)
	assert.False(t, c.shouldDisconnect)

	s.handleFrame(context.Background(), rawFrame{
		handle: c.Handle(),
		body:   encryptedBody(protocol.LoginRequestType, &protocol.LoginRequest{}, c.EKey),
	})
	assert.Equal(t, []uint32{protocol.LoginRequestType}, backend.handled)
}

func TestProtocolViolationDisconnectsAuthenticatedClient(t *testing.T) {
	s, backend := newLoopServer()
	c, _ := addPipeClient(t, s)
	c.Type = GameClient

	s.handleFrame(context.Background(), rawFrame{
		handle: c.Handle(),
		body:   encryptedBody(protocol.PeerLoginInfoType, &protocol.PeerLoginInfo{}, c.EKey),
	})
	assert.Empty(t, backend.handled)
	assert.True(t, c.shouldDisconnect)

	s.sweepDisconnects()
	assert.Equal(t, []int{c.Handle()}, backend.disconnected)
	_, err := s.clients.Lookup(c.Handle())
	assert.ErrorIs(t, err, ErrStaleHandle)
}

func TestMalformedBodiesAreDroppedNotFatal(t *testing.T) {
	s, backend := newLoopServer()
	c, _ := addPipeClient(t, s)

	// Too short to hold a type tag.
	truncated := []byte{0x01, 0x02}
	protocol.EncryptPacket(truncated, c.EKey)
	s.handleFrame(context.Background(), rawFrame{handle: c.Handle(), body: truncated})

	// A type tag nothing is registered for.
	unknown := make([]byte, 4)
	binary.LittleEndian.PutUint32(unknown, 0xDEADBEEF)
	protocol.EncryptPacket(unknown, c.EKey)
	s.handleFrame(context.Background(), rawFrame{handle: c.Handle(), body: unknown})

	assert.Empty(t, backend.handled)
	assert.False(t, c.shouldDisconnect)
}

func TestPanickingHandlerCostsOnlyTheConnection(t *testing.T) {
	s, backend := newLoopServer()
	backend.panicOn = protocol.LoginRequestType
	c, _ := addPipeClient(t, s)
	survivor, _ := addPipeClient(t, s)

	s.handleFrame(context.Background(), rawFrame{
		handle: c.Handle(),
		body:   encryptedBody(protocol.LoginRequestType, &protocol.LoginRequest{}, c.EKey),
	})
	assert.True(t, c.shouldDisconnect)
	assert.False(t, survivor.shouldDisconnect)

	s.sweepDisconnects()
	assert.Equal(t, []int{c.Handle()}, backend.disconnected)
	assert.Equal(t, 1, s.clients.Len())
}

func TestReadLoopRejectsMalformedSizePrefix(t *testing.T) {
	s, _ := newLoopServer()

	for _, size := range []uint32{0, protocol.MaxPacketSize + 1} {
		c, remote := addPipeClient(t, s)
		go s.readLoop(c.Handle(), c.conn)

		var prefix [4]byte
		binary.LittleEndian.PutUint32(prefix[:], size)
		_, err := remote.Write(prefix[:])
		require.NoError(t, err)

		select {
		case ev := <-s.disconnects:
			assert.Equal(t, c.Handle(), ev.handle)
			assert.Error(t, ev.err)
		case <-time.After(time.Second):
			t.Fatalf("no disconnect for declared frame size %d", size)
		}
	}
}

func TestReadLoopForwardsWellFormedFrames(t *testing.T) {
	s, _ := newLoopServer()
	c, remote := addPipeClient(t, s)
	go s.readLoop(c.Handle(), c.conn)

	body := encryptedBody(protocol.LoginRequestType, &protocol.LoginRequest{}, c.EKey)
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	_, err := remote.Write(frame)
	require.NoError(t, err)

	select {
	case raw := <-s.frames:
		assert.Equal(t, c.Handle(), raw.handle)
		assert.Equal(t, body, raw.body)
	case <-time.After(time.Second):
		t.Fatal("frame never forwarded")
	}

	// Closing the remote end tears the reader down cleanly.
	require.NoError(t, remote.Close())
	select {
	case ev := <-s.disconnects:
		assert.Equal(t, c.Handle(), ev.handle)
	case <-time.After(time.Second):
		t.Fatal("no disconnect after remote close")
	}
}

func TestLiveCheckDisconnectsAfterTwoMissedProbes(t *testing.T) {
	s, backend := newLoopServer()
	c, _ := addPipeClient(t, s)

	liveCheckTime := time.Duration(s.config.LiveCheckTime) * time.Second
	base := time.Now()
	c.lastHeartbeat = base

	// First sweep past the deadline probes the silent connection.
	s.sweepLiveChecks(base.Add(liveCheckTime+time.Second), liveCheckTime)
	assert.Equal(t, []int{c.Handle()}, backend.probed)
	assert.True(t, c.liveCheckPend)
	assert.False(t, c.shouldDisconnect)

	// A second sweep with the probe still unanswered tears it down.
	s.sweepLiveChecks(base.Add(2*(liveCheckTime+time.Second)), liveCheckTime)
	assert.True(t, c.shouldDisconnect)
	s.sweepDisconnects()
	assert.Equal(t, []int{c.Handle()}, backend.disconnected)
}

func TestLiveCheckAnsweredResetsTheProbe(t *testing.T) {
	s, backend := newLoopServer()
	c, _ := addPipeClient(t, s)

	liveCheckTime := time.Duration(s.config.LiveCheckTime) * time.Second
	base := time.Now()
	c.lastHeartbeat = base

	s.sweepLiveChecks(base.Add(liveCheckTime+time.Second), liveCheckTime)
	require.True(t, c.liveCheckPend)

	// Any inbound traffic counts as an answer.
	c.touch()
	assert.False(t, c.liveCheckPend)

	s.sweepLiveChecks(base.Add(2*(liveCheckTime+time.Second)), liveCheckTime)
	assert.False(t, c.shouldDisconnect)
	assert.Len(t, backend.probed, 2, "a silent connection is re-probed, not dropped")
}

func TestClientMapHandleLifecycle(t *testing.T) {
	m := NewClientMap(testLogger())
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	c := m.Add(local)
	assert.Same(t, c, m.Get(c.Handle()))

	got, err := m.Lookup(c.Handle())
	require.NoError(t, err)
	assert.Same(t, c, got)

	m.remove(c.Handle())
	_, err = m.Lookup(c.Handle())
	assert.ErrorIs(t, err, ErrStaleHandle)
	assert.Panics(t, func() { m.Get(c.Handle()) })
	assert.Equal(t, 0, m.Len())
}
