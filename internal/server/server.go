package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hfrick/nexus/internal/core"
	"github.com/hfrick/nexus/internal/monitor"
	"github.com/hfrick/nexus/internal/protocol"
)

// rawFrame is one length-delimited, still-encrypted packet body read off a
// socket, tagged with the connection it came from.
type rawFrame struct {
	handle int
	body   []byte
}

type disconnectEvent struct {
	handle int
	err    error
}

// TimerFunc is a periodic callback run on the event loop.
type TimerFunc func(now time.Time)

type timer struct {
	interval time.Duration
	last     time.Time
	fn       TimerFunc
}

// Server runs one listener and the single-threaded event loop that owns every
// connection accepted on it. All packet handling, timer callbacks, and writes
// happen on the loop goroutine; per-connection reader goroutines do nothing
// but forward raw frames.
type Server struct {
	name    string
	addr    string
	config  *core.Config
	logger  *logrus.Logger
	backend Backend

	clients *ClientMap

	frames      chan rawFrame
	accepted    chan net.Conn
	disconnects chan disconnectEvent
	timers      []*timer

	listener net.Listener
}

func New(name, addr string, cfg *core.Config, logger *logrus.Logger, backend Backend) *Server {
	return &Server{
		name:        name,
		addr:        addr,
		config:      cfg,
		logger:      logger,
		backend:     backend,
		clients:     NewClientMap(logger),
		frames:      make(chan rawFrame, 256),
		accepted:    make(chan net.Conn, 16),
		disconnects: make(chan disconnectEvent, 64),
	}
}

func (s *Server) Name() string { return s.name }

// Clients exposes the connection registry to the Backend. Only ever touched
// from the event loop.
func (s *Server) Clients() *ClientMap { return s.clients }

func (s *Server) Logger() *logrus.Logger { return s.logger }

func (s *Server) Config() *core.Config { return s.config }

// RegisterTimer schedules fn to run on the event loop every interval.
// Must be called before Run, or from the loop itself.
func (s *Server) RegisterTimer(interval time.Duration, fn TimerFunc) {
	s.timers = append(s.timers, &timer{interval: interval, last: time.Now(), fn: fn})
}

// Run initializes the backend, binds the listener, and drives the event loop
// until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.backend.Init(ctx, s); err != nil {
		return fmt.Errorf("initializing %s: %w", s.name, err)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding %s to %s: %w", s.name, s.addr, err)
	}
	s.listener = listener
	s.logger.Infof("[%s] waiting for connections on %s", s.name, s.addr)

	go s.acceptLoop(ctx)

	// The live check sweep is a server concern; the backend only supplies
	// the probe packet.
	if s.config.LiveCheckTime > 0 {
		liveCheckTime := time.Duration(s.config.LiveCheckTime) * time.Second
		s.RegisterTimer(liveCheckTime/2, func(now time.Time) {
			s.sweepLiveChecks(now, liveCheckTime)
		})
	}

	ticker := time.NewTicker(time.Duration(s.config.PollInterval) * time.Millisecond)
	defer ticker.Stop()
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("[%s] shutting down", s.name)
			return nil
		case conn := <-s.accepted:
			s.registerConn(conn)
		case frame := <-s.frames:
			s.handleFrame(ctx, frame)
		case ev := <-s.disconnects:
			s.handleDisconnect(ev)
		case now := <-ticker.C:
			s.runTimers(now)
		}
		s.sweepDisconnects()
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Errorf("[%s] accept failed: %v", s.name, err)
			return
		}
		select {
		case s.accepted <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) registerConn(conn net.Conn) {
	if s.clients.Len() >= s.config.MaxConnections {
		s.logger.Warnf("[%s] rejecting %s: connection limit reached", s.name, conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	c := s.clients.Add(conn)
	monitor.ConnectedClients.Inc()
	s.logger.Infof("[%s] accepted connection from %s", s.name, c.RemoteAddr())
	s.backend.OnConnect(c)
	go s.readLoop(c.handle, conn)
}

// Connect dials an outbound peer connection and registers it like an accepted
// one. Used by a shard to reach its login server. Must be called from the
// event loop (backend init or a timer callback).
func (s *Server) Connect(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	c := s.clients.Add(conn)
	monitor.ConnectedClients.Inc()
	s.logger.Infof("[%s] connected to peer %s", s.name, addr)
	go s.readLoop(c.handle, conn)
	return c, nil
}

// readLoop is the only code that touches a socket outside the event loop. It
// forwards raw frames; the length prefix travels in the clear so no key state
// is needed here.
func (s *Server) readLoop(handle int, conn net.Conn) {
	for {
		var sizeBuf [4]byte
		if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
			s.disconnects <- disconnectEvent{handle: handle, err: err}
			return
		}

		size := binary.LittleEndian.Uint32(sizeBuf[:])
		if size == 0 || size > protocol.MaxPacketSize {
			s.disconnects <- disconnectEvent{
				handle: handle,
				err:    fmt.Errorf("declared frame size %d outside (0, %d]", size, protocol.MaxPacketSize),
			}
			return
		}

		body := make([]byte, size)
		if _, err := io.ReadFull(conn, body); err != nil {
			s.disconnects <- disconnectEvent{handle: handle, err: err}
			return
		}

		s.frames <- rawFrame{handle: handle, body: body}
	}
}

func (s *Server) handleFrame(ctx context.Context, frame rawFrame) {
	c, err := s.clients.Lookup(frame.handle)
	if err != nil {
		// The connection was torn down with frames still queued.
		return
	}
	c.touch()

	// Clients and peers always encrypt toward the server with the E key.
	protocol.DecryptPacket(frame.body, c.EKey)

	packetType, payload, err := protocol.DecodeBody(frame.body)
	if err != nil {
		var frameErr *protocol.FrameError
		if errors.As(err, &frameErr) {
			monitor.DroppedFrames.Inc()
			s.logger.Warnf("[%s] dropping frame from %s: %v", s.name, c.RemoteAddr(), err)
			return
		}
		s.logger.Warnf("[%s] undecodable frame from %s: %v", s.name, c.RemoteAddr(), err)
		return
	}

	if !c.MayReceive(packetType) {
		monitor.DroppedFrames.Inc()
		if c.Type == Unknown {
			// Unclassified connections probe with whatever they like; drop it.
			s.logger.Warnf("[%s] ignoring %s from unclassified %s",
				s.name, protocol.PacketName(packetType), c.RemoteAddr())
			return
		}
		violation := &ProtocolViolation{ClientType: c.Type, PacketType: packetType}
		s.logger.Errorf("[%s] %v from %s; disconnecting", s.name, violation, c.RemoteAddr())
		c.Disconnect()
		return
	}

	if s.config.Debugging.PacketLoggingEnabled && !protocol.Silenced(packetType) {
		s.logger.Debugf("[%s] %s sent %s", s.name, c.RemoteAddr(), protocol.PacketName(packetType))
	}

	s.dispatch(ctx, c, packetType, payload)
	monitor.PacketsHandled.Inc()
}

// dispatch invokes the backend handler behind a recover barrier: a panicking
// handler costs the offending connection, never the loop.
func (s *Server) dispatch(ctx context.Context, c *Client, packetType uint32, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("[%s] handler for %s panicked on %s: %v\n%s",
				s.name, protocol.PacketName(packetType), c.RemoteAddr(), r, debug.Stack())
			c.Disconnect()
		}
	}()

	if err := s.backend.Handle(ctx, c, packetType, payload); err != nil {
		s.logger.Warnf("[%s] %s from %s rejected: %v",
			s.name, protocol.PacketName(packetType), c.RemoteAddr(), err)
	}
}

func (s *Server) runTimers(now time.Time) {
	for _, t := range s.timers {
		if now.Sub(t.last) >= t.interval {
			t.last = now
			t.fn(now)
		}
	}
}

// sweepLiveChecks probes connections that have gone silent and tears down the
// ones that failed to answer a previous probe.
func (s *Server) sweepLiveChecks(now time.Time, liveCheckTime time.Duration) {
	for _, c := range s.clients.clients {
		if c.liveCheckPend {
			if now.Sub(c.liveCheckAt) > liveCheckTime {
				s.logger.Infof("[%s] %s missed its live check; disconnecting", s.name, c.RemoteAddr())
				c.Disconnect()
			}
			continue
		}
		if now.Sub(c.lastHeartbeat) > liveCheckTime {
			c.liveCheckPend = true
			c.liveCheckAt = now
			s.backend.LiveCheck(c)
		}
	}
}

func (s *Server) handleDisconnect(ev disconnectEvent) {
	c, err := s.clients.Lookup(ev.handle)
	if err != nil {
		return
	}
	if ev.err != nil && !errors.Is(ev.err, io.EOF) {
		s.logger.Infof("[%s] read from %s ended: %v", s.name, c.RemoteAddr(), ev.err)
	}
	s.teardown(c)
}

// sweepDisconnects tears down connections that handlers flagged during this
// loop pass.
func (s *Server) sweepDisconnects() {
	var doomed []*Client
	for _, c := range s.clients.clients {
		if c.shouldDisconnect {
			doomed = append(doomed, c)
		}
	}
	for _, c := range doomed {
		s.teardown(c)
	}
}

func (s *Server) teardown(c *Client) {
	if _, err := s.clients.Lookup(c.handle); err != nil {
		return
	}
	s.logger.Infof("[%s] disconnecting %s (%s)", s.name, c.RemoteAddr(), c.Type)
	s.backend.OnDisconnect(c)
	s.clients.remove(c.handle)
	monitor.ConnectedClients.Dec()
	c.close()
}

func (s *Server) shutdown() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, c := range s.clients.clients {
		c.close()
	}
}
