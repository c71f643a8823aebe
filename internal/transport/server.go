// Package transport implements the shard control channel: a TCP
// listener accepting one length-prefixed, versioned frame stream per
// shard, with a dedicated read and write goroutine per connection
// bridged to the orchestrator over channels. Shards are not browsers,
// so there is no HTTP upgrade handshake -- the framing is the whole
// protocol.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"sectorfab/internal/auth"
	"sectorfab/internal/metrics"
	"sectorfab/internal/ratelimit"
	"sectorfab/internal/sector"
	"sectorfab/internal/wire"
)

// EventKind discriminates an inbound Event.
type EventKind int

const (
	// EventFrame carries one decoded shard->replication message.
	EventFrame EventKind = iota
	// EventDisconnect reports that a connection's stream ended, by EOF,
	// error, or local close.
	EventDisconnect
)

// Event is one item on the orchestrator's inbound_events queue. Frames
// from a single connection arrive in the order they were read
// (per-connection FIFO); no ordering is guaranteed across connections.
type Event struct {
	Kind     EventKind
	Handle   sector.ClientHandle
	RemoteIP string
	Msg      any   // valid when Kind == EventFrame
	Err      error // set on a ProtocolError/TransportError disconnect
}

// Config configures the listener and its per-connection limits.
type Config struct {
	ListenAddr       string
	MaxFrameBytes    uint32
	HandshakeTimeout time.Duration
}

// connState is everything the server tracks about one live connection.
type connState struct {
	conn      net.Conn
	handle    sector.ClientHandle
	outbound  chan outboundFrame
	closeOnce sync.Once
}

type outboundFrame struct {
	tag     wire.Tag
	payload []byte
}

// Server accepts shard connections, enforces the IdentifyShard
// handshake and connection rate limits, and bridges frames to/from
// the orchestrator via channels. It never interprets message
// semantics itself -- that's the orchestrator's job.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Registry
	limiter  *ratelimit.Limiter
	verifier *auth.Verifier

	inbound chan<- Event

	listener net.Listener
	wg       sync.WaitGroup

	mu         sync.RWMutex
	conns      map[sector.ClientHandle]*connState
	nextHandle uint64
}

// NewServer builds a transport Server. inbound is the orchestrator's
// single consumer channel; the server is one of potentially many
// producers (one per connection, conceptually), but frames are
// actually funneled through this single channel in arrival order per
// connection.
func NewServer(cfg Config, logger *zap.Logger, metricsRegistry *metrics.Registry, limiter *ratelimit.Limiter, verifier *auth.Verifier, inbound chan<- Event) *Server {
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = wire.MaxFrameBytes
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  metricsRegistry,
		limiter:  limiter,
		verifier: verifier,
		inbound:  inbound,
		conns:    make(map[sector.ClientHandle]*connState),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport already started")
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("shard control channel listening", zap.String("addr", s.cfg.ListenAddr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

// Stop closes the listener and every live connection, then waits for
// their goroutines to exit.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.RLock()
	for _, cs := range s.conns {
		s.closeConn(cs)
	}
	s.mu.RUnlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept error", zap.Error(err))
			return
		}

		ip := remoteIP(conn)
		if s.limiter != nil {
			if ok, reason := s.limiter.Allow(ip); !ok {
				if s.metrics != nil {
					s.metrics.ConnRejected.WithLabelValues(string(reason)).Inc()
				}
				s.logger.Debug("connection rejected by rate limiter", zap.String("ip", ip), zap.String("reason", string(reason)))
				_ = conn.Close()
				continue
			}
		}

		if s.metrics != nil {
			s.metrics.ConnAccepted.Inc()
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c, ip)
		}(conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, ip string) {
	defer conn.Close()

	handle := sector.ClientHandle(s.allocHandle())
	cs := &connState{conn: conn, handle: handle, outbound: make(chan outboundFrame, 256)}

	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		s.logger.Debug("set handshake deadline", zap.Error(err))
	}

	tag, payload, err := wire.ReadFrame(conn, s.cfg.MaxFrameBytes)
	if err != nil {
		s.logger.Debug("handshake read failed", zap.String("ip", ip), zap.Error(err))
		return
	}
	if tag != wire.TagIdentifyShard {
		s.logger.Warn("first frame was not IdentifyShard, disconnecting", zap.String("ip", ip), zap.Stringer("tag", tag))
		return
	}
	msg, err := wire.DecodeShardPayload(tag, payload, s.cfg.MaxFrameBytes)
	if err != nil {
		s.logger.Warn("malformed IdentifyShard frame", zap.String("ip", ip), zap.Error(err))
		return
	}
	identify := msg.(wire.IdentifyShard)

	if s.verifier != nil {
		if err := s.verifier.Verify(identify.Credential, identify.ShardID); err != nil {
			s.logger.Warn("shard credential rejected", zap.String("ip", ip), zap.String("shard_id", identify.ShardID.String()), zap.Error(err))
			if s.metrics != nil {
				s.metrics.ConnRejected.WithLabelValues("auth").Inc()
			}
			return
		}
	}

	_ = conn.SetReadDeadline(time.Time{})

	s.mu.Lock()
	s.conns[handle] = cs
	s.mu.Unlock()
	defer s.dropConn(handle)

	s.inbound <- Event{Kind: EventFrame, Handle: handle, RemoteIP: ip, Msg: identify}
	if s.metrics != nil {
		s.metrics.FramesIn.WithLabelValues(tag.String()).Inc()
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop(connCtx, cs)
	}()

	s.readLoop(connCtx, cs, ip)
	cancel()
	<-writeDone
}

func (s *Server) readLoop(ctx context.Context, cs *connState, ip string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tag, payload, err := wire.ReadFrame(cs.conn, s.cfg.MaxFrameBytes)
		if err != nil {
			var protoErr *wire.ProtocolError
			if errors.As(err, &protoErr) {
				if s.metrics != nil {
					s.metrics.ProtocolErrors.Inc()
				}
				s.logger.Warn("protocol error, disconnecting shard", zap.String("ip", ip), zap.Error(err))
			} else if !errors.Is(err, io.EOF) {
				s.logger.Debug("transport read error", zap.String("ip", ip), zap.Error(err))
			}
			s.inbound <- Event{Kind: EventDisconnect, Handle: cs.handle, Err: err}
			return
		}

		msg, err := wire.DecodeShardPayload(tag, payload, s.cfg.MaxFrameBytes)
		if err != nil {
			if s.metrics != nil {
				s.metrics.ProtocolErrors.Inc()
			}
			s.logger.Warn("malformed frame, disconnecting shard", zap.String("ip", ip), zap.Error(err))
			s.inbound <- Event{Kind: EventDisconnect, Handle: cs.handle, Err: err}
			return
		}

		if s.metrics != nil {
			s.metrics.FramesIn.WithLabelValues(tag.String()).Inc()
		}
		s.inbound <- Event{Kind: EventFrame, Handle: cs.handle, Msg: msg}
	}
}

func (s *Server) writeLoop(ctx context.Context, cs *connState) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-cs.outbound:
			if !ok {
				return
			}
			if err := wire.WriteFrame(cs.conn, frame.tag, frame.payload); err != nil {
				s.logger.Debug("write frame error", zap.Error(err))
				return
			}
			if s.metrics != nil {
				s.metrics.FramesOut.WithLabelValues(frame.tag.String()).Inc()
			}
		}
	}
}

// Send encodes msg and enqueues it for handle's connection,
// non-blocking: if the connection's outbound queue is full the frame
// is dropped and an error returned, rather than blocking the
// orchestrator's event loop.
func (s *Server) Send(handle sector.ClientHandle, msg any) error {
	tag, payload, err := wire.EncodeReplicationMessage(msg)
	if err != nil {
		return err
	}

	s.mu.RLock()
	cs, ok := s.conns[handle]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: no connection for handle %d", handle)
	}

	select {
	case cs.outbound <- outboundFrame{tag: tag, payload: payload}:
		return nil
	default:
		return fmt.Errorf("transport: outbound queue full for handle %d, dropping %s frame", handle, tag)
	}
}

// Disconnect forcibly closes handle's connection, discarding any
// queued outbound frames.
func (s *Server) Disconnect(handle sector.ClientHandle) {
	s.mu.RLock()
	cs, ok := s.conns[handle]
	s.mu.RUnlock()
	if ok {
		s.closeConn(cs)
	}
}

func (s *Server) closeConn(cs *connState) {
	cs.closeOnce.Do(func() {
		_ = cs.conn.Close()
	})
}

func (s *Server) dropConn(handle sector.ClientHandle) {
	s.mu.Lock()
	delete(s.conns, handle)
	s.mu.Unlock()
}

func (s *Server) allocHandle() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandle++
	return s.nextHandle
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
