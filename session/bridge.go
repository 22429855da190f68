package session

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/daedaluz/ser2enet/config"
)

// txSink adapts a Session's tx_ring and live TCP connection to the
// protocol.Sink interface the parser writes payload bytes and protocol
// replies through.
type txSink struct {
	session *Session
	conn    net.Conn
}

func (t *txSink) PushTX(b byte) bool {
	return t.session.txRing.PushByte(b)
}

func (t *txSink) Reply(p []byte) (int, error) {
	return t.conn.Write(p)
}

// acceptLoop runs the server-mode accept policy (spec.md §4.4): a fresh
// connection is accepted outright while Listen; while Connected it is
// accepted only if link_lost pre-empts the stale connection, and refused
// otherwise.
func (s *Session) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	ln, err := net.Listen("tcp", localAddr(s.cfgSnapshot().LocalPort))
	if err != nil {
		s.recordError(err)
		return
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.recordError(err)
			continue
		}

		s.mu.Lock()
		current := s.conn
		linkLost := s.linkLost
		s.mu.Unlock()

		if current != nil {
			if !linkLost {
				// RefusedConnect: an existing connection is alive and
				// the link has not been reported down.
				conn.Close()
				continue
			}
			current.Close()
		}

		s.connectAttemptsIncr()
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// connectLoop runs the client-mode connect policy: dial, retrying on a
// 3-second cadence until success or shutdown.
func (s *Session) connectLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(reconnectDelay)
	defer ticker.Stop()

	dial := func() {
		cfg := s.cfgSnapshot()
		addr := net.JoinHostPort(cfg.RemoteAddr, portString(cfg.RemotePort))
		s.mu.Lock()
		s.connectAttempts++
		s.mu.Unlock()
		if s.reg != nil {
			s.reg.ConnectAttempts.WithLabelValues(portLabel(s.idx)).Inc()
		}

		d := net.Dialer{Timeout: reconnectDelay}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			s.recordError(err)
			return
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
		// serveConn blocks this goroutine's caller only via wg, not this
		// loop, so keep retrying on the ticker in case serveConn's
		// connection later drops; connectLoop itself never blocks.
	}

	dial()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != Connected {
				s.mu.Lock()
				s.reconnectAttempts++
				s.mu.Unlock()
				if s.reg != nil {
					s.reg.ReconnectAttempts.WithLabelValues(portLabel(s.idx)).Inc()
				}
				dial()
			}
		}
	}
}

// serveConn owns one live TCP connection: it reads bytes off the wire
// into the bounded inbound queue and runs until the connection closes or
// ctx is cancelled, at which point it returns the session to Listen
// (server) or Connecting (client) is resumed by connectLoop's ticker.
func (s *Session) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connID := uuid.New()
	s.log.WithField("conn", connID).WithField("remote", conn.RemoteAddr()).Info("connection established")
	defer s.log.WithField("conn", connID).Info("connection closed")

	s.onConnected(conn)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		buf := make([]byte, stagingBufferSize)
		n, err := conn.Read(buf)
		if n > 0 {
			// Back-pressure: while the inbound queue is full this
			// goroutine stops reading, so the socket's receive window
			// fills and the peer is throttled instead of losing data.
			select {
			case s.inbound <- inboundChunk{data: buf[:n]}:
			case <-connCtx.Done():
			}
		}
		if err != nil {
			break
		}
		if connCtx.Err() != nil {
			break
		}
	}

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	role := s.cfg.Role
	s.mu.Unlock()

	if role == config.RoleServer {
		s.setState(Listen)
	} else {
		s.setState(Connecting)
	}
}

// uartReaderLoop is the Go-idiomatic stand-in for the UART RX interrupt
// context: it blocks on the device and pushes every byte read into
// rx_ring, doubling 0xFF on the way in when Telnet protocol is active
// (the IAC-escaping rule applies here, not at TCP drain time, matching
// the "received is doubled into rx_ring" framing).
func (s *Session) uartReaderLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := s.uartPort.ReadTimeout(buf, 200*time.Millisecond)
		telnet := s.cfgSnapshot().Protocol == config.ProtocolTelnet
		for i := 0; i < n; i++ {
			s.rxRing.PushByte(buf[i])
			if telnet && buf[i] == 0xFF {
				s.rxRing.PushByte(0xFF)
			}
		}
		if err != nil && ctx.Err() != nil {
			return
		}
		s.ctrl.OnRXUsedChanged(s.rxRing.Used(), s.rxRing.Capacity())
	}
}

// uartWriterLoop is the stand-in for the UART TX interrupt context: it
// drains tx_ring to the device as bytes become available.
func (s *Session) uartWriterLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 256)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.ctrl.TxHeld() {
			continue
		}
		n, _ := s.txRing.Read(buf)
		if n == 0 {
			continue
		}
		s.uartPort.Write(buf[:n])
	}
}

// modemWatchLoop relays flow-control-line edges from the UART Port
// Controller into RFC-2217 NOTIFY-MODEMSTATE bookkeeping; the actual wire
// notification is emitted from the poll loop, which is the only goroutine
// allowed to write to the TCP connection.
func (s *Session) modemWatchLoop(ctx context.Context) {
	defer s.wg.Done()
	for state := range s.ctrl.WatchModem(ctx) {
		s.mu.Lock()
		s.lastModemState = byte(state)
		s.mu.Unlock()
	}
}

// pollLoop is the session's single periodic tick, the only goroutine
// that touches the TCP connection and ring buffers from the "main poll
// context" side: it bridges TCP->UART through the parser, UART->TCP
// directly, enforces the idle timeout, and emits pending RFC-2217
// notifications.
func (s *Session) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Session) tick() {
	s.mu.Lock()
	conn := s.conn
	cfg := s.cfg
	suspend := s.suspendTxToPeer
	modemState := s.lastModemState
	s.mu.Unlock()

	if conn == nil {
		return
	}

	sink := &txSink{session: s, conn: conn}

	s.tcpToUART(conn, cfg, sink)
	sentAny := s.uartToTCP(conn, suspend)
	s.enforceIdleTimeout(conn, cfg, sentAny)

	if cfg.Protocol == config.ProtocolTelnet {
		s.parser.NotifyModemState(modemState, sink)
		s.parser.NotifyLineState(s.lineState(), sink)
	}
}

// RFC-2217 NOTIFY-LINESTATE bits this bridge can actually observe from ring
// occupancy, absent any UART error-counter ioctl: Data-Ready (rx_ring has
// unread bytes), THRE/TEMT (tx_ring is empty, so the transmitter is idle).
const (
	lineStateDataReady byte = 0x01
	lineStateTHRE      byte = 0x20
	lineStateTEMT      byte = 0x40
)

// lineState reports the line-state bits derivable from current ring
// occupancy (spec.md has no UART error-counter source, so overrun/parity/
// framing/break bits are never set here).
func (s *Session) lineState() byte {
	var state byte
	if s.rxRing.Used() > 0 {
		state |= lineStateDataReady
	}
	if s.txRing.Used() == 0 {
		state |= lineStateTHRE | lineStateTEMT
	}
	return state
}

// tcpToUART feeds bytes received from the peer through the protocol
// parser (or straight to tx_ring in Raw mode), honouring tx_ring's free
// space as a poll-tick budget.
func (s *Session) tcpToUART(conn net.Conn, cfg config.Port, sink *txSink) {
	budget := s.txRing.Free()
	raw := cfg.Protocol == config.ProtocolRaw

	for budget > 0 {
		chunk := s.takeChunk()
		if chunk == nil {
			return
		}
		for chunk.off < len(chunk.data) && budget > 0 {
			b := chunk.data[chunk.off]
			chunk.off++
			budget--
			if raw {
				s.txRing.PushByte(b)
			} else {
				s.parser.Feed(b, sink)
			}
		}
		if chunk.off < len(chunk.data) {
			s.pendingChunk = chunk
			return
		}
	}
}

// takeChunk returns the carried-over partial chunk if any, otherwise the
// next chunk from the inbound queue, or nil if none is available.
func (s *Session) takeChunk() *inboundChunk {
	if s.pendingChunk != nil {
		c := s.pendingChunk
		s.pendingChunk = nil
		return c
	}
	select {
	case c := <-s.inbound:
		return &c
	default:
		return nil
	}
}

// uartToTCP drains rx_ring to the peer unless suspend_tx_to_peer is set,
// returning whether any bytes were written (the idle-timeout reset
// condition).
func (s *Session) uartToTCP(conn net.Conn, suspend bool) bool {
	if suspend {
		return false
	}
	used := s.rxRing.Used()
	if used == 0 {
		return false
	}
	if used > stagingBufferSize {
		used = stagingBufferSize
	}
	buf := make([]byte, used)
	n, _ := s.rxRing.Read(buf)
	if n == 0 {
		return false
	}
	if _, err := conn.Write(buf[:n]); err != nil {
		return false
	}
	s.ctrl.OnRXUsedChanged(s.rxRing.Used(), s.rxRing.Capacity())
	return true
}

// enforceIdleTimeout implements the server-only inbound idle timeout:
// idle_ticks increments every tick and resets on a successful send;
// hitting the configured threshold aborts the connection.
func (s *Session) enforceIdleTimeout(conn net.Conn, cfg config.Port, sentAny bool) {
	if cfg.Role != config.RoleServer || cfg.IdleTimeoutSeconds <= 0 {
		return
	}
	s.mu.Lock()
	if sentAny {
		s.idleTicks = 0
	} else {
		s.idleTicks++
	}
	ticks := s.idleTicks
	s.mu.Unlock()

	thresholdTicks := int(float64(cfg.IdleTimeoutSeconds) * float64(time.Second) / float64(pollInterval))
	if ticks >= thresholdTicks {
		if s.reg != nil {
			s.reg.IdleTimeouts.WithLabelValues(portLabel(s.idx)).Inc()
		}
		conn.Close()
	}
}

func (s *Session) cfgSnapshot() config.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Session) connectAttemptsIncr() {
	s.mu.Lock()
	s.connectAttempts++
	s.mu.Unlock()
}

func localAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

func portString(port int) string {
	return strconv.Itoa(port)
}
