// Package session implements the per-port session engine: the TCP
// lifecycle state machine, the UART<->TCP bridging goroutines, and the
// wiring between the Telnet/RFC-2217 parser and the UART Port Controller.
package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/daedaluz/ser2enet/config"
	"github.com/daedaluz/ser2enet/metrics"
	"github.com/daedaluz/ser2enet/protocol"
	"github.com/daedaluz/ser2enet/ringbuf"
	"github.com/daedaluz/ser2enet/serial"
)

// TCPState is the session's TCP lifecycle state (spec.md §4.4).
type TCPState int

const (
	Idle TCPState = iota
	Listen
	Connecting
	Connected
)

func (s TCPState) String() string {
	switch s {
	case Listen:
		return "listen"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "idle"
	}
}

const (
	rxRingCapacity = 512
	txRingCapacity = 1536

	pollInterval   = 500 * time.Millisecond
	reconnectDelay = 3 * time.Second

	inboundQueueDepth = 64 // bounded pbuf-chain queue depth
	stagingBufferSize = 1024
)

// inboundChunk is one TCP-received byte chunk, the Go analogue of a pbuf
// chain: it is consumed byte-by-byte by the poll loop and "freed" (the
// read window reopened) once fully drained.
type inboundChunk struct {
	data []byte
	off  int
}

// Session is the per-UART-port aggregate of TCP state, parser state, and
// ring buffers.
type Session struct {
	idx int
	log *logrus.Entry
	reg *metrics.Registry

	uartPort *serial.Port
	ctrl     *serial.Controller

	rxRing *ringbuf.Ring // UART RX -> TCP
	txRing *ringbuf.Ring // TCP -> UART TX

	parser *protocol.Parser

	mu    sync.Mutex
	cfg   config.Port
	state TCPState

	listener net.Listener
	conn     net.Conn

	inbound      chan inboundChunk
	pendingChunk *inboundChunk // partially-consumed chunk carried across poll ticks

	idleTicks       int
	linkLost        bool
	suspendTxToPeer bool
	lineStateMask   byte
	modemStateMask  byte
	lastModemState  byte

	connectAttempts   int
	reconnectAttempts int
	errorCount        int
	lastError         error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Session bound to an already-open UART port, ready for
// Start.
func New(idx int, cfg config.Port, uartPort *serial.Port, reg *metrics.Registry, logger *logrus.Logger) *Session {
	s := &Session{
		idx:      idx,
		cfg:      cfg,
		uartPort: uartPort,
		reg:      reg,
		rxRing:   ringbuf.New(rxRingCapacity),
		txRing:   ringbuf.New(txRingCapacity),
		inbound:  make(chan inboundChunk, inboundQueueDepth),
	}
	s.log = logger.WithField("port", idx)
	s.ctrl = serial.NewController(uartPort, &ringPurger{s})
	s.parser = protocol.NewParser(cfg.Role == config.RoleServer, &uartAdapter{s})

	portLabel := portLabel(idx)
	if reg != nil {
		s.rxRing.OnDrop(func() { reg.RingDrops.WithLabelValues(portLabel, "rx").Inc() })
		s.txRing.OnDrop(func() { reg.RingDrops.WithLabelValues(portLabel, "tx").Inc() })
	}
	return s
}

func portLabel(idx int) string {
	if idx == 0 {
		return "0"
	}
	return "1"
}

// Start brings the session up per its configured role and begins the
// UART reader/writer goroutines, the modem-line watcher, and the
// ticker-driven poll loop. It returns once the UART has been reset to its
// default parameters; TCP listen/connect proceeds in the background.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.ctrl.ResetToDefaults(uartParamsFromConfig(s.cfg)); err != nil {
		cancel()
		return errors.Wrap(err, "reset uart to defaults")
	}

	s.wg.Add(4)
	go s.uartReaderLoop(ctx)
	go s.uartWriterLoop(ctx)
	go s.modemWatchLoop(ctx)
	go s.pollLoop(ctx)

	switch s.cfg.Role {
	case config.RoleServer:
		s.wg.Add(1)
		go s.acceptLoop(ctx)
		s.setState(Listen)
	default:
		s.wg.Add(1)
		go s.connectLoop(ctx)
		s.setState(Connecting)
	}
	return nil
}

// Close tears the session down: aborts any connection, stops the
// listener, and returns the session to Idle. It blocks until every
// session goroutine has exited.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = Idle
	s.mu.Unlock()
	s.wg.Wait()
	return s.uartPort.Close()
}

// Reconfigure applies a freshly loaded configuration: UART parameters are
// reprogrammed on the controller immediately; TCP role/endpoint fields
// take effect only on the next Listen/Connect cycle, matching the
// external reconfigure(port) contract (the session never tears down an
// established connection merely because its config changed).
func (s *Session) Reconfigure(cfg config.Port) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if err := s.ctrl.ResetToDefaults(uartParamsFromConfig(cfg)); err != nil {
		s.recordError(err)
	}
}

func uartParamsFromConfig(cfg config.Port) serial.UARTParams {
	return serial.UARTParams{
		BaudRate:    cfg.BaudRate,
		DataBits:    cfg.DataBits,
		Parity:      parityFromConfig(cfg.Parity),
		StopBits:    cfg.StopBits,
		FlowControl: flowControlFromConfig(cfg.FlowControl),
	}
}

func parityFromConfig(p config.Parity) serial.Parity {
	switch p {
	case config.ParityOdd:
		return serial.ParityOdd
	case config.ParityEven:
		return serial.ParityEven
	case config.ParityMark:
		return serial.ParityMark
	case config.ParitySpace:
		return serial.ParitySpace
	default:
		return serial.ParityNone
	}
}

func flowControlFromConfig(f config.FlowControl) serial.FlowControl {
	if f == config.FlowControlHardware {
		return serial.FlowHardware
	}
	return serial.FlowNone
}

func (s *Session) setState(st TCPState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.reg != nil {
		s.reg.TCPState.WithLabelValues(portLabel(s.idx)).Set(float64(st))
	}
}

// State returns the session's current TCP lifecycle state.
func (s *Session) State() TCPState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ListenAddr returns the server-mode listener's bound address, or nil
// before Listen has come up. Primarily useful in tests that bind an
// ephemeral port (local_port 0) and then need to dial it back.
func (s *Session) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Diagnostics returns the session's connect/reconnect/error counters,
// mirroring the "diagnostic counters" spec.md §3 lists as session state.
type Diagnostics struct {
	ConnectAttempts   int
	ReconnectAttempts int
	ErrorCount        int
	LastError         error
}

// Diagnostics returns a snapshot of the session's diagnostic counters.
func (s *Session) Diagnostics() Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Diagnostics{
		ConnectAttempts:   s.connectAttempts,
		ReconnectAttempts: s.reconnectAttempts,
		ErrorCount:        s.errorCount,
		LastError:         s.lastError,
	}
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.errorCount++
	s.lastError = err
	s.mu.Unlock()
	s.log.WithError(err).Warn("session error")
}

// NotifyLinkStatus implements the link-status observer contract: on
// transition to down, link_lost is set so that, in server mode, the next
// accept pre-empts the stale connection. Any new connection clears it.
func (s *Session) NotifyLinkStatus(up bool) {
	if up {
		return
	}
	s.mu.Lock()
	s.linkLost = true
	s.mu.Unlock()
	if s.reg != nil {
		s.reg.LinkLossEvents.WithLabelValues(portLabel(s.idx)).Inc()
	}
}

// onConnected performs the shared Connected-transition initialization:
// reset the UART to its defaults, reset idle_ticks, and (Telnet mode)
// write the initial option offer.
func (s *Session) onConnected(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.idleTicks = 0
	s.linkLost = false
	cfg := s.cfg
	s.mu.Unlock()

	s.parser.Reset()
	if err := s.ctrl.ResetToDefaults(uartParamsFromConfig(cfg)); err != nil {
		s.recordError(err)
	}
	if cfg.Protocol == config.ProtocolTelnet {
		conn.Write(protocol.InitialOffer())
	}
	s.setState(Connected)
}
