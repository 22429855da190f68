package protocol

// RFC-2217 Com-Port-Control sub-negotiation command codes (client->server).
// Server->client replies use the same code plus 100.
const (
	cmdSignature          byte = 0
	cmdSetBaudrate        byte = 1
	cmdSetDatasize        byte = 2
	cmdSetParity          byte = 3
	cmdSetStopsize        byte = 4
	cmdSetControl         byte = 5
	cmdNotifyLinestate    byte = 6
	cmdNotifyModemstate   byte = 7
	cmdFlowcontrolSuspend byte = 8
	cmdFlowcontrolResume  byte = 9
	cmdSetLinestateMask   byte = 10
	cmdSetModemstateMask  byte = 11
	cmdPurgeData          byte = 12

	replyOffset = 100
)

// SET-CONTROL sub-command values (RFC 2217 §3.4).
const (
	ctlFlowNone     byte = 1
	ctlFlowHardware byte = 3
	ctlFlowOutSet   byte = 11
	ctlFlowOutClear byte = 12
)

// UARTCommands is the UART Port Controller seam the RFC-2217 sub-machine
// drives. The session package implements it with an adapter over its
// *serial.Controller and session state; keeping it as an interface here
// lets protocol avoid importing serial or ringbuf.
type UARTCommands interface {
	SetBaud(v uint32) (uint32, error)
	GetBaud() (uint32, error)
	SetDataBits(v int) (int, error)
	GetDataBits() (int, error)
	SetParity(v byte) (byte, error)
	GetParity() (byte, error)
	SetStopBits(v int) (int, error)
	GetStopBits() (int, error)
	SetFlowControl(v byte) (byte, error)
	GetFlowControl() byte
	SetFlowOut(assert bool) error
	Purge(mask byte) error
	Signature() string
	SetSuspendTxToPeer(bool)
	SetLineStateMask(byte)
	SetModemStateMask(byte)
}

// sub2217State is the InSB2217 sub-machine's own state, entered once the
// top-level parser sees IAC SB 44 with both peer-will-2217 and
// peer-do-2217 set.
type sub2217State int

const (
	awaitCommand sub2217State = iota
	awaitData
	awaitDataAfterIAC
)

// rfc2217Parser accumulates one command's argument bytes and, once IAC SE
// closes the sub-negotiation, executes it and emits the echo reply.
type rfc2217Parser struct {
	uart UARTCommands

	state sub2217State
	cmd   byte
	want  int // expected argument byte count: 0, 1, or 4
	got   int
	value uint32 // accumulated big-endian

	suspendTxToPeer bool
	lineStateMask   byte
	modemStateMask  byte
	lastModemState  byte
	lastLineState   byte
}

func (s *rfc2217Parser) init(uart UARTCommands) {
	s.uart = uart
	s.state = awaitCommand
	s.cmd = 0
	s.want = 0
	s.got = 0
	s.value = 0
}

// feed processes one byte of the sub-negotiation body (the bytes between
// IAC SB 44 and the terminating IAC SE, exclusive). It returns true once
// IAC SE has closed the sub-negotiation and the top-level parser should
// return to Normal.
func (s *rfc2217Parser) feed(b byte, sink Sink) bool {
	switch s.state {
	case awaitCommand:
		s.cmd = b
		s.want = argLength(b)
		s.got = 0
		s.value = 0
		s.state = awaitData
		if s.want == 0 {
			// Commands with no argument bytes still pass through
			// AwaitData/AwaitDataAfterIAC on the wire (the terminating
			// IAC SE is itself the next two bytes), so just wait there.
		}

	case awaitData:
		if b == IAC {
			s.state = awaitDataAfterIAC
			return false
		}
		s.accumulate(b)

	case awaitDataAfterIAC:
		if b == SE {
			s.execute(sink)
			s.state = awaitCommand
			return true
		}
		// Escaped 0xFF inside the argument value.
		s.state = awaitData
		s.accumulate(b)
	}
	return false
}

func (s *rfc2217Parser) accumulate(b byte) {
	if s.got >= s.want {
		return
	}
	s.value = s.value<<8 | uint32(b)
	s.got++
}

// argLength returns the number of argument bytes RFC 2217 defines for a
// given client->server command code.
func argLength(cmd byte) int {
	switch cmd {
	case cmdSignature, cmdFlowcontrolSuspend, cmdFlowcontrolResume:
		return 0
	case cmdSetBaudrate:
		return 4
	default:
		return 1
	}
}

// execute runs the accumulated command against the UART and writes the
// server's cmd+100 echo reply with the value read back from the UART.
func (s *rfc2217Parser) execute(sink Sink) {
	cmd := s.cmd
	arg := s.value

	switch cmd {
	case cmdSignature:
		writeSubReply(sink, cmd, []byte(s.uart.Signature()))
		return

	case cmdSetBaudrate:
		if arg != 0 {
			s.uart.SetBaud(arg)
		}
		v, _ := s.uart.GetBaud()
		writeSubReply(sink, cmd, baudBytes(v))
		return

	case cmdSetDatasize:
		if arg != 0 {
			s.uart.SetDataBits(int(arg))
		}
		v, _ := s.uart.GetDataBits()
		writeSubReply(sink, cmd, []byte{byte(v)})
		return

	case cmdSetParity:
		if arg != 0 {
			s.uart.SetParity(byte(arg))
		}
		v, _ := s.uart.GetParity()
		writeSubReply(sink, cmd, []byte{v})
		return

	case cmdSetStopsize:
		if arg != 0 {
			s.uart.SetStopBits(int(arg))
		}
		v, _ := s.uart.GetStopBits()
		writeSubReply(sink, cmd, []byte{byte(v)})
		return

	case cmdSetControl:
		s.execSetControl(byte(arg))
		var reply byte
		switch {
		case byte(arg) == ctlFlowOutSet || byte(arg) == ctlFlowOutClear:
			reply = byte(arg)
		default:
			reply = s.uart.GetFlowControl()
		}
		writeSubReply(sink, cmd, []byte{reply})
		return

	case cmdFlowcontrolSuspend:
		s.suspendTxToPeer = true
		s.uart.SetSuspendTxToPeer(true)
		writeSubReply(sink, cmd, nil)
		return

	case cmdFlowcontrolResume:
		s.suspendTxToPeer = false
		s.uart.SetSuspendTxToPeer(false)
		writeSubReply(sink, cmd, nil)
		return

	case cmdSetLinestateMask:
		s.lineStateMask = byte(arg)
		s.uart.SetLineStateMask(byte(arg))
		writeSubReply(sink, cmd, []byte{s.lineStateMask})
		return

	case cmdSetModemstateMask:
		s.modemStateMask = byte(arg)
		s.uart.SetModemStateMask(byte(arg))
		writeSubReply(sink, cmd, []byte{s.modemStateMask})
		return

	case cmdPurgeData:
		s.uart.Purge(byte(arg))
		writeSubReply(sink, cmd, []byte{byte(arg)})
		return

	default:
		// Unknown command: RFC 2217 has no defined behaviour; drop it
		// rather than guess at a reply format.
	}
}

func (s *rfc2217Parser) execSetControl(v byte) {
	switch v {
	case ctlFlowNone:
		s.uart.SetFlowControl(ctlFlowNone)
	case ctlFlowHardware:
		s.uart.SetFlowControl(ctlFlowHardware)
	case ctlFlowOutSet:
		s.uart.SetFlowOut(true)
	case ctlFlowOutClear:
		s.uart.SetFlowOut(false)
	default:
		// Every other SET-CONTROL value (query-current-X variants,
		// BREAK, DTR/RTS) takes no UART action here; the reply simply
		// echoes the current flow-control mode.
	}
}

// notifyModemState and notifyLineState are called by the session's poll
// loop, not by feed(), so they do not participate in the InSB2217 state
// transitions above.
func (s *rfc2217Parser) notifyModemState(state byte, sink Sink) {
	masked := state & s.modemStateMask
	if masked == 0 || masked == s.lastModemState {
		return
	}
	s.lastModemState = masked
	writeSubReply(sink, cmdNotifyModemstate, []byte{masked})
}

func (s *rfc2217Parser) notifyLineState(state byte, sink Sink) {
	masked := state & s.lineStateMask
	if masked == s.lastLineState {
		return
	}
	s.lastLineState = masked
	writeSubReply(sink, cmdNotifyLinestate, []byte{masked})
}

// baudBytes encodes a baud rate as the MSB-first 4-byte value RFC 2217
// requires.
func baudBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// writeSubReply frames IAC SB 44 (cmd+100) <value, 0xFF-doubled> IAC SE
// and writes it via sink.Reply.
func writeSubReply(sink Sink, cmd byte, value []byte) {
	out := make([]byte, 0, len(value)*2+6)
	out = append(out, IAC, SB, OptComPort, cmd+replyOffset)
	for _, b := range value {
		out = append(out, b)
		if b == IAC {
			out = append(out, IAC)
		}
	}
	out = append(out, IAC, SE)
	sink.Reply(out)
}
