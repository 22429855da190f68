package protocol

import (
	"bytes"
	"testing"
)

// fakeUART is a no-op UARTCommands used by telnet-level tests that never
// reach InSB2217.
type fakeUART struct {
	baud   uint32
	data   int
	parity byte
	stop   int
	flow   byte
}

func newFakeUART() *fakeUART {
	return &fakeUART{baud: 9600, data: 8, parity: 1, stop: 1, flow: 1}
}

func (f *fakeUART) SetBaud(v uint32) (uint32, error)      { f.baud = v; return f.baud, nil }
func (f *fakeUART) GetBaud() (uint32, error)               { return f.baud, nil }
func (f *fakeUART) SetDataBits(v int) (int, error)         { f.data = v; return f.data, nil }
func (f *fakeUART) GetDataBits() (int, error)              { return f.data, nil }
func (f *fakeUART) SetParity(v byte) (byte, error)         { f.parity = v; return f.parity, nil }
func (f *fakeUART) GetParity() (byte, error)               { return f.parity, nil }
func (f *fakeUART) SetStopBits(v int) (int, error)         { f.stop = v; return f.stop, nil }
func (f *fakeUART) GetStopBits() (int, error)              { return f.stop, nil }
func (f *fakeUART) SetFlowControl(v byte) (byte, error)    { f.flow = v; return f.flow, nil }
func (f *fakeUART) GetFlowControl() byte                   { return f.flow }
func (f *fakeUART) SetFlowOut(assert bool) error           { return nil }
func (f *fakeUART) Purge(mask byte) error                  { return nil }
func (f *fakeUART) Signature() string                      { return "test-uart" }
func (f *fakeUART) SetSuspendTxToPeer(bool)                {}
func (f *fakeUART) SetLineStateMask(byte)                  {}
func (f *fakeUART) SetModemStateMask(byte)                 {}

// recordingSink captures both the UART-bound payload bytes and the
// TCP-bound protocol replies a Parser produces.
type recordingSink struct {
	tx    bytes.Buffer
	reply bytes.Buffer
}

func (s *recordingSink) PushTX(b byte) bool {
	s.tx.WriteByte(b)
	return true
}

func (s *recordingSink) Reply(p []byte) (int, error) {
	return s.reply.Write(p)
}

func feedAll(p *Parser, sink *recordingSink, data []byte) {
	for _, b := range data {
		p.Feed(b, sink)
	}
}

func TestRawTransparency(t *testing.T) {
	p := NewParser(true, newFakeUART())
	sink := &recordingSink{}
	in := []byte{0x01, 0x02, 0x03, 0x04}
	feedAll(p, sink, in)
	if !bytes.Equal(sink.tx.Bytes(), in) {
		t.Fatalf("tx = %x, want %x", sink.tx.Bytes(), in)
	}
}

func TestIACDoubling(t *testing.T) {
	p := NewParser(true, newFakeUART())
	sink := &recordingSink{}
	// S2: 01 FF FF 02 -> UART sees 01 FF 02
	feedAll(p, sink, []byte{0x01, IAC, IAC, 0x02})
	want := []byte{0x01, 0xFF, 0x02}
	if !bytes.Equal(sink.tx.Bytes(), want) {
		t.Fatalf("tx = %x, want %x", sink.tx.Bytes(), want)
	}
}

func TestAYTReply(t *testing.T) {
	p := NewParser(true, newFakeUART())
	sink := &recordingSink{}
	feedAll(p, sink, []byte{IAC, AYT})
	if sink.reply.String() != "\r\n[Yes]\r\n" {
		t.Fatalf("reply = %q, want the AYT banner", sink.reply.String())
	}
	if sink.tx.Len() != 0 {
		t.Fatalf("AYT must not reach the UART")
	}
}

func TestWillSuppressGAAcceptedOnce(t *testing.T) {
	p := NewParser(true, newFakeUART())
	sink := &recordingSink{}
	feedAll(p, sink, []byte{IAC, WILL, OptSuppressGA})
	if sink.reply.String() != string([]byte{IAC, DO, OptSuppressGA}) {
		t.Fatalf("first WILL should get a DO reply, got %x", sink.reply.Bytes())
	}
	if !p.Options().PeerWillSGA {
		t.Fatalf("PeerWillSGA should now be set")
	}

	sink.reply.Reset()
	feedAll(p, sink, []byte{IAC, WILL, OptSuppressGA})
	if sink.reply.Len() != 0 {
		t.Fatalf("repeat WILL for an already-accepted option must not reply, got %x", sink.reply.Bytes())
	}
}

func TestUnknownOptionRefused(t *testing.T) {
	p := NewParser(true, newFakeUART())
	sink := &recordingSink{}
	feedAll(p, sink, []byte{IAC, WILL, 99})
	if sink.reply.String() != string([]byte{IAC, DONT, 99}) {
		t.Fatalf("unknown WILL should be refused with DONT, got %x", sink.reply.Bytes())
	}

	sink.reply.Reset()
	feedAll(p, sink, []byte{IAC, DO, 99})
	if sink.reply.String() != string([]byte{IAC, WONT, 99}) {
		t.Fatalf("unknown DO should be refused with WONT, got %x", sink.reply.Bytes())
	}
}

func TestBinaryAcceptedWithoutTrackedFlag(t *testing.T) {
	p := NewParser(true, newFakeUART())
	sink := &recordingSink{}
	feedAll(p, sink, []byte{IAC, WILL, OptBinary})
	if sink.reply.String() != string([]byte{IAC, DO, OptBinary}) {
		t.Fatalf("WILL BINARY should be accepted with DO, got %x", sink.reply.Bytes())
	}

	// accepting it a second time still replies, since binary sets no
	// tracked flag that would suppress the repeat.
	sink.reply.Reset()
	feedAll(p, sink, []byte{IAC, WILL, OptBinary})
	if sink.reply.Len() == 0 {
		t.Fatalf("BINARY never latches a peer-will flag, so it always replies")
	}
}

func TestOptionNegotiationConvergence(t *testing.T) {
	p := NewParser(true, newFakeUART())
	sink := &recordingSink{}
	feedAll(p, sink, []byte{
		IAC, WILL, OptSuppressGA,
		IAC, DO, OptSuppressGA,
		IAC, WILL, OptComPort,
		IAC, DO, OptComPort,
	})
	sink.reply.Reset()
	// Repeat the exact same sequence: nothing already-agreed should
	// produce a further reply.
	feedAll(p, sink, []byte{
		IAC, WILL, OptSuppressGA,
		IAC, DO, OptSuppressGA,
		IAC, WILL, OptComPort,
		IAC, DO, OptComPort,
	})
	if sink.reply.Len() != 0 {
		t.Fatalf("negotiation should have converged with no further replies, got %x", sink.reply.Bytes())
	}
}

func TestSBIgnoredForUnnegotiatedOption(t *testing.T) {
	p := NewParser(true, newFakeUART())
	sink := &recordingSink{}
	// Without 2217 negotiated both ways, an SB 44 sub-negotiation must be
	// swallowed (InSBIgnore path), never reaching the UART or triggering
	// a reply.
	feedAll(p, sink, []byte{IAC, SB, OptComPort, 1, 0, 0, 0x25, 0x80, IAC, SE})
	if sink.tx.Len() != 0 || sink.reply.Len() != 0 {
		t.Fatalf("un-negotiated SB 44 must be fully ignored, tx=%x reply=%x", sink.tx.Bytes(), sink.reply.Bytes())
	}
}

func negotiate2217(p *Parser, sink *recordingSink) {
	feedAll(p, sink, []byte{IAC, WILL, OptComPort, IAC, DO, OptComPort})
	sink.reply.Reset()
}

func TestRFC2217SetBaudrateRoundTrip(t *testing.T) {
	uart := newFakeUART()
	p := NewParser(true, uart)
	sink := &recordingSink{}
	negotiate2217(p, sink)

	// S3: SET-BAUDRATE to 57600 (0x00E100).
	feedAll(p, sink, []byte{IAC, SB, OptComPort, cmdSetBaudrate, 0x00, 0x00, 0xE1, 0x00, IAC, SE})

	want := []byte{IAC, SB, OptComPort, cmdSetBaudrate + replyOffset, 0x00, 0x00, 0xE1, 0x00, IAC, SE}
	if !bytes.Equal(sink.reply.Bytes(), want) {
		t.Fatalf("reply = %x, want %x", sink.reply.Bytes(), want)
	}
	if uart.baud != 57600 {
		t.Fatalf("uart baud = %d, want 57600", uart.baud)
	}
}

func TestRFC2217PurgeData(t *testing.T) {
	uart := newFakeUART()
	p := NewParser(true, uart)
	sink := &recordingSink{}
	negotiate2217(p, sink)

	// S4: PURGE-DATA with value 3 (both).
	feedAll(p, sink, []byte{IAC, SB, OptComPort, cmdPurgeData, 0x03, IAC, SE})
	want := []byte{IAC, SB, OptComPort, cmdPurgeData + replyOffset, 0x03, IAC, SE}
	if !bytes.Equal(sink.reply.Bytes(), want) {
		t.Fatalf("reply = %x, want %x", sink.reply.Bytes(), want)
	}
}

func TestRFC2217ValueEscaping(t *testing.T) {
	uart := newFakeUART()
	uart.parity = 0xFF // force the echoed value byte to need escaping
	p := NewParser(true, uart)
	sink := &recordingSink{}
	negotiate2217(p, sink)

	feedAll(p, sink, []byte{IAC, SB, OptComPort, cmdSetParity, 0xFF, IAC, IAC, SE})
	want := []byte{IAC, SB, OptComPort, cmdSetParity + replyOffset, 0xFF, 0xFF, IAC, SE}
	if !bytes.Equal(sink.reply.Bytes(), want) {
		t.Fatalf("reply = %x, want %x (0xFF in the value must be doubled)", sink.reply.Bytes(), want)
	}
}

func TestRFC2217NotifyModemAndLineStateUseDistinctCodes(t *testing.T) {
	uart := newFakeUART()
	p := NewParser(true, uart)
	sink := &recordingSink{}
	negotiate2217(p, sink)

	// Arm both masks wide open so any non-zero state is reported.
	// (a 0xFF value byte is sent doubled, as telnet escaping requires).
	feedAll(p, sink, []byte{IAC, SB, OptComPort, cmdSetModemstateMask, 0xFF, 0xFF, IAC, SE})
	feedAll(p, sink, []byte{IAC, SB, OptComPort, cmdSetLinestateMask, 0xFF, 0xFF, IAC, SE})
	sink.reply.Reset()

	p.NotifyModemState(0x20, sink)
	wantModem := []byte{IAC, SB, OptComPort, cmdNotifyModemstate + replyOffset, 0x20, IAC, SE}
	if !bytes.Equal(sink.reply.Bytes(), wantModem) {
		t.Fatalf("NotifyModemState reply = %x, want %x", sink.reply.Bytes(), wantModem)
	}

	sink.reply.Reset()
	p.NotifyLineState(0x01, sink)
	wantLine := []byte{IAC, SB, OptComPort, cmdNotifyLinestate + replyOffset, 0x01, IAC, SE}
	if !bytes.Equal(sink.reply.Bytes(), wantLine) {
		t.Fatalf("NotifyLineState reply = %x, want %x", sink.reply.Bytes(), wantLine)
	}

	if cmdNotifyModemstate == cmdSetModemstateMask || cmdNotifyLinestate == cmdSetLinestateMask {
		t.Fatalf("NOTIFY-* and SET-*-MASK command codes must be distinct per RFC 2217")
	}
}

func TestRFC2217NotifyStateSuppressesUnchangedRepeat(t *testing.T) {
	uart := newFakeUART()
	p := NewParser(true, uart)
	sink := &recordingSink{}
	negotiate2217(p, sink)
	feedAll(p, sink, []byte{IAC, SB, OptComPort, cmdSetLinestateMask, 0xFF, 0xFF, IAC, SE})
	sink.reply.Reset()

	p.NotifyLineState(0x01, sink)
	if sink.reply.Len() == 0 {
		t.Fatalf("first NotifyLineState should emit a reply")
	}
	sink.reply.Reset()
	p.NotifyLineState(0x01, sink)
	if sink.reply.Len() != 0 {
		t.Fatalf("repeating the same line state must not re-notify, got %x", sink.reply.Bytes())
	}
}

func TestRFC2217IdempotentApply(t *testing.T) {
	uart := newFakeUART()
	p := NewParser(true, uart)
	sink := &recordingSink{}
	negotiate2217(p, sink)

	cmd := []byte{IAC, SB, OptComPort, cmdSetDatasize, 7, IAC, SE}
	feedAll(p, sink, cmd)
	first := append([]byte(nil), sink.reply.Bytes()...)
	sink.reply.Reset()
	feedAll(p, sink, cmd)
	second := sink.reply.Bytes()
	if !bytes.Equal(first, second) {
		t.Fatalf("applying the same RFC-2217 command twice produced different replies: %x vs %x", first, second)
	}
}
