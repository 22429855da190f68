package session

import (
	"github.com/daedaluz/ser2enet/serial"
)

// uartAdapter implements protocol.UARTCommands over a Session's
// *serial.Controller, translating RFC-2217 wire values to/from the
// serial package's typed constants, and folding in the two bits of
// session-level state (suspend_tx_to_peer, the notification masks) that
// RFC 2217 commands mutate but that are not properties of the UART itself.
type uartAdapter struct {
	session *Session
}

func (a *uartAdapter) ctrl() *serial.Controller { return a.session.ctrl }

func (a *uartAdapter) SetBaud(v uint32) (uint32, error) { return a.ctrl().SetBaud(v) }
func (a *uartAdapter) GetBaud() (uint32, error)         { return a.ctrl().GetBaud() }

func (a *uartAdapter) SetDataBits(v int) (int, error) { return a.ctrl().SetDataBits(v) }
func (a *uartAdapter) GetDataBits() (int, error)       { return a.ctrl().GetDataBits() }

// RFC 2217 parity wire values (1=none .. 5=space) are numerically
// identical to serial.Parity's iota assignment, so the cast is exact.
func (a *uartAdapter) SetParity(v byte) (byte, error) {
	p, err := a.ctrl().SetParity(serial.Parity(v))
	return byte(p), err
}

func (a *uartAdapter) GetParity() (byte, error) {
	p, err := a.ctrl().GetParity()
	return byte(p), err
}

func (a *uartAdapter) SetStopBits(v int) (int, error) { return a.ctrl().SetStopBits(v) }
func (a *uartAdapter) GetStopBits() (int, error)       { return a.ctrl().GetStopBits() }

// RFC 2217 SET-CONTROL flow-control values: 1=none, 2=xon/xoff (not
// supported by this bridge), 3=hardware. Anything else is a query
// variant handled entirely in protocol.rfc2217Parser.execSetControl.
func (a *uartAdapter) SetFlowControl(v byte) (byte, error) {
	var fc serial.FlowControl
	if v == 3 {
		fc = serial.FlowHardware
	} else {
		fc = serial.FlowNone
	}
	applied, err := a.ctrl().SetFlowControl(fc)
	return flowControlWireValue(applied), err
}

func (a *uartAdapter) GetFlowControl() byte {
	return flowControlWireValue(a.ctrl().GetFlowControl())
}

func flowControlWireValue(fc serial.FlowControl) byte {
	if fc == serial.FlowHardware {
		return 3
	}
	return 1
}

func (a *uartAdapter) SetFlowOut(assert bool) error {
	if assert {
		return a.ctrl().SetFlowOut(serial.FlowOutSet)
	}
	return a.ctrl().SetFlowOut(serial.FlowOutClear)
}

// Purge's RFC 2217 wire values (1=RX, 2=TX, 3=both) are numerically
// identical to serial.PurgeMask's bit layout.
func (a *uartAdapter) Purge(mask byte) error {
	return a.ctrl().Purge(serial.PurgeMask(mask))
}

func (a *uartAdapter) Signature() string {
	return "ser2enet"
}

func (a *uartAdapter) SetSuspendTxToPeer(suspend bool) {
	a.session.mu.Lock()
	a.session.suspendTxToPeer = suspend
	a.session.mu.Unlock()
}

func (a *uartAdapter) SetLineStateMask(mask byte) {
	a.session.mu.Lock()
	a.session.lineStateMask = mask
	a.session.mu.Unlock()
}

func (a *uartAdapter) SetModemStateMask(mask byte) {
	a.session.mu.Lock()
	a.session.modemStateMask = mask
	a.session.mu.Unlock()
}

// ringPurger implements serial.RingPurger over the session's two ring
// buffers, letting Controller.Purge clear them without importing ringbuf.
type ringPurger struct {
	session *Session
}

func (p *ringPurger) PurgeRX() { p.session.rxRing.Flush() }
func (p *ringPurger) PurgeTX() { p.session.txRing.Flush() }
