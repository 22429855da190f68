// Package serial wraps the teacher goserial package's termios/ioctl
// primitives (in this same package, see port_linux.go) with the
// higher-level UART Port Controller behaviour the bridge needs: typed
// baud/data/parity/stop/flow setters and getters, clamping of
// out-of-range requests, and the flow-control hysteresis and purge
// policy described by the serial-to-Ethernet bridge specification.
package serial

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Parity mirrors the RFC-2217 SET-PARITY wire values (1..5), which also
// match the original firmware's SERIAL_PARITY_* constants.
type Parity byte

const (
	ParityNone Parity = iota + 1
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	case ParityMark:
		return "mark"
	case ParitySpace:
		return "space"
	default:
		return fmt.Sprintf("Parity(%d)", byte(p))
	}
}

// FlowControl selects whether the UART asserts/honours hardware flow
// control lines.
type FlowControl byte

const (
	FlowNone FlowControl = iota
	FlowHardware
)

// PurgeMask selects which ring(s) a Purge call clears.
type PurgeMask byte

const (
	PurgeRX PurgeMask = 1 << iota
	PurgeTX
	PurgeBoth = PurgeRX | PurgeTX
)

// DefaultMaxBaud is used when a Controller is constructed without an
// explicit clock-derived ceiling; it matches a typical 16x-oversampled
// UART fed from a 48MHz clock (uart_clock/16).
const DefaultMaxBaud = 3_000_000

// ClampDataBits rounds an out-of-range data-size request to the nearest
// legal value in {5,6,7,8}.
func ClampDataBits(n int) int {
	switch {
	case n < 5:
		return 5
	case n > 8:
		return 8
	default:
		return n
	}
}

// ClampStopBits rounds an out-of-range stop-bits request to 1 or 2.
func ClampStopBits(n int) int {
	if n <= 1 {
		return 1
	}
	return 2
}

// ClampBaud rounds a baud request into (0, maxBaud]; a zero or negative
// maxBaud disables the ceiling.
func ClampBaud(requested uint32, maxBaud uint32) uint32 {
	if requested == 0 {
		requested = 1
	}
	if maxBaud > 0 && requested > maxBaud {
		return maxBaud
	}
	return requested
}

// RingPurger is implemented by the session that owns the ring buffers a
// Controller's Purge call must clear. Kept as a seam so this package
// never imports ringbuf.
type RingPurger interface {
	PurgeRX()
	PurgeTX()
}

// Controller is the UART Port Controller of the bridge: it configures the
// hardware UART via a *Port, mediates hardware flow control, and reports
// inbound flow-control line changes to its owning session.
type Controller struct {
	mu sync.Mutex

	port    *Port
	maxBaud uint32

	// PreferAchievedBaud, when true, makes GetBaud always report the
	// hardware-achieved rate instead of rounding back to the nominal
	// request within 1% deviation. Default false matches the original
	// firmware's behaviour (spec open question, decided in DESIGN.md).
	PreferAchievedBaud bool

	lastRequestedBaud uint32
	parity            Parity
	flowControl       FlowControl

	txHeld bool // true while an inbound flow-control edge is holding the transmitter off

	flowOutAsserted bool // true while the outbound flow-control line is held "not ready"
	flowOutLatched  bool // true while a manual RFC-2217 SET-CONTROL override is in effect

	purger RingPurger
}

// NewController wraps an already-open Port as a UART Port Controller.
func NewController(port *Port, purger RingPurger) *Controller {
	return &Controller{
		port:        port,
		maxBaud:     DefaultMaxBaud,
		parity:      ParityNone,
		flowControl: FlowNone,
		purger:      purger,
	}
}

// SetMaxBaud overrides the clock-derived baud ceiling used by ClampBaud.
func (c *Controller) SetMaxBaud(max uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxBaud = max
}

func (c *Controller) withAttrs2(fn func(attrs *Termios2) error) error {
	attrs, err := c.port.GetAttr2()
	if err != nil {
		return errors.Wrap(err, "get termios2 attrs")
	}
	if err := fn(attrs); err != nil {
		return err
	}
	return errors.Wrap(c.port.SetAttr2(TCSANOW, attrs), "set termios2 attrs")
}

// reenableTx is the hook every configuration setter calls after
// reprogramming hardware registers, matching spec.md §4.2's "re-enables
// the UART transmitter only if not currently held off by flow-control
// input." The kernel driver already honours CRTSCTS autonomously once
// hardware flow control is enabled; what this controller still owns is
// the software-visible TxHeld() bit the bridge consults before draining
// the TX ring, which onFlowInEdge (flowcontrol.go) keeps in sync with the
// last-seen CTS edge. There is nothing left to reassert here when a
// hold is in effect; it is not an error, it is the documented condition.
func (c *Controller) reenableTx() error {
	return nil
}

// TxHeld reports whether an inbound flow-control edge is currently
// holding the UART transmitter off. The session's bridge consults this
// before draining the TX ring to hardware.
func (c *Controller) TxHeld() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txHeld
}

// SetBaud clamps and applies a baud-rate request, returning the value
// GetBaud will now report.
func (c *Controller) SetBaud(requested uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clamped := ClampBaud(requested, c.maxBaud)
	if err := c.withAttrs2(func(attrs *Termios2) error {
		attrs.SetCustomSpeed(clamped)
		return nil
	}); err != nil {
		return 0, err
	}
	c.lastRequestedBaud = clamped
	if err := c.reenableTx(); err != nil {
		return 0, err
	}
	return c.getBaudLocked()
}

// GetBaud returns the UART's current baud rate, applying the spec's
// nominal-within-1%-else-achieved rounding rule.
func (c *Controller) GetBaud() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getBaudLocked()
}

func (c *Controller) getBaudLocked() (uint32, error) {
	attrs, err := c.port.GetAttr2()
	if err != nil {
		return 0, errors.Wrap(err, "get termios2 attrs")
	}
	achieved := attrs.OSpeed
	if achieved == 0 {
		achieved = c.lastRequestedBaud
	}
	if c.PreferAchievedBaud || c.lastRequestedBaud == 0 {
		return achieved, nil
	}
	deviation := deviationFraction(c.lastRequestedBaud, achieved)
	if deviation <= 0.01 {
		return c.lastRequestedBaud, nil
	}
	return achieved, nil
}

func deviationFraction(requested, achieved uint32) float64 {
	if requested == 0 {
		return 0
	}
	diff := int64(requested) - int64(achieved)
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(requested)
}

// SetDataBits clamps and applies a data-size request (5..8).
func (c *Controller) SetDataBits(n int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n = ClampDataBits(n)
	var size CFlag
	switch n {
	case 5:
		size = CS5
	case 6:
		size = CS6
	case 7:
		size = CS7
	default:
		size = CS8
	}
	if err := c.withAttrs2(func(attrs *Termios2) error {
		attrs.Cflag &= ^CSIZE
		attrs.Cflag |= size
		return nil
	}); err != nil {
		return 0, err
	}
	if err := c.reenableTx(); err != nil {
		return 0, err
	}
	return c.GetDataBits()
}

// GetDataBits returns the UART's current data-size setting.
func (c *Controller) GetDataBits() (int, error) {
	attrs, err := c.port.GetAttr2()
	if err != nil {
		return 0, errors.Wrap(err, "get termios2 attrs")
	}
	switch attrs.Cflag & CSIZE {
	case CS5:
		return 5, nil
	case CS6:
		return 6, nil
	case CS7:
		return 7, nil
	default:
		return 8, nil
	}
}

// SetParity applies a parity mode.
func (c *Controller) SetParity(p Parity) (Parity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p < ParityNone || p > ParitySpace {
		p = ParityNone
	}
	if err := c.withAttrs2(func(attrs *Termios2) error {
		attrs.Cflag &= ^(PARENB | PARODD | CMSPAR)
		switch p {
		case ParityNone:
		case ParityOdd:
			attrs.Cflag |= PARENB | PARODD
		case ParityEven:
			attrs.Cflag |= PARENB
		case ParityMark:
			attrs.Cflag |= PARENB | PARODD | CMSPAR
		case ParitySpace:
			attrs.Cflag |= PARENB | CMSPAR
		}
		return nil
	}); err != nil {
		return 0, err
	}
	c.parity = p
	if err := c.reenableTx(); err != nil {
		return 0, err
	}
	return c.parity, nil
}

// GetParity returns the UART's current parity mode.
func (c *Controller) GetParity() (Parity, error) {
	attrs, err := c.port.GetAttr2()
	if err != nil {
		return 0, errors.Wrap(err, "get termios2 attrs")
	}
	cf := attrs.Cflag
	switch {
	case cf&PARENB == 0:
		return ParityNone, nil
	case cf&CMSPAR != 0 && cf&PARODD != 0:
		return ParityMark, nil
	case cf&CMSPAR != 0:
		return ParitySpace, nil
	case cf&PARODD != 0:
		return ParityOdd, nil
	default:
		return ParityEven, nil
	}
}

// SetStopBits clamps and applies a stop-bits request (1 or 2).
func (c *Controller) SetStopBits(n int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n = ClampStopBits(n)
	if err := c.withAttrs2(func(attrs *Termios2) error {
		if n == 2 {
			attrs.Cflag |= CSTOPB
		} else {
			attrs.Cflag &= ^CSTOPB
		}
		return nil
	}); err != nil {
		return 0, err
	}
	if err := c.reenableTx(); err != nil {
		return 0, err
	}
	return c.GetStopBits()
}

// GetStopBits returns the UART's current stop-bits setting.
func (c *Controller) GetStopBits() (int, error) {
	attrs, err := c.port.GetAttr2()
	if err != nil {
		return 0, errors.Wrap(err, "get termios2 attrs")
	}
	if attrs.Cflag&CSTOPB != 0 {
		return 2, nil
	}
	return 1, nil
}

// SetFlowControl enables or disables hardware (RTS/CTS) flow control.
func (c *Controller) SetFlowControl(fc FlowControl) (FlowControl, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.withAttrs2(func(attrs *Termios2) error {
		if fc == FlowHardware {
			attrs.Cflag |= CRTSCTS
		} else {
			attrs.Cflag &= ^CRTSCTS
		}
		return nil
	}); err != nil {
		return 0, err
	}
	c.flowControl = fc
	if err := c.reenableTx(); err != nil {
		return 0, err
	}
	return c.flowControl, nil
}

// GetFlowControl returns the UART's current flow-control mode.
func (c *Controller) GetFlowControl() FlowControl {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flowControl
}

// Purge flushes the selected hardware queue(s) with TCFLSH and clears the
// matching ring buffer(s) through the RingPurger. It does not disable the
// receiver around the flush, and it does not re-evaluate the flow-out line
// afterwards; that happens on the next OnRXUsedChanged call.
func (c *Controller) Purge(mask PurgeMask) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var q Queue
	switch mask {
	case PurgeRX:
		q = TCIFLUSH
	case PurgeTX:
		q = TCOFLUSH
	default:
		q = TCIOFLUSH
	}
	if err := c.port.Flush(q); err != nil {
		return errors.Wrap(err, "flush hardware queue")
	}
	if c.purger != nil {
		if mask&PurgeRX != 0 {
			c.purger.PurgeRX()
		}
		if mask&PurgeTX != 0 {
			c.purger.PurgeTX()
		}
	}
	return c.reenableTx()
}

// UARTParams is the subset of a port's persisted configuration that the
// UART Port Controller itself applies to hardware (baud/data/parity/
// stop/flow). The full per-port configuration, including the TCP role
// and endpoint fields, lives in package config.
type UARTParams struct {
	BaudRate    uint32
	DataBits    int
	Parity      Parity
	StopBits    int
	FlowControl FlowControl
}

// ResetToDefaults configures the UART to a persisted set of parameters,
// matching the "reset UART to defaults" step the session engine runs on
// every new Connected transition.
func (c *Controller) ResetToDefaults(cfg UARTParams) error {
	if _, err := c.SetBaud(cfg.BaudRate); err != nil {
		return err
	}
	if _, err := c.SetDataBits(cfg.DataBits); err != nil {
		return err
	}
	if _, err := c.SetParity(cfg.Parity); err != nil {
		return err
	}
	if _, err := c.SetStopBits(cfg.StopBits); err != nil {
		return err
	}
	if _, err := c.SetFlowControl(cfg.FlowControl); err != nil {
		return err
	}
	return nil
}
