package serial

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// FlowOutAction is the RFC-2217 SET-CONTROL 11/12 manual override for the
// outbound flow-control line.
type FlowOutAction byte

const (
	FlowOutSet FlowOutAction = iota
	FlowOutClear
)

// modemPollInterval is how often WatchModem samples TIOCM_CTS on Linux
// serial devices that have no GPIO-edge interrupt for inbound flow
// control, substituting for the original firmware's GPIO ISR.
const modemPollInterval = 20 * time.Millisecond

// flow-out hysteresis thresholds from spec.md §4.2.
const (
	flowOutAssertNum, flowOutAssertDen   = 3, 4 // 75%
	flowOutDeassertNum, flowOutDeassertDen = 1, 4 // 25%
)

// OnRXUsedChanged implements the flow-out hysteresis policy: assert the
// outbound line (RTS held low / "not ready") once the RX ring crosses
// 75% full, and de-assert it once the ring drains below 25% full, unless
// a manual override set via SetFlowOut is latching it asserted.
func (c *Controller) OnRXUsedChanged(used, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flowControl != FlowHardware || capacity <= 0 {
		return
	}

	switch {
	case used*flowOutAssertDen >= capacity*flowOutAssertNum:
		if !c.flowOutAsserted {
			c.setFlowOutLocked(true)
		}
	case used*flowOutDeassertDen < capacity*flowOutDeassertNum:
		if c.flowOutAsserted && !c.flowOutLatched {
			c.setFlowOutLocked(false)
		}
	}
}

// SetFlowOut applies the RFC-2217 SET-CONTROL 11 ("assert and latch") or
// 12 ("clear the latch, resume automatic policy") manual overrides.
func (c *Controller) SetFlowOut(action FlowOutAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch action {
	case FlowOutSet:
		c.flowOutLatched = true
		return c.setFlowOutLocked(true)
	default:
		c.flowOutLatched = false
		return nil
	}
}

// FlowOutAsserted reports whether the outbound line is currently held
// asserted ("not ready").
func (c *Controller) FlowOutAsserted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flowOutAsserted
}

func (c *Controller) setFlowOutLocked(assert bool) error {
	c.flowOutAsserted = assert
	if assert {
		return errors.Wrap(c.port.EnableModemLines(TIOCM_RTS), "assert RTS")
	}
	return errors.Wrap(c.port.DisableModemLines(TIOCM_RTS), "deassert RTS")
}

// ModemState is the subset of modem-control-line bits the session cares
// about for RFC-2217 NOTIFY-MODEMSTATE notifications.
type ModemState byte

// Bit positions within the RFC-2217 modem-state byte (RFC 2217 §3.4).
const (
	ModemCTSChanged ModemState = 1 << 0
	ModemDSRChanged ModemState = 1 << 1
	ModemRIChanged  ModemState = 1 << 2
	ModemCDChanged  ModemState = 1 << 3
	ModemCTS        ModemState = 1 << 4
	ModemDSR        ModemState = 1 << 5
	ModemRI         ModemState = 1 << 6
	ModemCD         ModemState = 1 << 7
)

func modemStateFromLines(lines ModemLine, prev ModemState) ModemState {
	var s ModemState
	if lines&TIOCM_CTS != 0 {
		s |= ModemCTS
	}
	if lines&TIOCM_DSR != 0 {
		s |= ModemDSR
	}
	if lines&TIOCM_RNG != 0 {
		s |= ModemRI
	}
	if lines&TIOCM_CAR != 0 {
		s |= ModemCD
	}
	if (s^prev)&ModemCTS != 0 {
		s |= ModemCTSChanged
	}
	if (s^prev)&ModemDSR != 0 {
		s |= ModemDSRChanged
	}
	if (s^prev)&ModemRI != 0 {
		s |= ModemRIChanged
	}
	if (s^prev)&ModemCD != 0 {
		s |= ModemCDChanged
	}
	return s
}

// WatchModem polls the UART's modem-control lines and reports state
// changes on the returned channel, applying the flow-in policy (an edge
// on the inbound flow-control line enables or disables the UART
// transmitter) along the way. It substitutes, on Linux termios devices,
// for the GPIO edge interrupt the original firmware used. The channel is
// closed when ctx is cancelled.
func (c *Controller) WatchModem(ctx context.Context) <-chan ModemState {
	out := make(chan ModemState, 8)
	go func() {
		defer close(out)
		ticker := time.NewTicker(modemPollInterval)
		defer ticker.Stop()

		var prev ModemState
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			lines, err := c.port.GetModemLines()
			if err != nil {
				continue
			}
			state := modemStateFromLines(lines, prev)
			if state == prev {
				continue
			}
			c.onFlowInEdge(state&ModemCTS != 0)
			prev = state &^ (ModemCTSChanged | ModemDSRChanged | ModemRIChanged | ModemCDChanged)
			select {
			case out <- state:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// onFlowInEdge enables or disables the UART transmitter based on the
// peer's inbound flow-control signal (CTS clear = peer wants us to stop
// sending).
func (c *Controller) onFlowInEdge(ctsAsserted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flowControl != FlowHardware {
		return
	}
	c.txHeld = !ctsAsserted
}
