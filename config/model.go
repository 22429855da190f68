// Package config defines the persisted per-port configuration the session
// engine reads at startup and whenever a reconfigure fires, and the
// viper-backed store that loads/saves it.
package config

import "fmt"

// Role selects whether a port's session engine listens for an inbound
// connection or dials a remote endpoint.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Protocol selects whether a port's TCP stream is wrapped in Telnet/
// RFC-2217 option negotiation or passed through untouched.
type Protocol string

const (
	ProtocolTelnet Protocol = "telnet"
	ProtocolRaw    Protocol = "raw"
)

// Parity mirrors serial.Parity as a config-layer string so persisted
// files stay human-readable; the session package converts it to
// serial.Parity when it applies a Port to the UART.
type Parity string

const (
	ParityNone  Parity = "none"
	ParityOdd   Parity = "odd"
	ParityEven  Parity = "even"
	ParityMark  Parity = "mark"
	ParitySpace Parity = "space"
)

// FlowControl mirrors serial.FlowControl as a config-layer string.
type FlowControl string

const (
	FlowControlNone     FlowControl = "none"
	FlowControlHardware FlowControl = "hardware"
)

// Port is one UART port's persisted configuration (spec.md §3's "Port
// configuration"). Field names match the mapstructure keys viper will
// bind from YAML/TOML/env; validate tags are enforced by
// go-playground/validator before a Port is ever handed to a session.
type Port struct {
	BaudRate    uint32      `mapstructure:"baud_rate" validate:"required,gt=0"`
	DataBits    int         `mapstructure:"data_bits" validate:"oneof=5 6 7 8"`
	Parity      Parity      `mapstructure:"parity" validate:"oneof=none odd even mark space"`
	StopBits    int         `mapstructure:"stop_bits" validate:"oneof=1 2"`
	FlowControl FlowControl `mapstructure:"flow_control" validate:"oneof=none hardware"`

	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds" validate:"gte=0"`

	LocalPort  int    `mapstructure:"local_port" validate:"required,gt=0,lte=65535"`
	RemotePort int    `mapstructure:"remote_port" validate:"gte=0,lte=65535"`
	RemoteAddr string `mapstructure:"remote_addr"`

	Role     Role     `mapstructure:"role" validate:"oneof=server client"`
	Protocol Protocol `mapstructure:"protocol" validate:"oneof=telnet raw"`

	// Device is the serial device node the session opens (e.g. /dev/ttyS0).
	// Not part of the distilled spec's data model, but every real bridge
	// needs to know which character device backs a port.
	Device string `mapstructure:"device" validate:"required"`
}

// Validate enforces the cross-field invariant spec.md §3 states in prose:
// remote_port/remote_addr are required exactly when role is Client.
// Per-field invariants are covered by the validator struct tags; callers
// run both (see validateModel in store.go).
func (p Port) Validate() error {
	if p.Role == RoleClient {
		if p.RemoteAddr == "" {
			return fmt.Errorf("remote_addr is required when role is client")
		}
		if p.RemotePort == 0 {
			return fmt.Errorf("remote_port is required when role is client")
		}
	}
	return nil
}

// Globals holds process-wide settings that are not per-port: the metrics
// listen address and the log level, in the ambient-stack spirit of
// spec.md's out-of-scope "configuration store" collaborator.
type Globals struct {
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	Metricslisten string `mapstructure:"metrics_listen"`
}

// Model is the full two-port configuration document, matching the
// external "Configuration store" interface's load()/save() contract of
// `PortConfig × 2 + globals`.
type Model struct {
	Globals Globals `mapstructure:"globals"`
	Ports   []Port  `mapstructure:"ports"`
}
