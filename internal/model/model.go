// Package model holds the closed enumerations and result records shared by the
// experiment pipeline. Free-text input is decoded into these types once, at
// the CLI/config boundary.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/NodePath81/ccbench/internal/errdefs"
)

type Mode int

const (
	ModeDebug Mode = iota + 1
	ModeBottleneck
)

func (m Mode) String() string {
	switch m {
	case ModeDebug:
		return "debug"
	case ModeBottleneck:
		return "bottleneck"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) Valid() bool {
	return m == ModeDebug || m == ModeBottleneck
}

// ParseMode accepts the mode name or the menu number shown by the prompt.
// "project" is kept as an alias of bottleneck.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "debug":
		return ModeDebug, nil
	case "2", "bottleneck", "project":
		return ModeBottleneck, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q (want debug or bottleneck)", errdefs.ErrConfiguration, s)
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

type Controller int

const (
	ControllerPOX Controller = iota + 1
	ControllerRyu
)

func (c Controller) String() string {
	switch c {
	case ControllerPOX:
		return "pox"
	case ControllerRyu:
		return "ryu"
	default:
		return fmt.Sprintf("controller(%d)", int(c))
	}
}

func (c Controller) Valid() bool {
	return c == ControllerPOX || c == ControllerRyu
}

// OpenFlowVersion is the protocol the switches must speak to this controller:
// POX's l2_learning is OpenFlow 1.0, Ryu's simple_switch_13 is OpenFlow 1.3.
func (c Controller) OpenFlowVersion() string {
	if c == ControllerRyu {
		return "OpenFlow13"
	}
	return "OpenFlow10"
}

func ParseController(s string) (Controller, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "pox":
		return ControllerPOX, nil
	case "2", "ryu":
		return ControllerRyu, nil
	default:
		return 0, fmt.Errorf("%w: unknown controller %q (want pox or ryu)", errdefs.ErrConfiguration, s)
	}
}

func (c Controller) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid controller %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Controller) UnmarshalText(b []byte) error {
	parsed, err := ParseController(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

type Protocol int

const (
	ProtocolTCPReno Protocol = iota + 1
	ProtocolTCPCubic
	ProtocolUDP
)

// Protocols returns the trial order used by every run.
func Protocols() []Protocol {
	return []Protocol{ProtocolTCPReno, ProtocolTCPCubic, ProtocolUDP}
}

func (p Protocol) String() string {
	switch p {
	case ProtocolTCPReno:
		return "reno"
	case ProtocolTCPCubic:
		return "cubic"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

func (p Protocol) IsTCP() bool {
	return p == ProtocolTCPReno || p == ProtocolTCPCubic
}

// CongestionControl is the Linux congestion-control name for TCP variants and
// empty for UDP.
func (p Protocol) CongestionControl() string {
	if p.IsTCP() {
		return p.String()
	}
	return ""
}

func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reno", "tcp-reno":
		return ProtocolTCPReno, nil
	case "cubic", "tcp-cubic":
		return ProtocolTCPCubic, nil
	case "udp":
		return ProtocolUDP, nil
	default:
		return 0, fmt.Errorf("%w: unknown protocol %q", errdefs.ErrConfiguration, s)
	}
}

func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Protocol) UnmarshalText(b []byte) error {
	parsed, err := ParseProtocol(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ProbeStats summarizes a round-trip probe report. It measures control
// traffic and is kept apart from the trial's own loss figure.
type ProbeStats struct {
	Transmitted int     `json:"transmitted"`
	Received    int     `json:"received"`
	LossPercent float64 `json:"loss_percent"`
	MinMs       float64 `json:"rtt_min_ms"`
	AvgMs       float64 `json:"rtt_avg_ms"`
	MaxMs       float64 `json:"rtt_max_ms"`
	MdevMs      float64 `json:"rtt_mdev_ms"`
	HasRTT      bool    `json:"has_rtt"`
}

// TrialResult is one protocol's measurement. It is built once by the
// orchestrator and not modified after it is handed to the result store.
type TrialResult struct {
	Protocol   Protocol  `json:"protocol"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"started_at"`
	CapturedAt time.Time `json:"captured_at"`

	// Data-plane figures from the traffic generator's report.
	ThroughputBps float64 `json:"throughput_bps"`
	LossPercent   float64 `json:"loss_percent"`
	JitterMs      float64 `json:"jitter_ms,omitempty"`
	Retransmits   int64   `json:"retransmits,omitempty"`
	LostPackets   int64   `json:"lost_packets,omitempty"`
	Packets       int64   `json:"packets,omitempty"`

	Probe ProbeStats `json:"probe"`

	TrafficReport []byte `json:"-"`
	ProbeReport   string `json:"-"`
}

type RunStatus int

const (
	RunRunning RunStatus = iota
	RunComplete
	RunFailed
)

func (s RunStatus) String() string {
	switch s {
	case RunRunning:
		return "running"
	case RunComplete:
		return "complete"
	case RunFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s RunStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ExperimentRun aggregates one controller/mode execution.
type ExperimentRun struct {
	ID         string
	Controller Controller
	Mode       Mode
	StartedAt  time.Time
	FinishedAt time.Time
	Trials     []TrialResult
	Status     RunStatus
	Err        error
}

// Partial reports whether the run stopped before all trials completed but
// still produced results worth keeping.
func (r *ExperimentRun) Partial() bool {
	return r.Status != RunComplete && len(r.Trials) > 0
}

func (r *ExperimentRun) Trial(p Protocol) (TrialResult, bool) {
	for _, t := range r.Trials {
		if t.Protocol == p {
			return t, true
		}
	}
	return TrialResult{}, false
}
