package experiment

import (
	"fmt"
	"time"

	"github.com/NodePath81/ccbench/internal/model"
)

type State int

const (
	StateInit State = iota
	StateTopologyUp
	StateConverged
	StateTrialReno
	StateTrialCubic
	StateTrialUDP
	StateCollected
	StatePersisted
	StateTornDown
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateTopologyUp:
		return "topology_up"
	case StateConverged:
		return "converged"
	case StateTrialReno:
		return "trial_reno"
	case StateTrialCubic:
		return "trial_cubic"
	case StateTrialUDP:
		return "trial_udp"
	case StateCollected:
		return "collected"
	case StatePersisted:
		return "persisted"
	case StateTornDown:
		return "torn_down"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func trialState(p model.Protocol) State {
	switch p {
	case model.ProtocolTCPReno:
		return StateTrialReno
	case model.ProtocolTCPCubic:
		return StateTrialCubic
	default:
		return StateTrialUDP
	}
}

type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Run is one experiment and the states it went through.
type Run struct {
	model.ExperimentRun
	State   State
	History []Transition
}

// Event is what observers see: a state change, optionally carrying the
// trial that was just captured.
type Event struct {
	RunID      string
	Controller model.Controller
	Mode       model.Mode
	State      State
	At         time.Time
	Trial      *model.TrialResult
	Err        string
}

type Observer interface {
	Observe(Event)
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
