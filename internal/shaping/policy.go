// Package shaping owns the link shaping numbers of the experiment and applies
// them to interfaces with tc (HTB + netem) over netlink.
package shaping

import (
	"fmt"
	"time"

	"github.com/NodePath81/ccbench/internal/model"
)

const (
	accessBandwidthMbps = 1000

	bottleneckBandwidthMbps = 10
	bottleneckDelay         = 50 * time.Millisecond
	bottleneckLossPercent   = 1
	bottleneckQueuePackets  = 100
)

// LinkShape is the tc configuration of one link. A zero Delay and LossPercent
// means the link is only rate limited.
type LinkShape struct {
	BandwidthMbps float64       `json:"bandwidth_mbps" yaml:"bandwidth_mbps"`
	Delay         time.Duration `json:"delay" yaml:"delay"`
	LossPercent   float64       `json:"loss_percent" yaml:"loss_percent"`
	MaxQueueSize  int           `json:"max_queue_size,omitempty" yaml:"max_queue_size,omitempty"`
}

func (s LinkShape) BandwidthBits() uint64 {
	return uint64(s.BandwidthMbps * 1_000_000)
}

// Impaired reports whether the link needs a netem stage.
func (s LinkShape) Impaired() bool {
	return s.Delay > 0 || s.LossPercent > 0
}

func (s LinkShape) Validate() error {
	if s.BandwidthMbps <= 0 {
		return fmt.Errorf("bandwidth must be > 0, got %v Mbps", s.BandwidthMbps)
	}
	if s.Delay < 0 {
		return fmt.Errorf("delay must be >= 0, got %v", s.Delay)
	}
	if s.LossPercent < 0 || s.LossPercent > 100 {
		return fmt.Errorf("loss must be in [0,100], got %v%%", s.LossPercent)
	}
	if s.MaxQueueSize < 0 {
		return fmt.Errorf("max queue size must be >= 0, got %d", s.MaxQueueSize)
	}
	return nil
}

func (s LinkShape) String() string {
	if !s.Impaired() {
		return fmt.Sprintf("%gMbps", s.BandwidthMbps)
	}
	return fmt.Sprintf("%gMbps delay=%s loss=%g%%", s.BandwidthMbps, s.Delay, s.LossPercent)
}

// Shape returns the bottleneck link parameters for mode. Debug mode keeps the
// bottleneck at access speed with no impairment so functional runs are fast.
func Shape(mode model.Mode) LinkShape {
	if mode == model.ModeBottleneck {
		return LinkShape{
			BandwidthMbps: bottleneckBandwidthMbps,
			Delay:         bottleneckDelay,
			LossPercent:   bottleneckLossPercent,
			MaxQueueSize:  bottleneckQueuePackets,
		}
	}
	return Access()
}

// Access is the shape of every host and switch uplink.
func Access() LinkShape {
	return LinkShape{BandwidthMbps: accessBandwidthMbps}
}
