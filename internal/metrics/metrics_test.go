package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/NodePath81/ccbench/internal/model"
)

func TestRenderTrialGauges(t *testing.T) {
	m := NewMetrics()
	m.SetState("run-1", "trial_udp", time.Unix(100, 0))
	m.SetTrial(model.ControllerPOX, model.ModeBottleneck, model.TrialResult{
		Protocol:      model.ProtocolUDP,
		Attempts:      1,
		ThroughputBps: 19_900_000,
		LossPercent:   71.5,
		JitterMs:      1.2,
		Probe:         model.ProbeStats{LossPercent: 0, AvgMs: 104.5},
	})
	m.IncRun("complete")

	out := m.Render()
	for _, want := range []string{
		`ccbench_run_state{run="run-1",state="trial_udp"} 1`,
		`ccbench_trial_loss_percent{controller="pox",mode="bottleneck",protocol="udp"} 71.500000`,
		`ccbench_probe_loss_percent{controller="pox",mode="bottleneck",protocol="udp"} 0.000000`,
		`ccbench_probe_rtt_avg_ms{controller="pox",mode="bottleneck",protocol="udp"} 104.500000`,
		`ccbench_runs_total{outcome="complete"} 1`,
		`ccbench_state_transitions_total 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("Render() missing %q\n%s", want, out)
		}
	}
}

func TestRenderEmpty(t *testing.T) {
	out := NewMetrics().Render()
	if strings.Contains(out, "ccbench_run_state{") {
		t.Fatalf("Render() reports a state before any run:\n%s", out)
	}
	if !strings.Contains(out, "ccbench_uptime_seconds") {
		t.Fatalf("Render() missing uptime:\n%s", out)
	}
}
