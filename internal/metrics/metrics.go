package metrics

import (
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/ccbench/internal/model"
)

type trialKey struct {
	controller string
	mode       string
	protocol   string
}

type trialMetrics struct {
	ThroughputBps    float64
	LossPercent      float64
	JitterMs         float64
	Retransmits      int64
	ProbeLossPercent float64
	RTTAvgMs         float64
	Attempts         int
}

// Metrics holds the latest value of every experiment gauge and renders them
// in the Prometheus text format.
type Metrics struct {
	mu          sync.Mutex
	state       string
	runID       string
	stateSince  time.Time
	transitions uint64
	runs        map[string]uint64
	trials      map[trialKey]trialMetrics
	startTime   time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		runs:      make(map[string]uint64),
		trials:    make(map[trialKey]trialMetrics),
		startTime: time.Now(),
	}
}

func (m *Metrics) SetState(runID, state string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runID = runID
	m.state = state
	m.stateSince = at
	m.transitions++
}

// IncRun counts a finished run by its outcome (complete, partial, failed).
func (m *Metrics) IncRun(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[outcome]++
}

func (m *Metrics) SetTrial(c model.Controller, mode model.Mode, t model.TrialResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trials[trialKey{controller: c.String(), mode: mode.String(), protocol: t.Protocol.String()}] = trialMetrics{
		ThroughputBps:    t.ThroughputBps,
		LossPercent:      t.LossPercent,
		JitterMs:         t.JitterMs,
		Retransmits:      t.Retransmits,
		ProbeLossPercent: t.Probe.LossPercent,
		RTTAvgMs:         t.Probe.AvgMs,
		Attempts:         t.Attempts,
	}
}

func (m *Metrics) Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(m.Render()))
}

func (m *Metrics) Render() string {
	m.mu.Lock()
	state := m.state
	runID := m.runID
	stateSince := m.stateSince
	transitions := m.transitions
	runs := make(map[string]uint64, len(m.runs))
	for k, v := range m.runs {
		runs[k] = v
	}
	keys := make([]trialKey, 0, len(m.trials))
	trials := make(map[trialKey]trialMetrics, len(m.trials))
	for k, v := range m.trials {
		keys = append(keys, k)
		trials[k] = v
	}
	startTime := m.startTime
	m.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.controller != b.controller {
			return a.controller < b.controller
		}
		if a.mode != b.mode {
			return a.mode < b.mode
		}
		return a.protocol < b.protocol
	})

	var b strings.Builder
	b.WriteString("# TYPE ccbench_run_state gauge\n")
	if state != "" {
		b.WriteString("ccbench_run_state{run=\"")
		b.WriteString(runID)
		b.WriteString("\",state=\"")
		b.WriteString(state)
		b.WriteString("\"} 1\n")
		b.WriteString("# TYPE ccbench_run_state_since_seconds gauge\n")
		b.WriteString("ccbench_run_state_since_seconds ")
		b.WriteString(formatFloat(float64(stateSince.UnixMilli()) / 1000))
		b.WriteString("\n")
	}
	b.WriteString("# TYPE ccbench_state_transitions_total counter\n")
	b.WriteString("ccbench_state_transitions_total ")
	b.WriteString(strconv.FormatUint(transitions, 10))
	b.WriteString("\n")

	b.WriteString("# TYPE ccbench_runs_total counter\n")
	outcomes := make([]string, 0, len(runs))
	for k := range runs {
		outcomes = append(outcomes, k)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		b.WriteString("ccbench_runs_total{outcome=\"")
		b.WriteString(o)
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(runs[o], 10))
		b.WriteString("\n")
	}

	gauge := func(name string, value func(trialMetrics) float64) {
		b.WriteString("# TYPE ")
		b.WriteString(name)
		b.WriteString(" gauge\n")
		for _, k := range keys {
			b.WriteString(name)
			b.WriteString("{controller=\"")
			b.WriteString(k.controller)
			b.WriteString("\",mode=\"")
			b.WriteString(k.mode)
			b.WriteString("\",protocol=\"")
			b.WriteString(k.protocol)
			b.WriteString("\"} ")
			b.WriteString(formatFloat(value(trials[k])))
			b.WriteString("\n")
		}
	}
	gauge("ccbench_trial_throughput_bps", func(t trialMetrics) float64 { return t.ThroughputBps })
	gauge("ccbench_trial_loss_percent", func(t trialMetrics) float64 { return t.LossPercent })
	gauge("ccbench_trial_jitter_ms", func(t trialMetrics) float64 { return t.JitterMs })
	gauge("ccbench_trial_retransmits", func(t trialMetrics) float64 { return float64(t.Retransmits) })
	gauge("ccbench_trial_attempts", func(t trialMetrics) float64 { return float64(t.Attempts) })
	gauge("ccbench_probe_loss_percent", func(t trialMetrics) float64 { return t.ProbeLossPercent })
	gauge("ccbench_probe_rtt_avg_ms", func(t trialMetrics) float64 { return t.RTTAvgMs })

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	b.WriteString("# TYPE ccbench_memory_alloc_bytes gauge\n")
	b.WriteString("ccbench_memory_alloc_bytes ")
	b.WriteString(strconv.FormatUint(mem.Alloc, 10))
	b.WriteString("\n")
	b.WriteString("# TYPE ccbench_uptime_seconds gauge\n")
	b.WriteString("ccbench_uptime_seconds ")
	b.WriteString(formatFloat(time.Since(startTime).Seconds()))
	b.WriteString("\n")
	return b.String()
}

func formatFloat(val float64) string {
	return strconv.FormatFloat(val, 'f', 6, 64)
}
