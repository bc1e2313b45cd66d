package workload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/NodePath81/ccbench/internal/model"
)

const defaultMSS = 1448

// Report is the parsed summary of one traffic generator run.
type Report struct {
	Protocol      model.Protocol
	ThroughputBps float64
	LossPercent   float64
	JitterMs      float64
	Retransmits   int64
	LostPackets   int64
	Packets       int64
	Raw           []byte
}

type iperfSum struct {
	Bytes         float64 `json:"bytes"`
	BitsPerSecond float64 `json:"bits_per_second"`
	Retransmits   int64   `json:"retransmits"`
	JitterMs      float64 `json:"jitter_ms"`
	LostPackets   int64   `json:"lost_packets"`
	Packets       int64   `json:"packets"`
	LostPercent   float64 `json:"lost_percent"`
}

type iperfResult struct {
	Start struct {
		TCPMSSDefault int `json:"tcp_mss_default"`
	} `json:"start"`
	End struct {
		SumSent     *iperfSum `json:"sum_sent"`
		SumReceived *iperfSum `json:"sum_received"`
		Sum         *iperfSum `json:"sum"`
	} `json:"end"`
	Error string `json:"error"`
}

// ErrToolReported marks a report that parsed but carries the tool's own
// error message.
var ErrToolReported = errors.New("traffic generator reported an error")

// ServerCommand starts iperf3 as a daemon on port.
func ServerCommand(port int) string {
	return fmt.Sprintf("iperf3 -s -D -p %d", port)
}

// KillCommand stops any iperf3 process on the host. pkill exits 1 when
// nothing matched, which callers ignore.
func KillCommand() string {
	return "pkill -9 iperf3"
}

// ClientCommand builds the iperf3 client invocation for protocol. TCP
// variants select the congestion control algorithm; UDP sends at udpRate
// bits per second.
func ClientCommand(protocol model.Protocol, dst string, port int, duration time.Duration, udpRate uint64) (string, error) {
	secs := int(duration.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	args := []string{"iperf3", "-c", dst, "-p", strconv.Itoa(port)}
	switch {
	case protocol.IsTCP():
		args = append(args, "-C", protocol.CongestionControl())
	case protocol == model.ProtocolUDP:
		if udpRate == 0 {
			return "", fmt.Errorf("udp rate must be > 0")
		}
		args = append(args, "-u", "-b", strconv.FormatUint(udpRate, 10))
	default:
		return "", fmt.Errorf("unsupported protocol %s", protocol)
	}
	args = append(args, "-t", strconv.Itoa(secs), "-J")
	return strings.Join(args, " "), nil
}

// ParseReport extracts the summary of an iperf3 -J report.
//
// TCP: throughput is the receiver side rate; loss is estimated from sender
// retransmissions over the number of MSS-sized segments sent.
// UDP: throughput, jitter and loss come from the end summary as reported.
func ParseReport(protocol model.Protocol, raw []byte) (Report, error) {
	var res iperfResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return Report{}, fmt.Errorf("decode iperf3 report: %w", err)
	}
	if res.Error != "" {
		return Report{}, fmt.Errorf("%w: %s", ErrToolReported, res.Error)
	}
	rep := Report{Protocol: protocol, Raw: raw}

	if protocol.IsTCP() {
		sent, recv := res.End.SumSent, res.End.SumReceived
		if sent == nil || recv == nil {
			return Report{}, errors.New("iperf3 report has no end.sum_sent/sum_received")
		}
		rep.ThroughputBps = recv.BitsPerSecond
		rep.Retransmits = sent.Retransmits
		mss := res.Start.TCPMSSDefault
		if mss <= 0 {
			mss = defaultMSS
		}
		if segments := sent.Bytes / float64(mss); segments > 0 {
			rep.LossPercent = clampPercent(float64(sent.Retransmits) / segments * 100)
		}
		return rep, nil
	}

	sum := res.End.Sum
	if sum == nil {
		sum = res.End.SumReceived
	}
	if sum == nil {
		return Report{}, errors.New("iperf3 report has no end.sum")
	}
	rep.ThroughputBps = sum.BitsPerSecond
	rep.JitterMs = sum.JitterMs
	rep.LostPackets = sum.LostPackets
	rep.Packets = sum.Packets
	rep.LossPercent = clampPercent(sum.LostPercent)
	return rep, nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
