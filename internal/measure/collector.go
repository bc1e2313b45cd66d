// Package measure samples round-trip time with the system ping tool while a
// trial's traffic is not running, and parses its summary.
package measure

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/NodePath81/ccbench/internal/config"
	"github.com/NodePath81/ccbench/internal/emulator"
	"github.com/NodePath81/ccbench/internal/model"
	"github.com/NodePath81/ccbench/internal/util"
)

// ping exits 1 when no reply arrived; the report is still valid.
const pingNoReplyCode = 1

var (
	statsRe = regexp.MustCompile(`(\d+) packets transmitted, (\d+) (?:packets )?received`)
	lossRe  = regexp.MustCompile(`([\d.]+)% packet loss`)
	rttRe   = regexp.MustCompile(`(?:rtt|round-trip) min/avg/max/(?:mdev|stddev) = ([\d.]+)/([\d.]+)/([\d.]+)/([\d.]+)`)
)

type Options struct {
	Count    int
	Interval time.Duration
}

func OptionsFromConfig(cfg config.ProbeConfig) Options {
	return Options{Count: cfg.Count, Interval: cfg.Interval.Duration()}
}

// Sample is one ping run: its raw output and parsed summary.
type Sample struct {
	Stats model.ProbeStats
	Raw   string
}

type Collector struct {
	opts   Options
	logger util.Logger
}

func NewCollector(opts Options, logger util.Logger) *Collector {
	return &Collector{opts: opts, logger: logger}
}

// Command is the ping invocation for dst.
func (c *Collector) Command(dst string) string {
	return fmt.Sprintf("ping -c %d -i %s %s", c.opts.Count, formatInterval(c.opts.Interval), dst)
}

// CollectRTT runs ping from src to dst and returns its report. Packet loss,
// including total loss, is a measurement and not an error.
func (c *Collector) CollectRTT(ctx context.Context, network emulator.Network, src, dst string) (Sample, error) {
	ip, err := network.HostIP(dst)
	if err != nil {
		return Sample{}, err
	}
	timeout := time.Duration(c.opts.Count)*c.opts.Interval + 10*time.Second
	out, err := network.Execute(ctx, src, c.Command(ip.String()), timeout)
	if err != nil {
		var exitErr *emulator.ExitError
		if !errors.As(err, &exitErr) || exitErr.Code != pingNoReplyCode {
			return Sample{}, fmt.Errorf("rtt probe %s -> %s: %w", src, dst, err)
		}
	}
	raw := string(out)
	stats, err := ParsePing(raw)
	if err != nil {
		return Sample{}, fmt.Errorf("rtt probe %s -> %s: %w", src, dst, err)
	}
	c.logger.Info("rtt collected", "src", src, "dst", dst, "loss_percent", stats.LossPercent, "rtt_avg_ms", stats.AvgMs)
	return Sample{Stats: stats, Raw: raw}, nil
}

// ParsePing reads the summary lines of iputils or BSD ping output.
func ParsePing(out string) (model.ProbeStats, error) {
	var stats model.ProbeStats
	m := statsRe.FindStringSubmatch(out)
	if m == nil {
		return stats, errors.New("ping output has no packet summary")
	}
	stats.Transmitted, _ = strconv.Atoi(m[1])
	stats.Received, _ = strconv.Atoi(m[2])
	if lm := lossRe.FindStringSubmatch(out); lm != nil {
		stats.LossPercent, _ = strconv.ParseFloat(lm[1], 64)
	} else if stats.Transmitted > 0 {
		stats.LossPercent = float64(stats.Transmitted-stats.Received) / float64(stats.Transmitted) * 100
	}
	if rm := rttRe.FindStringSubmatch(out); rm != nil {
		stats.MinMs, _ = strconv.ParseFloat(rm[1], 64)
		stats.AvgMs, _ = strconv.ParseFloat(rm[2], 64)
		stats.MaxMs, _ = strconv.ParseFloat(rm[3], 64)
		stats.MdevMs, _ = strconv.ParseFloat(rm[4], 64)
		stats.HasRTT = true
	}
	return stats, nil
}

func formatInterval(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
