// Package workload runs one iperf3 trial between two emulated hosts and
// turns its JSON report into a Report.
package workload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NodePath81/ccbench/internal/config"
	"github.com/NodePath81/ccbench/internal/emulator"
	"github.com/NodePath81/ccbench/internal/errdefs"
	"github.com/NodePath81/ccbench/internal/model"
	"github.com/NodePath81/ccbench/internal/util"
)

const (
	serverExecTimeout = 10 * time.Second
	killExecTimeout   = 5 * time.Second
)

// TrialError is a failed trial. Persistent failures (the tool is missing)
// are not worth retrying.
type TrialError struct {
	Protocol   model.Protocol
	Attempt    int
	Persistent bool
	Err        error
}

func (e *TrialError) Error() string {
	kind := "transient"
	if e.Persistent {
		kind = "persistent"
	}
	return fmt.Sprintf("%s trial attempt %d (%s): %v", e.Protocol, e.Attempt, kind, e.Err)
}

func (e *TrialError) Unwrap() []error {
	return []error{errdefs.ErrTrialFailure, e.Err}
}

type Options struct {
	Duration     time.Duration
	ServerWarmup time.Duration
	ExecSlack    time.Duration
	UDPRateBits  uint64
	Port         int
}

func OptionsFromConfig(cfg config.TrialConfig) Options {
	return Options{
		Duration:     cfg.Duration.Duration(),
		ServerWarmup: cfg.ServerWarmup.Duration(),
		ExecSlack:    cfg.ExecSlack.Duration(),
		UDPRateBits:  cfg.UDPRateBits,
		Port:         cfg.Port,
	}
}

type Runner struct {
	opts   Options
	logger util.Logger
	sleep  func(context.Context, time.Duration) error
}

func NewRunner(opts Options, logger util.Logger) *Runner {
	return &Runner{opts: opts, logger: logger, sleep: util.Sleep}
}

// RunTrial starts an iperf3 server on dst, runs the client on src for the
// configured duration and parses its report. The server is always stopped
// before returning, so a following trial starts on a quiet link.
func (r *Runner) RunTrial(ctx context.Context, network emulator.Network, protocol model.Protocol, src, dst string) (Report, error) {
	fail := func(err error) (Report, error) {
		return Report{}, &TrialError{Protocol: protocol, Persistent: isPersistent(err), Err: err}
	}

	dstIP, err := network.HostIP(dst)
	if err != nil {
		return fail(err)
	}
	clientCmd, err := ClientCommand(protocol, dstIP.String(), r.opts.Port, r.opts.Duration, r.opts.UDPRateBits)
	if err != nil {
		return Report{}, &TrialError{Protocol: protocol, Persistent: true, Err: err}
	}

	_, _ = network.Execute(ctx, dst, KillCommand(), killExecTimeout)
	defer r.stopServer(network, dst)
	if _, err := network.Execute(ctx, dst, ServerCommand(r.opts.Port), serverExecTimeout); err != nil {
		return fail(fmt.Errorf("start server on %s: %w", dst, err))
	}
	if err := r.sleep(ctx, r.opts.ServerWarmup); err != nil {
		return fail(err)
	}

	r.logger.Info("trial running", "protocol", protocol.String(), "src", src, "dst", dst, "duration", r.opts.Duration)
	out, execErr := network.Execute(ctx, src, clientCmd, r.opts.Duration+r.opts.ExecSlack)
	if execErr != nil {
		var exitErr *emulator.ExitError
		if errors.As(execErr, &exitErr) && !exitErr.NotFound() {
			// iperf3 -J still prints a report on failure; prefer its message.
			if _, perr := ParseReport(protocol, out); perr != nil && errors.Is(perr, ErrToolReported) {
				return fail(perr)
			}
		}
		return fail(execErr)
	}
	rep, err := ParseReport(protocol, out)
	if err != nil {
		return fail(err)
	}
	r.logger.Info("trial finished", "protocol", protocol.String(),
		"throughput_mbps", rep.ThroughputBps/1e6, "loss_percent", rep.LossPercent, "jitter_ms", rep.JitterMs)
	return rep, nil
}

func (r *Runner) stopServer(network emulator.Network, host string) {
	ctx, cancel := context.WithTimeout(context.Background(), killExecTimeout)
	defer cancel()
	_, _ = network.Execute(ctx, host, KillCommand(), killExecTimeout)
}

func isPersistent(err error) bool {
	var exitErr *emulator.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.NotFound()
	}
	return errors.Is(err, errdefs.ErrEmulation)
}
