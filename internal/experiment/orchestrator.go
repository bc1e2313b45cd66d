// Package experiment sequences one controller/mode run: bring the network
// up, wait for convergence, run the three trials back to back, persist, and
// always tear down.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NodePath81/ccbench/internal/config"
	"github.com/NodePath81/ccbench/internal/emulator"
	"github.com/NodePath81/ccbench/internal/errdefs"
	"github.com/NodePath81/ccbench/internal/measure"
	"github.com/NodePath81/ccbench/internal/model"
	"github.com/NodePath81/ccbench/internal/topology"
	"github.com/NodePath81/ccbench/internal/util"
	"github.com/NodePath81/ccbench/internal/workload"
	"github.com/google/uuid"
)

type Provisioner interface {
	Provision(ctx context.Context, spec topology.Spec) (emulator.Session, error)
}

type ReadinessGate interface {
	AwaitReady(ctx context.Context, network emulator.Network, spec topology.Spec, controller model.Controller) error
}

type TrialRunner interface {
	RunTrial(ctx context.Context, network emulator.Network, protocol model.Protocol, src, dst string) (workload.Report, error)
}

type RTTCollector interface {
	CollectRTT(ctx context.Context, network emulator.Network, src, dst string) (measure.Sample, error)
}

type Persister interface {
	Persist(run *model.ExperimentRun) error
}

type Options struct {
	Client         string
	Server         string
	Cooldown       time.Duration
	MaxAttempts    int
	ControllerAddr string
	ConnectTimeout time.Duration
	Topology       topology.Params
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Client:         cfg.Trial.Client,
		Server:         cfg.Trial.Server,
		Cooldown:       cfg.Trial.Cooldown.Duration(),
		MaxAttempts:    cfg.Trial.MaxAttempts,
		ControllerAddr: cfg.Controller.ControllerAddr(),
		ConnectTimeout: cfg.Controller.ConnectTimeout.Duration(),
		Topology:       topology.DefaultParams(),
	}
}

type Deps struct {
	Provisioner Provisioner
	Gate        ReadinessGate
	Runner      TrialRunner
	Collector   RTTCollector
	Persister   Persister
	Observer    Observer
}

type Orchestrator struct {
	opts   Options
	deps   Deps
	logger util.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	newID func() string
}

func New(opts Options, deps Deps, logger util.Logger) *Orchestrator {
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Orchestrator{
		opts:   opts,
		deps:   deps,
		logger: logger,
		now:    time.Now,
		sleep:  util.Sleep,
		newID:  uuid.NewString,
	}
}

// Run executes one experiment. The returned Run is never nil. Once the
// network has been provisioned it is torn down exactly once on every path,
// after results, complete or partial, have been persisted.
func (o *Orchestrator) Run(ctx context.Context, controller model.Controller, mode model.Mode) (run *Run, err error) {
	run = &Run{ExperimentRun: model.ExperimentRun{
		ID:         o.newID(),
		Controller: controller,
		Mode:       mode,
		StartedAt:  o.now(),
		Status:     model.RunRunning,
	}}
	logger := o.logger.With("run", run.ID, "controller", controller.String(), "mode", mode.String())
	o.enter(run, StateInit, nil)

	var session emulator.Session
	defer func() {
		if session == nil {
			return
		}
		if tdErr := session.Teardown(); tdErr != nil {
			logger.Error("teardown failed", "error", tdErr)
			err = errors.Join(err, tdErr)
		}
		o.enter(run, StateTornDown, nil)
		run.FinishedAt = o.now()
	}()

	if err = o.execute(ctx, logger, run, &session); err != nil {
		return run, o.fail(logger, run, err)
	}
	logger.Info("run complete", "trials", len(run.Trials))
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, logger util.Logger, run *Run, session *emulator.Session) error {
	spec, err := topology.BuildWithParams(o.opts.Topology, run.Mode)
	if err != nil {
		return err
	}
	if _, _, err := spec.TrialPair(o.opts.Client, o.opts.Server); err != nil {
		return err
	}
	s, err := o.deps.Provisioner.Provision(ctx, spec)
	if err != nil {
		return err
	}
	*session = s

	target := emulator.ControllerTarget{
		Address:         o.opts.ControllerAddr,
		OpenFlowVersion: run.Controller.OpenFlowVersion(),
		ConnectTimeout:  o.opts.ConnectTimeout,
	}
	if err := s.Start(ctx, target); err != nil {
		return err
	}
	o.enter(run, StateTopologyUp, nil)

	if err := o.deps.Gate.AwaitReady(ctx, s, spec, run.Controller); err != nil {
		return err
	}
	o.enter(run, StateConverged, nil)

	for i, p := range model.Protocols() {
		if i > 0 {
			if err := o.sleep(ctx, o.opts.Cooldown); err != nil {
				return err
			}
		}
		o.enter(run, trialState(p), nil)
		res, err := o.runProtocol(ctx, logger, s, p)
		if err != nil {
			return err
		}
		run.Trials = append(run.Trials, res)
		o.enter(run, trialState(p), &res)
	}
	o.enter(run, StateCollected, nil)

	run.Status = model.RunComplete
	run.FinishedAt = o.now()
	if err := o.deps.Persister.Persist(&run.ExperimentRun); err != nil {
		run.Status = model.RunFailed
		return err
	}
	o.enter(run, StatePersisted, nil)
	return nil
}

// runProtocol runs one trial and its RTT sample. A transient failure is
// retried up to MaxAttempts in total; a persistent one or a cancelled
// context is not.
func (o *Orchestrator) runProtocol(ctx context.Context, logger util.Logger, network emulator.Network, p model.Protocol) (model.TrialResult, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		started := o.now()
		res, err := o.attempt(ctx, network, p)
		if err == nil {
			res.Attempts = attempt
			res.StartedAt = started
			res.CapturedAt = o.now()
			return res, nil
		}

		var te *workload.TrialError
		if !errors.As(err, &te) {
			te = &workload.TrialError{Protocol: p, Err: err}
			err = te
		}
		te.Attempt = attempt
		lastErr = err
		if ctx.Err() != nil {
			return model.TrialResult{}, err
		}
		if te.Persistent || attempt == o.opts.MaxAttempts {
			break
		}
		logger.Warn("trial failed, retrying", "protocol", p.String(), "attempt", attempt, "error", err)
		if err := o.sleep(ctx, o.opts.Cooldown); err != nil {
			return model.TrialResult{}, err
		}
	}
	return model.TrialResult{}, lastErr
}

func (o *Orchestrator) attempt(ctx context.Context, network emulator.Network, p model.Protocol) (model.TrialResult, error) {
	rep, err := o.deps.Runner.RunTrial(ctx, network, p, o.opts.Client, o.opts.Server)
	if err != nil {
		return model.TrialResult{}, err
	}
	sample, err := o.deps.Collector.CollectRTT(ctx, network, o.opts.Client, o.opts.Server)
	if err != nil {
		return model.TrialResult{}, &workload.TrialError{Protocol: p, Err: err}
	}
	return model.TrialResult{
		Protocol:      p,
		ThroughputBps: rep.ThroughputBps,
		LossPercent:   rep.LossPercent,
		JitterMs:      rep.JitterMs,
		Retransmits:   rep.Retransmits,
		LostPackets:   rep.LostPackets,
		Packets:       rep.Packets,
		Probe:         sample.Stats,
		TrafficReport: rep.Raw,
		ProbeReport:   sample.Raw,
	}, nil
}

// fail moves the run to Failed and persists whatever trials completed.
func (o *Orchestrator) fail(logger util.Logger, run *Run, cause error) error {
	run.Status = model.RunFailed
	run.Err = cause
	run.FinishedAt = o.now()
	o.enter(run, StateFailed, nil)
	logger.Error("run failed", "state", run.History[len(run.History)-2].State.String(), "error", cause)
	if len(run.Trials) == 0 || errors.Is(cause, errdefs.ErrPersistence) {
		return cause
	}
	if err := o.deps.Persister.Persist(&run.ExperimentRun); err != nil {
		return errors.Join(cause, fmt.Errorf("persist partial results: %w", err))
	}
	logger.Warn("partial results persisted", "trials", len(run.Trials))
	return cause
}

func (o *Orchestrator) enter(run *Run, s State, trial *model.TrialResult) {
	at := o.now()
	if trial == nil {
		run.State = s
		run.History = append(run.History, Transition{State: s, At: at})
		o.logger.Info("state", "run", run.ID, "state", s.String())
	}
	ev := Event{
		RunID:      run.ID,
		Controller: run.Controller,
		Mode:       run.Mode,
		State:      s,
		At:         at,
		Trial:      trial,
	}
	if run.Err != nil {
		ev.Err = run.Err.Error()
	}
	o.deps.Observer.Observe(ev)
}
