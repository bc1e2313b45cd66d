// Package app wires the experiment pipeline from a loaded config.
package app

import (
	"context"
	"time"

	"github.com/NodePath81/ccbench/internal/config"
	"github.com/NodePath81/ccbench/internal/control"
	"github.com/NodePath81/ccbench/internal/emulator"
	"github.com/NodePath81/ccbench/internal/experiment"
	"github.com/NodePath81/ccbench/internal/measure"
	"github.com/NodePath81/ccbench/internal/metrics"
	"github.com/NodePath81/ccbench/internal/model"
	"github.com/NodePath81/ccbench/internal/readiness"
	"github.com/NodePath81/ccbench/internal/results"
	"github.com/NodePath81/ccbench/internal/util"
	"github.com/NodePath81/ccbench/internal/workload"
)

type Runtime struct {
	cfg          config.Config
	ctx          context.Context
	cancel       context.CancelFunc
	logger       util.Logger
	metrics      *metrics.Metrics
	status       *control.StatusStore
	control      *control.Server
	store        *results.Store
	orchestrator *experiment.Orchestrator
}

// NewRuntime opens the result store and builds the orchestrator around
// driver. Nothing touches the network until Run.
func NewRuntime(cfg config.Config, driver emulator.Driver, logger util.Logger) (*Runtime, error) {
	store, err := results.Open(cfg.ResultsDir, logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	metrics := metrics.NewMetrics()
	statusHub := control.NewStatusHub(ctx.Done())
	status := control.NewStatusStore(statusHub, metrics)

	rt := &Runtime{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		status:  status,
		store:   store,
	}
	if cfg.Control.Enabled {
		rt.control = control.NewServer(cfg.Control, metrics, status, logger)
	}

	rt.orchestrator = experiment.New(experiment.OptionsFromConfig(cfg), experiment.Deps{
		Provisioner: emulator.NewManager(driver, logger),
		Gate:        readiness.NewGate(readiness.OptionsFromConfig(cfg), logger),
		Runner:      workload.NewRunner(workload.OptionsFromConfig(cfg.Trial), logger),
		Collector:   measure.NewCollector(measure.OptionsFromConfig(cfg.Probe), logger),
		Persister:   store,
		Observer:    status,
	}, logger)
	return rt, nil
}

func (r *Runtime) Start() error {
	if r.control == nil {
		return nil
	}
	return r.control.Start(r.ctx)
}

// Run executes one experiment. ctx cancellation aborts the run; teardown
// still happens before Run returns.
func (r *Runtime) Run(ctx context.Context, controller model.Controller, mode model.Mode) (*experiment.Run, error) {
	return r.orchestrator.Run(ctx, controller, mode)
}

func (r *Runtime) Status() *control.StatusStore {
	return r.status
}

func (r *Runtime) Stop() {
	r.cancel()
	if r.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.control.Shutdown(ctx)
		cancel()
	}
	if err := r.store.Close(); err != nil {
		r.logger.Error("result store close failed", "error", err)
	}
}
