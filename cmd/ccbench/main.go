package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/NodePath81/ccbench/internal/app"
	"github.com/NodePath81/ccbench/internal/config"
	"github.com/NodePath81/ccbench/internal/emulator"
	"github.com/NodePath81/ccbench/internal/measure"
	"github.com/NodePath81/ccbench/internal/model"
	"github.com/NodePath81/ccbench/internal/results"
	"github.com/NodePath81/ccbench/internal/topology"
	"github.com/NodePath81/ccbench/internal/util"
	"github.com/NodePath81/ccbench/internal/version"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		os.Exit(runExperiment(args))
	case "check":
		os.Exit(checkConfig(args))
	case "topology":
		os.Exit(exportTopology(args))
	case "diagnose":
		os.Exit(diagnose(args))
	case "summary":
		os.Exit(printSummary(args))
	case "help", "-h", "--help":
		printHelp()
	case "version", "-v", "--version":
		fmt.Println(version.Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func runExperiment(args []string) int {
	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := runCmd.String("config", "", "Path to config file")
	controllerFlag := runCmd.String("controller", "", "Controller: pox or ryu")
	modeFlag := runCmd.String("mode", "", "Mode: debug or bottleneck")
	verbose := runCmd.Bool("verbose", false, "Log external commands")
	_ = runCmd.Parse(args)

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := util.NewLoggerWithLevel(os.Stdout, level)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("config invalid", "error", err)
		return 1
	}

	in := bufio.NewReader(os.Stdin)
	controller, err := resolveController(in, os.Stdout, *controllerFlag, cfg.Controller.Identity)
	if err != nil {
		logger.Error("controller selection failed", "error", err)
		return 1
	}
	mode, err := resolveMode(in, os.Stdout, *modeFlag, cfg.Mode)
	if err != nil {
		logger.Error("mode selection failed", "error", err)
		return 1
	}

	driver, err := emulator.NewSystemDriver(logger)
	if err != nil {
		logger.Error("emulator unavailable", "error", err)
		return 1
	}
	rt, err := app.NewRuntime(cfg, driver, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer rt.Stop()
	if err := rt.Start(); err != nil {
		logger.Error("control server failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	run, err := rt.Run(ctx, controller, mode)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("run interrupted", "run", run.ID)
		}
		logger.Error("run failed", "run", run.ID, "state", run.State.String(), "trials", len(run.Trials), "error", err)
		return 1
	}
	logger.Info("results saved", "dir", cfg.ResultsDir, "run", run.ID)
	return 0
}

// resolveController prefers the flag, then the config, then asks.
func resolveController(in *bufio.Reader, out io.Writer, flagValue, cfgValue string) (model.Controller, error) {
	if v := firstNonEmpty(flagValue, cfgValue); v != "" {
		return model.ParseController(v)
	}
	answer, err := prompt(in, out, "Select SDN controller:\n  1) POX\n  2) Ryu\nChoice [1-2]: ")
	if err != nil {
		return 0, err
	}
	return model.ParseController(answer)
}

func resolveMode(in *bufio.Reader, out io.Writer, flagValue, cfgValue string) (model.Mode, error) {
	if v := firstNonEmpty(flagValue, cfgValue); v != "" {
		return model.ParseMode(v)
	}
	answer, err := prompt(in, out, "Select experiment mode:\n  1) Debug (no bottleneck)\n  2) Bottleneck (10 Mbps, 50 ms, 1% loss)\nChoice [1-2]: ")
	if err != nil {
		return 0, err
	}
	return model.ParseMode(answer)
}

func prompt(in *bufio.Reader, out io.Writer, text string) (string, error) {
	fmt.Fprint(out, text)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func checkConfig(args []string) int {
	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := checkCmd.String("config", "config.yaml", "Path to config file")
	_ = checkCmd.Parse(args)
	if *configPath == "config.yaml" && checkCmd.NArg() > 0 {
		*configPath = checkCmd.Arg(0)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 1
	}
	fmt.Printf("config valid: controller %s, trials %s->%s for %s (udp %s), results in %s\n",
		cfg.Controller.ControllerAddr(), cfg.Trial.Client, cfg.Trial.Server, cfg.Trial.Duration.Duration(),
		config.FormatBandwidth(cfg.Trial.UDPRateBits), cfg.ResultsDir)
	return 0
}

func exportTopology(args []string) int {
	topoCmd := flag.NewFlagSet("topology", flag.ExitOnError)
	modeFlag := topoCmd.String("mode", "bottleneck", "Mode: debug or bottleneck")
	controllerFlag := topoCmd.String("controller", "pox", "Controller used for the MiniEdit export")
	configPath := topoCmd.String("config", "", "Path to config file")
	miniedit := topoCmd.Bool("miniedit", false, "Emit a MiniEdit .mn layout instead of YAML")
	_ = topoCmd.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 1
	}
	mode, err := model.ParseMode(*modeFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	spec, err := topology.Build(mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var data []byte
	if *miniedit {
		controller, err := model.ParseController(*controllerFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		data, err = spec.MiniEdit(topology.MiniEditOptions{
			ControllerIP:    cfg.Controller.Address,
			ControllerPort:  cfg.Controller.Port,
			OpenFlowVersion: controller.OpenFlowVersion(),
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	} else {
		data, err = yaml.Marshal(spec)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	_, _ = os.Stdout.Write(data)
	return 0
}

type diagnosticCheck struct {
	name string
	run  func() (string, bool)
}

func diagnose(args []string) int {
	diagCmd := flag.NewFlagSet("diagnose", flag.ExitOnError)
	configPath := diagCmd.String("config", "", "Path to config file")
	_ = diagCmd.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 1
	}
	spec, err := topology.Build(model.ModeDebug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	running := model.ControllerPOX
	checks := []diagnosticCheck{
		{name: "running as root", run: func() (string, bool) {
			uid := unix.Geteuid()
			return fmt.Sprintf("euid %d", uid), uid == 0
		}},
		{name: "controller reachable", run: func() (string, bool) {
			addr := cfg.Controller.ControllerAddr()
			ms, ok := measure.DialProbe(context.Background(), addr, cfg.Controller.ConnectTimeout.Duration())
			if !ok {
				return addr + " refused or timed out", false
			}
			return fmt.Sprintf("%s connected in %.1f ms", addr, ms), true
		}},
		{name: "controller process running", run: func() (string, bool) {
			detail, c, ok := controllerProcess()
			running = c
			return detail, ok
		}},
		{name: "no leftover bridges", run: func() (string, bool) {
			return leftoverBridges(spec)
		}},
		{name: "switch forwards through controller", run: func() (string, bool) {
			return forwardingCheck(cfg, running)
		}},
	}

	failed := false
	for _, c := range checks {
		detail, ok := c.run()
		status := "PASS"
		if !ok {
			status = "FAIL"
			failed = true
		}
		fmt.Printf("[%s] %s: %s\n", status, c.name, detail)
	}
	if failed {
		return 1
	}
	return 0
}

func controllerProcess() (string, model.Controller, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "pgrep", "-af", "ryu-manager|pox.py").Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return "no ryu-manager or pox.py process", model.ControllerPOX, false
	}
	if err != nil {
		return "pgrep: " + err.Error(), model.ControllerPOX, false
	}
	return matchControllerProcess(string(out))
}

// matchControllerProcess picks the controller out of `pgrep -a` output.
func matchControllerProcess(out string) (string, model.Controller, bool) {
	for _, line := range strings.Split(out, "\n") {
		pid, cmdline, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		switch {
		case strings.Contains(cmdline, "ryu-manager"):
			return "ryu-manager pid " + pid, model.ControllerRyu, true
		case strings.Contains(cmdline, "pox.py"):
			return "pox.py pid " + pid, model.ControllerPOX, true
		}
	}
	return "no ryu-manager or pox.py process", model.ControllerPOX, false
}

func forwardingCheck(cfg config.Config, c model.Controller) (string, bool) {
	driver, err := emulator.NewSystemDriver(util.DiscardLogger())
	if err != nil {
		return err.Error(), false
	}
	timeout := cfg.Controller.ConnectTimeout.Duration()
	target := emulator.ControllerTarget{
		Address:         cfg.Controller.ControllerAddr(),
		OpenFlowVersion: c.OpenFlowVersion(),
		ConnectTimeout:  timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout+30*time.Second)
	defer cancel()
	if err := emulator.CheckForwarding(ctx, driver, target, util.DiscardLogger()); err != nil {
		return err.Error(), false
	}
	return fmt.Sprintf("2 hosts ping over %s", target.OpenFlowVersion), true
}

func leftoverBridges(spec topology.Spec) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ovs-vsctl", "list-br").Output()
	if err != nil {
		return "ovs-vsctl list-br: " + err.Error(), false
	}
	ours := make(map[string]bool)
	for _, dp := range spec.Datapaths() {
		ours[dp.Name] = true
	}
	var found []string
	for _, br := range strings.Fields(string(out)) {
		if ours[br] {
			found = append(found, br)
		}
	}
	if len(found) > 0 {
		return "found " + strings.Join(found, ", "), false
	}
	return "none", true
}

func printSummary(args []string) int {
	sumCmd := flag.NewFlagSet("summary", flag.ExitOnError)
	configPath := sumCmd.String("config", "", "Path to config file")
	_ = sumCmd.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 1
	}
	store, err := results.Open(cfg.ResultsDir, util.DiscardLogger())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()
	rows, err := store.Summaries()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(rows) == 0 {
		fmt.Println("no results in", cfg.ResultsDir)
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTROLLER\tMODE\tPROTOCOL\tSTATUS\tTHROUGHPUT\tLOSS%\tJITTER ms\tRETRANS\tRTT ms\tPROBE LOSS%")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f Mbps\t%.2f\t%.3f\t%d\t%.2f\t%.1f\n",
			r.Controller, r.Mode, r.Protocol, r.Status, r.ThroughputBps/1e6,
			r.LossPercent, r.JitterMs, r.Retransmits, r.RTTAvgMs, r.ProbeLossPercent)
	}
	_ = tw.Flush()
	return 0
}

func printHelp() {
	fmt.Print(`ccbench - SDN congestion-control experiment runner

Usage:
  ccbench run [--config <path>] [--controller pox|ryu] [--mode debug|bottleneck] [--verbose]
  ccbench check --config <path>       Validate config file
  ccbench topology [--mode <mode>] [--miniedit] [--controller <c>]
                                      Print the dumbbell topology (YAML or MiniEdit JSON)
  ccbench diagnose [--config <path>]  Pre-flight checks (root, controller, bridges, forwarding)
  ccbench summary [--config <path>]   Tabulate stored results
  ccbench help                        Show this help
  ccbench version                     Print version
`)
}
