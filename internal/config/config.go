package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/ccbench/internal/errdefs"
	"github.com/NodePath81/ccbench/internal/model"
	"github.com/NodePath81/ccbench/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultResultsDir = "experiment_results"

	defaultControllerAddr    = "127.0.0.1"
	defaultControllerPort    = 6633
	defaultControllerTimeout = 10 * time.Second

	defaultTrialClient       = "h1"
	defaultTrialServer       = "h13"
	defaultTrialDuration     = 30 * time.Second
	defaultTrialUDPRate      = "20m"
	defaultTrialServerWarmup = 2 * time.Second
	defaultTrialCooldown     = 2 * time.Second
	defaultTrialMaxAttempts  = 2
	defaultTrialExecSlack    = 15 * time.Second
	defaultTrialPort         = 5201

	defaultProbeCount    = 100
	defaultProbeInterval = 200 * time.Millisecond

	defaultConvergenceSettle       = 40 * time.Second
	defaultConvergenceDebugSettle  = 10 * time.Second
	defaultConvergenceTimeout      = 120 * time.Second
	defaultConvergenceAttempts     = 5
	defaultConvergenceRetryDelay   = 3 * time.Second
	defaultConvergenceProbeCount   = 5
	defaultConvergenceProbeTimeout = 2 * time.Second
	defaultConvergenceMinReceived  = 2
	defaultConvergencePrimeARP     = true

	defaultControlAddr = "127.0.0.1"
	defaultControlPort = 8080
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	ResultsDir  string            `yaml:"results_dir"`
	Mode        string            `yaml:"mode"`
	Controller  ControllerConfig  `yaml:"controller"`
	Trial       TrialConfig       `yaml:"trial"`
	Probe       ProbeConfig       `yaml:"probe"`
	Convergence ConvergenceConfig `yaml:"convergence"`
	Control     ControlConfig     `yaml:"control"`
}

type ControllerConfig struct {
	Identity       string   `yaml:"identity"`
	Address        string   `yaml:"address"`
	Port           int      `yaml:"port"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

type TrialConfig struct {
	Client       string   `yaml:"client"`
	Server       string   `yaml:"server"`
	Duration     Duration `yaml:"duration"`
	UDPRate      string   `yaml:"udp_rate"`
	ServerWarmup Duration `yaml:"server_warmup"`
	Cooldown     Duration `yaml:"cooldown"`
	MaxAttempts  int      `yaml:"max_attempts"`
	ExecSlack    Duration `yaml:"exec_slack"`
	Port         int      `yaml:"port"`

	UDPRateBits uint64 `yaml:"-"`
}

type ProbeConfig struct {
	Count    int      `yaml:"count"`
	Interval Duration `yaml:"interval"`
}

type ConvergenceConfig struct {
	Settle       Duration `yaml:"settle"`
	DebugSettle  Duration `yaml:"debug_settle"`
	Timeout      Duration `yaml:"timeout"`
	Attempts     int      `yaml:"attempts"`
	RetryDelay   Duration `yaml:"retry_delay"`
	ProbeCount   int      `yaml:"probe_count"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
	MinReceived  int      `yaml:"min_received"`
	PrimeARP     *bool    `yaml:"prime_arp"`
}

type ControlConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
	BindPort int    `yaml:"bind_port"`

	// AuthToken, when set, is required as a bearer token on every endpoint.
	AuthToken string `yaml:"auth_token"`
}

func (c ConvergenceConfig) PrimeARPEnabled() bool {
	return util.BoolValue(c.PrimeARP, defaultConvergencePrimeARP)
}

// ControllerAddr is the host:port the switches and the reachability check use.
func (c ControllerConfig) ControllerAddr() string {
	return util.NetJoin(c.Address, c.Port)
}

// LoadConfig reads path, applies defaults and validates. An empty path yields
// the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %v", errdefs.ErrConfiguration, err)
		}
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", errdefs.ErrConfiguration, err)
	}
	return cfg, nil
}

func Default() Config {
	var cfg Config
	cfg.setDefaults()
	_ = cfg.validate()
	return cfg
}

func (c *Config) setDefaults() {
	if c.ResultsDir == "" {
		c.ResultsDir = defaultResultsDir
	}

	if c.Controller.Address == "" {
		c.Controller.Address = defaultControllerAddr
	}
	if c.Controller.Port == 0 {
		c.Controller.Port = defaultControllerPort
	}
	if c.Controller.ConnectTimeout == 0 {
		c.Controller.ConnectTimeout = Duration(defaultControllerTimeout)
	}

	if c.Trial.Client == "" {
		c.Trial.Client = defaultTrialClient
	}
	if c.Trial.Server == "" {
		c.Trial.Server = defaultTrialServer
	}
	if c.Trial.Duration == 0 {
		c.Trial.Duration = Duration(defaultTrialDuration)
	}
	if c.Trial.UDPRate == "" {
		c.Trial.UDPRate = defaultTrialUDPRate
	}
	if c.Trial.ServerWarmup == 0 {
		c.Trial.ServerWarmup = Duration(defaultTrialServerWarmup)
	}
	if c.Trial.Cooldown == 0 {
		c.Trial.Cooldown = Duration(defaultTrialCooldown)
	}
	if c.Trial.MaxAttempts == 0 {
		c.Trial.MaxAttempts = defaultTrialMaxAttempts
	}
	if c.Trial.ExecSlack == 0 {
		c.Trial.ExecSlack = Duration(defaultTrialExecSlack)
	}
	if c.Trial.Port == 0 {
		c.Trial.Port = defaultTrialPort
	}

	if c.Probe.Count == 0 {
		c.Probe.Count = defaultProbeCount
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = Duration(defaultProbeInterval)
	}

	if c.Convergence.Settle == 0 {
		c.Convergence.Settle = Duration(defaultConvergenceSettle)
	}
	if c.Convergence.DebugSettle == 0 {
		c.Convergence.DebugSettle = Duration(defaultConvergenceDebugSettle)
	}
	if c.Convergence.Timeout == 0 {
		c.Convergence.Timeout = Duration(defaultConvergenceTimeout)
	}
	if c.Convergence.Attempts == 0 {
		c.Convergence.Attempts = defaultConvergenceAttempts
	}
	if c.Convergence.RetryDelay == 0 {
		c.Convergence.RetryDelay = Duration(defaultConvergenceRetryDelay)
	}
	if c.Convergence.ProbeCount == 0 {
		c.Convergence.ProbeCount = defaultConvergenceProbeCount
	}
	if c.Convergence.ProbeTimeout == 0 {
		c.Convergence.ProbeTimeout = Duration(defaultConvergenceProbeTimeout)
	}
	if c.Convergence.MinReceived == 0 {
		c.Convergence.MinReceived = defaultConvergenceMinReceived
	}
	if c.Convergence.PrimeARP == nil {
		val := defaultConvergencePrimeARP
		c.Convergence.PrimeARP = &val
	}

	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
}

func (c *Config) validate() error {
	c.ResultsDir = strings.TrimSpace(c.ResultsDir)
	if c.ResultsDir == "" {
		return errors.New("results_dir must not be empty")
	}

	c.Mode = strings.TrimSpace(c.Mode)
	if c.Mode != "" {
		if _, err := model.ParseMode(c.Mode); err != nil {
			return fmt.Errorf("mode: %q must be debug or bottleneck", c.Mode)
		}
	}
	c.Controller.Identity = strings.TrimSpace(c.Controller.Identity)
	if c.Controller.Identity != "" {
		if _, err := model.ParseController(c.Controller.Identity); err != nil {
			return fmt.Errorf("controller.identity: %q must be pox or ryu", c.Controller.Identity)
		}
	}
	if net.ParseIP(c.Controller.Address) == nil {
		return fmt.Errorf("controller.address must be an IP address: %q", c.Controller.Address)
	}
	if c.Controller.Port <= 0 || c.Controller.Port > 65535 {
		return errors.New("controller.port must be in 1..65535")
	}
	if c.Controller.ConnectTimeout.Duration() <= 0 {
		return errors.New("controller.connect_timeout must be > 0")
	}

	c.Trial.Client = strings.TrimSpace(c.Trial.Client)
	c.Trial.Server = strings.TrimSpace(c.Trial.Server)
	if c.Trial.Client == c.Trial.Server {
		return errors.New("trial.client and trial.server must differ")
	}
	if c.Trial.Duration.Duration() < time.Second {
		return errors.New("trial.duration must be >= 1s")
	}
	rate, err := ParseBandwidth(c.Trial.UDPRate)
	if err != nil {
		return fmt.Errorf("trial.udp_rate: %w", err)
	}
	if rate == 0 {
		return errors.New("trial.udp_rate must be > 0")
	}
	c.Trial.UDPRateBits = rate
	if c.Trial.ServerWarmup.Duration() < 0 || c.Trial.Cooldown.Duration() < 0 {
		return errors.New("trial.server_warmup and trial.cooldown must be >= 0")
	}
	if c.Trial.MaxAttempts < 1 || c.Trial.MaxAttempts > 2 {
		return errors.New("trial.max_attempts must be 1 or 2")
	}
	if c.Trial.ExecSlack.Duration() <= 0 {
		return errors.New("trial.exec_slack must be > 0")
	}
	if c.Trial.Port <= 0 || c.Trial.Port > 65535 {
		return errors.New("trial.port must be in 1..65535")
	}

	if c.Probe.Count <= 0 {
		return errors.New("probe.count must be > 0")
	}
	if c.Probe.Interval.Duration() < 2*time.Millisecond {
		return errors.New("probe.interval must be >= 2ms")
	}

	if c.Convergence.Settle.Duration() < 0 || c.Convergence.DebugSettle.Duration() < 0 {
		return errors.New("convergence.settle and convergence.debug_settle must be >= 0")
	}
	if c.Convergence.Timeout.Duration() <= c.Convergence.Settle.Duration() {
		return errors.New("convergence.timeout must exceed convergence.settle")
	}
	if c.Convergence.Attempts <= 0 {
		return errors.New("convergence.attempts must be > 0")
	}
	if c.Convergence.RetryDelay.Duration() < 0 {
		return errors.New("convergence.retry_delay must be >= 0")
	}
	if c.Convergence.ProbeCount <= 0 {
		return errors.New("convergence.probe_count must be > 0")
	}
	if c.Convergence.ProbeTimeout.Duration() <= 0 {
		return errors.New("convergence.probe_timeout must be > 0")
	}
	if c.Convergence.MinReceived <= 0 || c.Convergence.MinReceived > c.Convergence.ProbeCount {
		return errors.New("convergence.min_received must be in 1..probe_count")
	}

	if c.Control.Enabled {
		if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
			return errors.New("control.bind_port must be in 1..65535")
		}
	}
	return nil
}
