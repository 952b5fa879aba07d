package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dmdmdm-nz/ipreachd/internal/linkwatch"
	"github.com/dmdmdm-nz/ipreachd/internal/reachability"
	"github.com/dmdmdm-nz/ipreachd/internal/wakelock"
	"github.com/dmdmdm-nz/ipreachd/pkg/version"
)

const (
	DefaultPort          = 60110
	DefaultHost          = "127.0.0.1"
	DefaultProbeInterval = time.Minute
)

// Config holds the daemon configuration. Values come from defaults, then the
// optional YAML file, then flags given on the command line.
type Config struct {
	Interface     string        `yaml:"interface"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	LogLevel      string        `yaml:"log_level"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ResolvConf    string        `yaml:"resolv_conf"`
	WakeLock      string        `yaml:"wake_lock"`

	UnicastProbes      int           `yaml:"unicast_probes"`
	RetransmitInterval time.Duration `yaml:"retransmit_interval"`
	GracePeriod        time.Duration `yaml:"grace_period"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`

	ConfigFile  string `yaml:"-"`
	ShowVersion bool   `yaml:"-"`
}

func Default() *Config {
	probe := reachability.DefaultProbeConfig()
	return &Config{
		Host:               DefaultHost,
		Port:               DefaultPort,
		LogLevel:           "info",
		ProbeInterval:      DefaultProbeInterval,
		ResolvConf:         linkwatch.DefaultResolvConf,
		WakeLock:           wakelock.DefaultPath,
		UnicastProbes:      probe.UnicastProbes,
		RetransmitInterval: probe.RetransmitInterval,
		GracePeriod:        probe.GracePeriod,
		ProbeTimeout:       probe.Timeout,
	}
}

// ParseFlags parses the process arguments, exiting on error or -version.
func ParseFlags() *Config {
	cfg, err := Parse(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Println(VersionString())
		os.Exit(0)
	}
	return cfg
}

// Parse builds a Config from args. Usage and flag errors are written to out.
func Parse(args []string, out io.Writer) (*Config, error) {
	def := Default()
	flags := *def

	fs := flag.NewFlagSet("ipreachd", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&flags.Interface, "interface", "", "Interface whose neighbors are monitored (required)")
	fs.StringVar(&flags.Host, "host", def.Host, "Host to bind the API to")
	fs.IntVar(&flags.Port, "port", def.Port, "Port to bind the API to")
	fs.StringVar(&flags.LogLevel, "log-level", def.LogLevel, "Log level (trace, debug, info, warn, error)")
	fs.DurationVar(&flags.ProbeInterval, "probe-interval", def.ProbeInterval, "Interval between probe bursts, 0 disables periodic probing")
	fs.StringVar(&flags.ResolvConf, "resolv-conf", def.ResolvConf, "Resolver configuration to read DNS servers from")
	fs.StringVar(&flags.WakeLock, "wake-lock", def.WakeLock, "Kernel wake lock interface")
	fs.StringVar(&flags.ConfigFile, "config", "", "Optional YAML configuration file")
	fs.BoolVar(&flags.ShowVersion, "version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := def
	if flags.ConfigFile != "" {
		if err := cfg.load(flags.ConfigFile); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "interface":
			cfg.Interface = flags.Interface
		case "host":
			cfg.Host = flags.Host
		case "port":
			cfg.Port = flags.Port
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "probe-interval":
			cfg.ProbeInterval = flags.ProbeInterval
		case "resolv-conf":
			cfg.ResolvConf = flags.ResolvConf
		case "wake-lock":
			cfg.WakeLock = flags.WakeLock
		}
	})
	cfg.ConfigFile = flags.ConfigFile
	cfg.ShowVersion = flags.ShowVersion

	if cfg.ShowVersion {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.Interface == "":
		return errors.New("an interface is required")
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.ProbeInterval < 0:
		return fmt.Errorf("probe interval %s is negative", c.ProbeInterval)
	case c.UnicastProbes < 1:
		return fmt.Errorf("unicast probes must be at least 1, got %d", c.UnicastProbes)
	case c.RetransmitInterval <= 0:
		return fmt.Errorf("retransmit interval %s must be positive", c.RetransmitInterval)
	case c.GracePeriod < 0:
		return fmt.Errorf("grace period %s is negative", c.GracePeriod)
	case c.ProbeTimeout <= 0:
		return fmt.Errorf("probe timeout %s must be positive", c.ProbeTimeout)
	}
	return nil
}

func (c *Config) ProbeConfig() reachability.ProbeConfig {
	return reachability.ProbeConfig{
		UnicastProbes:      c.UnicastProbes,
		RetransmitInterval: c.RetransmitInterval,
		GracePeriod:        c.GracePeriod,
		Timeout:            c.ProbeTimeout,
	}
}

func VersionString() string {
	return fmt.Sprintf("ipreachd version %s (commit: %s, built at: %s)",
		version.Version,
		version.CommitHash,
		version.BuildTime)
}

// String returns a string representation of the Config
func (c *Config) String() string {
	return fmt.Sprintf("Interface: %s, Host: %s, Port: %d, LogLevel: %s, ProbeInterval: %s, ResolvConf: %s",
		c.Interface, c.Host, c.Port, c.LogLevel, c.ProbeInterval, c.ResolvConf)
}
