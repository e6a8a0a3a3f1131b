// Package config loads the settings of the arena binaries. Values are
// resolved in order: defaults, JSON file, environment, flags.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Addr             string
	QUICAddr         string
	WebTransportAddr string
	CertFile         string
	KeyFile          string

	SimulationInterval time.Duration
	PatchInterval      time.Duration
	MaxMembers         int
	AutoDispose        bool

	LogLevel  string
	LogFormat string
}

func Default() Config {
	return Config{
		Addr:               ":8080",
		SimulationInterval: time.Second / 60,
		PatchInterval:      50 * time.Millisecond,
		AutoDispose:        true,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Validate reports settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.SimulationInterval <= 0 {
		errs = append(errs, fmt.Errorf("simulation interval must be positive, got %s", c.SimulationInterval))
	}
	if c.PatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("patch interval must be positive, got %s", c.PatchInterval))
	}
	if c.MaxMembers < 0 {
		errs = append(errs, fmt.Errorf("max members must not be negative, got %d", c.MaxMembers))
	}
	if (c.QUICAddr != "" || c.WebTransportAddr != "") && (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("cert and key must be set together"))
	}
	return errors.Join(errs...)
}

// fileConfig mirrors Config for JSON files. Only the fields present in a
// file override the defaults.
type fileConfig struct {
	Addr             *string `json:"addr"`
	QUICAddr         *string `json:"quicAddr"`
	WebTransportAddr *string `json:"webTransportAddr"`
	CertFile         *string `json:"certFile"`
	KeyFile          *string `json:"keyFile"`

	SimulationInterval *Duration `json:"simulationInterval"`
	PatchInterval      *Duration `json:"patchInterval"`
	MaxMembers         *int      `json:"maxMembers"`
	AutoDispose        *bool     `json:"autoDispose"`

	LogLevel  *string `json:"logLevel"`
	LogFormat *string `json:"logFormat"`
}

// Duration reads "50ms" style strings or integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(p []byte) error {
	var s string
	if err := json.Unmarshal(p, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}

	var n int64
	if err := json.Unmarshal(p, &n); err != nil {
		return fmt.Errorf("duration must be a string or an integer: %s", p)
	}
	*d = Duration(n)
	return nil
}

func (f fileConfig) apply(c *Config) {
	set(&c.Addr, f.Addr)
	set(&c.QUICAddr, f.QUICAddr)
	set(&c.WebTransportAddr, f.WebTransportAddr)
	set(&c.CertFile, f.CertFile)
	set(&c.KeyFile, f.KeyFile)
	if f.SimulationInterval != nil {
		c.SimulationInterval = time.Duration(*f.SimulationInterval)
	}
	if f.PatchInterval != nil {
		c.PatchInterval = time.Duration(*f.PatchInterval)
	}
	set(&c.MaxMembers, f.MaxMembers)
	set(&c.AutoDispose, f.AutoDispose)
	set(&c.LogLevel, f.LogLevel)
	set(&c.LogFormat, f.LogFormat)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// LoadFile applies the JSON file at path to c.
func LoadFile(path string, c *Config) error {
	clean := filepath.Clean(path)
	data, err := os.ReadFile(clean)
	if err != nil {
		return fmt.Errorf("read config %q: %w", clean, err)
	}
	var f fileConfig
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config %q: %w", clean, err)
	}
	f.apply(c)
	return nil
}

type envVar struct {
	name  string
	apply func(c *Config, v string) error
}

var envVars = []envVar{
	{"ARENA_ADDR", func(c *Config, v string) error { c.Addr = v; return nil }},
	{"ARENA_QUIC_ADDR", func(c *Config, v string) error { c.QUICAddr = v; return nil }},
	{"ARENA_WEBTRANSPORT_ADDR", func(c *Config, v string) error { c.WebTransportAddr = v; return nil }},
	{"ARENA_TLS_CERT", func(c *Config, v string) error { c.CertFile = v; return nil }},
	{"ARENA_TLS_KEY", func(c *Config, v string) error { c.KeyFile = v; return nil }},
	{"ARENA_SIM_INTERVAL", durationEnv(func(c *Config) *time.Duration { return &c.SimulationInterval })},
	{"ARENA_PATCH_INTERVAL", durationEnv(func(c *Config) *time.Duration { return &c.PatchInterval })},
	{"ARENA_MAX_MEMBERS", func(c *Config, v string) (err error) {
		c.MaxMembers, err = strconv.Atoi(v)
		return
	}},
	{"ARENA_AUTO_DISPOSE", func(c *Config, v string) (err error) {
		c.AutoDispose, err = strconv.ParseBool(v)
		return
	}},
	{"LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.LogFormat = v; return nil }},
}

func durationEnv(field func(c *Config) *time.Duration) func(c *Config, v string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// ApplyEnv overrides c with every variable lookup finds.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, e := range envVars {
		v, ok := lookup(e.name)
		if !ok || v == "" {
			continue
		}
		if err := e.apply(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// Load builds the configuration from args (without the program name) and
// the environment. The file named by -config or ARENA_CONFIG is applied
// before the environment.
func Load(name string, args []string, lookup func(string) (string, bool), output io.Writer) (Config, error) {
	cfg := Default()

	var (
		flags Config
		path  string
	)
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&path, "config", "", "path to a JSON config file")
	fs.StringVar(&flags.Addr, "addr", cfg.Addr, "HTTP and WebSocket listen address")
	fs.StringVar(&flags.QUICAddr, "quic-addr", "", "raw QUIC listen address, empty to disable")
	fs.StringVar(&flags.WebTransportAddr, "webtransport-addr", "", "WebTransport listen address, empty to disable")
	fs.StringVar(&flags.CertFile, "cert", "", "TLS certificate for QUIC and WebTransport, self-signed if empty")
	fs.StringVar(&flags.KeyFile, "key", "", "TLS key for QUIC and WebTransport")
	fs.DurationVar(&flags.SimulationInterval, "sim-interval", cfg.SimulationInterval, "simulation tick interval")
	fs.DurationVar(&flags.PatchInterval, "patch-interval", cfg.PatchInterval, "patch broadcast interval")
	fs.IntVar(&flags.MaxMembers, "max-members", cfg.MaxMembers, "members per room, 0 for no limit")
	fs.BoolVar(&flags.AutoDispose, "auto-dispose", cfg.AutoDispose, "dispose rooms once the last member left")
	fs.StringVar(&flags.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&flags.LogFormat, "log-format", cfg.LogFormat, "log format, json or text")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if path == "" {
		path, _ = lookup("ARENA_CONFIG")
	}
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := ApplyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = flags.Addr
		case "quic-addr":
			cfg.QUICAddr = flags.QUICAddr
		case "webtransport-addr":
			cfg.WebTransportAddr = flags.WebTransportAddr
		case "cert":
			cfg.CertFile = flags.CertFile
		case "key":
			cfg.KeyFile = flags.KeyFile
		case "sim-interval":
			cfg.SimulationInterval = flags.SimulationInterval
		case "patch-interval":
			cfg.PatchInterval = flags.PatchInterval
		case "max-members":
			cfg.MaxMembers = flags.MaxMembers
		case "auto-dispose":
			cfg.AutoDispose = flags.AutoDispose
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "log-format":
			cfg.LogFormat = flags.LogFormat
		}
	})

	return cfg, cfg.Validate()
}
