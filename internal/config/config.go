package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/loykin/svcorch/internal/env"
	"github.com/loykin/svcorch/internal/health"
	"github.com/loykin/svcorch/internal/logger"
	"github.com/loykin/svcorch/internal/metrics"
	"github.com/loykin/svcorch/internal/orchestrator"
	"github.com/loykin/svcorch/internal/process"
)

// EnvPrefix prefixes environment variables that override scalar settings,
// e.g. SVCORCH_SERVER_LISTEN for server.listen.
const EnvPrefix = "SVCORCH"

// FileConfig represents the top-level config file structure.
type FileConfig struct {
	Env        []string        `mapstructure:"env"`
	EnvFiles   []string        `mapstructure:"env_files"`
	IsolateEnv bool            `mapstructure:"isolate_env"` // do not inherit the OS environment
	Log        logger.Config   `mapstructure:"log"`
	Server     ServerConfig    `mapstructure:"server"`
	Metrics    MetricsConfig   `mapstructure:"metrics"`
	History    HistoryConfig   `mapstructure:"history"`
	Services   []ServiceConfig `mapstructure:"services"`

	// dir is the directory of the loaded file; relative paths resolve against it.
	dir string
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Listen    string                 `mapstructure:"listen"` // empty serves /metrics on the API listener
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

// HistoryConfig lists lifecycle event sinks by DSN.
type HistoryConfig struct {
	DSN  string   `mapstructure:"dsn"`
	DSNs []string `mapstructure:"dsns"`
}

// All returns the configured DSNs without blanks or duplicates.
func (h HistoryConfig) All() []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range append([]string{h.DSN}, h.DSNs...) {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

type ServiceConfig struct {
	Name          string        `mapstructure:"name"`
	DisplayName   string        `mapstructure:"display_name"`
	Command       string        `mapstructure:"command"`
	Args          []string      `mapstructure:"args"` // explicit argv; takes precedence over command
	WorkDir       string        `mapstructure:"workdir"`
	Env           []string      `mapstructure:"env"`
	EnvFiles      []string      `mapstructure:"env_files"`
	Port          int           `mapstructure:"port"`
	EarlyExit     string        `mapstructure:"early_exit"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	FreePort      bool          `mapstructure:"free_port"`
	ReuseExisting bool          `mapstructure:"reuse_existing"`
	Health        *HealthConfig `mapstructure:"health"`
}

type HealthConfig struct {
	Scheme       string         `mapstructure:"scheme"`
	Host         string         `mapstructure:"host"`
	Port         int            `mapstructure:"port"`
	Path         string         `mapstructure:"path"`
	Timeout      time.Duration  `mapstructure:"timeout"`
	Warmup       time.Duration  `mapstructure:"warmup"`
	Interval     time.Duration  `mapstructure:"interval"`
	MaxAttempts  int            `mapstructure:"max_attempts"`
	ReadyPattern string         `mapstructure:"ready_pattern"`
	Expect       *health.Expect `mapstructure:"expect"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.listen", "127.0.0.1:7070")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", "5s")
	v.SetDefault("metrics.resources.max_history", 100)
	v.SetDefault("history.dsn", "")
}

// Load reads the config file at path. The format follows the extension
// (toml, yaml, json); files without a known extension are read as TOML.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
	default:
		v.SetConfigType("toml")
	}
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	// Unknown keys are errors so a misspelled setting is not silently dropped.
	if err := v.UnmarshalExact(&fc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fc.dir = filepath.Dir(abs)
	return &fc, nil
}

func (c *FileConfig) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Environment builds the global environment for spawned services.
// Precedence: OS env (unless isolate_env), then env_files in order, then env.
func (c *FileConfig) Environment() (*env.Env, error) {
	e := env.New()
	if c.IsolateEnv {
		e = env.Isolated()
	}
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(c.resolve(p))
		if err != nil {
			return nil, err
		}
		e = e.WithPairs(pairs)
	}
	return e.WithPairs(c.Env), nil
}

// ServiceSpecs converts the [[services]] entries into validated descriptors,
// in file order.
func (c *FileConfig) ServiceSpecs() ([]orchestrator.ServiceSpec, error) {
	out := make([]orchestrator.ServiceSpec, 0, len(c.Services))
	seen := make(map[string]bool, len(c.Services))
	for i, sc := range c.Services {
		if sc.Name == "" {
			return nil, fmt.Errorf("services[%d]: name is required", i)
		}
		if seen[sc.Name] {
			return nil, fmt.Errorf("duplicate service %q", sc.Name)
		}
		seen[sc.Name] = true
		spec, err := c.serviceSpec(sc)
		if err != nil {
			return nil, err
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func (c *FileConfig) serviceSpec(sc ServiceConfig) (orchestrator.ServiceSpec, error) {
	argv := sc.Args
	if len(argv) == 0 {
		argv = process.SplitCommand(sc.Command)
	}
	if len(argv) == 0 {
		return orchestrator.ServiceSpec{}, fmt.Errorf("service %s: command is required", sc.Name)
	}

	var overrides map[string]string
	if len(sc.EnvFiles) > 0 || len(sc.Env) > 0 {
		overrides = make(map[string]string)
		for _, p := range sc.EnvFiles {
			pairs, err := LoadEnvFile(c.resolve(p))
			if err != nil {
				return orchestrator.ServiceSpec{}, fmt.Errorf("service %s: %w", sc.Name, err)
			}
			for k, v := range env.ParsePairs(pairs) {
				overrides[k] = v
			}
		}
		for k, v := range env.ParsePairs(sc.Env) {
			overrides[k] = v
		}
	}

	spec := orchestrator.ServiceSpec{
		Name:                sc.Name,
		DisplayName:         sc.DisplayName,
		Command:             process.Command{Argv: argv, Dir: c.resolve(sc.WorkDir), Env: overrides},
		Port:                sc.Port,
		EarlyExit:           orchestrator.EarlyExitPolicy(strings.ToLower(sc.EarlyExit)),
		SettleDelay:         sc.SettleDelay,
		StopTimeout:         sc.StopTimeout,
		FreePortBeforeStart: sc.FreePort,
		ReuseExisting:       sc.ReuseExisting,
	}
	if hc := sc.Health; hc != nil {
		spec.Health = &orchestrator.HealthSpec{
			Scheme:       hc.Scheme,
			Host:         hc.Host,
			Port:         hc.Port,
			Path:         hc.Path,
			Timeout:      hc.Timeout,
			Warmup:       hc.Warmup,
			Interval:     hc.Interval,
			MaxAttempts:  hc.MaxAttempts,
			ReadyPattern: hc.ReadyPattern,
		}
		if hc.Expect != nil {
			if hc.Expect.Path == "" {
				return orchestrator.ServiceSpec{}, fmt.Errorf("service %s: health.expect requires a path", sc.Name)
			}
			spec.Health.Prober = health.NewHTTPProbe(hc.Timeout, hc.Expect)
		}
	}
	return spec, nil
}

// LoadEnvFile parses a dotenv file and returns sorted "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := gotenv.Read(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("env file %s: %w", path, err)
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// ErrNoServices is returned by Validate for a file without [[services]].
var ErrNoServices = errors.New("no services configured")

// Validate checks the whole file: every service converts and the
// environment files are readable.
func (c *FileConfig) Validate() error {
	if len(c.Services) == 0 {
		return ErrNoServices
	}
	if _, err := c.Environment(); err != nil {
		return err
	}
	_, err := c.ServiceSpecs()
	return err
}
