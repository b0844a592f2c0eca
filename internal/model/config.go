package model

import (
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/kelseyhightower/envconfig"

	_ "embed"
)

const (
	DefaultNamespace   = "my-app@next"
	DefaultBaseURL     = "http://localhost:8080"
	DefaultIdleTimeout = 30 * time.Second
	DefaultStopTimeout = 10 * time.Second

	// EnvPrefix is the prefix of environment variables overriding the config file.
	EnvPrefix = "SVCMAN"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int            `json:"version" yaml:"version"` // fixed 0 for now
	Namespace string         `json:"namespace" yaml:"namespace"`
	DataDir   *string        `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // nil => XDG data home
	Verbose   bool           `json:"verbose" yaml:"verbose"`
	Download  Download       `json:"download" yaml:"download"`
	Process   Process        `json:"process" yaml:"process"`
	Services  []ServiceEntry `json:"services" yaml:"services"`
	Sync      *Sync          `json:"sync,omitempty" yaml:"sync,omitempty"`
	Metrics   Metrics        `json:"metrics" yaml:"metrics"`
}

// Download configures the binary source.
type Download struct {
	BaseURL     string `json:"base_url" yaml:"base_url"`         // binaries are at <base_url>/<id>.bin
	IdleTimeout string `json:"idle_timeout" yaml:"idle_timeout"` // max wait for the next chunk
	Retries     int    `json:"retries" yaml:"retries"`
	RateLimit   int    `json:"rate_limit" yaml:"rate_limit"` // bytes per second, 0 = unlimited
}

type Process struct {
	StopTimeout string `json:"stop_timeout" yaml:"stop_timeout"` // SIGTERM grace period before SIGKILL
}

// ServiceEntry is a service kept installed by sync.
type ServiceEntry struct {
	ID        string `json:"id" yaml:"id"`
	Autostart bool   `json:"autostart" yaml:"autostart"`
}

// Sync schedule, exactly one of Cron or Duration (ISO8601) is expected.
type Sync struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Metrics struct {
	Addr string `json:"addr" yaml:"addr"` // empty disables the endpoint
}

func DefaultConfig() Config {
	return Config{
		Version:   0,
		Namespace: DefaultNamespace,
		Download: Download{
			BaseURL:     DefaultBaseURL,
			IdleTimeout: DefaultIdleTimeout.String(),
		},
		Process: Process{
			StopTimeout: DefaultStopTimeout.String(),
		},
		Services: []ServiceEntry{},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("svcman.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

type envOverrides struct {
	BaseURL     string `envconfig:"BASE_URL"`
	DataDir     string `envconfig:"DATA_DIR"`
	Namespace   string `envconfig:"NAMESPACE"`
	Verbose     *bool  `envconfig:"VERBOSE"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`
}

// ApplyEnv overrides cfg with SVCMAN_* environment variables.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("reading %s_* environment: %w", EnvPrefix, err)
	}
	if env.BaseURL != "" {
		cfg.Download.BaseURL = env.BaseURL
	}
	if env.DataDir != "" {
		cfg.DataDir = &env.DataDir
	}
	if env.Namespace != "" {
		cfg.Namespace = env.Namespace
	}
	if env.Verbose != nil {
		cfg.Verbose = *env.Verbose
	}
	if env.MetricsAddr != "" {
		cfg.Metrics.Addr = env.MetricsAddr
	}
	return nil
}

func (d Download) IdleTimeoutDuration() time.Duration {
	return parseDurationOr(d.IdleTimeout, DefaultIdleTimeout)
}

func (p Process) StopTimeoutDuration() time.Duration {
	return parseDurationOr(p.StopTimeout, DefaultStopTimeout)
}

// ServiceIDs returns ids of all configured services in config order.
func (c Config) ServiceIDs() []string {
	ids := make([]string, 0, len(c.Services))
	for _, s := range c.Services {
		ids = append(ids, s.ID)
	}
	return ids
}

func parseDurationOr(s string, dflt time.Duration) time.Duration {
	if s == "" {
		return dflt
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return dflt
	}
	return d
}
