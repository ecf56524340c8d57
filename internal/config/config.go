// Package config loads bookd settings from the environment (optionally
// primed from a .env file). Command-line flags are layered on top by the
// caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Prefix is prepended to every environment variable, e.g. BOOKD_HTTP_ADDR.
const Prefix = "BOOKD"

type App struct {
	// Network
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr    string `envconfig:"GRPC_ADDR" default:":50051"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	// Maintenance
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"10s"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
	SnapshotPath      string        `envconfig:"SNAPSHOT_PATH"`
	SnapshotRetention time.Duration `envconfig:"SNAPSHOT_RETENTION" default:"1h"`

	// Event sinks; empty URLs disable them.
	NATSURL      string `envconfig:"NATS_URL"`
	NATSSubject  string `envconfig:"NATS_SUBJECT" default:"bookd"`
	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"bookings"`

	// GitHub job re-run; empty token disables it.
	GitHubToken     string  `envconfig:"GITHUB_TOKEN"`
	GitHubAPIURL    string  `envconfig:"GITHUB_API_URL" default:"https://api.github.com"`
	GitHubRateLimit float64 `envconfig:"GITHUB_RATE_LIMIT" default:"1"`

	// Observability
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	Tracing   bool   `envconfig:"TRACING" default:"false"`

	// SeedFile lists resources registered at start-up. With SeedWatch set,
	// resources added to the file later are registered as well.
	SeedFile  string `envconfig:"SEED_FILE"`
	SeedWatch bool   `envconfig:"SEED_WATCH" default:"false"`
}

// Load reads envFile (if it exists) into the environment without
// overriding variables already set, then decodes the environment.
func Load(envFile string) (App, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return App{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var c App
	if err := envconfig.Process(Prefix, &c); err != nil {
		return App{}, err
	}
	return c, nil
}

// Validate checks values that flags may have changed after Load.
func (c App) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http address required")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got %s", c.ReconcileInterval)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// SeedResource is one entry of the seed file.
type SeedResource struct {
	Type       string `yaml:"type"`
	Identifier string `yaml:"identifier"`
}

type seedFile struct {
	Resources []SeedResource `yaml:"resources"`
}

// LoadSeed parses a YAML document of the form
//
//	resources:
//	  - type: gpu
//	    identifier: gpu-1
func LoadSeed(path string) ([]SeedResource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	for i, r := range f.Resources {
		if r.Type == "" || r.Identifier == "" {
			return nil, fmt.Errorf("seed %s: resource %d needs type and identifier", path, i)
		}
	}
	return f.Resources, nil
}
