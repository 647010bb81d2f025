// Package config provides configuration types, defaults, and persistence for
// the coreclaw orchestrator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/coreclaw/coreclaw/internal/log"
	"github.com/coreclaw/coreclaw/internal/tracing"
)

// EnvDBPath is the only environment variable the core observes; it overrides
// the configured store path.
const EnvDBPath = "CORECLAW_DB_PATH"

// DefaultConfigPath is where a fresh config is written when none exists.
const DefaultConfigPath = ".coreclaw/config.yaml"

// QueueConfig tunes the task queue.
type QueueConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// WorkerConfig tunes the worker invoker.
type WorkerConfig struct {
	Runtime     string        `mapstructure:"runtime"` // container runtime binary, empty = direct exec
	Image       string        `mapstructure:"image"`
	Command     []string      `mapstructure:"command"` // direct-exec argv when no runtime
	IPCRoot     string        `mapstructure:"ipc_root"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MemoryLimit string        `mapstructure:"memory_limit"`
	CPULimit    string        `mapstructure:"cpu_limit"`
}

// RulesConfig points at the triage rules file. Empty means the built-in
// ladder.
type RulesConfig struct {
	Path string `mapstructure:"path"`
}

// SkillsConfig tunes the skill engine for the worker project layout.
type SkillsConfig struct {
	ProjectRoot    string   `mapstructure:"project_root"`
	PackageFile    string   `mapstructure:"package_file"`
	EnvFile        string   `mapstructure:"env_file"`
	InstallCommand []string `mapstructure:"install_command"`
}

// ChiefConfig tunes the Chief conductor.
type ChiefConfig struct {
	BriefingInterval time.Duration `mapstructure:"briefing_interval"`
}

// Config holds all configuration options for coreclaw.
type Config struct {
	DBPath  string         `mapstructure:"db_path"`
	Mode    string         `mapstructure:"mode"` // sandbox, suggest, assist or autonomous
	Debug   bool           `mapstructure:"debug"`
	Queue   QueueConfig    `mapstructure:"queue"`
	Worker  WorkerConfig   `mapstructure:"worker"`
	Rules   RulesConfig    `mapstructure:"rules"`
	Skills  SkillsConfig   `mapstructure:"skills"`
	Chief   ChiefConfig    `mapstructure:"chief"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DBPath: ".coreclaw/coreclaw.db",
		Mode:   "suggest",
		Queue: QueueConfig{
			Concurrency: 3,
			RetryDelay:  5 * time.Second,
		},
		Worker: WorkerConfig{
			IPCRoot: "ipc",
			Timeout: 5 * time.Minute,
		},
		Skills: SkillsConfig{
			ProjectRoot: ".",
			PackageFile: "package.json",
			EnvFile:     ".env.example",
		},
		Chief: ChiefConfig{
			BriefingInterval: 5 * time.Minute,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case "sandbox", "suggest", "assist", "autonomous":
	default:
		return fmt.Errorf("invalid mode %q (want sandbox, suggest, assist or autonomous)", c.Mode)
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue concurrency must be at least 1, got %d", c.Queue.Concurrency)
	}
	if c.Queue.RetryDelay <= 0 {
		return fmt.Errorf("queue retry_delay must be positive")
	}
	if c.Worker.Timeout <= 0 {
		return fmt.Errorf("worker timeout must be positive")
	}
	return nil
}

// Load reads configuration from the given file, or from the lookup order
// (.coreclaw/config.yaml, then ~/.config/coreclaw/config.yaml) when path is
// empty. A missing config file yields defaults; CORECLAW_DB_PATH overrides
// the store path last.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else if _, err := os.Stat(DefaultConfigPath); err == nil {
		v.SetConfigFile(DefaultConfigPath)
	} else {
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".config", "coreclaw"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		// Running without a config file is fine; an explicit or broken one
		// is not.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if path != "" || !notFound {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if dbPath := os.Getenv(EnvDBPath); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	log.Debug(log.CatConfig, "config loaded",
		"file", v.ConfigFileUsed(), "mode", cfg.Mode, "dbPath", cfg.DBPath)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("mode", d.Mode)
	v.SetDefault("queue.concurrency", d.Queue.Concurrency)
	v.SetDefault("queue.retry_delay", d.Queue.RetryDelay)
	v.SetDefault("worker.ipc_root", d.Worker.IPCRoot)
	v.SetDefault("worker.timeout", d.Worker.Timeout)
	v.SetDefault("skills.project_root", d.Skills.ProjectRoot)
	v.SetDefault("skills.package_file", d.Skills.PackageFile)
	v.SetDefault("skills.env_file", d.Skills.EnvFile)
	v.SetDefault("chief.briefing_interval", d.Chief.BriefingInterval)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// DefaultConfigTemplate returns the commented YAML written for new projects.
func DefaultConfigTemplate() string {
	return `# coreclaw configuration

# Path to the sqlite store. The CORECLAW_DB_PATH environment variable
# overrides this.
db_path: .coreclaw/coreclaw.db

# Operation mode: sandbox, suggest, assist or autonomous.
# sandbox never creates drafts; it publishes dry-run events instead.
mode: suggest

queue:
  concurrency: 3
  retry_delay: 5s

worker:
  # Container runtime binary (docker, podman). Leave empty to exec the
  # worker command directly.
  runtime: ""
  image: ""
  # Direct-exec argv used when no runtime is set.
  command: []
  ipc_root: ipc
  timeout: 5m
  # memory_limit: 512m
  # cpu_limit: "1.0"

rules:
  # Triage rules file, hot-reloaded on change. Empty uses the built-in
  # ladder.
  path: ""

skills:
  project_root: .
  package_file: package.json
  env_file: .env.example
  # install_command: ["npm", "install"]

chief:
  briefing_interval: 5m

tracing:
  enabled: false
  # exporter: file | stdout | otlp
  exporter: file
  # file_path: .coreclaw/traces.jsonl
  sample_rate: 1.0
  service_name: coreclaw
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}
