package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for dmrelay. Secrets normally arrive via
// ${VAR} references resolved at load time; the staging group id and the
// delivery credential are not here at all — the operator sets those through
// Telegram and they live in the shared database.
type Config struct {
	Operator OperatorConfig `yaml:"operator"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

type OperatorConfig struct {
	Token        string   `yaml:"token"`   // admin bot token
	OwnerID      int64    `yaml:"ownerId"` // the single authorized operator
	PollInterval Duration `yaml:"pollInterval"`
}

type DeliveryConfig struct {
	// Token is an optional bootstrap credential. When empty the process
	// waits for the operator to provision one via /generate_session.
	Token        string   `yaml:"token"`
	PollInterval Duration `yaml:"pollInterval"`
	StaleAfter   Duration `yaml:"staleAfter"` // SENDING older than this is recovered
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
	File  string `yaml:"file,omitempty"`
}

// Duration wraps time.Duration so config values read as "1500ms" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfigDir returns the default config directory (~/.dmrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dmrelay"
	}
	return filepath.Join(home, ".dmrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func Defaults() *Config {
	return &Config{
		Operator: OperatorConfig{
			PollInterval: Duration(1500 * time.Millisecond),
		},
		Delivery: DeliveryConfig{
			PollInterval: Duration(time.Second),
			StaleAfter:   Duration(5 * time.Minute),
		},
		Database: DatabaseConfig{
			Path: filepath.Join(DefaultConfigDir(), "relay.db"),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9182",
		},
		Log: LogConfig{Level: "info"},
	}
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Log.File = expandPath(cfg.Log.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset
// or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = expandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Operator.OwnerID == 0 {
		errs = append(errs, "operator.ownerId is required")
	}
	if cfg.Operator.PollInterval.Std() < 100*time.Millisecond {
		errs = append(errs, "operator.pollInterval must be at least 100ms")
	}
	if cfg.Delivery.PollInterval.Std() < 100*time.Millisecond {
		errs = append(errs, "delivery.pollInterval must be at least 100ms")
	}
	if cfg.Delivery.StaleAfter.Std() < time.Minute {
		errs = append(errs, "delivery.staleAfter must be at least 1m")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
