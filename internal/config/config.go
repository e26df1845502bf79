// Package config loads the service configuration from YAML with environment
// overrides. Configuration is resolved once at startup; changes require a
// restart.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"scratchpad/internal/notebook"
)

// EnvPrefix namespaces all environment overrides.
const EnvPrefix = "SCRATCH_NOTEBOOK_"

// Eviction policies.
const (
	PolicyDiscard = "discard"
	PolicyFail    = "fail"
	PolicyPreempt = "preempt"
)

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	Debug      bool            `yaml:"debug"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// Config is the full startup configuration. Duration-valued options are
// strings of the form `\d+(s|m|h)?`; the default unit depends on the option
// (hours for ages, minutes for intervals, seconds for timeouts).
type Config struct {
	StorageDir string `yaml:"storage_dir"`

	// Limits; zero means unlimited.
	MaxScratchpads int `yaml:"max_scratchpads"`
	MaxCellsPerPad int `yaml:"max_cells_per_pad"`
	MaxCellBytes   int `yaml:"max_cell_bytes"`

	EvictionPolicy  string `yaml:"eviction_policy"`
	PreemptAge      string `yaml:"preempt_age"`
	PreemptInterval string `yaml:"preempt_interval"`

	ValidationRequestTimeout string `yaml:"validation_request_timeout"`
	ShutdownTimeout          string `yaml:"shutdown_timeout"`

	EnableStdio   bool `yaml:"enable_stdio"`
	EnableHTTP    bool `yaml:"enable_http"`
	EnableSSE     bool `yaml:"enable_sse"`
	EnableMetrics bool `yaml:"enable_metrics"`

	HTTPHost       string `yaml:"http_host"`
	HTTPPort       int    `yaml:"http_port"`
	HTTPSocketPath string `yaml:"http_socket_path"`
	HTTPPath       string `yaml:"http_path"`
	SSEPath        string `yaml:"sse_path"`
	MetricsPath    string `yaml:"metrics_path"`

	EnableAuth bool     `yaml:"enable_auth"`
	AuthTokens []string `yaml:"auth_tokens"` // principal:token, order matters

	EnableSemanticSearch bool   `yaml:"enable_semantic_search"`
	EmbeddingModel       string `yaml:"embedding_model"`
	EmbeddingDevice      string `yaml:"embedding_device"`
	EmbeddingBatchSize   int    `yaml:"embedding_batch_size"`
	SemanticSearchLimit  int    `yaml:"semantic_search_limit"`

	Logging LoggingConfig `yaml:"logging"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		StorageDir:               ".scratchpad",
		MaxScratchpads:           1024,
		MaxCellsPerPad:           1024,
		MaxCellBytes:             5 * 1024 * 1024,
		EvictionPolicy:           PolicyDiscard,
		PreemptAge:               "24h",
		PreemptInterval:          "10m",
		ValidationRequestTimeout: "10s",
		ShutdownTimeout:          "5s",
		EnableStdio:              true,
		EnableHTTP:               false,
		EnableSSE:                false,
		EnableMetrics:            false,
		HTTPHost:                 "127.0.0.1",
		HTTPPort:                 8765,
		HTTPPath:                 "/http",
		SSEPath:                  "/sse",
		MetricsPath:              "/metrics",
		EnableSemanticSearch:     true,
		EmbeddingModel:           "debug-hash",
		EmbeddingDevice:          "cpu",
		EmbeddingBatchSize:       16,
		SemanticSearchLimit:      10,
		Logging:                  LoggingConfig{Level: "info"},
	}
}

// Load reads the optional YAML config at path on top of defaults, then
// applies environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, notebook.E(notebook.CodeConfigError, "cannot read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, notebook.E(notebook.CodeConfigError, "cannot parse config file: %v", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.StorageDir, "STORAGE_DIR")
	envInt(&c.MaxScratchpads, "MAX_SCRATCHPADS")
	envInt(&c.MaxCellsPerPad, "MAX_CELLS_PER_PAD")
	envInt(&c.MaxCellBytes, "MAX_CELL_BYTES")
	envStr(&c.EvictionPolicy, "EVICTION_POLICY")
	envStr(&c.PreemptAge, "PREEMPT_AGE")
	envStr(&c.PreemptInterval, "PREEMPT_INTERVAL")
	envStr(&c.ValidationRequestTimeout, "VALIDATION_REQUEST_TIMEOUT")
	envStr(&c.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
	envBool(&c.EnableStdio, "ENABLE_STDIO")
	envBool(&c.EnableHTTP, "ENABLE_HTTP")
	envBool(&c.EnableSSE, "ENABLE_SSE")
	envBool(&c.EnableMetrics, "ENABLE_METRICS")
	envStr(&c.HTTPHost, "HTTP_HOST")
	envInt(&c.HTTPPort, "HTTP_PORT")
	envStr(&c.HTTPSocketPath, "HTTP_SOCKET_PATH")
	envStr(&c.HTTPPath, "HTTP_PATH")
	envStr(&c.SSEPath, "SSE_PATH")
	envStr(&c.MetricsPath, "METRICS_PATH")
	envBool(&c.EnableAuth, "ENABLE_AUTH")
	if raw, ok := os.LookupEnv(EnvPrefix + "AUTH_TOKENS"); ok {
		c.AuthTokens = nil
		for _, item := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				c.AuthTokens = append(c.AuthTokens, trimmed)
			}
		}
	}
	envBool(&c.EnableSemanticSearch, "ENABLE_SEMANTIC_SEARCH")
	envStr(&c.EmbeddingModel, "EMBEDDING_MODEL")
	envStr(&c.EmbeddingDevice, "EMBEDDING_DEVICE")
	envInt(&c.EmbeddingBatchSize, "EMBEDDING_BATCH_SIZE")
	envInt(&c.SemanticSearchLimit, "SEMANTIC_SEARCH_LIMIT")
	envBool(&c.Logging.Debug, "LOG_DEBUG")
	envStr(&c.Logging.Level, "LOG_LEVEL")
}

func envStr(dst *string, key string) {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = value
	}
}

func envInt(dst *int, key string) {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*dst = parsed
		}
	}
}

func envBool(dst *bool, key string) {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

// Validate rejects invalid option combinations with CONFIG_ERROR.
func (c *Config) Validate() error {
	switch c.EvictionPolicy {
	case PolicyDiscard, PolicyFail, PolicyPreempt:
	default:
		return notebook.E(notebook.CodeConfigError,
			"eviction_policy must be one of discard, fail, preempt (got %q)", c.EvictionPolicy)
	}
	if c.EnableMetrics && !c.EnableHTTP {
		return notebook.E(notebook.CodeConfigError, "enable_metrics requires enable_http")
	}
	if c.EnableSSE && !c.EnableHTTP {
		return notebook.E(notebook.CodeConfigError, "enable_sse requires enable_http")
	}
	if c.EnableHTTP && c.EnableSSE && c.HTTPPath == c.SSEPath {
		return notebook.E(notebook.CodeConfigError, "http_path and sse_path must differ")
	}
	if c.MaxScratchpads < 0 || c.MaxCellsPerPad < 0 || c.MaxCellBytes < 0 {
		return notebook.E(notebook.CodeConfigError, "limits must be >= 0 (0 means unlimited)")
	}
	for _, opt := range []struct {
		name, value string
		unit        time.Duration
	}{
		{"preempt_age", c.PreemptAge, time.Hour},
		{"preempt_interval", c.PreemptInterval, time.Minute},
		{"validation_request_timeout", c.ValidationRequestTimeout, time.Second},
		{"shutdown_timeout", c.ShutdownTimeout, time.Second},
	} {
		if _, err := ParseDuration(opt.value, opt.unit); err != nil {
			return notebook.E(notebook.CodeConfigError, "%s: %v", opt.name, err)
		}
	}
	if _, err := c.Principals(); err != nil {
		return err
	}
	if c.EnableAuth && len(c.AuthTokens) == 0 {
		return notebook.E(notebook.CodeConfigError, "enable_auth requires at least one principal:token entry")
	}
	return nil
}

// Principal is one configured tenant credential. Order is significant: the
// first principal receives implicit-default pads during the one-time auth
// migration.
type Principal struct {
	Name  string
	Token string
}

// Principals parses the auth token registry preserving order.
func (c *Config) Principals() ([]Principal, error) {
	principals := make([]Principal, 0, len(c.AuthTokens))
	for _, entry := range c.AuthTokens {
		name, token, ok := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		token = strings.TrimSpace(token)
		if !ok || name == "" || token == "" {
			return nil, notebook.E(notebook.CodeConfigError,
				"auth token entries must have the form principal:token")
		}
		principals = append(principals, Principal{Name: name, Token: token})
	}
	return principals, nil
}

var durationPattern = regexp.MustCompile(`^(\d+)(s|m|h)?$`)

// ParseDuration parses `\d+(s|m|h)?`, applying defaultUnit when the suffix
// is absent.
func ParseDuration(value string, defaultUnit time.Duration) (time.Duration, error) {
	match := durationPattern.FindStringSubmatch(strings.TrimSpace(value))
	if match == nil {
		return 0, fmt.Errorf("invalid duration %q (expected e.g. 30s, 10m, 24h)", value)
	}
	amount, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %v", value, err)
	}
	unit := defaultUnit
	switch match[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	}
	return time.Duration(amount) * unit, nil
}

// PreemptAgeDuration returns the parsed preempt_age (default unit hours).
func (c *Config) PreemptAgeDuration() time.Duration {
	d, _ := ParseDuration(c.PreemptAge, time.Hour)
	return d
}

// PreemptIntervalDuration returns the parsed preempt_interval (default unit minutes).
func (c *Config) PreemptIntervalDuration() time.Duration {
	d, _ := ParseDuration(c.PreemptInterval, time.Minute)
	return d
}

// ValidationTimeout returns the parsed validation_request_timeout (default unit seconds).
func (c *Config) ValidationTimeout() time.Duration {
	d, _ := ParseDuration(c.ValidationRequestTimeout, time.Second)
	return d
}

// ShutdownTimeoutDuration returns the parsed shutdown_timeout (default unit seconds).
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	d, _ := ParseDuration(c.ShutdownTimeout, time.Second)
	return d
}
