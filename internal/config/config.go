package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/jackzampolin/docnav/internal/providers"
	"github.com/jackzampolin/docnav/internal/retry"
)

// EnvPrefix prefixes environment overrides, e.g. DOCNAV_LLM_MODEL.
const EnvPrefix = "DOCNAV"

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	config    *Config
	callbacks []func(*Config)
	logger    *slog.Logger
}

// NewManager creates a new config manager and loads initial config.
// When cfgFile is empty, config.yaml is searched in the working directory
// and then in searchDirs.
func NewManager(cfgFile string, searchDirs ...string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
		logger:    slog.Default(),
	}

	if err := cm.initViper(cfgFile, searchDirs); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string, searchDirs []string) error {
	for _, e := range DefaultEntries() {
		cm.v.SetDefault(e.Key, e.Value)
	}

	// Environment variables with DOCNAV_ prefix
	cm.v.SetEnvPrefix(EnvPrefix)
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	// Config file
	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		for _, dir := range searchDirs {
			cm.v.AddConfigPath(dir)
		}
	}

	// Try to read config file (not required)
	if err := cm.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ConfigFile returns the file the configuration was read from, if any.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// Value returns the effective value of a single key.
func (cm *Manager) Value(key string) (any, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if !cm.v.IsSet(key) {
		return nil, fmt.Errorf("unknown config key %q", key)
	}
	return cm.v.Get(key), nil
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration. An invalid edit is
// logged and the previous configuration stays in effect.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			cm.logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		cm.logger.Info("config reloaded", "file", e.Name)
		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if _, err := c.InitialDelay(); err != nil {
		return err
	}
	if c.Analysis.RenderScale < 0 || c.Analysis.DebugScale < 0 {
		return fmt.Errorf("analysis scales must not be negative")
	}
	switch c.Defaults.OutputFormat {
	case "", "yaml", "json":
	default:
		return fmt.Errorf("unsupported output format %q", c.Defaults.OutputFormat)
	}
	return nil
}

// InitialDelay parses retry.initial_delay.
func (c *Config) InitialDelay() (time.Duration, error) {
	if c.Retry.InitialDelay == "" {
		return retry.DefaultInitialDelay, nil
	}
	d, err := time.ParseDuration(c.Retry.InitialDelay)
	if err != nil {
		return 0, fmt.Errorf("invalid retry.initial_delay %q: %w", c.Retry.InitialDelay, err)
	}
	return d, nil
}

// RetryPolicy returns the backoff policy for model calls.
func (c *Config) RetryPolicy() retry.Policy {
	d, err := c.InitialDelay()
	if err != nil {
		d = retry.DefaultInitialDelay
	}
	return retry.Policy{MaxRetries: c.Retry.MaxRetries, InitialDelay: d}
}

// OpenAIConfig converts the llm section for providers.NewOpenAIClient,
// resolving ${ENV_VAR} references in the API key.
func (c *Config) OpenAIConfig(logger *slog.Logger) providers.OpenAIConfig {
	cfg := providers.OpenAIConfig{
		APIKey:  ResolveEnvVars(c.LLM.APIKey),
		BaseURL: c.LLM.BaseURL,
		Model:   c.LLM.Model,
		Timeout: time.Duration(c.LLM.TimeoutSeconds) * time.Second,
		Logger:  logger,

		DeferSiblingCalls: c.Analysis.ExecuteAllToolCalls,
	}
	if c.LLM.RateLimit > 0 {
		cfg.Limiter = providers.NewRateLimiter(c.LLM.RateLimit)
	}
	return cfg
}

// ApplyRateLimit returns an OnChange callback that moves a live limiter to
// the reloaded llm.rate_limit. A nil limiter or a non-positive rate is a no-op.
func ApplyRateLimit(limiter *providers.RateLimiter, logger *slog.Logger) func(*Config) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *Config) {
		if limiter == nil || c.LLM.RateLimit <= 0 {
			return
		}
		prev := limiter.Rate()
		if prev == c.LLM.RateLimit {
			return
		}
		limiter.SetRate(c.LLM.RateLimit)
		logger.Info("rate limit updated from config", "from", prev, "to", c.LLM.RateLimit)
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# docnav configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set this in your shell: export GEMINI_API_KEY=xxx
# Any key can be overridden from the environment, e.g. DOCNAV_LLM_MODEL=gemini-2.5-pro

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
