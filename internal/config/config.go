package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/telesync/internal/errors"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix = "TELESYNC"
	DefaultLogLevel  = string(LogLevelInfo)
	DefaultServer    = "http://localhost:8080"
	configEnvVar     = "CONFIG"
	configName       = "telesync"
)

type Config struct {
	Server   string `mapstructure:"server"`
	APIKey   string `mapstructure:"api_key"`
	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`
	Verbose  bool   `mapstructure:"verbose"`

	PushEnabled          bool          `mapstructure:"push_enabled"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	PollFailureThreshold int           `mapstructure:"poll_failure_threshold"`
	PushProbeInterval    time.Duration `mapstructure:"push_probe_interval"`
	MaxRetries           int           `mapstructure:"max_retries"`
	BackoffInitial       time.Duration `mapstructure:"backoff_initial"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`

	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	RequestRetries      int           `mapstructure:"request_retries"`
	HistoryMinStaleness time.Duration `mapstructure:"history_min_staleness"`

	Journal JournalConfig `mapstructure:"journal"`
}

type JournalConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Path         string        `mapstructure:"path"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

var defaults = map[string]any{
	"server":                 DefaultServer,
	"api_key":                "",
	"log_level":              DefaultLogLevel,
	"debug":                  false,
	"verbose":                false,
	"push_enabled":           true,
	"handshake_timeout":      5 * time.Second,
	"heartbeat_timeout":      30 * time.Second,
	"poll_interval":          5 * time.Second,
	"poll_failure_threshold": 3,
	"push_probe_interval":    2 * time.Minute,
	"max_retries":            0,
	"backoff_initial":        time.Second,
	"backoff_max":            30 * time.Second,
	"request_timeout":        10 * time.Second,
	"request_retries":        2,
	"history_min_staleness":  30 * time.Second,
	"journal.enabled":        false,
	"journal.path":           defaultJournalPath(),
	"journal.batch_size":     20,
	"journal.batch_timeout":  10 * time.Second,
}

// flagKeys maps command line flag names onto configuration keys.
var flagKeys = map[string]string{
	"server":       "server",
	"api-key":      "api_key",
	"log-level":    "log_level",
	"debug":        "debug",
	"verbose":      "verbose",
	"poll":         "poll_interval",
	"journal":      "journal.enabled",
	"journal-path": "journal.path",
}

// Load reads configuration from defaults, an optional TOML file,
// TELESYNC_* environment variables and flags, in increasing precedence.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, o); err != nil {
		return nil, err
	}

	if o.flags != nil {
		for name, key := range flagKeys {
			f := o.flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errFactory.Wrap(errors.ErrBindFlags, err)
			}
		}
		if f := o.flags.Lookup("no-push"); f != nil && f.Changed && f.Value.String() == "true" {
			v.Set("push_enabled", false)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	cfg.Server = strings.TrimRight(cfg.Server, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, o *options) error {
	errFactory := errors.New()

	path := o.configPath
	if path == "" {
		path = os.Getenv(o.envPrefix + "_" + configEnvVar)
	}

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err).WithData(path)
		}
		return nil
	}

	v.SetConfigName(configName)
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, configName))
	}
	v.AddConfigPath("/etc")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

// Validate checks the loaded values and returns a coded error describing
// the first problem found.
func (c *Config) Validate() error {
	errFactory := errors.New()

	u, err := url.Parse(c.Server)
	if c.Server == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "server must be an http(s) URL, got "+c.Server)
	}

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	durations := map[string]time.Duration{
		"handshake_timeout": c.HandshakeTimeout,
		"heartbeat_timeout": c.HeartbeatTimeout,
		"poll_interval":     c.PollInterval,
		"backoff_initial":   c.BackoffInitial,
		"backoff_max":       c.BackoffMax,
		"request_timeout":   c.RequestTimeout,
	}
	for key, d := range durations {
		if d <= 0 {
			return errFactory.WithData(errors.ErrInvalidInterval, key+" must be > 0")
		}
	}

	if c.PushProbeInterval < 0 || c.HistoryMinStaleness < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "intervals must not be negative")
	}

	if c.BackoffMax < c.BackoffInitial {
		return errFactory.WithData(errors.ErrInvalidConfig, "backoff_max must be >= backoff_initial")
	}

	if c.PollFailureThreshold < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, "poll_failure_threshold must be >= 1")
	}

	if c.MaxRetries < 0 || c.RequestRetries < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "retry counts must not be negative")
	}

	if c.Journal.Enabled {
		if c.Journal.Path == "" {
			return errFactory.WithData(errors.ErrMissingConfig, "journal.path")
		}
		if c.Journal.BatchSize < 1 {
			return errFactory.WithData(errors.ErrInvalidConfig, "journal.batch_size must be >= 1")
		}
	}

	return nil
}

func defaultJournalPath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, configName, "journal.db")
	}
	return filepath.Join(os.TempDir(), configName, "journal.db")
}
