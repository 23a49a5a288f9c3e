package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/probemon/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix     = "PROBEMON"
	DefaultHost          = "localhost"
	DefaultPort          = 4444
	DefaultInterval      = 100 * time.Millisecond
	DefaultTimeoutMS     = 1000
	DefaultRetryDelayMS  = 500
	DefaultHistorySize   = 1000
	DefaultHistoryWindow = 10 * time.Second
	DefaultLogLevel      = "info"
	DefaultDatabase      = "/var/lib/probemon/samples.db"
	DefaultBatchSize     = 100
	DefaultBatchTimeout  = 5 * time.Second
)

type Config struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	MapFile       string        `mapstructure:"map_file"`
	LayoutFile    string        `mapstructure:"layout_file"`
	Interval      time.Duration `mapstructure:"interval"`
	TimeoutMS     int           `mapstructure:"timeout_ms"`
	RetryDelayMS  int           `mapstructure:"retry_delay_ms"`
	MaxFailures   int           `mapstructure:"max_failures"`
	HistorySize   int           `mapstructure:"history_size"`
	HistoryWindow time.Duration `mapstructure:"history_window"`
	Instance      int           `mapstructure:"instance"`
	Fields        []string      `mapstructure:"fields"`
	LogLevel      string        `mapstructure:"log_level"`
	Recording     bool          `mapstructure:"recording"`
	Database      string        `mapstructure:"database"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout"`
	WatchMap      bool          `mapstructure:"watch_map"`
}

// Load merges defaults, the TOML config file, PROBEMON_* environment
// variables and command line flags, in increasing priority.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{
		envPrefix: DefaultEnvPrefix,
		args:      os.Args[1:],
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, fs, o); err != nil {
		return nil, err
	}

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, bindErr)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("map_file", "")
	v.SetDefault("layout_file", "")
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("timeout_ms", DefaultTimeoutMS)
	v.SetDefault("retry_delay_ms", DefaultRetryDelayMS)
	v.SetDefault("max_failures", 0)
	v.SetDefault("history_size", DefaultHistorySize)
	v.SetDefault("history_window", DefaultHistoryWindow)
	v.SetDefault("instance", 0)
	v.SetDefault("fields", []string{})
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("recording", false)
	v.SetDefault("database", DefaultDatabase)
	v.SetDefault("batch_size", DefaultBatchSize)
	v.SetDefault("batch_timeout", DefaultBatchTimeout)
	v.SetDefault("watch_map", true)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("probemon", pflag.ContinueOnError)

	fs.String("config", "", "Path to the TOML config file")
	fs.String("host", DefaultHost, "Probe command server host")
	fs.Int("port", DefaultPort, "Probe command server port")
	fs.String("map-file", "", "Linker map file of the running firmware")
	fs.String("layout-file", "", "YAML field layout file")
	fs.Duration("interval", DefaultInterval, "Sampling interval, e.g. 100ms or 500us")
	fs.Int("timeout-ms", DefaultTimeoutMS, "Probe command timeout in milliseconds")
	fs.Int("retry-delay-ms", DefaultRetryDelayMS, "Delay after a failed read in milliseconds")
	fs.Int("max-failures", 0, "Stop sampling after this many failed reads in a row (0 = never)")
	fs.Int("history-size", DefaultHistorySize, "Samples kept per field")
	fs.Duration("history-window", DefaultHistoryWindow, "Maximum age of kept samples")
	fs.Int("instance", 0, "Instance index for grouped fields")
	fs.StringSlice("fields", nil, "Field ids to sample")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	fs.Bool("recording", false, "Record samples to the database")
	fs.String("database", DefaultDatabase, "Sample database path")
	fs.Int("batch-size", DefaultBatchSize, "Samples per database write")
	fs.Duration("batch-timeout", DefaultBatchTimeout, "Maximum delay before buffered samples are written")
	fs.Bool("watch-map", true, "Reconnect when the map file changes")

	return fs
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet, o options) error {
	errFactory := errors.New()

	path := o.configPath
	if path == "" {
		path, _ = fs.GetString("config")
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
	} else {
		v.SetConfigName("probemon")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/probemon")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}

	return nil
}

// Validate checks value ranges. Paths are checked by their consumers.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}

	invalid := func(key string, value any) error {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Key   string
			Value any
		}{key, value})
	}

	switch {
	case c.Host == "":
		return invalid("host", c.Host)
	case c.Port <= 0 || c.Port > 65535:
		return invalid("port", c.Port)
	case c.TimeoutMS <= 0:
		return invalid("timeout_ms", c.TimeoutMS)
	case c.RetryDelayMS < 0:
		return invalid("retry_delay_ms", c.RetryDelayMS)
	case c.MaxFailures < 0:
		return invalid("max_failures", c.MaxFailures)
	case c.HistorySize < 0:
		return invalid("history_size", c.HistorySize)
	case c.HistoryWindow < 0:
		return invalid("history_window", c.HistoryWindow)
	case c.Instance < 0:
		return invalid("instance", c.Instance)
	case c.Recording && c.BatchSize <= 0:
		return invalid("batch_size", c.BatchSize)
	case c.Recording && c.BatchTimeout <= 0:
		return invalid("batch_timeout", c.BatchTimeout)
	}

	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}
