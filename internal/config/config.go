package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/sensusd/internal/datastore/local"
	"codeberg.org/mutker/sensusd/internal/datastore/remote"
	"codeberg.org/mutker/sensusd/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel     = LogLevelInfo
	DefaultName         = "default"
	DefaultEnvPrefix    = "SENSUSD"
	DefaultStageWarning = 30 * time.Second

	configName = "sensusd"
	configType = "toml"
)

type Config struct {
	LogLevel string `mapstructure:"log_level"`
	// Protocol is the path of a YAML protocol definition. Without one
	// the daemon runs every registered probe.
	Protocol     string        `mapstructure:"protocol"`
	Name         string        `mapstructure:"name"`
	Rollback     bool          `mapstructure:"rollback_on_start_failure"`
	StageWarning time.Duration `mapstructure:"stage_warning"`
	Local        LocalConfig   `mapstructure:"local"`
	Remote       RemoteConfig  `mapstructure:"remote"`
}

type LocalConfig struct {
	DBPath       string        `mapstructure:"db_path"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type RemoteConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Compression string        `mapstructure:"compression"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level": "log_level",
	"protocol":  "protocol",
	"name":      "name",
	"db-path":   "local.db_path",
	"endpoint":  "remote.endpoint",
}

// RegisterFlags adds the daemon's configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to configuration file")
	fs.String("log-level", "", "Log level (debug, info, warning, error)")
	fs.String("protocol", "", "Path to protocol definition (YAML)")
	fs.String("name", "", "Protocol name when no definition is given")
	fs.String("db-path", "", "Local data store database path")
	fs.String("endpoint", "", "Remote data store endpoint URL")
}

// Load reads configuration from defaults, the config file, the environment
// and flags, in increasing order of precedence, and validates it.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if o.flags != nil {
		if path, err := o.flags.GetString("config"); err == nil && path != "" && o.configPath == "" {
			o.configPath = path
		}
		for flagName, key := range flagKeys {
			f := o.flags.Lookup(flagName)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errFactory.Wrap(errors.ErrBindFlags, err)
			}
		}
	}

	if err := readConfigFile(v, o); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err).WithMessage("Failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	localDefaults := local.DefaultConfig()
	remoteDefaults := remote.DefaultConfig()

	v.SetDefault("log_level", string(DefaultLogLevel))
	v.SetDefault("name", DefaultName)
	v.SetDefault("rollback_on_start_failure", false)
	v.SetDefault("stage_warning", DefaultStageWarning)
	v.SetDefault("local.db_path", localDefaults.DBPath)
	v.SetDefault("local.batch_size", localDefaults.BatchSize)
	v.SetDefault("local.batch_timeout", localDefaults.BatchTimeout)
	v.SetDefault("remote.endpoint", "")
	v.SetDefault("remote.interval", remoteDefaults.Interval)
	v.SetDefault("remote.batch_size", remoteDefaults.BatchSize)
	v.SetDefault("remote.timeout", remoteDefaults.Timeout)
	v.SetDefault("remote.compression", string(remoteDefaults.Compression))
}

// readConfigFile loads an explicit file (option, flag or $SENSUSD_CONFIG),
// or searches /etc/sensusd and the working directory. Only a missing file
// found by searching is tolerated.
func readConfigFile(v *viper.Viper, o *options) error {
	path := o.configPath
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath("/etc/sensusd")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return errors.New().Wrap(errors.ErrReadConfig, err).WithMessage("Failed to read config file")
	}

	return nil
}

// Validate checks the configuration, including both store sections.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Name == "" && c.Protocol == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "either name or protocol is required")
	}
	if c.StageWarning < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.StageWarning)
	}
	if c.Remote.Endpoint == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "remote.endpoint is required")
	}
	if err := c.LocalStore().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if err := c.RemoteStore().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	return nil
}

// LocalStore returns the local data store configuration.
func (c *Config) LocalStore() local.Config {
	cfg := local.DefaultConfig()
	cfg.DBPath = c.Local.DBPath
	cfg.BatchSize = c.Local.BatchSize
	cfg.BatchTimeout = c.Local.BatchTimeout
	return cfg
}

// RemoteStore returns the remote data store configuration.
func (c *Config) RemoteStore() remote.Config {
	return remote.Config{
		Endpoint:    c.Remote.Endpoint,
		Interval:    c.Remote.Interval,
		BatchSize:   c.Remote.BatchSize,
		Timeout:     c.Remote.Timeout,
		Compression: remote.Compression(c.Remote.Compression),
	}
}
