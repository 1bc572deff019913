// Package config loads service configuration from flags, environment and an optional file
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	playground "github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. SCRIPTGOV_LISTEN
const EnvPrefix = "SCRIPTGOV"

const (
	BackendMemory   = "memory"
	BackendJournal  = "journal"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the resolved service configuration. Keys match flag names.
type Config struct {
	Listen    string `mapstructure:"listen" validate:"required,hostname_port"`
	LogLevel  string `mapstructure:"log-level" validate:"oneof=debug info warn error"`
	LogPretty bool   `mapstructure:"log-pretty"`

	// PolicyFile replaces the built-in catalog when set
	PolicyFile string `mapstructure:"policy-file" validate:"omitempty,filepath"`

	Backend            string        `mapstructure:"backend" validate:"oneof=memory journal postgres redis"`
	JournalDir         string        `mapstructure:"journal-dir"`
	JournalMaxFileSize int64         `mapstructure:"journal-max-file-size" validate:"gte=0"`
	JournalNoSync      bool          `mapstructure:"journal-no-sync"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint-interval" validate:"gte=0"`
	PostgresDSN        string        `mapstructure:"postgres-dsn"`
	RedisURL           string        `mapstructure:"redis-url"`
	RedisPrefix        string        `mapstructure:"redis-prefix"`

	NATSURL        string        `mapstructure:"nats-url" validate:"omitempty,url"`
	SandboxSubject string        `mapstructure:"sandbox-subject"`
	SandboxTimeout time.Duration `mapstructure:"sandbox-timeout" validate:"gt=0"`

	// JWTSecret signs caller tokens; empty disables authentication
	JWTSecret string `mapstructure:"jwt-secret"`

	MaxAppendRetries int `mapstructure:"max-append-retries" validate:"gte=0,lte=10"`
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	return Config{
		Listen:             "127.0.0.1:8080",
		LogLevel:           "info",
		Backend:            BackendMemory,
		JournalDir:         "./data",
		JournalMaxFileSize: 64 << 20,
		CheckpointInterval: 5 * time.Minute,
		RedisPrefix:        "scriptgov",
		SandboxSubject:     "scriptgov.exec",
		SandboxTimeout:     30 * time.Second,
		MaxAppendRetries:   3,
	}
}

// RegisterFlags adds every configuration flag to cmd
func RegisterFlags(cmd *cobra.Command) {
	d := Default()
	f := cmd.PersistentFlags()
	f.String("config", "", "configuration file (yaml)")
	f.String("listen", d.Listen, "HTTP listen address")
	f.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	f.Bool("log-pretty", d.LogPretty, "human readable console logs")
	f.String("policy-file", d.PolicyFile, "policy catalog file; built-in catalog when empty")
	f.String("backend", d.Backend, "version store: memory, journal, postgres, redis")
	f.String("journal-dir", d.JournalDir, "journal backend directory")
	f.Int64("journal-max-file-size", d.JournalMaxFileSize, "rotate journal segments at this size")
	f.Bool("journal-no-sync", d.JournalNoSync, "skip fsync on commit (tests only)")
	f.Duration("checkpoint-interval", d.CheckpointInterval, "journal checkpoint interval; 0 disables")
	f.String("postgres-dsn", d.PostgresDSN, "postgres connection string")
	f.String("redis-url", d.RedisURL, "redis URL")
	f.String("redis-prefix", d.RedisPrefix, "redis key prefix")
	f.String("nats-url", d.NATSURL, "NATS URL of the execution sandbox; empty disables test runs")
	f.String("sandbox-subject", d.SandboxSubject, "NATS subject the sandbox listens on")
	f.Duration("sandbox-timeout", d.SandboxTimeout, "test run timeout")
	f.String("jwt-secret", d.JWTSecret, "HS256 secret for caller tokens; empty disables auth")
	f.Int("max-append-retries", d.MaxAppendRetries, "retries for an append that lost a race")
}

// Load resolves configuration from cmd's flags, SCRIPTGOV_* variables and
// the file named by --config, in that order of precedence
func Load(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			bindErr = multierror.Append(bindErr, err)
		}
	})
	if bindErr != nil {
		return Config{}, errors.Wrap(bindErr, "bind flags")
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", file)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and the settings each backend needs.
// Every problem is reported, not just the first.
func (c Config) Validate() error {
	var result error
	if err := playground.New().Struct(c); err != nil {
		var verrs playground.ValidationErrors
		if !errors.As(err, &verrs) {
			return errors.Wrap(err, "validate config")
		}
		for _, fe := range verrs {
			result = multierror.Append(result, errors.Newf("%s: failed %s %s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}

	switch c.Backend {
	case BackendJournal:
		if c.JournalDir == "" {
			result = multierror.Append(result, errors.New("journal backend needs journal-dir"))
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			result = multierror.Append(result, errors.New("postgres backend needs postgres-dsn"))
		}
	case BackendRedis:
		if c.RedisURL == "" {
			result = multierror.Append(result, errors.New("redis backend needs redis-url"))
		}
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		result = multierror.Append(result, errors.New("jwt-secret must be at least 32 bytes"))
	}

	if result != nil {
		return errors.Wrap(result, "invalid configuration")
	}
	return nil
}
