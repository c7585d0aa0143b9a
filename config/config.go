package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ARGUS_ENGINE_LOG_PRIORITY.
const EnvPrefix = "ARGUS"

// Intervention sink kinds.
const (
	InterventionSocket = "socket"
	InterventionFile   = "file"
)

// RulesConfig locates the rule files.
type RulesConfig struct {
	File      string `mapstructure:"file" yaml:"file"`
	Directory string `mapstructure:"directory" yaml:"directory"`
}

// EngineConfig tunes the matching engine.
type EngineConfig struct {
	// LogPriority is the minimum priority of an alert.
	LogPriority        uint32        `mapstructure:"log_priority" yaml:"log_priority"`
	StateFlushInterval time.Duration `mapstructure:"state_flush_interval" yaml:"state_flush_interval" validate:"gt=0"`
	RegexTimeout       time.Duration `mapstructure:"regex_timeout" yaml:"regex_timeout" validate:"gt=0"`
}

// InputConfig configures the scanner socket.
type InputConfig struct {
	SocketPath string `mapstructure:"socket_path" yaml:"socket_path" validate:"required"`
	// RateLimit is in events per second; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst" validate:"gte=1"`
}

// OutputConfig configures alert output.
type OutputConfig struct {
	AlertLog      string        `mapstructure:"alert_log" yaml:"alert_log"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval" validate:"gt=0"`
}

// StorageConfig configures the sqlite alert store and dead letter queue.
// An empty SQLitePath disables both.
type StorageConfig struct {
	SQLitePath     string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	DedupCacheSize int    `mapstructure:"dedup_cache_size" yaml:"dedup_cache_size" validate:"gte=1"`
}

// InterventionConfig selects where intervention commands are sent.
type InterventionConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind" validate:"oneof=socket file"`
	Path string `mapstructure:"path" yaml:"path" validate:"required"`
}

// MailConfig configures alert mail digests.
type MailConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	From            string        `mapstructure:"from" yaml:"from" validate:"omitempty,email"`
	To              []string      `mapstructure:"to" yaml:"to" validate:"dive,email"`
	ReplyTo         string        `mapstructure:"reply_to" yaml:"reply_to" validate:"omitempty,email"`
	Priority        uint32        `mapstructure:"priority" yaml:"priority"`
	InstantPriority uint32        `mapstructure:"instant_priority" yaml:"instant_priority"`
	Interval        time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	SampleTime      time.Duration `mapstructure:"sample_time" yaml:"sample_time" validate:"gt=0"`
	MaxSampleCount  int           `mapstructure:"max_sample_count" yaml:"max_sample_count" validate:"gte=1"`
}

// RedisConfig configures the optional alert publisher.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"gte=0"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
	List     string `mapstructure:"list" yaml:"list"`
	MaxList  int64  `mapstructure:"max_list" yaml:"max_list" validate:"gte=0"`
}

// APIConfig configures the health and metrics HTTP server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=console json"`
}

// Config holds all configuration for the argus daemon.
type Config struct {
	Rules        RulesConfig        `mapstructure:"rules" yaml:"rules"`
	Engine       EngineConfig       `mapstructure:"engine" yaml:"engine"`
	Input        InputConfig        `mapstructure:"input" yaml:"input"`
	Output       OutputConfig       `mapstructure:"output" yaml:"output"`
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Intervention InterventionConfig `mapstructure:"intervention" yaml:"intervention"`
	Mail         MailConfig         `mapstructure:"mail" yaml:"mail"`
	Redis        RedisConfig        `mapstructure:"redis" yaml:"redis"`
	API          APIConfig          `mapstructure:"api" yaml:"api"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
}

// LoadConfig reads the configuration from path (when not empty), the
// default search paths and ARGUS_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("argus")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/argus")
		v.AddConfigPath(".")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rules.file", "/etc/argus/rules.yml")
	v.SetDefault("rules.directory", "/etc/argus/rules/")

	v.SetDefault("engine.log_priority", 1)
	v.SetDefault("engine.state_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.regex_timeout", 500*time.Millisecond)

	v.SetDefault("input.socket_path", "/run/argus/research.sock")
	v.SetDefault("input.rate_limit", 0)
	v.SetDefault("input.rate_burst", 1000)

	v.SetDefault("output.alert_log", "/var/log/argus/alerts.log")
	v.SetDefault("output.retry_interval", time.Second)

	v.SetDefault("storage.sqlite_path", "/var/lib/argus/argus.db")
	v.SetDefault("storage.dedup_cache_size", 1024)

	v.SetDefault("intervention.kind", InterventionSocket)
	v.SetDefault("intervention.path", "/run/argus/intervention.sock")

	v.SetDefault("mail.enabled", false)
	v.SetDefault("mail.host", "localhost")
	v.SetDefault("mail.port", 25)
	v.SetDefault("mail.from", "")
	v.SetDefault("mail.to", []string{})
	v.SetDefault("mail.reply_to", "")
	v.SetDefault("mail.priority", 4)
	v.SetDefault("mail.instant_priority", 7)
	v.SetDefault("mail.interval", 30*time.Second)
	v.SetDefault("mail.sample_time", time.Second)
	v.SetDefault("mail.max_sample_count", 1000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "argus:alerts")
	v.SetDefault("redis.list", "")
	v.SetDefault("redis.max_list", 10000)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:9187")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Shorter names for the paths operators override most.
	_ = v.BindEnv("rules.file", "ARGUS_RULES")
	_ = v.BindEnv("input.socket_path", "ARGUS_SOCKET")
	_ = v.BindEnv("storage.sqlite_path", "ARGUS_DB")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func validateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed on '%s'", configKey(fe.Namespace()), fe.Tag())
		}
		return err
	}

	if config.Rules.File == "" && config.Rules.Directory == "" {
		return fmt.Errorf("rules.file and rules.directory cannot both be empty")
	}

	if config.Mail.Enabled && (config.Mail.From == "" || len(config.Mail.To) == 0) {
		return fmt.Errorf("mail is enabled but mail.from or mail.to is empty")
	}

	if config.Mail.Enabled && config.Mail.InstantPriority < config.Mail.Priority {
		return fmt.Errorf("mail.instant_priority (%d) must not be lower than mail.priority (%d)",
			config.Mail.InstantPriority, config.Mail.Priority)
	}

	if config.Redis.Enabled && config.Redis.Channel == "" && config.Redis.List == "" {
		return fmt.Errorf("redis is enabled but neither redis.channel nor redis.list is set")
	}

	if config.API.Enabled {
		if _, _, err := net.SplitHostPort(config.API.Listen); err != nil {
			return fmt.Errorf("invalid api.listen %q: %w", config.API.Listen, err)
		}
	}
	return nil
}

// configKey turns a validator namespace such as "Config.mail.max_sample_count"
// into the config key "mail.max_sample_count".
func configKey(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
