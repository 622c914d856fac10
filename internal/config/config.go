// Package config loads server configuration from defaults, an optional
// config file, a .env file and RENTLEDGER_* environment variables, and
// validates the result against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// RENTLEDGER_DATABASE_DSN for database.dsn.
const EnvPrefix = "RENTLEDGER"

//go:embed schema.cue
var schemaSource string

type Config struct {
	Server   ServerConfig   `mapstructure:"server" json:"server"`
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
	Approval ApprovalConfig `mapstructure:"approval" json:"approval"`
	Webhook  WebhookConfig  `mapstructure:"webhook" json:"webhook"`
	NATS     NATSConfig     `mapstructure:"nats" json:"nats"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper" json:"sweeper"`
	Events   EventsConfig   `mapstructure:"events" json:"events"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" json:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors" json:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

type DatabaseConfig struct {
	Dialect      string `mapstructure:"dialect" json:"dialect"`
	DSN          string `mapstructure:"dsn" json:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" json:"max_open_conns"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

type ApprovalConfig struct {
	// Mode is "transactional" or "compensating".
	Mode string `mapstructure:"mode" json:"mode"`
}

type WebhookConfig struct {
	Secret    string        `mapstructure:"secret" json:"secret"`
	Tolerance time.Duration `mapstructure:"tolerance" json:"tolerance"`
	Redis     RedisConfig   `mapstructure:"redis" json:"redis"`
}

// RedisConfig configures the webhook delivery guard. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" json:"addr"`
	Password string        `mapstructure:"password" json:"password"`
	DB       int           `mapstructure:"db" json:"db"`
	TTL      time.Duration `mapstructure:"ttl" json:"ttl"`
}

// NATSConfig configures event forwarding. An empty URL disables it.
type NATSConfig struct {
	URL  string `mapstructure:"url" json:"url"`
	Name string `mapstructure:"name" json:"name"`
}

type SweeperConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Schedule string `mapstructure:"schedule" json:"schedule"`
}

type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size" json:"buffer_size"`
}

// New returns a viper instance with defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors.allowed_origins", []string{"*"})

	v.SetDefault("database.dialect", "sqlite3")
	v.SetDefault("database.dsn", "file:rentledger.db?_pragma=foreign_keys(1)")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("approval.mode", "transactional")

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.tolerance", 5*time.Minute)
	v.SetDefault("webhook.redis.addr", "")
	v.SetDefault("webhook.redis.password", "")
	v.SetDefault("webhook.redis.db", 0)
	v.SetDefault("webhook.redis.ttl", 24*time.Hour)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "rentledger")

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.schedule", "0 */15 * * * *")

	v.SetDefault("events.buffer_size", 256)
}

// Load reads .env (if present) and the config file, then unmarshals and
// validates. An empty configFile searches for config.yaml in the working
// directory and /etc/rentledger; a missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rentledger")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration against the embedded schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	val := def.Unify(ctx.Encode(c))
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
