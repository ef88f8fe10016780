package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/comigor/chatsync/internal/chat"
)

// Config holds the application configuration
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Identity IdentityConfig `mapstructure:"identity"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// APIConfig holds the backend API configuration
type APIConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
	PageSize int           `mapstructure:"page_size"`
}

// Realtime drivers.
const (
	DriverWebsocket = "websocket"
	DriverRedis     = "redis"
	DriverMemory    = "memory"
)

// RealtimeConfig selects and configures the realtime broker
type RealtimeConfig struct {
	Driver           string        `mapstructure:"driver"`
	URL              string        `mapstructure:"url"`
	RedisURL         string        `mapstructure:"redis_url"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// ChatConfig holds timing and lookup bounds for the chat core
type ChatConfig struct {
	TypingIdle       time.Duration `mapstructure:"typing_idle"`
	TypingClear      time.Duration `mapstructure:"typing_clear"`
	ResolverMaxPages int           `mapstructure:"resolver_max_pages"`
	ResolverPageSize int           `mapstructure:"resolver_page_size"`
}

// IdentityConfig is the profile the client acts as on startup
type IdentityConfig struct {
	ID          string `mapstructure:"id"`
	Kind        string `mapstructure:"kind"`
	DisplayName string `mapstructure:"display_name"`
}

// Identity converts the configured profile. An empty id yields the zero
// identity.
func (c IdentityConfig) Identity() (chat.Identity, error) {
	if c.ID == "" {
		return chat.Identity{}, nil
	}
	kind, err := chat.ParseIdentityKind(strings.ToLower(c.Kind))
	if err != nil {
		return chat.Identity{}, err
	}
	return chat.Identity{ID: c.ID, Kind: kind, DisplayName: c.DisplayName}, nil
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the prometheus listener configuration
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	// empty defaults register the keys so CHATSYNC_* variables bind on Unmarshal
	for _, key := range []string{"api.base_url", "api.token", "realtime.url", "realtime.redis_url", "identity.id", "identity.display_name", "metrics.addr"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("api.timeout", 15*time.Second)
	v.SetDefault("api.page_size", 50)
	v.SetDefault("realtime.driver", DriverWebsocket)
	v.SetDefault("realtime.ping_interval", 30*time.Second)
	v.SetDefault("realtime.handshake_timeout", 10*time.Second)
	v.SetDefault("chat.typing_idle", 3*time.Second)
	v.SetDefault("chat.typing_clear", 5*time.Second)
	v.SetDefault("chat.resolver_max_pages", 3)
	v.SetDefault("chat.resolver_page_size", 20)
	v.SetDefault("identity.kind", "person")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load loads the configuration from config.yaml, or from the file named by
// CONFIG_PATH. Values from a .env file and CHATSYNC_* variables override it.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("chatsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings no component can act on.
func (c *Config) Validate() error {
	switch c.Realtime.Driver {
	case DriverWebsocket, DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("config: unknown realtime driver %q", c.Realtime.Driver)
	}
	if _, err := chat.ParseIdentityKind(strings.ToLower(c.Identity.Kind)); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.API.PageSize <= 0 {
		return fmt.Errorf("config: api.page_size must be positive")
	}
	return nil
}
