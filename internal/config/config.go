package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration knobs for the notification service.
type Config struct {
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		CORSOrigins  []string      `mapstructure:"cors_origins"`
	} `mapstructure:"http"`
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
	Storage struct {
		Driver      string `mapstructure:"driver"`
		Path        string `mapstructure:"path"`
		PostgresDSN string `mapstructure:"postgres_dsn"`
	} `mapstructure:"storage"`
	Realtime struct {
		Driver        string `mapstructure:"driver"`
		RedisAddr     string `mapstructure:"redis_addr"`
		RedisPassword string `mapstructure:"redis_password"`
		RedisDB       int    `mapstructure:"redis_db"`
		ChannelPrefix string `mapstructure:"channel_prefix"`
	} `mapstructure:"realtime"`
	Push struct {
		CredentialsFile   string        `mapstructure:"credentials_file"`
		CredentialsJSON   string        `mapstructure:"credentials_json"`
		BaseURL           string        `mapstructure:"base_url"`
		SendTimeout       time.Duration `mapstructure:"send_timeout"`
		ExchangeTimeout   time.Duration `mapstructure:"exchange_timeout"`
		MaxParallel       int           `mapstructure:"max_parallel"`
		PruneUnregistered bool          `mapstructure:"prune_unregistered"`
		Icon              string        `mapstructure:"icon"`
		ClickURL          string        `mapstructure:"click_url"`
		AppOrigin         string        `mapstructure:"app_origin"`
		DefaultType       string        `mapstructure:"default_type"`
	} `mapstructure:"push"`
	Frontend struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"frontend"`
	Auth struct {
		Enabled   bool          `mapstructure:"enabled"`
		Username  string        `mapstructure:"username"`
		Password  string        `mapstructure:"password"`
		JWTSecret string        `mapstructure:"jwt_secret"`
		TokenTTL  time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"auth"`
	Agent struct {
		ListenAddr    string        `mapstructure:"listen_addr"`
		Origin        string        `mapstructure:"origin"`
		ServerURL     string        `mapstructure:"server_url"`
		UserID        string        `mapstructure:"user_id"`
		Token         string        `mapstructure:"token"`
		Version       string        `mapstructure:"version"`
		Precache      []string      `mapstructure:"precache"`
		ExternalHosts []string      `mapstructure:"external_hosts"`
		SkipWaiting   bool          `mapstructure:"skip_waiting"`
		FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
		Icon          string        `mapstructure:"icon"`
		Badge         string        `mapstructure:"badge"`
		Sound         bool          `mapstructure:"sound"`
		PlayerCommand []string      `mapstructure:"player_command"`
	} `mapstructure:"agent"`
}

// Load reads the configuration from disk/environment using Viper.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("feira")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// a missing file is fine, env-only configuration is supported
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// PushCredentials returns the raw service-account payload, or nil when push
// is not configured. The payload is not validated here.
func (c *Config) PushCredentials() ([]byte, error) {
	if raw := strings.TrimSpace(c.Push.CredentialsJSON); raw != "" {
		return []byte(raw), nil
	}
	path := strings.TrimSpace(c.Push.CredentialsFile)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read push credentials: %w", err)
	}
	return data, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("storage.driver", "bolt")
	v.SetDefault("storage.path", "./data/feira.db")
	v.SetDefault("storage.postgres_dsn", "")

	v.SetDefault("realtime.driver", "memory")
	v.SetDefault("realtime.redis_addr", "127.0.0.1:6379")
	v.SetDefault("realtime.redis_password", "")
	v.SetDefault("realtime.redis_db", 0)
	v.SetDefault("realtime.channel_prefix", "feira:notifications:")

	v.SetDefault("push.credentials_file", "")
	v.SetDefault("push.credentials_json", "")
	v.SetDefault("push.base_url", "https://fcm.googleapis.com")
	v.SetDefault("push.send_timeout", "10s")
	v.SetDefault("push.exchange_timeout", "10s")
	v.SetDefault("push.max_parallel", 0)
	v.SetDefault("push.prune_unregistered", true)
	v.SetDefault("push.icon", "/icons/icon-192x192.png")
	v.SetDefault("push.click_url", "/")
	v.SetDefault("push.app_origin", "")
	v.SetDefault("push.default_type", "general")

	v.SetDefault("frontend.dir", "./web")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "admin123")
	v.SetDefault("auth.jwt_secret", "change-me-secret")
	v.SetDefault("auth.token_ttl", "12h")

	v.SetDefault("agent.listen_addr", "127.0.0.1:8091")
	v.SetDefault("agent.origin", "http://localhost:8090")
	v.SetDefault("agent.server_url", "http://localhost:8090")
	v.SetDefault("agent.user_id", "")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.version", "v1")
	v.SetDefault("agent.precache", []string{"/", "/index.html", "/manifest.json", "/icons/icon-192x192.png"})
	v.SetDefault("agent.external_hosts", []string{"supabase.co", "googleapis.com"})
	v.SetDefault("agent.skip_waiting", true)
	v.SetDefault("agent.fetch_timeout", "15s")
	v.SetDefault("agent.icon", "/icons/icon-192x192.png")
	v.SetDefault("agent.badge", "/icons/icon-72x72.png")
	v.SetDefault("agent.sound", true)
	v.SetDefault("agent.player_command", []string{})
}
