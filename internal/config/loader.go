package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Install  InstallConfig  `mapstructure:"install"`
	Store    StoreConfig    `mapstructure:"store"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Features FeaturesConfig `mapstructure:"features"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	BodyLimit    int           `mapstructure:"body_limit"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type EngineConfig struct {
	BaseURL              string        `mapstructure:"base_url"`
	ProxyPrefix          string        `mapstructure:"proxy_prefix"`
	StripPrefix          bool          `mapstructure:"strip_prefix"`
	WSPath               string        `mapstructure:"ws_path"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	ProxyTimeout         time.Duration `mapstructure:"proxy_timeout"`
	DialTimeout          time.Duration `mapstructure:"dial_timeout"`
	PromptPath           string        `mapstructure:"prompt_path"`
	ExtensionInstallPath string        `mapstructure:"extension_install_path"`
	ExtensionsPath       string        `mapstructure:"extensions_path"`
	ModelsPath           string        `mapstructure:"models_path"`
}

// WSURL derives the engine's realtime endpoint from its HTTP base address.
func (e *EngineConfig) WSURL() string {
	base := strings.TrimRight(e.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + e.WSPath
}

type RelayConfig struct {
	SendQueue      int           `mapstructure:"send_queue"`
	MaxRetries     uint          `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
}

type InstallConfig struct {
	MaxConcurrent int             `mapstructure:"max_concurrent"`
	ModelsDir     string          `mapstructure:"models_dir"`
	LockDir       string          `mapstructure:"lock_dir"`
	DownloadRetry int             `mapstructure:"download_retry"`
	Retention     RetentionConfig `mapstructure:"retention"`
	Remote        RemoteConfig    `mapstructure:"remote"`
}

type RetentionConfig struct {
	MaxJobs       int           `mapstructure:"max_jobs"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RemoteConfig points model installs at an engine host reachable over SSH. Empty Host means
// models are written to the local filesystem.
type RemoteConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Driver   string         `mapstructure:"driver"`
	BoltPath string         `mapstructure:"bolt_path"`
	Postgres DatabaseConfig `mapstructure:"postgres"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

type FeaturesConfig struct {
	RequestIDHeader      string `mapstructure:"request_id_header"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging"`
	SingleInstance       bool   `mapstructure:"single_instance"`
	LockFile             string `mapstructure:"lock_file"`
}

// SetDefaults registers every key so env overrides work without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3333)
	v.SetDefault("server.read_timeout", time.Duration(0))
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.body_limit", 64*1024*1024)

	v.SetDefault("engine.base_url", "http://127.0.0.1:8188")
	v.SetDefault("engine.proxy_prefix", "/comfyui")
	v.SetDefault("engine.strip_prefix", true)
	v.SetDefault("engine.ws_path", "/ws")
	v.SetDefault("engine.request_timeout", 30*time.Second)
	v.SetDefault("engine.proxy_timeout", 5*time.Minute)
	v.SetDefault("engine.dial_timeout", 5*time.Second)
	v.SetDefault("engine.prompt_path", "/prompt")
	v.SetDefault("engine.extension_install_path", "/customnode/install")
	v.SetDefault("engine.extensions_path", "/customnode/installed")
	v.SetDefault("engine.models_path", "/models")

	v.SetDefault("relay.send_queue", 64)
	v.SetDefault("relay.max_retries", 10)
	v.SetDefault("relay.initial_backoff", 500*time.Millisecond)
	v.SetDefault("relay.max_backoff", 30*time.Second)
	v.SetDefault("relay.write_timeout", 10*time.Second)
	v.SetDefault("relay.ping_interval", 30*time.Second)

	v.SetDefault("install.max_concurrent", 2)
	v.SetDefault("install.models_dir", "models")
	v.SetDefault("install.lock_dir", "")
	v.SetDefault("install.download_retry", 3)
	v.SetDefault("install.retention.max_jobs", 200)
	v.SetDefault("install.retention.max_age", 24*time.Hour)
	v.SetDefault("install.retention.sweep_interval", time.Minute)
	v.SetDefault("install.remote.host", "")
	v.SetDefault("install.remote.port", 22)
	v.SetDefault("install.remote.timeout", 30*time.Second)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.bolt_path", "data/jobs.db")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.sslmode", "disable")
	v.SetDefault("store.postgres.max_idle_conns", 2)
	v.SetDefault("store.postgres.max_open_conns", 5)
	v.SetDefault("store.postgres.conn_max_lifetime", time.Hour)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})

	v.SetDefault("features.request_id_header", "X-Request-ID")
	v.SetDefault("features.enable_request_logging", true)
	v.SetDefault("features.single_instance", true)
	v.SetDefault("features.lock_file", "data/companion.lock")
}

// Load reads an optional config file on top of the defaults, then COMPANION_* env vars.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("COMPANION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("config: engine.base_url is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if !strings.HasPrefix(c.Engine.ProxyPrefix, "/") || c.Engine.ProxyPrefix == "/" {
		return fmt.Errorf("config: engine.proxy_prefix must be a non-root path")
	}
	if c.Relay.SendQueue <= 0 {
		return fmt.Errorf("config: relay.send_queue must be positive")
	}
	if c.Install.MaxConcurrent <= 0 {
		return fmt.Errorf("config: install.max_concurrent must be positive")
	}
	switch c.Store.Driver {
	case "memory", "bolt", "postgres":
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	return nil
}
