package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/stuffwatch/internal/presence"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Detection DetectionConfig `mapstructure:"detection"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Session   SessionConfig   `mapstructure:"session"`
	Bus       BusConfig       `mapstructure:"bus"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	StatusPort  int    `mapstructure:"status_port"`

	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	RateLimit       int      `mapstructure:"rate_limit"` // session requests per client and window, 0 disables
	RateLimitWindow string   `mapstructure:"rate_limit_window"`
}

// StorageConfig defines the session store backend
type StorageConfig struct {
	Type     string         `mapstructure:"type"` // "redis" or "postgres"
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// PostgresConfig defines PostgreSQL connection settings
type PostgresConfig struct {
	DSN            string `mapstructure:"dsn"`
	MaxConns       int32  `mapstructure:"max_conns"`
	ConnectTimeout string `mapstructure:"connect_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DetectionConfig defines how detector output is filtered into a count
type DetectionConfig struct {
	Region         presence.Region `mapstructure:"region"` // zero value means the whole frame
	ExcludedLabels []string        `mapstructure:"excluded_labels"`
	MinConfidence  float64         `mapstructure:"min_confidence"`
}

// EngineConfig defines the calibration and drop-detection parameters
type EngineConfig struct {
	CalibrationFrames int     `mapstructure:"calibration_frames"`
	DropFrames        int     `mapstructure:"drop_frames"`
	SmoothingFactor   float64 `mapstructure:"smoothing_factor"`
}

// AlertsConfig defines alert dispatch behavior
type AlertsConfig struct {
	Cooldown    string `mapstructure:"cooldown"`
	SendTimeout string `mapstructure:"send_timeout"`
	HistorySize int    `mapstructure:"history_size"`
	Subject     string `mapstructure:"subject"`
	Body        string `mapstructure:"body"`
}

// SMTPConfig defines the outbound mail relay
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	SSL      bool   `mapstructure:"ssl"`
}

// SessionConfig defines monitoring session settings
type SessionConfig struct {
	PasskeyDigits int `mapstructure:"passkey_digits"`
}

// BusConfig defines how the watcher hands alarms to the server
type BusConfig struct {
	Type       string `mapstructure:"type"` // "http" or "nats"
	TriggerURL string `mapstructure:"trigger_url"`
	NATSURL    string `mapstructure:"nats_url"`
	Subject    string `mapstructure:"subject"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadSettings returns the effective settings map (defaults, file and
// environment merged) without validating it.
func LoadSettings(configPath string) (map[string]any, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

// Defaults returns the configuration built from defaults alone.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// DefaultSettings returns the default settings as a nested map.
func DefaultSettings() map[string]any {
	v := viper.New()
	setDefaults(v)
	return v.AllSettings()
}

// KnownKeys returns the set of configuration keys stuffwatch understands.
func KnownKeys() map[string]bool {
	v := viper.New()
	setDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// UnknownKeys reads the config file alone and reports keys that no setting uses.
func UnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	known := KnownKeys()
	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

func newViper(configPath string) (*viper.Viper, error) {
	// A .env file next to the working directory feeds STUFFWATCH_* variables.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("STUFFWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	return v, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.http_port", 5000)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.status_port", 9091)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 30)
	v.SetDefault("server.rate_limit_window", "1m")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.postgres.connect_timeout", "5s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Detection defaults
	v.SetDefault("detection.region.x1", 0)
	v.SetDefault("detection.region.y1", 0)
	v.SetDefault("detection.region.x2", 0)
	v.SetDefault("detection.region.y2", 0)
	v.SetDefault("detection.excluded_labels", []string{"person"})
	v.SetDefault("detection.min_confidence", 0.0)

	// Engine defaults
	v.SetDefault("engine.calibration_frames", 30)
	v.SetDefault("engine.drop_frames", 15)
	v.SetDefault("engine.smoothing_factor", 0.6)

	// Alert defaults
	v.SetDefault("alerts.cooldown", "10s")
	v.SetDefault("alerts.send_timeout", "1s")
	v.SetDefault("alerts.history_size", 64)
	v.SetDefault("alerts.subject", "⚠️ Monitoring Alert")
	v.SetDefault("alerts.body", "Suspicious activity has been detected.\n\nYour monitored items may be at risk.\nPlease check the system immediately.")

	// SMTP defaults
	v.SetDefault("smtp.host", "smtp.gmail.com")
	v.SetDefault("smtp.port", 465)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.ssl", true)

	// Session defaults
	v.SetDefault("session.passkey_digits", 6)

	// Bus defaults
	v.SetDefault("bus.type", "http")
	v.SetDefault("bus.trigger_url", "http://localhost:5000/trigger-alert")
	v.SetDefault("bus.nats_url", "nats://localhost:4222")
	v.SetDefault("bus.subject", "stuffwatch.alarms")
}

// validate validates the configuration
func validate(cfg *Config) error {
	var errs []error

	for name, port := range map[string]int{
		"HTTP":    cfg.Server.HTTPPort,
		"metrics": cfg.Server.MetricsPort,
		"status":  cfg.Server.StatusPort,
	} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("invalid %s port: %d", name, port))
		}
	}

	switch cfg.Storage.Type {
	case "redis":
	case "postgres":
		if cfg.Storage.Postgres.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn is required when storage.type is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage type: %q (must be redis or postgres)", cfg.Storage.Type))
	}

	r := cfg.Detection.Region
	if !r.IsZero() && (r.X1 < 0 || r.Y1 < 0) {
		errs = append(errs, fmt.Errorf("invalid detection region: %+v", r))
	}
	if cfg.Detection.MinConfidence < 0 || cfg.Detection.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("detection.min_confidence must be in [0,1], got %v", cfg.Detection.MinConfidence))
	}

	if cfg.Engine.CalibrationFrames < 1 {
		errs = append(errs, fmt.Errorf("engine.calibration_frames must be >= 1, got %d", cfg.Engine.CalibrationFrames))
	}
	if cfg.Engine.DropFrames < 1 {
		errs = append(errs, fmt.Errorf("engine.drop_frames must be >= 1, got %d", cfg.Engine.DropFrames))
	}
	if !(cfg.Engine.SmoothingFactor > 0 && cfg.Engine.SmoothingFactor < 1) {
		errs = append(errs, fmt.Errorf("engine.smoothing_factor must be in (0,1), got %v", cfg.Engine.SmoothingFactor))
	}

	if cfg.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must be >= 0, got %d", cfg.Server.RateLimit))
	}

	for key, value := range map[string]string{
		"alerts.cooldown":          cfg.Alerts.Cooldown,
		"alerts.send_timeout":      cfg.Alerts.SendTimeout,
		"server.rate_limit_window": cfg.Server.RateLimitWindow,
	} {
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("invalid %s: %q", key, value))
		}
	}

	if cfg.Session.PasskeyDigits < 2 || cfg.Session.PasskeyDigits > 12 {
		errs = append(errs, fmt.Errorf("session.passkey_digits must be in [2,12], got %d", cfg.Session.PasskeyDigits))
	}

	switch cfg.Bus.Type {
	case "http", "nats":
	default:
		errs = append(errs, fmt.Errorf("unsupported bus type: %q (must be http or nats)", cfg.Bus.Type))
	}

	return errors.Join(errs...)
}
