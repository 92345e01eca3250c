package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "COEDIT"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultStoreDriver        = StoreDriverSQLite
	defaultStoreDSN           = "coedit.db"
	defaultSnapshotInterval   = 2 * time.Second
	defaultSelectionDebounce  = 150 * time.Millisecond
	defaultSessionQueueSize   = 64
	defaultLogLevel           = "info"
	defaultCORSAllowedOrigins = "*"
)

// Supported document store drivers.
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverRedis    = "redis"
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress          string
	StoreDriver          string
	StoreDSN             string
	SnapshotInterval     time.Duration
	SelectionDebounce    time.Duration
	SelectionForwardWait time.Duration
	SessionQueueSize     int
	BootstrapPath        string
	AllowedOrigins       []string
	LogLevel             string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.dsn", defaultStoreDSN)
	configViper.SetDefault("snapshot.interval", defaultSnapshotInterval)
	configViper.SetDefault("selection.debounce", defaultSelectionDebounce)
	configViper.SetDefault("selection.forward_delay", time.Duration(0))
	configViper.SetDefault("session.queue_size", defaultSessionQueueSize)
	configViper.SetDefault("document.bootstrap_path", "")
	configViper.SetDefault("cors.allowed_origins", defaultCORSAllowedOrigins)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          strings.TrimSpace(configViper.GetString("http.address")),
		StoreDriver:          strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		StoreDSN:             strings.TrimSpace(configViper.GetString("store.dsn")),
		SnapshotInterval:     configViper.GetDuration("snapshot.interval"),
		SelectionDebounce:    configViper.GetDuration("selection.debounce"),
		SelectionForwardWait: configViper.GetDuration("selection.forward_delay"),
		SessionQueueSize:     configViper.GetInt("session.queue_size"),
		BootstrapPath:        strings.TrimSpace(configViper.GetString("document.bootstrap_path")),
		AllowedOrigins:       splitOrigins(configViper.GetString("cors.allowed_origins")),
		LogLevel:             configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.StoreDriver {
	case StoreDriverSQLite, StoreDriverPostgres, StoreDriverRedis:
	default:
		return fmt.Errorf("store.driver %q is not supported", c.StoreDriver)
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot.interval must be positive")
	}
	if c.SelectionDebounce < 0 {
		return fmt.Errorf("selection.debounce must not be negative")
	}
	if c.SelectionForwardWait < 0 {
		return fmt.Errorf("selection.forward_delay must not be negative")
	}
	if c.SessionQueueSize <= 0 {
		return fmt.Errorf("session.queue_size must be positive")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins is required")
	}
	return nil
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
