// Package config provides configuration management for the paseo daemon.
// It supports loading configuration from environment variables, a config file
// under $PASEO_HOME, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Home     string         `mapstructure:"home"`
	Server   ServerConfig   `mapstructure:"server"`
	Relay    RelayConfig    `mapstructure:"relay"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the daemon's listen configuration.
type ServerConfig struct {
	Listen       string `mapstructure:"listen"`       // host:port bind address
	PrimaryLANIP string `mapstructure:"primaryLanIp"` // advertised for v1 pairing endpoints
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// RelayConfig holds relay transport configuration.
type RelayConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // host:port of the relay
}

// NATSConfig holds optional external event bus configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent supervision tunables.
type AgentConfig struct {
	TurnTimeout     time.Duration `mapstructure:"turnTimeout"`     // full prompt turn deadline
	KillGracePeriod time.Duration `mapstructure:"killGracePeriod"` // graceful signal -> force kill
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"` // wait for processing agents
}

// TerminalConfig holds terminal multiplexer tunables.
type TerminalConfig struct {
	ScrollbackBytes int `mapstructure:"scrollbackBytes"` // per-terminal ring buffer cap
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home", defaultHome())

	v.SetDefault("server.listen", "0.0.0.0:6767")
	v.SetDefault("server.primaryLanIp", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("relay.enabled", true)
	v.SetDefault("relay.endpoint", "relay.paseo.sh:443")

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("agent.turnTimeout", 10*time.Minute)
	v.SetDefault("agent.killGracePeriod", 5*time.Second)
	v.SetDefault("agent.shutdownTimeout", 30*time.Second)

	v.SetDefault("terminal.scrollbackBytes", 200*1024)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stderr")
}

func defaultHome() string {
	if home := os.Getenv("PASEO_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".paseo"
	}
	return filepath.Join(userHome, ".paseo")
}

// Load reads configuration from environment variables, the config file under
// $PASEO_HOME, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given config file path.
// An empty path falls back to $PASEO_HOME/config.yaml if present.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PASEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// PASEO_LISTEN and PASEO_PRIMARY_LAN_IP are documented flat names;
	// bind them onto their nested keys.
	_ = v.BindEnv("server.listen", "PASEO_LISTEN")
	_ = v.BindEnv("server.primaryLanIp", "PASEO_PRIMARY_LAN_IP")
	_ = v.BindEnv("home", "PASEO_HOME")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("home"))
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional; only a malformed file is fatal
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				if !os.IsNotExist(err) {
					return nil, fmt.Errorf("failed to read config file: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
