package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	General struct {
		Store     string `koanf:"store"`
		LogLevel  string `koanf:"log_level"`
		LogPretty bool   `koanf:"log_pretty"`
	} `koanf:"general"`

	Server struct {
		HTTPAddr string `koanf:"http_addr"`
		BusAddr  string `koanf:"bus_addr"`
		ID       string `koanf:"id"`
	} `koanf:"server"`

	Auth struct {
		SigningKey        string  `koanf:"signing_key"`
		Issuer            string  `koanf:"issuer"`
		GrantTTLMinutes   int     `koanf:"grant_ttl_minutes"`
		RequestsPerSecond float64 `koanf:"requests_per_second"`
		SystemUser        string  `koanf:"system_user"`
		SystemPass        string  `koanf:"system_pass"`
	} `koanf:"auth"`

	Relay struct {
		IdleEvictionMinutes int `koanf:"idle_eviction_minutes"`
		SweepMinutes        int `koanf:"sweep_minutes"`
	} `koanf:"relay"`
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	k.Load(confmap.Provider(map[string]interface{}{
		"general.store":               "postgres",
		"general.log_level":           "info",
		"general.log_pretty":          false,
		"server.http_addr":            ":8085",
		"server.bus_addr":             ":4244",
		"server.id":                   "teamrelay",
		"auth.issuer":                 "authgate",
		"auth.grant_ttl_minutes":      60,
		"auth.requests_per_second":    50.0,
		"auth.system_user":            "system",
		"relay.idle_eviction_minutes": 30,
		"relay.sweep_minutes":         5,
	}, "."), nil)

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		// Try to load from default locations
		defaultPaths := []string{"./teamrelay.toml", "$HOME/.teamrelay.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix TEAMRELAY_
	k.Load(env.Provider("TEAMRELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", -1)
	}), nil)

	// Unmarshal into Config struct
	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	// Check if file already exists
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	// Create sample configuration
	sampleConfig := `# TeamRelay Configuration

[general]
store = "postgres"
log_level = "info"
log_pretty = false

[server]
http_addr = ":8085"
bus_addr = ":4244"
id = "teamrelay"

[auth]
signing_key = "change-me"
issuer = "authgate"
grant_ttl_minutes = 60
requests_per_second = 50.0
system_user = "system"
system_pass = "change-me-too"

[relay]
idle_eviction_minutes = 30
sweep_minutes = 5
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	switch config.General.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown store %q, must be postgres or memory", config.General.Store)
	}

	if config.Server.HTTPAddr == "" {
		return fmt.Errorf("server http_addr is required")
	}
	if config.Server.BusAddr == "" {
		return fmt.Errorf("server bus_addr is required")
	}

	if config.Auth.SigningKey == "" {
		return fmt.Errorf("auth signing_key is required")
	}
	if config.Auth.SystemPass == "" {
		return fmt.Errorf("auth system_pass is required")
	}
	if config.Auth.GrantTTLMinutes <= 0 {
		return fmt.Errorf("auth grant_ttl_minutes must be positive")
	}
	if config.Auth.RequestsPerSecond <= 0 {
		return fmt.Errorf("auth requests_per_second must be positive")
	}

	if config.Relay.IdleEvictionMinutes <= 0 {
		return fmt.Errorf("relay idle_eviction_minutes must be positive")
	}
	if config.Relay.SweepMinutes <= 0 {
		return fmt.Errorf("relay sweep_minutes must be positive")
	}

	return nil
}
