package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/CrowderSoup/kanban/database"
)

const (
	driverSQLite    = "sqlite"
	driverPostgREST = "postgrest"
)

// Config is the server configuration, read from an optional .env file and
// the environment. Environment variables win over the file.
type Config struct {
	Port           string
	StoreDriver    string
	SQLitePath     string
	PostgREST      database.PostgRESTConfig
	MaxInFlight    int
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "3001")
	v.SetDefault("STORE_DRIVER", driverSQLite)
	v.SetDefault("SQLITE_PATH", "kanban.db")
	v.SetDefault("POSTGREST_ROLE", "service_role")
	v.SetDefault("REMOTE_TIMEOUT", 10*time.Second)
	v.SetDefault("MAX_INFLIGHT_UPDATES", 8)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("ALLOWED_ORIGINS", "*")
}

// LoadConfig reads envFile if it exists, then the environment
func LoadConfig(v *viper.Viper, envFile string) (Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("error loading %s: %w", envFile, err)
		}
	}

	cfg := Config{
		Port:        v.GetString("PORT"),
		StoreDriver: strings.ToLower(v.GetString("STORE_DRIVER")),
		SQLitePath:  v.GetString("SQLITE_PATH"),
		PostgREST: database.PostgRESTConfig{
			URL:       v.GetString("POSTGREST_URL"),
			APIKey:    v.GetString("POSTGREST_API_KEY"),
			JWTSecret: v.GetString("POSTGREST_JWT_SECRET"),
			Role:      v.GetString("POSTGREST_ROLE"),
			Timeout:   v.GetDuration("REMOTE_TIMEOUT"),
		},
		MaxInFlight: v.GetInt("MAX_INFLIGHT_UPDATES"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		LogFormat:   v.GetString("LOG_FORMAT"),
	}
	for _, origin := range strings.Split(v.GetString("ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case driverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite store")
		}
	case driverPostgREST:
		if c.PostgREST.URL == "" {
			return errors.New("POSTGREST_URL is required for the postgrest store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.MaxInFlight < 0 {
		return errors.New("MAX_INFLIGHT_UPDATES must not be negative")
	}
	return nil
}
