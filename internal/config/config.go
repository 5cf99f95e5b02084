package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"nearest-departures/internal/transit"
)

type Config struct {
	// Secrets come from the environment only.
	ResRobotAPIKey string `yaml:"-" validate:"required"`
	DatabaseURL    string `yaml:"-"`

	ResRobotBaseURL string         `yaml:"resrobotBaseURL" validate:"required,url"`
	Window          WindowConfig   `yaml:"window"`
	Timeouts        TimeoutConfig  `yaml:"timeouts"`
	Position        PositionConfig `yaml:"position"`

	NATSURL             string `yaml:"natsURL"`
	NATSPositionSubject string `yaml:"natsPositionSubject"`
	NATSStateSubject    string `yaml:"natsStateSubject"`

	HTTPAddr        string `yaml:"httpAddr" validate:"required"`
	MetricsAddr     string `yaml:"metricsAddr"`
	RefreshSchedule string `yaml:"refreshSchedule"`

	LogLevel       string `yaml:"logLevel" validate:"oneof=debug info warn error"`
	LogDevelopment bool   `yaml:"logDevelopment"`
}

type WindowConfig struct {
	DurationMinutes int    `yaml:"durationMinutes" validate:"gt=0"`
	MaxDepartures   int    `yaml:"maxDepartures" validate:"gt=0"`
	ModeFilter      string `yaml:"modeFilter" validate:"oneof=all surface-rail rail bus"`
}

type TimeoutConfig struct {
	LocationMS int `yaml:"locationMS" validate:"gte=0"`
	LookupMS   int `yaml:"lookupMS" validate:"gte=0"`
}

type PositionConfig struct {
	Source string   `yaml:"source" validate:"oneof=static nats"`
	Lat    *float64 `yaml:"lat"`
	Lon    *float64 `yaml:"lon"`
}

func defaults() *Config {
	return &Config{
		ResRobotBaseURL: "https://api.resrobot.se/v2.1",
		Window:          WindowConfig{DurationMinutes: 30, MaxDepartures: 5, ModeFilter: "surface-rail"},
		Timeouts:        TimeoutConfig{LocationMS: 10000, LookupMS: 10000},
		Position:        PositionConfig{Source: "static"},
		NATSURL:         "nats://127.0.0.1:4222",
		HTTPAddr:        ":8080",
		LogLevel:        "info",
	}
}

// Load reads CONFIG_FILE (optional YAML) as a base, then .env and the
// environment on top of it, and validates the result.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse CONFIG_FILE %s: %w", path, err)
		}
	}

	cfg.ResRobotAPIKey = firstNonEmpty(os.Getenv("RESROBOT_API_KEY"), os.Getenv("REACT_APP_RESROBOT_API_KEY"))
	cfg.ResRobotBaseURL = getenvDefault("RESROBOT_BASE_URL", cfg.ResRobotBaseURL)

	var err error
	if cfg.Window.DurationMinutes, err = getenvInt("DEPARTURE_DURATION_MIN", cfg.Window.DurationMinutes); err != nil {
		return nil, err
	}
	if cfg.Window.MaxDepartures, err = getenvInt("MAX_DEPARTURES", cfg.Window.MaxDepartures); err != nil {
		return nil, err
	}
	cfg.Window.ModeFilter = strings.ToLower(getenvDefault("MODE_FILTER", cfg.Window.ModeFilter))

	if cfg.Timeouts.LocationMS, err = getenvInt("LOCATION_TIMEOUT_MS", cfg.Timeouts.LocationMS); err != nil {
		return nil, err
	}
	if cfg.Timeouts.LookupMS, err = getenvInt("LOOKUP_TIMEOUT_MS", cfg.Timeouts.LookupMS); err != nil {
		return nil, err
	}

	cfg.Position.Source = strings.ToLower(getenvDefault("POSITION_SOURCE", cfg.Position.Source))
	if cfg.Position.Lat, err = getenvFloat("POSITION_LAT", cfg.Position.Lat); err != nil {
		return nil, err
	}
	if cfg.Position.Lon, err = getenvFloat("POSITION_LON", cfg.Position.Lon); err != nil {
		return nil, err
	}

	cfg.NATSURL = getenvDefault("NATS_URL", cfg.NATSURL)
	cfg.NATSPositionSubject = getenvDefault("NATS_POSITION_SUBJECT", cfg.NATSPositionSubject)
	// Empty disables snapshot publishing.
	cfg.NATSStateSubject = getenvDefault("NATS_STATE_SUBJECT", cfg.NATSStateSubject)

	cfg.DatabaseURL = databaseURL()

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = getenvDefault("METRICS_ADDR", cfg.MetricsAddr)
	// Cron expression re-triggering runs. Empty runs once at startup.
	cfg.RefreshSchedule = getenvDefault("REFRESH_SCHEDULE", cfg.RefreshSchedule)

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", cfg.LogLevel))
	if v := os.Getenv("LOG_DEVELOPMENT"); v != "" {
		cfg.LogDevelopment = parseBool(v)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Position.Source == "nats" && cfg.NATSPositionSubject == "" {
		return nil, fmt.Errorf("NATS_POSITION_SUBJECT must be set when POSITION_SOURCE=nats")
	}
	if (cfg.Position.Lat == nil) != (cfg.Position.Lon == nil) {
		return nil, fmt.Errorf("POSITION_LAT and POSITION_LON must be set together")
	}
	return cfg, nil
}

// QueryWindow returns the departure-board query window.
func (c *Config) QueryWindow() (transit.Window, error) {
	mf, err := transit.ParseModeFilter(c.Window.ModeFilter)
	if err != nil {
		return transit.Window{}, err
	}
	return transit.Window{
		DurationMinutes: c.Window.DurationMinutes,
		MaxDepartures:   c.Window.MaxDepartures,
		ModeFilter:      mf,
	}, nil
}

// StaticCoordinate returns the configured position, or nil if none is set.
func (c *Config) StaticCoordinate() *transit.Coordinate {
	if c.Position.Lat == nil || c.Position.Lon == nil {
		return nil
	}
	return &transit.Coordinate{Latitude: *c.Position.Lat, Longitude: *c.Position.Lon}
}

func (c *Config) LocationTimeout() time.Duration {
	return time.Duration(c.Timeouts.LocationMS) * time.Millisecond
}

func (c *Config) LookupTimeout() time.Duration {
	return time.Duration(c.Timeouts.LookupMS) * time.Millisecond
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
// Empty when PGDATABASE is unset too, which disables the run journal.
func databaseURL() string {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn
	}
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return ""
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func getenvFloat(k string, def *float64) (*float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", k, v)
	}
	return &f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
