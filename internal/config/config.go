package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"movement-recorder/internal/gtfs"
)

const (
	DefaultVehiclePositionsURL = "https://s3.amazonaws.com/mbta-gtfs-s3/VehiclePositions.pb"
	DefaultTripUpdatesURL      = "https://s3.amazonaws.com/mbta-gtfs-s3/rtr/TripUpdates_enhanced.json"
)

type Config struct {
	DatabaseURL string

	VehiclePositionsURL    string
	VehiclePositionsFormat gtfs.Format
	VehiclePollInterval    time.Duration

	TripUpdatesURL      string
	TripUpdatesFormat   gtfs.Format
	TripUpdatesInterval time.Duration

	FetchTimeout time.Duration

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	MetricsAddr string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	var err error

	cfg.VehiclePositionsURL = getenvDefault("VEHICLE_POSITIONS_URL", DefaultVehiclePositionsURL)
	if cfg.VehiclePositionsFormat, err = formatEnv("VEHICLE_POSITIONS_FORMAT"); err != nil {
		return nil, err
	}
	if cfg.VehiclePollInterval, err = millisEnv("VEHICLE_POLL_INTERVAL_MS", 2*time.Second, false); err != nil {
		return nil, err
	}

	cfg.TripUpdatesURL = getenvDefault("TRIP_UPDATES_URL", DefaultTripUpdatesURL)
	if cfg.TripUpdatesFormat, err = formatEnv("TRIP_UPDATES_FORMAT"); err != nil {
		return nil, err
	}
	if cfg.TripUpdatesInterval, err = millisEnv("TRIP_UPDATES_POLL_INTERVAL_MS", 60*time.Second, false); err != nil {
		return nil, err
	}

	// 0 means no timeout
	if cfg.FetchTimeout, err = millisEnv("FETCH_TIMEOUT_MS", 0, true); err != nil {
		return nil, err
	}

	// Empty disables movement publishing
	cfg.NATSURL = strings.TrimSpace(os.Getenv("NATS_URL"))
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "movements")

	// Debug logging for NATS publish subjects
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		cfg.LogNATSSubjects = parseBool(v)
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	return cfg, nil
}

func millisEnv(k string, def time.Duration, allowZero bool) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || ms < 0 || (ms == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func formatEnv(k string) (gtfs.Format, error) {
	f, err := gtfs.ParseFormat(os.Getenv(k))
	if err != nil {
		return "", fmt.Errorf("invalid %s: %w", k, err)
	}
	return f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
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
