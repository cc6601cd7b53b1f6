package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ConnConfig parses dsn and sets application_name on it, so each poll loop's
// pool shows up under its own name in pg_stat_activity. Both URL
// (postgres://...) and keyword/value (host=... dbname=...) forms are accepted.
func ConnConfig(dsn, name string) (*pgx.ConnConfig, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("empty DSN")
	}
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if name != "" {
		cfg.RuntimeParams["application_name"] = name
	}
	return cfg, nil
}
