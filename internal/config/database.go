package config

import (
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// DSN returns the MySQL data source name with the driver parameters the
// engine requires. ClientFoundRows makes UPDATE report matched rows instead
// of changed rows; the executor's existence checks on unique-addressed
// mutations depend on it (a no-op update must still count as one row).
// ParseTime and UTC keep time columns as time.Time values in one location.
func (d *DatabaseConfig) DSN() (string, error) {
	var cfg *mysql.Config
	if d.ConnectionString != "" {
		parsed, err := mysql.ParseDSN(d.ConnectionString)
		if err != nil {
			return "", fmt.Errorf("invalid database DSN: %w", err)
		}
		cfg = parsed
	} else {
		cfg = mysql.NewConfig()
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", d.Host, d.Port)
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.DBName = d.Database
	}

	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}
