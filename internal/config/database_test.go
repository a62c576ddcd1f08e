package config

import (
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSNFromDiscreteFields(t *testing.T) {
	d := DatabaseConfig{
		Host:     "db.internal",
		Port:     4000,
		User:     "telemetry",
		Password: "secret",
		Database: "testhealth",
	}
	dsn, err := d.DSN()
	require.NoError(t, err)

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "db.internal:4000", cfg.Addr)
	assert.Equal(t, "telemetry", cfg.User)
	assert.Equal(t, "testhealth", cfg.DBName)
	assert.True(t, cfg.ParseTime)
	assert.True(t, cfg.ClientFoundRows)
	assert.Equal(t, time.UTC, cfg.Loc)
}

func TestDSNEnforcesDriverParamsOnProvidedDSN(t *testing.T) {
	d := DatabaseConfig{
		ConnectionString: "app:pw@tcp(localhost:3306)/telemetry?parseTime=false&clientFoundRows=false",
	}
	dsn, err := d.DSN()
	require.NoError(t, err)

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "telemetry", cfg.DBName)
	assert.True(t, cfg.ParseTime)
	assert.True(t, cfg.ClientFoundRows)
	assert.Equal(t, time.UTC, cfg.Loc)
}

func TestDSNRejectsMalformedConnectionString(t *testing.T) {
	d := DatabaseConfig{ConnectionString: "app:pw@tcp(localhost:3306)"}
	_, err := d.DSN()
	assert.Error(t, err)
}
