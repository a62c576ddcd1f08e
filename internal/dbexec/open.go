package dbexec

import (
	"database/sql"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OpenMySQL opens the engine's database handle. With instrumentation enabled
// the handle is wrapped with otelsql so statements produce spans and the pool
// exports stats metrics.
func OpenMySQL(dsn string, instrument bool) (*sql.DB, error) {
	if !instrument {
		return sql.Open("mysql", dsn)
	}
	db, err := otelsql.Open("mysql", dsn,
		otelsql.WithAttributes(semconv.DBSystemMySQL),
		otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
	)
	if err != nil {
		return nil, err
	}
	if _, err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemMySQL)); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
