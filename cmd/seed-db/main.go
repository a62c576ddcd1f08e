// Command seed-db populates a test-health database with demonstration
// telemetry and prints a health rollup computed through the engine. Re-running
// it is safe: files are upserted on their path, so only the append-only
// execution facts grow.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"testhealth/internal/config"
	"testhealth/internal/dbexec"
	"testhealth/internal/logging"
	"testhealth/internal/observability"
	"testhealth/pkg/aggregate"
	"testhealth/pkg/client"
	"testhealth/pkg/filter"
	"testhealth/pkg/model"
	"testhealth/pkg/mutation"
	"testhealth/pkg/query"
	"testhealth/pkg/schema"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

func main() {
	if err := run(); err != nil {
		slog.Error("seed error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	pflag.Bool("version", false, "Print version and exit")
	pflag.String("metrics-addr", "", "Serve Prometheus metrics at this address after seeding")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if showVersion, _ := pflag.CommandLine.GetBool("version"); showVersion {
		fmt.Printf("testhealth seed-db %s (%s)\n", Version, Commit)
		return nil
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = Version
	}

	otelCfg := observability.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   cfg.Telemetry.ServiceVersion,
		Environment:      cfg.Telemetry.Environment,
		TraceSampleRatio: cfg.Telemetry.TraceSampleRatio,
		OTLP: observability.OTLPExporterConfig{
			Endpoint:  cfg.Telemetry.OTLP.Endpoint,
			Protocol:  cfg.Telemetry.OTLP.Protocol,
			Insecure:  cfg.Telemetry.OTLP.Insecure,
			TLSCAFile: cfg.Telemetry.OTLP.CAFile,
			Headers:   cfg.Telemetry.OTLP.Headers,
			Timeout:   cfg.Telemetry.OTLP.Timeout,
		},
	}

	var loggerProvider *observability.LoggerProvider
	if cfg.Telemetry.LogsEnabled {
		loggerProvider, err = observability.InitLoggerProvider(otelCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize log export: %w", err)
		}
	}
	logCfg := logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	if loggerProvider != nil {
		logCfg.LoggerProvider = loggerProvider.Provider()
	}
	logger := logging.NewLogger(logCfg)
	slog.SetDefault(logger.Logger)
	defer func() {
		if loggerProvider != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = loggerProvider.Shutdown(shutdownCtx, logger.Logger)
		}
	}()

	var metrics *observability.QueryMetrics
	if cfg.Telemetry.MetricsEnabled {
		meterProvider, err := observability.InitMeterProvider(otelCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = meterProvider.Shutdown(shutdownCtx, logger.Logger)
		}()
		metrics, err = observability.InitQueryMetrics()
		if err != nil {
			return fmt.Errorf("failed to initialize engine metrics: %w", err)
		}
	}
	if cfg.Telemetry.TracingEnabled {
		tracerProvider, err := observability.InitTracerProvider(otelCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracerProvider.Shutdown(shutdownCtx, logger.Logger)
		}()
	}

	dsn, err := cfg.Database.DSN()
	if err != nil {
		return fmt.Errorf("invalid database configuration: %w", err)
	}
	db, err := dbexec.OpenMySQL(dsn, cfg.Telemetry.TracingEnabled || cfg.Telemetry.MetricsEnabled)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Database.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Database.Pool.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnectionTimeout)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	s, err := schema.TestHealthWithAnalysis()
	if err != nil {
		return err
	}
	c := client.New(db, s, client.WithLogger(logger), client.WithMetrics(metrics))

	ctx := context.Background()
	if err := seed(ctx, c, logger); err != nil {
		return err
	}
	if err := report(ctx, c, logger); err != nil {
		return err
	}

	if addr, _ := pflag.CommandLine.GetString("metrics-addr"); addr != "" && cfg.Telemetry.MetricsEnabled {
		return serveMetrics(addr, logger)
	}
	return nil
}

func seed(ctx context.Context, c *client.Client, logger *logging.Logger) error {
	files := []struct {
		path, name string
		health     model.HealthScore
	}{
		{"/src/auth/login.test.ts", "login.test.ts", model.HealthGood},
		{"/src/auth/session.test.ts", "session.test.ts", model.HealthPoor},
		{"/src/billing/invoice.test.ts", "invoice.test.ts", model.HealthExcellent},
	}

	for _, f := range files {
		data := mutation.Data{
			"filePath":    f.path,
			"fileName":    f.name,
			"healthScore": string(f.health),
		}
		file, err := c.TestFiles().Upsert(ctx, filter.By("filePath", f.path), mutation.Upsert{
			Create: data,
			Update: mutation.Data{"healthScore": string(f.health)},
		}, &query.Query{Select: []string{"id", "filePath"}})
		if err != nil {
			return fmt.Errorf("seed file %s: %w", f.path, err)
		}

		rows := make([]mutation.Data, 0, 5)
		for i := 0; i < 5; i++ {
			rows = append(rows, mutation.Data{
				"testFileId":  file.ID,
				"passed":      i%3 != 1,
				"duration":    80.0 + float64(i)*7,
				"testResults": json.RawMessage(`{"total":4,"failed":0}`),
				"environment": "ci",
			})
		}
		inserted, err := c.TestExecutions().CreateMany(ctx, mutation.CreateMany{Rows: rows})
		if err != nil {
			return fmt.Errorf("seed executions for %s: %w", f.path, err)
		}
		logger.Info("seeded file", slog.String("path", f.path), slog.Int64("executions", inserted))
	}

	// A session linked to every seeded file through the membership junction.
	session, err := c.AnalysisSessions().Create(ctx, mutation.Create{
		Data: mutation.Data{
			"decisions":  json.RawMessage(`[]`),
			"operations": json.RawMessage(`["seed"]`),
		},
		Relations: []mutation.RelationWrite{{
			Relation: "files",
			Connect: []filter.Unique{
				filter.By("filePath", files[0].path),
				filter.By("filePath", files[1].path),
				filter.By("filePath", files[2].path),
			},
		}},
	}, &query.Query{Select: []string{"id", "status"}})
	if err != nil {
		return fmt.Errorf("seed analysis session: %w", err)
	}
	logger.Info("seeded session", slog.String("id", session.ID), slog.String("status", string(session.Status)))

	_, err = c.TestPatterns().Upsert(ctx, filter.ByID("seed-flaky-timeout"), mutation.Upsert{
		Create: mutation.Data{
			"id":          "seed-flaky-timeout",
			"patternType": string(model.PatternFlaky),
			"description": "assertion races a pending timer",
			"context":     json.RawMessage(`{"signal":"setTimeout"}`),
		},
		Update: mutation.Data{"description": "assertion races a pending timer"},
	}, nil)
	if err != nil {
		return fmt.Errorf("seed pattern: %w", err)
	}
	return nil
}

func report(ctx context.Context, c *client.Client, logger *logging.Logger) error {
	total, err := c.TestExecutions().Count(ctx, filter.Where{})
	if err != nil {
		return err
	}
	passing, err := c.TestExecutions().Count(ctx, filter.Of(filter.Eq("passed", true)))
	if err != nil {
		return err
	}
	stats, err := c.TestExecutions().Aggregate(ctx, filter.Where{}, aggregate.Selection{
		CountAll: true,
		Avg:      []string{"duration"},
		Max:      []string{"duration"},
	})
	if err != nil {
		return err
	}

	attrs := []any{
		slog.Int64("executions", total),
		slog.Int64("passing", passing),
	}
	if avg := stats.Avg["duration"]; avg != nil {
		attrs = append(attrs, slog.Float64("avg_duration_ms", *avg))
	}
	logger.Info("execution rollup", attrs...)

	groups, err := c.TestFiles().GroupBy(ctx, filter.Where{}, aggregate.GroupBy{
		By:      []string{"healthScore"},
		Select:  aggregate.Selection{CountAll: true},
		OrderBy: []aggregate.GroupOrder{{Agg: aggregate.HavingCount, Direction: query.Desc}},
	})
	if err != nil {
		return err
	}
	for _, g := range groups {
		logger.Info("health bucket",
			slog.Any("healthScore", g.Key["healthScore"]),
			slog.Int64("files", g.CountAll),
		)
	}
	return nil
}

// serveMetrics keeps the process alive so the seeded run's engine metrics can
// be scraped from the Prometheus endpoint.
func serveMetrics(addr string, logger *logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	logger.Info("serving metrics", slog.String("addr", addr))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errs:
		return err
	case <-stop:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
