package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/daystats/internal/aggregate"
	"github.com/MarcoPoloResearchLab/daystats/internal/config"
	"github.com/MarcoPoloResearchLab/daystats/internal/database"
	"github.com/MarcoPoloResearchLab/daystats/internal/delivery"
	"github.com/MarcoPoloResearchLab/daystats/internal/ingest"
	"github.com/MarcoPoloResearchLab/daystats/internal/logging"
	"github.com/MarcoPoloResearchLab/daystats/internal/report"
	"github.com/MarcoPoloResearchLab/daystats/internal/runid"
	"github.com/MarcoPoloResearchLab/daystats/internal/server"
	"github.com/MarcoPoloResearchLab/daystats/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "daystats",
		Short:         "Incremental daily event statistics",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "ingest",
			Short: "Pull new events from the configured source",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
					return p.ingest(ctx, true)
				})
			},
		},
		&cobra.Command{
			Use:   "aggregate",
			Short: "Roll completed days up into aggregate rows",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
					return p.aggregate(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "report",
			Short: "Render and deliver the trailing-window artifacts and the daily digest",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
					return p.report(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "run",
			Short: "Ingest, aggregate and report in one pass",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
					if err := p.ingest(ctx, false); err != nil {
						return err
					}
					if err := p.aggregate(ctx); err != nil {
						return err
					}
					return p.report(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "serve",
			Short: "Serve rollups and rendered artifacts over HTTP",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline) error {
					return p.serve(ctx)
				})
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("timezone", defaults.GetString("timezone"), "IANA timezone that defines calendar days")
	cmd.PersistentFlags().String("output-dir", defaults.GetString("output.dir"), "Directory for rendered artifacts")
	cmd.PersistentFlags().String("source", "", "Newline-delimited JSON export to ingest")
	cmd.PersistentFlags().Int("window-days", defaults.GetInt("report.window_days"), "Trailing window of the report, in days")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "timezone", "timezone")
	bindFlag(cmd, "output.dir", "output-dir")
	bindFlag(cmd, "ingest.source_path", "source")
	bindFlag(cmd, "report.window_days", "window-days")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// pipeline holds what every command shares: configuration, a run-scoped logger and the store.
type pipeline struct {
	cfg        config.AppConfig
	logger     *zap.Logger
	store      *store.Store
	aggregator *aggregate.Aggregator
}

func withPipeline(ctx context.Context, fn func(ctx context.Context, p *pipeline) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	baseLogger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer baseLogger.Sync() //nolint:errcheck

	runID, err := runid.NewUUIDProvider().NewID()
	if err != nil {
		return err
	}
	logger := baseLogger.With(zap.String("run_id", runID))

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	eventStore, err := store.New(store.Config{
		Database: db,
		Clock:    time.Now,
		Location: appConfig.Location,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	aggregator, err := aggregate.New(aggregate.Config{
		Store:      eventStore,
		Clock:      time.Now,
		IDProvider: runid.Static(runID),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return fn(signalCtx, &pipeline{
		cfg:        appConfig,
		logger:     logger,
		store:      eventStore,
		aggregator: aggregator,
	})
}

func (p *pipeline) ingest(ctx context.Context, required bool) error {
	if strings.TrimSpace(p.cfg.SourcePath) == "" {
		if required {
			return errors.New("ingest.source_path is required")
		}
		p.logger.Info("no source configured, ingestion skipped")
		return nil
	}

	source := ingest.WithRetry(
		ingest.NewFileSource(p.cfg.SourcePath, p.store.Normalizer()),
		ingest.RetryOptions{Attempts: p.cfg.RetryAttempts, Logger: p.logger},
	)
	ingestor, err := ingest.NewIngestor(ingest.Config{
		Store:          p.store,
		Source:         source,
		IgnoreChannels: p.cfg.IgnoreChannels,
		Logger:         p.logger,
	})
	if err != nil {
		return err
	}
	_, err = ingestor.Run(ctx)
	return err
}

func (p *pipeline) aggregate(ctx context.Context) error {
	_, err := p.aggregator.Run(ctx)
	return err
}

func (p *pipeline) report(ctx context.Context) error {
	graphs, err := delivery.Load(p.cfg.GraphsLedger, p.logger)
	if err != nil {
		return err
	}
	days, err := delivery.Load(p.cfg.DaysLedger, p.logger)
	if err != nil {
		return err
	}
	renderer, err := report.NewCSVRenderer(p.cfg.OutputDir)
	if err != nil {
		return err
	}

	publisher, err := report.NewPublisher(report.Config{
		Aggregator:    p.aggregator,
		Store:         p.store,
		GraphsTracker: graphs,
		DaysTracker:   days,
		Renderer:      renderer,
		Notifier:      report.NewLogNotifier(p.logger),
		Clock:         time.Now,
		Location:      p.cfg.Location,
		WindowDays:    p.cfg.WindowDays,
		TopChannels:   p.cfg.TopChannels,
		Logger:        p.logger,
	})
	if err != nil {
		return err
	}
	_, err = publisher.Publish(ctx)
	return err
}

func (p *pipeline) serve(ctx context.Context) error {
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Rollups:      p.aggregator,
		Store:        p.store,
		ArtifactsDir: p.cfg.OutputDir,
		Logger:       p.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              p.cfg.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("server starting", zap.String("address", p.cfg.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
