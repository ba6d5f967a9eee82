package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/config"
	"github.com/t77yq/perfmon/internal/pipeline"
	"github.com/t77yq/perfmon/internal/report"
	"github.com/t77yq/perfmon/internal/rules"
)

var configPaths []string

var rootCmd = &cobra.Command{
	Use:   "perfmon",
	Short: "Performance and log telemetry pipeline",
	Long: `perfmon collects request, database, cache and business metrics,
aggregates them into rolling statistics, evaluates alert rules and
produces periodic performance reports.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline and the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Alert rule utilities",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a YAML rule file without starting the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPaths...)
		if err != nil {
			return err
		}
		parsed, err := rules.LoadFile(args[0])
		if err != nil {
			return err
		}
		var errs []error
		for _, r := range parsed {
			if err := rules.CheckWindow(r, cfg.Aggregator.MaxWindow); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		for _, r := range parsed {
			fmt.Fprintf(cmd.OutOrStdout(), "ok  %-24s %s %s %v over %s\n",
				r.Name, r.Selector.Metric, r.Operator, r.Threshold, r.TimeWindow)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d rules valid\n", len(parsed))
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPaths...)
		if err != nil {
			return err
		}
		for period, expr := range cfg.Report.Schedules {
			if err := report.ValidateSchedule(expr); err != nil {
				return fmt.Errorf("report.schedules.%s: %w", period, err)
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&configPaths, "config", nil, "directories searched for config.yaml")
	rulesCmd.AddCommand(rulesValidateCmd)
	rootCmd.AddCommand(serveCmd, rulesCmd, configCheckCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zapCfg := zap.NewDevelopmentConfig()
	if cfg.Production {
		zapCfg = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		zapCfg.Level = level
	}
	return zapCfg.Build()
}

func serve() error {
	cfg, err := config.Load(configPaths...)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build pipeline", zap.Error(err))
	}
	if err := p.Start(ctx); err != nil {
		logger.Fatal("Failed to start pipeline", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      p.Handler().Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Admin API listening", zap.String("addr", cfg.API.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err := <-errCh:
		logger.Error("Admin API failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Flusher.ShutdownGrace+10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin API shutdown", zap.Error(err))
	}
	p.Stop(shutdownCtx)

	logger.Info("Shutdown complete")
	return nil
}
