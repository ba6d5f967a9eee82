package report

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/model"
)

// pruneSchedule runs retention cleanup shortly after midnight
const pruneSchedule = "0 30 0 * * *"

const jobTimeout = time.Minute

var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// ValidateSchedule checks a six-field cron expression
func ValidateSchedule(expr string) error {
	if _, err := specParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Start registers the configured schedules and starts the cron runner
func (r *Reporter) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.logger.Info("Scheduled reports disabled")
		return nil
	}

	for period, expr := range r.cfg.Schedules {
		if err := ValidateSchedule(expr); err != nil {
			return fmt.Errorf("report schedule %s: %w", period, err)
		}
		if _, err := r.cron.AddFunc(expr, func() { r.runScheduled(ctx, period) }); err != nil {
			return fmt.Errorf("failed to add cron job: %w", err)
		}
		r.logger.Info("Scheduled report",
			zap.String("period", string(period)),
			zap.String("expression", expr))
	}

	if r.cfg.Retention > 0 {
		if _, err := r.cron.AddFunc(pruneSchedule, func() { r.runPrune(ctx) }); err != nil {
			return fmt.Errorf("failed to add cron job: %w", err)
		}
	}

	r.cron.Start()
	return nil
}

// Stop stops the cron runner and waits for running jobs
func (r *Reporter) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Reporter) runScheduled(ctx context.Context, period model.ReportPeriod) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	if _, err := r.GeneratePeriod(ctx, period); err != nil {
		r.logger.Error("Scheduled report failed",
			zap.String("period", string(period)),
			zap.Error(err))
	}
}

func (r *Reporter) runPrune(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	removed, err := r.Prune(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		r.logger.Error("Failed to prune reports", zap.Error(err))
		return
	}
	if removed > 0 {
		r.logger.Info("Pruned reports", zap.Int("removed", removed))
	}
}
