package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/model"
)

const createMetricEventsTable = `
CREATE TABLE IF NOT EXISTS metric_events (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	unit TEXT,
	source TEXT,
	tags JSONB,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metric_events_name_time ON metric_events (name, recorded_at);`

const insertMetricEvent = `
INSERT INTO metric_events (name, type, value, unit, source, tags, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// PostgresSink batch-inserts events into the metric_events table
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresSink connects to the database and creates the table if needed
func NewPostgresSink(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createMetricEventsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create metric_events table: %w", err)
	}
	return &PostgresSink{
		pool:   pool,
		logger: logger.Named("postgres-sink"),
	}, nil
}

func (s *PostgresSink) Name() string { return "postgres" }

// Write inserts the batch in a single round trip
func (s *PostgresSink) Write(ctx context.Context, events []model.MetricEvent) error {
	batch, err := buildBatch(events)
	if err != nil {
		return err
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert metric events: %w", err)
		}
	}
	return nil
}

// Close closes the pool
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

func buildBatch(events []model.MetricEvent) (*pgx.Batch, error) {
	batch := &pgx.Batch{}
	for _, e := range events {
		var tags []byte
		if len(e.Tags) > 0 {
			var err error
			if tags, err = json.Marshal(e.Tags.Map()); err != nil {
				return nil, fmt.Errorf("failed to encode tags of %s: %w", e.Name, err)
			}
		}
		batch.Queue(insertMetricEvent,
			e.Name,
			string(e.Type),
			e.Value,
			emptyToNil(e.Unit),
			emptyToNil(string(e.Source)),
			tags,
			e.Timestamp,
		)
	}
	return batch, nil
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
