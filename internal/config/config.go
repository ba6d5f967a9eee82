package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/perfmon/internal/model"
)

// Config is the resolved, immutable configuration of the pipeline
type Config struct {
	App        AppConfig
	Log        LogConfig
	Collector  CollectorConfig
	Flusher    FlusherConfig
	Aggregator AggregatorConfig
	Rules      RulesConfig
	Notify     NotifyConfig
	Report     ReportConfig
	Storage    StorageConfig
	Sinks      SinksConfig
	API        APIConfig
	System     SystemConfig
}

type AppConfig struct {
	Name string
}

type LogConfig struct {
	Production bool
	Level      string
}

// CollectorConfig configures the event recorder
type CollectorConfig struct {
	MaxQueueSize         int
	Sampling             map[model.Source]float64
	PreserveErrors       bool
	SlowRequestThreshold time.Duration
	SlowQueryThreshold   time.Duration
}

// FlusherConfig configures batching and sink retries
type FlusherConfig struct {
	BatchSize         int
	FlushInterval     time.Duration
	SinkTimeout       time.Duration
	MaxRetries        int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	ShutdownGrace     time.Duration
}

// AggregatorConfig configures rolling statistics
type AggregatorConfig struct {
	Shards          int
	ReservoirSize   int
	BucketSpan      time.Duration
	MaxWindow       time.Duration
	RollupSpan      time.Duration
	History         time.Duration
	RetentionWindow time.Duration
	SweepInterval   time.Duration
}

type RulesConfig struct {
	EvaluationInterval time.Duration
	File               string
}

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// NotifyConfig lists the notification channels by name
type NotifyConfig struct {
	DispatchTimeout time.Duration
	Email           EmailConfig
	Webhooks        map[string]string
	Chat            map[string]string
	NATSEnabled     bool
}

type ReportConfig struct {
	Enabled   bool
	Schedules map[model.ReportPeriod]string
	Format    model.ReportFormat
	Retention time.Duration
}

type StorageConfig struct {
	DBPath         string
	AlertRetention time.Duration
}

type FileSinkConfig struct {
	Enabled     bool
	Dir         string
	MaxFileSize int64
	MaxAge      time.Duration
}

type NATSSinkConfig struct {
	Enabled bool
	URL     string
}

type RedisSinkConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	MaxLen   int64
}

type PostgresSinkConfig struct {
	Enabled bool
	DSN     string
}

// SinksConfig configures flush destinations
type SinksConfig struct {
	MemoryCapacity int
	File           FileSinkConfig
	NATS           NATSSinkConfig
	Redis          RedisSinkConfig
	Postgres       PostgresSinkConfig
}

type APIConfig struct {
	Addr       string
	AdminToken string
}

type SystemConfig struct {
	Enabled  bool
	Interval time.Duration
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "perfmon")
	v.SetDefault("log.production", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("collector.max_queue_size", 10000)
	v.SetDefault("collector.preserve_errors", true)
	v.SetDefault("collector.slow_request_threshold", "500ms")
	v.SetDefault("collector.slow_query_threshold", "200ms")
	for _, src := range model.Sources {
		v.SetDefault("collector.sampling."+string(src), 1.0)
	}

	v.SetDefault("flusher.batch_size", 100)
	v.SetDefault("flusher.flush_interval", "5s")
	v.SetDefault("flusher.sink_timeout", "5s")
	v.SetDefault("flusher.max_retries", 3)
	v.SetDefault("flusher.retry_initial_delay", "100ms")
	v.SetDefault("flusher.retry_max_delay", "2s")
	v.SetDefault("flusher.shutdown_grace", "10s")

	v.SetDefault("aggregator.shards", 16)
	v.SetDefault("aggregator.reservoir_size", 1000)
	v.SetDefault("aggregator.bucket_span", "10s")
	v.SetDefault("aggregator.max_window", "1h")
	v.SetDefault("aggregator.rollup_span", "1h")
	v.SetDefault("aggregator.history", "744h")
	v.SetDefault("aggregator.retention_window", "24h")
	v.SetDefault("aggregator.sweep_interval", "1m")

	v.SetDefault("rules.evaluation_interval", "30s")
	v.SetDefault("rules.file", "")

	v.SetDefault("notify.dispatch_timeout", "10s")
	v.SetDefault("notify.email.port", 587)
	v.SetDefault("notify.nats_enabled", false)

	v.SetDefault("report.enabled", true)
	v.SetDefault("report.format", string(model.ReportFormatJSON))
	v.SetDefault("report.retention", "720h")
	v.SetDefault("report.schedules.daily", "0 0 0 * * *")
	v.SetDefault("report.schedules.weekly", "0 0 0 * * 1")
	v.SetDefault("report.schedules.monthly", "0 0 0 1 * *")

	v.SetDefault("storage.db_path", "perfmon.db")
	v.SetDefault("storage.alert_retention", "720h")

	v.SetDefault("sinks.memory_capacity", 1000)
	v.SetDefault("sinks.file.enabled", false)
	v.SetDefault("sinks.file.dir", "./logs/metrics")
	v.SetDefault("sinks.file.max_file_size", 100*1024*1024)
	v.SetDefault("sinks.file.max_age", "168h")
	v.SetDefault("sinks.nats.enabled", false)
	v.SetDefault("sinks.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("sinks.redis.enabled", false)
	v.SetDefault("sinks.redis.addr", "127.0.0.1:6379")
	v.SetDefault("sinks.redis.max_len", 10000)
	v.SetDefault("sinks.postgres.enabled", false)

	v.SetDefault("api.addr", ":9464")
	v.SetDefault("system.enabled", true)
	v.SetDefault("system.interval", "15s")
}

// Load reads config.yaml from the given paths and the environment
func Load(paths ...string) (Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("PERFMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper resolves a Config from an already populated viper instance
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		App: AppConfig{Name: v.GetString("app.name")},
		Log: LogConfig{
			Production: v.GetBool("log.production"),
			Level:      v.GetString("log.level"),
		},
		Collector: CollectorConfig{
			MaxQueueSize:         v.GetInt("collector.max_queue_size"),
			Sampling:             make(map[model.Source]float64),
			PreserveErrors:       v.GetBool("collector.preserve_errors"),
			SlowRequestThreshold: v.GetDuration("collector.slow_request_threshold"),
			SlowQueryThreshold:   v.GetDuration("collector.slow_query_threshold"),
		},
		Flusher: FlusherConfig{
			BatchSize:         v.GetInt("flusher.batch_size"),
			FlushInterval:     v.GetDuration("flusher.flush_interval"),
			SinkTimeout:       v.GetDuration("flusher.sink_timeout"),
			MaxRetries:        v.GetInt("flusher.max_retries"),
			RetryInitialDelay: v.GetDuration("flusher.retry_initial_delay"),
			RetryMaxDelay:     v.GetDuration("flusher.retry_max_delay"),
			ShutdownGrace:     v.GetDuration("flusher.shutdown_grace"),
		},
		Aggregator: AggregatorConfig{
			Shards:          v.GetInt("aggregator.shards"),
			ReservoirSize:   v.GetInt("aggregator.reservoir_size"),
			BucketSpan:      v.GetDuration("aggregator.bucket_span"),
			MaxWindow:       v.GetDuration("aggregator.max_window"),
			RollupSpan:      v.GetDuration("aggregator.rollup_span"),
			History:         v.GetDuration("aggregator.history"),
			RetentionWindow: v.GetDuration("aggregator.retention_window"),
			SweepInterval:   v.GetDuration("aggregator.sweep_interval"),
		},
		Rules: RulesConfig{
			EvaluationInterval: v.GetDuration("rules.evaluation_interval"),
			File:               v.GetString("rules.file"),
		},
		Notify: NotifyConfig{
			DispatchTimeout: v.GetDuration("notify.dispatch_timeout"),
			Email: EmailConfig{
				Host:     v.GetString("notify.email.host"),
				Port:     v.GetInt("notify.email.port"),
				Username: v.GetString("notify.email.username"),
				Password: v.GetString("notify.email.password"),
				From:     v.GetString("notify.email.from"),
				To:       v.GetStringSlice("notify.email.to"),
			},
			Webhooks:    v.GetStringMapString("notify.webhooks"),
			Chat:        v.GetStringMapString("notify.chat"),
			NATSEnabled: v.GetBool("notify.nats_enabled"),
		},
		Report: ReportConfig{
			Enabled:   v.GetBool("report.enabled"),
			Schedules: make(map[model.ReportPeriod]string),
			Format:    model.ReportFormat(v.GetString("report.format")),
			Retention: v.GetDuration("report.retention"),
		},
		Storage: StorageConfig{
			DBPath:         v.GetString("storage.db_path"),
			AlertRetention: v.GetDuration("storage.alert_retention"),
		},
		Sinks: SinksConfig{
			MemoryCapacity: v.GetInt("sinks.memory_capacity"),
			File: FileSinkConfig{
				Enabled:     v.GetBool("sinks.file.enabled"),
				Dir:         v.GetString("sinks.file.dir"),
				MaxFileSize: v.GetInt64("sinks.file.max_file_size"),
				MaxAge:      v.GetDuration("sinks.file.max_age"),
			},
			NATS: NATSSinkConfig{
				Enabled: v.GetBool("sinks.nats.enabled"),
				URL:     v.GetString("sinks.nats.url"),
			},
			Redis: RedisSinkConfig{
				Enabled:  v.GetBool("sinks.redis.enabled"),
				Addr:     v.GetString("sinks.redis.addr"),
				Password: v.GetString("sinks.redis.password"),
				DB:       v.GetInt("sinks.redis.db"),
				MaxLen:   v.GetInt64("sinks.redis.max_len"),
			},
			Postgres: PostgresSinkConfig{
				Enabled: v.GetBool("sinks.postgres.enabled"),
				DSN:     v.GetString("sinks.postgres.dsn"),
			},
		},
		API: APIConfig{
			Addr:       v.GetString("api.addr"),
			AdminToken: v.GetString("api.admin_token"),
		},
		System: SystemConfig{
			Enabled:  v.GetBool("system.enabled"),
			Interval: v.GetDuration("system.interval"),
		},
	}

	for _, src := range model.Sources {
		cfg.Collector.Sampling[src] = v.GetFloat64("collector.sampling." + string(src))
	}
	for _, period := range []model.ReportPeriod{model.ReportPeriodDaily, model.ReportPeriodWeekly, model.ReportPeriodMonthly} {
		if expr := v.GetString("report.schedules." + string(period)); expr != "" {
			cfg.Report.Schedules[period] = expr
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration built from defaults only
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		panic(fmt.Sprintf("invalid default config: %v", err))
	}
	return cfg
}

// Validate rejects values the pipeline cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.Collector.MaxQueueSize <= 0 {
		errs = append(errs, errors.New("collector.max_queue_size must be positive"))
	}
	for src, rate := range c.Collector.Sampling {
		if rate < 0 || rate > 1 {
			errs = append(errs, fmt.Errorf("collector.sampling.%s must be within [0,1], got %v", src, rate))
		}
	}
	if c.Flusher.BatchSize <= 0 {
		errs = append(errs, errors.New("flusher.batch_size must be positive"))
	}
	if c.Flusher.FlushInterval <= 0 {
		errs = append(errs, errors.New("flusher.flush_interval must be positive"))
	}
	if c.Flusher.MaxRetries <= 0 {
		errs = append(errs, errors.New("flusher.max_retries must be positive"))
	}
	if c.Aggregator.ReservoirSize <= 0 {
		errs = append(errs, errors.New("aggregator.reservoir_size must be positive"))
	}
	if c.Aggregator.BucketSpan <= 0 || c.Aggregator.MaxWindow < c.Aggregator.BucketSpan {
		errs = append(errs, errors.New("aggregator.max_window must be at least one bucket_span"))
	}
	if agg := c.Aggregator; agg.History > 0 && agg.BucketSpan > 0 &&
		(agg.RollupSpan < agg.BucketSpan || agg.RollupSpan%agg.BucketSpan != 0) {
		errs = append(errs, errors.New("aggregator.rollup_span must be a multiple of bucket_span"))
	}
	if c.Rules.EvaluationInterval <= 0 {
		errs = append(errs, errors.New("rules.evaluation_interval must be positive"))
	}
	switch c.Report.Format {
	case model.ReportFormatJSON, model.ReportFormatCSV, model.ReportFormatMarkdown:
	default:
		errs = append(errs, fmt.Errorf("report.format %q is not supported", c.Report.Format))
	}
	return errors.Join(errs...)
}
