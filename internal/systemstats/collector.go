// Package systemstats samples host resource usage into the metric pipeline.
package systemstats

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/model"
)

const (
	MetricCPUPercent    = "system.cpu.percent"
	MetricMemoryPercent = "system.memory.percent"
	MetricMemoryUsed    = "system.memory.used"
	MetricGoroutines    = "system.goroutines"
)

var ErrAlreadyStarted = errors.New("system stats collector already started")

// Recorder accepts sampled events
type Recorder interface {
	Record(event model.MetricEvent)
}

// Usage is one sample of host resource usage
type Usage struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsed    uint64
}

// Sampler reads host resource usage
type Sampler func(ctx context.Context) (Usage, error)

// HostSampler reads usage through gopsutil
func HostSampler(ctx context.Context) (Usage, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	usage := Usage{
		MemoryPercent: memInfo.UsedPercent,
		MemoryUsed:    memInfo.Used,
	}
	if len(cpuPercent) > 0 {
		usage.CPUPercent = cpuPercent[0]
	}
	return usage, nil
}

// Collector periodically records host usage as system metrics
type Collector struct {
	logger   *zap.Logger
	recorder Recorder
	interval time.Duration
	sample   Sampler
	now      func() time.Time

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// Option customises a Collector
type Option func(*Collector)

// WithSampler replaces the host sampler
func WithSampler(s Sampler) Option {
	return func(c *Collector) { c.sample = s }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates a collector sampling every interval
func NewCollector(recorder Recorder, interval time.Duration, logger *zap.Logger, opts ...Option) *Collector {
	c := &Collector{
		logger:   logger.Named("system-stats"),
		recorder: recorder,
		interval: interval,
		sample:   HostSampler,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins the collection loop
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	c.logger.Info("Starting system stats collector", zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
	return nil
}

// Stop ends the collection loop and waits for it to exit
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()

	<-done
	c.logger.Info("Stopped system stats collector")
}

func (c *Collector) collectLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect takes one sample and records it
func (c *Collector) Collect(ctx context.Context) {
	usage, err := c.sample(ctx)
	if err != nil {
		c.logger.Error("Failed to sample system usage", zap.Error(err))
		return
	}

	at := c.now()
	c.record(MetricCPUPercent, usage.CPUPercent, "percent", at)
	c.record(MetricMemoryPercent, usage.MemoryPercent, "percent", at)
	c.record(MetricMemoryUsed, float64(usage.MemoryUsed), "bytes", at)
	c.record(MetricGoroutines, float64(runtime.NumGoroutine()), "", at)

	c.logger.Debug("System usage sampled",
		zap.Float64("cpu_usage", usage.CPUPercent),
		zap.Float64("memory_usage", usage.MemoryPercent))
}

func (c *Collector) record(name string, value float64, unit string, at time.Time) {
	c.recorder.Record(model.MetricEvent{
		Name:      name,
		Type:      model.MetricTypeGauge,
		Value:     value,
		Unit:      unit,
		Timestamp: at,
		Source:    model.SourceSystem,
	})
}
