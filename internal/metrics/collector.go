package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mogilefs/mogclient/internal/logging"
	"github.com/mogilefs/mogclient/pkg/errors"
)

// Collector records client operations, replica fallbacks and tracker health
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	replicaSkips      *prometheus.CounterVec
	bytesWritten      prometheus.Counter
	deadTrackers      *prometheus.GaugeVec
	errorCounter      *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
	logger zerolog.Logger
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`

	// Logger receives exporter failures.
	Logger zerolog.Logger `yaml:"-"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// DefaultConfig returns an enabled configuration with no exporter port.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "mogilefs",
		Subsystem: "client",
		Labels:    make(map[string]string),
		Logger:    zerolog.Nop(),
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	logger := logging.Component(config.Logger, "metrics")
	if !config.Enabled {
		return &Collector{config: config, logger: logger}, nil
	}

	collector := &Collector{
		config:     config,
		logger:     logger,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	if err := collector.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled
}

// Registry exposes the underlying registry so an application can gather it
// alongside its own metrics.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns the exposition handler plus the debug endpoints.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.enabled() {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start serves Handler on the configured port. A zero port means the
// embedding application exposes the registry itself. The port is bound
// before Start returns.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() || c.config.Port == 0 {
		return nil
	}

	addr := net.JoinHostPort("", strconv.Itoa(c.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		c.logger.Error().Err(err).Str("addr", addr).Msg("metrics server cannot listen")
		return errors.NewError(errors.ErrCodeInvalidConfig, "cannot listen on metrics port").
			WithComponent("metrics").WithContext("addr", addr).WithCause(err)
	}

	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	c.logger.Info().Str("addr", ln.Addr().String()).Str("path", c.config.Path).Msg("metrics server listening")
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error().Err(err).Msg("metrics server failed")
		}
	}(c.server)

	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c != nil && c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records one client call. Failed calls are also counted
// under their error category.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, err error) {
	if !c.enabled() {
		return
	}
	success := err == nil

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    map[bool]string{true: "success", false: "error"}[success],
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"operation": operation,
	}).Observe(duration.Seconds())

	if size > 0 {
		c.operationSize.With(prometheus.Labels{
			"operation": operation,
		}).Observe(float64(size))
	}

	if !success {
		c.RecordError(operation, err)
	}
}

// RecordError counts err under its category.
func (c *Collector) RecordError(operation string, err error) {
	if !c.enabled() || err == nil {
		return
	}

	category, code := errors.CategoryOf(err), errors.CodeOf(err)
	if code == "" {
		category, code = errors.CategoryInternal, errors.ErrCodeInternalError
	}
	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"category":  string(category),
		"code":      string(code),
	}).Inc()
}

// RecordReplicaSkip counts a replica that was passed over on the read path.
func (c *Collector) RecordReplicaSkip(kind, reason string) {
	if !c.enabled() {
		return
	}

	c.replicaSkips.With(prometheus.Labels{
		"kind":   kind,
		"reason": reason,
	}).Inc()
}

// RecordBytesWritten counts bytes of committed files.
func (c *Collector) RecordBytesWritten(n int64) {
	if !c.enabled() || n <= 0 {
		return
	}
	c.bytesWritten.Add(float64(n))
}

// RecordTrackerHostState marks a tracker host dead or alive.
func (c *Collector) RecordTrackerHostState(host string, dead bool) {
	if !c.enabled() {
		return
	}

	v := 0.0
	if dead {
		v = 1
	}
	c.deadTrackers.With(prometheus.Labels{"host": host}).Set(v)
}

// GetMetrics returns a copy of the per-operation totals
func (c *Collector) GetMetrics() map[string]interface{} {
	metrics := make(map[string]interface{})
	if !c.enabled() {
		return metrics
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}

	metrics["operations"] = operations
	metrics["last_reset"] = c.lastReset
	metrics["uptime"] = time.Since(c.lastReset)

	return metrics
}

// ResetMetrics resets the internal operation totals
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() error {
	constLabels := prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operations_total",
			Help:        "Total number of client operations",
			ConstLabels: constLabels,
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operation_duration_seconds",
			Help:        "Duration of client operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operation_size_bytes",
			Help:        "Bytes moved by client operations",
			Buckets:     prometheus.ExponentialBuckets(1024, 2, 20), // 1KB to ~1GB
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)

	c.replicaSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "replica_skips_total",
			Help:        "Replicas passed over while reading, by path kind and reason",
			ConstLabels: constLabels,
		},
		[]string{"kind", "reason"},
	)

	c.bytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "bytes_written_total",
			Help:        "Bytes of committed files",
			ConstLabels: constLabels,
		},
	)

	c.deadTrackers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "tracker_host_dead",
			Help:        "1 while a tracker host is being skipped",
			ConstLabels: constLabels,
		},
		[]string{"host"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of failed operations",
			ConstLabels: constLabels,
		},
		[]string{"operation", "category", "code"},
	)

	return nil
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.replicaSkips,
		c.bytesWritten,
		c.deadTrackers,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"mogilefs-client"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	metrics := c.GetMetrics()
	operations, _ := metrics["operations"].(map[string]OperationMetrics)

	writef("MogileFS Client Operations\n")
	writef("==========================\n\n")
	if len(operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(operations))
	for name := range operations {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-16s %10s %10s %14s %12s\n", "Operation", "Count", "Errors", "Avg Duration", "Avg Size")
	for _, name := range names {
		op := operations[name]
		writef("%-16s %10d %10d %14v %12.0f\n", name, op.Count, op.Errors, op.AvgDuration, op.AvgSize)
	}
}
