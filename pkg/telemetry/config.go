package telemetry

import (
	"fmt"
	"slices"
	"time"
)

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal", "disabled"}
	logFormats    = []string{"console", "json"}
	traceExporter = []string{"otlp", "stdout", "none"}
)

// Config is the telemetry section of the engine configuration.
type Config struct {
	ServiceName    string `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`
	// Environment is attached to every exported span (development, staging, production).
	Environment string `mapstructure:"environment" yaml:"environment"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Events  EventsConfig  `mapstructure:"events" yaml:"events"`
}

// LoggingConfig configures the run logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal or disabled.
	Level string `mapstructure:"level" yaml:"level"`
	// Format is console or json.
	Format string `mapstructure:"format" yaml:"format"`
	// Output is stdout, stderr or a file path opened for append.
	Output  string `mapstructure:"output" yaml:"output"`
	NoColor bool   `mapstructure:"no_color" yaml:"no_color"`

	EnableCaller bool `mapstructure:"enable_caller" yaml:"enable_caller"`

	// With sampling on, SamplingInitial lines per second pass, then one in
	// every SamplingThereafter.
	EnableSampling     bool `mapstructure:"enable_sampling" yaml:"enable_sampling"`
	SamplingInitial    int  `mapstructure:"sampling_initial" yaml:"sampling_initial"`
	SamplingThereafter int  `mapstructure:"sampling_thereafter" yaml:"sampling_thereafter"`

	// TimeFormat is rfc3339, unix, unixms, unixmicro or kitchen (console only).
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// TracingConfig configures run and provider spans.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Exporter is otlp, stdout or none. With none, spans are sampled but
	// never leave the process.
	Exporter string `mapstructure:"exporter" yaml:"exporter"`
	// Endpoint is the OTLP gRPC collector address (host:port).
	Endpoint     string            `mapstructure:"endpoint" yaml:"endpoint"`
	Headers      map[string]string `mapstructure:"headers" yaml:"headers"`
	Insecure     bool              `mapstructure:"insecure" yaml:"insecure"`
	SamplingRate float64           `mapstructure:"sampling_rate" yaml:"sampling_rate"`

	MaxExportBatchSize int           `mapstructure:"max_export_batch_size" yaml:"max_export_batch_size"`
	ExportTimeout      time.Duration `mapstructure:"export_timeout" yaml:"export_timeout"`
}

// MetricsConfig configures the Prometheus collectors and their endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// ListenAddress serves Path over HTTP during `steward run`. Empty
	// disables the endpoint but keeps the collectors.
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
	Path          string `mapstructure:"path" yaml:"path"`
	Namespace     string `mapstructure:"namespace" yaml:"namespace"`
	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64 `mapstructure:"histogram_buckets" yaml:"histogram_buckets"`
}

// EventsConfig configures the run event publisher.
type EventsConfig struct {
	Enabled    bool `mapstructure:"enabled" yaml:"enabled"`
	BufferSize int  `mapstructure:"buffer_size" yaml:"buffer_size"`
	// EnableAsync delivers events from a background goroutine in batches of
	// at most MaxBatchSize, flushed every FlushInterval.
	EnableAsync   bool          `mapstructure:"enable_async" yaml:"enable_async"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	MaxBatchSize  int           `mapstructure:"max_batch_size" yaml:"max_batch_size"`
}

// DefaultConfig returns the configuration used when nothing is set:
// console logging at info, tracing off, metrics on :9090 and synchronous
// events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "steward",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			Headers:            map[string]string{},
			Insecure:           true,
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "steward",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: time.Second,
			MaxBatchSize:  100,
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("service version is required")
	case !slices.Contains(logLevels, c.Logging.Level):
		return fmt.Errorf("invalid log level %q (want one of %v)", c.Logging.Level, logLevels)
	case !slices.Contains(logFormats, c.Logging.Format):
		return fmt.Errorf("invalid log format %q (want one of %v)", c.Logging.Format, logFormats)
	}

	if c.Tracing.Enabled {
		if !slices.Contains(traceExporter, c.Tracing.Exporter) {
			return fmt.Errorf("invalid trace exporter %q (want one of %v)", c.Tracing.Exporter, traceExporter)
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing endpoint is required for the otlp exporter")
		}
	}
	if r := c.Tracing.SamplingRate; r < 0 || r > 1 {
		return fmt.Errorf("trace sampling rate must be within [0, 1], got %g", r)
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize)
	}
	if c.Events.EnableAsync && c.Events.MaxBatchSize <= 0 {
		return fmt.Errorf("event batch size must be positive, got %d", c.Events.MaxBatchSize)
	}
	return nil
}
