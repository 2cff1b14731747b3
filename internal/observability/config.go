package observability

import (
	"fmt"
	"time"
)

// Exporter names accepted by Config.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config selects where relay telemetry goes.
type Config struct {
	Exporter    string
	Endpoint    string // OTLP collector, host:port
	ServiceName string

	// SampleRate is the fraction of root spans kept, 0 to 1.
	SampleRate float64
	// MetricInterval is how often the periodic reader exports.
	MetricInterval time.Duration

	MetricsEnabled bool
	TracesEnabled  bool
}

func NewConfig() *Config {
	return &Config{
		Exporter:       ExporterNone,
		Endpoint:       "localhost:4317",
		ServiceName:    "chatrelay",
		SampleRate:     0.1,
		MetricInterval: 15 * time.Second,
	}
}

// ShouldEnable reports whether an exporter is set and at least one signal is on.
func (c *Config) ShouldEnable() bool {
	return c.Exporter != ExporterNone && (c.MetricsEnabled || c.TracesEnabled)
}

func (c *Config) Validate() error {
	switch c.Exporter {
	case ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("unknown exporter %q (want none, stdout or otlp)", c.Exporter)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate %v out of range [0, 1]", c.SampleRate)
	}
	if c.Exporter == ExporterOTLP && c.Endpoint == "" {
		return fmt.Errorf("otlp exporter needs an endpoint")
	}
	return nil
}
