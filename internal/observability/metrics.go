// Package observability provides the gateway's metrics and tracing layer:
// an OTel meter exported to Prometheus on a scrape port, and an optional
// tracer provider selected by config.
package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// MetricsCollector owns the gateway's instruments. All recording methods are
// safe on a nil or disabled collector, so components take it optionally.
type MetricsCollector struct {
	meter metric.Meter

	envelopes      metric.Int64Counter
	frames         metric.Int64Counter
	droppedLines   metric.Int64Counter
	droppedFrames  metric.Int64Counter
	activeStreams  metric.Int64UpDownCounter
	turnDuration   metric.Float64Histogram
	reduceDuration metric.Float64Histogram

	prometheusServer *http.Server
}

// NewMetricsCollector builds the collector and, when a port is configured,
// starts the Prometheus scrape server.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("fable")

	envelopes, err := meter.Int64Counter(
		"fable.upstream.envelopes.total",
		metric.WithDescription("Upstream envelopes consumed, by event type"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create envelopes counter: %w", err)
	}

	frames, err := meter.Int64Counter(
		"fable.frames.total",
		metric.WithDescription("Downstream frames emitted, by frame type"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create frames counter: %w", err)
	}

	droppedLines, err := meter.Int64Counter(
		"fable.upstream.dropped_lines.total",
		metric.WithDescription("Undecodable upstream lines skipped"),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dropped lines counter: %w", err)
	}

	droppedFrames, err := meter.Int64Counter(
		"fable.hub.dropped_frames.total",
		metric.WithDescription("Frames dropped on saturated subscriber buffers"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dropped frames counter: %w", err)
	}

	activeStreams, err := meter.Int64UpDownCounter(
		"fable.streams.active",
		metric.WithDescription("Currently attached frame stream subscribers"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active streams gauge: %w", err)
	}

	turnDuration, err := meter.Float64Histogram(
		"fable.turn.duration",
		metric.WithDescription("End-to-end turn pump duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create turn duration histogram: %w", err)
	}

	reduceDuration, err := meter.Float64Histogram(
		"fable.timeline.reduce.duration",
		metric.WithDescription("Timeline reduction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reduce duration histogram: %w", err)
	}

	collector := &MetricsCollector{
		meter:          meter,
		envelopes:      envelopes,
		frames:         frames,
		droppedLines:   droppedLines,
		droppedFrames:  droppedFrames,
		activeStreams:  activeStreams,
		turnDuration:   turnDuration,
		reduceDuration: reduceDuration,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("start prometheus server: %w", err)
		}
	}
	return collector, nil
}

// StartPrometheusServer serves /metrics on its own port, outside the API
// router.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("prometheus metrics listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("prometheus server error: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the scrape server.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.prometheusServer == nil {
		return nil
	}
	return m.prometheusServer.Shutdown(ctx)
}

// RecordEnvelope counts one consumed upstream envelope.
func (m *MetricsCollector) RecordEnvelope(eventType string) {
	if m == nil || m.envelopes == nil {
		return
	}
	m.envelopes.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("event", eventType)))
}

// RecordFrame counts one emitted downstream frame.
func (m *MetricsCollector) RecordFrame(frameType string) {
	if m == nil || m.frames == nil {
		return
	}
	m.frames.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", frameType)))
}

// RecordDroppedLines counts undecodable upstream lines.
func (m *MetricsCollector) RecordDroppedLines(n int) {
	if m == nil || m.droppedLines == nil || n <= 0 {
		return
	}
	m.droppedLines.Add(context.Background(), int64(n))
}

// RecordDroppedFrame counts one frame lost to a full subscriber buffer.
func (m *MetricsCollector) RecordDroppedFrame() {
	if m == nil || m.droppedFrames == nil {
		return
	}
	m.droppedFrames.Add(context.Background(), 1)
}

// StreamOpened bumps the active subscriber gauge.
func (m *MetricsCollector) StreamOpened() {
	if m == nil || m.activeStreams == nil {
		return
	}
	m.activeStreams.Add(context.Background(), 1)
}

// StreamClosed drops the active subscriber gauge.
func (m *MetricsCollector) StreamClosed() {
	if m == nil || m.activeStreams == nil {
		return
	}
	m.activeStreams.Add(context.Background(), -1)
}

// RecordTurn records one completed turn pump.
func (m *MetricsCollector) RecordTurn(duration time.Duration, outcome string) {
	if m == nil || m.turnDuration == nil {
		return
	}
	m.turnDuration.Record(context.Background(), duration.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordReduce records one timeline reduction pass.
func (m *MetricsCollector) RecordReduce(duration time.Duration, items int) {
	if m == nil || m.reduceDuration == nil {
		return
	}
	m.reduceDuration.Record(context.Background(), duration.Seconds(),
		metric.WithAttributes(attribute.Int("items", items)))
}
