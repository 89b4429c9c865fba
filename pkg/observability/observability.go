// Package observability wires OpenTelemetry metrics (exported in Prometheus
// format) and tracing for the portal.
package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

const meterName = "chatty-portal"

// SetupTracing installs a global tracer provider that writes spans to w.
// The returned function flushes and stops the provider.
func SetupTracing(serviceName string, w io.Writer) (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize stdouttrace exporter: %w", err)
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)
	provider := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Metrics holds the portal instruments. A nil *Metrics records nothing.
type Metrics struct {
	provider *metric.MeterProvider
	registry *promclient.Registry

	connections     otelmetric.Int64UpDownCounter
	activeSessions  otelmetric.Int64UpDownCounter
	sessionsCreated otelmetric.Int64Counter
	sessionsClosed  otelmetric.Int64Counter
	inboundMessages otelmetric.Int64Counter
	sessionErrors   otelmetric.Int64Counter
	relayOpen       otelmetric.Float64Histogram
	transcriptsSent otelmetric.Int64Counter
	droppedResults  otelmetric.Int64Counter
}

// NewMetrics builds a meter provider backed by its own Prometheus registry
func NewMetrics() (*Metrics, error) {
	reg := promclient.NewRegistry()
	exp, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize prometheus exporter: %w", err)
	}
	mp := metric.NewMeterProvider(metric.WithReader(exp))
	meter := mp.Meter(meterName)

	m := &Metrics{provider: mp, registry: reg}
	if m.connections, err = meter.Int64UpDownCounter("chatty_connections_active",
		otelmetric.WithDescription("Open client sockets")); err != nil {
		return nil, err
	}
	if m.activeSessions, err = meter.Int64UpDownCounter("chatty_sessions_active",
		otelmetric.WithDescription("Sessions currently in the registry")); err != nil {
		return nil, err
	}
	if m.sessionsCreated, err = meter.Int64Counter("chatty_sessions_created",
		otelmetric.WithDescription("Sessions created, by mode")); err != nil {
		return nil, err
	}
	if m.sessionsClosed, err = meter.Int64Counter("chatty_sessions_closed",
		otelmetric.WithDescription("Sessions removed, by reason")); err != nil {
		return nil, err
	}
	if m.inboundMessages, err = meter.Int64Counter("chatty_inbound_messages",
		otelmetric.WithDescription("Client events received, by event name")); err != nil {
		return nil, err
	}
	if m.sessionErrors, err = meter.Int64Counter("chatty_session_errors",
		otelmetric.WithDescription("session_error events sent, by code")); err != nil {
		return nil, err
	}
	if m.relayOpen, err = meter.Float64Histogram("chatty_relay_open_duration",
		otelmetric.WithUnit("s"),
		otelmetric.WithDescription("Time to open an external relay")); err != nil {
		return nil, err
	}
	if m.transcriptsSent, err = meter.Int64Counter("chatty_transcripts_queued",
		otelmetric.WithDescription("Transcripts handed to the outbox")); err != nil {
		return nil, err
	}
	if m.droppedResults, err = meter.Int64Counter("chatty_relay_results_dropped",
		otelmetric.WithDescription("Relay results that arrived after their session ended")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler exposes the registry in Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown stops the meter provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Add(context.Background(), 1)
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Add(context.Background(), -1)
}

// SessionCreated counts a new session in the given mode
func (m *Metrics) SessionCreated(mode string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.activeSessions.Add(ctx, 1)
	m.sessionsCreated.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("mode", mode)))
}

// SessionClosed counts a removed session
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.activeSessions.Add(ctx, -1)
	m.sessionsClosed.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) InboundMessage(event string) {
	if m == nil {
		return
	}
	m.inboundMessages.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("event", event)))
}

func (m *Metrics) SessionError(code string) {
	if m == nil {
		return
	}
	m.sessionErrors.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("code", code)))
}

// RelayOpened records how long an open attempt took and whether it fell back
func (m *Metrics) RelayOpened(seconds float64, mode string) {
	if m == nil {
		return
	}
	m.relayOpen.Record(context.Background(), seconds, otelmetric.WithAttributes(attribute.String("mode", mode)))
}

func (m *Metrics) TranscriptQueued() {
	if m == nil {
		return
	}
	m.transcriptsSent.Add(context.Background(), 1)
}

func (m *Metrics) RelayResultDropped() {
	if m == nil {
		return
	}
	m.droppedResults.Add(context.Background(), 1)
}
