// Package observability wires the OpenTelemetry meter the mesh records into
// and exposes it over a Prometheus scrape endpoint.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/agentmesh/agentmesh"

// Metrics holds the instruments the agent core records into. A nil *Metrics
// is valid and records nothing, so metrics stay optional in tests.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	tasksStarted    metric.Int64Counter
	tasksCompleted  metric.Int64Counter
	tasksFailed     metric.Int64Counter
	tasksCanceled   metric.Int64Counter
	peerDelegations metric.Int64Counter
	timeoutsSwept   metric.Int64Counter
	turnDuration    metric.Float64Histogram
}

// NewMetrics builds the meter provider with a Prometheus exporter.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &Metrics{provider: provider, registry: registry}

	if m.tasksStarted, err = meter.Int64Counter("agent_tasks_started_total",
		metric.WithDescription("Tasks accepted by the agent core")); err != nil {
		return nil, err
	}
	if m.tasksCompleted, err = meter.Int64Counter("agent_tasks_completed_total",
		metric.WithDescription("Tasks that reached the completed state")); err != nil {
		return nil, err
	}
	if m.tasksFailed, err = meter.Int64Counter("agent_tasks_failed_total",
		metric.WithDescription("Tasks that reached the failed state")); err != nil {
		return nil, err
	}
	if m.tasksCanceled, err = meter.Int64Counter("agent_tasks_canceled_total",
		metric.WithDescription("Tasks that reached the canceled state")); err != nil {
		return nil, err
	}
	if m.peerDelegations, err = meter.Int64Counter("agent_peer_delegations_total",
		metric.WithDescription("Sub-tasks published to peer agents")); err != nil {
		return nil, err
	}
	if m.timeoutsSwept, err = meter.Int64Counter("agent_timeouts_swept_total",
		metric.WithDescription("Peer sub-tasks claimed by the timeout sweeper")); err != nil {
		return nil, err
	}
	if m.turnDuration, err = meter.Float64Histogram("agent_turn_duration_seconds",
		metric.WithDescription("Duration of one model turn including tool dispatch"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func agentAttr(agent string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("agent", agent))
}

// TaskStarted records an accepted task.
func (m *Metrics) TaskStarted(ctx context.Context, agent string) {
	if m == nil {
		return
	}
	m.tasksStarted.Add(ctx, 1, agentAttr(agent))
}

// TaskFinished records a terminal transition by final state.
func (m *Metrics) TaskFinished(ctx context.Context, agent, state string) {
	if m == nil {
		return
	}
	switch state {
	case "completed":
		m.tasksCompleted.Add(ctx, 1, agentAttr(agent))
	case "canceled":
		m.tasksCanceled.Add(ctx, 1, agentAttr(agent))
	default:
		m.tasksFailed.Add(ctx, 1, agentAttr(agent))
	}
}

// PeerDelegation records one published sub-task.
func (m *Metrics) PeerDelegation(ctx context.Context, agent, peer string) {
	if m == nil {
		return
	}
	m.peerDelegations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("peer", peer)))
}

// TimeoutSwept records one expired sub-task claimed by the sweeper.
func (m *Metrics) TimeoutSwept(ctx context.Context, agent string) {
	if m == nil {
		return
	}
	m.timeoutsSwept.Add(ctx, 1, agentAttr(agent))
}

// TurnObserved records the duration of one model turn.
func (m *Metrics) TurnObserved(ctx context.Context, agent string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnDuration.Record(ctx, d.Seconds(), agentAttr(agent))
}
