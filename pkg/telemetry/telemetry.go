// Package telemetry wires OpenTelemetry metrics for the task server.
// Counters are fed through the pool and scheduler hooks so the serving
// core stays free of any metrics dependency.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationName = "github.com/entrhq/browserd"

// Setup installs a global meter provider backed by a periodic stdout
// exporter. The returned function flushes and shuts the provider down.
func Setup(ctx context.Context, exportInterval time.Duration) (func(context.Context) error, error) {
	if exportInterval <= 0 {
		exportInterval = time.Minute
	}

	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval)),
		),
	)
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}

// Metrics holds the task server's instruments.
type Metrics struct {
	TasksSubmitted metric.Float64Counter
	TasksSucceeded metric.Float64Counter
	TasksFailed    metric.Float64Counter
	TasksTimedOut  metric.Float64Counter
	TasksRejected  metric.Float64Counter
	HandlesSpawned metric.Float64Counter
	HandlesRetired metric.Float64Counter
}

// NewMetrics creates the server's instruments on the global meter.
// Call after Setup so the instruments land on the real provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}

	instruments := []struct {
		target      *metric.Float64Counter
		name        string
		description string
	}{
		{&m.TasksSubmitted, "browserd_tasks_submitted", "Total number of tasks admitted"},
		{&m.TasksSucceeded, "browserd_tasks_succeeded", "Number of tasks that completed successfully"},
		{&m.TasksFailed, "browserd_tasks_failed", "Number of tasks that failed"},
		{&m.TasksTimedOut, "browserd_tasks_timed_out", "Number of tasks that hit their deadline"},
		{&m.TasksRejected, "browserd_tasks_rejected", "Number of submissions rejected with backpressure"},
		{&m.HandlesSpawned, "browserd_handles_spawned", "Number of browser handles spawned"},
		{&m.HandlesRetired, "browserd_handles_retired", "Number of browser handles retired"},
	}

	for _, inst := range instruments {
		counter, err := meter.Float64Counter(inst.name,
			metric.WithDescription(inst.description),
			metric.WithUnit("1"))
		if err != nil {
			return nil, fmt.Errorf("failed to create metric %s: %w", inst.name, err)
		}
		*inst.target = counter
	}

	return m, nil
}

// RegisterPoolGauges observes pool occupancy through a callback so the
// pool never pushes metrics itself. The snapshot function must be safe
// to call from the exporter goroutine.
func (m *Metrics) RegisterPoolGauges(snapshot func() (live, idle, leased int)) error {
	meter := otel.Meter(instrumentationName)

	liveGauge, err := meter.Int64ObservableGauge("browserd_pool_live",
		metric.WithDescription("Number of live browser handles"))
	if err != nil {
		return fmt.Errorf("failed to create pool gauge: %w", err)
	}
	idleGauge, err := meter.Int64ObservableGauge("browserd_pool_idle",
		metric.WithDescription("Number of idle browser handles"))
	if err != nil {
		return fmt.Errorf("failed to create pool gauge: %w", err)
	}
	leasedGauge, err := meter.Int64ObservableGauge("browserd_pool_leased",
		metric.WithDescription("Number of leased browser handles"))
	if err != nil {
		return fmt.Errorf("failed to create pool gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		live, idle, leased := snapshot()
		o.ObserveInt64(liveGauge, int64(live))
		o.ObserveInt64(idleGauge, int64(idle))
		o.ObserveInt64(leasedGauge, int64(leased))
		return nil
	}, liveGauge, idleGauge, leasedGauge)
	if err != nil {
		return fmt.Errorf("failed to register pool gauge callback: %w", err)
	}
	return nil
}

func (m *Metrics) add(counter metric.Float64Counter) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(context.Background(), 1)
}

// Task lifecycle increments, shaped to plug into scheduler hooks.

func (m *Metrics) TaskSubmitted() { m.add(m.TasksSubmitted) }
func (m *Metrics) TaskSucceeded() { m.add(m.TasksSucceeded) }
func (m *Metrics) TaskFailed()    { m.add(m.TasksFailed) }
func (m *Metrics) TaskTimedOut()  { m.add(m.TasksTimedOut) }
func (m *Metrics) TaskRejected()  { m.add(m.TasksRejected) }

// Handle lifecycle increments, shaped to plug into pool hooks.

func (m *Metrics) HandleSpawned() { m.add(m.HandlesSpawned) }
func (m *Metrics) HandleRetired() { m.add(m.HandlesRetired) }
