package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the store's instruments.
type Metrics struct {
	EventsAppended       metric.Int64Counter
	ReservationConflicts metric.Int64Counter
	ReservationsReleased metric.Int64Counter
	ReplayedEvents       metric.Int64Counter
	CommandDuration      metric.Float64Histogram
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsAppended, err = meter.Int64Counter("swarmmail.events.appended",
		metric.WithDescription("Events appended to the log"),
	)
	if err != nil {
		return nil, err
	}

	m.ReservationConflicts, err = meter.Int64Counter("swarmmail.reservations.conflicts",
		metric.WithDescription("Reserve requests rejected with conflicts"),
	)
	if err != nil {
		return nil, err
	}

	m.ReservationsReleased, err = meter.Int64Counter("swarmmail.reservations.released",
		metric.WithDescription("Reservations released"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayedEvents, err = meter.Int64Counter("swarmmail.events.replayed",
		metric.WithDescription("Events re-applied during replay"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandDuration, err = meter.Float64Histogram("swarmmail.command.duration",
		metric.WithDescription("Command transaction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns instruments bound to the global meter provider, falling
// back to no-op instruments if creation fails.
func Default() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.Meter(ServiceName))
		if err != nil {
			m, _ = NewMetrics(noop.NewMeterProvider().Meter(ServiceName))
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
