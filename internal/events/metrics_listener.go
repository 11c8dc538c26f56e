package events

import (
	"context"

	"github.com/gxo-labs/runway/pkg/runway/v1/events"
	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsEventListener subscribes to a Broadcaster and counts events by type.
type MetricsEventListener struct {
	bus     *Broadcaster
	log     rwlog.Logger
	counter *prometheus.CounterVec
	dropped prometheus.Counter
}

// NewMetricsEventListener registers its collectors on reg.
func NewMetricsEventListener(bus *Broadcaster, reg prometheus.Registerer, log rwlog.Logger) *MetricsEventListener {
	if bus == nil || reg == nil || log == nil {
		panic("MetricsEventListener requires a non-nil Broadcaster, Registerer, and Logger")
	}
	l := &MetricsEventListener{
		bus: bus,
		log: log.With("component", "MetricsEventListener"),
		counter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runway_events_total",
			Help: "Total number of engine events published, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runway_events_dropped_total",
			Help: "Total number of event deliveries dropped because a subscriber was full.",
		}),
	}
	l.counter = registerOrExisting(reg, l.counter).(*prometheus.CounterVec)
	l.dropped = registerOrExisting(reg, l.dropped).(prometheus.Counter)
	bus.OnDrop(func(events.Event) { l.dropped.Inc() })
	return l
}

func registerOrExisting(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// Start consumes events until ctx is done or the broadcaster closes.
func (l *MetricsEventListener) Start(ctx context.Context) {
	ch, unsubscribe := l.bus.Subscribe(nil)
	defer unsubscribe()
	l.log.Debugf("Starting metrics event listener...")
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				l.log.Debugf("Broadcaster closed, stopping listener.")
				return
			}
			l.counter.WithLabelValues(string(event.Type)).Inc()
		case <-ctx.Done():
			l.log.Debugf("Context cancelled, stopping metrics event listener.")
			return
		}
	}
}
