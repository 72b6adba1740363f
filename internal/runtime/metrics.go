package runtime

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sensortelemetry/relay/internal/runtime/relay"
)

// RelayMetrics counts relay decisions per event kind, direction and outcome.
type RelayMetrics struct {
	mu     sync.RWMutex
	counts map[relayKey]*RelayCounters

	decisionsTotal *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	durationHist   *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

type relayKey struct {
	kind      string
	direction relay.Direction
}

// RelayCounters holds the decision counts for one kind and direction.
type RelayCounters struct {
	Outcomes     map[relay.Outcome]uint64 `json:"outcomes"`
	Errors       uint64                   `json:"errors"`
	LastRelayed  time.Time                `json:"last_relayed,omitempty"`
	LastUpdateAt time.Time                `json:"last_updated_at"`
}

func newRelayCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sensortelemetry",
			Subsystem: "relay",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewRelayMetrics creates the collectors. A nil registerer means the
// Prometheus default registerer.
func NewRelayMetrics(registerer prometheus.Registerer) *RelayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &RelayMetrics{
		counts:         make(map[relayKey]*RelayCounters),
		registerer:     registerer,
		decisionsTotal: newRelayCounterVec("decisions_total", "Relay decisions by event kind, direction and outcome", []string{"kind", "direction", "outcome"}),
		errorsTotal:    newRelayCounterVec("errors_total", "Relay failures by event kind and direction", []string{"kind", "direction"}),
		durationHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sensortelemetry",
			Subsystem: "relay",
			Name:      "handling_seconds",
			Help:      "Time spent handling one event at the relay boundary",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"kind", "direction"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *RelayMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.decisionsTotal, m.errorsTotal, m.durationHist} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// Hooks returns relay hooks feeding these metrics.
func (m *RelayMetrics) Hooks() relay.Hooks {
	return relay.Hooks{
		OnRelayed: func(ctx relay.Context) { m.RecordDecision(ctx, relay.OutcomeRelayed) },
		OnDropped: m.RecordDecision,
		OnError:   func(ctx relay.Context, _ error) { m.RecordError(ctx) },
	}
}

// RecordDecision records one relay outcome.
func (m *RelayMetrics) RecordDecision(ctx relay.Context, outcome relay.Outcome) {
	kind, direction := string(ctx.Kind), string(ctx.Direction)
	m.decisionsTotal.WithLabelValues(kind, direction, string(outcome)).Inc()
	m.durationHist.WithLabelValues(kind, direction).Observe(ctx.Duration.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.countersFor(ctx)
	c.Outcomes[outcome]++
	c.LastUpdateAt = time.Now()
	if outcome == relay.OutcomeRelayed {
		c.LastRelayed = c.LastUpdateAt
	}
}

// RecordError records a relay failure.
func (m *RelayMetrics) RecordError(ctx relay.Context) {
	m.errorsTotal.WithLabelValues(string(ctx.Kind), string(ctx.Direction)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.countersFor(ctx).Errors++
}

func (m *RelayMetrics) countersFor(ctx relay.Context) *RelayCounters {
	key := relayKey{kind: string(ctx.Kind), direction: ctx.Direction}
	c, ok := m.counts[key]
	if !ok {
		c = &RelayCounters{Outcomes: make(map[relay.Outcome]uint64)}
		m.counts[key] = c
	}
	return c
}

// Counters returns a copy of the counters for kind, keyed by direction.
func (m *RelayMetrics) Counters(kind string) map[relay.Direction]RelayCounters {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[relay.Direction]RelayCounters)
	for key, c := range m.counts {
		if key.kind != kind {
			continue
		}
		cp := *c
		cp.Outcomes = make(map[relay.Outcome]uint64, len(c.Outcomes))
		for o, n := range c.Outcomes {
			cp.Outcomes[o] = n
		}
		out[key.direction] = cp
	}
	return out
}

// Kinds returns the kinds with recorded decisions, sorted.
func (m *RelayMetrics) Kinds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for key := range m.counts {
		seen[key.kind] = struct{}{}
	}
	kinds := make([]string, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
