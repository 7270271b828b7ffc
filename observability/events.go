package observability

import (
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"escrowlink/core/events"
	"escrowlink/core/types"
)

// EventSink counts contract events by type and logs their attributes.
type EventSink struct {
	logger *slog.Logger
	counts *prometheus.CounterVec
}

// NewEventSink returns a sink logging through logger. A nil logger uses the
// process default.
func NewEventSink(logger *slog.Logger) *EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSink{
		logger: logger,
		counts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "events",
			Name:      "contract_total",
			Help:      "Contract events observed on committed groups, by event type.",
		}, []string{"type"}),
	}
}

// MustRegister registers the event counter with reg.
func (s *EventSink) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(s.counts)
}

// Emit implements events.Emitter.
func (s *EventSink) Emit(e events.Event) {
	if s == nil || e == nil {
		return
	}
	s.counts.WithLabelValues(e.EventType()).Inc()
	attrs := []any{slog.String("type", e.EventType())}
	if structured, ok := e.(interface{ Event() *types.Event }); ok {
		if ev := structured.Event(); ev != nil {
			keys := make([]string, 0, len(ev.Attributes))
			for k := range ev.Attributes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				attrs = append(attrs, slog.String(k, ev.Attributes[k]))
			}
		}
	}
	s.logger.Info("contract event", attrs...)
}

var _ events.Emitter = (*EventSink)(nil)
