package observability

import (
	"log/slog"
	"sort"

	"tokenvest/core/events"
)

// EventLogger is an events.Emitter that writes every event as a structured log
// line and counts it by type.
type EventLogger struct {
	logger  *slog.Logger
	metrics *VestingMetrics
}

// NewEventLogger builds an emitter over logger. A nil logger falls back to the
// process default.
func NewEventLogger(logger *slog.Logger, metrics *VestingMetrics) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{logger: logger.With(slog.String("component", "events")), metrics: metrics}
}

// Emit implements events.Emitter.
func (l *EventLogger) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	l.metrics.RecordEvent(evt.EventType())
	payload := evt.Event()
	if payload == nil {
		return
	}
	keys := make([]string, 0, len(payload.Attributes))
	for key := range payload.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)+1)
	args = append(args, slog.String("type", payload.Type))
	for _, key := range keys {
		args = append(args, slog.String(key, payload.Attributes[key]))
	}
	l.logger.Info("vesting event", args...)
}
