package telemetry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Level is the severity of a reported event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelRank = map[Level]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}

// Event is one observability record. Category is a dotted name such as
// "retry.attempt" or "queue.dead_letter".
type Event struct {
	Level         Level
	Category      string
	Message       string
	OrderID       string
	CorrelationID string
	Data          map[string]any
}

// Reporter is the sink for retries, recoveries, placeholder synthesis,
// degraded storage and dead-letter transitions.
type Reporter interface {
	Report(ctx context.Context, e Event)
}

// LogReporter writes events through a *log.Logger and attaches them to the
// active span, if any.
type LogReporter struct {
	logger   *log.Logger
	minLevel Level
}

// NewLogReporter returns a reporter that drops events below minLevel.
func NewLogReporter(logger *log.Logger, minLevel Level) *LogReporter {
	if logger == nil {
		logger = log.Default()
	}
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = LevelInfo
	}
	return &LogReporter{logger: logger, minLevel: minLevel}
}

func (r *LogReporter) Report(ctx context.Context, e Event) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		attrs := []attribute.KeyValue{
			attribute.String("event.level", string(e.Level)),
			attribute.String("event.message", e.Message),
		}
		if e.OrderID != "" {
			attrs = append(attrs, attribute.String("order.number", e.OrderID))
		}
		if e.CorrelationID != "" {
			attrs = append(attrs, attribute.String("correlation.id", e.CorrelationID))
		}
		span.AddEvent(e.Category, trace.WithAttributes(attrs...))
	}

	if levelRank[e.Level] < levelRank[r.minLevel] {
		return
	}
	r.logger.Print(format(e))
}

func format(e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", strings.ToUpper(string(e.Level)), e.Category, e.Message)
	if e.OrderID != "" {
		fmt.Fprintf(&b, " order=%s", e.OrderID)
	}
	if e.CorrelationID != "" {
		fmt.Fprintf(&b, " correlation=%s", e.CorrelationID)
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	return b.String()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Report(context.Context, Event) {}

// Recorder keeps events in memory. Tests use it to assert on what was reported.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Report(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many recorded events have the given category.
func (r *Recorder) Count(category string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Category == category {
			n++
		}
	}
	return n
}
