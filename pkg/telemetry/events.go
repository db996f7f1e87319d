package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrBusClosed is returned by Publish after Shutdown.
var ErrBusClosed = errors.New("event bus closed")

// EventSubscriber handles one event.
type EventSubscriber func(event engine.Event)

// EventFilter decides whether an event is delivered.
type EventFilter func(event engine.Event) bool

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// EventBus fans orchestration events out to subscribers and to other
// publishers such as the SQLite event log. It implements engine.EventPublisher.
type EventBus struct {
	config EventsConfig
	logger zerolog.Logger

	mu          sync.RWMutex
	subscribers []subscriberEntry
	sinks       []engine.EventPublisher
	closed      bool

	buffer chan *engine.Event
	wg     sync.WaitGroup
}

var _ engine.EventPublisher = (*EventBus)(nil)

// NewEventBus creates a bus. Sink failures are logged, never returned.
func NewEventBus(cfg EventsConfig, logger zerolog.Logger) *EventBus {
	b := &EventBus{
		config: cfg,
		logger: logger.With().Str("component", "events").Logger(),
	}
	if cfg.Async {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1024
		}
		b.buffer = make(chan *engine.Event, size)
		b.wg.Add(1)
		go b.processEvents()
	}
	return b
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (b *EventBus) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AddSink forwards every event to another publisher.
func (b *EventBus) AddSink(sink engine.EventPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Publish stamps the event with an id and timestamp when missing and
// delivers it. Async buses drop the event when the queue is full.
func (b *EventBus) Publish(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	if b.buffer == nil {
		b.deliver(ctx, event)
		return nil
	}
	select {
	case b.buffer <- event:
		return nil
	default:
		b.logger.Warn().Str("type", string(event.Type)).Msg("Event queue full, dropping event")
		return errors.New("event queue full")
	}
}

func (b *EventBus) processEvents() {
	defer b.wg.Done()
	for event := range b.buffer {
		b.deliver(context.Background(), event)
	}
}

func (b *EventBus) deliver(ctx context.Context, event *engine.Event) {
	b.mu.RLock()
	sinks := b.sinks
	subscribers := b.subscribers
	b.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Publish(ctx, event); err != nil {
			b.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("Event sink failed")
		}
	}
	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(*event) {
			continue
		}
		entry.subscriber(*event)
	}
}

// Shutdown stops accepting events and drains the async queue.
func (b *EventBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.buffer == nil {
		return nil
	}
	close(b.buffer)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("event bus shutdown timeout")
	}
}

// LogSubscriber writes each event to logger at the event's level.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	return func(event engine.Event) {
		var e *zerolog.Event
		switch event.Level {
		case EventLevelError:
			e = logger.Error()
		case EventLevelWarning:
			e = logger.Warn()
		default:
			e = logger.Info()
		}
		e = e.Str("event", string(event.Type)).Str("run_id", event.RunID)
		if event.Domain != "" {
			e = e.Str("domain", event.Domain)
		}
		if event.Stage != "" {
			e = e.Str("stage", string(event.Stage))
		}
		if event.From != "" || event.To != "" {
			e = e.Str("from", string(event.From)).Str("to", string(event.To))
		}
		e.Msg(event.Message)
	}
}

// FilterByLevel allows events of minLevel or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	threshold := levels[minLevel]
	return func(event engine.Event) bool {
		return levels[event.Level] >= threshold
	}
}

// FilterByType allows only the given event types.
func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event engine.Event) bool {
		return set[event.Type]
	}
}

// FilterByDomain allows only events of one domain.
func FilterByDomain(domain string) EventFilter {
	return func(event engine.Event) bool {
		return event.Domain == domain
	}
}
