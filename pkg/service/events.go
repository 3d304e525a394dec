package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/dagflow/internal/telemetry"
	"github.com/ignatij/dagflow/pkg/models"
)

const (
	defaultEventBuffer = 256
	notifyTimeout      = 10 * time.Second
)

// Notifier delivers events to one sink.
type Notifier interface {
	Notify(ctx context.Context, event models.Event) error
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, event models.Event) error

func (f NotifierFunc) Notify(ctx context.Context, event models.Event) error {
	return f(ctx, event)
}

// MultiNotifier fans an event out to every notifier. All are called even if
// some fail; the first error is returned.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, event models.Event) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogNotifier writes every event to the logger.
type LogNotifier struct {
	Logger Logger
}

func (n LogNotifier) Notify(_ context.Context, e models.Event) error {
	switch e.Type {
	case models.SLABreachEvent, models.RetryExhaustedEvent:
		n.Logger.Warnf("Event %s: run %s task %s attempt %d: %s", e.Type, e.RunID, e.TaskID, e.Attempt, e.Message)
	default:
		n.Logger.Infof("Event %s: run %s (%s) status %s: %s", e.Type, e.RunID, e.WorkflowName, e.Status, e.Message)
	}
	return nil
}

// EventBus delivers events asynchronously. Emit never blocks the caller: when
// the buffer is full the event is dropped and counted. Notifier errors are
// logged and never reach the emitter.
type EventBus struct {
	notifier Notifier
	logger   Logger
	events   chan models.Event
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
}

// NewEventBus starts a bus delivering to notifiers in order.
func NewEventBus(logger Logger, buffer int, notifiers ...Notifier) *EventBus {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	b := &EventBus{
		notifier: MultiNotifier(notifiers),
		logger:   logger,
		events:   make(chan models.Event, buffer),
		done:     make(chan struct{}),
	}
	go b.deliver()
	return b
}

// Emit stamps and queues event for delivery.
func (b *EventBus) Emit(event models.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.events <- event:
	default:
		telemetry.EventsDropped.Inc()
		b.logger.Warnf("Event buffer full, dropping %s for run %s", event.Type, event.RunID)
	}
}

func (b *EventBus) deliver() {
	defer close(b.done)
	for event := range b.events {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := b.notifier.Notify(ctx, event); err != nil {
			b.logger.Errorf("Failed to deliver event %s for run %s: %v", event.Type, event.RunID, err)
		}
		cancel()
	}
}

// Close stops accepting events and waits until the buffered ones are delivered.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.events)
	b.mu.Unlock()
	<-b.done
}
