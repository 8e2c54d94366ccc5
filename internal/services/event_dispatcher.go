package services

import (
	"context"
	"sync"
	"time"

	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventPublisher accepts committed ledger events. Publish must not block the
// caller and must not report delivery failures back into the ledger path.
type EventPublisher interface {
	Publish(event models.Event)
}

// EventSink delivers an event somewhere outside the ledger, such as a redis
// channel or a mailbox.
type EventSink interface {
	Name() string
	Deliver(ctx context.Context, event models.Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(models.Event) {}

// EventDispatcher buffers events on a channel and hands them to sinks from a
// worker goroutine. When the buffer is full the event is dropped and logged.
type EventDispatcher struct {
	events         chan models.Event
	sinks          []EventSink
	log            logrus.FieldLogger
	deliverTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func NewEventDispatcher(bufferSize int, log logrus.FieldLogger, sinks ...EventSink) *EventDispatcher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventDispatcher{
		events:         make(chan models.Event, bufferSize),
		sinks:          sinks,
		log:            log,
		deliverTimeout: 10 * time.Second,
		done:           make(chan struct{}),
	}
}

func (d *EventDispatcher) Publish(event models.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case <-d.done:
		d.log.WithField("event_id", event.ID).Warn("Event dispatcher closed, dropping event")
		return
	default:
	}

	select {
	case d.events <- event:
	default:
		d.log.WithFields(logrus.Fields{
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Warn("Event buffer full, dropping event")
	}
}

// Run delivers events until ctx is cancelled or Close is called, then drains
// whatever is still buffered.
func (d *EventDispatcher) Run(ctx context.Context) error {
	for {
		select {
		case event := <-d.events:
			d.deliver(event)
		case <-ctx.Done():
			d.drain()
			return nil
		case <-d.done:
			d.drain()
			return nil
		}
	}
}

func (d *EventDispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

func (d *EventDispatcher) drain() {
	for {
		select {
		case event := <-d.events:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *EventDispatcher) deliver(event models.Event) {
	for _, sink := range d.sinks {
		d.deliverTo(sink, event)
	}
}

func (d *EventDispatcher) deliverTo(sink EventSink, event models.Event) {
	entry := d.log.WithFields(logrus.Fields{
		"sink":       sink.Name(),
		"event_id":   event.ID,
		"event_type": event.Type,
	})
	defer func() {
		if r := recover(); r != nil {
			entry.Errorf("Event sink panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.deliverTimeout)
	defer cancel()

	if err := sink.Deliver(ctx, event); err != nil {
		entry.WithError(err).Error("Event delivery failed")
		return
	}
	entry.Debug("Event delivered")
}
