package applet

import (
	"context"
	"sync"
	"time"
)

// Event kinds emitted by the engine.
const (
	// EventUpdatesAvailable signals that new updates past a consumer's cursor exist.
	EventUpdatesAvailable = "updates-available"
	// EventNotifyMatch signals that an incoming update targeted this device.
	EventNotifyMatch = "notify-match"
	// EventMetadataChanged signals a document or summary change on an applet.
	EventMetadataChanged = "metadata-changed"
)

// Event carries one engine notification to in-process observers.
type Event struct {
	Kind      string
	AppletID  string
	Serial    Serial
	Text      string
	MessageID string
	Timestamp time.Time
}

// Dispatcher fans engine events out to in-process subscribers. Publishing
// never blocks: a subscriber that cannot keep up loses events rather than
// stalling the acceptance path.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs a dispatcher with a per-subscriber buffer.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  32,
	}
}

// Subscribe registers an observer for all engine events. The returned cancel
// function releases the subscription; it is also released when ctx ends.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.mu.Lock()
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, sub.id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every current subscriber without blocking.
func (d *Dispatcher) Publish(event Event) {
	if event.Kind == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}
