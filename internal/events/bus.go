package events

import (
	"log/slog"
	"sync"
)

// DefaultHistorySize is the default capacity of the bus's ring buffer.
const DefaultHistorySize = 1000

// Handler receives published events. Handlers run synchronously with the
// publish; a panicking handler is isolated and does not abort the publish
// or starve other handlers.
type Handler func(Event)

// Bus is an in-process topic pub/sub with bounded history.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	streams  []chan Event
	history  []Event // ring buffer
	next     int     // next write position
	size     int     // number of events stored, up to cap
	closed   bool

	bufferSize int
	logger     *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithHistorySize sets the ring buffer capacity.
func WithHistorySize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.history = make([]Event, n)
		}
	}
}

// WithStreamBuffer sets the channel buffer size for stream subscribers.
func WithStreamBuffer(n int) BusOption {
	return func(b *Bus) {
		b.bufferSize = n
	}
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		handlers:   make(map[string][]Handler),
		history:    make([]Event, DefaultHistorySize),
		bufferSize: 100,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a topic. Use TopicAll to receive every
// event. Handlers registered during a publish do not see that publish.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.handlers[topic] = append(b.handlers[topic], h)
}

// SubscribeChan returns a channel that receives every published event.
// Sends are non-blocking: a subscriber with a full buffer misses events.
// Used by the websocket event stream.
func (b *Bus) SubscribeChan() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	ch := make(chan Event, b.bufferSize)
	b.streams = append(b.streams, ch)
	return ch
}

// UnsubscribeChan removes a stream subscription and closes its channel.
func (b *Bus) UnsubscribeChan(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, stream := range b.streams {
		if stream == ch {
			b.streams = append(b.streams[:i], b.streams[i+1:]...)
			close(stream)
			return
		}
	}
}

// Publish records the event in history and invokes matching handlers.
// Publication is synchronous with respect to handler invocation, but
// handlers are called outside the bus lock so a handler that re-enters the
// bus cannot deadlock it.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	b.history[b.next] = event
	b.next = (b.next + 1) % len(b.history)
	if b.size < len(b.history) {
		b.size++
	}

	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.handlers[TopicAll]))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers[TopicAll]...)

	for _, stream := range b.streams {
		select {
		case stream <- event:
		default:
			// Skip if channel buffer is full (non-blocking)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(h, event)
	}
}

// invoke runs one handler, recovering panics so a failing handler never
// aborts the publish.
func (b *Bus) invoke(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", event.Type, "panic", r)
		}
	}()
	h(event)
}

// History returns up to limit retained events for a topic, newest first.
// An empty topic or TopicAll matches every event; limit <= 0 means all.
func (b *Bus) History(topic string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for i := 0; i < b.size; i++ {
		// Walk backwards from the most recent write.
		idx := (b.next - 1 - i + len(b.history)*2) % len(b.history)
		evt := b.history[idx]
		if topic != "" && topic != TopicAll && evt.Type != topic {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Close shuts down the bus and closes all stream channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, stream := range b.streams {
		close(stream)
	}
	b.streams = nil
}
