// Package bus provides the in-process pub/sub channel connecting the state
// manager to the derived-signal subsystems and the fan-out layer. Handlers
// run synchronously in subscription order; channel subscribers (the push
// hub) receive messages on buffered channels with drop-on-full semantics so
// a slow client can never stall a publisher.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Topic identifies a publication stream.
type Topic string

const (
	TopicUpdate         Topic = "update"
	TopicEvent          Topic = "event"
	TopicError          Topic = "error"
	TopicMetrics        Topic = "metrics"
	TopicErrorPatterns  Topic = "errorPatterns"
	TopicAlert          Topic = "alert"
	TopicAlertUpdated   Topic = "alertUpdated"
	TopicAlertDismissed Topic = "alertDismissed"
	TopicForecast       Topic = "forecast"
	TopicShutdown       Topic = "shutdown"
)

// Message is one bus publication. Timestamps are monotonically assigned:
// no message carries a timestamp at or before its predecessor's.
type Message struct {
	Topic     Topic
	Timestamp time.Time
	Payload   any
}

// Handler consumes messages synchronously at publish time.
type Handler func(Message)

type handlerEntry struct {
	id int
	fn Handler
}

type chanEntry struct {
	id int
	ch chan Message
}

// Bus is the process-wide publish/subscribe hub.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[Topic][]handlerEntry
	chans    []chanEntry
	nextID   int
	closed   bool

	stampMu sync.Mutex
	last    time.Time
}

// New creates an event bus. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger,
		handlers: make(map[Topic][]handlerEntry),
	}
}

// Subscribe registers a synchronous handler for one topic. The returned
// function unsubscribes; it is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[topic]
		for i, e := range entries {
			if e.id == id {
				b.handlers[topic] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Channel subscribes to every topic at once, for fan-out consumers. The
// channel is buffered; when it is full, messages are dropped for that
// subscriber rather than blocking the publisher.
func (b *Bus) Channel(buffer int) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	if buffer <= 0 {
		buffer = 256
	}
	b.nextID++
	id := b.nextID
	ch := make(chan Message, buffer)
	b.chans = append(b.chans, chanEntry{id: id, ch: ch})

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.chans {
			if e.id == id {
				close(e.ch)
				b.chans = append(b.chans[:i:i], b.chans[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers a payload on a topic. Synchronous handlers run in
// subscription order; a panicking handler is logged and skipped without
// affecting later handlers or the publisher.
func (b *Bus) Publish(topic Topic, payload any) {
	msg := Message{Topic: topic, Timestamp: b.stamp(), Payload: payload}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	entries := b.handlers[topic]
	b.mu.RUnlock()

	// Handlers run outside the lock: a handler may publish again, and a
	// nested read-lock would deadlock against a queued writer.
	for _, e := range entries {
		b.deliver(e.fn, msg)
	}

	// Channel sends stay under the read lock. Unsubscribe and Close close
	// these channels under the write lock, so a send can never hit a
	// closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, c := range b.chans {
		select {
		case c.ch <- msg:
		default:
			// Subscriber buffer full; it will reconcile from the next
			// full-state snapshot.
		}
	}
}

func (b *Bus) deliver(fn Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus subscriber panicked", "topic", msg.Topic, "panic", r)
		}
	}()
	fn(msg)
}

// stamp returns a strictly increasing timestamp.
func (b *Bus) stamp() time.Time {
	b.stampMu.Lock()
	defer b.stampMu.Unlock()
	now := time.Now()
	if !now.After(b.last) {
		now = b.last.Add(time.Nanosecond)
	}
	b.last = now
	return now
}

// Close shuts the bus down and closes all channel subscribers. Publications
// after Close are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, c := range b.chans {
		close(c.ch)
	}
	b.chans = nil
	b.handlers = make(map[Topic][]handlerEntry)
}

// SubscriberCount reports synchronous handlers plus channel subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.chans)
	for _, hs := range b.handlers {
		n += len(hs)
	}
	return n
}
