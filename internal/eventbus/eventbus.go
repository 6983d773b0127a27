package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the coordinator.
const (
	RepositoryLaunched   = "repository.launched"
	RepositoryRemoved    = "repository.removed"
	RepositoryError      = "repository.error"
	PreparerLaunched     = "preparer.launched"
	PreparationCompleted = "preparation.completed"
)

// Event represents something that happened to a repository.
type Event struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"` // e.g. "preparation.completed"
	RepositoryID int                    `json:"repository_id"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Time         time.Time              `json:"time"`
}

// Handler is a callback that processes an event.
type Handler func(event Event)

// Bus is an in-memory publish/subscribe event bus.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
	logger   *slog.Logger
}

// New creates a new Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string]map[int]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for the given event type and returns a
// function that removes it. Use "*" to subscribe to all events.
func (b *Bus) Subscribe(eventType string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[int]Handler)
	}
	b.handlers[eventType][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// Stream delivers every event on a buffered channel until cancel is called.
// Events are dropped rather than blocking the publisher when the reader is slow.
func (b *Bus) Stream(buffer int) (events <-chan Event, cancel func()) {
	ch := make(chan Event, buffer)
	var once sync.Once
	var mu sync.Mutex
	closed := false

	unsubscribe := b.Subscribe("*", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			b.logger.Warn("event stream full, dropping event", "event", e.Type)
		}
	})

	return ch, func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}

// Publish dispatches an event to all matching subscribers.
// Handlers are invoked synchronously; a panicking handler is recovered and
// logged without affecting others.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.handlers["*"]))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.handlers["*"] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						"event", event.Type,
						"repository", event.RepositoryID,
						"panic", r,
					)
				}
			}()
			h(event)
		}()
	}
}
