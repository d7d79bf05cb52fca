// Observer pattern interfaces for event-driven consumers of the
// orchestrator. Events use the CloudEvents specification for a
// standardized format and interoperability with external systems.
package hotmod

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer is notified of orchestrator events. Observers register with
// a Subject, optionally filtered by event type.
type Observer interface {
	// OnEvent is called when an event the observer subscribed to
	// occurs. Observers should return quickly to avoid delaying other
	// observers.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer, used
	// for registration tracking.
	ObserverID() string
}

// Subject is implemented by event emitters. The Orchestrator is the
// subject of record for lifecycle events.
type Subject interface {
	// RegisterObserver adds an observer. With no eventTypes the
	// observer receives every event.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers delivers an event to all interested observers,
	// one observer at a time. An observer panic or error is logged and
	// does not stop delivery to the remaining observers.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about registered observers.
	GetObservers() []ObserverInfo
}

// ObserverInfo describes a registered observer for monitoring.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// FunctionalObserver wraps a handler function as an Observer.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer from a handler function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FunctionalObserver) ObserverID() string { return f.id }

// observerRegistration holds one registered observer and its filter.
type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool // empty means all events
	registeredAt time.Time
}

// observerSet is the Subject implementation embedded in the
// Orchestrator: an RWMutex-guarded observer map with per-observer event
// type filters. Delivery is sequential so that an observer sees events
// in the order they were published; panics are recovered per observer.
type observerSet struct {
	mu        sync.RWMutex
	observers map[string]*observerRegistration
	logger    Logger
}

func newObserverSet(logger Logger) *observerSet {
	return &observerSet{
		observers: make(map[string]*observerRegistration),
		logger:    logger,
	}
}

func (s *observerSet) RegisterObserver(observer Observer, eventTypes ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filter := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		filter[eventType] = true
	}
	s.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   filter,
		registeredAt: time.Now(),
	}
	s.logger.Debug("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

func (s *observerSet) UnregisterObserver(observer Observer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, observer.ObserverID())
	return nil
}

func (s *observerSet) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := event.Validate(); err != nil {
		s.logger.Error("Invalid CloudEvent", "eventType", event.Type(), "error", err)
		return err
	}

	s.mu.RLock()
	interested := make([]Observer, 0, len(s.observers))
	for _, registration := range s.observers {
		if len(registration.eventTypes) > 0 && !registration.eventTypes[event.Type()] {
			continue
		}
		interested = append(interested, registration.observer)
	}
	s.mu.RUnlock()

	for _, observer := range interested {
		s.deliver(ctx, observer, event)
	}
	return nil
}

func (s *observerSet) deliver(ctx context.Context, observer Observer, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Observer panicked",
				"observerID", observer.ObserverID(), "event", event.Type(), "panic", r)
		}
	}()
	if err := observer.OnEvent(ctx, event); err != nil {
		s.logger.Error("Observer error",
			"observerID", observer.ObserverID(), "event", event.Type(), "error", err)
	}
}

func (s *observerSet) GetObservers() []ObserverInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := make([]ObserverInfo, 0, len(s.observers))
	for _, registration := range s.observers {
		eventTypes := make([]string, 0, len(registration.eventTypes))
		for eventType := range registration.eventTypes {
			eventTypes = append(eventTypes, eventType)
		}
		info = append(info, ObserverInfo{
			ID:           registration.observer.ObserverID(),
			EventTypes:   eventTypes,
			RegisteredAt: registration.registeredAt,
		})
	}
	return info
}
