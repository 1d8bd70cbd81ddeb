package buildat

import (
	"context"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer receives CloudEvents published on a Subject. This is the
// diagnostic mirror described in observer_cloudevents.go — unrelated
// third-party monitoring can attach here without touching the Event Bus.
type Observer interface {
	OnEvent(ctx context.Context, event cloudevents.Event) error
	ObserverID() string
}

// Subject is something that notifies registered Observers.
type Subject interface {
	RegisterObserver(observer Observer, eventTypes ...string) error
	UnregisterObserver(observer Observer) error
	NotifyObservers(ctx context.Context, event cloudevents.Event) error
}

type observerRegistration struct {
	observer   Observer
	eventTypes map[string]struct{} // empty set means "all events"
}

// CloudEventSubject is the default Subject implementation, attached to a
// Host to mirror its core:* lifecycle events.
type CloudEventSubject struct {
	mu        sync.RWMutex
	observers map[string]*observerRegistration
}

// NewCloudEventSubject creates an empty Subject.
func NewCloudEventSubject() *CloudEventSubject {
	return &CloudEventSubject{observers: make(map[string]*observerRegistration)}
}

func (s *CloudEventSubject) RegisterObserver(observer Observer, eventTypes ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg := &observerRegistration{observer: observer, eventTypes: make(map[string]struct{}, len(eventTypes))}
	for _, t := range eventTypes {
		reg.eventTypes[t] = struct{}{}
	}
	s.observers[observer.ObserverID()] = reg
	return nil
}

func (s *CloudEventSubject) UnregisterObserver(observer Observer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, observer.ObserverID())
	return nil
}

// NotifyObservers delivers event to every interested observer. This mirror
// is best-effort and must never affect the primary Event Bus: observer
// errors are intentionally dropped rather than propagated.
func (s *CloudEventSubject) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	s.mu.RLock()
	regs := make([]*observerRegistration, 0, len(s.observers))
	for _, r := range s.observers {
		regs = append(regs, r)
	}
	s.mu.RUnlock()

	for _, r := range regs {
		if len(r.eventTypes) > 0 {
			if _, ok := r.eventTypes[event.Type()]; !ok {
				continue
			}
		}
		_ = r.observer.OnEvent(ctx, event)
	}
	return nil
}

// FunctionalObserver adapts a plain function to the Observer interface.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FunctionalObserver) ObserverID() string { return f.id }

// Lifecycle event type vocabulary mirrored onto CloudEvents, reverse-domain
// per the CloudEvents convention.
const (
	EventTypeModuleLoaded    = "io.buildat.module.loaded"
	EventTypeModuleUnloaded  = "io.buildat.module.unloaded"
	EventTypeClientConnected = "io.buildat.network.client_connected"
	EventTypeClientGone      = "io.buildat.network.client_disconnected"
)
