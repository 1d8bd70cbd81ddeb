// Package buildat — diagnostic CloudEvents mirror.
//
// The primary event system is the typed Event Bus (event.go, eventbus.go).
// This file adds an optional secondary channel: external observability
// tooling that wants a standardized, introspectable event format can
// register a Subject observer and receive a CloudEvents-shaped copy of the
// host's core:* lifecycle events, without the Event Bus itself depending on
// CloudEvents at all.
package buildat

import (
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// NewLifecycleCloudEvent builds a CloudEvent mirroring one of the host's
// core:* lifecycle events for external consumption.
func NewLifecycleCloudEvent(source, eventType string, data map[string]any) cloudevents.Event {
	evt := cloudevents.NewEvent()
	evt.SetID(newCloudEventID())
	evt.SetSource(source)
	evt.SetType(eventType)
	evt.SetTime(time.Now())
	evt.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = evt.SetData(cloudevents.ApplicationJSON, data)
	}
	return evt
}

func newCloudEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
