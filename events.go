package hotmod

import (
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Event types emitted by the orchestrator. This is a closed set;
// consumers can rely on no other types appearing on the stream.
// Following the CloudEvents specification, types use reverse domain
// notation.
const (
	EventTypeModuleLoaded   = "com.hotmod.module.loaded"
	EventTypeModuleUnloaded = "com.hotmod.module.unloaded"
	EventTypeModuleUpdated  = "com.hotmod.module.updated"
	EventTypeSystemRestart  = "com.hotmod.system.restart"
)

// EventSource identifies the orchestrator as event producer.
const EventSource = "hotmod/orchestrator"

// ModuleEventPayload is the data carried by module lifecycle events.
// Updated events carry both the descriptor before and after the swap;
// for loaded/unloaded events OldDescriptor is nil.
type ModuleEventPayload struct {
	ModuleID      string      `json:"moduleId"`
	Descriptor    *Descriptor `json:"descriptor,omitempty"`
	OldDescriptor *Descriptor `json:"oldDescriptor,omitempty"`
}

// SystemRestartPayload is the data carried by a system restart event.
type SystemRestartPayload struct {
	UnloadedModules []string `json:"unloadedModules"`
	Failures        []string `json:"failures,omitempty"`
}

// NewEvent creates a CloudEvent with a UUIDv7 id, the orchestrator
// source, and the given type and payload.
func NewEvent(eventType string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(newEventID())
	event.SetSource(EventSource)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

// newEventID returns a UUIDv7, which is time-ordered, falling back to
// v4 if v7 generation fails.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
