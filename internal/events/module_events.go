package events

import (
	"time"
)

// Module lifecycle event types
const (
	EventModuleDiscovered      EventType = "module.discovered"
	EventModuleInstalled       EventType = "module.installed"
	EventModuleEnabled         EventType = "module.enabled"
	EventModuleDisabled        EventType = "module.disabled"
	EventModuleReloaded        EventType = "module.reloaded"
	EventModuleDeleted         EventType = "module.deleted"
	EventModuleError           EventType = "module.error"
	EventModuleSettingsUpdated EventType = "module.settings_updated"
)

// SourceRegistry is the source of events emitted by the module registry.
const SourceRegistry = "registry"

// NewModuleEvent builds a lifecycle event about one module.
func NewModuleEvent(eventType EventType, module, message string, data map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		Source:    SourceRegistry,
		Target:    module,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}
