// Package events carries module lifecycle notifications between the
// registry, persistence and the HTTP event stream.
package events

import (
	"time"
)

// EventType represents the type of event
type EventType string

// EventHandler handles a delivered event
type EventHandler func(event Event) error

// Event represents a lifecycle event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventFilter selects events by type and target. Empty fields match all.
type EventFilter struct {
	Types   []EventType `json:"types,omitempty"`
	Targets []string    `json:"targets,omitempty"`
}

// Subscription represents an event subscription
type Subscription struct {
	ID            string       `json:"id"`
	Filter        EventFilter  `json:"filter"`
	Handler       EventHandler `json:"-"`
	Created       time.Time    `json:"created"`
	LastTriggered *time.Time   `json:"last_triggered,omitempty"`
	TriggerCount  int64        `json:"trigger_count"`
}

// EventStats summarizes processed events
type EventStats struct {
	TotalEvents         int64            `json:"total_events"`
	DroppedEvents       int64            `json:"dropped_events"`
	EventsByType        map[string]int64 `json:"events_by_type"`
	ActiveSubscriptions int              `json:"active_subscriptions"`
}

// Config configures the event bus
type Config struct {
	BufferSize        int
	RecentEvents      int
	EnablePersistence bool
	MaxEventAge       time.Duration
}

// DefaultConfig returns the bus defaults
func DefaultConfig() Config {
	return Config{
		BufferSize:   256,
		RecentEvents: 100,
		MaxEventAge:  7 * 24 * time.Hour,
	}
}

// MatchesFilter reports whether event passes filter.
func MatchesFilter(event Event, filter EventFilter) bool {
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(filter.Targets) > 0 {
		found := false
		for _, target := range filter.Targets {
			if target == event.Target {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// FilterEvents returns the events that pass filter.
func FilterEvents(events []Event, filter EventFilter) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if MatchesFilter(e, filter) {
			out = append(out, e)
		}
	}
	return out
}
