package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Bus is the event bus used by the module runtime.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	PublishAsync(event Event) error
	Subscribe(filter EventFilter, handler EventHandler) (*Subscription, error)
	Unsubscribe(subscriptionID string) error
	Recent(filter EventFilter, limit int) []Event
	GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]Event, int64, error)
	GetStats() EventStats
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type eventBus struct {
	config  Config
	logger  hclog.Logger
	storage Storage

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	eventChannel  chan Event
	running       bool
	stopCh        chan struct{}
	wg            sync.WaitGroup

	recentEvents []Event
	stats        EventStats
}

// NewBus creates an event bus. storage may be nil.
func NewBus(config Config, logger hclog.Logger, storage Storage) Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.RecentEvents <= 0 {
		config.RecentEvents = DefaultConfig().RecentEvents
	}
	return &eventBus{
		config:        config,
		logger:        logger.Named("events"),
		storage:       storage,
		subscriptions: make(map[string]*Subscription),
		recentEvents:  make([]Event, 0, config.RecentEvents),
		stats:         EventStats{EventsByType: make(map[string]int64)},
	}
}

// Start starts the event processor
func (eb *eventBus) Start(ctx context.Context) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.running {
		return fmt.Errorf("event bus is already running")
	}

	eb.running = true
	eb.stopCh = make(chan struct{})
	eb.eventChannel = make(chan Event, eb.config.BufferSize)

	eb.wg.Add(1)
	go eb.processEvents(eb.eventChannel)

	if eb.config.EnablePersistence && eb.storage != nil && eb.config.MaxEventAge > 0 {
		eb.wg.Add(1)
		go eb.cleanupEvents(ctx)
	}

	eb.logger.Debug("event bus started", "buffer_size", eb.config.BufferSize)
	return nil
}

// Stop drains queued events and stops the bus
func (eb *eventBus) Stop(ctx context.Context) error {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return nil
	}
	eb.running = false
	close(eb.stopCh)
	close(eb.eventChannel)
	eb.mu.Unlock()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Debug("event bus stopped")
		return nil
	case <-ctx.Done():
		eb.logger.Warn("event bus stop timed out")
		return ctx.Err()
	}
}

// Publish queues an event, waiting for buffer space until ctx ends
func (eb *eventBus) Publish(ctx context.Context, event Event) error {
	event, err := eb.prepare(event)
	if err != nil {
		return err
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if !eb.running {
		return fmt.Errorf("event bus is not running")
	}

	select {
	case eb.eventChannel <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishAsync queues an event without blocking; it is dropped when the
// buffer is full
func (eb *eventBus) PublishAsync(event Event) error {
	event, err := eb.prepare(event)
	if err != nil {
		return err
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if !eb.running {
		return fmt.Errorf("event bus is not running")
	}

	select {
	case eb.eventChannel <- event:
		return nil
	default:
		eb.logger.Warn("event channel full, dropping event", "event_type", event.Type, "event_id", event.ID)
		go eb.countDropped()
		return fmt.Errorf("event channel full")
	}
}

func (eb *eventBus) countDropped() {
	eb.mu.Lock()
	eb.stats.DroppedEvents++
	eb.mu.Unlock()
}

func (eb *eventBus) prepare(event Event) (Event, error) {
	if event.Type == "" {
		return event, fmt.Errorf("invalid event: type is required")
	}
	if event.Source == "" {
		return event, fmt.Errorf("invalid event: source is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return event, nil
}

// Subscribe registers handler for events matching filter
func (eb *eventBus) Subscribe(filter EventFilter, handler EventHandler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := &Subscription{
		ID:      "sub-" + uuid.NewString(),
		Filter:  filter,
		Handler: handler,
		Created: time.Now(),
	}
	eb.subscriptions[sub.ID] = sub
	eb.logger.Debug("new subscription created", "subscription_id", sub.ID, "types", filter.Types)
	return sub, nil
}

// Unsubscribe removes a subscription
func (eb *eventBus) Unsubscribe(subscriptionID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if _, exists := eb.subscriptions[subscriptionID]; !exists {
		return fmt.Errorf("subscription not found: %s", subscriptionID)
	}
	delete(eb.subscriptions, subscriptionID)
	return nil
}

// Recent returns the newest in-memory events matching filter, oldest first
func (eb *eventBus) Recent(filter EventFilter, limit int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	filtered := FilterEvents(eb.recentEvents, filter)
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

// GetEvents returns stored events, newest first, falling back to memory
func (eb *eventBus) GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]Event, int64, error) {
	if eb.storage != nil && eb.config.EnablePersistence {
		return eb.storage.Get(ctx, filter, limit, offset)
	}

	recent := eb.Recent(filter, 0)
	total := int64(len(recent))
	newestFirst := make([]Event, len(recent))
	for i, e := range recent {
		newestFirst[len(recent)-1-i] = e
	}

	if offset >= len(newestFirst) {
		return []Event{}, total, nil
	}
	end := len(newestFirst)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return newestFirst[offset:end], total, nil
}

// GetStats returns event bus statistics
func (eb *eventBus) GetStats() EventStats {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	stats := eb.stats
	stats.EventsByType = make(map[string]int64, len(eb.stats.EventsByType))
	for k, v := range eb.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	stats.ActiveSubscriptions = len(eb.subscriptions)
	return stats
}

func (eb *eventBus) processEvents(ch <-chan Event) {
	defer eb.wg.Done()
	for event := range ch {
		eb.handleEvent(event)
	}
}

func (eb *eventBus) handleEvent(event Event) {
	if eb.config.EnablePersistence && eb.storage != nil {
		if err := eb.storage.Store(context.Background(), event); err != nil {
			eb.logger.Error("failed to store event", "error", err, "event_id", event.ID)
		}
	}

	eb.mu.Lock()
	eb.recentEvents = append(eb.recentEvents, event)
	if len(eb.recentEvents) > eb.config.RecentEvents {
		eb.recentEvents = eb.recentEvents[len(eb.recentEvents)-eb.config.RecentEvents:]
	}
	eb.stats.TotalEvents++
	eb.stats.EventsByType[string(event.Type)]++

	var matching []*Subscription
	for _, sub := range eb.subscriptions {
		if MatchesFilter(event, sub.Filter) {
			matching = append(matching, sub)
		}
	}
	eb.mu.Unlock()

	for _, sub := range matching {
		eb.notifySubscriber(sub, event)
	}
}

func (eb *eventBus) notifySubscriber(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("panic in event handler", "subscription_id", sub.ID, "error", r, "event_id", event.ID)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.logger.Error("event handler error", "subscription_id", sub.ID, "error", err, "event_id", event.ID)
		return
	}

	eb.mu.Lock()
	sub.TriggerCount++
	now := time.Now()
	sub.LastTriggered = &now
	eb.mu.Unlock()
}

func (eb *eventBus) cleanupEvents(ctx context.Context) {
	defer eb.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-eb.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := eb.storage.Delete(ctx, eb.config.MaxEventAge); err != nil {
				eb.logger.Error("failed to clean up old events", "error", err)
			}
		}
	}
}
