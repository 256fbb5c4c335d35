package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Storage persists events
type Storage interface {
	Store(ctx context.Context, event Event) error
	Get(ctx context.Context, filter EventFilter, limit, offset int) ([]Event, int64, error)
	Delete(ctx context.Context, olderThan time.Duration) error
	Count(ctx context.Context) (int64, error)
}

// SystemEvent represents a persisted event
type SystemEvent struct {
	ID        uint32    `gorm:"primaryKey" json:"id"`
	EventID   string    `gorm:"uniqueIndex;not null" json:"event_id"`
	Type      string    `gorm:"not null;index" json:"type"`
	Source    string    `gorm:"not null;index" json:"source"`
	Target    string    `gorm:"index" json:"target"`
	Message   string    `json:"message"`
	Data      string    `gorm:"type:text" json:"data"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName returns the table name for SystemEvent
func (SystemEvent) TableName() string {
	return "system_events"
}

// ToEvent converts a SystemEvent to an Event
func (se *SystemEvent) ToEvent() (Event, error) {
	event := Event{
		ID:        se.EventID,
		Type:      EventType(se.Type),
		Source:    se.Source,
		Target:    se.Target,
		Message:   se.Message,
		Timestamp: se.CreatedAt,
	}

	if se.Data != "" {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(se.Data), &data); err != nil {
			return event, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		event.Data = data
	}
	return event, nil
}

// FromEvent fills a SystemEvent from an Event
func (se *SystemEvent) FromEvent(event Event) error {
	se.EventID = event.ID
	se.Type = string(event.Type)
	se.Source = event.Source
	se.Target = event.Target
	se.Message = event.Message
	se.CreatedAt = event.Timestamp

	if event.Data != nil {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		se.Data = string(data)
	}
	return nil
}

type databaseStorage struct {
	db *gorm.DB
}

// NewDatabaseStorage returns gorm backed event storage
func NewDatabaseStorage(db *gorm.DB) Storage {
	return &databaseStorage{db: db}
}

func (s *databaseStorage) Store(ctx context.Context, event Event) error {
	var se SystemEvent
	if err := se.FromEvent(event); err != nil {
		return fmt.Errorf("failed to convert event: %w", err)
	}
	if err := s.db.WithContext(ctx).Create(&se).Error; err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

func (s *databaseStorage) Get(ctx context.Context, filter EventFilter, limit, offset int) ([]Event, int64, error) {
	query := s.db.WithContext(ctx).Model(&SystemEvent{})

	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		query = query.Where("type IN ?", types)
	}
	if len(filter.Targets) > 0 {
		query = query.Where("target IN ?", filter.Targets)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	if limit <= 0 {
		limit = 100
	}
	var rows []SystemEvent
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to retrieve events: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		event, err := row.ToEvent()
		if err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, total, nil
}

func (s *databaseStorage) Delete(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	if err := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&SystemEvent{}).Error; err != nil {
		return fmt.Errorf("failed to delete old events: %w", err)
	}
	return nil
}

func (s *databaseStorage) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&SystemEvent{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
