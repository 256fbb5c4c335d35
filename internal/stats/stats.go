// Package stats aggregates per-module invocation statistics in the
// database and exports them as prometheus metrics.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outcome of a single module invocation
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Invocation describes one module call made by the pipeline
type Invocation struct {
	Module   string
	Function string
	Outcome  Outcome
	Duration time.Duration
	Error    string
}

// ModuleStat is the aggregated invocation record of one module
type ModuleStat struct {
	Module          string     `gorm:"primaryKey;type:varchar(255)" json:"module"`
	Invocations     int64      `gorm:"not null" json:"invocations"`
	Failures        int64      `gorm:"not null" json:"failures"`
	Timeouts        int64      `gorm:"not null" json:"timeouts"`
	TotalDurationMs int64      `gorm:"not null" json:"total_duration_ms"`
	LastError       string     `gorm:"type:text" json:"last_error,omitempty"`
	LastInvokedAt   *time.Time `json:"last_invoked_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName returns the table name for ModuleStat
func (ModuleStat) TableName() string {
	return "module_stats"
}

// AverageDuration returns the mean invocation time.
func (s ModuleStat) AverageDuration() time.Duration {
	if s.Invocations == 0 {
		return 0
	}
	return time.Duration(s.TotalDurationMs/s.Invocations) * time.Millisecond
}

// Recorder receives invocation reports
type Recorder interface {
	Record(ctx context.Context, inv Invocation)
}

// Metrics holds the prometheus collectors
type Metrics struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics registers the module collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imgvault_module_invocations_total",
			Help: "Module invocations by module, function and outcome.",
		}, []string{"module", "function", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imgvault_module_invocation_seconds",
			Help:    "Module invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"module", "function"}),
	}
}

func (m *Metrics) observe(inv Invocation) {
	m.invocations.WithLabelValues(inv.Module, inv.Function, string(inv.Outcome)).Inc()
	m.duration.WithLabelValues(inv.Module, inv.Function).Observe(inv.Duration.Seconds())
}

// Service persists and exports invocation stats. Either db or metrics may be nil.
type Service struct {
	db      *gorm.DB
	metrics *Metrics
	logger  hclog.Logger
}

// NewService creates a stats service
func NewService(db *gorm.DB, metrics *Metrics, logger hclog.Logger) *Service {
	return &Service{db: db, metrics: metrics, logger: logger.Named("stats")}
}

// Record implements Recorder. Persistence failures are logged, never returned.
func (s *Service) Record(ctx context.Context, inv Invocation) {
	if s.metrics != nil {
		s.metrics.observe(inv)
	}
	if s.db == nil {
		return
	}
	if err := s.upsert(ctx, inv); err != nil {
		s.logger.Warn("failed to record invocation", "module", inv.Module, "error", err)
	}
}

func (s *Service) upsert(ctx context.Context, inv Invocation) error {
	now := time.Now()
	row := ModuleStat{
		Module:          inv.Module,
		Invocations:     1,
		TotalDurationMs: inv.Duration.Milliseconds(),
		LastInvokedAt:   &now,
		LastError:       inv.Error,
	}
	switch inv.Outcome {
	case OutcomeFailure:
		row.Failures = 1
	case OutcomeTimeout:
		row.Timeouts = 1
	}

	updates := map[string]interface{}{
		"invocations":       gorm.Expr("module_stats.invocations + ?", 1),
		"failures":          gorm.Expr("module_stats.failures + ?", row.Failures),
		"timeouts":          gorm.Expr("module_stats.timeouts + ?", row.Timeouts),
		"total_duration_ms": gorm.Expr("module_stats.total_duration_ms + ?", row.TotalDurationMs),
		"last_invoked_at":   now,
		"updated_at":        now,
	}
	if inv.Error != "" {
		updates["last_error"] = inv.Error
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "module"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(&row).Error
}

// List returns every module stat ordered by module name
func (s *Service) List(ctx context.Context) ([]ModuleStat, error) {
	if s.db == nil {
		return []ModuleStat{}, nil
	}
	var rows []ModuleStat
	if err := s.db.WithContext(ctx).Order("module").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list module stats: %w", err)
	}
	return rows, nil
}

// Get returns the stat of one module, nil when it was never invoked
func (s *Service) Get(ctx context.Context, module string) (*ModuleStat, error) {
	if s.db == nil {
		return nil, nil
	}
	var rows []ModuleStat
	if err := s.db.WithContext(ctx).Where("module = ?", module).Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get module stats: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Forget drops the stats of a deleted module
func (s *Service) Forget(ctx context.Context, module string) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("module = ?", module).Delete(&ModuleStat{}).Error; err != nil {
		return fmt.Errorf("failed to delete module stats: %w", err)
	}
	return nil
}
