// Package history owns the append-only time series of samples, alert events
// and poll cycles, plus the read API used for reporting.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fabricmon/internal/models"

	"gorm.io/gorm"
)

// WriteError marks a failed history append. The cycle's in-memory state stays
// usable; only the durable record is missing.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("history: %s failed: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Store wraps the database with the pipeline's single-writer discipline: the
// collector appends samples and cycles, the analyzer appends events and is
// the only component mutating event state.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AppendSamples inserts one cycle's gauge readings in a single batch.
func (s *Store) AppendSamples(ctx context.Context, samples []models.HistoricalSample) error {
	if len(samples) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(samples, 200).Error; err != nil {
		return &WriteError{Op: "append samples", Err: err}
	}
	return nil
}

// RecordCycle appends one row to the poll cycle ledger.
func (s *Store) RecordCycle(ctx context.Context, cycle *models.PollCycle) error {
	if err := s.db.WithContext(ctx).Create(cycle).Error; err != nil {
		return &WriteError{Op: "record cycle", Err: err}
	}
	return nil
}

// AppendEvent persists a newly raised alert event.
func (s *Store) AppendEvent(ctx context.Context, event *models.AlertEvent) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return &WriteError{Op: "append event", Err: err}
	}
	return nil
}

// OpenEvent returns the open (raised or acknowledged) event for a
// (rule, target) pair, or nil when none exists.
func (s *Store) OpenEvent(ctx context.Context, rule, targetID string) (*models.AlertEvent, error) {
	var event models.AlertEvent
	err := s.db.WithContext(ctx).
		Where("rule = ? AND target_id = ? AND state IN ?",
			rule, targetID, []string{models.StateRaised, models.StateAcknowledged}).
		Order("fired_at DESC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ClearEvent transitions the open event for (rule, target) to cleared.
// Clearing when no open event exists is a no-op, not an error.
func (s *Store) ClearEvent(ctx context.Context, rule, targetID string, at time.Time) (*models.AlertEvent, error) {
	event, err := s.OpenEvent(ctx, rule, targetID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, nil
	}
	event.State = models.StateCleared
	event.ClearedAt = &at
	if err := s.db.WithContext(ctx).Model(event).
		Updates(map[string]interface{}{"state": models.StateCleared, "cleared_at": at}).Error; err != nil {
		return nil, &WriteError{Op: "clear event", Err: err}
	}
	return event, nil
}

// AcknowledgeEvent marks a raised event acknowledged by its generated id.
func (s *Store) AcknowledgeEvent(ctx context.Context, eventID string, at time.Time) (*models.AlertEvent, error) {
	var event models.AlertEvent
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("event %s not found", eventID)
	}
	if err != nil {
		return nil, err
	}
	if event.State != models.StateRaised {
		return nil, fmt.Errorf("event %s is %s, only raised events can be acknowledged", eventID, event.State)
	}
	event.State = models.StateAcknowledged
	event.AcknowledgedAt = &at
	if err := s.db.WithContext(ctx).Model(&event).
		Updates(map[string]interface{}{"state": models.StateAcknowledged, "acknowledged_at": at}).Error; err != nil {
		return nil, &WriteError{Op: "acknowledge event", Err: err}
	}
	return &event, nil
}

// EventFilter narrows ListEvents. Zero values mean "any".
type EventFilter struct {
	Severity string
	State    string
	Since    time.Time
	Limit    int
	Offset   int
}

// ListEvents returns events newest first plus the total match count for paging.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]models.AlertEvent, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.AlertEvent{})
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if !f.Since.IsZero() {
		q = q.Where("fired_at >= ?", f.Since)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var events []models.AlertEvent
	if err := q.Order("fired_at DESC").Limit(limit).Offset(f.Offset).Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Series returns raw samples for one metric and target inside a window,
// oldest first.
func (s *Store) Series(ctx context.Context, metric, targetID string, from, to time.Time) ([]models.HistoricalSample, error) {
	var samples []models.HistoricalSample
	err := s.db.WithContext(ctx).
		Where("metric = ? AND target_id = ? AND recorded_at >= ? AND recorded_at < ?",
			metric, targetID, from, to).
		Order("recorded_at ASC").
		Find(&samples).Error
	return samples, err
}

// SLAResult is the outcome of an SLA aggregation. NoData distinguishes an
// empty window from genuine 0% or 100% compliance.
type SLAResult struct {
	Metric      string    `json:"metric"`
	TargetID    string    `json:"target_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Samples     int64     `json:"samples"`
	Compliance  float64   `json:"compliance_percent"`
	NoData      bool      `json:"no_data"`
}

// SLA computes the percentage of samples inside the window for which the
// boolean gauge (0/1, e.g. tunnel "up" or device "reachable") held.
func (s *Store) SLA(ctx context.Context, metric, targetID string, from, to time.Time) (*SLAResult, error) {
	result := &SLAResult{
		Metric:      metric,
		TargetID:    targetID,
		WindowStart: from,
		WindowEnd:   to,
	}

	row := s.db.WithContext(ctx).Model(&models.HistoricalSample{}).
		Select("COUNT(*), COALESCE(AVG(value), 0)").
		Where("metric = ? AND target_id = ? AND recorded_at >= ? AND recorded_at < ?",
			metric, targetID, from, to).
		Row()

	var count int64
	var avg float64
	if err := row.Scan(&count, &avg); err != nil {
		return nil, err
	}

	result.Samples = count
	if count == 0 {
		result.NoData = true
		return result, nil
	}
	result.Compliance = avg * 100
	return result, nil
}

// CycleCount returns the number of successful (non-skipped) poll cycles.
func (s *Store) CycleCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.PollCycle{}).
		Where("skipped = ?", false).Count(&count).Error
	return count, err
}

// ListCycles returns the most recent cycle ledger rows, newest first.
func (s *Store) ListCycles(ctx context.Context, limit int) ([]models.PollCycle, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var cycles []models.PollCycle
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&cycles).Error
	return cycles, err
}

// Prune removes samples, cycles and closed events strictly older than the
// cutoff. Open events are never pruned regardless of age.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (samples, events int64, err error) {
	res := s.db.WithContext(ctx).
		Where("recorded_at < ?", cutoff).
		Delete(&models.HistoricalSample{})
	if res.Error != nil {
		return 0, 0, res.Error
	}
	samples = res.RowsAffected

	res = s.db.WithContext(ctx).
		Where("state = ? AND cleared_at < ?", models.StateCleared, cutoff).
		Delete(&models.AlertEvent{})
	if res.Error != nil {
		return samples, 0, res.Error
	}
	events = res.RowsAffected

	if err := s.db.WithContext(ctx).
		Where("captured_at < ?", cutoff).
		Delete(&models.PollCycle{}).Error; err != nil {
		return samples, events, err
	}

	return samples, events, nil
}
