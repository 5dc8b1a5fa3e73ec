package models

import "time"

// Alert event lifecycle states.
const (
	StateRaised       = "raised"
	StateAcknowledged = "acknowledged"
	StateCleared      = "cleared"
)

// AlertEvent is a rule firing for one target. Rows are append-only except for
// the state transition fields.
type AlertEvent struct {
	ID             uint32     `gorm:"primaryKey" json:"id"`
	EventID        string     `gorm:"size:64;uniqueIndex;not null" json:"event_id"`
	Rule           string     `gorm:"size:255;not null;index" json:"rule"`
	Entity         string     `gorm:"size:20;not null" json:"entity"`
	TargetID       string     `gorm:"size:255;not null;index" json:"target_id"`
	Severity       string     `gorm:"size:20;not null;index" json:"severity"`
	Message        string     `gorm:"type:text" json:"message"`
	Value          float64    `json:"value"`
	State          string     `gorm:"size:20;not null;index" json:"state"`
	FiredAt        time.Time  `gorm:"index" json:"fired_at"`
	ClearedAt      *time.Time `json:"cleared_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (AlertEvent) TableName() string {
	return "alert_events"
}

// HistoricalSample is one numeric gauge reading for one target at one poll.
type HistoricalSample struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Metric     string    `gorm:"size:64;not null;index:idx_samples_metric_target" json:"metric"`
	TargetID   string    `gorm:"size:255;not null;index:idx_samples_metric_target" json:"target_id"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `gorm:"index" json:"recorded_at"`
}

func (HistoricalSample) TableName() string {
	return "historical_samples"
}

// PollCycle is the ledger of collector cycles, including skipped ones. A
// skipped cycle keeps the previous snapshot's sequence number and records
// the fetch error instead.
type PollCycle struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Seq         uint64    `gorm:"index" json:"seq"`
	CapturedAt  time.Time `gorm:"index" json:"captured_at"`
	DeviceCount int       `json:"device_count"`
	TunnelCount int       `json:"tunnel_count"`
	AlarmCount  int       `json:"alarm_count"`
	Skipped     bool      `gorm:"index" json:"skipped"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (PollCycle) TableName() string {
	return "poll_cycles"
}
