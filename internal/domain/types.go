package domain

import (
	"encoding/json"
	"time"
)

// TaskType is the closed set of deferred work kinds the worker knows how to run.
type TaskType string

const (
	TaskLeadFollowUp        TaskType = "lead_follow_up"
	TaskJobBroadcast        TaskType = "job_broadcast"
	TaskDayBeforeReminder   TaskType = "day_before_reminder"
	TaskJobReminder         TaskType = "job_reminder"
	TaskPostServiceFollowUp TaskType = "post_service_follow_up"
)

// TaskTypes lists every kind in dispatch order.
func TaskTypes() []TaskType {
	return []TaskType{
		TaskLeadFollowUp,
		TaskJobBroadcast,
		TaskDayBeforeReminder,
		TaskJobReminder,
		TaskPostServiceFollowUp,
	}
}

func (t TaskType) Valid() bool {
	for _, k := range TaskTypes() {
		if k == t {
			return true
		}
	}
	return false
}

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Task struct {
	ID                string          `json:"id"`
	TenantID          *string         `json:"tenant_id,omitempty"`
	Type              TaskType        `json:"type"`
	DedupKey          *string         `json:"dedup_key,omitempty"`
	DueAt             time.Time       `json:"due_at"`
	Payload           json.RawMessage `json:"payload"`
	Status            TaskStatus      `json:"status"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"max_attempts"`
	VisibilityTimeout int             `json:"visibility_timeout"` // seconds
	LastError         string          `json:"last_error"`
	ClaimedAt         *time.Time      `json:"claimed_at,omitempty"`
	ExecutedAt        *time.Time      `json:"executed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewTask is the input to Scheduler.Schedule.
type NewTask struct {
	TenantID          *string
	Type              TaskType
	DedupKey          string
	DueAt             time.Time
	Payload           any
	MaxAttempts       int
	VisibilityTimeout int
}
