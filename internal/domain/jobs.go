package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is how scheduled dates are stored and exchanged.
const DateLayout = "2006-01-02"

type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
)

type Job struct {
	ID               string          `json:"id"`
	CustomerName     string          `json:"customer_name"`
	CustomerPhone    string          `json:"customer_phone"`
	Address          string          `json:"address"`
	Zip              string          `json:"zip"`
	Price            decimal.Decimal `json:"price"`
	ScheduledDate    string          `json:"scheduled_date"`
	ScheduledTime    string          `json:"scheduled_time"`
	Status           JobStatus       `json:"status"`
	CleanerID        *string         `json:"cleaner_id,omitempty"`
	CustomerNotified bool            `json:"customer_notified"`
	CleanerConfirmed bool            `json:"cleaner_confirmed"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// StartsAt combines the scheduled date and time in loc. A missing time means 09:00.
func (j Job) StartsAt(loc *time.Location) (time.Time, error) {
	clock := j.ScheduledTime
	if clock == "" {
		clock = "09:00"
	}
	return time.ParseInLocation(DateLayout+" 15:04", j.ScheduledDate+" "+clock, loc)
}

type Cleaner struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	ChatID    string    `json:"chat_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentConfirmed AssignmentStatus = "confirmed"
	AssignmentDeclined  AssignmentStatus = "declined"
)

type Assignment struct {
	ID          string           `json:"id"`
	JobID       string           `json:"job_id"`
	CleanerID   string           `json:"cleaner_id"`
	Status      AssignmentStatus `json:"status"`
	AssignedAt  time.Time        `json:"assigned_at"`
	RespondedAt *time.Time       `json:"responded_at,omitempty"`
}

type AlertType string

const (
	AlertCascadeExhausted  AlertType = "cascade_exhausted"
	AlertBulkReschedule    AlertType = "bulk_reschedule"
	AlertBroadcastUnfilled AlertType = "broadcast_unfilled"
)

type Alert struct {
	ID           string    `json:"id"`
	Type         AlertType `json:"type"`
	JobID        *string   `json:"job_id,omitempty"`
	Threshold    int       `json:"threshold"`
	Actual       int       `json:"actual"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}
