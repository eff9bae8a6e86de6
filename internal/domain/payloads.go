package domain

import "time"

// StageAction tells the lead follow-up executor which channel to use.
type StageAction string

const (
	ActionText       StageAction = "text"
	ActionCall       StageAction = "call"
	ActionDoubleCall StageAction = "double_call"
)

type BroadcastPhase string

const (
	PhaseInitial  BroadcastPhase = "initial"
	PhaseUrgent   BroadcastPhase = "urgent"
	PhaseEscalate BroadcastPhase = "escalate"
)

type LeadFollowUpPayload struct {
	LeadID string      `json:"lead_id"`
	Phone  string      `json:"phone"`
	Name   string      `json:"name"`
	Stage  int         `json:"stage"`
	Action StageAction `json:"action"`
}

type JobBroadcastPayload struct {
	JobID            string         `json:"job_id"`
	Phase            BroadcastPhase `json:"phase"`
	CandidateLeadIDs []string       `json:"candidate_lead_ids"`
}

type DayBeforeReminderPayload struct {
	JobID           string    `json:"job_id"`
	Phone           string    `json:"phone"`
	Name            string    `json:"name"`
	AppointmentDate time.Time `json:"appointment_date"`
}

type JobReminderPayload struct {
	JobID         string `json:"job_id"`
	CleanerID     string `json:"cleaner_id"`
	ScheduledDate string `json:"scheduled_date"`
}

type PostServiceFollowUpPayload struct {
	JobID string `json:"job_id"`
	Phone string `json:"phone"`
	Name  string `json:"name"`
}
