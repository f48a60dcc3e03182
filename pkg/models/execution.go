package models

import "time"

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusError     ExecutionStatus = "error"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Subject identifies who an execution is driving through a flow.
type Subject struct {
	ClinicID    string `json:"clinic_id"    validate:"required"`
	GroupID     string `json:"group_id,omitempty"`
	SubjectType string `json:"subject_type" validate:"required,oneof=lead patient conversation"`
	SubjectID   string `json:"subject_id"   validate:"required"`
}

// WaitKind distinguishes the two suspension shapes of wait nodes.
type WaitKind string

const (
	WaitKindDelay WaitKind = "delay"
	WaitKindEvent WaitKind = "event"
)

// WaitingMeta records what a suspended execution is waiting for, so a resumed
// evaluation of the same node can tell a wake-up apart from a first visit.
type WaitingMeta struct {
	NodeID    string   `json:"node_id"`
	Kind      WaitKind `json:"kind"`
	EventType string   `json:"event_type,omitempty"`
	// Signalled is set when the awaited event wakes the execution, and only
	// lives as long as this wait: the scheduler drops the whole meta once the
	// node advances, so a later wait on the same event type starts clean.
	Signalled bool `json:"signalled,omitempty"`
}

// Execution is one instantiation of a template version against a subject.
// The scheduler is its sole writer; all evaluation happens under a claim.
type Execution struct {
	ID              string          `json:"id"`
	TemplateID      string          `json:"template_id"`
	TemplateKey     string          `json:"template_key"`
	TemplateVersion int             `json:"template_version"`
	Subject         Subject         `json:"subject"`
	CurrentNodeID   string          `json:"current_node_id"`
	Status          ExecutionStatus `json:"status"`
	Context         map[string]any  `json:"context,omitempty"`
	WaitUntil       *time.Time      `json:"wait_until,omitempty"` // non-nil iff status = waiting
	WaitingMeta     *WaitingMeta    `json:"waiting_meta,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

func (e *Execution) IsTerminal() bool {
	switch e.Status {
	case ExecutionStatusSuccess, ExecutionStatusError, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// SignalKey is the context key under which an awaited external event's payload
// is recorded when a waiting execution is woken by a matching signal.
func SignalKey(eventType string) string {
	return "signal:" + eventType
}
