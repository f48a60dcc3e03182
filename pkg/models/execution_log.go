package models

import "time"

// StepStatus defines the possible states of a single node invocation attempt.
type StepStatus string

const (
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
)

// Error kinds recorded on failed log entries. These tag the engine's error
// taxonomy onto the audit trail so operators can query failures by class.
const (
	ErrorKindExternalAction  = "external_action_error"
	ErrorKindUnsupportedNode = "unsupported_node_type"
	ErrorKindNodeFailure     = "node_failure"
	ErrorKindInterrupted     = "interrupted"
	ErrorKindCancelled       = "cancelled"
	ErrorKindTerminated      = "terminated"
)

// ExecutionLogEntry is one node invocation attempt. Entries are append-only:
// the only permitted mutation is closing a running entry to success or error.
type ExecutionLogEntry struct {
	ID                   string     `json:"id"`
	ExecutionID          string     `json:"execution_id"`
	NodeID               string     `json:"node_id"`
	NodeType             string     `json:"node_type"` // denormalized for queries after template changes
	Status               StepStatus `json:"status"`
	Attempt              int        `json:"attempt"`
	StartedAt            time.Time  `json:"started_at"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
	ErrorMessage         string     `json:"error_message,omitempty"`
	ErrorKind            string     `json:"error_kind,omitempty"`
	AuditSnapshot        string     `json:"audit_snapshot,omitempty"`
	EncryptedContextDiff []byte     `json:"encrypted_context_diff,omitempty"`
}

func (e *ExecutionLogEntry) IsOpen() bool {
	return e.Status == StepStatusRunning
}
