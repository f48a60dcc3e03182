// Package capabilities defines the outbound ports the engine invokes from
// action nodes. Implementations live at the edge of the system; the engine
// only sees these interfaces.
package capabilities

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SendMessageRequest is the rendered input for a message send.
type SendMessageRequest struct {
	ClinicID       string         `json:"clinic_id"`
	SubjectID      string         `json:"subject_id"`
	Channel        string         `json:"channel"`
	Body           string         `json:"body"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SendMessageResult is what a messenger reports back for the execution context.
type SendMessageResult struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
	Deduped   bool      `json:"deduped,omitempty"`
}

// Messenger delivers outbound messages to leads and patients.
type Messenger interface {
	SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResult, error)
}

// CreateHoldRequest is the rendered input for an appointment hold.
type CreateHoldRequest struct {
	ClinicID       string         `json:"clinic_id"`
	SubjectID      string         `json:"subject_id"`
	SlotType       string         `json:"slot_type"`
	HoldDuration   time.Duration  `json:"hold_duration"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CreateHoldResult describes the reserved slot.
type CreateHoldResult struct {
	HoldID    string    `json:"hold_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Deduped   bool      `json:"deduped,omitempty"`
}

// Appointments reserves tentative appointment slots.
type Appointments interface {
	CreateHold(ctx context.Context, req CreateHoldRequest) (*CreateHoldResult, error)
}

// KeySource resolves encryption keys for audit payloads per clinic.
type KeySource interface {
	Key(ctx context.Context, clinicID string) ([]byte, error)
}

// Capabilities bundles the outbound ports handed to the node interpreter.
type Capabilities struct {
	Messenger    Messenger
	Appointments Appointments
}

// ExternalActionError wraps a capability failure so the engine can classify it
// as retryable.
type ExternalActionError struct {
	Capability string
	Err        error
}

func (e *ExternalActionError) Error() string {
	return fmt.Sprintf("external action %s failed: %v", e.Capability, e.Err)
}

func (e *ExternalActionError) Unwrap() error {
	return e.Err
}

// NewExternalActionError tags an error as originating from an external system.
func NewExternalActionError(capability string, err error) *ExternalActionError {
	return &ExternalActionError{Capability: capability, Err: err}
}

// IsExternalActionError reports whether err is a capability failure.
func IsExternalActionError(err error) bool {
	var target *ExternalActionError

	return errors.As(err, &target)
}
