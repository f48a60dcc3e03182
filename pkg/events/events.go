// Package events defines the lifecycle notifications the engine publishes.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/careflow/careflow/pkg/models"
)

type EventType string

// Kafka topics.
const Topic = "careflow.events"          // Execution lifecycle events
const TriggerTopic = "careflow.triggers" // Inbound trigger events from integrations

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	TriggerReceivedEvent EventType = "trigger.received"

	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionWaitingEvent   EventType = "execution.waiting"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"

	StepCompletedEvent EventType = "step.completed"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// TriggerReceived is an inbound clinic event normalized by an integration.
type TriggerReceived struct {
	BaseEvent

	TriggerType models.TriggerType `json:"trigger_type"`
	Subject     models.Subject     `json:"subject"`
	Payload     map[string]any     `json:"payload,omitempty"`
}

func (e TriggerReceived) GetType() EventType {
	return TriggerReceivedEvent
}

func NewTriggerReceived(triggerType models.TriggerType, subject models.Subject, payload map[string]any) TriggerReceived {
	return TriggerReceived{
		BaseEvent:   NewBaseEvent(TriggerReceivedEvent),
		TriggerType: triggerType,
		Subject:     subject,
		Payload:     payload,
	}
}

type ExecutionStarted struct {
	BaseEvent

	ExecutionID     string         `json:"execution_id"`
	TemplateKey     string         `json:"template_key"`
	TemplateVersion int            `json:"template_version"`
	Subject         models.Subject `json:"subject"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionWaiting struct {
	BaseEvent

	ExecutionID  string    `json:"execution_id"`
	NodeID       string    `json:"node_id"`
	WaitUntil    time.Time `json:"wait_until"`
	WaitKind     string    `json:"wait_kind"`
	EventAwaited string    `json:"event_awaited,omitempty"`
}

func (e ExecutionWaiting) GetType() EventType {
	return ExecutionWaitingEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID string        `json:"execution_id"`
	TemplateKey string        `json:"template_key"`
	Duration    time.Duration `json:"duration"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	Error       string `json:"error"`
	ErrorKind   string `json:"error_kind,omitempty"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

type StepCompleted struct {
	BaseEvent

	ExecutionID string        `json:"execution_id"`
	NodeID      string        `json:"node_id"`
	NodeType    string        `json:"node_type"`
	Attempt     int           `json:"attempt"`
	Duration    time.Duration `json:"duration"`
}

func (e StepCompleted) GetType() EventType {
	return StepCompletedEvent
}
