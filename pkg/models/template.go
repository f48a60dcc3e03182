// Package models defines the core domain models for clinic automation flows.
package models

import "time"

// EngineVersionV2 is the node-graph flow schema generation this engine executes.
// Templates published with any other engine version are rejected.
const EngineVersionV2 = "v2"

// TriggerType identifies the external event class a template reacts to.
type TriggerType string

const (
	TriggerLeadCreated        TriggerType = "lead.created"
	TriggerAppointmentCreated TriggerType = "appointment.created"
	TriggerMessageReceived    TriggerType = "message.received"
	TriggerScheduleDue        TriggerType = "schedule.due"
)

// Node type tags for engine version v2. The set is closed: the interpreter
// dispatches on these tags via a lookup table and fails fast on unknown tags.
const (
	NodeTypeSendMessage = "action:send_message"
	NodeTypeCreateHold  = "action:create_hold"
	NodeTypeSetData     = "action:set_data"
	NodeTypeWaitDelay   = "wait:delay"
	NodeTypeWaitEvent   = "wait:event"
	NodeTypeCondition   = "branch:condition"
	NodeTypeEndSuccess  = "end:success"
	NodeTypeEndFailure  = "end:failure"
)

// Edge names used by the v2 node types.
const (
	EdgeMain     = "main"     // single outgoing edge of action nodes
	EdgeDone     = "done"     // wait:delay resume edge
	EdgeReceived = "received" // wait:event edge taken when the awaited signal arrived
	EdgeTimeout  = "timeout"  // wait:event edge taken when the ceiling elapsed first
	EdgeTrue     = "true"
	EdgeFalse    = "false"
)

// FlowNode is a single step in a template graph.
type FlowNode struct {
	ID     string            `json:"id"     validate:"required"`
	Type   string            `json:"type"   validate:"required"`
	Name   string            `json:"name"`
	Params map[string]any    `json:"params"`
	Edges  map[string]string `json:"edges"` // edge name -> target node id
}

func (n *FlowNode) IsWaitNode() bool {
	return n.Type == NodeTypeWaitDelay || n.Type == NodeTypeWaitEvent
}

func (n *FlowNode) IsTerminalNode() bool {
	return n.Type == NodeTypeEndSuccess || n.Type == NodeTypeEndFailure
}

// ScopeLevel orders template scopes by specificity for trigger matching.
type ScopeLevel int

const (
	ScopeSystem ScopeLevel = iota
	ScopeGroup
	ScopeClinic
)

// Template is an immutable, versioned flow definition. Publishing assigns the
// next version for the template key; existing rows are never mutated except
// for the IsActive flag.
type Template struct {
	ID            string               `json:"id"`
	TemplateKey   string               `json:"template_key"   validate:"required,min=3"`
	Version       int                  `json:"version"`
	EngineVersion string               `json:"engine_version" validate:"required"`
	TriggerType   TriggerType          `json:"trigger_type"   validate:"required"`
	EntryNodeID   string               `json:"entry_node_id"  validate:"required"`
	Nodes         map[string]*FlowNode `json:"nodes"          validate:"required"`
	ClinicID      *string              `json:"clinic_id,omitempty"`
	GroupID       *string              `json:"group_id,omitempty"`
	IsActive      bool                 `json:"is_active"`
	CreatedAt     time.Time            `json:"created_at"`
	PublishedAt   *time.Time           `json:"published_at,omitempty"`
}

// Scope returns the specificity level of the template's scope.
// ClinicID wins over GroupID when both are set.
func (t *Template) Scope() ScopeLevel {
	switch {
	case t.ClinicID != nil && *t.ClinicID != "":
		return ScopeClinic
	case t.GroupID != nil && *t.GroupID != "":
		return ScopeGroup
	default:
		return ScopeSystem
	}
}

// MatchesSubject reports whether the template's scope covers the subject.
func (t *Template) MatchesSubject(subject Subject) bool {
	switch t.Scope() {
	case ScopeClinic:
		return *t.ClinicID == subject.ClinicID
	case ScopeGroup:
		return subject.GroupID != "" && *t.GroupID == subject.GroupID
	default:
		return true
	}
}
