package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careflow/careflow/pkg/audit"
	"github.com/careflow/careflow/pkg/capabilities"
	"github.com/careflow/careflow/pkg/interpreter"
	"github.com/careflow/careflow/pkg/models"
	"github.com/careflow/careflow/pkg/persistence/memory"
)

type recordingMessenger struct {
	mu        sync.Mutex
	sent      []capabilities.SendMessageRequest
	failTimes int
}

func (m *recordingMessenger) SendMessage(_ context.Context, req capabilities.SendMessageRequest) (*capabilities.SendMessageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failTimes > 0 {
		m.failTimes--

		return nil, capabilities.NewExternalActionError("messenger", errors.New("gateway timeout"))
	}

	m.sent = append(m.sent, req)

	return &capabilities.SendMessageResult{MessageID: "msg-1", SentAt: time.Now().UTC()}, nil
}

func (m *recordingMessenger) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sent)
}

type harness struct {
	scheduler *Scheduler
	store     *memory.Persistence
	messenger *recordingMessenger
	clock     *clockwork.FakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	store := memory.NewPersistence()
	messenger := &recordingMessenger{}
	clock := clockwork.NewFakeClock()

	interp := interpreter.NewInterpreter(slog.Default(), capabilities.Capabilities{
		Messenger:    messenger,
		Appointments: capabilities.NewLogAppointments(slog.Default()),
	})

	auditLogger := audit.NewLogger(slog.Default(), store, audit.NoopEncryptor{}, audit.WithClock(clock))

	config := DefaultConfig()
	config.RetryBackoff = 0

	allOpts := append([]Option{WithClock(clock)}, opts...)
	s := NewScheduler(slog.Default(), store, interp, auditLogger, nil, config, allOpts...)

	return &harness{scheduler: s, store: store, messenger: messenger, clock: clock}
}

func (h *harness) saveTemplate(t *testing.T, tmpl *models.Template) {
	t.Helper()
	require.NoError(t, h.store.Templates().Save(t.Context(), tmpl))
}

func leadSubject() models.Subject {
	return models.Subject{ClinicID: "c-1", SubjectType: "lead", SubjectID: "l-1"}
}

// welcomeTemplate models the standard onboarding flow: greet the lead, wait
// two days, send a follow-up, finish.
func welcomeTemplate() *models.Template {
	return &models.Template{
		ID:            "t-welcome",
		TemplateKey:   "welcome-flow",
		Version:       1,
		EngineVersion: models.EngineVersionV2,
		TriggerType:   models.TriggerLeadCreated,
		EntryNodeID:   "send-1",
		IsActive:      true,
		Nodes: map[string]*models.FlowNode{
			"send-1": {
				ID:     "send-1",
				Type:   models.NodeTypeSendMessage,
				Params: map[string]any{"channel": "whatsapp", "body": "Welcome {{.ctx.lead_name}}!"},
				Edges:  map[string]string{models.EdgeMain: "wait-1"},
			},
			"wait-1": {
				ID:     "wait-1",
				Type:   models.NodeTypeWaitDelay,
				Params: map[string]any{"duration": "48h"},
				Edges:  map[string]string{models.EdgeDone: "send-2"},
			},
			"send-2": {
				ID:     "send-2",
				Type:   models.NodeTypeSendMessage,
				Params: map[string]any{"channel": "whatsapp", "body": "Still interested?"},
				Edges:  map[string]string{models.EdgeMain: "end-1"},
			},
			"end-1": {ID: "end-1", Type: models.NodeTypeEndSuccess},
		},
	}
}

func replyTemplate() *models.Template {
	return &models.Template{
		ID:            "t-reply",
		TemplateKey:   "reply-flow",
		Version:       1,
		EngineVersion: models.EngineVersionV2,
		TriggerType:   models.TriggerLeadCreated,
		EntryNodeID:   "wait-1",
		IsActive:      true,
		Nodes: map[string]*models.FlowNode{
			"wait-1": {
				ID:     "wait-1",
				Type:   models.NodeTypeWaitEvent,
				Params: map[string]any{"event_type": "message.received", "timeout": "72h"},
				Edges:  map[string]string{models.EdgeReceived: "send-thanks", models.EdgeTimeout: "end-timeout"},
			},
			"send-thanks": {
				ID:     "send-thanks",
				Type:   models.NodeTypeSendMessage,
				Params: map[string]any{"channel": "whatsapp", "body": "Thanks for replying"},
				Edges:  map[string]string{models.EdgeMain: "end-ok"},
			},
			"end-ok":      {ID: "end-ok", Type: models.NodeTypeEndSuccess},
			"end-timeout": {ID: "end-timeout", Type: models.NodeTypeEndFailure, Params: map[string]any{"reason": "no reply within 72h"}},
		},
	}
}

func TestStart_RunsUntilSuspend(t *testing.T) {
	h := newHarness(t)
	tmpl := welcomeTemplate()
	h.saveTemplate(t, tmpl)

	execution, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), map[string]any{"lead_name": "Ana"})
	require.NoError(t, err)

	stored, err := h.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, stored.Status)
	assert.Equal(t, "wait-1", stored.CurrentNodeID)
	require.NotNil(t, stored.WaitUntil)
	assert.True(t, stored.WaitUntil.Equal(h.clock.Now().UTC().Add(48*time.Hour)))
	require.NotNil(t, stored.WaitingMeta)
	assert.Equal(t, models.WaitKindDelay, stored.WaitingMeta.Kind)

	require.Equal(t, 1, h.messenger.sentCount())
	assert.Equal(t, "Welcome Ana!", h.messenger.sent[0].Body)

	entries, err := h.store.ExecutionLogs().ByExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "send-1", entries[0].NodeID)
	assert.Equal(t, "wait-1", entries[1].NodeID)
}

func TestSweep_ResumesDueExecutionToCompletion(t *testing.T) {
	h := newHarness(t)
	tmpl := welcomeTemplate()
	h.saveTemplate(t, tmpl)

	execution, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), map[string]any{"lead_name": "Ana"})
	require.NoError(t, err)

	h.clock.Advance(48 * time.Hour)
	require.NoError(t, h.scheduler.Sweep(t.Context()))

	stored, err := h.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
	assert.Nil(t, stored.WaitUntil)

	assert.Equal(t, 2, h.messenger.sentCount())

	// Five invocations: greeting, suspend, resume, follow-up, terminal.
	entries, err := h.store.ExecutionLogs().ByExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	nodeOrder := make([]string, 0, len(entries))
	for _, entry := range entries {
		assert.Equal(t, models.StepStatusSuccess, entry.Status)
		nodeOrder = append(nodeOrder, entry.NodeID)
	}

	assert.Equal(t, []string{"send-1", "wait-1", "wait-1", "send-2", "end-1"}, nodeOrder)
}

func TestSweep_IgnoresExecutionsNotYetDue(t *testing.T) {
	h := newHarness(t)
	tmpl := welcomeTemplate()
	h.saveTemplate(t, tmpl)

	execution, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), nil)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.scheduler.Sweep(t.Context()))

	stored, err := h.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, stored.Status)
	assert.Equal(t, 1, h.messenger.sentCount())
}

func TestRetry_TransientFailureEventuallySucceeds(t *testing.T) {
	h := newHarness(t)
	h.messenger.failTimes = 2

	tmpl := welcomeTemplate()
	h.saveTemplate(t, tmpl)

	execution, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), nil)
	require.NoError(t, err)

	stored, err := h.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, stored.Status)

	entries, err := h.store.ExecutionLogs().ByExecution(t.Context(), execution.ID)
	require.NoError(t, err)

	// Two failed attempts, one success, then the wait node.
	require.Len(t, entries, 4)
	assert.Equal(t, models.StepStatusError, entries[0].Status)
	assert.Equal(t, models.ErrorKindExternalAction, entries[0].ErrorKind)
	assert.Equal(t, 1, entries[0].Attempt)
	assert.Equal(t, models.StepStatusError, entries[1].Status)
	assert.Equal(t, 2, entries[1].Attempt)
	assert.Equal(t, models.StepStatusSuccess, entries[2].Status)
	assert.Equal(t, 3, entries[2].Attempt)
}

func TestRetry_ExhaustionFailsExecution(t *testing.T) {
	h := newHarness(t)
	h.messenger.failTimes = 3

	tmpl := welcomeTemplate()
	h.saveTemplate(t, tmpl)

	execution, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), nil)
	require.NoError(t, err)

	stored, err := h.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusError, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "after 3 attempts")
	require.NotNil(t, stored.FinishedAt)

	entries, err := h.store.ExecutionLogs().ByExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for i, entry := range entries {
		assert.Equal(t, models.StepStatusError, entry.Status)
		assert.Equal(t, models.ErrorKindExternalAction, entry.ErrorKind)
		assert.Equal(t, i+1, entry.Attempt)
	}

	assert.Equal(t, 0, h.messenger.sentCount())
}

func TestUnsupportedNodeTypeFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)

	tmpl := welcomeTemplate()
	tmpl.Nodes["send-1"].Type = "action:launch_rocket"
	h.saveTemplate(t, tmpl)

	execution, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), nil)
	require.NoError(t, err)

	stored, err := h.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusError, stored.Status)

	entries, err := h.store.ExecutionLogs().ByExecution(t.Context(), execution.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ErrorKindUnsupportedNode, entries[0].ErrorKind)
}

func TestCancel_WaitingExecution(t *testing.T) {
	h := newHarness(t)
	tmpl := welcomeTemplate()
	h.saveTemplate(t, tmpl)

	execution, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), nil)
	require.NoError(t, err)

	require.NoError(t, h.scheduler.Cancel(t.Context(), execution.ID))

	stored, err := h.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
	assert.NotNil(t, stored.FinishedAt)

	// The cancelled execution never wakes up again.
	h.clock.Advance(72 * time.Hour)
	require.NoError(t, h.scheduler.Sweep(t.Context()))

	stored, err = h.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
	assert.Equal(t, 1, h.messenger.sentCount())
}

func TestCancel_TerminalExecutionRejected(t *testing.T) {
	h := newHarness(t)
	tmpl := welcomeTemplate()
	h.saveTemplate(t, tmpl)

	execution, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), nil)
	require.NoError(t, err)

	h.clock.Advance(48 * time.Hour)
	require.NoError(t, h.scheduler.Sweep(t.Context()))

	err = h.scheduler.Cancel(t.Context(), execution.ID)
	assert.Error(t, err)
}

func TestSignal_WakesMatchingExecution(t *testing.T) {
	h := newHarness(t)
	tmpl := replyTemplate()
	h.saveTemplate(t, tmpl)

	execution, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), nil)
	require.NoError(t, err)

	woken, err := h.scheduler.Signal(t.Context(), "message.received", leadSubject(), map[string]any{"text": "yes please"})
	require.NoError(t, err)
	assert.Equal(t, 1, woken)

	stored, err := h.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)
	assert.Contains(t, stored.Context, models.SignalKey("message.received"))

	require.Equal(t, 1, h.messenger.sentCount())
	assert.Equal(t, "Thanks for replying", h.messenger.sent[0].Body)
}

func TestSignal_DifferentSubjectNotWoken(t *testing.T) {
	h := newHarness(t)
	tmpl := replyTemplate()
	h.saveTemplate(t, tmpl)

	_, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), nil)
	require.NoError(t, err)

	other := models.Subject{ClinicID: "c-1", SubjectType: "lead", SubjectID: "l-other"}

	woken, err := h.scheduler.Signal(t.Context(), "message.received", other, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, woken)
}

func TestWaitEvent_TimeoutEdge(t *testing.T) {
	h := newHarness(t)
	tmpl := replyTemplate()
	h.saveTemplate(t, tmpl)

	execution, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), nil)
	require.NoError(t, err)

	h.clock.Advance(72 * time.Hour)
	require.NoError(t, h.scheduler.Sweep(t.Context()))

	stored, err := h.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusError, stored.Status)
	assert.Equal(t, "no reply within 72h", stored.ErrorMessage)
	assert.Equal(t, 0, h.messenger.sentCount())
}

func TestWaitEvent_SecondWaitOnSameEventTypeTimesOut(t *testing.T) {
	h := newHarness(t)

	// Two waits on the same event type in sequence. The payload recorded when
	// the first wait is signalled stays in the context, so only the waiting
	// meta may decide how the second wait resumes.
	tmpl := &models.Template{
		ID:            "t-confirm",
		TemplateKey:   "confirm-flow",
		Version:       1,
		EngineVersion: models.EngineVersionV2,
		TriggerType:   models.TriggerLeadCreated,
		EntryNodeID:   "wait-reply",
		IsActive:      true,
		Nodes: map[string]*models.FlowNode{
			"wait-reply": {
				ID:     "wait-reply",
				Type:   models.NodeTypeWaitEvent,
				Params: map[string]any{"event_type": "message.received", "timeout": "72h"},
				Edges:  map[string]string{models.EdgeReceived: "send-ack", models.EdgeTimeout: "end-silent"},
			},
			"send-ack": {
				ID:     "send-ack",
				Type:   models.NodeTypeSendMessage,
				Params: map[string]any{"channel": "whatsapp", "body": "Got it, please confirm"},
				Edges:  map[string]string{models.EdgeMain: "wait-confirm"},
			},
			"wait-confirm": {
				ID:     "wait-confirm",
				Type:   models.NodeTypeWaitEvent,
				Params: map[string]any{"event_type": "message.received", "timeout": "24h"},
				Edges:  map[string]string{models.EdgeReceived: "end-confirmed", models.EdgeTimeout: "end-silent"},
			},
			"end-confirmed": {ID: "end-confirmed", Type: models.NodeTypeEndSuccess},
			"end-silent":    {ID: "end-silent", Type: models.NodeTypeEndFailure, Params: map[string]any{"reason": "no confirmation received"}},
		},
	}
	h.saveTemplate(t, tmpl)

	execution, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), nil)
	require.NoError(t, err)

	woken, err := h.scheduler.Signal(t.Context(), "message.received", leadSubject(), map[string]any{"text": "hello"})
	require.NoError(t, err)
	require.Equal(t, 1, woken)

	stored, err := h.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusWaiting, stored.Status)
	require.Equal(t, "wait-confirm", stored.CurrentNodeID)

	// The subject never confirms; the second wait must time out even though
	// the first reply's payload is still recorded.
	h.clock.Advance(25 * time.Hour)
	require.NoError(t, h.scheduler.Sweep(t.Context()))

	stored, err = h.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusError, stored.Status)
	assert.Equal(t, "no confirmation received", stored.ErrorMessage)
	assert.Equal(t, 1, h.messenger.sentCount())
}

func TestSweep_ReconcilesInterruptedExecution(t *testing.T) {
	store := memory.NewPersistence()
	messenger := &recordingMessenger{}

	interp := interpreter.NewInterpreter(slog.Default(), capabilities.Capabilities{
		Messenger:    messenger,
		Appointments: capabilities.NewLogAppointments(slog.Default()),
	})
	auditLogger := audit.NewLogger(slog.Default(), store, audit.NoopEncryptor{})

	config := DefaultConfig()
	config.RetryBackoff = 0

	s := NewScheduler(slog.Default(), store, interp, auditLogger, nil, config)

	tmpl := welcomeTemplate()
	require.NoError(t, store.Templates().Save(t.Context(), tmpl))

	// Simulate a worker that crashed mid-node an hour ago.
	staleClaim := time.Now().UTC().Add(-time.Hour)
	execution := &models.Execution{
		ID:              "e-orphan",
		TemplateID:      tmpl.ID,
		TemplateKey:     tmpl.TemplateKey,
		TemplateVersion: tmpl.Version,
		Subject:         leadSubject(),
		CurrentNodeID:   "send-2",
		Status:          models.ExecutionStatusRunning,
		Context:         map[string]any{},
		CreatedAt:       staleClaim,
		ClaimedAt:       &staleClaim,
	}
	require.NoError(t, store.Executions().Create(t.Context(), execution))
	require.NoError(t, store.ExecutionLogs().Append(t.Context(), &models.ExecutionLogEntry{
		ID:          "log-orphan",
		ExecutionID: "e-orphan",
		NodeID:      "send-2",
		NodeType:    models.NodeTypeSendMessage,
		Status:      models.StepStatusRunning,
		Attempt:     1,
		StartedAt:   staleClaim,
	}))

	// First sweep re-queues the orphan, second sweep claims and finishes it.
	require.NoError(t, s.Sweep(t.Context()))
	require.NoError(t, s.Sweep(t.Context()))

	stored, err := store.Executions().GetByID(t.Context(), "e-orphan")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)

	entries, err := store.ExecutionLogs().ByExecution(t.Context(), "e-orphan")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusError, entries[0].Status)
	assert.Equal(t, models.ErrorKindInterrupted, entries[0].ErrorKind)

	// The action node ran again with the same idempotency key.
	require.Equal(t, 1, messenger.sentCount())
	assert.Equal(t, interpreter.IdempotencyKey("e-orphan", "send-2"), messenger.sent[0].IdempotencyKey)
}

func TestConditionBranching(t *testing.T) {
	h := newHarness(t)

	tmpl := &models.Template{
		ID:            "t-branch",
		TemplateKey:   "branch-flow",
		Version:       1,
		EngineVersion: models.EngineVersionV2,
		TriggerType:   models.TriggerLeadCreated,
		EntryNodeID:   "branch-1",
		IsActive:      true,
		Nodes: map[string]*models.FlowNode{
			"branch-1": {
				ID:     "branch-1",
				Type:   models.NodeTypeCondition,
				Params: map[string]any{"expression": `ctx.priority == "high"`},
				Edges:  map[string]string{models.EdgeTrue: "send-now", models.EdgeFalse: "end-skip"},
			},
			"send-now": {
				ID:     "send-now",
				Type:   models.NodeTypeSendMessage,
				Params: map[string]any{"channel": "sms", "body": "urgent"},
				Edges:  map[string]string{models.EdgeMain: "end-done"},
			},
			"end-done": {ID: "end-done", Type: models.NodeTypeEndSuccess},
			"end-skip": {ID: "end-skip", Type: models.NodeTypeEndSuccess},
		},
	}
	h.saveTemplate(t, tmpl)

	high, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), map[string]any{"priority": "high"})
	require.NoError(t, err)

	low, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), map[string]any{"priority": "low"})
	require.NoError(t, err)

	assert.Equal(t, 1, h.messenger.sentCount())

	storedHigh, err := h.store.Executions().GetByID(t.Context(), high.ID)
	require.NoError(t, err)
	assert.Equal(t, "end-done", storedHigh.CurrentNodeID)

	storedLow, err := h.store.Executions().GetByID(t.Context(), low.ID)
	require.NoError(t, err)
	assert.Equal(t, "end-skip", storedLow.CurrentNodeID)
}

func TestTightLoopGuard(t *testing.T) {
	h := newHarness(t)

	// Two set_data nodes pointing at each other would spin forever without the
	// per-claim evaluation cap.
	tmpl := &models.Template{
		ID:            "t-loop",
		TemplateKey:   "loop-flow",
		Version:       1,
		EngineVersion: models.EngineVersionV2,
		TriggerType:   models.TriggerLeadCreated,
		EntryNodeID:   "set-1",
		IsActive:      true,
		Nodes: map[string]*models.FlowNode{
			"set-1": {
				ID:     "set-1",
				Type:   models.NodeTypeSetData,
				Params: map[string]any{"values": map[string]any{"n": 1}},
				Edges:  map[string]string{models.EdgeMain: "set-2"},
			},
			"set-2": {
				ID:     "set-2",
				Type:   models.NodeTypeSetData,
				Params: map[string]any{"values": map[string]any{"n": 2}},
				Edges:  map[string]string{models.EdgeMain: "set-1"},
			},
		},
	}
	h.saveTemplate(t, tmpl)

	execution, err := h.scheduler.Start(t.Context(), tmpl, leadSubject(), nil)
	require.NoError(t, err)

	stored, err := h.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusError, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "node evaluations")
}

func TestInFlightExecutionPinnedToVersion(t *testing.T) {
	h := newHarness(t)
	v1 := welcomeTemplate()
	h.saveTemplate(t, v1)

	execution, err := h.scheduler.Start(t.Context(), v1, leadSubject(), map[string]any{"lead_name": "Ana"})
	require.NoError(t, err)

	// A new version ships while the execution waits. The old one stays active
	// too; the execution must keep following v1's graph.
	v2 := welcomeTemplate()
	v2.ID = "t-welcome-v2"
	v2.Version = 2
	v2.Nodes["send-2"].Params["body"] = "Brand new copy"
	h.saveTemplate(t, v2)

	h.clock.Advance(48 * time.Hour)
	require.NoError(t, h.scheduler.Sweep(t.Context()))

	stored, err := h.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)
	assert.Equal(t, 1, stored.TemplateVersion)

	require.Equal(t, 2, h.messenger.sentCount())
	assert.Equal(t, "Still interested?", h.messenger.sent[1].Body)
}
