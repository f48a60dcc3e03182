package audit

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/careflow/careflow/pkg/models"
	"github.com/careflow/careflow/pkg/persistence/memory"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestLogger(t *testing.T) (*Logger, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()
	encryptor := NewAESEncryptor(NewStaticKeySource(testKey))

	return NewLogger(slog.Default(), store, encryptor), store
}

func runningExecution(id string) *models.Execution {
	claimedAt := time.Now().UTC()

	return &models.Execution{
		ID:            id,
		TemplateKey:   "welcome-flow",
		Subject:       models.Subject{ClinicID: "c-1", SubjectType: "lead", SubjectID: "l-1"},
		CurrentNodeID: "send-1",
		Status:        models.ExecutionStatusRunning,
		Context:       map[string]any{"lead_name": "Ana", "stage": "new"},
		CreatedAt:     claimedAt,
		ClaimedAt:     &claimedAt,
	}
}

func TestDiff(t *testing.T) {
	before := map[string]any{"stage": "new", "gone": 1, "kept": true}
	after := map[string]any{"stage": "contacted", "fresh": "x", "kept": true}

	diff := Diff(before, after)

	assert.Equal(t, map[string]any{"fresh": "x"}, diff.Added)
	assert.Equal(t, map[string]any{"stage": "contacted"}, diff.Changed)
	assert.Equal(t, []string{"gone"}, diff.Removed)
	assert.False(t, diff.IsEmpty())

	assert.True(t, Diff(before, before).IsEmpty())
}

func TestAESEncryptor_RoundTrip(t *testing.T) {
	encryptor := NewAESEncryptor(NewStaticKeySource(testKey))

	sealed, err := encryptor.Encrypt(t.Context(), "c-1", []byte("sensitive"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("sensitive"), sealed)

	plaintext, err := encryptor.Decrypt(t.Context(), "c-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("sensitive"), plaintext)
}

func TestAESEncryptor_RejectsTruncatedCiphertext(t *testing.T) {
	encryptor := NewAESEncryptor(NewStaticKeySource(testKey))

	_, err := encryptor.Decrypt(t.Context(), "c-1", []byte("short"))
	assert.Error(t, err)
}

func TestBeginStep_RedactsSensitiveKeys(t *testing.T) {
	logger, store := newTestLogger(t)
	execution := runningExecution("e-1")

	node := &models.FlowNode{ID: "send-1", Type: models.NodeTypeSendMessage}

	entry, err := logger.BeginStep(t.Context(), execution, node, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusRunning, entry.Status)
	assert.Equal(t, 1, entry.Attempt)

	var snapshot map[string]any

	require.NoError(t, json.Unmarshal([]byte(entry.AuditSnapshot), &snapshot))
	assert.Equal(t, "[redacted]", snapshot["lead_name"])
	assert.Equal(t, "new", snapshot["stage"])

	entries, err := store.ExecutionLogs().ByExecution(t.Context(), "e-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEndStepSuccess_EncryptsDiff(t *testing.T) {
	logger, store := newTestLogger(t)
	execution := runningExecution("e-1")
	node := &models.FlowNode{ID: "send-1", Type: models.NodeTypeSendMessage}

	entry, err := logger.BeginStep(t.Context(), execution, node, 1)
	require.NoError(t, err)

	before := map[string]any{"stage": "new"}
	after := map[string]any{"stage": "contacted"}
	require.NoError(t, logger.EndStepSuccess(t.Context(), entry, "c-1", before, after))

	entries, err := store.ExecutionLogs().ByExecution(t.Context(), "e-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.StepStatusSuccess, entries[0].Status)
	require.NotEmpty(t, entries[0].EncryptedContextDiff)

	// The stored diff must not be readable without the clinic key.
	assert.NotContains(t, string(entries[0].EncryptedContextDiff), "contacted")

	encryptor := NewAESEncryptor(NewStaticKeySource(testKey))
	plaintext, err := encryptor.Decrypt(t.Context(), "c-1", entries[0].EncryptedContextDiff)
	require.NoError(t, err)

	var diff ContextDiff

	require.NoError(t, json.Unmarshal(plaintext, &diff))
	assert.Equal(t, "contacted", diff.Changed["stage"])
}

func TestEndStepSuccess_NoDiffNoPayload(t *testing.T) {
	logger, store := newTestLogger(t)
	execution := runningExecution("e-1")
	node := &models.FlowNode{ID: "branch-1", Type: models.NodeTypeCondition}

	entry, err := logger.BeginStep(t.Context(), execution, node, 1)
	require.NoError(t, err)

	same := map[string]any{"stage": "new"}
	require.NoError(t, logger.EndStepSuccess(t.Context(), entry, "c-1", same, same))

	entries, err := store.ExecutionLogs().ByExecution(t.Context(), "e-1")
	require.NoError(t, err)
	assert.Empty(t, entries[0].EncryptedContextDiff)
}

func TestEntryTimestampsFollowInjectedClock(t *testing.T) {
	store := memory.NewPersistence()
	clock := clockwork.NewFakeClock()
	logger := NewLogger(slog.Default(), store, NoopEncryptor{}, WithClock(clock))

	execution := runningExecution("e-1")
	node := &models.FlowNode{ID: "send-1", Type: models.NodeTypeSendMessage}

	entry, err := logger.BeginStep(t.Context(), execution, node, 1)
	require.NoError(t, err)
	assert.True(t, entry.StartedAt.Equal(clock.Now().UTC()))

	clock.Advance(time.Minute)
	require.NoError(t, logger.EndStepSuccess(t.Context(), entry, "c-1", nil, nil))

	entries, err := store.ExecutionLogs().ByExecution(t.Context(), "e-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].FinishedAt)
	assert.True(t, entries[0].FinishedAt.Equal(clock.Now().UTC()))
	assert.Equal(t, time.Minute, entries[0].FinishedAt.Sub(entries[0].StartedAt))
}

func TestReconcileInterrupted(t *testing.T) {
	logger, store := newTestLogger(t)
	now := time.Now().UTC()

	execution := runningExecution("e-1")
	stale := now.Add(-time.Hour)
	execution.ClaimedAt = &stale
	require.NoError(t, store.Executions().Create(t.Context(), execution))

	orphan := &models.ExecutionLogEntry{
		ID:          "log-1",
		ExecutionID: "e-1",
		NodeID:      "send-1",
		NodeType:    models.NodeTypeSendMessage,
		Status:      models.StepStatusRunning,
		Attempt:     1,
		StartedAt:   stale,
	}
	require.NoError(t, store.ExecutionLogs().Append(t.Context(), orphan))

	requeued, err := logger.ReconcileInterrupted(t.Context(), now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	entries, err := store.ExecutionLogs().ByExecution(t.Context(), "e-1")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusError, entries[0].Status)
	assert.Equal(t, models.ErrorKindInterrupted, entries[0].ErrorKind)

	updated, err := store.Executions().GetByID(t.Context(), "e-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, updated.Status)
	require.NotNil(t, updated.WaitUntil)
	assert.False(t, updated.WaitUntil.After(time.Now().UTC()))

	// The re-queued execution is immediately claimable by the sweep.
	claimed, err := store.Executions().ClaimDue(t.Context(), time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}
