package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/careflow/careflow/pkg/models"
	"github.com/careflow/careflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitingExecution(id string, waitUntil time.Time) *models.Execution {
	wu := waitUntil

	return &models.Execution{
		ID:              id,
		TemplateKey:     "welcome-flow",
		TemplateVersion: 1,
		Subject:         models.Subject{ClinicID: "c-1", SubjectType: "lead", SubjectID: "l-1"},
		CurrentNodeID:   "wait-1",
		Status:          models.ExecutionStatusWaiting,
		WaitUntil:       &wu,
		WaitingMeta:     &models.WaitingMeta{NodeID: "wait-1", Kind: models.WaitKindDelay},
		CreatedAt:       time.Now().UTC(),
	}
}

func TestTemplateRepository_Versioning(t *testing.T) {
	store := NewPersistence()
	repo := store.Templates()

	version, err := repo.NextVersion(t.Context(), "welcome-flow")
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	v1 := &models.Template{ID: "t-1", TemplateKey: "welcome-flow", Version: 1, IsActive: true, TriggerType: models.TriggerLeadCreated}
	require.NoError(t, repo.Save(t.Context(), v1))

	// Published rows are immutable.
	err = repo.Save(t.Context(), v1)
	require.ErrorIs(t, err, persistence.ErrTemplateImmutable)

	v2 := &models.Template{ID: "t-2", TemplateKey: "welcome-flow", Version: 2, IsActive: true, TriggerType: models.TriggerLeadCreated}
	require.NoError(t, repo.Save(t.Context(), v2))

	latest, err := repo.LatestActive(t.Context(), "welcome-flow")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	require.NoError(t, repo.SetActive(t.Context(), "t-2", false))

	latest, err = repo.LatestActive(t.Context(), "welcome-flow")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
}

func TestTemplateRepository_LatestActive_NoneActive(t *testing.T) {
	store := NewPersistence()
	repo := store.Templates()

	v1 := &models.Template{ID: "t-1", TemplateKey: "welcome-flow", Version: 1, IsActive: false}
	require.NoError(t, repo.Save(t.Context(), v1))

	_, err := repo.LatestActive(t.Context(), "welcome-flow")
	assert.True(t, persistence.IsTemplateNotFound(err))
}

func TestTemplateRepository_ActiveByTrigger_LatestVersionOnly(t *testing.T) {
	store := NewPersistence()
	repo := store.Templates()

	require.NoError(t, repo.Save(t.Context(), &models.Template{ID: "t-1", TemplateKey: "welcome-flow", Version: 1, IsActive: true, TriggerType: models.TriggerLeadCreated}))
	require.NoError(t, repo.Save(t.Context(), &models.Template{ID: "t-2", TemplateKey: "welcome-flow", Version: 2, IsActive: true, TriggerType: models.TriggerLeadCreated}))

	matches, err := repo.ActiveByTrigger(t.Context(), models.TriggerLeadCreated)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 2, matches[0].Version)
}

func TestExecutionRepository_ClaimDue(t *testing.T) {
	store := NewPersistence()
	repo := store.Executions()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(t.Context(), waitingExecution("e-due", now.Add(-time.Minute))))
	require.NoError(t, repo.Create(t.Context(), waitingExecution("e-future", now.Add(time.Hour))))

	claimed, err := repo.ClaimDue(t.Context(), now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "e-due", claimed[0].ID)
	assert.Equal(t, models.ExecutionStatusRunning, claimed[0].Status)
	assert.Nil(t, claimed[0].WaitUntil)

	// A second sweep tick must not claim the same execution again.
	claimed, err = repo.ClaimDue(t.Context(), now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestExecutionRepository_Claim_NotWaiting(t *testing.T) {
	store := NewPersistence()
	repo := store.Executions()

	execution := waitingExecution("e-1", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, repo.Create(t.Context(), execution))

	first, err := repo.Claim(t.Context(), "e-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := repo.Claim(t.Context(), "e-1")
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestExecutionRepository_Claim_Race(t *testing.T) {
	store := NewPersistence()
	repo := store.Executions()

	require.NoError(t, repo.Create(t.Context(), waitingExecution("e-1", time.Now().UTC().Add(-time.Minute))))

	var wg sync.WaitGroup

	winners := make(chan string, 2)

	for range 2 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			claimed, err := repo.Claim(t.Context(), "e-1")
			if err == nil && claimed != nil {
				winners <- claimed.ID
			}
		}()
	}

	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}

	assert.Equal(t, 1, count)
}

func TestExecutionRepository_WakeWithSignal(t *testing.T) {
	store := NewPersistence()
	repo := store.Executions()
	now := time.Now().UTC()

	execution := waitingExecution("e-1", now.Add(time.Hour))
	execution.WaitingMeta = &models.WaitingMeta{NodeID: "wait-1", Kind: models.WaitKindEvent, EventType: "message.received"}
	require.NoError(t, repo.Create(t.Context(), execution))

	matches, err := repo.WaitingForEvent(t.Context(), "message.received", execution.Subject)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	woken, err := repo.WakeWithSignal(t.Context(), "e-1", models.SignalKey("message.received"), map[string]any{"text": "yes"}, now)
	require.NoError(t, err)
	assert.True(t, woken)

	updated, err := repo.GetByID(t.Context(), "e-1")
	require.NoError(t, err)
	assert.Contains(t, updated.Context, models.SignalKey("message.received"))
	assert.False(t, updated.WaitUntil.After(now))
	require.NotNil(t, updated.WaitingMeta)
	assert.True(t, updated.WaitingMeta.Signalled)

	// Once claimed, a signal can no longer wake it.
	_, err = repo.Claim(t.Context(), "e-1")
	require.NoError(t, err)

	woken, err = repo.WakeWithSignal(t.Context(), "e-1", models.SignalKey("message.received"), nil, now)
	require.NoError(t, err)
	assert.False(t, woken)
}

func TestLogRepository_AppendAndClose(t *testing.T) {
	store := NewPersistence()
	repo := store.ExecutionLogs()

	entry := &models.ExecutionLogEntry{
		ID:          "log-1",
		ExecutionID: "e-1",
		NodeID:      "send-1",
		NodeType:    models.NodeTypeSendMessage,
		Status:      models.StepStatusRunning,
		Attempt:     1,
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, repo.Append(t.Context(), entry))

	finished := time.Now().UTC()
	entry.Status = models.StepStatusSuccess
	entry.FinishedAt = &finished
	require.NoError(t, repo.CloseEntry(t.Context(), entry))

	// Closing twice violates append-only discipline.
	err := repo.CloseEntry(t.Context(), entry)
	require.ErrorIs(t, err, persistence.ErrLogEntryClosed)

	entries, err := repo.ByExecution(t.Context(), "e-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.StepStatusSuccess, entries[0].Status)
}

func TestLogRepository_OpenOlderThan(t *testing.T) {
	store := NewPersistence()
	repo := store.ExecutionLogs()
	now := time.Now().UTC()

	old := &models.ExecutionLogEntry{ID: "log-old", ExecutionID: "e-1", Status: models.StepStatusRunning, StartedAt: now.Add(-time.Hour)}
	fresh := &models.ExecutionLogEntry{ID: "log-new", ExecutionID: "e-1", Status: models.StepStatusRunning, StartedAt: now}
	require.NoError(t, repo.Append(t.Context(), old))
	require.NoError(t, repo.Append(t.Context(), fresh))

	stale, err := repo.OpenOlderThan(t.Context(), now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "log-old", stale[0].ID)
}

func TestScheduleRepository_Due(t *testing.T) {
	store := NewPersistence()
	repo := store.Schedules()
	now := time.Now().UTC()

	due := &models.Schedule{ID: "sch-1", SourceKey: "recall", ClinicID: "c-1", CronExpression: "0 9 * * *", NextDueAt: now.Add(-time.Minute), Active: true}
	inactive := &models.Schedule{ID: "sch-2", SourceKey: "dormant", ClinicID: "c-1", CronExpression: "0 9 * * *", NextDueAt: now.Add(-time.Minute), Active: false}
	require.NoError(t, repo.Save(t.Context(), due))
	require.NoError(t, repo.Save(t.Context(), inactive))

	schedules, err := repo.Due(t.Context(), now)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "sch-1", schedules[0].ID)
}
