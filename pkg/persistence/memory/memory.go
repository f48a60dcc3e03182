// Package memory provides an in-process persistence implementation used by
// tests and local development. Claim semantics match the SQL implementation:
// the waiting -> running transition is atomic under the store mutex.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/careflow/careflow/pkg/models"
	"github.com/careflow/careflow/pkg/persistence"
)

type Persistence struct {
	mu         sync.RWMutex
	templates  map[string]*models.Template
	executions map[string]*models.Execution
	logEntries map[string]*models.ExecutionLogEntry
	logOrder   []string
	schedules  map[string]*models.Schedule
}

func NewPersistence() *Persistence {
	return &Persistence{
		templates:  make(map[string]*models.Template),
		executions: make(map[string]*models.Execution),
		logEntries: make(map[string]*models.ExecutionLogEntry),
		schedules:  make(map[string]*models.Schedule),
	}
}

func (p *Persistence) Templates() persistence.TemplateRepository         { return &templateRepository{p} }
func (p *Persistence) Executions() persistence.ExecutionRepository       { return &executionRepository{p} }
func (p *Persistence) ExecutionLogs() persistence.ExecutionLogRepository { return &logRepository{p} }
func (p *Persistence) Schedules() persistence.ScheduleRepository         { return &scheduleRepository{p} }

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }
func (p *Persistence) Close(_ context.Context) error       { return nil }

// clone round-trips through JSON so callers never share maps with the store.
func clone[T any](in *T) *T {
	if in == nil {
		return nil
	}

	raw, err := json.Marshal(in)
	if err != nil {
		panic("memory persistence: unserializable value: " + err.Error())
	}

	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic("memory persistence: unserializable value: " + err.Error())
	}

	return out
}

type templateRepository struct{ store *Persistence }

func (r *templateRepository) Save(_ context.Context, template *models.Template) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, exists := r.store.templates[template.ID]; exists {
		return persistence.NewTemplateError("Save", template.TemplateKey, template.Version, persistence.ErrTemplateImmutable)
	}

	r.store.templates[template.ID] = clone(template)

	return nil
}

func (r *templateRepository) GetByID(_ context.Context, id string) (*models.Template, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	template, ok := r.store.templates[id]
	if !ok {
		return nil, persistence.ErrTemplateNotFound
	}

	return clone(template), nil
}

func (r *templateRepository) GetByKeyVersion(_ context.Context, key string, version int) (*models.Template, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, template := range r.store.templates {
		if template.TemplateKey == key && template.Version == version {
			return clone(template), nil
		}
	}

	return nil, persistence.NewTemplateError("GetByKeyVersion", key, version, persistence.ErrTemplateNotFound)
}

func (r *templateRepository) LatestActive(_ context.Context, key string) (*models.Template, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var best *models.Template

	for _, template := range r.store.templates {
		if template.TemplateKey != key || !template.IsActive {
			continue
		}

		if best == nil || template.Version > best.Version {
			best = template
		}
	}

	if best == nil {
		return nil, persistence.NewTemplateError("LatestActive", key, 0, persistence.ErrTemplateNotFound)
	}

	return clone(best), nil
}

func (r *templateRepository) ActiveByTrigger(_ context.Context, trigger models.TriggerType) ([]*models.Template, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	// Only the highest active version per key participates in matching.
	latest := make(map[string]*models.Template)

	for _, template := range r.store.templates {
		if template.TriggerType != trigger || !template.IsActive {
			continue
		}

		if current, ok := latest[template.TemplateKey]; !ok || template.Version > current.Version {
			latest[template.TemplateKey] = template
		}
	}

	matches := make([]*models.Template, 0, len(latest))
	for _, template := range latest {
		matches = append(matches, clone(template))
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].TemplateKey < matches[j].TemplateKey })

	return matches, nil
}

func (r *templateRepository) NextVersion(_ context.Context, key string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	maxVersion := 0

	for _, template := range r.store.templates {
		if template.TemplateKey == key && template.Version > maxVersion {
			maxVersion = template.Version
		}
	}

	return maxVersion + 1, nil
}

func (r *templateRepository) SetActive(_ context.Context, id string, active bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	template, ok := r.store.templates[id]
	if !ok {
		return persistence.ErrTemplateNotFound
	}

	template.IsActive = active

	return nil
}

type executionRepository struct{ store *Persistence }

func (r *executionRepository) Create(_ context.Context, execution *models.Execution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.executions[execution.ID] = clone(execution)

	return nil
}

func (r *executionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	execution, ok := r.store.executions[id]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	return clone(execution), nil
}

func (r *executionRepository) Update(_ context.Context, execution *models.Execution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.executions[execution.ID]; !ok {
		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
	}

	execution.UpdatedAt = time.Now().UTC()
	r.store.executions[execution.ID] = clone(execution)

	return nil
}

func (r *executionRepository) ClaimDue(_ context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	due := make([]*models.Execution, 0)

	for _, execution := range r.store.executions {
		if execution.Status != models.ExecutionStatusWaiting {
			continue
		}

		if execution.WaitUntil == nil || execution.WaitUntil.After(now) {
			continue
		}

		due = append(due, execution)
	}

	sort.Slice(due, func(i, j int) bool { return due[i].WaitUntil.Before(*due[j].WaitUntil) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*models.Execution, 0, len(due))

	for _, execution := range due {
		claimedAt := now
		execution.Status = models.ExecutionStatusRunning
		execution.WaitUntil = nil
		execution.ClaimedAt = &claimedAt
		execution.UpdatedAt = now

		claimed = append(claimed, clone(execution))
	}

	return claimed, nil
}

func (r *executionRepository) Claim(_ context.Context, id string) (*models.Execution, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	execution, ok := r.store.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("Claim", id, persistence.ErrExecutionNotFound)
	}

	if execution.Status != models.ExecutionStatusWaiting {
		return nil, nil
	}

	now := time.Now().UTC()
	execution.Status = models.ExecutionStatusRunning
	execution.WaitUntil = nil
	execution.ClaimedAt = &now
	execution.UpdatedAt = now

	return clone(execution), nil
}

func (r *executionRepository) RequestCancel(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	execution, ok := r.store.executions[id]
	if !ok {
		return persistence.NewExecutionError("RequestCancel", id, persistence.ErrExecutionNotFound)
	}

	if execution.IsTerminal() {
		return persistence.NewExecutionError("RequestCancel", id, persistence.ErrExecutionTerminal)
	}

	execution.CancelRequested = true
	execution.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *executionRepository) WaitingForEvent(_ context.Context, eventType string, subject models.Subject) ([]*models.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	matches := make([]*models.Execution, 0)

	for _, execution := range r.store.executions {
		if execution.Status != models.ExecutionStatusWaiting || execution.WaitingMeta == nil {
			continue
		}

		if execution.WaitingMeta.Kind != models.WaitKindEvent || execution.WaitingMeta.EventType != eventType {
			continue
		}

		if execution.Subject.ClinicID != subject.ClinicID || execution.Subject.SubjectID != subject.SubjectID {
			continue
		}

		matches = append(matches, clone(execution))
	}

	return matches, nil
}

func (r *executionRepository) WakeWithSignal(_ context.Context, id, contextKey string, payload any, at time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	execution, ok := r.store.executions[id]
	if !ok {
		return false, persistence.NewExecutionError("WakeWithSignal", id, persistence.ErrExecutionNotFound)
	}

	if execution.Status != models.ExecutionStatusWaiting {
		return false, nil
	}

	if execution.Context == nil {
		execution.Context = make(map[string]any)
	}

	execution.Context[contextKey] = payload
	if execution.WaitingMeta != nil {
		execution.WaitingMeta.Signalled = true
	}

	wakeAt := at
	execution.WaitUntil = &wakeAt
	execution.UpdatedAt = time.Now().UTC()

	return true, nil
}

func (r *executionRepository) StaleRunning(_ context.Context, olderThan time.Time) ([]*models.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	stale := make([]*models.Execution, 0)

	for _, execution := range r.store.executions {
		if execution.Status != models.ExecutionStatusRunning {
			continue
		}

		if execution.ClaimedAt != nil && execution.ClaimedAt.Before(olderThan) {
			stale = append(stale, clone(execution))
		}
	}

	return stale, nil
}

type logRepository struct{ store *Persistence }

func (r *logRepository) Append(_ context.Context, entry *models.ExecutionLogEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.logEntries[entry.ID] = clone(entry)
	r.store.logOrder = append(r.store.logOrder, entry.ID)

	return nil
}

func (r *logRepository) CloseEntry(_ context.Context, entry *models.ExecutionLogEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	existing, ok := r.store.logEntries[entry.ID]
	if !ok {
		return persistence.ErrLogEntryNotFound
	}

	if !existing.IsOpen() {
		return persistence.ErrLogEntryClosed
	}

	r.store.logEntries[entry.ID] = clone(entry)

	return nil
}

func (r *logRepository) ByExecution(_ context.Context, executionID string) ([]*models.ExecutionLogEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	entries := make([]*models.ExecutionLogEntry, 0)

	for _, id := range r.store.logOrder {
		entry := r.store.logEntries[id]
		if entry.ExecutionID == executionID {
			entries = append(entries, clone(entry))
		}
	}

	// Entries for one execution are strictly ordered by started_at.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].StartedAt.Before(entries[j].StartedAt) })

	return entries, nil
}

func (r *logRepository) OpenOlderThan(_ context.Context, cutoff time.Time) ([]*models.ExecutionLogEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	entries := make([]*models.ExecutionLogEntry, 0)

	for _, id := range r.store.logOrder {
		entry := r.store.logEntries[id]
		if entry.IsOpen() && entry.StartedAt.Before(cutoff) {
			entries = append(entries, clone(entry))
		}
	}

	return entries, nil
}

type scheduleRepository struct{ store *Persistence }

func (r *scheduleRepository) Save(_ context.Context, schedule *models.Schedule) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.schedules[schedule.ID] = clone(schedule)

	return nil
}

func (r *scheduleRepository) GetBySourceKey(_ context.Context, sourceKey string) (*models.Schedule, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, schedule := range r.store.schedules {
		if schedule.SourceKey == sourceKey {
			return clone(schedule), nil
		}
	}

	return nil, persistence.ErrScheduleNotFound
}

func (r *scheduleRepository) Due(_ context.Context, before time.Time) ([]*models.Schedule, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	due := make([]*models.Schedule, 0)

	for _, schedule := range r.store.schedules {
		if schedule.Active && !schedule.NextDueAt.After(before) {
			due = append(due, clone(schedule))
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].NextDueAt.Before(due[j].NextDueAt) })

	return due, nil
}

func (r *scheduleRepository) Delete(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.schedules[id]; !ok {
		return persistence.ErrScheduleNotFound
	}

	delete(r.store.schedules, id)

	return nil
}
