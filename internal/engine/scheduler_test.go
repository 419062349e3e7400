package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/automaton/internal/store"
	"github.com/relaycrm/automaton/pkg/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockStore is an in-memory store.Store for engine tests.
type mockStore struct {
	store.Store // embed for unimplemented methods

	mu        sync.Mutex
	workflows map[string]*store.Workflow
	steps     map[string]*store.WorkflowStep
	runs      map[string]*store.Run
	stepRuns  map[string]*store.StepRun
	events    []*store.RunEvent

	createStepRunErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows: make(map[string]*store.Workflow),
		steps:     make(map[string]*store.WorkflowStep),
		runs:      make(map[string]*store.Run),
		stepRuns:  make(map[string]*store.StepRun),
	}
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *mockStore) ListSteps(_ context.Context, workflowID string, onlyEnabled bool) ([]*store.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.WorkflowStep
	for _, s := range m.steps {
		if s.WorkflowID != workflowID {
			continue
		}
		if onlyEnabled && !s.Enabled {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Order < out[i].Order {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *mockStore) GetStep(_ context.Context, id string) (*store.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *mockStore) GetOrCreateRun(_ context.Context, workflowID, entityID string, now time.Time) (*store.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.WorkflowID == workflowID && r.EntityID == entityID {
			cp := *r
			return &cp, false, nil
		}
	}
	run := &store.Run{
		ID:         newID(),
		WorkflowID: workflowID,
		EntityID:   entityID,
		Status:     schema.RunPending,
		StartedAt:  now,
	}
	m.runs[run.ID] = run
	cp := *run
	return &cp, true, nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) MarkRunInProgress(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.Status != schema.RunPending {
		return false, nil
	}
	r.Status = schema.RunInProgress
	return true, nil
}

func (m *mockStore) CompleteRunIfQuiescent(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.Status != schema.RunInProgress {
		return false, nil
	}
	for _, sr := range m.stepRuns {
		if sr.RunID == id && sr.Status == schema.StepRunPending {
			return false, nil
		}
	}
	r.Status = schema.RunCompleted
	r.CompletedAt = &now
	return true, nil
}

func (m *mockStore) CancelRun(_ context.Context, id string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	if r.Status.Terminal() {
		return 0, schema.NewErrorf(schema.ErrCodeConflict, "run %q is already %s", id, r.Status)
	}
	skipped := 0
	for _, sr := range m.stepRuns {
		if sr.RunID == id && sr.Status == schema.StepRunPending {
			sr.Status = schema.StepRunSkipped
			sr.ExecutedAt = &now
			skipped++
		}
	}
	r.Status = schema.RunCancelled
	r.CompletedAt = &now
	return skipped, nil
}

func (m *mockStore) CreateStepRun(_ context.Context, sr *store.StepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createStepRunErr != nil {
		return m.createStepRunErr
	}
	cp := *sr
	m.stepRuns[sr.ID] = &cp
	return nil
}

func (m *mockStore) GetStepRun(_ context.Context, id string) (*store.StepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.stepRuns[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step_run %q not found", id)
	}
	cp := *sr
	return &cp, nil
}

func (m *mockStore) FinishStepRun(_ context.Context, id string, status schema.StepRunStatus, errMsg string, executedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.stepRuns[id]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeNotFound, "step_run %q not found", id)
	}
	if sr.Status.Terminal() {
		return false, nil
	}
	sr.Status = status
	sr.ErrorMessage = errMsg
	sr.ExecutedAt = &executedAt
	return true, nil
}

func (m *mockStore) AppendRunEvent(_ context.Context, event *store.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *mockStore) eventTypes(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.RunID == runID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (m *mockStore) seedWorkflow(active bool, steps ...*store.WorkflowStep) *store.Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf := &store.Workflow{
		ID:      newID(),
		Name:    "welcome sequence",
		Trigger: schema.TriggerEntityCreated,
		Active:  active,
	}
	m.workflows[wf.ID] = wf
	for _, s := range steps {
		s.ID = newID()
		s.WorkflowID = wf.ID
		m.steps[s.ID] = s
	}
	return wf
}

// mockRuntime records submitted jobs.
type mockRuntime struct {
	mu        sync.Mutex
	submitted []submittedJob
	failKeys  map[string]bool
	failAll   bool
}

type submittedJob struct {
	key    string
	fireAt time.Time
}

func (m *mockRuntime) Submit(_ context.Context, jobKey string, _ json.RawMessage, fireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll || m.failKeys[jobKey] {
		return errors.New("queue unavailable")
	}
	m.submitted = append(m.submitted, submittedJob{key: jobKey, fireAt: fireAt})
	return nil
}

func (m *mockRuntime) jobs() []submittedJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]submittedJob(nil), m.submitted...)
}

// --- Scheduler tests ---

func TestScheduler_Start_SchedulesAllEnabledSteps(t *testing.T) {
	ms := newMockStore()
	wf := ms.seedWorkflow(true,
		&store.WorkflowStep{Order: 1, Action: schema.ActionSendMessage, Delay: 0, Enabled: true},
		&store.WorkflowStep{Order: 2, Action: schema.ActionAddTag, Delay: 48 * time.Hour, Enabled: true},
		&store.WorkflowStep{Order: 3, Action: schema.ActionChangeStatus, Delay: 72 * time.Hour, Enabled: false},
	)
	rt := &mockRuntime{}
	s := NewScheduler(ms, rt, discardLogger())
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	res, err := s.Start(context.Background(), wf.ID, "entity-1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyExecuted)
	assert.Equal(t, 2, res.StepsScheduled)
	assert.Equal(t, 0, res.SubmitFailures)

	// Delays are measured from the shared trigger instant.
	jobs := rt.jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, base, jobs[0].fireAt)
	assert.Equal(t, base.Add(48*time.Hour), jobs[1].fireAt)

	run, err := ms.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunInProgress, run.Status)

	types := ms.eventTypes(res.RunID)
	assert.Equal(t, store.EventRunStarted, types[0])
	assert.Contains(t, types, store.EventStepScheduled)
}

func TestScheduler_Start_DuplicateTriggerIsNoop(t *testing.T) {
	ms := newMockStore()
	wf := ms.seedWorkflow(true,
		&store.WorkflowStep{Order: 1, Action: schema.ActionWait, Enabled: true},
	)
	rt := &mockRuntime{}
	s := NewScheduler(ms, rt, discardLogger())

	first, err := s.Start(context.Background(), wf.ID, "entity-1")
	require.NoError(t, err)

	second, err := s.Start(context.Background(), wf.ID, "entity-1")
	require.NoError(t, err)
	assert.True(t, second.AlreadyExecuted)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, 0, second.StepsScheduled)

	// No extra jobs were submitted by the duplicate.
	assert.Len(t, rt.jobs(), 1)
}

// staleReadStore reports the run as still pending on lookup, reproducing
// the window where two triggers both read the row before either claims it.
type staleReadStore struct {
	*mockStore
}

func (s *staleReadStore) GetOrCreateRun(ctx context.Context, workflowID, entityID string, now time.Time) (*store.Run, bool, error) {
	run, created, err := s.mockStore.GetOrCreateRun(ctx, workflowID, entityID, now)
	if run != nil {
		run.Status = schema.RunPending
	}
	return run, created, err
}

func TestScheduler_Start_ConcurrentTriggerSchedulesStepsOnce(t *testing.T) {
	ms := newMockStore()
	wf := ms.seedWorkflow(true,
		&store.WorkflowStep{Order: 1, Action: schema.ActionWait, Enabled: true},
	)
	rt := &mockRuntime{}
	s := NewScheduler(&staleReadStore{ms}, rt, discardLogger())

	first, err := s.Start(context.Background(), wf.ID, "entity-1")
	require.NoError(t, err)
	require.False(t, first.AlreadyExecuted)

	// The rival saw the run as pending but loses the in-progress claim.
	second, err := s.Start(context.Background(), wf.ID, "entity-1")
	require.NoError(t, err)
	assert.True(t, second.AlreadyExecuted)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, 0, second.StepsScheduled)

	// Exactly one step run for the single step, and no duplicate job.
	ms.mu.Lock()
	assert.Len(t, ms.stepRuns, 1)
	ms.mu.Unlock()
	assert.Len(t, rt.jobs(), 1)
}

func TestScheduler_Start_DifferentEntitiesGetOwnRuns(t *testing.T) {
	ms := newMockStore()
	wf := ms.seedWorkflow(true,
		&store.WorkflowStep{Order: 1, Action: schema.ActionWait, Enabled: true},
	)
	s := NewScheduler(ms, &mockRuntime{}, discardLogger())

	r1, err := s.Start(context.Background(), wf.ID, "entity-1")
	require.NoError(t, err)
	r2, err := s.Start(context.Background(), wf.ID, "entity-2")
	require.NoError(t, err)
	assert.NotEqual(t, r1.RunID, r2.RunID)
}

func TestScheduler_Start_InactiveWorkflow(t *testing.T) {
	ms := newMockStore()
	wf := ms.seedWorkflow(false)
	s := NewScheduler(ms, &mockRuntime{}, discardLogger())

	_, err := s.Start(context.Background(), wf.ID, "entity-1")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestScheduler_Start_UnknownWorkflow(t *testing.T) {
	ms := newMockStore()
	s := NewScheduler(ms, &mockRuntime{}, discardLogger())

	_, err := s.Start(context.Background(), "missing", "entity-1")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestScheduler_Start_NoStepsCompletesImmediately(t *testing.T) {
	ms := newMockStore()
	wf := ms.seedWorkflow(true)
	s := NewScheduler(ms, &mockRuntime{}, discardLogger())

	res, err := s.Start(context.Background(), wf.ID, "entity-1")
	require.NoError(t, err)
	assert.True(t, res.Completed)

	run, err := ms.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunCompleted, run.Status)
	assert.Contains(t, ms.eventTypes(res.RunID), store.EventRunCompleted)
}

func TestScheduler_Start_SubmitFailureDoesNotUnwindSiblings(t *testing.T) {
	ms := newMockStore()
	wf := ms.seedWorkflow(true,
		&store.WorkflowStep{Order: 1, Action: schema.ActionWait, Enabled: true},
		&store.WorkflowStep{Order: 2, Action: schema.ActionWait, Delay: time.Hour, Enabled: true},
	)
	rt := &mockRuntime{failAll: true}
	s := NewScheduler(ms, rt, discardLogger())

	res, err := s.Start(context.Background(), wf.ID, "entity-1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.StepsScheduled)
	assert.Equal(t, 2, res.SubmitFailures)

	// Both step runs were recorded; the sweeper can recover them.
	ms.mu.Lock()
	assert.Len(t, ms.stepRuns, 2)
	ms.mu.Unlock()
}

func TestScheduler_Start_PersistFailureSkipsJobSubmit(t *testing.T) {
	ms := newMockStore()
	wf := ms.seedWorkflow(true,
		&store.WorkflowStep{Order: 1, Action: schema.ActionWait, Enabled: true},
	)
	ms.createStepRunErr = errors.New("disk full")
	rt := &mockRuntime{}
	s := NewScheduler(ms, rt, discardLogger())

	res, err := s.Start(context.Background(), wf.ID, "entity-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SubmitFailures)
	assert.Empty(t, rt.jobs())
}
