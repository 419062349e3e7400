package trigger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/automaton/internal/engine"
	"github.com/relaycrm/automaton/internal/store"
	"github.com/relaycrm/automaton/pkg/schema"
)

// recordingRuntime accepts every job and remembers the keys.
type recordingRuntime struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingRuntime) Submit(_ context.Context, jobKey string, _ json.RawMessage, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, jobKey)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, store.Store, *recordingRuntime) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dispatch.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := &recordingRuntime{}
	sched := engine.NewScheduler(st, rt, logger)
	return NewDispatcher(st, sched, logger), st, rt
}

func seedWorkflow(t *testing.T, st store.Store, kind schema.TriggerKind, filter schema.TriggerFilter, active bool) *store.Workflow {
	t.Helper()
	wf := &store.Workflow{
		ID:      uuid.NewString(),
		Name:    "workflow " + uuid.NewString()[:8],
		Trigger: kind,
		Filter:  filter,
		Active:  active,
	}
	require.NoError(t, st.CreateWorkflow(context.Background(), wf))
	require.NoError(t, st.CreateStep(context.Background(), &store.WorkflowStep{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Order:      1,
		Action:     schema.ActionAddTag,
		Payload:    json.RawMessage(`{"tag":"welcomed"}`),
		Enabled:    true,
	}))
	return wf
}

func TestDispatch_InvalidKind(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), Event{Kind: "entity_teleported", EntityID: "e-1"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestDispatch_MissingEntityID(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), Event{Kind: schema.TriggerEntityCreated})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestDispatch_FansOutToMatchingWorkflows(t *testing.T) {
	d, st, rt := newTestDispatcher(t)

	a := seedWorkflow(t, st, schema.TriggerEntityCreated, nil, true)
	b := seedWorkflow(t, st, schema.TriggerEntityCreated, nil, true)
	seedWorkflow(t, st, schema.TriggerEntityCreated, nil, false)           // inactive
	seedWorkflow(t, st, schema.TriggerTagAdded, nil, true)                 // other kind
	seedWorkflow(t, st, schema.TriggerEntityCreated, schema.TriggerFilter{ // filter mismatch
		"source": "import",
	}, true)

	res, err := d.Dispatch(context.Background(), Event{
		Kind:     schema.TriggerEntityCreated,
		EntityID: "e-1",
		Payload:  map[string]any{"source": "webform"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 0, res.Failures)
	require.Len(t, res.Started, 2)

	started := map[string]bool{}
	for _, o := range res.Started {
		assert.Empty(t, o.Err)
		require.NotNil(t, o.Result)
		started[o.WorkflowID] = true
	}
	assert.True(t, started[a.ID])
	assert.True(t, started[b.ID])

	// One job per matched workflow's single step.
	rt.mu.Lock()
	assert.Len(t, rt.keys, 2)
	rt.mu.Unlock()
}

func TestDispatch_FilterMatchesPayload(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	wf := seedWorkflow(t, st, schema.TriggerEntityCreated, schema.TriggerFilter{"source": "webform"}, true)

	res, err := d.Dispatch(context.Background(), Event{
		Kind:     schema.TriggerEntityCreated,
		EntityID: "e-1",
		Payload:  map[string]any{"source": "webform", "campaign": "spring"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Matched)
	assert.Equal(t, wf.ID, res.Started[0].WorkflowID)

	// A payload missing the filter key does not match.
	res, err = d.Dispatch(context.Background(), Event{
		Kind:     schema.TriggerEntityCreated,
		EntityID: "e-2",
		Payload:  map[string]any{"campaign": "spring"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)
}

func TestDispatch_DuplicateEventIsIdempotent(t *testing.T) {
	d, st, rt := newTestDispatcher(t)
	seedWorkflow(t, st, schema.TriggerEntityCreated, nil, true)

	event := Event{Kind: schema.TriggerEntityCreated, EntityID: "e-1"}
	first, err := d.Dispatch(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, 1, first.Matched)
	assert.False(t, first.Started[0].Result.AlreadyExecuted)

	second, err := d.Dispatch(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, 1, second.Matched)
	assert.Equal(t, 0, second.Failures)
	assert.True(t, second.Started[0].Result.AlreadyExecuted)
	assert.Equal(t, first.Started[0].Result.RunID, second.Started[0].Result.RunID)

	// The duplicate submitted no new jobs.
	rt.mu.Lock()
	assert.Len(t, rt.keys, 1)
	rt.mu.Unlock()
}

func TestDispatch_NoMatches(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	res, err := d.Dispatch(context.Background(), Event{Kind: schema.TriggerStageChanged, EntityID: "e-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)
	assert.Empty(t, res.Started)
}

func TestTriggerManual_StartsManualWorkflow(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	wf := seedWorkflow(t, st, schema.TriggerManual, nil, true)

	res, err := d.TriggerManual(context.Background(), wf.ID, "e-1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 1, res.StepsScheduled)
}

func TestTriggerManual_RejectsNonManualWorkflow(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	wf := seedWorkflow(t, st, schema.TriggerEntityCreated, nil, true)

	_, err := d.TriggerManual(context.Background(), wf.ID, "e-1")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestTriggerManual_MissingEntityID(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.TriggerManual(context.Background(), "wf-1", "")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestTriggerManual_UnknownWorkflow(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.TriggerManual(context.Background(), "missing", "e-1")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}
