package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/workflow"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func dispatch(id, name string, outcome engine.DispatchOutcome, completed time.Time) engine.DispatchRecord {
	return engine.DispatchRecord{
		ID:          id,
		Resource:    engine.NewResourceID(name, "web"),
		Attempt:     1,
		Outcome:     outcome,
		StartedAt:   completed.Add(-time.Second),
		CompletedAt: completed,
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(Config{})
	require.Error(t, err)
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "journal.db")})
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, store.HealthCheck(ctx))
	assert.Error(t, store.Migrate(ctx))

	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.HealthCheck(ctx))
	require.NoError(t, store.Migrate(ctx))
	// A second run is a no-op.
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Close())
}

func TestRecordAndGetDispatch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	record := dispatch("d-1", "frontend", engine.OutcomeRetry, now)
	record.Error = "[dispatch] render failed"
	record.RetryDelay = 1500 * time.Millisecond

	require.NoError(t, store.RecordDispatch(ctx, record))

	got, err := store.GetDispatch(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, record.Resource, got.Resource)
	assert.Equal(t, engine.OutcomeRetry, got.Outcome)
	assert.Equal(t, "[dispatch] render failed", got.Error)
	assert.Equal(t, 1500*time.Millisecond, got.RetryDelay)
	assert.Zero(t, got.Reschedule)
	assert.True(t, now.Equal(got.CompletedAt))
	assert.True(t, record.StartedAt.Equal(got.StartedAt))

	_, err = store.GetDispatch(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.Error(t, store.RecordDispatch(ctx, engine.DispatchRecord{}))
	// Duplicate ids are rejected.
	assert.Error(t, store.RecordDispatch(ctx, record))
}

func TestListDispatchesFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	records := []engine.DispatchRecord{
		dispatch("d-1", "frontend", engine.OutcomeSuccess, base),
		dispatch("d-2", "backend", engine.OutcomeRetry, base.Add(time.Minute)),
		dispatch("d-3", "frontend", engine.OutcomeExhausted, base.Add(2*time.Minute)),
		dispatch("d-4", "frontend", engine.OutcomeSuccess, base.Add(3*time.Minute)),
	}
	for _, r := range records {
		require.NoError(t, store.RecordDispatch(ctx, r))
	}

	all, err := store.ListDispatches(ctx, DispatchFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "d-4", all[0].ID, "newest first")

	frontend := engine.NewResourceID("frontend", "web")
	got, err := store.ListDispatches(ctx, DispatchFilter{Resource: &frontend})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = store.ListDispatches(ctx, DispatchFilter{Resource: &frontend, Outcome: engine.OutcomeSuccess})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"d-4", "d-1"}, []string{got[0].ID, got[1].ID})

	got, err = store.ListDispatches(ctx, DispatchFilter{Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = store.ListDispatches(ctx, DispatchFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d-3", got[0].ID)
}

func TestRecordWorkflowResult(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	noop := func(ctx context.Context, primary engine.Resource, wc *workflow.Context) error { return nil }
	wf, err := workflow.NewBuilder().
		Add("config", workflow.Operations{Reconcile: noop}, workflow.WithKind("template")).
		Add("site", workflow.Operations{
			Reconcile: func(ctx context.Context, primary engine.Resource, wc *workflow.Context) error {
				return errors.New("disk full")
			},
		}, workflow.DependsOn("config"), workflow.WithKind("directory")).
		Add("index", workflow.Operations{Reconcile: noop}, workflow.DependsOn("site")).
		Build(workflow.WithName("web"))
	require.NoError(t, err)

	primary := testPrimary{id: engine.NewResourceID("frontend", "web")}
	res, err := wf.Reconcile(ctx, primary, nil)
	require.NoError(t, err)

	require.NoError(t, store.RecordWorkflowResult(ctx, "d-1", primary.id, res))
	require.NoError(t, store.RecordWorkflowResult(ctx, "d-1", primary.id, nil))

	outcomes, err := store.ListNodeOutcomes(ctx, "d-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, "config", outcomes[0].Node)
	assert.Equal(t, "template", outcomes[0].Kind)
	assert.Equal(t, workflow.OutcomeReconciled, outcomes[0].Outcome)
	assert.Equal(t, workflow.PhaseReconcile, outcomes[0].Phase)
	assert.Equal(t, "web", outcomes[0].Workflow)
	assert.Nil(t, outcomes[0].Error)

	assert.Equal(t, workflow.OutcomeErrored, outcomes[1].Outcome)
	require.NotNil(t, outcomes[1].Error)
	assert.Contains(t, *outcomes[1].Error, "disk full")

	assert.Equal(t, workflow.OutcomeSkipped, outcomes[2].Outcome)
	assert.False(t, outcomes[2].DeleteCalled)

	none, err := store.ListNodeOutcomes(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPruneBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()
	require.NoError(t, store.RecordDispatch(ctx, dispatch("old", "a", engine.OutcomeSuccess, old)))
	require.NoError(t, store.RecordDispatch(ctx, dispatch("new", "a", engine.OutcomeSuccess, recent)))

	n, err := store.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := store.ListDispatches(ctx, DispatchFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].ID)
}

type testPrimary struct {
	id engine.ResourceID
}

func (p testPrimary) ResourceID() engine.ResourceID { return p.id }
func (p testPrimary) ResourceVersion() string      { return "1" }
