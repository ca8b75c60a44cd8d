package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/engine"
)

func chain(t *testing.T, opsFor func(name string) Operations, opts ...map[string][]NodeOption) *Workflow {
	t.Helper()
	extra := map[string][]NodeOption{}
	if len(opts) > 0 {
		extra = opts[0]
	}
	wf, err := NewBuilder().
		Add("a", opsFor("a"), extra["a"]...).
		Add("b", opsFor("b"), append([]NodeOption{DependsOn("a")}, extra["b"]...)...).
		Add("c", opsFor("c"), append([]NodeOption{DependsOn("b")}, extra["c"]...)...).
		Build(WithName("chain"))
	require.NoError(t, err)
	return wf
}

func TestCleanupReverseOrder(t *testing.T) {
	rec := &recorder{}
	wf := chain(t, func(name string) Operations { return recordingOps(rec, name, true) })

	res, err := wf.Cleanup(t.Context(), newPrimary("p"), nil)
	require.NoError(t, err)

	assert.Equal(t, PhaseCleanup, res.Phase())
	assert.Equal(t, []string{"delete:c", "delete:b", "delete:a"}, rec.all())
	assert.Equal(t, []string{"a", "b", "c"}, res.Deleted())
	assert.Equal(t, []string{"a", "b", "c"}, res.DeleteCalled())
	assert.True(t, res.AllPostconditionsMet())
	assert.NoError(t, res.Err())
}

func TestCleanupDiamondWaitsForAllDependents(t *testing.T) {
	for i := 0; i < 50; i++ {
		rec := &recorder{}
		wf := diamond(t, rec, nil)

		res, err := wf.Cleanup(t.Context(), newPrimary("p"), nil)
		require.NoError(t, err)
		require.True(t, res.AllPostconditionsMet())

		assert.Less(t, rec.indexOf("delete:d"), rec.indexOf("delete:b"))
		assert.Less(t, rec.indexOf("delete:d"), rec.indexOf("delete:c"))
		assert.Less(t, rec.indexOf("delete:b"), rec.indexOf("delete:a"))
		assert.Less(t, rec.indexOf("delete:c"), rec.indexOf("delete:a"))
	}
}

func TestCleanupSkipsGarbageCollectedButKeepsOrder(t *testing.T) {
	rec := &recorder{}
	wf := chain(t, func(name string) Operations {
		ops := recordingOps(rec, name, true)
		ops.GarbageCollected = name == "b"
		return ops
	})

	res, err := wf.Cleanup(t.Context(), newPrimary("p"), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"delete:c", "delete:a"}, rec.all())
	assert.Equal(t, []string{"a", "b", "c"}, res.Deleted())
	assert.Equal(t, []string{"a", "c"}, res.DeleteCalled())
}

func TestCleanupNonDeletableNodesAreClean(t *testing.T) {
	rec := &recorder{}
	wf := chain(t, func(name string) Operations { return recordingOps(rec, name, name != "c") })

	res, err := wf.Cleanup(t.Context(), newPrimary("p"), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"delete:b", "delete:a"}, rec.all())
	assert.True(t, res.AllPostconditionsMet())
}

func TestCleanupDeletePostconditionBlocksDependencies(t *testing.T) {
	rec := &recorder{}
	wf := chain(t,
		func(name string) Operations { return recordingOps(rec, name, true) },
		map[string][]NodeOption{"b": {DeletedWhen(constant(false))}},
	)

	res, err := wf.Cleanup(t.Context(), newPrimary("p"), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"delete:c", "delete:b"}, rec.all())
	assert.Equal(t, []string{"b"}, res.PostconditionNotMet())
	assert.Equal(t, []string{"a"}, res.Skipped())
	assert.False(t, res.AllPostconditionsMet())
	assert.False(t, res.HasErrors())
}

func TestCleanupGarbageCollectedPostconditionStillGates(t *testing.T) {
	rec := &recorder{}
	var gone bool
	wf := chain(t,
		func(name string) Operations {
			ops := recordingOps(rec, name, true)
			ops.GarbageCollected = name == "c"
			return ops
		},
		map[string][]NodeOption{"c": {DeletedWhen(ConditionFunc(
			func(ctx context.Context, primary engine.Resource, wc *Context) (bool, error) { return gone, nil },
		))}},
	)

	res, err := wf.Cleanup(t.Context(), newPrimary("p"), nil)
	require.NoError(t, err)
	assert.Empty(t, rec.all())
	assert.Equal(t, []string{"a", "b"}, res.Skipped())

	gone = true
	res, err = wf.Cleanup(t.Context(), newPrimary("p"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"delete:b", "delete:a"}, rec.all())
	assert.True(t, res.AllPostconditionsMet())
}

func TestCleanupDeleteErrorIsolatesBranch(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("device busy")
	wf := diamond(t, rec, func(name string) Operations {
		ops := recordingOps(rec, name, true)
		if name == "b" {
			ops.Delete = func(ctx context.Context, primary engine.Resource, wc *Context) error {
				rec.add("delete:b")
				return boom
			}
		}
		return ops
	})

	res, err := wf.Cleanup(t.Context(), newPrimary("p"), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "d"}, res.Deleted())
	assert.Equal(t, []string{"a"}, res.Skipped())
	require.Contains(t, res.Errored(), "b")
	assert.ErrorIs(t, res.Errored()["b"], boom)
	assert.Contains(t, res.DeleteCalled(), "b")
	assert.False(t, rec.has("delete:a"))
	assert.False(t, res.AllPostconditionsMet())
}
