package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/workflow"
)

const websiteDefinition = `
name: website
dependents:
  - name: docroot
    kind: directory
    params:
      path: /srv/www
  - name: index
    kind: template
    dependsOn: [docroot]
    reconcileWhen: 'spec.get("enabled", True)'
    readyWhen: 'values.get("index") == "written"'
  - name: cache
    kind: directory
    dependsOn: [docroot]
    garbageCollected: true
    deletedWhen: 'True'
`

// stubRegistry hands out no-op operations and remembers the params it saw.
type stubRegistry struct {
	params map[string]map[string]interface{}
}

func (r *stubRegistry) Operations(kind, name string, params map[string]interface{}) (workflow.Operations, error) {
	switch kind {
	case "directory", "template":
	default:
		return workflow.Operations{}, fmt.Errorf("unknown kind %q", kind)
	}
	if r.params == nil {
		r.params = make(map[string]map[string]interface{})
	}
	r.params[name] = params

	noop := func(context.Context, engine.Resource, *workflow.Context) error { return nil }
	return workflow.Operations{Reconcile: noop, Delete: noop}, nil
}

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(websiteDefinition))
	require.NoError(t, err)

	assert.Equal(t, "website", def.Name)
	require.Len(t, def.Dependents, 3)
	assert.Equal(t, []string{"docroot"}, def.Dependents[1].DependsOn)
	assert.Equal(t, `spec.get("enabled", True)`, def.Dependents[1].ReconcileWhen)
	assert.True(t, def.Dependents[2].GarbageCollected)
	assert.Equal(t, "/srv/www", def.Dependents[0].Params["path"])
}

func TestParseDefinition_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "dependents: [{name: a, kind: directory}]"},
		{"no dependents", "name: w"},
		{"dependent without kind", "name: w\ndependents: [{name: a}]"},
		{"empty dependency", "name: w\ndependents: [{name: a, kind: directory, dependsOn: ['']}]"},
		{"malformed", "name: ["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, engine.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestWorkflowDefinition_Build(t *testing.T) {
	def, err := ParseDefinition([]byte(websiteDefinition))
	require.NoError(t, err)

	registry := &stubRegistry{}
	wf, err := def.Build(registry, NewStarlarkEvaluator(0), workflow.WithParallelism(2))
	require.NoError(t, err)

	assert.Equal(t, "website", wf.Name())
	assert.Equal(t, 3, wf.Size())
	assert.Equal(t, "/srv/www", registry.params["docroot"]["path"])

	cache, ok := wf.Node("cache")
	require.True(t, ok)
	assert.True(t, cache.Operations().GarbageCollected)
	assert.False(t, cache.Operations().Deletable() && !cache.Operations().GarbageCollected)

	index, ok := wf.Node("index")
	require.True(t, ok)
	assert.Equal(t, "template", index.Kind())
	assert.Equal(t, 1, index.Level())
}

func TestWorkflowDefinition_Specs(t *testing.T) {
	def, err := ParseDefinition([]byte(websiteDefinition))
	require.NoError(t, err)

	specs, err := def.Specs(&stubRegistry{}, NewStarlarkEvaluator(0))
	require.NoError(t, err)
	require.Len(t, specs, 3)

	assert.Nil(t, specs[0].ReconcilePrecondition)
	require.IsType(t, &StarlarkCondition{}, specs[1].ReconcilePrecondition)
	assert.Equal(t, `spec.get("enabled", True)`, specs[1].ReconcilePrecondition.(*StarlarkCondition).Expression())
	assert.NotNil(t, specs[1].ReadyPostcondition)
	assert.NotNil(t, specs[2].DeletePostcondition)
}

func TestWorkflowDefinition_SpecsErrors(t *testing.T) {
	t.Run("unknown kind", func(t *testing.T) {
		def, err := ParseDefinition([]byte("name: w\ndependents: [{name: a, kind: database}]"))
		require.NoError(t, err)

		_, err = def.Specs(&stubRegistry{}, NewStarlarkEvaluator(0))
		require.Error(t, err)
		assert.True(t, engine.IsConfiguration(err))
		assert.Contains(t, err.Error(), "database")
	})

	t.Run("bad expression", func(t *testing.T) {
		def, err := ParseDefinition([]byte("name: w\ndependents: [{name: a, kind: directory, readyWhen: 'spec['}]"))
		require.NoError(t, err)

		_, err = def.Specs(&stubRegistry{}, NewStarlarkEvaluator(0))
		require.Error(t, err)
		assert.True(t, engine.IsConfiguration(err))
	})

	t.Run("cycle", func(t *testing.T) {
		def, err := ParseDefinition([]byte(`
name: w
dependents:
  - {name: a, kind: directory, dependsOn: [b]}
  - {name: b, kind: directory, dependsOn: [a]}
`))
		require.NoError(t, err)

		_, err = def.Build(&stubRegistry{}, NewStarlarkEvaluator(0))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "a -> b -> a")
	})
}

func TestLoadDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "website.yaml")
	require.NoError(t, os.WriteFile(path, []byte(websiteDefinition), 0o600))

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "website", def.Name)

	_, err = LoadDefinition(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
