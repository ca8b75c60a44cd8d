package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/workflow"
)

// WorkflowDefinition is the on-disk declaration of a workflow.
//
//	name: website
//	dependents:
//	  - name: docroot
//	    kind: directory
//	    params: {path: "/srv/www/{{ .Name }}"}
//	  - name: index
//	    kind: template
//	    dependsOn: [docroot]
//	    reconcileWhen: 'spec.get("enabled", True)'
//	    params: {path: "/srv/www/{{ .Name }}/index.html", template: "<h1>{{ .Spec.title }}</h1>"}
type WorkflowDefinition struct {
	// Name identifies the workflow in logs, metrics and the journal.
	Name string `yaml:"name" validate:"required"`

	// Dependents declares the dependent resources.
	Dependents []DependentDefinition `yaml:"dependents" validate:"required,min=1,dive"`
}

// DependentDefinition declares one dependent resource.
type DependentDefinition struct {
	// Name is unique within the workflow.
	Name string `yaml:"name" validate:"required"`

	// Kind selects the implementation from the kind registry.
	Kind string `yaml:"kind" validate:"required"`

	// DependsOn lists dependent resources that must be reconciled first.
	DependsOn []string `yaml:"dependsOn" validate:"dive,required"`

	// ReconcileWhen is a Starlark expression gating whether the resource
	// should exist.
	ReconcileWhen string `yaml:"reconcileWhen,omitempty"`

	// ReadyWhen is a Starlark expression gating dependents.
	ReadyWhen string `yaml:"readyWhen,omitempty"`

	// DeletedWhen is a Starlark expression gating teardown of dependencies.
	DeletedWhen string `yaml:"deletedWhen,omitempty"`

	// GarbageCollected leaves deletion to ownership cleanup.
	GarbageCollected bool `yaml:"garbageCollected,omitempty"`

	// Params are passed to the kind implementation.
	Params map[string]interface{} `yaml:"params,omitempty"`
}

// KindRegistry builds the operations of dependent resource kinds.
type KindRegistry interface {
	Operations(kind, name string, params map[string]interface{}) (workflow.Operations, error)
}

// LoadDefinition reads and validates a workflow definition file.
func LoadDefinition(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition %s: %w", path, err)
	}

	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("workflow definition %s: %w", path, err)
	}
	return def, nil
}

// ParseDefinition decodes and validates a workflow definition.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, engine.NewConfigurationError("failed to parse workflow definition", err).
			WithCode(engine.ErrCodeValidation)
	}

	if err := validator.New().Struct(&def); err != nil {
		return nil, engine.NewConfigurationError("invalid workflow definition", err).
			WithCode(engine.ErrCodeValidation)
	}
	return &def, nil
}

// Specs turns the definition into dependent resource specs. Operations come
// from registry; condition expressions are compiled with eval.
func (d *WorkflowDefinition) Specs(registry KindRegistry, eval *StarlarkEvaluator) ([]workflow.DependentResourceSpec, error) {
	specs := make([]workflow.DependentResourceSpec, 0, len(d.Dependents))

	for _, dep := range d.Dependents {
		ops, err := registry.Operations(dep.Kind, dep.Name, dep.Params)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("dependent resource %s", dep.Name), err).
				WithCode(engine.ErrCodeValidation).
				WithResource(dep.Name)
		}
		if dep.GarbageCollected {
			ops.GarbageCollected = true
		}

		spec := workflow.DependentResourceSpec{
			Name:       dep.Name,
			Kind:       dep.Kind,
			DependsOn:  dep.DependsOn,
			Operations: ops,
		}

		conditions := []struct {
			expr   string
			target *workflow.Condition
		}{
			{dep.ReconcileWhen, &spec.ReconcilePrecondition},
			{dep.ReadyWhen, &spec.ReadyPostcondition},
			{dep.DeletedWhen, &spec.DeletePostcondition},
		}
		for _, c := range conditions {
			if c.expr == "" {
				continue
			}
			cond, err := NewStarlarkCondition(eval, c.expr)
			if err != nil {
				return nil, engine.NewConfigurationError(fmt.Sprintf("dependent resource %s", dep.Name), err).
					WithCode(engine.ErrCodeValidation).
					WithResource(dep.Name)
			}
			*c.target = cond
		}

		specs = append(specs, spec)
	}

	return specs, nil
}

// Build creates the workflow described by the definition.
func (d *WorkflowDefinition) Build(registry KindRegistry, eval *StarlarkEvaluator, opts ...workflow.Option) (*workflow.Workflow, error) {
	specs, err := d.Specs(registry, eval)
	if err != nil {
		return nil, err
	}
	return workflow.Build(specs, append([]workflow.Option{workflow.WithName(d.Name)}, opts...)...)
}
