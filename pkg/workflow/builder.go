package workflow

// Builder declares dependent resources and their edges in code.
//
//	wf, err := workflow.NewBuilder().
//		Add("config", configOps).
//		Add("service", serviceOps, workflow.DependsOn("config")).
//		Build(workflow.WithName("app"))
type Builder struct {
	specs []DependentResourceSpec
}

// NodeOption configures a DependentResourceSpec.
type NodeOption func(*DependentResourceSpec)

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// DependsOn adds dependencies by name.
func DependsOn(names ...string) NodeOption {
	return func(s *DependentResourceSpec) {
		s.DependsOn = append(s.DependsOn, names...)
	}
}

// WithKind sets the node kind.
func WithKind(kind string) NodeOption {
	return func(s *DependentResourceSpec) {
		s.Kind = kind
	}
}

// ReconcileWhen sets the reconcile precondition.
func ReconcileWhen(c Condition) NodeOption {
	return func(s *DependentResourceSpec) {
		s.ReconcilePrecondition = c
	}
}

// ReadyWhen sets the ready postcondition.
func ReadyWhen(c Condition) NodeOption {
	return func(s *DependentResourceSpec) {
		s.ReadyPostcondition = c
	}
}

// DeletedWhen sets the delete postcondition.
func DeletedWhen(c Condition) NodeOption {
	return func(s *DependentResourceSpec) {
		s.DeletePostcondition = c
	}
}

// Add declares a dependent resource.
func (b *Builder) Add(name string, ops Operations, opts ...NodeOption) *Builder {
	spec := DependentResourceSpec{Name: name, Operations: ops}
	for _, opt := range opts {
		opt(&spec)
	}
	return b.AddSpec(spec)
}

// AddSpec declares a fully populated dependent resource.
func (b *Builder) AddSpec(spec DependentResourceSpec) *Builder {
	b.specs = append(b.specs, spec)
	return b
}

// Specs returns the declared specs.
func (b *Builder) Specs() []DependentResourceSpec {
	return append([]DependentResourceSpec(nil), b.specs...)
}

// Build validates the declarations and creates the Workflow.
func (b *Builder) Build(opts ...Option) (*Workflow, error) {
	return Build(b.specs, opts...)
}
