package file

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/workflow"
)

// Factory builds the operations of one dependent resource from its params.
type Factory func(name string, params map[string]interface{}) (workflow.Operations, error)

// Registry maps dependent resource kinds to factories.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// kinds maps a kind name to its factory.
	kinds map[string]Factory

	logger *telemetry.Logger
}

// NewRegistry creates a registry with the directory and template kinds.
func NewRegistry(tel *telemetry.Telemetry) *Registry {
	if tel == nil {
		tel = telemetry.Noop()
	}

	r := &Registry{
		kinds:  make(map[string]Factory),
		logger: tel.Logger.NewComponentLogger("file-provider"),
	}
	r.kinds[KindDirectory] = r.directory
	r.kinds[KindTemplate] = r.template
	return r
}

// Register adds a kind. Registering a kind twice is an error.
func (r *Registry) Register(kind string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[kind]; exists {
		return fmt.Errorf("kind %s already registered", kind)
	}
	r.kinds[kind] = factory
	return nil
}

// Operations builds the operations for a dependent resource of kind.
func (r *Registry) Operations(kind, name string, params map[string]interface{}) (workflow.Operations, error) {
	r.mu.RLock()
	factory, ok := r.kinds[kind]
	r.mu.RUnlock()

	if !ok {
		return workflow.Operations{}, fmt.Errorf("unknown kind %q (known: %v)", kind, r.Kinds())
	}
	return factory(name, params)
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.kinds))
	for kind := range r.kinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// decodeParams converts loosely typed params into a typed, validated struct
// by round-tripping through YAML.
func decodeParams(params map[string]interface{}, out interface{}) error {
	data, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	if err := validator.New().Struct(out); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
