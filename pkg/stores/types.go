package stores

import (
	"context"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/workflow"
)

// NodeOutcome is the journaled outcome of one workflow node in one dispatch.
type NodeOutcome struct {
	ID           int64             `json:"id"`
	DispatchID   string            `json:"dispatch_id"`
	Resource     engine.ResourceID `json:"resource"`
	Workflow     string            `json:"workflow"`
	Phase        workflow.Phase    `json:"phase"`
	Node         string            `json:"node"`
	Kind         string            `json:"kind"`
	Outcome      workflow.Outcome  `json:"outcome"`
	DeleteCalled bool              `json:"delete_called"`
	Error        *string           `json:"error,omitempty"`
	RecordedAt   time.Time         `json:"recorded_at"`
}

// DispatchFilter narrows ListDispatches. Zero values match everything.
type DispatchFilter struct {
	Resource *engine.ResourceID
	Outcome  engine.DispatchOutcome
	Since    time.Time
	Limit    int
	Offset   int
}

// Journal is the reconciliation history store. It keeps diagnostics only;
// primary resources are never stored.
type Journal interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Dispatch history
	RecordDispatch(ctx context.Context, record engine.DispatchRecord) error
	GetDispatch(ctx context.Context, id string) (*engine.DispatchRecord, error)
	ListDispatches(ctx context.Context, filter DispatchFilter) ([]*engine.DispatchRecord, error)

	// Node outcomes
	RecordWorkflowResult(ctx context.Context, dispatchID string, resource engine.ResourceID, result *workflow.Result) error
	ListNodeOutcomes(ctx context.Context, dispatchID string) ([]*NodeOutcome, error)

	// Retention
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var _ Journal = (*SQLiteStore)(nil)
var _ engine.Journal = (*SQLiteStore)(nil)
