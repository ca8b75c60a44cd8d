package config

import (
	"time"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Config is the configuration of a converge process.
type Config struct {
	// Processor configures the event processor.
	Processor ProcessorConfig `yaml:"processor"`

	// Retry is the retry policy for failed dispatches.
	Retry engine.RetryConfig `yaml:"retry"`

	// Workflow configures the dependent resource workflow.
	Workflow WorkflowConfig `yaml:"workflow"`

	// Source configures where primary manifests are read from.
	Source SourceConfig `yaml:"source"`

	// Journal configures the reconciliation history store.
	Journal JournalConfig `yaml:"journal"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`
}

// ProcessorConfig configures the event processor.
type ProcessorConfig struct {
	// MaxConcurrentReconciliations bounds dispatches across all resources.
	// Zero means runtime.NumCPU().
	MaxConcurrentReconciliations int `yaml:"max_concurrent_reconciliations" validate:"gte=0"`

	// IgnoreOwnUpdateEvents skips events caused by the controller's own writes.
	IgnoreOwnUpdateEvents bool `yaml:"ignore_own_update_events"`

	// DisableRetry turns the retry policy off; failed dispatches wait for the
	// next event.
	DisableRetry bool `yaml:"disable_retry"`
}

// WorkflowConfig configures the workflow and the controller running it.
type WorkflowConfig struct {
	// Definition is the path of the workflow definition file.
	Definition string `yaml:"definition" validate:"required"`

	// Parallelism bounds concurrently running nodes. Zero means runtime.NumCPU().
	Parallelism int `yaml:"parallelism" validate:"gte=0"`

	// NotReadyRequeue is the reschedule delay while some node is not ready.
	NotReadyRequeue time.Duration `yaml:"not_ready_requeue" validate:"gt=0"`

	// MaxReconciliationInterval triggers a periodic resync after a successful
	// reconcile. Zero disables it.
	MaxReconciliationInterval time.Duration `yaml:"max_reconciliation_interval" validate:"gte=0"`

	// ConditionTimeout bounds a single condition expression.
	ConditionTimeout time.Duration `yaml:"condition_timeout" validate:"gte=0"`
}

// SourceConfig configures the filesystem manifest source.
type SourceConfig struct {
	// Dir is the directory holding primary manifests.
	Dir string `yaml:"dir" validate:"required"`

	// Namespace is used for manifests that do not set one.
	Namespace string `yaml:"namespace"`

	// Debounce collapses bursts of filesystem events per file.
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
}

// JournalConfig configures the reconciliation journal.
type JournalConfig struct {
	// Enabled turns journaling on.
	Enabled bool `yaml:"enabled"`

	// Store is the SQLite store configuration.
	Store stores.Config `yaml:"store"`

	// Retention prunes history older than this on startup. Zero keeps everything.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// DefaultConfig returns the default configuration. Workflow.Definition and
// Source.Dir must still be set.
func DefaultConfig() *Config {
	return &Config{
		Processor: ProcessorConfig{
			MaxConcurrentReconciliations: 10,
			IgnoreOwnUpdateEvents:        true,
		},
		Retry: engine.DefaultRetryConfig(),
		Workflow: WorkflowConfig{
			NotReadyRequeue:           10 * time.Second,
			MaxReconciliationInterval: 10 * time.Hour,
			ConditionTimeout:          DefaultConditionTimeout,
		},
		Source: SourceConfig{
			Namespace: "default",
			Debounce:  100 * time.Millisecond,
		},
		Journal: JournalConfig{
			Enabled:   true,
			Store:     stores.Config{Path: "converge.db"},
			Retention: 7 * 24 * time.Hour,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// EngineProcessorConfig converts the processor section for the engine.
func (c *Config) EngineProcessorConfig() engine.ProcessorConfig {
	pc := engine.ProcessorConfig{
		MaxConcurrentReconciliations: c.Processor.MaxConcurrentReconciliations,
		IgnoreOwnUpdateEvents:        c.Processor.IgnoreOwnUpdateEvents,
	}
	if !c.Processor.DisableRetry {
		retry := c.Retry
		pc.Retry = &retry
	}
	return pc
}
