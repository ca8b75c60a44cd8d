// Package config loads the configuration of a converge process and the
// workflow definitions it runs.
//
// # Process configuration
//
// Load reads a YAML file on top of DefaultConfig, applies the
// CONVERGE_LOG_LEVEL override and validates the result:
//
//	processor:
//	  max_concurrent_reconciliations: 10
//	retry:
//	  initial_interval: 2s
//	  multiplier: 1.5
//	  max_interval: 10m
//	  max_attempts: 5
//	workflow:
//	  definition: website.yaml
//	  parallelism: 4
//	  not_ready_requeue: 10s
//	source:
//	  dir: sites/
//	journal:
//	  enabled: true
//	  store:
//	    path: converge.db
//
// # Workflow definitions
//
// A WorkflowDefinition lists dependent resources by kind. Kinds are resolved
// through a KindRegistry. The reconcileWhen, readyWhen and deletedWhen fields
// hold Starlark expressions that must evaluate to a bool. They see the
// primary's name, namespace, spec and labels plus the values dependents
// shared through the workflow context:
//
//	reconcileWhen: 'spec.get("replicas", 0) > 0 and labels.get("tier") == "web"'
package config
