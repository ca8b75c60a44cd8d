// Package sources feeds primary resources to the event processor from a
// directory of YAML manifests.
//
// Each *.yaml or *.yml file in the directory holds one manifest:
//
//	name: blog            # defaults to the file name without extension
//	namespace: web        # defaults to the source namespace
//	labels:
//	  tier: frontend
//	spec:
//	  title: My blog
//	  replicas: 2
//
// A Source is the processor's ResourceCache. It reports added and changed
// files as events, debounced per file. The resource version is a digest of
// the file content, so rewriting a file without changing it produces no event.
//
// Removing a file does not forget the resource right away. The manifest is
// kept as a tombstone whose MarkedForDeletion returns true, and an update
// event is emitted so the controller can run the cleanup workflow. Once
// cleanup has converged the controller calls Finalize, which drops the
// tombstone and emits the deletion event.
package sources
