// Package events provides notification subjects and utilities for the ralphd
// event system. These subjects carry run lifecycle notifications on the
// process-wide bus; the per-run agent event history lives in runlog.
package events

// Event types for runs
const (
	RunCreated   = "run.created"
	RunCompleted = "run.completed"
	RunStopped   = "run.stopped"
)

// Event types for per-provider run state
const (
	ProviderStatusChanged = "run.provider.status"
	ProviderPrepared      = "run.provider.prepared"
	ProviderFailed        = "run.provider.failed"
)

// Event types for sandboxes
const (
	SandboxCreated   = "sandbox.created"
	SandboxDestroyed = "sandbox.destroyed"
)

// Event types for process lifecycle
const (
	Shutdown = "ralphd.shutdown"
)

// BuildRunSubject creates a run lifecycle subject scoped to one run.
func BuildRunSubject(eventType, runID string) string {
	return eventType + "." + runID
}

// BuildRunWildcardSubject creates a wildcard subscription for one lifecycle
// event type across all runs.
func BuildRunWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildAllRunsWildcardSubject subscribes to every run lifecycle event.
func BuildAllRunsWildcardSubject() string {
	return "run.>"
}
