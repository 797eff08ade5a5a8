// Package metrics provides collection of bridge runtime metrics. The
// Collector interface decouples components from prometheus so tests can run
// with the noop implementation.
package metrics

// Collector records bridge events.
type Collector interface {
	// Hydration worker events.
	JobCompleted(user string)
	JobFailed(user string)
	JobRetried(user string)

	// Sync passes.
	SyncStarted(user, mode string)
	SyncFinished(user, mode string, ok bool)

	// Remote session lifecycle.
	SessionConnected(user string)
	SessionDropped(user string)
	BackoffArmed()

	// Read path resolution, labelled by source (hot/warm/cold/timeout).
	ReadServed(source string)

	// Draft uplink cycles.
	DraftSaved(user string)
	DraftReconciled(user string)
}
