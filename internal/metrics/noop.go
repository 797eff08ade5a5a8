package metrics

// Noop is a Collector that records nothing. Used in tests and when metrics
// are disabled.
type Noop struct{}

func (Noop) JobCompleted(string)               {}
func (Noop) JobFailed(string)                  {}
func (Noop) JobRetried(string)                 {}
func (Noop) SyncStarted(string, string)        {}
func (Noop) SyncFinished(string, string, bool) {}
func (Noop) SessionConnected(string)           {}
func (Noop) SessionDropped(string)             {}
func (Noop) BackoffArmed()                     {}
func (Noop) ReadServed(string)                 {}
func (Noop) DraftSaved(string)                 {}
func (Noop) DraftReconciled(string)            {}
