package domain

// RunStatus is the lifecycle state of a remote assistant run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
)

// Terminal reports whether no further status transition can occur.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired:
		return true
	}
	return false
}

// Run is the transient per-turn remote job state. It is never persisted.
type Run struct {
	ID     string
	Status RunStatus
}

// ThreadMessage is the provider-agnostic shape of a message read back from a
// remote thread.
type ThreadMessage struct {
	Role Role
	Text string
}
