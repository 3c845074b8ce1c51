package job

import "fmt"

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"

	// StatusExpired is only ever reported, never stored.
	StatusExpired Status = "expired"
)

// IsTerminal reports whether an attempt has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusQueued},
	StatusFailed:     {StatusQueued},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves j to status to, or returns an error leaving j untouched.
// It is the only code path that writes Job.Status after creation.
func (j *Job) Transition(to Status) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.Status, to)
	}
	j.Status = to
	return nil
}
