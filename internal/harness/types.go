package harness

import "github.com/roach88/atomjob/internal/guard"

// OutcomeOK marks a step that returned no error.
const OutcomeOK = "ok"

// TraceEvent records what one flow step observed.
type TraceEvent struct {
	Seq     int    `json:"seq"`
	Op      string `json:"op"`
	Job     string `json:"job,omitempty"` // alias, not job id
	Outcome string `json:"outcome"`       // "ok" or a job error code

	// Status and RetryCount are set when the step read or produced a job.
	Status     string `json:"status,omitempty"`
	RetryCount int    `json:"retry_count"`

	// Reason is the guard's refusal reason.
	Reason string `json:"reason,omitempty"`

	// Deleted is the sweep count.
	Deleted *int `json:"deleted,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per flow step.
	Trace []TraceEvent `json:"trace"`

	// Audit is the guard's audit trail with job ids replaced by aliases.
	Audit []guard.ViolationRecord `json:"audit"`

	// Errors contains validation error messages.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Audit:  []guard.ViolationRecord{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
