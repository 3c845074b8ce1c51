package lifecycle

import (
	"errors"

	"github.com/roach88/atomjob/internal/guard"
	"github.com/roach88/atomjob/internal/job"
)

// governanceError turns a guard refusal into a GOVERNANCE_VIOLATION.
func governanceError(jobID string, d guard.Decision) *job.Error {
	e := job.NewError(job.CodeGovernanceViolation, jobID, "%s", d.Reason)
	e.Details = map[string]string{"reason": d.Reason}
	if d.Violation != nil && len(d.Violation.Violations) > 0 {
		first := d.Violation.Violations[0]
		e.Details["violation_type"] = string(first.Type)
		e.Details["target"] = first.Target
	}
	return e
}

// Rejection reports whether err is a continuity refusal and, if so, the
// reason to show the caller.
func Rejection(err error) (blocked bool, reason string) {
	var je *job.Error
	if !errors.As(err, &je) || je.Code != job.CodeGovernanceViolation {
		return false, ""
	}
	if r, ok := je.Details["reason"]; ok {
		return true, r
	}
	return true, je.Message
}

func notFound(id string) *job.Error {
	return job.NewError(job.CodeNotFound, id, "job not found")
}
