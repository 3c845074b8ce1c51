// Package guard enforces the continuity invariant: no job may reference,
// depend on or be influenced by another job.
//
// The guard is a deterministic pattern filter, not a semantic classifier.
// It inspects three things:
//
//   - submissions, blocking on reference flags, forbidden field names and
//     continuity phrases in free text (EvaluateSubmission)
//   - retry requests, blocking on identity drift or new input material
//     (EvaluateRetry)
//   - generated results, producing advisory warnings only (EvaluateResult)
//
// Every blocking decision is appended to an in-memory audit trail owned by
// the Guard instance. The trail lives as long as the process and is never
// persisted.
//
// Detection is a list of Rules grouped into ordered passes. Rules are built
// from a Policy, which is compiled in (DefaultPolicy) or loaded from a CUE
// file (LoadPolicy):
//
//	policy: {
//		forbidden_fields: ["previous_job_id", "workflow_id"]
//		continuity_phrases: [
//			{pattern: "\\bprevious (job|run)\\b", description: "references a previous execution"},
//		]
//	}
package guard
