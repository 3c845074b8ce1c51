// Package harness runs YAML job scenarios against a real Manager and
// compares the outcome trace with golden files.
//
// Each scenario gets a fresh in-memory job table, a scripted model, a fake
// clock and sequential job ids, so identical scenarios produce identical
// traces.
//
// # Scenario Format
//
//	name: retry_clears_error
//	description: "A failed job retried successfully carries no error"
//	config:
//	  max_retries: 2
//	model:
//	  - error: "upstream unavailable"
//	  - text: '{"employer_name": "Acme Ltd"}'
//	flow:
//	  - op: submit
//	    job: a
//	    expect: { status: failed }
//	  - op: retry
//	    job: a
//	    expect: { status: completed, retry_count: 1 }
//	assertions:
//	  - type: job_state
//	    job: a
//	    status: completed
//
// Flow ops are submit, retry, status, result, proof, advance and sweep.
// Submit and retry wait for the attempt to finish before the next step.
// A step's outcome is "ok" or the job error code it returned.
//
// # Assertion Types
//
//   - job_state: the stored job's status, retry count and error code
//   - job_count: number of jobs in the table
//   - audit_count: number of guard audit entries, optionally of one kind
//   - proof_valid: the job's proof verifies and its output hash matches
//   - model_calls: number of model invocations
//
// # Golden Files
//
// RunWithGolden writes the trace and the guard audit trail as canonical
// JSON to testdata/golden/{name}.golden. Regenerate with
//
//	go test ./internal/harness -update
package harness
