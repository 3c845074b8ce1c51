// Package lifecycle owns the job state machine from submission to expiry.
//
// A Manager accepts submissions, gates them through the continuity guard,
// records them as queued jobs and hands their ids to a fixed pool of
// workers. Each worker runs one extraction attempt and writes its outcome
// (outputs, usage metrics, result warnings, proof pack) to the job table
// in a single atomic update.
//
// Jobs never continue. A retry re-runs the same job id with the same
// inputs after clearing everything the previous attempt produced.
//
// Expiry is derived at read time from expires_at. An expired job reads as
// "expired" and refuses result, proof and retry regardless of its stored
// status; Sweep only reclaims storage.
package lifecycle
