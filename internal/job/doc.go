// Package job defines the job record, its state machine and the typed
// errors shared by every component that touches a job.
//
// A Job is atomic and non-continuing. Its identity (ID, IdempotencyKey) is
// fixed at creation and survives retries; everything an attempt produces
// (outputs, extracted data, usage, proof, error) belongs to that attempt and
// is discarded when the next attempt starts.
//
// Stored status only moves along:
//
//	queued -> processing -> completed | failed
//	completed | failed -> queued (explicit retry)
//
// Expiry is never stored. It is derived at read time by comparing the
// clock against ExpiresAt (see Job.EffectiveStatus).
package job
