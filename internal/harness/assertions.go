package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/atomjob/internal/canon"
	"github.com/roach88/atomjob/internal/guard"
	"github.com/roach88/atomjob/internal/proof"
	"github.com/roach88/atomjob/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against h's final state and
// returns one message per failure.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(ctx, h, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(ctx context.Context, h *Harness, a Assertion) error {
	switch a.Type {
	case AssertJobState:
		return assertJobState(ctx, h, a)
	case AssertJobCount:
		n, err := h.table.Count(ctx)
		if err != nil {
			return err
		}
		return countMatches(a.Type, *a.Count, n)
	case AssertAuditCount:
		n := 0
		for _, rec := range h.guard.Audit() {
			if a.Kind == "" || rec.Kind == guard.RecordKind(a.Kind) {
				n++
			}
		}
		return countMatches(a.Type, *a.Count, n)
	case AssertProofValid:
		return assertProofValid(ctx, h, a)
	case AssertModelCalls:
		return countMatches(a.Type, *a.Count, h.model.Calls())
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func countMatches(typ string, want, got int) error {
	if want == got {
		return nil
	}
	return &AssertionError{Type: typ, Expected: fmt.Sprintf("count %d", want), Actual: fmt.Sprintf("count %d", got)}
}

// assertJobState reads the stored record directly, so an expired job still
// shows its stored status.
func assertJobState(ctx context.Context, h *Harness, a Assertion) error {
	j, err := h.table.Get(ctx, h.resolve(a.Job))
	if errors.Is(err, store.ErrNotFound) {
		if a.Absent {
			return nil
		}
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("job %s present", a.Job), Actual: "not found"}
	}
	if err != nil {
		return err
	}
	if a.Absent {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("job %s absent", a.Job), Actual: "status " + string(j.Status)}
	}

	if a.Status != "" && string(j.Status) != a.Status {
		return &AssertionError{Type: a.Type, Expected: "status " + a.Status, Actual: "status " + string(j.Status)}
	}
	if a.RetryCount != nil && j.RetryCount != *a.RetryCount {
		return &AssertionError{Type: a.Type,
			Expected: fmt.Sprintf("retry_count %d", *a.RetryCount),
			Actual:   fmt.Sprintf("retry_count %d", j.RetryCount)}
	}

	got := ""
	if j.Error != nil {
		got = string(j.Error.Code)
	}
	if got != a.ErrorCode {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("error code %q", a.ErrorCode), Actual: fmt.Sprintf("error code %q", got)}
	}
	return nil
}

// assertProofValid checks the stored proof's digest, signature and output
// hash, and that every governance check passed.
func assertProofValid(ctx context.Context, h *Harness, a Assertion) error {
	j, err := h.table.Get(ctx, h.resolve(a.Job))
	if err != nil {
		return err
	}
	p := j.Proof
	if p == nil {
		return &AssertionError{Type: a.Type, Expected: "proof present", Actual: "no proof"}
	}
	if err := proof.Verify(p, SigningKey); err != nil {
		return &AssertionError{Type: a.Type, Expected: "proof verifies", Actual: err.Error()}
	}
	if primary, ok := j.PrimaryOutput(); ok {
		if want := canon.ContentHash(primary.Content); p.Integrity.OutputHash != want {
			return &AssertionError{Type: a.Type, Expected: "output_hash " + want, Actual: "output_hash " + p.Integrity.OutputHash}
		}
	}
	if p.Integrity.InputHash != proof.InputHash(j.Inputs) {
		return &AssertionError{Type: a.Type, Expected: "input_hash matches inputs", Actual: p.Integrity.InputHash}
	}
	for _, c := range p.Governance.Checks {
		if !c.Passed {
			return &AssertionError{Type: a.Type, Expected: "all governance checks pass", Actual: c.Name + ": " + c.Detail}
		}
	}
	return nil
}
