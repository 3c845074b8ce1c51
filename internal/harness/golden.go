package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/atomjob/internal/canon"
)

// toCanonicalMap converts a result to a map for canonical JSON. Audit
// timestamps are dropped; the fake clock makes them redundant with the
// trace order.
func toCanonicalMap(name string, r *Result) map[string]any {
	trace := make([]any, len(r.Trace))
	for i, ev := range r.Trace {
		m := map[string]any{
			"seq":     ev.Seq,
			"op":      ev.Op,
			"outcome": ev.Outcome,
		}
		if ev.Job != "" {
			m["job"] = ev.Job
		}
		if ev.Status != "" {
			m["status"] = ev.Status
			m["retry_count"] = ev.RetryCount
		}
		if ev.Reason != "" {
			m["reason"] = ev.Reason
		}
		if ev.Deleted != nil {
			m["deleted"] = *ev.Deleted
		}
		trace[i] = m
	}

	audit := make([]any, len(r.Audit))
	for i, rec := range r.Audit {
		violations := make([]any, len(rec.Violations))
		for k, v := range rec.Violations {
			violations[k] = map[string]any{
				"type":   string(v.Type),
				"target": v.Target,
				"rule":   v.Rule,
			}
		}
		m := map[string]any{
			"kind":            string(rec.Kind),
			"idempotency_key": rec.IdempotencyKey,
			"violations":      violations,
		}
		if rec.TenantID != "" {
			m["tenant_id"] = rec.TenantID
		}
		if rec.JobID != "" {
			m["job"] = rec.JobID
		}
		audit[i] = m
	}

	return map[string]any{
		"scenario_name": name,
		"trace":         trace,
		"audit":         audit,
	}
}

// RunWithGolden executes a scenario and compares its trace and audit trail
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := canon.MarshalCanonical(toCanonicalMap(name, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
