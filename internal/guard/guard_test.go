package guard

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestGuard(t *testing.T, opts ...Option) *Guard {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	g, err := New(DefaultPolicy(), opts...)
	require.NoError(t, err)
	return g
}

func submission(fields map[string]any) Submission {
	return Submission{TenantID: "tenant-a", IdempotencyKey: "idem-1", Fields: fields}
}

func TestEvaluateSubmissionAllowsCleanFields(t *testing.T) {
	g := newTestGuard(t)

	d := g.EvaluateSubmission(submission(map[string]any{
		"transform_type": "payslip_extraction",
		"notes":          "Extract gross and net pay for March.",
		"metadata":       map[string]any{"source": "upload-portal"},
	}))

	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
	assert.Nil(t, d.Violation)
	assert.Empty(t, g.Audit())
}

func TestEvaluateSubmissionPreviousJobID(t *testing.T) {
	g := newTestGuard(t)

	d := g.EvaluateSubmission(submission(map[string]any{
		"transform_type":  "mortgage_eligibility_summary",
		"previous_job_id": "x",
	}))

	require.False(t, d.Allowed)
	assert.Equal(t, reasonForbiddenField, d.Reason)
	require.NotNil(t, d.Violation)
	assert.Equal(t, KindSubmission, d.Violation.Kind)
	assert.Equal(t, []RuleViolation{
		{Type: ViolationForbiddenField, Target: "previous_job_id", Rule: reasonForbiddenField},
	}, d.Violation.Violations)

	audit := g.Audit()
	require.Len(t, audit, 1)
	assert.Equal(t, fixedNow, audit[0].Timestamp)
	assert.Equal(t, "tenant-a", audit[0].TenantID)
	assert.Equal(t, "idem-1", audit[0].IdempotencyKey)
}

func TestEvaluateSubmissionForbiddenFieldPresentRegardlessOfValue(t *testing.T) {
	g := newTestGuard(t)

	for _, v := range []any{"", nil, false, 0} {
		d := g.EvaluateSubmission(submission(map[string]any{"workflow_id": v}))
		assert.False(t, d.Allowed, "value %v", v)
	}
}

func TestEvaluateSubmissionReferenceFlags(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		blocked bool
	}{
		{"true", true, true},
		{"false", false, false},
		{"yes string", "yes", true},
		{"false string", "false", false},
		{"zero string", "0", false},
		{"empty string", "", false},
		{"one", 1, true},
		{"zero", 0, false},
		{"nil", nil, false},
		{"non-empty list", []any{"x"}, true},
		{"empty list", []any{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGuard(t)
			d := g.EvaluateSubmission(submission(map[string]any{"is_continuation": tt.value}))
			assert.Equal(t, !tt.blocked, d.Allowed)
			if tt.blocked {
				assert.Equal(t, reasonReferenceFlag, d.Reason)
			}
		})
	}
}

func TestEvaluateSubmissionNestedInMetadataContainer(t *testing.T) {
	g := newTestGuard(t)

	d := g.EvaluateSubmission(submission(map[string]any{
		"metadata": map[string]any{
			"routing": map[string]any{
				"items": []any{
					map[string]any{"parent_job_id": "abc"},
				},
			},
		},
	}))

	require.False(t, d.Allowed)
	assert.Equal(t, "metadata.routing.items[0].parent_job_id", d.Violation.Violations[0].Target)
}

func TestEvaluateSubmissionIgnoresNestingOutsideContainers(t *testing.T) {
	g := newTestGuard(t)

	d := g.EvaluateSubmission(submission(map[string]any{
		"applicant": map[string]any{"previous_job_id": "employer reference"},
	}))

	assert.True(t, d.Allowed)
}

func TestEvaluateSubmissionFieldNamesCaseInsensitive(t *testing.T) {
	g := newTestGuard(t)

	d := g.EvaluateSubmission(submission(map[string]any{"Previous_Job_ID": "x"}))

	require.False(t, d.Allowed)
	assert.Equal(t, "Previous_Job_ID", d.Violation.Violations[0].Target)
}

func TestEvaluateSubmissionShortCircuitsBetweenPasses(t *testing.T) {
	g := newTestGuard(t)

	d := g.EvaluateSubmission(submission(map[string]any{
		"uses_prior_output": true,
		"previous_job_id":   "x",
		"prompt":            "continue from the previous run",
	}))

	require.False(t, d.Allowed)
	assert.Equal(t, reasonReferenceFlag, d.Reason)
	require.Len(t, d.Violation.Violations, 1)
	assert.Equal(t, ViolationReferenceFlag, d.Violation.Violations[0].Type)
}

func TestEvaluateSubmissionCollectsWithinPass(t *testing.T) {
	g := newTestGuard(t)

	d := g.EvaluateSubmission(submission(map[string]any{
		"workflow_id": "wf",
		"chain_id":    "c",
		"context":     map[string]any{"session_id": "s"},
	}))

	require.False(t, d.Allowed)
	targets := make([]string, 0, len(d.Violation.Violations))
	for _, v := range d.Violation.Violations {
		targets = append(targets, v.Target)
	}
	assert.Equal(t, []string{"chain_id", "context.session_id", "workflow_id"}, targets)
}

func TestEvaluateSubmissionContinuityPhrases(t *testing.T) {
	tests := []struct {
		field   string
		text    string
		blocked bool
	}{
		{"prompt", "Use the PREVIOUS JOB as a baseline", true},
		{"instructions", "Continue from where the last run stopped", true},
		{"notes", "pick up where you left off", true},
		{"query", "Compare this with the prior statement", true},
		{"comment", "same as last time please", true},
		{"description", "This is step 2 of 3", true},
		{"notes", "Extract the net pay for each month", false},
		{"title", "Use the previous job", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.field, tt.text), func(t *testing.T) {
			g := newTestGuard(t)
			d := g.EvaluateSubmission(submission(map[string]any{tt.field: tt.text}))
			assert.Equal(t, !tt.blocked, d.Allowed)
			if tt.blocked {
				assert.Equal(t, ViolationContinuityPhrase, d.Violation.Violations[0].Type)
			}
		})
	}
}

func TestEvaluateSubmissionPhraseInsideContainer(t *testing.T) {
	g := newTestGuard(t)

	d := g.EvaluateSubmission(submission(map[string]any{
		"options": map[string]any{"notes": []any{"fine", "build on the previous figures"}},
	}))

	require.False(t, d.Allowed)
	assert.Equal(t, `options.notes: "build on the previous"`, d.Violation.Violations[0].Target)
}

func TestInspectDoesNotAudit(t *testing.T) {
	g := newTestGuard(t)

	v := g.Inspect(submission(map[string]any{"previous_job_id": "x"}))

	assert.Len(t, v, 1)
	assert.Empty(t, g.Audit())
}

func TestEvaluateRetry(t *testing.T) {
	orig := Identity{JobID: "job-1", IdempotencyKey: "idem-1"}

	tests := []struct {
		name   string
		req    RetryRequest
		reason string
		vtype  ViolationType
	}{
		{
			name:   "mismatched job id",
			req:    RetryRequest{JobID: "job-2"},
			reason: reasonJobIDMismatch,
			vtype:  ViolationJobIDMismatch,
		},
		{
			name:   "mismatched idempotency key",
			req:    RetryRequest{JobID: "job-1", IdempotencyKey: "idem-2"},
			reason: reasonIdempotencyKey,
			vtype:  ViolationIdempotencyKey,
		},
		{
			name:   "new files",
			req:    RetryRequest{JobID: "job-1", Fields: map[string]any{"new_files": []any{"b.pdf"}}},
			reason: reasonNewInput,
			vtype:  ViolationNewInput,
		},
		{
			name:   "extra context in metadata",
			req:    RetryRequest{JobID: "job-1", Fields: map[string]any{"metadata": map[string]any{"extra_context": "x"}}},
			reason: reasonNewInput,
			vtype:  ViolationNewInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGuard(t)
			d := g.EvaluateRetry(orig, tt.req)

			require.False(t, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
			require.NotNil(t, d.Violation)
			assert.Equal(t, KindRetry, d.Violation.Kind)
			assert.Equal(t, "job-1", d.Violation.JobID)
			assert.Equal(t, tt.vtype, d.Violation.Violations[0].Type)
			assert.Len(t, g.Audit(), 1)
		})
	}
}

func TestEvaluateRetryAllowed(t *testing.T) {
	g := newTestGuard(t)
	orig := Identity{JobID: "job-1", IdempotencyKey: "idem-1"}

	assert.True(t, g.EvaluateRetry(orig, RetryRequest{JobID: "job-1"}).Allowed)
	assert.True(t, g.EvaluateRetry(orig, RetryRequest{JobID: "job-1", IdempotencyKey: "idem-1"}).Allowed)
	assert.True(t, g.EvaluateRetry(orig, RetryRequest{JobID: "job-1", Fields: map[string]any{"reason": "timeout"}}).Allowed)
	assert.Empty(t, g.Audit())
}

func TestEvaluateResultIsAdvisory(t *testing.T) {
	g := newTestGuard(t)

	check := g.EvaluateResult(ResultContent{
		Text: "Figures match the previous analysis.",
		Data: map[string]any{
			"employer": "Acme",
			"links":    map[string]any{"previous_job_id": "j-0"},
		},
	})

	assert.False(t, check.Clean)
	require.Len(t, check.Warnings, 2)
	assert.Contains(t, check.Warnings[0], `"previous analysis"`)
	assert.Contains(t, check.Warnings[1], "links.previous_job_id")
	assert.Empty(t, g.Audit(), "result checks never audit")

	clean := g.EvaluateResult(ResultContent{Text: "Net pay: 2,400.00", Data: map[string]any{"net_pay": "2400.00"}})
	assert.True(t, clean.Clean)
	assert.Empty(t, clean.Warnings)
}

func TestAuditReturnsCopy(t *testing.T) {
	g := newTestGuard(t)
	g.EvaluateSubmission(submission(map[string]any{"chain_id": "c"}))

	a := g.Audit()
	a[0].TenantID = "mutated"
	a[0].Violations[0].Target = "mutated"

	b := g.Audit()
	assert.Equal(t, "tenant-a", b[0].TenantID)
	assert.Equal(t, "chain_id", b[0].Violations[0].Target)
}

func TestAuditConcurrentAppends(t *testing.T) {
	g := newTestGuard(t)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.EvaluateSubmission(submission(map[string]any{"chain_id": i}))
		}()
	}
	wg.Wait()

	assert.Len(t, g.Audit(), 50)
}

func TestWithRulesJoinsPass(t *testing.T) {
	custom := Rule{
		Name:        "no_ticket_ids",
		Pass:        PassReferenceFlags,
		Description: "Submission must not carry ticket ids",
		Check: func(fields map[string]any) []RuleViolation {
			if _, ok := fields["ticket_id"]; ok {
				return []RuleViolation{{Type: "custom", Target: "ticket_id", Rule: "Submission must not carry ticket ids"}}
			}
			return nil
		},
	}
	g := newTestGuard(t, WithRules(custom))

	d := g.EvaluateSubmission(submission(map[string]any{"ticket_id": "T-1", "workflow_id": "w"}))

	require.False(t, d.Allowed)
	assert.Equal(t, "Submission must not carry ticket ids", d.Reason)
	assert.Len(t, d.Violation.Violations, 1, "forbidden_fields pass is skipped")

	rules := g.Rules()
	for i := 1; i < len(rules); i++ {
		assert.LessOrEqual(t, rules[i-1].Pass, rules[i].Pass)
	}
}
