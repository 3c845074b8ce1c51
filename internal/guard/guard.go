package guard

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Submission is what a caller asks to run. Fields is the complete submitted
// field map, including any metadata containers.
type Submission struct {
	TenantID       string
	IdempotencyKey string
	Fields         map[string]any
}

// Identity is the immutable part of an existing job.
type Identity struct {
	JobID          string
	IdempotencyKey string
}

// RetryRequest is what a caller sends to re-run a job.
type RetryRequest struct {
	JobID          string
	IdempotencyKey string
	Fields         map[string]any
}

// RecordKind tells which evaluation produced a ViolationRecord.
type RecordKind string

const (
	KindSubmission RecordKind = "submission"
	KindRetry      RecordKind = "retry"
)

// ViolationRecord is one entry of the audit trail.
type ViolationRecord struct {
	Timestamp      time.Time       `json:"timestamp"`
	Kind           RecordKind      `json:"kind"`
	TenantID       string          `json:"tenant_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	JobID          string          `json:"job_id,omitempty"`
	Violations     []RuleViolation `json:"violations"`
}

// Decision is the outcome of a blocking evaluation.
type Decision struct {
	Allowed bool
	Reason  string

	// Violation is the audit entry written for a refusal.
	Violation *ViolationRecord
}

// ResultContent is the generated output of an attempt.
type ResultContent struct {
	Text string
	Data map[string]any
}

// ResultCheck is advisory. A dirty result is still a completed job.
type ResultCheck struct {
	Clean    bool
	Warnings []string
}

// Guard evaluates submissions, retries and results against its rules.
// It is safe for concurrent use.
type Guard struct {
	policy  Policy
	phrases []compiledPhrase
	rules   []Rule
	now     func() time.Time
	logger  *slog.Logger

	mu    sync.Mutex
	audit []ViolationRecord
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock sets the time source for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = l
	}
}

// WithRules appends rules after the policy rules. Each rule joins the pass
// it names.
func WithRules(rules ...Rule) Option {
	return func(g *Guard) {
		g.rules = append(g.rules, rules...)
	}
}

// New builds a Guard from policy. Empty policy lists take their defaults.
func New(policy Policy, opts ...Option) (*Guard, error) {
	policy = policy.withDefaults()
	phrases, err := compilePhrases(policy.ContinuityPhrases)
	if err != nil {
		return nil, err
	}

	g := &Guard{
		policy:  policy,
		phrases: phrases,
		rules:   buildRules(policy, phrases),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	slices.SortStableFunc(g.rules, func(a, b Rule) int {
		return int(a.Pass) - int(b.Pass)
	})
	return g, nil
}

// Policy returns the effective policy.
func (g *Guard) Policy() Policy {
	return g.policy
}

// Rules returns the ordered rule list.
func (g *Guard) Rules() []Rule {
	return slices.Clone(g.rules)
}

// Inspect runs the submission passes without recording anything.
func (g *Guard) Inspect(sub Submission) []RuleViolation {
	var pass Pass
	var found []RuleViolation
	for _, r := range g.rules {
		if r.Pass != pass {
			if len(found) > 0 {
				break
			}
			pass = r.Pass
		}
		found = append(found, r.Check(sub.Fields)...)
	}
	return found
}

// EvaluateSubmission refuses a submission that carries any continuity
// signal. A refusal is appended to the audit trail.
func (g *Guard) EvaluateSubmission(sub Submission) Decision {
	violations := g.Inspect(sub)
	if len(violations) == 0 {
		return Decision{Allowed: true}
	}

	rec := g.record(ViolationRecord{
		Kind:           KindSubmission,
		TenantID:       sub.TenantID,
		IdempotencyKey: sub.IdempotencyKey,
		Violations:     violations,
	})

	g.logger.Info("guard.submission.blocked",
		"tenant_id", sub.TenantID,
		"idempotency_key", sub.IdempotencyKey,
		"violations", len(violations),
		"reason", violations[0].Rule)

	return Decision{Allowed: false, Reason: violations[0].Rule, Violation: &rec}
}

const (
	reasonJobIDMismatch  = "Retry must target the original job identity"
	reasonIdempotencyKey = "Retry idempotency key must match the original submission"
	reasonNewInput       = "Retry must not introduce new input material"
)

// EvaluateRetry checks that a retry re-runs the same job with the same
// input. Checks run in order and the first failure is returned.
func (g *Guard) EvaluateRetry(orig Identity, req RetryRequest) Decision {
	var v *RuleViolation

	switch {
	case req.JobID != orig.JobID:
		v = &RuleViolation{Type: ViolationJobIDMismatch, Target: req.JobID, Rule: reasonJobIDMismatch}
	case req.IdempotencyKey != "" && req.IdempotencyKey != orig.IdempotencyKey:
		v = &RuleViolation{Type: ViolationIdempotencyKey, Target: req.IdempotencyKey, Rule: reasonIdempotencyKey}
	default:
		newInput := lowerSet(g.policy.NewInputFields)
		walkFields(req.Fields, g.policy.MetadataContainers, func(path, key string, _ any) {
			if v == nil && newInput[key] {
				v = &RuleViolation{Type: ViolationNewInput, Target: path, Rule: reasonNewInput}
			}
		})
	}

	if v == nil {
		return Decision{Allowed: true}
	}

	rec := g.record(ViolationRecord{
		Kind:           KindRetry,
		IdempotencyKey: orig.IdempotencyKey,
		JobID:          orig.JobID,
		Violations:     []RuleViolation{*v},
	})

	g.logger.Info("guard.retry.blocked",
		"job_id", orig.JobID,
		"type", string(v.Type),
		"reason", v.Rule)

	return Decision{Allowed: false, Reason: v.Rule, Violation: &rec}
}

// EvaluateResult scans generated content for the same pattern families as
// submissions. It never blocks and never writes to the audit trail.
func (g *Guard) EvaluateResult(res ResultContent) ResultCheck {
	var warnings []string

	for _, ph := range g.phrases {
		if m := ph.re.FindString(res.Text); m != "" {
			warnings = append(warnings, fmt.Sprintf("output text contains %q: %s", m, ph.description))
		}
	}

	forbidden := lowerSet(append(slices.Clone(g.policy.ForbiddenFields), g.policy.ReferenceFlags...))
	walkAll(res.Data, func(path, key string, _ any) {
		if forbidden[key] {
			warnings = append(warnings, fmt.Sprintf("output field %s is a continuity identifier", path))
		}
	})

	if len(warnings) > 0 {
		g.logger.Warn("guard.result.warnings", "count", len(warnings))
	}
	return ResultCheck{Clean: len(warnings) == 0, Warnings: warnings}
}

// Audit returns a copy of the audit trail in append order.
func (g *Guard) Audit() []ViolationRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]ViolationRecord, len(g.audit))
	for i, r := range g.audit {
		r.Violations = slices.Clone(r.Violations)
		out[i] = r
	}
	return out
}

func (g *Guard) record(rec ViolationRecord) ViolationRecord {
	rec.Timestamp = g.now().UTC()

	g.mu.Lock()
	g.audit = append(g.audit, rec)
	g.mu.Unlock()

	rec.Violations = slices.Clone(rec.Violations)
	return rec
}
