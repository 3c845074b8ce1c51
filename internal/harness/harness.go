package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/atomjob/internal/executor"
	"github.com/roach88/atomjob/internal/files"
	"github.com/roach88/atomjob/internal/guard"
	"github.com/roach88/atomjob/internal/job"
	"github.com/roach88/atomjob/internal/lifecycle"
	"github.com/roach88/atomjob/internal/store"
	"github.com/roach88/atomjob/internal/testutil"
)

// Epoch is the fake clock's starting time.
var Epoch = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

// SigningKey signs every proof produced by the harness.
var SigningKey = []byte("harness-signing-key")

// stepTimeout bounds how long submit and retry wait for an attempt.
const stepTimeout = 10 * time.Second

const defaultDocument = "Acme Ltd\nJ. Smith\nPay period 2025-05\nGross 3000.00\nNet 2400.00"

// Harness holds the object graph one scenario runs against.
type Harness struct {
	manager *lifecycle.Manager
	table   store.Table
	guard   *guard.Guard
	model   *testutil.ScriptedModel
	clock   *testutil.FakeClock

	// aliases maps scenario job aliases to job ids.
	aliases map[string]string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory table. Job ids are
// job-001, job-002 and so on in submission order.
func Run(scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)

	result := NewResult()
	for i, step := range scenario.Flow {
		ev, err := h.execute(ctx, i+1, step)
		if err != nil {
			h.shutdown()
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.Op, err)
		}
		result.Trace = append(result.Trace, ev)
		if msg := checkExpect(i, step.Expect, ev); msg != "" {
			result.AddError(msg)
		}
	}

	if err := h.shutdown(); err != nil {
		return nil, err
	}

	result.Audit = h.audit()
	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(s *Scenario) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
	clock := testutil.NewFakeClock(Epoch)

	steps := make([]testutil.Step, len(s.Model))
	for i, ms := range s.Model {
		steps[i] = testutil.Step{Text: ms.Text, InputTokens: ms.InputTokens, OutputTokens: ms.OutputTokens}
		if ms.Error != "" {
			steps[i].Err = errors.New(ms.Error)
		}
	}
	sm := testutil.NewScriptedModel(steps...)

	g, err := guard.New(guard.DefaultPolicy(), guard.WithClock(clock.Now), guard.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	ex, err := executor.New(sm, files.New(0, logger), executor.WithClock(clock.Now), executor.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	cfg := lifecycle.DefaultConfig()
	cfg.Workers = 1
	cfg.PollInterval = 2 * time.Millisecond
	if c := s.Config; c != nil {
		if c.TTL != "" {
			cfg.TTL, _ = time.ParseDuration(c.TTL)
		}
		if c.MaxRetries != nil {
			cfg.MaxRetries = *c.MaxRetries
		}
		if c.MaxFiles > 0 {
			cfg.Limits.MaxFiles = c.MaxFiles
		}
	}

	table := store.NewMemory()
	m, err := lifecycle.New(table, g, ex,
		lifecycle.WithConfig(cfg),
		lifecycle.WithClock(clock.Now),
		lifecycle.WithSigningKey(SigningKey),
		lifecycle.WithIDGenerator(lifecycle.NewFixedGenerator(jobIDs(s)...)),
		lifecycle.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	return &Harness{
		manager: m,
		table:   table,
		guard:   g,
		model:   sm,
		clock:   clock,
		aliases: make(map[string]string),
	}, nil
}

// jobIDs reserves one id per submit step. Refused submissions never draw
// one, so later jobs may take lower numbers than their step position.
func jobIDs(s *Scenario) []string {
	var ids []string
	for _, step := range s.Flow {
		if step.Op == OpSubmit {
			ids = append(ids, fmt.Sprintf("job-%03d", len(ids)+1))
		}
	}
	return ids
}

func (h *Harness) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	return h.manager.Shutdown(ctx)
}

// execute runs one step. Job errors become the event's outcome; anything
// else aborts the scenario.
func (h *Harness) execute(ctx context.Context, seq int, step FlowStep) (TraceEvent, error) {
	ev := TraceEvent{Seq: seq, Op: step.Op, Job: step.Job, Outcome: OutcomeOK}

	var err error
	switch step.Op {
	case OpSubmit:
		err = h.submit(ctx, step, &ev)
	case OpRetry:
		err = h.retry(ctx, step, &ev)
	case OpStatus:
		var st *lifecycle.StatusView
		if st, err = h.manager.Status(ctx, h.resolve(step.Job)); err == nil {
			ev.Status, ev.RetryCount = string(st.Status), st.RetryCount
		}
	case OpResult:
		_, err = h.manager.Result(ctx, h.resolve(step.Job))
	case OpProof:
		var pv *lifecycle.ProofView
		if pv, err = h.manager.Proof(ctx, h.resolve(step.Job)); err == nil {
			ev.Status, ev.RetryCount = pv.Proof.Status, pv.Proof.Attempt-1
		}
	case OpAdvance:
		d, _ := time.ParseDuration(step.Duration)
		h.clock.Advance(d)
	case OpSweep:
		var n int
		if n, err = h.manager.Sweep(ctx); err == nil {
			ev.Deleted = &n
		}
	}

	if err == nil {
		return ev, nil
	}
	code, ok := job.CodeOf(err)
	if !ok {
		return ev, err
	}
	ev.Outcome = string(code)
	if blocked, reason := lifecycle.Rejection(err); blocked {
		ev.Reason = reason
	}
	return ev, nil
}

func (h *Harness) submit(ctx context.Context, step FlowStep, ev *TraceEvent) error {
	if _, dup := h.aliases[step.Job]; dup {
		return fmt.Errorf("job alias %q already bound", step.Job)
	}

	req := lifecycle.SubmitRequest{
		TenantID:       step.Tenant,
		TransformType:  job.Transform(step.Transform),
		IdempotencyKey: step.IdempotencyKey,
		Fields:         step.Fields,
	}
	if req.TenantID == "" {
		req.TenantID = "tenant-a"
	}
	if req.TransformType == "" {
		req.TransformType = job.TransformPayslipExtraction
	}
	for _, f := range step.Files {
		ct := f.ContentType
		if ct == "" {
			ct = "text/plain"
		}
		req.Files = append(req.Files, lifecycle.File{Name: f.Name, ContentType: ct, Content: []byte(f.Content)})
	}
	if len(step.Files) == 0 {
		req.Files = []lifecycle.File{{Name: "payslip.txt", ContentType: "text/plain", Content: []byte(defaultDocument)}}
	}

	rec, err := h.manager.Submit(ctx, req)
	if err != nil {
		return err
	}
	h.aliases[step.Job] = rec.JobID
	return h.await(ctx, rec.JobID, ev)
}

func (h *Harness) retry(ctx context.Context, step FlowStep, ev *TraceEvent) error {
	req := lifecycle.RetryRequest{
		JobID:          h.resolve(step.ClaimJob),
		IdempotencyKey: step.IdempotencyKey,
		Fields:         step.Fields,
	}
	rec, err := h.manager.Retry(ctx, h.resolve(step.Job), req)
	if err != nil {
		return err
	}
	return h.await(ctx, rec.JobID, ev)
}

func (h *Harness) await(ctx context.Context, id string, ev *TraceEvent) error {
	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	j, err := h.manager.Await(ctx, id)
	if err != nil {
		return fmt.Errorf("await %s: %w", id, err)
	}
	ev.Status, ev.RetryCount = string(j.Status), j.RetryCount
	return nil
}

// resolve maps an alias to its job id. Unknown aliases pass through, so a
// step can name a job that never existed.
func (h *Harness) resolve(alias string) string {
	if id, ok := h.aliases[alias]; ok {
		return id
	}
	return alias
}

// alias maps a job id back to its alias.
func (h *Harness) alias(id string) string {
	for a, jid := range h.aliases {
		if jid == id {
			return a
		}
	}
	return id
}

// audit returns the guard's audit trail with aliases in place of job ids.
func (h *Harness) audit() []guard.ViolationRecord {
	recs := h.guard.Audit()
	for i := range recs {
		if recs[i].JobID != "" {
			recs[i].JobID = h.alias(recs[i].JobID)
		}
	}
	return recs
}

func checkExpect(index int, exp *ExpectClause, ev TraceEvent) string {
	if exp == nil {
		return ""
	}
	want := exp.Outcome
	if want == "" {
		want = OutcomeOK
	}
	switch {
	case ev.Outcome != want:
		return fmt.Sprintf("flow[%d] %s: outcome %s, want %s", index, ev.Op, ev.Outcome, want)
	case exp.Status != "" && ev.Status != exp.Status:
		return fmt.Sprintf("flow[%d] %s: status %s, want %s", index, ev.Op, ev.Status, exp.Status)
	case exp.RetryCount != nil && ev.RetryCount != *exp.RetryCount:
		return fmt.Sprintf("flow[%d] %s: retry_count %d, want %d", index, ev.Op, ev.RetryCount, *exp.RetryCount)
	case exp.Reason != "" && ev.Reason != exp.Reason:
		return fmt.Sprintf("flow[%d] %s: reason %q, want %q", index, ev.Op, ev.Reason, exp.Reason)
	case exp.Deleted != nil && (ev.Deleted == nil || *ev.Deleted != *exp.Deleted):
		return fmt.Sprintf("flow[%d] %s: deleted %v, want %d", index, ev.Op, ev.Deleted, *exp.Deleted)
	}
	return ""
}
