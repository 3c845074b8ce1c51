package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/atomjob/internal/executor"
	"github.com/roach88/atomjob/internal/guard"
	"github.com/roach88/atomjob/internal/job"
	"github.com/roach88/atomjob/internal/proof"
	"github.com/roach88/atomjob/internal/store"
	"github.com/roach88/atomjob/internal/usage"
)

// errStale aborts a table update whose attempt is no longer current.
var errStale = errors.New("attempt superseded")

func (m *Manager) runWorker(ctx context.Context, worker int) {
	m.logger.Debug("lifecycle.worker.started", "worker", worker)
	defer m.logger.Debug("lifecycle.worker.stopped", "worker", worker)

	for {
		if id, ok := m.queue.TryDequeue(); ok {
			m.execute(ctx, id)
			continue
		}
		if m.queue.Drained() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.queue.Wait():
		}
	}
}

// execute runs one attempt. The claim, every progress write and the final
// write are fenced on the attempt number, so a stale worker cannot touch
// a job that has since been retried.
//
// Table writes run on a context detached from ctx: cancelling ctx aborts
// the model call, and the attempt must still be recorded as failed rather
// than left in processing.
func (m *Manager) execute(ctx context.Context, id string) {
	writeCtx := context.WithoutCancel(ctx)

	started := m.now().UTC()
	claimed, err := m.table.Update(writeCtx, id, func(j *job.Job) error {
		if j.Status != job.StatusQueued {
			return errStale
		}
		if err := j.Transition(job.StatusProcessing); err != nil {
			return err
		}
		j.StartedAt = &started
		j.Progress = 0
		return nil
	})
	switch {
	case errors.Is(err, errStale), errors.Is(err, store.ErrNotFound):
		m.logger.Debug("lifecycle.job.skipped", "job_id", id, "reason", err)
		return
	case err != nil:
		m.logger.Error("lifecycle.job.claim_failed", "job_id", id, "error", err)
		return
	}
	attempt := claimed.Attempt()
	m.logger.Info("lifecycle.job.processing", "job_id", id, "attempt", attempt)

	execCtx, cancel := context.WithTimeout(ctx, m.cfg.ExecutionTimeout)
	defer cancel()

	res, execErr := m.executor.Execute(execCtx, claimed, m.progressFunc(writeCtx, id, attempt))
	if execErr != nil {
		m.fail(writeCtx, id, attempt, execErr)
		return
	}
	m.complete(writeCtx, id, attempt, res)
}

// progressFunc returns an advisory progress writer for one attempt.
func (m *Manager) progressFunc(ctx context.Context, id string, attempt int) executor.ProgressFunc {
	return func(pct int) {
		_, err := m.table.Update(ctx, id, func(j *job.Job) error {
			if j.Attempt() != attempt || j.Status != job.StatusProcessing {
				return errStale
			}
			if pct > j.Progress {
				j.Progress = pct
			}
			return nil
		})
		if err != nil {
			m.logger.Debug("lifecycle.job.progress_dropped", "job_id", id, "progress", pct, "error", err)
		}
	}
}

func (m *Manager) complete(ctx context.Context, id string, attempt int, res *executor.Result) {
	metrics := m.prices.Calculate(usage.Input{
		Model:        res.TokenUsage.Model,
		InputTokens:  res.TokenUsage.InputTokens,
		OutputTokens: res.TokenUsage.OutputTokens,
		Elapsed:      res.Elapsed,
	})
	check := m.guard.EvaluateResult(guard.ResultContent{Text: res.Text, Data: res.Data})
	for _, w := range check.Warnings {
		m.logger.Warn("lifecycle.result.warning", "job_id", id, "warning", w)
	}

	warnings := make([]string, 0, len(res.Warnings)+len(check.Warnings))
	warnings = append(warnings, res.Warnings...)
	warnings = append(warnings, check.Warnings...)

	done, err := m.table.Update(ctx, id, func(j *job.Job) error {
		if j.Attempt() != attempt || j.Status != job.StatusProcessing {
			return errStale
		}
		if err := j.Transition(job.StatusCompleted); err != nil {
			return err
		}
		finished := m.now().UTC()
		usageCopy := res.TokenUsage
		j.CompletedAt = &finished
		j.Progress = executor.ProgressOutputsWritten
		j.Outputs = res.Outputs
		j.Extracted = res.Extracted
		j.TokenUsage = &usageCopy
		j.Metrics = &metrics
		if len(warnings) > 0 {
			j.ResultWarnings = warnings
		}
		j.Proof = m.generateProof(j, proof.Continuity{
			ResultChecked:  true,
			ResultWarnings: check.Warnings,
		})
		return nil
	})
	if err != nil {
		m.logger.Error("lifecycle.job.write_failed", "job_id", id, "attempt", attempt, "error", err)
		return
	}

	m.logger.Info("lifecycle.job.completed",
		"job_id", id,
		"attempt", attempt,
		"model", metrics.Model,
		"total_tokens", metrics.TotalTokens,
		"total_cost", metrics.TotalCost,
		"cost_tier", string(metrics.CostTier),
		"warnings", len(warnings),
		"proof", done.Proof != nil)
}

func (m *Manager) fail(ctx context.Context, id string, attempt int, cause error) {
	jerr := job.ToJobError(cause)
	_, err := m.table.Update(ctx, id, func(j *job.Job) error {
		if j.Attempt() != attempt || j.Status != job.StatusProcessing {
			return errStale
		}
		if err := j.Transition(job.StatusFailed); err != nil {
			return err
		}
		finished := m.now().UTC()
		j.CompletedAt = &finished
		j.Error = jerr
		j.Proof = m.generateProof(j, proof.Continuity{})
		return nil
	})
	if err != nil {
		m.logger.Error("lifecycle.job.write_failed", "job_id", id, "attempt", attempt, "error", err)
		return
	}
	m.logger.Warn("lifecycle.job.failed",
		"job_id", id,
		"attempt", attempt,
		"code", string(jerr.Code),
		"error", jerr.Message)
}

// generateProof is best effort: a failure is logged and the job keeps its
// terminal status without a pack.
func (m *Manager) generateProof(j *job.Job, c proof.Continuity) *job.ProofPack {
	c.SubmissionViolations = m.guard.Inspect(guard.Submission{
		TenantID:       j.TenantID,
		IdempotencyKey: j.IdempotencyKey,
		Fields:         j.Fields,
	})
	p, err := m.proofs.Generate(j, c)
	if err != nil {
		m.logger.Error("lifecycle.proof.failed", "job_id", j.ID, "error", err)
		return nil
	}
	return p
}

func (m *Manager) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Warn("lifecycle.sweep.failed", "error", err)
			}
		}
	}
}
