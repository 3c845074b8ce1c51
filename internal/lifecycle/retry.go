package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/atomjob/internal/guard"
	"github.com/roach88/atomjob/internal/job"
	"github.com/roach88/atomjob/internal/store"
)

// RetryRequest asks to re-run a terminal job. JobID and IdempotencyKey, if
// set, must match the job being retried. Fields must not carry new input.
type RetryRequest struct {
	JobID          string
	IdempotencyKey string
	Fields         map[string]any
}

// Retry re-queues the job at id for a fresh attempt under the same
// identity. Checks run in order: retry limit, continuity guard, expiry,
// terminal status.
func (m *Manager) Retry(ctx context.Context, id string, req RetryRequest) (*Receipt, error) {
	if m.closed() {
		return nil, ErrClosed
	}
	if req.JobID == "" {
		req.JobID = id
	}

	cur, err := m.table.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}

	if err := m.retryLimit(cur); err != nil {
		return nil, err
	}

	decision := m.guard.EvaluateRetry(
		guard.Identity{JobID: cur.ID, IdempotencyKey: cur.IdempotencyKey},
		guard.RetryRequest{JobID: req.JobID, IdempotencyKey: req.IdempotencyKey, Fields: req.Fields},
	)
	if !decision.Allowed {
		return nil, governanceError(id, decision)
	}

	// The guard already ran; the update re-checks only what a concurrent
	// writer could have changed since the read. startMu is held until the
	// id is queued so Shutdown cannot strand a re-queued job.
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.shutdown {
		return nil, ErrClosed
	}
	queued, err := m.table.Update(ctx, id, func(j *job.Job) error {
		if err := m.retryLimit(j); err != nil {
			return err
		}
		now := m.now().UTC()
		if j.IsExpired(now) {
			return job.NewError(job.CodeExpired, id, "job expired at %s", j.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		if !j.Status.IsTerminal() {
			return job.NewError(job.CodeRetryNotAllowed, id, "job is %s; only completed or failed jobs can be retried", j.Status)
		}

		j.ResetAttempt()
		j.RetryCount++
		if extended := now.Add(m.cfg.TTL); extended.After(j.ExpiresAt) {
			j.ExpiresAt = extended
		}
		return j.Transition(job.StatusQueued)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}

	if err := m.enqueue(id); err != nil {
		return nil, err
	}

	m.logger.Info("lifecycle.job.retried",
		"job_id", id,
		"retry_count", queued.RetryCount,
		"expires_at", queued.ExpiresAt)

	return receiptFor(queued), nil
}

func (m *Manager) retryLimit(j *job.Job) error {
	if j.RetryCount >= m.cfg.MaxRetries {
		return job.NewError(job.CodeRetryLimitExceeded, j.ID,
			"retry limit reached (%d of %d)", j.RetryCount, m.cfg.MaxRetries)
	}
	return nil
}
