package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/atomjob/internal/job"
	"github.com/roach88/atomjob/internal/store"
	"github.com/roach88/atomjob/internal/usage"
)

// StatusView is the read-time status of a job.
type StatusView struct {
	JobID         string        `json:"job_id"`
	Status        job.Status    `json:"status"`
	Progress      int           `json:"progress"`
	RetryCount    int           `json:"retry_count"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	IsExpired     bool          `json:"is_expired"`
	TimeRemaining time.Duration `json:"time_remaining"`
	Error         *job.JobError `json:"error,omitempty"`
}

// ResultView is a completed job's extracted data and usage.
type ResultView struct {
	JobID      string             `json:"job_id"`
	Extracted  *job.ExtractedData `json:"extracted_data"`
	Outputs    []job.Output       `json:"outputs"`
	TokenUsage *job.TokenUsage    `json:"token_usage,omitempty"`
	Metrics    *usage.Metrics     `json:"metrics,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`
	ExpiresAt  time.Time          `json:"expires_at"`
}

// ProofView is a job's proof pack with its usage metrics alongside.
type ProofView struct {
	JobID   string         `json:"job_id"`
	Proof   *job.ProofPack `json:"proof"`
	Metrics *usage.Metrics `json:"metrics,omitempty"`
}

// Get returns a copy of the stored job with no expiry applied.
func (m *Manager) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := m.table.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	return j, nil
}

// Status reports the job's effective status. Past expires_at it reads as
// expired whatever the stored status.
func (m *Manager) Status(ctx context.Context, id string) (*StatusView, error) {
	j, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	return &StatusView{
		JobID:         j.ID,
		Status:        j.EffectiveStatus(now),
		Progress:      j.Progress,
		RetryCount:    j.RetryCount,
		CreatedAt:     j.CreatedAt,
		ExpiresAt:     j.ExpiresAt,
		IsExpired:     j.IsExpired(now),
		TimeRemaining: j.TimeRemaining(now),
		Error:         j.Error,
	}, nil
}

// Result returns a completed, unexpired job's outputs.
func (m *Manager) Result(ctx context.Context, id string) (*ResultView, error) {
	j, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.IsExpired(m.now()) {
		return nil, job.NewError(job.CodeExpired, id, "job expired; its result is no longer available")
	}
	if j.Status != job.StatusCompleted {
		return nil, job.NewError(job.CodeNotCompleted, id, "job is %s", j.Status)
	}
	return &ResultView{
		JobID:      j.ID,
		Extracted:  j.Extracted,
		Outputs:    j.Outputs,
		TokenUsage: j.TokenUsage,
		Metrics:    j.Metrics,
		Warnings:   j.ResultWarnings,
		ExpiresAt:  j.ExpiresAt,
	}, nil
}

// Proof returns the pack of the latest finished attempt, success or failure.
func (m *Manager) Proof(ctx context.Context, id string) (*ProofView, error) {
	j, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.IsExpired(m.now()) {
		return nil, job.NewError(job.CodeExpired, id, "job expired; its proof is no longer available")
	}
	if j.Proof == nil {
		return nil, job.NewError(job.CodeProofUnavailable, id, "no proof for a %s job", j.Status)
	}
	return &ProofView{JobID: j.ID, Proof: j.Proof, Metrics: j.Metrics}, nil
}

// Await polls until the job reaches a terminal status or ctx ends.
func (m *Manager) Await(ctx context.Context, id string) (*job.Job, error) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		j, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status.IsTerminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep deletes terminal jobs past expiry. Reads already treat such jobs
// as expired; this only reclaims storage.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	n, err := m.table.DeleteExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	if n > 0 {
		m.logger.Info("lifecycle.sweep.deleted", "jobs", n)
	}
	return n, nil
}
