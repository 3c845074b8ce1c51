package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/roach88/atomjob/internal/canon"
	"github.com/roach88/atomjob/internal/guard"
	"github.com/roach88/atomjob/internal/job"
)

// File is one uploaded document.
type File struct {
	Name        string
	ContentType string
	Content     []byte
}

// SubmitRequest is a new job submission.
type SubmitRequest struct {
	TenantID       string
	JobType        job.Type
	TransformType  job.Transform
	IdempotencyKey string
	Files          []File

	// Fields are the remaining submitted fields. They are kept on the job
	// so the proof can re-inspect them; they never reach the model.
	Fields map[string]any
}

// Receipt acknowledges an accepted submission or retry.
type Receipt struct {
	JobID          string     `json:"job_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	Status         job.Status `json:"status"`
	RetryCount     int        `json:"retry_count"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// Submit validates and guards req, records a queued job and hands it to
// the worker pool. A refused submission creates no job.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Receipt, error) {
	if m.closed() {
		return nil, ErrClosed
	}

	if req.TenantID == "" {
		return nil, job.NewError(job.CodeValidation, "", "tenant_id is required")
	}
	if req.JobType == "" {
		req.JobType = job.TypeDocumentExtraction
	}
	if !req.JobType.Valid() {
		return nil, job.NewError(job.CodeValidation, "", "unknown job_type %q", req.JobType)
	}
	if !req.TransformType.Valid() {
		return nil, job.NewError(job.CodeValidation, "", "unknown transform_type %q", req.TransformType)
	}

	inputs := make([]job.InputFile, len(req.Files))
	hashes := make([]string, len(req.Files))
	for i, f := range req.Files {
		sum := canon.ContentHash(f.Content)
		inputs[i] = job.InputFile{
			Name:        f.Name,
			ContentType: f.ContentType,
			Size:        int64(len(f.Content)),
			SHA256:      sum,
			Content:     f.Content,
		}
		hashes[i] = sum
	}

	// Malformed submissions are refused before the guard so they leave no
	// audit entry.
	if err := m.checkFiles(req.TransformType, inputs); err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		derived, err := canon.DeriveIdempotencyKey(req.TenantID, string(req.TransformType), hashes)
		if err != nil {
			return nil, fmt.Errorf("derive idempotency key: %w", err)
		}
		key = derived
	}

	decision := m.guard.EvaluateSubmission(guard.Submission{
		TenantID:       req.TenantID,
		IdempotencyKey: key,
		Fields:         req.Fields,
	})
	if !decision.Allowed {
		return nil, governanceError("", decision)
	}

	now := m.now().UTC()
	j := &job.Job{
		ID:             m.ids.Generate(),
		TenantID:       req.TenantID,
		JobType:        req.JobType,
		TransformType:  req.TransformType,
		IdempotencyKey: key,
		Status:         job.StatusQueued,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.TTL),
		Inputs:         inputs,
		Fields:         req.Fields,
	}
	if err := m.admit(ctx, j); err != nil {
		return nil, err
	}

	m.logger.Info("lifecycle.job.submitted",
		"job_id", j.ID,
		"tenant_id", j.TenantID,
		"transform", string(j.TransformType),
		"files", len(inputs),
		"expires_at", j.ExpiresAt)

	return receiptFor(j), nil
}

// checkFiles enforces count, size and per-transform extension limits.
func (m *Manager) checkFiles(tr job.Transform, inputs []job.InputFile) error {
	lim := m.cfg.Limits
	if len(inputs) == 0 {
		return job.NewError(job.CodeValidation, "", "at least one input file is required")
	}
	if len(inputs) > lim.MaxFiles {
		return job.NewError(job.CodeValidation, "", "too many files: %d (max %d)", len(inputs), lim.MaxFiles)
	}

	// Without a template the executor fails the job with UNSUPPORTED_TRANSFORM.
	tmpl, hasTemplate := m.executor.Template(tr)

	var total int64
	for _, in := range inputs {
		if in.Name == "" {
			return job.NewError(job.CodeValidation, "", "file name is required")
		}
		if in.Size > lim.MaxFileBytes {
			return job.NewError(job.CodeValidation, "", "file %q is %d bytes (max %d)", in.Name, in.Size, lim.MaxFileBytes)
		}
		total += in.Size
		if hasTemplate && !tmpl.AllowsFile(in.Name) {
			return job.NewError(job.CodeValidation, "",
				"file %q has extension %q, not accepted for %s", in.Name, filepath.Ext(in.Name), tr)
		}
	}
	if total > lim.MaxTotalBytes {
		return job.NewError(job.CodeValidation, "", "files total %d bytes (max %d)", total, lim.MaxTotalBytes)
	}
	return nil
}

// admit records j and queues it. Holding startMu keeps Shutdown from
// closing the queue between the insert and the enqueue, so a refused
// submission never leaves a row behind.
func (m *Manager) admit(ctx context.Context, j *job.Job) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.shutdown {
		return ErrClosed
	}
	if err := m.table.Insert(ctx, j); err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return m.enqueue(j.ID)
}

func (m *Manager) closed() bool {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	return m.shutdown
}

func receiptFor(j *job.Job) *Receipt {
	return &Receipt{
		JobID:          j.ID,
		IdempotencyKey: j.IdempotencyKey,
		Status:         j.Status,
		RetryCount:     j.RetryCount,
		ExpiresAt:      j.ExpiresAt,
	}
}
