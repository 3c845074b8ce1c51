package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/atomjob/internal/job"
	"github.com/roach88/atomjob/internal/lifecycle"
	"github.com/roach88/atomjob/internal/usage"
)

// jobOutput is what run and retry print once the attempt finishes.
type jobOutput struct {
	JobID          string             `json:"job_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	Status         job.Status         `json:"status"`
	RetryCount     int                `json:"retry_count"`
	ExpiresAt      time.Time          `json:"expires_at"`
	Extracted      *job.ExtractedData `json:"extracted_data,omitempty"`
	Warnings       []string           `json:"warnings,omitempty"`
	Metrics        *usage.Metrics     `json:"metrics,omitempty"`
	Proof          *job.ProofPack     `json:"proof,omitempty"`
	Error          *job.JobError      `json:"error,omitempty"`
}

func newJobOutput(j *job.Job) *jobOutput {
	return &jobOutput{
		JobID:          j.ID,
		IdempotencyKey: j.IdempotencyKey,
		Status:         j.Status,
		RetryCount:     j.RetryCount,
		ExpiresAt:      j.ExpiresAt,
		Extracted:      j.Extracted,
		Warnings:       j.ResultWarnings,
		Metrics:        j.Metrics,
		Proof:          j.Proof,
		Error:          j.Error,
	}
}

func (o *jobOutput) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s: %s (attempt %d, expires %s)\n", o.JobID, o.Status, o.RetryCount+1, o.ExpiresAt.Format(time.RFC3339))
	if o.Error != nil {
		fmt.Fprintf(&b, "Error [%s]: %s\n", o.Error.Code, o.Error.Message)
	}
	if o.Extracted != nil {
		fmt.Fprintf(&b, "\nExtracted data (%s):\n%s\n", o.Extracted.Kind, o.Extracted.Data)
	}
	for _, w := range o.Warnings {
		fmt.Fprintf(&b, "Warning: %s\n", w)
	}
	if o.Metrics != nil {
		b.WriteString("\n" + metricsText(o.Metrics))
	}
	if o.Proof != nil {
		fmt.Fprintf(&b, "\nProof digest: %s\n", o.Proof.Digest)
	}
	return strings.TrimRight(b.String(), "\n")
}

type statusOutput struct {
	*lifecycle.StatusView
}

func (o statusOutput) Text() string {
	s := fmt.Sprintf("Job %s: %s\nProgress: %d%%\nRetries: %d\nExpires: %s (remaining %s)",
		o.JobID, o.Status, o.Progress, o.RetryCount,
		o.ExpiresAt.Format(time.RFC3339), o.TimeRemaining.Round(time.Second))
	if o.Error != nil {
		s += fmt.Sprintf("\nError [%s]: %s", o.Error.Code, o.Error.Message)
	}
	return s
}

type resultOutput struct {
	*lifecycle.ResultView
}

func (o resultOutput) Text() string {
	var b strings.Builder
	if o.Extracted != nil {
		fmt.Fprintf(&b, "Extracted data (%s):\n%s\n", o.Extracted.Kind, o.Extracted.Data)
	}
	for _, out := range o.Outputs {
		fmt.Fprintf(&b, "Output %s (%s, %d bytes) sha256:%s\n", out.Name, out.ContentType, out.Size, out.SHA256)
	}
	for _, w := range o.Warnings {
		fmt.Fprintf(&b, "Warning: %s\n", w)
	}
	if o.Metrics != nil {
		b.WriteString(metricsText(o.Metrics))
	}
	return strings.TrimRight(b.String(), "\n")
}

type proofOutput struct {
	*lifecycle.ProofView
}

func (o proofOutput) Text() string {
	p := o.Proof
	var b strings.Builder
	fmt.Fprintf(&b, "Proof %s for job %s (attempt %d, %s)\n", p.Version, p.JobID, p.Attempt, p.Status)
	fmt.Fprintf(&b, "Input hash:  %s\n", p.Integrity.InputHash)
	if p.Integrity.OutputHash != "" {
		fmt.Fprintf(&b, "Output hash: %s\n", p.Integrity.OutputHash)
	}
	for _, c := range p.Governance.Checks {
		mark := "PASS"
		if !c.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "  [%s] %s", mark, c.Name)
		if c.Detail != "" {
			fmt.Fprintf(&b, ": %s", c.Detail)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Can promote: %t\n", p.Expiration.CanPromote)
	fmt.Fprintf(&b, "Digest:    %s\n", p.Digest)
	if p.Signature != "" {
		fmt.Fprintf(&b, "Signature: %s\n", p.Signature)
	}
	return strings.TrimRight(b.String(), "\n")
}

func metricsText(m *usage.Metrics) string {
	return fmt.Sprintf("Usage: %s (%s) %d in / %d out tokens, %.6f %s (%.6f %s, %s)\n%s\n",
		m.Model, m.PricingTier, m.InputTokens, m.OutputTokens,
		m.TotalCost, m.Currency, m.DisplayCost, m.DisplayCurrency, m.CostTier,
		m.Disclaimer)
}
