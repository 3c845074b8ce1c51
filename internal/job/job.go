package job

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/roach88/atomjob/internal/usage"
)

// Type is the closed set of job kinds.
type Type string

const TypeDocumentExtraction Type = "document_extraction"

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	return t == TypeDocumentExtraction
}

// Transform is the closed set of extraction tasks.
type Transform string

const (
	TransformMortgageEligibilitySummary Transform = "mortgage_eligibility_summary"
	TransformBankStatementExtraction    Transform = "bank_statement_extraction"
	TransformPayslipExtraction          Transform = "payslip_extraction"
	TransformIdentityDocument           Transform = "identity_document_extraction"
	TransformInvoiceExtraction          Transform = "invoice_extraction"
)

// Transforms lists every known transform in a stable order.
func Transforms() []Transform {
	return []Transform{
		TransformMortgageEligibilitySummary,
		TransformBankStatementExtraction,
		TransformPayslipExtraction,
		TransformIdentityDocument,
		TransformInvoiceExtraction,
	}
}

// Valid reports whether t is a known transform.
func (t Transform) Valid() bool {
	return slices.Contains(Transforms(), t)
}

// InputFile is one submitted document. Content is held for the life of the
// job record only.
type InputFile struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	Content     []byte `json:"content,omitempty"`
}

// Output is one named artifact written by an attempt.
type Output struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	Content     []byte `json:"content,omitempty"`
}

// ExtractedKind tags how the model response was interpreted.
type ExtractedKind string

const (
	ExtractedStructured ExtractedKind = "structured"
	ExtractedRaw        ExtractedKind = "raw"
)

// ExtractedData is the parsed model response.
type ExtractedData struct {
	Kind ExtractedKind   `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// TokenUsage is what the model reported for one call.
type TokenUsage struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// JobError is the structured failure attached to a failed attempt.
type JobError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Job is the central record.
type Job struct {
	ID             string    `json:"job_id"`
	TenantID       string    `json:"tenant_id"`
	JobType        Type      `json:"job_type"`
	TransformType  Transform `json:"transform_type"`
	IdempotencyKey string    `json:"idempotency_key"`

	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`

	Inputs []InputFile    `json:"inputs"`
	Fields map[string]any `json:"fields,omitempty"`

	Outputs        []Output       `json:"outputs,omitempty"`
	Extracted      *ExtractedData `json:"extracted_data,omitempty"`
	TokenUsage     *TokenUsage    `json:"token_usage,omitempty"`
	Metrics        *usage.Metrics `json:"metrics,omitempty"`
	Proof          *ProofPack     `json:"proof,omitempty"`
	Error          *JobError      `json:"error,omitempty"`
	ResultWarnings []string       `json:"result_warnings,omitempty"`
}

// Attempt is the 1-based attempt number.
func (j *Job) Attempt() int {
	return j.RetryCount + 1
}

// IsExpired reports whether now is past the retention deadline.
func (j *Job) IsExpired(now time.Time) bool {
	return now.After(j.ExpiresAt)
}

// EffectiveStatus is the status every read reports: expired overrides
// whatever is stored.
func (j *Job) EffectiveStatus(now time.Time) Status {
	if j.IsExpired(now) {
		return StatusExpired
	}
	return j.Status
}

// TimeRemaining is zero once the job has expired.
func (j *Job) TimeRemaining(now time.Time) time.Duration {
	if d := j.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// PrimaryOutput returns the output whose hash anchors the proof pack.
func (j *Job) PrimaryOutput() (Output, bool) {
	for _, o := range j.Outputs {
		if o.Name == PrimaryOutputName {
			return o, true
		}
	}
	return Output{}, false
}

// ResetAttempt discards everything the previous attempt produced.
func (j *Job) ResetAttempt() {
	j.Outputs = nil
	j.Extracted = nil
	j.TokenUsage = nil
	j.Metrics = nil
	j.Proof = nil
	j.Error = nil
	j.ResultWarnings = nil
	j.Progress = 0
	j.StartedAt = nil
	j.CompletedAt = nil
}

// Clone returns a deep copy. Table implementations hand out clones so
// callers never alias stored state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	tmp := *j
	tmp.Fields = nil
	data, err := json.Marshal(&tmp)
	if err != nil {
		panic("job: clone marshal: " + err.Error())
	}
	var c Job
	if err := json.Unmarshal(data, &c); err != nil {
		panic("job: clone unmarshal: " + err.Error())
	}
	// Fields keeps its submitted value types.
	c.Fields = cloneFields(j.Fields)
	return &c
}

func cloneFields(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneFields(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(val)
	default:
		return val
	}
}

// PrimaryOutputName is the artifact holding the extracted data.
const PrimaryOutputName = "extracted_data.json"

// RawOutputName is the artifact holding the verbatim model text.
const RawOutputName = "model_output.txt"
