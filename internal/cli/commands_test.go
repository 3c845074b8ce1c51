package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atomjob/internal/testutil"
)

const payslipJSON = `{"employer_name": "Acme Ltd", "employee_name": "J. Smith", "pay_period": "2025-05", "gross_pay": 3000, "net_pay": 2400, "currency": "GBP"}`

// workspace is a temp dir with a SQLite-backed config, so state survives
// between command invocations.
type workspace struct {
	dir    string
	config string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	cfg := "store:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "jobs.db") + "\nlog:\n  level: error\n"
	path := filepath.Join(dir, "atomjob.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return &workspace{dir: dir, config: path}
}

func (w *workspace) file(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(w.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// execute runs the root command and returns stdout. Logs go to a separate
// buffer so JSON output stays parseable.
func (w *workspace) execute(t *testing.T, m *testutil.ScriptedModel, args ...string) (string, error) {
	t.Helper()
	opts := &RootOptions{}
	if m != nil {
		opts.Model = m
	}
	cmd := newRootCommand(opts)
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append([]string{"--config", w.config}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

// decode parses a JSON CLIResponse and unmarshals its data into v.
func decode(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	if v != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
	return CLIResponse{Status: resp.Status, Error: resp.Error}
}

type runData struct {
	JobID          string `json:"job_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	RetryCount     int    `json:"retry_count"`
	Extracted      *struct {
		Kind string         `json:"kind"`
		Data map[string]any `json:"data"`
	} `json:"extracted_data"`
	Proof *struct {
		Digest  string `json:"digest"`
		Attempt int    `json:"attempt"`
	} `json:"proof"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (w *workspace) runPayslip(t *testing.T, m *testutil.ScriptedModel, extra ...string) runData {
	t.Helper()
	doc := w.file(t, "may-payslip.txt", "Acme Ltd\nJ. Smith\nGross 3000.00\nNet 2400.00")
	args := append([]string{"run", "--format", "json", "--tenant", "tenant-a", "--transform", "payslip_extraction"}, extra...)
	out, err := w.execute(t, m, append(args, doc)...)
	require.NoError(t, err, out)

	var data runData
	resp := decode(t, out, &data)
	require.Equal(t, "ok", resp.Status)
	return data
}

func TestRunCompletesJob(t *testing.T) {
	w := newWorkspace(t)
	m := testutil.NewScriptedModel(testutil.Step{Text: payslipJSON, InputTokens: 1200, OutputTokens: 150})

	data := w.runPayslip(t, m)

	assert.NotEmpty(t, data.JobID)
	assert.Regexp(t, `^idem-[0-9a-f]{32}$`, data.IdempotencyKey)
	assert.Equal(t, "completed", data.Status)
	require.NotNil(t, data.Extracted)
	assert.Equal(t, "structured", data.Extracted.Kind)
	assert.Equal(t, "Acme Ltd", data.Extracted.Data["employer_name"])
	require.NotNil(t, data.Proof)
	assert.Equal(t, 1, data.Proof.Attempt)
	assert.NotEmpty(t, data.Proof.Digest)
	assert.Equal(t, 1, m.Calls())
}

func TestRunTextOutput(t *testing.T) {
	w := newWorkspace(t)
	m := testutil.NewScriptedModel(testutil.Step{Text: payslipJSON, InputTokens: 10, OutputTokens: 5})
	doc := w.file(t, "may-payslip.txt", "payslip")

	out, err := w.execute(t, m, "run", "--tenant", "tenant-a", "--transform", "payslip_extraction", doc)
	require.NoError(t, err)
	assert.Contains(t, out, ": completed (attempt 1")
	assert.Contains(t, out, "Proof digest:")
}

func TestRunMissingRequiredFlags(t *testing.T) {
	w := newWorkspace(t)
	doc := w.file(t, "a.txt", "x")

	_, err := w.execute(t, nil, "run", "--transform", "payslip_extraction", doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "tenant")
}

func TestRunBlockedSubmission(t *testing.T) {
	w := newWorkspace(t)
	m := testutil.NewScriptedModel()
	doc := w.file(t, "may-payslip.txt", "payslip")

	out, err := w.execute(t, m, "run", "--format", "json",
		"--tenant", "tenant-a", "--transform", "payslip_extraction",
		"--field", "previous_job_id=job-0", doc)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decode(t, out, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "GOVERNANCE_VIOLATION", resp.Error.Code)
	assert.Zero(t, m.Calls(), "a refused submission never reaches the model")
}

func TestRunFailedJobExitsOne(t *testing.T) {
	w := newWorkspace(t)
	m := testutil.NewScriptedModel(testutil.Step{Err: assert.AnError})
	doc := w.file(t, "may-payslip.txt", "payslip")

	out, err := w.execute(t, m, "run", "--format", "json", "--tenant", "tenant-a", "--transform", "payslip_extraction", doc)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var data runData
	decode(t, out, &data)
	assert.Equal(t, "failed", data.Status)
	require.NotNil(t, data.Error)
	assert.Equal(t, "EXECUTION_ERROR", data.Error.Code)
}

func TestRunUnreadableDocument(t *testing.T) {
	w := newWorkspace(t)

	out, err := w.execute(t, testutil.NewScriptedModel(), "run", "--tenant", "t", "--transform", "payslip_extraction",
		filepath.Join(w.dir, "missing.pdf"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E006]")
}

func TestStatusResultProofAfterRun(t *testing.T) {
	w := newWorkspace(t)
	data := w.runPayslip(t, testutil.NewScriptedModel(testutil.Step{Text: payslipJSON, InputTokens: 100, OutputTokens: 20}))

	out, err := w.execute(t, nil, "status", "--format", "json", data.JobID)
	require.NoError(t, err)
	var status struct {
		Status    string `json:"status"`
		Progress  int    `json:"progress"`
		IsExpired bool   `json:"is_expired"`
	}
	decode(t, out, &status)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, 100, status.Progress)
	assert.False(t, status.IsExpired)

	out, err = w.execute(t, nil, "result", "--format", "json", data.JobID)
	require.NoError(t, err)
	var result struct {
		Outputs []struct {
			Name string `json:"name"`
		} `json:"outputs"`
		Metrics *struct {
			InputTokens int `json:"input_tokens"`
		} `json:"metrics"`
	}
	decode(t, out, &result)
	require.NotEmpty(t, result.Outputs)
	require.NotNil(t, result.Metrics)
	assert.Equal(t, 100, result.Metrics.InputTokens)

	out, err = w.execute(t, nil, "proof", data.JobID)
	require.NoError(t, err)
	assert.Contains(t, out, "for job "+data.JobID)
	assert.Contains(t, out, "[PASS] submission_continuity_clean")
	assert.Contains(t, out, "Digest:    "+data.Proof.Digest)
}

func TestStatusUnknownJob(t *testing.T) {
	w := newWorkspace(t)

	out, err := w.execute(t, nil, "status", "--format", "json", "no-such-job")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decode(t, out, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestRetryRerunsJob(t *testing.T) {
	w := newWorkspace(t)
	first := w.runPayslip(t, testutil.NewScriptedModel(testutil.Step{Text: "not json", InputTokens: 100, OutputTokens: 5}))
	require.Equal(t, "completed", first.Status)
	require.Equal(t, "raw", first.Extracted.Kind)

	m := testutil.NewScriptedModel(testutil.Step{Text: payslipJSON, InputTokens: 100, OutputTokens: 20})
	out, err := w.execute(t, m, "retry", "--format", "json", first.JobID)
	require.NoError(t, err, out)

	var data runData
	decode(t, out, &data)
	assert.Equal(t, first.JobID, data.JobID)
	assert.Equal(t, first.IdempotencyKey, data.IdempotencyKey)
	assert.Equal(t, "completed", data.Status)
	assert.Equal(t, 1, data.RetryCount)
	require.NotNil(t, data.Extracted)
	assert.Equal(t, "structured", data.Extracted.Kind)
	require.NotNil(t, data.Proof)
	assert.Equal(t, 2, data.Proof.Attempt)
}

func TestRetryWithNewInputRefused(t *testing.T) {
	w := newWorkspace(t)
	first := w.runPayslip(t, testutil.NewScriptedModel(testutil.Step{Text: payslipJSON}))

	m := testutil.NewScriptedModel()
	out, err := w.execute(t, m, "retry", "--format", "json", "--field", "attachments=extra.pdf", first.JobID)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decode(t, out, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "GOVERNANCE_VIOLATION", resp.Error.Code)
	assert.Equal(t, "Retry must not introduce new input material", resp.Error.Message)
	assert.Zero(t, m.Calls())
}

func TestRetryWrongIdempotencyKeyRefused(t *testing.T) {
	w := newWorkspace(t)
	first := w.runPayslip(t, testutil.NewScriptedModel(testutil.Step{Text: payslipJSON}))

	out, err := w.execute(t, testutil.NewScriptedModel(), "retry", "--idempotency-key", "idem-other", first.JobID)
	require.Error(t, err)
	assert.Contains(t, out, "Retry idempotency key must match the original submission")
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		name       string
		submission string
		allowed    bool
		violation  string
	}{
		{
			name:       "clean",
			submission: `{"tenant_id": "tenant-a", "transform_type": "payslip_extraction", "notes": "May payslip"}`,
			allowed:    true,
		},
		{
			name:       "forbidden_field",
			submission: `{"tenant_id": "tenant-a", "previous_job_id": "job-0"}`,
			violation:  "forbidden_field",
		},
		{
			name:       "nested_reference_flag",
			submission: `{"tenant_id": "tenant-a", "metadata": {"is_continuation": true}}`,
			violation:  "reference_flag",
		},
		{
			name:       "continuity_phrase",
			submission: `{"tenant_id": "tenant-a", "notes": "compare with the previous extraction"}`,
			violation:  "continuity_phrase",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorkspace(t)
			path := w.file(t, "submission.json", tt.submission)

			out, err := w.execute(t, nil, "check", "--format", "json", path)
			var res CheckResult
			decode(t, out, &res)

			assert.Equal(t, tt.allowed, res.Allowed)
			if tt.allowed {
				require.NoError(t, err)
				assert.Empty(t, res.Violations)
				return
			}
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			require.NotEmpty(t, res.Violations)
			assert.Equal(t, tt.violation, string(res.Violations[0].Type))
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestCheckReadsStdin(t *testing.T) {
	w := newWorkspace(t)
	cmd := newRootCommand(&RootOptions{})
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(bytes.NewBufferString(`{"tenant_id": "t", "session_id": "s-1"}`))
	cmd.SetArgs([]string{"--config", w.config, "check", "-"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, stdout.String(), "✗ Submission blocked")
	assert.Contains(t, stdout.String(), "session_id")
}

func TestSweepCommand(t *testing.T) {
	w := newWorkspace(t)

	out, err := w.execute(t, nil, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "Deleted 0 expired jobs\n", out)
}

func TestValidateCommand(t *testing.T) {
	w := newWorkspace(t)

	out, err := w.execute(t, nil, "validate", "--format", "json")
	require.NoError(t, err)

	var res ValidationResult
	decode(t, out, &res)
	assert.True(t, res.Valid)
	assert.Positive(t, res.Rules)
	assert.Contains(t, res.Transforms, "payslip_extraction")
}

func TestValidateReportsEachConfigError(t *testing.T) {
	w := newWorkspace(t)
	bad := w.file(t, "bad.yaml", "store:\n  driver: mongo\nmodel:\n  provider: local\n")

	cmd := newRootCommand(&RootOptions{})
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", bad, "--format", "json", "validate"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var res ValidationResult
	decode(t, stdout.String(), &res)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 2)
	for _, e := range res.Errors {
		assert.Equal(t, "config", e.Component)
		assert.Equal(t, ErrCodeConfig, e.Code)
	}
}

func TestValidateMissingPolicy(t *testing.T) {
	w := newWorkspace(t)
	cfg := w.file(t, "policy.yaml", "store:\n  driver: memory\npolicy:\n  path: "+filepath.Join(w.dir, "none.cue")+"\n")

	cmd := newRootCommand(&RootOptions{})
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfg, "validate"})

	require.Error(t, cmd.Execute())
	assert.Contains(t, stdout.String(), "policy [E003]: policy file not found")
}
