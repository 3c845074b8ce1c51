package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atomjob/internal/canon"
	"github.com/roach88/atomjob/internal/files"
	"github.com/roach88/atomjob/internal/job"
	"github.com/roach88/atomjob/internal/model"
)

func testJob(tr job.Transform, inputs ...job.InputFile) *job.Job {
	return &job.Job{
		ID:            "job-1",
		TenantID:      "tenant-a",
		JobType:       job.TypeDocumentExtraction,
		TransformType: tr,
		Status:        job.StatusProcessing,
		Inputs:        inputs,
	}
}

func textFile(name, content string) job.InputFile {
	return job.InputFile{Name: name, ContentType: "text/plain", Size: int64(len(content)), Content: []byte(content)}
}

func reply(text string) model.Model {
	return model.Func(func(ctx context.Context, req model.Request) (model.Response, error) {
		return model.Response{Text: text, InputTokens: 100, OutputTokens: 20, Model: "gpt-4o-mini"}, nil
	})
}

func TestExecuteStructured(t *testing.T) {
	var got model.Request
	m := model.Func(func(ctx context.Context, req model.Request) (model.Response, error) {
		got = req
		return model.Response{
			Text:         "```json\n{\"employer_name\": \"Acme Ltd\", \"net_pay\": 2400.5}\n```",
			InputTokens:  321,
			OutputTokens: 45,
			Model:        "gpt-4o-mini",
		}, nil
	})
	e, err := New(m, files.New(0, nil), WithMaxOutputTokens(1000))
	require.NoError(t, err)

	var progress []int
	res, err := e.Execute(context.Background(),
		testJob(job.TransformPayslipExtraction, textFile("march.txt", "Acme Ltd\nNet pay 2400.50")),
		func(p int) { progress = append(progress, p) })
	require.NoError(t, err)

	assert.Equal(t, []int{25, 50, 75, 100}, progress)
	assert.Equal(t, 1000, got.MaxOutputTokens)
	assert.Contains(t, got.SystemPrompt, "Do not assess")
	assert.Contains(t, got.UserContent, "=== Document 1: march.txt ===\nAcme Ltd\nNet pay 2400.50")

	assert.Equal(t, job.ExtractedStructured, res.Extracted.Kind)
	assert.Equal(t, "Acme Ltd", res.Data["employer_name"])
	assert.Empty(t, res.Warnings)
	assert.Equal(t, job.TokenUsage{Model: "gpt-4o-mini", InputTokens: 321, OutputTokens: 45}, res.TokenUsage)

	require.Len(t, res.Outputs, 2)
	primary := res.Outputs[0]
	assert.Equal(t, job.PrimaryOutputName, primary.Name)
	assert.Equal(t, "application/json", primary.ContentType)
	assert.Equal(t, canon.ContentHash(primary.Content), primary.SHA256)
	assert.Equal(t, int64(len(primary.Content)), primary.Size)
	assert.Equal(t, []byte(res.Extracted.Data), primary.Content)
	assert.Contains(t, string(primary.Content), `"net_pay": 2400.5`)

	raw := res.Outputs[1]
	assert.Equal(t, job.RawOutputName, raw.Name)
	assert.Equal(t, res.Text, string(raw.Content))
	assert.Equal(t, canon.ContentHash(raw.Content), raw.SHA256)
}

func TestExecuteRawFallback(t *testing.T) {
	e, err := New(reply("I could not find a payslip in these documents."), files.New(0, nil))
	require.NoError(t, err)

	res, err := e.Execute(context.Background(), testJob(job.TransformPayslipExtraction, textFile("a.txt", "x")), nil)
	require.NoError(t, err)

	assert.Equal(t, job.ExtractedRaw, res.Extracted.Kind)
	assert.Equal(t, "I could not find a payslip in these documents.", res.Data[RawTextKey])
	assert.Contains(t, string(res.Outputs[0].Content), RawTextKey)
}

func TestExecuteJudgmentPhrasesAreWarnings(t *testing.T) {
	e, err := New(reply(`{"summary": "Applicant is eligible and we recommend approval"}`), files.New(0, nil))
	require.NoError(t, err)

	res, err := e.Execute(context.Background(),
		testJob(job.TransformMortgageEligibilitySummary, textFile("a.txt", "x")), nil)
	require.NoError(t, err, "wording never fails an attempt")

	assert.Equal(t, job.ExtractedStructured, res.Extracted.Kind)
	joined := strings.Join(res.Warnings, "\n")
	assert.Contains(t, joined, `"eligible"`)
	assert.Contains(t, joined, `"recommend"`)
}

func TestExecuteSchemaMismatchIsWarning(t *testing.T) {
	e, err := New(reply(`{"account_last4": "12345"}`), files.New(0, nil))
	require.NoError(t, err)

	res, err := e.Execute(context.Background(),
		testJob(job.TransformBankStatementExtraction, textFile("a.csv", "x")), nil)
	require.NoError(t, err)

	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "bank_statement_extraction schema")
}

func TestNewLeavesSharedTemplateUntouched(t *testing.T) {
	shared := &Template{
		Transform:    job.TransformPayslipExtraction,
		SystemPrompt: "Extract the payslip.",
		Schema:       objectSchema(map[string]any{"net_pay": amountProp()}, "net_pay"),
	}

	executors := make([]*Executor, 2)
	var wg sync.WaitGroup
	for i := range executors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := New(reply(`{}`), files.New(0, nil), WithTemplates(shared))
			assert.NoError(t, err)
			executors[i] = e
		}()
	}
	wg.Wait()

	assert.Nil(t, shared.compiled, "New must compile a private copy")
	for _, e := range executors {
		require.NotNil(t, e)
		own, ok := e.Template(job.TransformPayslipExtraction)
		require.True(t, ok)
		assert.NotSame(t, shared, own)

		res, err := e.Execute(context.Background(),
			testJob(job.TransformPayslipExtraction, textFile("may.txt", "x")), nil)
		require.NoError(t, err)
		assert.Len(t, res.Warnings, 1, "missing net_pay is reported by the compiled schema")
	}
}

func TestExecuteUnsupportedTransform(t *testing.T) {
	e, err := New(reply("{}"), files.New(0, nil), WithoutTransform(job.TransformInvoiceExtraction))
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), testJob(job.TransformInvoiceExtraction), nil)
	assert.True(t, job.IsCode(err, job.CodeUnsupportedTransform))
}

func TestExecuteModelFailure(t *testing.T) {
	m := model.Func(func(ctx context.Context, req model.Request) (model.Response, error) {
		return model.Response{}, errors.New("401 unauthorized")
	})
	e, err := New(m, files.New(0, nil))
	require.NoError(t, err)

	var progress []int
	_, err = e.Execute(context.Background(), testJob(job.TransformPayslipExtraction),
		func(p int) { progress = append(progress, p) })

	require.Error(t, err)
	assert.True(t, job.IsCode(err, job.CodeExecution))
	assert.Contains(t, err.Error(), "401 unauthorized")
	assert.Equal(t, []int{25, 50}, progress)
}

func TestExecuteTimeout(t *testing.T) {
	m := model.Func(func(ctx context.Context, req model.Request) (model.Response, error) {
		<-ctx.Done()
		return model.Response{}, fmt.Errorf("request aborted: %w", ctx.Err())
	})
	e, err := New(m, files.New(0, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = e.Execute(ctx, testJob(job.TransformPayslipExtraction), nil)
	assert.True(t, job.IsCode(err, job.CodeExecutionTimeout))
}

type slowExtractor struct {
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (s *slowExtractor) Extract(ctx context.Context, f job.InputFile) (string, error) {
	s.mu.Lock()
	s.active++
	s.maxSeen = max(s.maxSeen, s.active)
	s.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	return "text of " + f.Name, nil
}

func TestExecuteBoundsFileConcurrencyAndKeepsOrder(t *testing.T) {
	var got model.Request
	m := model.Func(func(ctx context.Context, req model.Request) (model.Response, error) {
		got = req
		return model.Response{Text: "{}"}, nil
	})
	ex := &slowExtractor{}
	e, err := New(m, ex, WithFileConcurrency(2))
	require.NoError(t, err)

	var inputs []job.InputFile
	for i := range 6 {
		inputs = append(inputs, textFile(fmt.Sprintf("f%d.txt", i), ""))
	}
	_, err = e.Execute(context.Background(), testJob(job.TransformInvoiceExtraction, inputs...), nil)
	require.NoError(t, err)

	assert.LessOrEqual(t, ex.maxSeen, 2)
	for i := 1; i < 6; i++ {
		assert.Less(t,
			strings.Index(got.UserContent, fmt.Sprintf("text of f%d.txt", i-1)),
			strings.Index(got.UserContent, fmt.Sprintf("text of f%d.txt", i)))
	}
}

func TestTemplateAllowsFile(t *testing.T) {
	e, err := New(reply("{}"), files.New(0, nil))
	require.NoError(t, err)

	tmpl, ok := e.Template(job.TransformIdentityDocument)
	require.True(t, ok)
	assert.True(t, tmpl.AllowsFile("Passport.JPG"))
	assert.False(t, tmpl.AllowsFile("passport.xlsx"))

	for _, tr := range job.Transforms() {
		_, ok := e.Template(tr)
		assert.True(t, ok, "template for %s", tr)
	}
}
