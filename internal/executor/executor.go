package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/atomjob/internal/canon"
	"github.com/roach88/atomjob/internal/job"
	"github.com/roach88/atomjob/internal/model"
)

// FileExtractor renders one input document to text. Unsupported content
// should yield a placeholder marker rather than an error.
type FileExtractor interface {
	Extract(ctx context.Context, f job.InputFile) (string, error)
}

// ProgressFunc receives advisory progress percentages. It must not block.
type ProgressFunc func(percent int)

// Progress checkpoints reported during Execute.
const (
	ProgressFilesRead      = 25
	ProgressModelInvoked   = 50
	ProgressModelResponded = 75
	ProgressOutputsWritten = 100
)

// Result is what one successful attempt produced.
type Result struct {
	Outputs    []job.Output
	Extracted  *job.ExtractedData
	TokenUsage job.TokenUsage
	Elapsed    time.Duration

	// Text is the verbatim model response.
	Text string

	// Data is the parsed response, or the raw text under RawTextKey.
	Data map[string]any

	// Warnings are advisory findings about the output's wording or shape.
	Warnings []string
}

// Executor runs attempts. It is safe for concurrent use.
type Executor struct {
	model           model.Model
	files           FileExtractor
	templates       map[job.Transform]*Template
	maxOutputTokens int
	fileConcurrency int
	now             func() time.Time
	logger          *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithTemplates replaces the templates for the transforms they name.
func WithTemplates(ts ...*Template) Option {
	return func(e *Executor) {
		for _, t := range ts {
			e.templates[t.Transform] = t
		}
	}
}

// WithoutTransform removes a transform's template.
func WithoutTransform(tr job.Transform) Option {
	return func(e *Executor) {
		delete(e.templates, tr)
	}
}

// WithMaxOutputTokens caps every model response. Default 4096.
func WithMaxOutputTokens(n int) Option {
	return func(e *Executor) {
		e.maxOutputTokens = n
	}
}

// WithFileConcurrency bounds concurrent document extraction. Default 4.
func WithFileConcurrency(n int) Option {
	return func(e *Executor) {
		e.fileConcurrency = n
	}
}

// WithClock sets the time source used to measure execution time.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// New creates an Executor with the default templates.
func New(m model.Model, files FileExtractor, opts ...Option) (*Executor, error) {
	e := &Executor{
		model:           m,
		files:           files,
		templates:       make(map[job.Transform]*Template),
		maxOutputTokens: 4096,
		fileConcurrency: 4,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, t := range DefaultTemplates() {
		e.templates[t.Transform] = t
	}
	for _, opt := range opts {
		opt(e)
	}
	// Compile into private copies; callers may share templates between
	// executors.
	for tr, t := range e.templates {
		own := *t
		if err := own.compile(); err != nil {
			return nil, fmt.Errorf("template %s: %w", tr, err)
		}
		e.templates[tr] = &own
	}
	if e.fileConcurrency < 1 {
		e.fileConcurrency = 1
	}
	return e, nil
}

// Template returns the template registered for tr.
func (e *Executor) Template(tr job.Transform) (*Template, bool) {
	t, ok := e.templates[tr]
	return t, ok
}

// Execute runs one attempt for j. Returned errors are *job.Error with code
// UNSUPPORTED_TRANSFORM, EXECUTION_ERROR or EXECUTION_TIMEOUT.
func (e *Executor) Execute(ctx context.Context, j *job.Job, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(int) {}
	}
	start := e.now()

	tmpl, ok := e.templates[j.TransformType]
	if !ok {
		return nil, job.NewError(job.CodeUnsupportedTransform, j.ID,
			"no prompt template for transform %q", j.TransformType)
	}

	docs, err := e.extractAll(ctx, j.Inputs)
	if err != nil {
		return nil, e.classify(j.ID, "extract documents", err)
	}
	progress(ProgressFilesRead)

	req := model.Request{
		SystemPrompt:    tmpl.SystemPrompt,
		UserContent:     renderUserContent(tmpl, j.Inputs, docs),
		MaxOutputTokens: e.maxOutputTokens,
	}

	progress(ProgressModelInvoked)
	resp, err := e.model.Invoke(ctx, req)
	if err != nil {
		e.logger.Warn("executor.model.error", "job_id", j.ID, "error", err)
		return nil, e.classify(j.ID, "model call", err)
	}
	progress(ProgressModelResponded)

	parsed := ParseResponse(resp.Text)
	warnings := scanPhrases(resp.Text, tmpl.ForbiddenPhrases)
	if parsed.Structured {
		if err := tmpl.validate(parsed.Data); err != nil {
			warnings = append(warnings, err.Error())
		}
	}
	for _, w := range warnings {
		e.logger.Warn("executor.output.warning", "job_id", j.ID, "warning", w)
	}

	data := parsed.Fields()
	extracted, err := encodeFields(data)
	if err != nil {
		return nil, job.NewError(job.CodeExecution, j.ID, "encode extracted data: %v", err)
	}

	kind := job.ExtractedRaw
	if parsed.Structured {
		kind = job.ExtractedStructured
	}

	res := &Result{
		Outputs: []job.Output{
			newOutput(job.PrimaryOutputName, "application/json", extracted),
			newOutput(job.RawOutputName, "text/plain; charset=utf-8", []byte(resp.Text)),
		},
		Extracted: &job.ExtractedData{Kind: kind, Data: extracted},
		TokenUsage: job.TokenUsage{
			Model:        resp.Model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		},
		Elapsed:  e.now().Sub(start),
		Text:     resp.Text,
		Data:     data,
		Warnings: warnings,
	}
	progress(ProgressOutputsWritten)

	e.logger.Debug("executor.completed",
		"job_id", j.ID,
		"transform", string(j.TransformType),
		"structured", parsed.Structured,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"warnings", len(warnings))

	return res, nil
}

// extractAll renders inputs concurrently, preserving submission order.
func (e *Executor) extractAll(ctx context.Context, inputs []job.InputFile) ([]string, error) {
	docs := make([]string, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fileConcurrency)
	for i, f := range inputs {
		g.Go(func() error {
			text, err := e.files.Extract(gctx, f)
			if err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
			docs[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

// classify maps a failure to the job error taxonomy.
func (e *Executor) classify(jobID, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return job.NewError(job.CodeExecutionTimeout, jobID, "%s exceeded deadline: %v", op, err)
	}
	return job.NewError(job.CodeExecution, jobID, "%s failed: %v", op, err)
}

func renderUserContent(tmpl *Template, inputs []job.InputFile, docs []string) string {
	var b strings.Builder
	b.WriteString(tmpl.Instructions)
	for i, f := range inputs {
		fmt.Fprintf(&b, "\n\n=== Document %d: %s ===\n", i+1, f.Name)
		b.WriteString(docs[i])
	}
	return b.String()
}

func scanPhrases(text string, phrases []string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, p := range phrases {
		if strings.Contains(lower, strings.ToLower(p)) {
			out = append(out, fmt.Sprintf("output contains judgment phrase %q", p))
		}
	}
	return out
}

func newOutput(name, contentType string, content []byte) job.Output {
	return job.Output{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(content)),
		SHA256:      canon.ContentHash(content),
		Content:     content,
	}
}
