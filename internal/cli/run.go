package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/atomjob/internal/job"
	"github.com/roach88/atomjob/internal/lifecycle"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	TenantID       string
	Transform      string
	IdempotencyKey string
	FieldsFile     string
	Fields         []string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <file>...",
		Short: "Submit documents as one job and wait for the result",
		Long: `Submit one or more documents as a single extraction job, run it to
completion and print the extracted data, usage and proof pack.

The submission passes through the continuity guard first. A refused
submission creates no job and exits with status 1.

Example:
  atomjob run --tenant acme --transform payslip_extraction march.pdf
  atomjob run --tenant acme --transform bank_statement_extraction \
      --fields fields.json --format json statement.csv`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&opts.Transform, "transform", "", "transform type (required)")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "idempotency-key", "", "idempotency key (derived from inputs when empty)")
	cmd.Flags().StringVar(&opts.FieldsFile, "fields", "", "JSON file with additional submission fields")
	cmd.Flags().StringArrayVar(&opts.Fields, "field", nil, "additional submission field key=value (repeatable)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("transform")

	return cmd
}

func runJob(opts *RunOptions, paths []string, cmd *cobra.Command) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	a, formatter, err := newApp(ctx, opts.RootOptions, cmd, appOptions{withModel: true})
	if err != nil {
		return err
	}
	defer a.close()

	inputs, err := readInputFiles(paths)
	if err != nil {
		return formatter.FailWith(ErrCodeBadInput, ExitCommandError, "failed to read documents", err)
	}
	fields, err := readFields(opts.FieldsFile)
	if err != nil {
		return formatter.FailWith(ErrCodeBadInput, ExitCommandError, "failed to read fields", err)
	}
	if fields, err = parseFieldFlags(opts.Fields, fields); err != nil {
		return formatter.FailWith(ErrCodeBadRequest, ExitCommandError, "invalid field flag", err)
	}

	a.manager.Start(ctx)
	rec, err := a.manager.Submit(ctx, lifecycle.SubmitRequest{
		TenantID:       opts.TenantID,
		JobType:        job.TypeDocumentExtraction,
		TransformType:  job.Transform(opts.Transform),
		IdempotencyKey: opts.IdempotencyKey,
		Files:          inputs,
		Fields:         fields,
	})
	if err != nil {
		return formatter.Fail(err)
	}
	formatter.VerboseLog("Submitted job %s (expires %s)", rec.JobID, rec.ExpiresAt)

	return awaitAndReport(ctx, a, formatter, rec.JobID)
}

// awaitAndReport waits for the attempt to finish and prints it. A failed
// job exits 1.
func awaitAndReport(ctx context.Context, a *app, formatter *OutputFormatter, id string) error {
	j, err := a.manager.Await(ctx, id)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return formatter.FailWith(ErrCodeInterrupt, ExitFailure, "interrupted while waiting for job "+id, err)
	}
	if err != nil {
		return formatter.Fail(err)
	}

	if err := formatter.Success(newJobOutput(j)); err != nil {
		return err
	}
	if j.Status == job.StatusFailed {
		return NewExitError(ExitFailure, "job failed")
	}
	return nil
}

// signalContext is cancelled on SIGINT/SIGTERM or when the command's own
// context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
