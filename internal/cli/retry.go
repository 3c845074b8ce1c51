package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/atomjob/internal/lifecycle"
)

// RetryOptions holds flags for the retry command.
type RetryOptions struct {
	*RootOptions
	JobID          string
	IdempotencyKey string
	FieldsFile     string
	Fields         []string
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-run a finished job under the same identity",
		Long: `Re-run a completed or failed job with its original inputs.

The job keeps its id and idempotency key. Everything the previous attempt
produced is discarded. A retry that names a different job, carries a
different idempotency key or adds input material is refused.

Example:
  atomjob retry 0190f0c2-7d1e-7c3a-9f00-5b7c1a2d3e4f
  atomjob retry --idempotency-key idem-1234 0190f0c2-7d1e-7c3a-9f00-5b7c1a2d3e4f`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.JobID, "job-id", "", "job id the request claims (defaults to the argument)")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "idempotency-key", "", "idempotency key of the original submission")
	cmd.Flags().StringVar(&opts.FieldsFile, "fields", "", "JSON file with retry request fields")
	cmd.Flags().StringArrayVar(&opts.Fields, "field", nil, "retry request field key=value (repeatable)")

	return cmd
}

func runRetry(opts *RetryOptions, id string, cmd *cobra.Command) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	a, formatter, err := newApp(ctx, opts.RootOptions, cmd, appOptions{withModel: true})
	if err != nil {
		return err
	}
	defer a.close()

	fields, err := readFields(opts.FieldsFile)
	if err != nil {
		return formatter.FailWith(ErrCodeBadInput, ExitCommandError, "failed to read fields", err)
	}
	if fields, err = parseFieldFlags(opts.Fields, fields); err != nil {
		return formatter.FailWith(ErrCodeBadRequest, ExitCommandError, "invalid field flag", err)
	}

	a.manager.Start(ctx)
	rec, err := a.manager.Retry(ctx, id, lifecycle.RetryRequest{
		JobID:          opts.JobID,
		IdempotencyKey: opts.IdempotencyKey,
		Fields:         fields,
	})
	if err != nil {
		return formatter.Fail(err)
	}
	formatter.VerboseLog("Retrying job %s (retry %d)", rec.JobID, rec.RetryCount)

	return awaitAndReport(ctx, a, formatter, rec.JobID)
}
