package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status, progress and time remaining",
		Long: `Show a job's effective status. A job past its expiry reads as
"expired" whatever its stored status.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, formatter, err := newApp(cmd.Context(), rootOpts, cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.manager.Status(cmd.Context(), args[0])
			if err != nil {
				return formatter.Fail(err)
			}
			return formatter.Success(statusOutput{st})
		},
	}
}

// NewResultCommand creates the result command.
func NewResultCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "result <job-id>",
		Short: "Print a completed job's extracted data and usage",
		Long: `Print a completed job's extracted data, outputs and usage metrics.
Refuses with EXPIRED after the retention window and NOT_COMPLETED
before the job completes.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, formatter, err := newApp(cmd.Context(), rootOpts, cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.manager.Result(cmd.Context(), args[0])
			if err != nil {
				return formatter.Fail(err)
			}
			return formatter.Success(resultOutput{res})
		},
	}
}

// NewProofCommand creates the proof command.
func NewProofCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "proof <job-id>",
		Short: "Print the proof pack of a job's latest attempt",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, formatter, err := newApp(cmd.Context(), rootOpts, cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			pv, err := a.manager.Proof(cmd.Context(), args[0])
			if err != nil {
				return formatter.Fail(err)
			}
			return formatter.Success(proofOutput{pv})
		},
	}
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete finished jobs past their expiry",
		Long: `Delete completed and failed jobs whose retention window has passed.
Expired jobs are already unreadable; this reclaims their storage.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, formatter, err := newApp(cmd.Context(), rootOpts, cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.manager.Sweep(cmd.Context())
			if err != nil {
				return formatter.FailWith(ErrCodeStore, ExitCommandError, "sweep failed", err)
			}
			return formatter.Success(sweepOutput{Deleted: n})
		},
	}
}

type sweepOutput struct {
	Deleted int `json:"deleted"`
}

func (o sweepOutput) Text() string {
	if o.Deleted == 1 {
		return "Deleted 1 expired job"
	}
	return fmt.Sprintf("Deleted %d expired jobs", o.Deleted)
}
